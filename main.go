package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"listing-chat/internal/auth"
	"listing-chat/internal/chat"
	"listing-chat/internal/config"
	"listing-chat/internal/db"
	"listing-chat/internal/grpcserver"
	"listing-chat/internal/handlers"
	"listing-chat/internal/logging"
	"listing-chat/internal/middleware"
	"listing-chat/internal/observability"
	"listing-chat/internal/presence"
	"listing-chat/internal/rabbitmq"
	"listing-chat/internal/relay"
	"listing-chat/internal/repositories"
	"listing-chat/internal/telemetry"
	"listing-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to init tracing")
	}

	database, err := db.Connect(db.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to db")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.BreakerTimeout)
	logging.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	observability.SetPublisher(publisher)
	emitter := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.Tracing.ServiceName, cfg.Server.Environment)

	registry := presence.NewRegistry()
	router := relay.NewRouter()
	chatService := chat.NewService(
		repositories.NewChatRepo(database),
		repositories.NewUserRepo(database),
		router,
		chat.Options{MaxMessageLength: cfg.Chat.MaxMessageLength, RelayOnAppend: cfg.Relay.RelayOnAppend},
	)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.CookieName)
	wsHandler := ws.NewHandler(verifier, registry, router, chatService, ws.Options{
		SendBuffer:      cfg.Relay.SendBuffer,
		WriteWait:       cfg.Relay.WriteWait,
		PongWait:        cfg.Relay.PongWait,
		MaxFrameBytes:   cfg.Relay.MaxFrameBytes,
		EventsPerSecond: cfg.Relay.EventsPerSecond,
		EventBurst:      cfg.Relay.EventBurst,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
	})

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	// middlewares
	engine.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Tracing.ServiceName),
		middleware.RequestID(),
		middleware.RequestLogger(),
		observability.HTTPMetricsMiddleware(),
	)

	engine.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online_users": registry.OnlineCount()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", wsHandler.Handle)

	api := engine.Group("/api", middleware.AuthMiddleware(verifier))
	handlers.RegisterAPIRoutes(api, handlers.API{
		Chats:    handlers.NewChatHandler(chatService, emitter),
		Messages: handlers.NewMessageHandler(chatService),
		Users:    handlers.NewUserHandler(chatService, registry),
	})
	handlers.RegisterDebugRoutes(engine, emitter, cfg.Server.Debug)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: middleware.Edge(middleware.EdgeOptions{
			AllowedOrigins:  cfg.Server.CORSOrigins,
			RateLimitReqs:   cfg.Server.RateLimitReqs,
			RateLimitWindow: cfg.Server.RateLimitWindow,
		}, engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	var healthServer *grpcserver.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logging.Fatal().Err(err).Str("addr", cfg.GRPC.Addr).Msg("failed to listen for grpc")
		}
		healthServer = grpcserver.New()
		healthServer.SetServing(true)
		go func() {
			logging.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc health server listening")
			if err := healthServer.Serve(lis); err != nil {
				logging.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if healthServer != nil {
		healthServer.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("http shutdown")
	}
	router.Close()
	registry.Clear()
	if err := publisher.Close(); err != nil {
		logging.Warn().Err(err).Msg("close publisher")
	}
	if err := database.Close(); err != nil {
		logging.Warn().Err(err).Msg("close db")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("flush traces")
	}
}
