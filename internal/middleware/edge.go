package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// EdgeOptions configure the net/http layer wrapped around the gin engine.
type EdgeOptions struct {
	AllowedOrigins  []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Edge wraps next with CORS handling and, when configured, a per-IP rate
// limit. The browser client sends its session cookie, so credentials are
// allowed and origins must be explicit.
func Edge(opts EdgeOptions, next http.Handler) http.Handler {
	h := next
	if opts.RateLimitReqs > 0 {
		h = httprate.Limit(opts.RateLimitReqs, opts.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		)(h)
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Device-Id"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})(h)
}
