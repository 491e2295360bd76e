package handlers

import "github.com/gin-gonic/gin"

// API groups the REST handlers.
type API struct {
	Chats    *ChatHandler
	Messages *MessageHandler
	Users    *UserHandler
}

// RegisterAPIRoutes mounts the REST surface. Callers add authentication.
func RegisterAPIRoutes(r gin.IRoutes, api API) {
	r.GET("/chats", api.Chats.ListChats)
	r.GET("/chats/:id", api.Chats.GetChat)
	r.POST("/chats", api.Chats.AddChat)
	r.PUT("/chats/read/:id", api.Chats.ReadChat)
	r.POST("/messages/:chatId", api.Messages.AddMessage)
	r.GET("/users/notification", api.Users.Notifications)
	r.GET("/presence/:userId", api.Users.Presence)
}
