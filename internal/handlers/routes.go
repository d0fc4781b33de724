package handlers

import "github.com/gin-gonic/gin"

// Routes groups the handlers served by the message log service.
type Routes struct {
	Rooms    *RoomHandler
	Presence *PresenceHandler
	// Stream upgrades websocket connections; it authenticates on its own.
	Stream gin.HandlerFunc
	// Auth and RateLimit guard every REST endpoint.
	Auth      gin.HandlerFunc
	RateLimit gin.HandlerFunc
}

// Register wires the routes onto router.
func (r Routes) Register(router gin.IRouter) {
	guard := []gin.HandlerFunc{r.Auth}
	if r.RateLimit != nil {
		guard = append(guard, r.RateLimit)
	}

	api := router.Group("/", guard...)
	api.POST("/rooms/:room_id/messages", r.Rooms.AppendMessage)
	api.GET("/rooms/:room_id/deltas", r.Rooms.GetDeltas)
	api.GET("/rooms/:room_id/history", r.Rooms.GetHistory)
	api.POST("/rooms/:room_id/messages/:message_id/reactions", r.Rooms.React)
	api.PUT("/presence/:user_id", r.Presence.SetPresence)
	api.GET("/presence/:user_id", r.Presence.GetPresence)

	if r.Stream != nil {
		router.GET("/ws/rooms/:room_id", r.Stream)
	}
}
