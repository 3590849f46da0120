package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-chat/internal/telemetry"
	"campus-chat/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, hub *ws.Hub, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms/:chat_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"chatId":   c.Param("chat_id"),
			"sessions": hub.RoomSize(c.Param("chat_id")),
		})
	})
}
