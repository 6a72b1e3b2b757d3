package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"market-chat/internal/broadcast"
	"market-chat/internal/middleware"
	"market-chat/internal/models"
	"market-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, channel broadcast.Channel, jwtSecret string, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", "")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms/:room_id/presence", func(c *gin.Context) {
		members, err := channel.Presence(c.Request.Context(), c.Param("room_id"))
		if err != nil {
			writeError(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": broadcast.Topic(c.Param("room_id")), "members": members})
	})

	// issues a short-lived token without the account service
	router.GET("/debug/token", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Query("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		token, err := middleware.IssueToken(jwtSecret, models.User{ID: id, Username: c.Query("username")}, time.Hour)
		if err != nil {
			writeError(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})
}
