package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/cache"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

type connectionInspector interface {
	Count() int
	Snapshot() []ws.ConnectionSummary
	UserID(connID string) (string, error)
	Rooms(connID string) ([]string, error)
	RoomSize(roomID string) int
}

type cacheStatsProvider interface {
	GetStats() cache.Stats
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, registry connectionInspector, roomCache cacheStatsProvider, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), c.Query("room_id"))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": registry.Count(), "connections": registry.Snapshot()})
	})

	router.GET("/debug/connections/:conn_id", func(c *gin.Context) {
		connID := c.Param("conn_id")
		userID, err := registry.UserID(connID)
		if err == nil {
			var rooms []string
			if rooms, err = registry.Rooms(connID); err == nil {
				c.JSON(http.StatusOK, ws.ConnectionSummary{ConnID: connID, UserID: userID, Rooms: rooms})
				return
			}
		}
		if errors.Is(err, ws.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	})

	router.GET("/debug/rooms/:room_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"room_id": c.Param("room_id"), "live_connections": registry.RoomSize(c.Param("room_id"))})
	})

	router.GET("/debug/cache", func(c *gin.Context) {
		if roomCache == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room cache not configured"})
			return
		}
		c.JSON(http.StatusOK, roomCache.GetStats())
	})
}
