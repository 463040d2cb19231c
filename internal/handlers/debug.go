package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/observability"
	"messenger-service/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	// GET /debug/audit-test?text=&conversation_id= pushes one audit record
	// through the bus so operators can follow it downstream by request id.
	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		id, ok := actor(c)
		if !ok {
			return
		}
		rec := telemetry.AuditRecord{Level: "INFO", Text: "audit test", Action: "debug.audit_test", ActorID: id.UserID}
		if text := c.Query("text"); text != "" {
			rec.Text = text
		}
		convID, ok := optionalID(c, "conversation_id")
		if !ok {
			return
		}
		if convID != nil {
			rec.ConversationID = *convID
		}
		emitter.Emit(c.Request.Context(), rec)
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"request_id": observability.RequestIDFromContext(c.Request.Context()),
		})
	})
}
