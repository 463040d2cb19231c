package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/presence"
)

const maxPresenceLookup = 200

type PresenceHandler struct {
	registry *presence.Registry
}

func NewPresenceHandler(registry *presence.Registry) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

// GetPresence answers ?user_ids=1,2,3 with one entry per id; unknown users read as offline.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("user_ids"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids is required"})
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxPresenceLookup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many user_ids"})
		return
	}
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id " + p})
			return
		}
		ids = append(ids, id)
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.registry.Lookup(ids)})
}
