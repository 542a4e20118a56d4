package events

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for the event log endpoints
type GinHandlers struct {
	bus *Bus
}

func NewGinHandlers(bus *Bus) *GinHandlers {
	return &GinHandlers{bus: bus}
}

// HistoryHandler handles GET requests for the persisted event log.
// Query parameters: kind (repeatable), since (RFC3339, optional)
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "since must be RFC3339")
				return
			}
			since = parsed
		}

		events, err := h.bus.History(c.QueryArray("kind"), since)
		response.Handle(c, events, err)
	}
}
