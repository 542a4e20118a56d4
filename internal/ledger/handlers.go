package ledger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	ledger *Service
}

func NewGinHandlers(ledger *Service) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// LatestHandler handles GET requests for the current portfolio state.
func (h *GinHandlers) LatestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := h.ledger.Latest()
		response.Success(c, types.PortfolioResponse{
			Cash:           snapshot.Cash,
			PositionsValue: snapshot.PositionsValue,
			TotalValue:     snapshot.TotalValue,
			Exposure:       snapshot.Exposure,
			RealizedPnL:    snapshot.RealizedPnL,
			UnrealizedPnL:  snapshot.UnrealizedPnL,
			DailyPnL:       snapshot.DailyPnL,
			AsOf:           snapshot.CreatedAt,
		})
	}
}

// HistoryHandler handles GET requests for the snapshot history.
// Query parameters: since, until (RFC3339, both optional)
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var since, until time.Time
		var err error

		if raw := c.Query("since"); raw != "" {
			if since, err = time.Parse(time.RFC3339, raw); err != nil {
				response.BadRequest(c, "since must be RFC3339")
				return
			}
		}
		if raw := c.Query("until"); raw != "" {
			if until, err = time.Parse(time.RFC3339, raw); err != nil {
				response.BadRequest(c, "until must be RFC3339")
				return
			}
		}

		snapshots, err := h.ledger.History(since, until)
		response.Handle(c, snapshots, err)
	}
}
