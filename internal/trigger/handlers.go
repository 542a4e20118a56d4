package trigger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for the internal tick pipeline
// endpoints.
type GinHandlers struct {
	dispatcher *Dispatcher
	evaluator  *Evaluator
}

func NewGinHandlers(dispatcher *Dispatcher, evaluator *Evaluator) *GinHandlers {
	return &GinHandlers{
		dispatcher: dispatcher,
		evaluator:  evaluator,
	}
}

// IngestTickHandler handles POST requests that inject a price tick into the
// pipeline. Requires internal authentication; used by operators and the
// simulation driver.
func (h *GinHandlers) IngestTickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tick types.Tick
		if err := c.ShouldBindJSON(&tick); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if tick.MarketID == "" || tick.Price <= 0 {
			response.BadRequest(c, "market_id and a positive price are required")
			return
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = time.Now()
		}

		accepted := h.dispatcher.Submit(tick)
		response.Success(c, gin.H{"accepted": accepted})
	}
}

// ReconcileHandler handles POST requests that run a reconciliation pass and
// resume a suspended market.
// URL parameter: market_id
func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		marketID := c.Param("market_id")

		if err := h.evaluator.Reconcile(marketID); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"market_id": marketID, "suspended": h.evaluator.Suspended(marketID)})
	}
}
