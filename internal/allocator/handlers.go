package allocator

import (
	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for strategy endpoints
type GinHandlers struct {
	alloc *Allocator
}

func NewGinHandlers(alloc *Allocator) *GinHandlers {
	return &GinHandlers{alloc: alloc}
}

// CreateStrategyHandler handles POST requests to create or update a
// strategy definition.
func (h *GinHandlers) CreateStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var def Definition
		if err := c.ShouldBindJSON(&def); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.alloc.ApplyDefinitions([]Definition{def}); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		strategy, err := h.alloc.GetStrategy(def.StrategyID)
		response.Handle(c, strategy, err)
	}
}

// ListStrategiesHandler handles GET requests for all strategies.
func (h *GinHandlers) ListStrategiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategies, err := h.alloc.ListStrategies()
		response.Handle(c, strategies, err)
	}
}

// GetStrategyHandler handles GET requests for one strategy, including its
// live open-position exposure.
// URL parameter: strategy_id
func (h *GinHandlers) GetStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		strategy, err := h.alloc.GetStrategy(strategyID)
		if err != nil || strategy == nil {
			response.NotFound(c, "Strategy not found")
			return
		}

		count, size := h.alloc.OpenExposure(strategyID)
		response.Success(c, gin.H{
			"strategy":       strategy,
			"open_positions": count,
			"open_size":      size,
		})
	}
}
