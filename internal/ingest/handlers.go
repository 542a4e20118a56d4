package ingest

import (
	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
	"gorm.io/gorm"
)

// GinHandlers contains HTTP handlers for market endpoints
type GinHandlers struct {
	db *Database
}

func NewGinHandlers(db *gorm.DB) *GinHandlers {
	return &GinHandlers{db: NewDatabase(db)}
}

// CreateMarketHandler handles POST requests to register a tradeable market.
func (h *GinHandlers) CreateMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var market types.Market
		if err := c.ShouldBindJSON(&market); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if market.MarketID == "" {
			response.BadRequest(c, "market_id is required")
			return
		}

		existing, err := h.db.GetMarket(market.MarketID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if existing != nil {
			response.Conflict(c, "Market already exists")
			return
		}

		err = h.db.CreateMarket(&market)
		response.Handle(c, market, err)
	}
}

// GetMarketHandler handles GET requests for a single market.
// URL parameter: market_id
func (h *GinHandlers) GetMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.db.GetMarket(c.Param("market_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if market == nil {
			response.NotFound(c, "Market not found")
			return
		}
		response.Success(c, market)
	}
}

// ListMarketsHandler handles GET requests for all known markets.
func (h *GinHandlers) ListMarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		markets, err := h.db.ListMarkets()
		response.Handle(c, markets, err)
	}
}
