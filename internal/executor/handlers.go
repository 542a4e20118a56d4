package executor

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for trade endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// OpenTradeHandler handles POST requests to open a trade with protective
// orders. Supports the Idempotency-Key header: a replayed request returns
// the originally opened trade instead of opening a second position.
func (h *GinHandlers) OpenTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey != "" {
			record, err := h.service.db.GetIdempotencyRecord(idempotencyKey)
			if err != nil {
				response.InternalError(c, err.Error())
				return
			}
			if record != nil && record.ExpiresAt.After(time.Now()) {
				trade, err := h.service.GetTrade(record.ResourceID)
				if err == nil && trade != nil {
					response.Success(c, tradeResponse(trade))
					return
				}
			}
		}

		trade, err := h.service.OpenTrade(c.Request.Context(), req)
		if err != nil {
			var coded response.Coded
			if errors.As(err, &coded) {
				response.HandleError(c, err)
				return
			}
			response.BadRequest(c, err.Error())
			return
		}

		if idempotencyKey != "" {
			record := &types.IdempotencyRecord{
				IdempotencyKey: idempotencyKey,
				ResourceID:     trade.TradeID,
				ResourceType:   "trade_open",
				ExpiresAt:      time.Now().Add(24 * time.Hour),
			}
			if err := h.service.db.db.Create(record).Error; err != nil {
				response.InternalError(c, err.Error())
				return
			}
		}

		response.Success(c, tradeResponse(trade))
	}
}

// GetTradeHandler handles GET requests for a single trade.
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		trade, err := h.service.GetTrade(tradeID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if trade == nil {
			response.NotFound(c, "Trade not found")
			return
		}

		resp := tradeResponse(trade)
		resp.Orders = h.service.TradeOrders(tradeID)
		response.Success(c, resp)
	}
}

// ListTradesHandler handles GET requests for trades.
// Query parameters: market_id, status (both optional)
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.db.ListTrades(c.Query("market_id"), c.Query("status"))
		response.Handle(c, trades, err)
	}
}

// CancelTradeHandler handles POST requests to cancel an open trade and its
// protective orders.
// URL parameter: trade_id
func (h *GinHandlers) CancelTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		trade, err := h.service.CancelTrade(tradeID)
		if err != nil {
			var coded response.Coded
			if errors.As(err, &coded) {
				response.HandleError(c, err)
				return
			}
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, tradeResponse(trade))
	}
}

func tradeResponse(trade *types.Trade) types.TradeResponse {
	return types.TradeResponse{
		TradeID:     trade.TradeID,
		MarketID:    trade.MarketID,
		StrategyID:  trade.StrategyID,
		Side:        trade.Side,
		Size:        trade.Size,
		EntryPrice:  trade.EntryPrice,
		ExitPrice:   trade.ExitPrice,
		Status:      trade.Status,
		RealizedPnL: trade.RealizedPnL,
		FeesPaid:    trade.FeesPaid,
		CloseReason: trade.CloseReason,
		EntryTime:   trade.EntryTime,
		ExitTime:    trade.ExitTime,
	}
}
