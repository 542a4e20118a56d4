package orderbook

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for conditional order endpoints
type GinHandlers struct {
	book    *Book
	events  EventPublisher
	sweeper *Sweeper
}

func NewGinHandlers(book *Book, events EventPublisher, sweeper *Sweeper) *GinHandlers {
	return &GinHandlers{
		book:    book,
		events:  events,
		sweeper: sweeper,
	}
}

// RegisterOrderHandler handles POST requests to attach a conditional order
// to an open trade.
func (h *GinHandlers) RegisterOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var order types.AdvancedOrder
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.book.Register(&order); err != nil {
			response.HandleError(c, err)
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests for a single order.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.book.Get(orderID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// ListMarketOrdersHandler handles GET requests for the ACTIVE orders on a
// market.
// URL parameter: market_id
func (h *GinHandlers) ListMarketOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		marketID := c.Param("market_id")
		response.Success(c, h.book.OrdersFor(marketID))
	}
}

// CancelOrderHandler handles POST requests to cancel an order. Cancelling
// an order that already reached a terminal state reports not-active rather
// than failing, since cancels may race with triggering.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		cancelled, err := h.book.Cancel(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if !cancelled {
			order, err := h.book.Get(orderID)
			if err != nil || order == nil {
				response.NotFound(c, "Order not found")
				return
			}
			response.Success(c, gin.H{"cancelled": false, "status": order.Status})
			return
		}

		if h.events != nil {
			order, _ := h.book.Get(orderID)
			if order != nil {
				h.events.Publish(types.EventOrderCancelled, order.MarketID, order.TradeID, orderID, nil)
			}
		}
		response.Success(c, gin.H{"cancelled": true, "status": types.OrderStatusCancelled})
	}
}

// SweepHandler handles POST requests that run one expiry sweep immediately
// instead of waiting for the background interval. Requires internal
// authentication.
func (h *GinHandlers) SweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		expired, err := h.sweeper.Sweep(time.Now())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"expired": len(expired)})
	}
}
