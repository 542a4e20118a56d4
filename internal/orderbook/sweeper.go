package orderbook

import (
	"context"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// EventPublisher is the slice of the event bus the sweeper needs.
type EventPublisher interface {
	Publish(kind, marketID, tradeID, orderID string, payload any)
}

// Sweeper periodically expires ACTIVE orders whose expiry has passed.
type Sweeper struct {
	book       *Book
	events     EventPublisher
	sweepDelay time.Duration
}

func NewSweeper(book *Book, events EventPublisher, sweepDelay time.Duration) *Sweeper {
	if sweepDelay <= 0 {
		sweepDelay = time.Minute
	}
	return &Sweeper{
		book:       book,
		events:     events,
		sweepDelay: sweepDelay,
	}
}

// Start begins the expiry sweep loop and blocks until the context is done.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_sweeper").Logger()
	logger.Info().Dur("interval", s.sweepDelay).Msg("starting order expiry sweeper")

	ticker := time.NewTicker(s.sweepDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order expiry sweeper")
			return
		case <-ticker.C:
			if _, err := s.Sweep(time.Now()); err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// Sweep expires all due orders once, publishes an ORDER_EXPIRED event per
// order and returns the expired orders.
func (s *Sweeper) Sweep(now time.Time) ([]types.AdvancedOrder, error) {
	expired, err := s.book.ExpireDue(now)
	if err != nil {
		return nil, err
	}
	for _, order := range expired {
		log.Info().
			Str("order_id", order.OrderID).
			Str("trade_id", order.TradeID).
			Msg("order expired")
		if s.events != nil {
			s.events.Publish(types.EventOrderExpired, order.MarketID, order.TradeID, order.OrderID, nil)
		}
	}
	return expired, nil
}
