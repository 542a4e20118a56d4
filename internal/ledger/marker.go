package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Marker periodically appends mark-to-market snapshots so the portfolio
// history reflects price movement between trades.
type Marker struct {
	ledger    *Service
	markDelay time.Duration
}

func NewMarker(ledger *Service, markDelay time.Duration) *Marker {
	if markDelay <= 0 {
		markDelay = time.Minute
	}
	return &Marker{
		ledger:    ledger,
		markDelay: markDelay,
	}
}

// Start begins the mark-to-market loop and blocks until the context is
// done.
func (m *Marker) Start(ctx context.Context) {
	logger := log.With().Str("component", "portfolio_marker").Logger()
	logger.Info().Dur("interval", m.markDelay).Msg("starting mark-to-market loop")

	ticker := time.NewTicker(m.markDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down mark-to-market loop")
			return
		case <-ticker.C:
			if _, err := m.ledger.MarkToMarket(); err != nil {
				logger.Error().Err(err).Msg("mark-to-market snapshot failed")
			}
		}
	}
}
