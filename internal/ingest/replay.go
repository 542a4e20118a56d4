package ingest

import (
	"context"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Replay feeds a scripted tick sequence into the dispatcher at a fixed
// pace. Used by the simulation driver in place of a live feed.
type Replay struct {
	ticks []types.Tick
	pace  time.Duration
	sink  TickSink
}

func NewReplay(ticks []types.Tick, pace time.Duration, sink TickSink) *Replay {
	if pace <= 0 {
		pace = 10 * time.Millisecond
	}
	return &Replay{ticks: ticks, pace: pace, sink: sink}
}

// Run submits every tick in order, pausing between ticks. It returns early
// if the context is cancelled.
func (r *Replay) Run(ctx context.Context) error {
	logger := log.With().Str("component", "replay_feed").Logger()
	logger.Info().Int("ticks", len(r.ticks)).Msg("starting tick replay")

	for _, tick := range r.ticks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pace):
		}

		if !r.sink.Submit(tick) {
			logger.Warn().Str("market_id", tick.MarketID).Msg("replay tick dropped")
		}
	}

	logger.Info().Msg("tick replay complete")
	return nil
}
