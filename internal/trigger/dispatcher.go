package trigger

import (
	"context"
	"hash/fnv"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TickHandler processes one tick end to end: evaluation, admission,
// execution, ledger apply.
type TickHandler func(ctx context.Context, tick types.Tick)

// Dispatcher partitions the tick stream by market ID so that ticks for one
// market are always processed by the same sequential worker, preserving the
// non-decreasing-timestamp and watermark-atomicity requirements, while
// different markets proceed in parallel.
type Dispatcher struct {
	handler TickHandler
	queues  []chan types.Tick
}

func NewDispatcher(workers, queueSize int, handler TickHandler) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	queues := make([]chan types.Tick, workers)
	for i := range queues {
		queues[i] = make(chan types.Tick, queueSize)
	}
	return &Dispatcher{
		handler: handler,
		queues:  queues,
	}
}

// Start runs one goroutine per partition and blocks until the context is
// cancelled and all workers have drained.
func (d *Dispatcher) Start(ctx context.Context) error {
	logger := log.With().Str("component", "tick_dispatcher").Logger()
	logger.Info().Int("workers", len(d.queues)).Msg("starting tick dispatcher")

	g, ctx := errgroup.WithContext(ctx)
	for i := range d.queues {
		queue := d.queues[i]
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					logger.Debug().Int("worker", worker).Msg("tick worker shutting down")
					return ctx.Err()
				case tick := <-queue:
					d.handler(ctx, tick)
				}
			}
		})
	}

	err := g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Submit enqueues a tick on its market's partition. It never blocks the
// ingest path: if the partition queue is full the tick is dropped and
// logged, and the evaluator's watermark logic absorbs the gap on the next
// tick.
func (d *Dispatcher) Submit(tick types.Tick) bool {
	queue := d.queues[d.partition(tick.MarketID)]
	select {
	case queue <- tick:
		return true
	default:
		log.Warn().
			Str("market_id", tick.MarketID).
			Time("tick_time", tick.Timestamp).
			Msg("tick queue full, dropping tick")
		return false
	}
}

func (d *Dispatcher) partition(marketID string) int {
	h := fnv.New32a()
	h.Write([]byte(marketID))
	return int(h.Sum32()) % len(d.queues)
}
