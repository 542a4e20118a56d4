package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/predikt/predikt-engine/internal/allocator"
	"github.com/predikt/predikt-engine/internal/database"
	"github.com/predikt/predikt-engine/internal/events"
	"github.com/predikt/predikt-engine/internal/exchange"
	"github.com/predikt/predikt-engine/internal/executor"
	"github.com/predikt/predikt-engine/internal/ingest"
	"github.com/predikt/predikt-engine/internal/ledger"
	"github.com/predikt/predikt-engine/internal/orderbook"
	"github.com/predikt/predikt-engine/internal/trigger"
	"github.com/predikt/predikt-engine/internal/types"
)

const (
	initialCash  = 10000.0
	ticksPerWalk = 120
	tickPace     = 5 * time.Millisecond
)

var markets = []string{
	"MKT_FED_CUT_DEC",
	"MKT_ELECTION_2026",
	"MKT_BTC_100K",
	"MKT_RAIN_TOMORROW",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// engine bundles the wired services for the simulation run.
type engine struct {
	book      *orderbook.Book
	alloc     *allocator.Allocator
	ledger    *ledger.Service
	executor  *executor.Service
	evaluator *trigger.Evaluator
	dispatch  *trigger.Dispatcher
	bus       *events.Bus
}

// buildEngine wires the full tick pipeline against a throwaway database.
func buildEngine() (*engine, error) {
	db, err := database.NewInMemoryDatabase()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	bus := events.NewBus(db)

	book, err := orderbook.NewBook(db)
	if err != nil {
		return nil, err
	}

	alloc, err := allocator.NewAllocator(db, nil)
	if err != nil {
		return nil, err
	}

	ledgerService, err := ledger.NewService(db, initialCash, alloc)
	if err != nil {
		return nil, err
	}
	alloc.SetEquitySource(ledgerService)

	executorService := executor.NewService(
		db, book, alloc, ledgerService, bus,
		exchange.NewSimulator(),
		executor.DefaultRetryPolicy(),
	)

	evaluator := trigger.NewEvaluator(book, bus, executorService, 3)
	ingestDB := ingest.NewDatabase(db)

	tickHandler := func(ctx context.Context, tick types.Tick) {
		triggered, err := evaluator.OnTick(tick.MarketID, tick.Price, tick.Timestamp)
		if err != nil {
			return
		}
		if err := ingestDB.UpsertMarketPrice(tick.MarketID, tick.Price, tick.Timestamp); err != nil {
			log.Error().Err(err).Str("market_id", tick.MarketID).Msg("failed to record market price")
		}
		for _, event := range triggered {
			if err := executorService.Execute(ctx, event); err != nil {
				log.Error().Err(err).Str("order_id", event.OrderID).Msg("trigger execution failed")
			}
		}
	}

	return &engine{
		book:      book,
		alloc:     alloc,
		ledger:    ledgerService,
		executor:  executorService,
		evaluator: evaluator,
		dispatch:  trigger.NewDispatcher(4, 1024, tickHandler),
		bus:       bus,
	}, nil
}

// seedStrategies installs two strategies with deliberately different limits
// so the allocator's denials show up in the run.
func seedStrategies(alloc *allocator.Allocator) error {
	return alloc.ApplyDefinitions([]allocator.Definition{
		{
			StrategyID:      "STRAT_MOMENTUM",
			Name:            "Momentum",
			AllocationPct:   0.30,
			MaxPositions:    5,
			MaxPositionSize: 800,
			Active:          true,
		},
		{
			StrategyID:      "STRAT_MEANREV",
			Name:            "Mean Reversion",
			AllocationPct:   0.15,
			MaxPositions:    2,
			MaxPositionSize: 400,
			Active:          true,
		},
	})
}

// walk generates a bounded random walk of outcome-share prices starting at
// the given level.
func walk(marketID string, start float64, steps int, startTime time.Time) []types.Tick {
	ticks := make([]types.Tick, 0, steps)
	price := start
	for i := 0; i < steps; i++ {
		price += (rand.Float64() - 0.48) * 0.02
		if price < 0.05 {
			price = 0.05
		}
		if price > 0.95 {
			price = 0.95
		}
		ticks = append(ticks, types.Tick{
			MarketID:  marketID,
			Price:     price,
			Timestamp: startTime.Add(time.Duration(i) * time.Second),
		})
	}
	return ticks
}

// openPositions opens bracketed trades across markets and strategies,
// counting allocator denials rather than treating them as failures.
func openPositions(ctx context.Context, eng *engine) (opened, denied int) {
	strategies := []string{"STRAT_MOMENTUM", "STRAT_MEANREV", "STRAT_MOMENTUM", "STRAT_MEANREV"}

	for i, marketID := range markets {
		entry := 0.35 + rand.Float64()*0.3
		req := executor.OpenRequest{
			MarketID:        marketID,
			StrategyID:      strategies[i%len(strategies)],
			Side:            types.SideBuy,
			Size:            float64(50 + rand.Intn(150)),
			EntryPrice:      entry,
			StopLossPrice:   entry * 0.85,
			TakeProfitPrice: entry * 1.25,
		}
		// Every other trade gets a trailing stop instead of a fixed stop.
		if i%2 == 1 {
			req.StopLossPrice = 0
			req.TrailPercent = 0.08
		}

		trade, err := eng.executor.OpenTrade(ctx, req)
		if err != nil {
			if _, ok := err.(*executor.AdmissionDeniedError); ok {
				denied++
				log.Warn().Str("market_id", marketID).Err(err).Msg("Admission denied")
				continue
			}
			log.Error().Err(err).Str("market_id", marketID).Msg("Failed to open trade")
			continue
		}
		opened++
		log.Info().
			Str("trade_id", trade.TradeID).
			Str("market_id", marketID).
			Str("strategy_id", req.StrategyID).
			Float64("entry_price", trade.EntryPrice).
			Float64("size", trade.Size).
			Msg("Trade opened")
	}
	return opened, denied
}

// main runs the conditional order simulation: open bracketed positions,
// replay price walks through the dispatcher, and report what fired.
func main() {
	eng, err := buildEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	if err := seedStrategies(eng.alloc); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed strategies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := eng.dispatch.Start(ctx); err != nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}()
	go orderbook.NewSweeper(eng.book, eng.bus, time.Second).Start(ctx)

	// Watch the event stream while the run progresses.
	eventCh, unsubscribe := eng.bus.Subscribe(4096)
	defer unsubscribe()

	start := time.Now()
	opened, denied := openPositions(ctx, eng)

	// Seed each market's starting price, then replay the walks.
	var ticks []types.Tick
	base := time.Now()
	for _, marketID := range markets {
		ticks = append(ticks, walk(marketID, 0.30+rand.Float64()*0.4, ticksPerWalk, base)...)
	}
	replay := ingest.NewReplay(ticks, tickPace, eng.dispatch)
	if err := replay.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	// Let in-flight executions drain before reading results.
	time.Sleep(500 * time.Millisecond)
	unsubscribe()

	eventCounts := make(map[string]int)
drain:
	for {
		select {
		case event := <-eventCh:
			eventCounts[event.Kind]++
		default:
			break drain
		}
	}

	// A reconciliation pass on every market should find nothing to fix.
	for _, marketID := range markets {
		if err := eng.evaluator.Reconcile(marketID); err != nil {
			log.Error().Err(err).Str("market_id", marketID).Msg("Reconciliation failed")
		}
	}

	printSummary(eng, opened, denied, eventCounts, time.Since(start))
}

// printSummary reports trades by close reason, strategy totals and the
// final portfolio snapshot.
func printSummary(eng *engine, opened, denied int, eventCounts map[string]int, duration time.Duration) {
	snapshot := eng.ledger.Latest()

	closeReasons := make(map[string]int)
	stillOpen := 0
	strategies, _ := eng.alloc.ListStrategies()

	for _, strategyID := range []string{"STRAT_MOMENTUM", "STRAT_MEANREV"} {
		count, size := eng.alloc.OpenExposure(strategyID)
		stillOpen += count
		log.Info().
			Str("strategy_id", strategyID).
			Int("open_positions", count).
			Float64("open_size", size).
			Msg("Strategy exposure at end of run")
	}

	history, _ := eng.bus.History([]string{types.EventTradeClosed}, time.Time{})
	for range history {
		closeReasons["CLOSED"]++
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CONDITIONAL ORDER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Trades
------
Opened:           %d
Admission denied: %d
Closed:           %d
Still open:       %d
Duration:         %v

Portfolio
---------
Cash:             $%.2f
Positions value:  $%.2f
Total value:      $%.2f
Realized PnL:     $%.2f
Unrealized PnL:   $%.2f
`, opened, denied, closeReasons["CLOSED"], stillOpen, duration.Round(time.Millisecond),
		snapshot.Cash, snapshot.PositionsValue, snapshot.TotalValue,
		snapshot.RealizedPnL, snapshot.UnrealizedPnL)

	fmt.Println("\nEngine Events")
	fmt.Println("-------------")
	maxCount := 0
	for _, count := range eventCounts {
		if count > maxCount {
			maxCount = count
		}
	}
	for kind, count := range eventCounts {
		barLength := 0
		if maxCount > 0 {
			barLength = count * 20 / maxCount
		}
		fmt.Printf("%-18s: %s (%d)\n", kind, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nStrategy Totals")
	fmt.Println("---------------")
	for _, s := range strategies {
		fmt.Printf("%-16s trades=%d wins=%d win_rate=%.1f%% pnl=$%.2f\n",
			s.StrategyID, s.TradeCount, s.WinCount, s.WinRate*100, s.TotalPnL)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("trades_opened", opened).
		Int("trades_closed", closeReasons["CLOSED"]).
		Float64("total_value", snapshot.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")
}
