package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/predikt/predikt-engine/internal/allocator"
	"github.com/predikt/predikt-engine/internal/exchange"
	"github.com/predikt/predikt-engine/internal/ledger"
	"github.com/predikt/predikt-engine/internal/orderbook"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubExchange fills at the requested price with no fees. failures>0 makes
// that many calls fail first; failures<0 fails every call.
type stubExchange struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *stubExchange) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*exchange.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.failures >= s.calls {
		return nil, fmt.Errorf("venue rejected order")
	}
	return &exchange.Fill{
		FillID:    fmt.Sprintf("FILL-%d", s.calls),
		Price:     price,
		Size:      size,
		CreatedAt: time.Now(),
	}, nil
}

type testEngine struct {
	db      *gorm.DB
	book    *orderbook.Book
	alloc   *allocator.Allocator
	ledger  *ledger.Service
	service *Service
	port    *stubExchange
}

func setupEngine(t *testing.T) *testEngine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Market{},
		&types.AdvancedOrder{},
		&types.Trade{},
		&types.StrategyTrade{},
		&types.TradingStrategy{},
		&types.PortfolioSnapshot{},
		&types.IdempotencyRecord{},
	))

	book, err := orderbook.NewBook(db)
	require.NoError(t, err)

	alloc, err := allocator.NewAllocator(db, nil)
	require.NoError(t, err)
	require.NoError(t, alloc.ApplyDefinitions([]allocator.Definition{{
		StrategyID: "STRAT_A", AllocationPct: 0.50, MaxPositions: 3, MaxPositionSize: 500, Active: true,
	}}))

	ledgerService, err := ledger.NewService(db, 10000, alloc)
	require.NoError(t, err)
	alloc.SetEquitySource(ledgerService)

	port := &stubExchange{}
	service := NewService(db, book, alloc, ledgerService, nil, port, RetryPolicy{
		MaxAttempts:    2,
		Backoff:        time.Millisecond,
		AttemptTimeout: time.Second,
	})

	return &testEngine{db: db, book: book, alloc: alloc, ledger: ledgerService, service: service, port: port}
}

func (e *testEngine) snapshotCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&types.PortfolioSnapshot{}).Count(&count).Error)
	return count
}

func openBracketed(t *testing.T, e *testEngine) *types.Trade {
	t.Helper()
	trade, err := e.service.OpenTrade(context.Background(), OpenRequest{
		MarketID:        "MKT_A",
		StrategyID:      "STRAT_A",
		Side:            types.SideBuy,
		Size:            100,
		EntryPrice:      0.50,
		StopLossPrice:   0.40,
		TakeProfitPrice: 0.70,
	})
	require.NoError(t, err)
	return trade
}

func triggerEventFor(e *testEngine, t *testing.T, trade *types.Trade, orderType string, price float64) types.TriggerEvent {
	t.Helper()
	for _, order := range e.book.OrdersForTrade(trade.TradeID) {
		if order.OrderType == orderType {
			return types.TriggerEvent{
				EventID:        "TRG_test_" + order.OrderID,
				OrderID:        order.OrderID,
				TradeID:        trade.TradeID,
				MarketID:       trade.MarketID,
				OrderType:      orderType,
				Side:           order.Side,
				Size:           order.Size,
				ExecutionPrice: price,
				Timestamp:      time.Now(),
			}
		}
	}
	t.Fatalf("no %s order found for trade %s", orderType, trade.TradeID)
	return types.TriggerEvent{}
}

func TestOpenTradeRegistersBrackets(t *testing.T) {
	e := setupEngine(t)

	trade := openBracketed(t, e)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Equal(t, 0.50, trade.EntryPrice)

	orders := e.book.OrdersForTrade(trade.TradeID)
	require.Len(t, orders, 2)

	// Entry cost leaves cash.
	snapshot := e.ledger.Latest()
	assert.InDelta(t, 10000-0.50*100, snapshot.Cash, 1e-9)
	assert.Equal(t, types.SnapshotReasonTradeOpened, snapshot.Reason)

	count, size := e.alloc.OpenExposure("STRAT_A")
	assert.Equal(t, 1, count)
	assert.Equal(t, 100.0, size)
}

func TestOpenTradeTrailingWatermarkStartsAtEntry(t *testing.T) {
	e := setupEngine(t)

	trade, err := e.service.OpenTrade(context.Background(), OpenRequest{
		MarketID:     "MKT_A",
		Side:         types.SideBuy,
		Size:         100,
		EntryPrice:   0.50,
		TrailPercent: 0.10,
	})
	require.NoError(t, err)

	orders := e.book.OrdersForTrade(trade.TradeID)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderTypeTrailingStop, orders[0].OrderType)
	assert.Equal(t, 0.50, orders[0].Watermark)
}

func TestOpenTradeDeniedByAllocator(t *testing.T) {
	e := setupEngine(t)

	_, err := e.service.OpenTrade(context.Background(), OpenRequest{
		MarketID:   "MKT_A",
		StrategyID: "STRAT_A",
		Side:       types.SideBuy,
		Size:       501, // above the strategy's max position size
		EntryPrice: 0.50,
	})
	require.Error(t, err)

	var denied *AdmissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, allocator.DenyPositionSizeExceeded, denied.Reason)

	// Nothing was opened or spent.
	trades, err := e.service.db.ListTrades("", "")
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, int64(1), e.snapshotCount(t), "only the genesis snapshot exists")
}

func TestOpenTradeRejectsInvalidBracketBeforeExecution(t *testing.T) {
	e := setupEngine(t)

	_, err := e.service.OpenTrade(context.Background(), OpenRequest{
		MarketID:     "MKT_A",
		Side:         types.SideBuy,
		Size:         100,
		EntryPrice:   0.50,
		TrailAmount:  0.05,
		TrailPercent: 0.05, // both trail modes is invalid
	})
	require.Error(t, err)
	var invalid *orderbook.InvalidOrderError
	assert.ErrorAs(t, err, &invalid)

	assert.Zero(t, e.port.calls, "no exchange call for a rejected request")
}

func TestExecuteClosesTradeAndCancelsSibling(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	event := triggerEventFor(e, t, trade, types.OrderTypeTakeProfit, 0.70)
	require.NoError(t, e.service.Execute(context.Background(), event))

	closed, err := e.service.GetTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusClosed, closed.Status)
	assert.Equal(t, 0.70, closed.ExitPrice)
	assert.Equal(t, types.OrderTypeTakeProfit, closed.CloseReason)
	assert.InDelta(t, (0.70-0.50)*100, closed.RealizedPnL, 1e-9)

	// The sibling stop-loss was cancelled with the close.
	assert.Empty(t, e.book.OrdersForTrade(trade.TradeID))

	// Entry cost plus profit returned to cash.
	snapshot := e.ledger.Latest()
	assert.InDelta(t, 10000+20, snapshot.Cash, 1e-9)
	assert.InDelta(t, 20, snapshot.RealizedPnL, 1e-9)

	// Strategy capacity freed and totals advanced.
	count, _ := e.alloc.OpenExposure("STRAT_A")
	assert.Zero(t, count)
	strategy, err := e.alloc.GetStrategy("STRAT_A")
	require.NoError(t, err)
	assert.Equal(t, 1, strategy.TradeCount)
	assert.Equal(t, 1, strategy.WinCount)
}

func TestExecuteIdempotentUnderRedelivery(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	event := triggerEventFor(e, t, trade, types.OrderTypeStopLoss, 0.40)
	require.NoError(t, e.service.Execute(context.Background(), event))

	snapshots := e.snapshotCount(t)
	closed, err := e.service.GetTrade(trade.TradeID)
	require.NoError(t, err)
	realized := closed.RealizedPnL

	// Redelivering the same event must change nothing.
	require.NoError(t, e.service.Execute(context.Background(), event))

	assert.Equal(t, snapshots, e.snapshotCount(t))
	again, err := e.service.GetTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, realized, again.RealizedPnL)

	strategy, err := e.alloc.GetStrategy("STRAT_A")
	require.NoError(t, err)
	assert.Equal(t, 1, strategy.TradeCount, "totals counted once")
}

func TestExecuteFailureReactivatesOrder(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)
	e.port.failures = -1 // every exchange call fails from here on

	event := triggerEventFor(e, t, trade, types.OrderTypeStopLoss, 0.40)

	// Simulate the evaluator having marked the order before handing it
	// over.
	changed, err := e.book.MarkTriggered(event.OrderID)
	require.NoError(t, err)
	require.True(t, changed)

	err = e.service.Execute(context.Background(), event)
	require.Error(t, err)
	var failure *ExecutionFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 2, failure.Attempts)

	// The trade stays open and the order is armed again.
	open, err := e.service.GetTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusOpen, open.Status)

	order, err := e.book.Get(event.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusActive, order.Status)
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	e.port.mu.Lock()
	e.port.failures = e.port.calls + 1 // next call fails, the retry succeeds
	e.port.mu.Unlock()

	event := triggerEventFor(e, t, trade, types.OrderTypeStopLoss, 0.40)
	require.NoError(t, e.service.Execute(context.Background(), event))

	closed, err := e.service.GetTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusClosed, closed.Status)
}

func TestExecuteForClosedTradeIsNoOp(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	first := triggerEventFor(e, t, trade, types.OrderTypeTakeProfit, 0.70)
	stopEvent := triggerEventFor(e, t, trade, types.OrderTypeStopLoss, 0.40)
	require.NoError(t, e.service.Execute(context.Background(), first))

	snapshots := e.snapshotCount(t)

	// A second leg's event arriving after the close is absorbed.
	require.NoError(t, e.service.Execute(context.Background(), stopEvent))
	assert.Equal(t, snapshots, e.snapshotCount(t))
}

func TestCancelTrade(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	cancelled, err := e.service.CancelTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusCancelled, cancelled.Status)

	assert.Empty(t, e.book.OrdersForTrade(trade.TradeID))

	count, _ := e.alloc.OpenExposure("STRAT_A")
	assert.Zero(t, count)

	// Cancelling again returns the same terminal trade.
	again, err := e.service.CancelTrade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusCancelled, again.Status)

	// A closed trade cannot be cancelled.
	other := openBracketed(t, e)
	event := triggerEventFor(e, t, other, types.OrderTypeTakeProfit, 0.70)
	require.NoError(t, e.service.Execute(context.Background(), event))
	_, err = e.service.CancelTrade(other.TradeID)
	require.Error(t, err)
	var stateErr *TradeStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestTradeOrdersTracksBracketLifecycle(t *testing.T) {
	e := setupEngine(t)
	trade := openBracketed(t, e)

	orders := e.service.TradeOrders(trade.TradeID)
	require.Len(t, orders, 2)

	event := triggerEventFor(e, t, trade, types.OrderTypeTakeProfit, 0.70)
	require.NoError(t, e.service.Execute(context.Background(), event))

	// Both legs are out of the book once the trade closes.
	assert.Empty(t, e.service.TradeOrders(trade.TradeID))
}
