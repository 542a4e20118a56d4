package orderbook

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.AdvancedOrder{}))
	return db
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	book, err := NewBook(setupTestDB(t))
	require.NoError(t, err)
	return book
}

func stopLoss(tradeID, marketID string, trigger float64) *types.AdvancedOrder {
	return &types.AdvancedOrder{
		TradeID:      tradeID,
		MarketID:     marketID,
		Side:         types.SideBuy,
		OrderType:    types.OrderTypeStopLoss,
		TriggerPrice: trigger,
		Size:         100,
	}
}

func TestRegisterAssignsIDAndActivates(t *testing.T) {
	book := newTestBook(t)

	order := stopLoss("TRD_1", "MKT_A", 0.40)
	require.NoError(t, book.Register(order))

	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, types.OrderStatusActive, order.Status)

	got, err := book.Get(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.OrderID, got.OrderID)
}

func TestRegisterValidation(t *testing.T) {
	book := newTestBook(t)

	tests := []struct {
		name  string
		order *types.AdvancedOrder
	}{
		{
			name: "missing trade ID",
			order: &types.AdvancedOrder{
				MarketID: "MKT_A", Side: types.SideBuy,
				OrderType: types.OrderTypeStopLoss, TriggerPrice: 0.4, Size: 10,
			},
		},
		{
			name: "bad side",
			order: &types.AdvancedOrder{
				TradeID: "TRD_1", MarketID: "MKT_A", Side: "HOLD",
				OrderType: types.OrderTypeStopLoss, TriggerPrice: 0.4, Size: 10,
			},
		},
		{
			name: "stop loss without trigger price",
			order: &types.AdvancedOrder{
				TradeID: "TRD_1", MarketID: "MKT_A", Side: types.SideBuy,
				OrderType: types.OrderTypeStopLoss, Size: 10,
			},
		},
		{
			name: "trailing stop with both trail modes",
			order: &types.AdvancedOrder{
				TradeID: "TRD_1", MarketID: "MKT_A", Side: types.SideBuy,
				OrderType: types.OrderTypeTrailingStop,
				TrailAmount: 0.05, TrailPercent: 0.05, Watermark: 0.5, Size: 10,
			},
		},
		{
			name: "trailing stop with neither trail mode",
			order: &types.AdvancedOrder{
				TradeID: "TRD_1", MarketID: "MKT_A", Side: types.SideBuy,
				OrderType: types.OrderTypeTrailingStop, Watermark: 0.5, Size: 10,
			},
		},
		{
			name: "unknown order type",
			order: &types.AdvancedOrder{
				TradeID: "TRD_1", MarketID: "MKT_A", Side: types.SideBuy,
				OrderType: "ICEBERG", TriggerPrice: 0.4, Size: 10,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := book.Register(tt.order)
			require.Error(t, err)
			var invalid *InvalidOrderError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestRegisterRejectsDuplicateTypePerTrade(t *testing.T) {
	book := newTestBook(t)

	require.NoError(t, book.Register(stopLoss("TRD_1", "MKT_A", 0.40)))

	err := book.Register(stopLoss("TRD_1", "MKT_A", 0.35))
	require.Error(t, err)
	var invalid *InvalidOrderError
	assert.ErrorAs(t, err, &invalid)

	// A different type on the same trade is a valid bracket.
	takeProfit := &types.AdvancedOrder{
		TradeID: "TRD_1", MarketID: "MKT_A", Side: types.SideBuy,
		OrderType: types.OrderTypeTakeProfit, TriggerPrice: 0.70, Size: 100,
	}
	require.NoError(t, book.Register(takeProfit))
	assert.Len(t, book.OrdersForTrade("TRD_1"), 2)
}

func TestCancelIsIdempotent(t *testing.T) {
	book := newTestBook(t)

	order := stopLoss("TRD_1", "MKT_A", 0.40)
	require.NoError(t, book.Register(order))

	cancelled, err := book.Cancel(order.OrderID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Second cancel reports nothing to do, no error.
	cancelled, err = book.Cancel(order.OrderID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	got, err := book.Get(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, got.Status)
}

func TestCancelUnknownOrder(t *testing.T) {
	book := newTestBook(t)

	cancelled, err := book.Cancel("ORD_nope")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestMarkTriggeredAbsorbsCancelRace(t *testing.T) {
	book := newTestBook(t)

	order := stopLoss("TRD_1", "MKT_A", 0.40)
	require.NoError(t, book.Register(order))

	cancelled, err := book.Cancel(order.OrderID)
	require.NoError(t, err)
	require.True(t, cancelled)

	// A firing that lost the race with the cancel reports no change.
	changed, err := book.MarkTriggered(order.OrderID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReactivateOnlyFromTriggered(t *testing.T) {
	book := newTestBook(t)

	order := stopLoss("TRD_1", "MKT_A", 0.40)
	require.NoError(t, book.Register(order))

	require.Error(t, book.Reactivate(order.OrderID), "ACTIVE orders cannot be reactivated")

	changed, err := book.MarkTriggered(order.OrderID)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Empty(t, book.OrdersFor("MKT_A"))

	require.NoError(t, book.Reactivate(order.OrderID))
	assert.Len(t, book.OrdersFor("MKT_A"), 1)

	got, err := book.Get(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusActive, got.Status)
}

func TestOrdersForReturnsSnapshotCopies(t *testing.T) {
	book := newTestBook(t)

	order := stopLoss("TRD_1", "MKT_A", 0.40)
	require.NoError(t, book.Register(order))

	snapshot := book.OrdersFor("MKT_A")
	require.Len(t, snapshot, 1)
	snapshot[0].TriggerPrice = 0.99

	got, err := book.Get(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 0.40, got.TriggerPrice)
}

func TestOrdersForPreservesRegistrationOrder(t *testing.T) {
	book := newTestBook(t)

	first := stopLoss("TRD_1", "MKT_A", 0.40)
	second := &types.AdvancedOrder{
		TradeID: "TRD_2", MarketID: "MKT_A", Side: types.SideBuy,
		OrderType: types.OrderTypeTakeProfit, TriggerPrice: 0.70, Size: 50,
	}
	require.NoError(t, book.Register(first))
	require.NoError(t, book.Register(second))

	orders := book.OrdersFor("MKT_A")
	require.Len(t, orders, 2)
	assert.Equal(t, first.OrderID, orders[0].OrderID)
	assert.Equal(t, second.OrderID, orders[1].OrderID)
}

func TestExpireDue(t *testing.T) {
	book := newTestBook(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expiring := stopLoss("TRD_1", "MKT_A", 0.40)
	expiring.ExpiresAt = &past
	keeper := stopLoss("TRD_2", "MKT_A", 0.40)
	keeper.ExpiresAt = &future
	eternal := stopLoss("TRD_3", "MKT_A", 0.40)

	require.NoError(t, book.Register(expiring))
	require.NoError(t, book.Register(keeper))
	require.NoError(t, book.Register(eternal))

	expired, err := book.ExpireDue(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.OrderID, expired[0].OrderID)
	assert.Equal(t, types.OrderStatusExpired, expired[0].Status)

	assert.Len(t, book.OrdersFor("MKT_A"), 2)

	// Nothing left to expire on the next sweep.
	expired, err = book.ExpireDue(time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestNewBookReloadsActiveOrders(t *testing.T) {
	db := setupTestDB(t)

	book, err := NewBook(db)
	require.NoError(t, err)

	active := stopLoss("TRD_1", "MKT_A", 0.40)
	done := stopLoss("TRD_2", "MKT_A", 0.40)
	require.NoError(t, book.Register(active))
	require.NoError(t, book.Register(done))
	_, err = book.Cancel(done.OrderID)
	require.NoError(t, err)

	// A fresh book over the same database sees only the ACTIVE order.
	reloaded, err := NewBook(db)
	require.NoError(t, err)
	orders := reloaded.OrdersFor("MKT_A")
	require.Len(t, orders, 1)
	assert.Equal(t, active.OrderID, orders[0].OrderID)
}

func TestTerminalOrdersLeaveTheBook(t *testing.T) {
	book := newTestBook(t)

	cancelled := stopLoss("TRD_1", "MKT_A", 0.40)
	triggered := stopLoss("TRD_2", "MKT_A", 0.40)
	require.NoError(t, book.Register(cancelled))
	require.NoError(t, book.Register(triggered))

	_, err := book.Cancel(cancelled.OrderID)
	require.NoError(t, err)
	_, err = book.MarkTriggered(triggered.OrderID)
	require.NoError(t, err)

	assert.Empty(t, book.OrdersFor("MKT_A"))

	// Terminal orders are still readable through the database fallback.
	got, err := book.Get(cancelled.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.OrderStatusCancelled, got.Status)

	got, err = book.Get(triggered.OrderID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.OrderStatusTriggered, got.Status)

	// Reactivation works from the persisted record alone.
	require.NoError(t, book.Reactivate(triggered.OrderID))
	assert.Len(t, book.OrdersFor("MKT_A"), 1)
}

type stubPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (p *stubPublisher) Publish(kind, marketID, tradeID, orderID string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
}

func TestSweepReportsExpiredOrders(t *testing.T) {
	book := newTestBook(t)
	pub := &stubPublisher{}
	sweeper := NewSweeper(book, pub, time.Minute)

	past := time.Now().Add(-time.Minute)
	expiring := stopLoss("TRD_1", "MKT_A", 0.40)
	expiring.ExpiresAt = &past
	keeper := stopLoss("TRD_2", "MKT_A", 0.40)
	require.NoError(t, book.Register(expiring))
	require.NoError(t, book.Register(keeper))

	expired, err := sweeper.Sweep(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.OrderID, expired[0].OrderID)
	assert.Equal(t, []string{types.EventOrderExpired}, pub.kinds)

	// A second sweep has nothing left to do.
	expired, err = sweeper.Sweep(time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Len(t, pub.kinds, 1)
}
