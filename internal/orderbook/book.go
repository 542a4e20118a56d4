package orderbook

import (
	"fmt"
	"net/http"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// InvalidOrderError is returned when an order's trigger parameters are
// inconsistent with its type, or when it would violate the one-ACTIVE-order-
// per-trade-per-type constraint. Invalid orders never reach evaluation.
type InvalidOrderError struct {
	OrderID string
	Reason  string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order %s: %s", e.OrderID, e.Reason)
}

func (e *InvalidOrderError) ResponseCode() (int, string) {
	return http.StatusBadRequest, response.ErrCodeOrderInvalid
}

// Book holds every live conditional order, indexed by market for
// O(active orders per market) lookup on each tick. The book is the sole
// owner of AdvancedOrder mutability; the trigger evaluator and trade
// executor mutate orders only through its methods.
type Book struct {
	mu sync.RWMutex
	db *Database

	orders   map[string]*types.AdvancedOrder
	byMarket map[string][]string // order IDs in registration order
	byTrade  map[string][]string
}

// NewBook creates a book backed by the given database and reloads any
// ACTIVE orders persisted by a previous run.
func NewBook(gormDB *gorm.DB) (*Book, error) {
	b := &Book{
		db:       NewDatabase(gormDB),
		orders:   make(map[string]*types.AdvancedOrder),
		byMarket: make(map[string][]string),
		byTrade:  make(map[string][]string),
	}

	active, err := b.db.ListActiveOrders()
	if err != nil {
		return nil, fmt.Errorf("failed to reload active orders: %w", err)
	}
	for i := range active {
		order := active[i]
		b.index(&order)
	}

	if len(active) > 0 {
		log.Info().Int("count", len(active)).Msg("reloaded active orders into book")
	}
	return b, nil
}

// index inserts an order into the in-memory maps. Caller holds the lock or
// has exclusive access.
func (b *Book) index(order *types.AdvancedOrder) {
	b.orders[order.OrderID] = order
	b.byMarket[order.MarketID] = append(b.byMarket[order.MarketID], order.OrderID)
	b.byTrade[order.TradeID] = append(b.byTrade[order.TradeID], order.OrderID)
}

// unindex removes a terminal order from the per-market and per-trade maps so
// tick evaluation stays proportional to ACTIVE orders.
func (b *Book) unindex(order *types.AdvancedOrder) {
	b.byMarket[order.MarketID] = removeID(b.byMarket[order.MarketID], order.OrderID)
	b.byTrade[order.TradeID] = removeID(b.byTrade[order.TradeID], order.OrderID)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Validate checks an order's trigger parameters against its type without
// registering it. Exported so the executor can reject a bad bracket before
// committing the trade it would protect.
func Validate(order *types.AdvancedOrder) error {
	if order.MarketID == "" || order.TradeID == "" {
		return &InvalidOrderError{OrderID: order.OrderID, Reason: "market and trade IDs are required"}
	}
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return &InvalidOrderError{OrderID: order.OrderID, Reason: "side must be BUY or SELL"}
	}
	if order.Size <= 0 {
		return &InvalidOrderError{OrderID: order.OrderID, Reason: "size must be positive"}
	}

	switch order.OrderType {
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit:
		if order.TriggerPrice <= 0 {
			return &InvalidOrderError{OrderID: order.OrderID, Reason: order.OrderType + " requires a trigger price"}
		}
	case types.OrderTypeTrailingStop:
		hasAmount := order.TrailAmount > 0
		hasPercent := order.TrailPercent > 0
		if hasAmount == hasPercent {
			return &InvalidOrderError{OrderID: order.OrderID, Reason: "TRAILING_STOP requires exactly one of trail amount or trail percent"}
		}
		if order.Watermark <= 0 {
			return &InvalidOrderError{OrderID: order.OrderID, Reason: "TRAILING_STOP requires an initial watermark"}
		}
	default:
		return &InvalidOrderError{OrderID: order.OrderID, Reason: "unknown order type " + order.OrderType}
	}
	return nil
}

// Register inserts an ACTIVE order indexed by market ID. It fails with an
// InvalidOrderError if trigger parameters are inconsistent with the order
// type or an ACTIVE order of the same type already exists for the trade.
func (b *Book) Register(order *types.AdvancedOrder) error {
	if order.OrderID == "" {
		order.OrderID = "ORD_" + uuid.New().String()
	}
	if err := Validate(order); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.byTrade[order.TradeID] {
		existing := b.orders[id]
		if existing.Status == types.OrderStatusActive && existing.OrderType == order.OrderType {
			return &InvalidOrderError{
				OrderID: order.OrderID,
				Reason:  fmt.Sprintf("trade %s already has an ACTIVE %s order", order.TradeID, order.OrderType),
			}
		}
	}

	order.Status = types.OrderStatusActive
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()

	if err := b.db.CreateOrder(order); err != nil {
		return fmt.Errorf("failed to persist order: %w", err)
	}
	b.index(order)

	log.Debug().
		Str("order_id", order.OrderID).
		Str("trade_id", order.TradeID).
		Str("market_id", order.MarketID).
		Str("order_type", order.OrderType).
		Msg("order registered")
	return nil
}

// OrdersFor returns the ACTIVE orders for a market as a snapshot in
// registration order. The caller gets copies, never live views, so it can
// iterate while the book mutates.
func (b *Book) OrdersFor(marketID string) []types.AdvancedOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.byMarket[marketID]
	out := make([]types.AdvancedOrder, 0, len(ids))
	for _, id := range ids {
		order := b.orders[id]
		if order.Status == types.OrderStatusActive {
			out = append(out, *order)
		}
	}
	return out
}

// OrdersForTrade returns copies of the ACTIVE orders attached to a trade.
func (b *Book) OrdersForTrade(tradeID string) []types.AdvancedOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.byTrade[tradeID]
	out := make([]types.AdvancedOrder, 0, len(ids))
	for _, id := range ids {
		order := b.orders[id]
		if order.Status == types.OrderStatusActive {
			out = append(out, *order)
		}
	}
	return out
}

// Get returns a copy of an order by ID, falling back to the database for
// orders already evicted from the in-memory index.
func (b *Book) Get(orderID string) (*types.AdvancedOrder, error) {
	b.mu.RLock()
	order, ok := b.orders[orderID]
	if ok {
		cp := *order
		b.mu.RUnlock()
		return &cp, nil
	}
	b.mu.RUnlock()
	return b.db.GetOrder(orderID)
}

// Cancel transitions an ACTIVE order to CANCELLED. Cancellation is
// idempotent by design since cancel requests may race with triggering: a
// terminal order returns (false, nil), not an error.
func (b *Book) Cancel(orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminateLocked(orderID, types.OrderStatusCancelled)
}

// Expire transitions an ACTIVE order to EXPIRED. Same idempotence contract
// as Cancel.
func (b *Book) Expire(orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminateLocked(orderID, types.OrderStatusExpired)
}

// MarkTriggered transitions an ACTIVE order to TRIGGERED. Returns false if
// the order is no longer ACTIVE, which is how a firing that raced with a
// cancellation is absorbed.
func (b *Book) MarkTriggered(orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminateLocked(orderID, types.OrderStatusTriggered)
}

func (b *Book) terminateLocked(orderID, status string) (bool, error) {
	order, ok := b.orders[orderID]
	if !ok || order.Status != types.OrderStatusActive {
		return false, nil
	}

	order.Status = status
	order.UpdatedAt = time.Now()
	if err := b.db.UpdateOrder(order); err != nil {
		// Revert the in-memory transition so the order can be retried.
		order.Status = types.OrderStatusActive
		return false, fmt.Errorf("failed to persist order transition: %w", err)
	}
	b.unindex(order)
	// Terminal orders leave the in-memory book entirely; Get serves them
	// from the database.
	delete(b.orders, orderID)

	log.Debug().
		Str("order_id", orderID).
		Str("status", status).
		Msg("order transitioned to terminal state")
	return true, nil
}

// Reactivate reverts a TRIGGERED order to ACTIVE after a permanent
// execution failure so it can re-fire on the next qualifying tick. This is
// the single exception to terminal-state finality and only the executor
// invokes it.
func (b *Book) Reactivate(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		var err error
		order, err = b.db.GetOrder(orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("order %s not found", orderID)
		}
		b.orders[orderID] = order
	}
	if order.Status != types.OrderStatusTriggered {
		return fmt.Errorf("order %s is %s, only TRIGGERED orders can be reactivated", orderID, order.Status)
	}

	order.Status = types.OrderStatusActive
	order.UpdatedAt = time.Now()
	if err := b.db.UpdateOrder(order); err != nil {
		order.Status = types.OrderStatusTriggered
		return fmt.Errorf("failed to persist order reactivation: %w", err)
	}
	b.byMarket[order.MarketID] = append(b.byMarket[order.MarketID], order.OrderID)
	b.byTrade[order.TradeID] = append(b.byTrade[order.TradeID], order.OrderID)

	log.Warn().
		Str("order_id", orderID).
		Msg("order reactivated after execution failure")
	return nil
}

// UpdateWatermark records a new best price for a trailing order. Only the
// trigger evaluator calls this, and only while its market's tick stream is
// serialized, so watermark updates and trigger evaluation are atomic within
// a tick.
func (b *Book) UpdateWatermark(orderID string, watermark float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok || order.Status != types.OrderStatusActive {
		return nil
	}

	order.Watermark = watermark
	order.UpdatedAt = time.Now()
	return b.db.UpdateOrder(order)
}

// ExpireDue transitions every ACTIVE order whose expiry has passed and
// returns copies of the expired orders.
func (b *Book) ExpireDue(now time.Time) ([]types.AdvancedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []types.AdvancedOrder
	for _, order := range b.orders {
		if order.Status != types.OrderStatusActive || order.ExpiresAt == nil {
			continue
		}
		if order.ExpiresAt.After(now) {
			continue
		}
		changed, err := b.terminateLocked(order.OrderID, types.OrderStatusExpired)
		if err != nil {
			return expired, err
		}
		if changed {
			expired = append(expired, *order)
		}
	}
	return expired, nil
}
