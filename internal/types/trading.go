package types

import (
	"time"

	"gorm.io/gorm"
)

// Sides of a position. An AdvancedOrder carries the side of the trade it
// protects, not the side of the closing order it will produce.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Conditional order types
const (
	OrderTypeTrailingStop = "TRAILING_STOP"
	OrderTypeTakeProfit   = "TAKE_PROFIT"
	OrderTypeStopLoss     = "STOP_LOSS"
)

// AdvancedOrder statuses. TRIGGERED, CANCELLED and EXPIRED are terminal.
const (
	OrderStatusActive    = "ACTIVE"
	OrderStatusTriggered = "TRIGGERED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusExpired   = "EXPIRED"
)

// Trade statuses. CLOSED and CANCELLED are terminal.
const (
	TradeStatusOpen      = "OPEN"
	TradeStatusClosed    = "CLOSED"
	TradeStatusCancelled = "CANCELLED"
)

// SideSign returns +1 for a long position and -1 for a short one,
// used when signing PnL deltas.
func SideSign(side string) float64 {
	if side == SideSell {
		return -1
	}
	return 1
}

// OppositeSide returns the side of the order that closes a position.
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// IsTerminalOrderStatus reports whether an AdvancedOrder status can never
// transition again.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusTriggered, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Market is a prediction-market outcome token. Identity is immutable; the
// price fields are owned by the price ingest adapter and only read by the
// engine.
type Market struct {
	gorm.Model `json:"-"`
	MarketID   string    `gorm:"uniqueIndex" json:"market_id"`
	Question   string    `json:"question"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	LastPrice  float64   `json:"last_price"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// AdvancedOrder is a conditional order attached to exactly one open trade.
// At most one ACTIVE order per trade per order type may exist at a time; a
// trade may carry a take-profit and a stop-loss simultaneously (a bracket).
type AdvancedOrder struct {
	gorm.Model   `json:"-"`
	OrderID      string     `gorm:"uniqueIndex" json:"order_id"`
	TradeID      string     `gorm:"index" json:"trade_id"`
	MarketID     string     `gorm:"index" json:"market_id"`
	Side         string     `json:"side"`       // side of the protected trade
	OrderType    string     `json:"order_type"` // TRAILING_STOP, TAKE_PROFIT, STOP_LOSS
	TriggerPrice float64    `json:"trigger_price"`
	TrailAmount  float64    `json:"trail_amount"`
	TrailPercent float64    `json:"trail_percent"` // fraction, 0.05 = 5%
	Watermark    float64    `json:"watermark"`     // best price seen since armed
	Size         float64    `json:"size"`
	Status       string     `json:"status"` // ACTIVE, TRIGGERED, CANCELLED, EXPIRED
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Trade is a position in a single market. Mutated only by the trade
// executor; once CLOSED its financial fields never change.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string     `gorm:"uniqueIndex" json:"trade_id"`
	MarketID    string     `gorm:"index" json:"market_id"`
	StrategyID  string     `gorm:"index" json:"strategy_id,omitempty"`
	Side        string     `json:"side"`
	EntryPrice  float64    `json:"entry_price"`
	EntryTime   time.Time  `json:"entry_time"`
	Size        float64    `json:"size"`
	Status      string     `json:"status"` // OPEN, CLOSED, CANCELLED
	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	RealizedPnL float64    `json:"realized_pnl"`
	FeesPaid    float64    `json:"fees_paid"`
	CloseReason string     `json:"close_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StrategyTrade links a trade to the strategy whose capital it consumes.
type StrategyTrade struct {
	gorm.Model  `json:"-"`
	StrategyID  string     `gorm:"index" json:"strategy_id"`
	TradeID     string     `gorm:"uniqueIndex" json:"trade_id"`
	Size        float64    `json:"size"`
	Status      string     `json:"status"` // OPEN, CLOSED
	RealizedPnL float64    `json:"realized_pnl"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// TradingStrategy holds per-strategy allocation limits and running totals.
// Totals are updated incrementally on every close, never recomputed from
// ambient globals.
type TradingStrategy struct {
	gorm.Model      `json:"-"`
	StrategyID      string    `gorm:"uniqueIndex" json:"strategy_id"`
	Name            string    `json:"name"`
	AllocationPct   float64   `json:"allocation_pct"` // fraction of portfolio equity
	MaxPositions    int       `json:"max_positions"`
	MaxPositionSize float64   `json:"max_position_size"`
	TotalPnL        float64   `json:"total_pnl"`
	TradeCount      int       `json:"trade_count"`
	WinCount        int       `json:"win_count"`
	WinRate         float64   `json:"win_rate"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot reasons
const (
	SnapshotReasonTradeOpened = "TRADE_OPENED"
	SnapshotReasonTradeClosed = "TRADE_CLOSED"
	SnapshotReasonMark        = "MARK"
)

// PortfolioSnapshot is an append-only point-in-time record of portfolio
// state. One snapshot is produced per ledger-affecting event; snapshots are
// never mutated after creation.
type PortfolioSnapshot struct {
	gorm.Model     `json:"-"`
	SnapshotID     string    `gorm:"uniqueIndex" json:"snapshot_id"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	TotalValue     float64   `json:"total_value"`
	Exposure       float64   `json:"exposure"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	DailyPnL       float64   `json:"daily_pnl"`
	Reason         string    `json:"reason"` // TRADE_OPENED, TRADE_CLOSED, MARK
	CreatedAt      time.Time `json:"created_at"`
}

// Engine event kinds published to downstream consumers.
const (
	EventTradeOpened    = "TRADE_OPENED"
	EventTradeClosed    = "TRADE_CLOSED"
	EventOrderTriggered = "ORDER_TRIGGERED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventOrderExpired   = "ORDER_EXPIRED"
)

// EngineEvent is one row of the append-only event log consumed by the
// journal, leaderboard, copy-trading mirror and backtest comparison.
type EngineEvent struct {
	gorm.Model `json:"-"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	Kind       string    `gorm:"index" json:"kind"`
	MarketID   string    `json:"market_id,omitempty"`
	TradeID    string    `gorm:"index" json:"trade_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Payload    string    `json:"payload,omitempty"` // JSON
	CreatedAt  time.Time `json:"created_at"`
}

// IdempotencyRecord maps an idempotency key to the resource it produced so
// duplicate deliveries return the original result.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Tick is one price update from the ingest port.
type Tick struct {
	MarketID  string    `json:"market_id"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggerEvent is emitted by the trigger evaluator when an order fires and
// consumed exactly once by the trade executor. Delivery may be retried, so
// the executor must treat duplicates as no-ops.
type TriggerEvent struct {
	EventID        string    `json:"event_id"`
	OrderID        string    `json:"order_id"`
	TradeID        string    `json:"trade_id"`
	MarketID       string    `json:"market_id"`
	OrderType      string    `json:"order_type"`
	Side           string    `json:"side"` // side of the protected trade
	Size           float64   `json:"size"`
	ExecutionPrice float64   `json:"execution_price"`
	Timestamp      time.Time `json:"timestamp"`
}
