package types

import "time"

// TradeResponse is returned by the trade endpoints.
type TradeResponse struct {
	TradeID     string          `json:"trade_id"`
	MarketID    string          `json:"market_id"`
	StrategyID  string          `json:"strategy_id,omitempty"`
	Side        string          `json:"side"`
	EntryPrice  float64         `json:"entry_price"`
	Size        float64         `json:"size"`
	Status      string          `json:"status"`
	CloseReason string          `json:"close_reason,omitempty"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitPrice   float64         `json:"exit_price,omitempty"`
	ExitTime    *time.Time      `json:"exit_time,omitempty"`
	RealizedPnL float64         `json:"realized_pnl"`
	FeesPaid    float64         `json:"fees_paid"`
	Orders      []AdvancedOrder `json:"orders,omitempty"`
}

// PortfolioResponse is returned by the portfolio endpoints.
type PortfolioResponse struct {
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	TotalValue     float64   `json:"total_value"`
	Exposure       float64   `json:"exposure"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	DailyPnL       float64   `json:"daily_pnl"`
	AsOf           time.Time `json:"as_of"`
}
