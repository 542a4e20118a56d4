package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StrategyTotals receives one incremental update per strategy trade close.
// The allocator implements it; routing the update through the ledger keeps
// the totals path auditable in one place.
type StrategyTotals interface {
	RecordClose(strategyID string, realizedPnL float64) error
}

// Service is the single source of truth for cash, position value, exposure
// and PnL. Every ledger-affecting event appends a new PortfolioSnapshot;
// past snapshots are never mutated. Cash evolves incrementally from the
// prior snapshot; position value, exposure and unrealized PnL are derived
// from the open trade set and current market prices at snapshot time.
type Service struct {
	db     *Database
	totals StrategyTotals

	mu          sync.Mutex
	latest      types.PortfolioSnapshot
	initialCash float64
}

// NewService loads the most recent snapshot or seeds a genesis snapshot
// with the configured initial cash.
func NewService(gormDB *gorm.DB, initialCash float64, totals StrategyTotals) (*Service, error) {
	s := &Service{
		db:          NewDatabase(gormDB),
		totals:      totals,
		initialCash: initialCash,
	}

	latest, err := s.db.GetLatestSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if latest == nil {
		genesis := types.PortfolioSnapshot{
			SnapshotID: "SNAP_" + uuid.New().String(),
			Cash:       initialCash,
			TotalValue: initialCash,
			Reason:     types.SnapshotReasonMark,
			CreatedAt:  time.Now(),
		}
		if err := s.db.CreateSnapshot(&genesis); err != nil {
			return nil, fmt.Errorf("failed to create genesis snapshot: %w", err)
		}
		latest = &genesis
		log.Info().Float64("initial_cash", initialCash).Msg("portfolio ledger seeded")
	}
	s.latest = *latest
	return s, nil
}

// ApplyOpen records a newly opened trade: cash out by the entry cost, and a
// TRADE_OPENED snapshot appended. The trade must already be persisted as
// OPEN.
func (s *Service) ApplyOpen(trade *types.Trade) (*types.PortfolioSnapshot, error) {
	cost := decimal.NewFromFloat(trade.EntryPrice).Mul(decimal.NewFromFloat(trade.Size))
	return s.append(types.SnapshotReasonTradeOpened, cost.Neg(), decimal.Zero)
}

// ApplyClose records a closed (or cancelled/compensated) trade: the entry
// cost plus realized PnL returns to cash, the realized total advances, a
// TRADE_CLOSED snapshot is appended, and the owning strategy's running
// totals are updated. The trade must already be persisted in its terminal
// state.
func (s *Service) ApplyClose(trade *types.Trade) (*types.PortfolioSnapshot, error) {
	cost := decimal.NewFromFloat(trade.EntryPrice).Mul(decimal.NewFromFloat(trade.Size))
	realized := decimal.NewFromFloat(trade.RealizedPnL)

	snapshot, err := s.append(types.SnapshotReasonTradeClosed, cost.Add(realized), realized)
	if err != nil {
		return nil, err
	}

	if s.totals != nil && trade.StrategyID != "" {
		if err := s.totals.RecordClose(trade.StrategyID, trade.RealizedPnL); err != nil {
			log.Error().Err(err).
				Str("strategy_id", trade.StrategyID).
				Str("trade_id", trade.TradeID).
				Msg("failed to update strategy totals")
		}
	}
	return snapshot, nil
}

// MarkToMarket appends a MARK snapshot revaluing open positions at current
// market prices without any cash movement.
func (s *Service) MarkToMarket() (*types.PortfolioSnapshot, error) {
	return s.append(types.SnapshotReasonMark, decimal.Zero, decimal.Zero)
}

// append builds the next snapshot from the prior one plus the cash and
// realized deltas, revalues the open positions, and persists it. Serialized
// by the ledger mutex: two trades may close concurrently across strategies
// but their snapshots append in a single order.
func (s *Service) append(reason string, cashDelta, realizedDelta decimal.Decimal) (*types.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	openTrades, err := s.db.ListOpenTrades()
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}
	prices, err := s.db.MarketPrices()
	if err != nil {
		return nil, fmt.Errorf("failed to load market prices: %w", err)
	}

	basis := decimal.Zero
	unrealized := decimal.Zero
	for _, trade := range openTrades {
		entry := decimal.NewFromFloat(trade.EntryPrice)
		size := decimal.NewFromFloat(trade.Size)
		cost := entry.Mul(size)
		basis = basis.Add(cost)

		last, ok := prices[trade.MarketID]
		if !ok || last <= 0 {
			continue
		}
		move := decimal.NewFromFloat(last).Sub(entry)
		sign := decimal.NewFromFloat(types.SideSign(trade.Side))
		unrealized = unrealized.Add(move.Mul(size).Mul(sign))
	}

	cash := decimal.NewFromFloat(s.latest.Cash).Add(cashDelta)
	realized := decimal.NewFromFloat(s.latest.RealizedPnL).Add(realizedDelta)
	positionsValue := basis.Add(unrealized)
	totalValue := cash.Add(positionsValue)

	snapshot := types.PortfolioSnapshot{
		SnapshotID:     "SNAP_" + uuid.New().String(),
		Cash:           cash.InexactFloat64(),
		PositionsValue: positionsValue.InexactFloat64(),
		TotalValue:     totalValue.InexactFloat64(),
		Exposure:       basis.InexactFloat64(),
		RealizedPnL:    realized.InexactFloat64(),
		UnrealizedPnL:  unrealized.InexactFloat64(),
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
	snapshot.DailyPnL = s.dailyPnL(totalValue)

	if err := s.db.CreateSnapshot(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to append snapshot: %w", err)
	}
	s.latest = snapshot

	log.Debug().
		Str("snapshot_id", snapshot.SnapshotID).
		Str("reason", reason).
		Float64("cash", snapshot.Cash).
		Float64("total_value", snapshot.TotalValue).
		Float64("exposure", snapshot.Exposure).
		Msg("portfolio snapshot appended")
	return &snapshot, nil
}

// dailyPnL compares current total value against the last snapshot taken
// before the start of the current day. Caller holds the ledger mutex.
func (s *Service) dailyPnL(totalValue decimal.Decimal) float64 {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	baseline, err := s.db.LastSnapshotBefore(dayStart)
	if err != nil {
		log.Error().Err(err).Msg("failed to load daily baseline snapshot")
		return 0
	}

	base := s.initialCash
	if baseline != nil {
		base = baseline.TotalValue
	}
	return totalValue.Sub(decimal.NewFromFloat(base)).InexactFloat64()
}

// Latest returns the most recent snapshot.
func (s *Service) Latest() types.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// History returns the ordered snapshot sequence within [since, until].
func (s *Service) History(since, until time.Time) ([]types.PortfolioSnapshot, error) {
	return s.db.ListSnapshots(since, until)
}

// TotalEquity implements the allocator's EquitySource.
func (s *Service) TotalEquity() float64 {
	return s.Latest().TotalValue
}
