package allocator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DenyReason explains why an admission was refused. A denial is a normal
// decision outcome surfaced to the caller, not an error.
type DenyReason string

const (
	DenyAllocationExceeded   DenyReason = "ALLOCATION_EXCEEDED"
	DenyMaxPositionsExceeded DenyReason = "MAX_POSITIONS_EXCEEDED"
	DenyPositionSizeExceeded DenyReason = "POSITION_SIZE_EXCEEDED"
)

// Decision is the allocator's answer to an admission request.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

var allow = Decision{Allowed: true}

func deny(reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// ErrStaleAdmission is returned by Commit when the limits that admitted a
// trade no longer hold at commit time. The executor responds with a
// compensating close.
var ErrStaleAdmission = errors.New("admission is stale, limits no longer permit the position")

// ErrUnknownStrategy is returned for admission requests against a strategy
// the allocator has never seen.
var ErrUnknownStrategy = errors.New("unknown strategy")

// EquitySource supplies the portfolio equity used as the denominator for
// allocation-percentage checks. The portfolio ledger implements it.
type EquitySource interface {
	TotalEquity() float64
}

type limits struct {
	allocationPct   float64
	maxPositions    int
	maxPositionSize float64
	active          bool
}

type strategyState struct {
	mu   sync.Mutex
	open map[string]float64 // trade ID -> size
}

func (s *strategyState) openSize() float64 {
	total := 0.0
	for _, size := range s.open {
		total += size
	}
	return total
}

// Allocator enforces per-strategy capital caps, position counts and
// allocation percentages before the executor commits a new open. Admission
// state is striped per strategy: trades in different strategies commit
// concurrently, trades in the same strategy serialize through its lock.
type Allocator struct {
	db     *Database
	equity EquitySource

	mu     sync.Mutex
	limits map[string]limits
	states map[string]*strategyState
}

// NewAllocator builds an allocator seeded from the persisted strategies and
// their open strategy trades.
func NewAllocator(gormDB *gorm.DB, equity EquitySource) (*Allocator, error) {
	a := &Allocator{
		db:     NewDatabase(gormDB),
		equity: equity,
		limits: make(map[string]limits),
		states: make(map[string]*strategyState),
	}

	strategies, err := a.db.ListStrategies()
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	for _, s := range strategies {
		a.limits[s.StrategyID] = limits{
			allocationPct:   s.AllocationPct,
			maxPositions:    s.MaxPositions,
			maxPositionSize: s.MaxPositionSize,
			active:          s.Active,
		}
	}

	open, err := a.db.ListOpenStrategyTrades()
	if err != nil {
		return nil, fmt.Errorf("failed to load open strategy trades: %w", err)
	}
	for _, st := range open {
		state := a.stateFor(st.StrategyID)
		state.open[st.TradeID] = st.Size
	}

	log.Info().
		Int("strategies", len(strategies)).
		Int("open_positions", len(open)).
		Msg("allocator initialized")
	return a, nil
}

// SetEquitySource wires the portfolio ledger in after construction. The
// allocator and the ledger reference each other, so one side is connected
// late.
func (a *Allocator) SetEquitySource(equity EquitySource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.equity = equity
}

func (a *Allocator) stateFor(strategyID string) *strategyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.states[strategyID]
	if !ok {
		state = &strategyState{open: make(map[string]float64)}
		a.states[strategyID] = state
	}
	return state
}

func (a *Allocator) limitsFor(strategyID string) (limits, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limits[strategyID]
	return lim, ok
}

func (a *Allocator) equitySource() EquitySource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equity
}

// Admit decides whether a strategy may open a new position of the proposed
// size. It is consulted before every open and never on closes, since
// closing always reduces exposure.
func (a *Allocator) Admit(strategyID string, proposedSize float64) (Decision, error) {
	lim, ok := a.limitsFor(strategyID)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}

	state := a.stateFor(strategyID)
	state.mu.Lock()
	defer state.mu.Unlock()

	decision := a.checkLocked(lim, state, proposedSize)
	if !decision.Allowed {
		log.Info().
			Str("strategy_id", strategyID).
			Float64("proposed_size", proposedSize).
			Str("reason", string(decision.Reason)).
			Msg("admission denied")
	}
	return decision, nil
}

// checkLocked runs the three limit checks. Caller holds the strategy lock.
func (a *Allocator) checkLocked(lim limits, state *strategyState, size float64) Decision {
	if lim.maxPositionSize > 0 && size > lim.maxPositionSize {
		return deny(DenyPositionSizeExceeded)
	}
	if lim.maxPositions > 0 && len(state.open)+1 > lim.maxPositions {
		return deny(DenyMaxPositionsExceeded)
	}
	if src := a.equitySource(); lim.allocationPct > 0 && src != nil {
		if equity := src.TotalEquity(); equity > 0 {
			if state.openSize()+size > lim.allocationPct*equity {
				return deny(DenyAllocationExceeded)
			}
		}
	}
	return allow
}

// Commit records an admitted position under the strategy lock, re-checking
// the limits first: an admission that went stale between Admit and Commit
// fails with ErrStaleAdmission and the caller must roll the trade back.
// Committing the same trade twice is a no-op.
func (a *Allocator) Commit(strategyID, tradeID string, size float64) error {
	lim, ok := a.limitsFor(strategyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}

	state := a.stateFor(strategyID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.open[tradeID]; exists {
		return nil
	}

	if decision := a.checkLocked(lim, state, size); !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrStaleAdmission, decision.Reason)
	}

	record := &types.StrategyTrade{
		StrategyID: strategyID,
		TradeID:    tradeID,
		Size:       size,
		Status:     types.TradeStatusOpen,
		OpenedAt:   time.Now(),
	}
	if err := a.db.CreateStrategyTrade(record); err != nil {
		return fmt.Errorf("failed to persist strategy trade: %w", err)
	}
	state.open[tradeID] = size

	log.Debug().
		Str("strategy_id", strategyID).
		Str("trade_id", tradeID).
		Float64("size", size).
		Int("open_positions", len(state.open)).
		Msg("position committed to strategy")
	return nil
}

// Release frees a strategy's exposure when a trade closes or is rolled
// back. Releasing an unknown or already-released trade is a no-op.
func (a *Allocator) Release(strategyID, tradeID string, realizedPnL float64) error {
	state := a.stateFor(strategyID)
	state.mu.Lock()
	_, exists := state.open[tradeID]
	delete(state.open, tradeID)
	state.mu.Unlock()

	if !exists {
		return nil
	}
	if err := a.db.CloseStrategyTrade(tradeID, realizedPnL); err != nil {
		return fmt.Errorf("failed to close strategy trade: %w", err)
	}
	return nil
}

// RecordClose incrementally updates the owning strategy's running totals
// after a close. Invoked by the portfolio ledger so the update path stays
// auditable in one place.
func (a *Allocator) RecordClose(strategyID string, realizedPnL float64) error {
	return a.db.IncrementStrategyTotals(strategyID, realizedPnL)
}

// OpenExposure reports the current open position count and total size for
// a strategy.
func (a *Allocator) OpenExposure(strategyID string) (int, float64) {
	state := a.stateFor(strategyID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.open), state.openSize()
}

// Definition is one strategy as declared in configuration.
type Definition struct {
	StrategyID      string  `mapstructure:"strategy_id" json:"strategy_id" binding:"required"`
	Name            string  `mapstructure:"name" json:"name"`
	AllocationPct   float64 `mapstructure:"allocation_pct" json:"allocation_pct"`
	MaxPositions    int     `mapstructure:"max_positions" json:"max_positions"`
	MaxPositionSize float64 `mapstructure:"max_position_size" json:"max_position_size"`
	Active          bool    `mapstructure:"active" json:"active"`
}

// ApplyDefinitions upserts strategy definitions and swaps the in-memory
// limits atomically. In-flight reservations are preserved: only the limits
// change, not the open-position state.
func (a *Allocator) ApplyDefinitions(defs []Definition) error {
	for _, def := range defs {
		if def.StrategyID == "" {
			continue
		}
		strategy := &types.TradingStrategy{
			StrategyID:      def.StrategyID,
			Name:            def.Name,
			AllocationPct:   def.AllocationPct,
			MaxPositions:    def.MaxPositions,
			MaxPositionSize: def.MaxPositionSize,
			Active:          def.Active,
		}
		if err := a.db.UpsertStrategy(strategy); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", def.StrategyID, err)
		}

		a.mu.Lock()
		a.limits[def.StrategyID] = limits{
			allocationPct:   def.AllocationPct,
			maxPositions:    def.MaxPositions,
			maxPositionSize: def.MaxPositionSize,
			active:          def.Active,
		}
		a.mu.Unlock()
	}

	log.Info().Int("strategies", len(defs)).Msg("strategy definitions applied")
	return nil
}

// GetStrategy returns the persisted strategy row, running totals included.
func (a *Allocator) GetStrategy(strategyID string) (*types.TradingStrategy, error) {
	return a.db.GetStrategy(strategyID)
}

// ListStrategies returns every persisted strategy.
func (a *Allocator) ListStrategies() ([]types.TradingStrategy, error) {
	return a.db.ListStrategies()
}
