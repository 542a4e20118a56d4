package trigger

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/predikt/predikt-engine/internal/orderbook"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
	"github.com/rs/zerolog/log"
)

// StaleTickError reports an out-of-order tick. Stale ticks are dropped and
// logged; they never halt the per-market stream on their own.
type StaleTickError struct {
	MarketID string
	TickTime time.Time
	LastTime time.Time
}

func (e *StaleTickError) Error() string {
	return fmt.Sprintf("stale tick for market %s: %s is before last processed tick %s",
		e.MarketID, e.TickTime.Format(time.RFC3339Nano), e.LastTime.Format(time.RFC3339Nano))
}

func (e *StaleTickError) ResponseCode() (int, string) {
	return http.StatusConflict, response.ErrCodeStaleTick
}

// ErrMarketSuspended is returned once repeated timestamp regressions have
// suspended a market's evaluation. A reconciliation pass re-enables it.
var ErrMarketSuspended = errors.New("market evaluation suspended pending reconciliation")

// TradeSource is the read-only view of trades the evaluator needs for
// reconciliation.
type TradeSource interface {
	GetTrade(tradeID string) (*types.Trade, error)
}

// EventPublisher is the slice of the event bus the evaluator needs.
type EventPublisher interface {
	Publish(kind, marketID, tradeID, orderID string, payload any)
}

type marketState struct {
	seen        bool
	lastTime    time.Time
	lastPrice   float64
	staleStreak int
	suspended   bool
}

// Evaluator turns price ticks into trigger events. Ticks for one market
// must arrive serialized (the dispatcher guarantees this); the watermark
// update and trigger evaluation for a tick happen atomically with respect
// to that market's stream.
type Evaluator struct {
	book   *orderbook.Book
	events EventPublisher
	trades TradeSource

	// Consecutive stale ticks tolerated before the market is suspended.
	staleLimit int

	mu      sync.Mutex
	markets map[string]*marketState
}

func NewEvaluator(book *orderbook.Book, events EventPublisher, trades TradeSource, staleLimit int) *Evaluator {
	if staleLimit <= 0 {
		staleLimit = 3
	}
	return &Evaluator{
		book:       book,
		events:     events,
		trades:     trades,
		staleLimit: staleLimit,
		markets:    make(map[string]*marketState),
	}
}

// candidate is an order that crossed its trigger on the current tick.
type candidate struct {
	order        types.AdvancedOrder
	triggerLevel float64
}

// OnTick evaluates every ACTIVE order on a market against a new price.
// Ticks must be delivered in non-decreasing timestamp order; a regression
// is dropped with a StaleTickError, and a duplicate timestamp is an
// idempotent no-op. Returned events are in order registration order, with
// bracket siblings resolved to a single winner per trade.
func (e *Evaluator) OnTick(marketID string, price float64, ts time.Time) ([]types.TriggerEvent, error) {
	e.mu.Lock()
	state, ok := e.markets[marketID]
	if !ok {
		state = &marketState{}
		e.markets[marketID] = state
	}

	if state.suspended {
		e.mu.Unlock()
		return nil, fmt.Errorf("market %s: %w", marketID, ErrMarketSuspended)
	}

	if state.seen && ts.Before(state.lastTime) {
		state.staleStreak++
		stale := &StaleTickError{MarketID: marketID, TickTime: ts, LastTime: state.lastTime}
		if state.staleStreak >= e.staleLimit {
			state.suspended = true
			log.Error().
				Str("market_id", marketID).
				Int("stale_streak", state.staleStreak).
				Msg("tick ordering guarantee lost, suspending market evaluation")
		} else {
			log.Warn().
				Str("market_id", marketID).
				Time("tick_time", ts).
				Time("last_time", state.lastTime).
				Msg("dropping stale tick")
		}
		e.mu.Unlock()
		return nil, stale
	}

	if state.seen && ts.Equal(state.lastTime) {
		// Duplicate delivery of the same tick; watermark logic already ran.
		e.mu.Unlock()
		return nil, nil
	}

	preTick := price
	if state.seen {
		preTick = state.lastPrice
	}
	state.seen = true
	state.lastTime = ts
	state.lastPrice = price
	state.staleStreak = 0
	e.mu.Unlock()

	orders := e.book.OrdersFor(marketID)
	if len(orders) == 0 {
		return nil, nil
	}

	candidates := make([]candidate, 0, len(orders))
	for _, order := range orders {
		fired, level, err := e.evaluateOrder(&order, price)
		if err != nil {
			return nil, err
		}
		if fired {
			candidates = append(candidates, candidate{order: order, triggerLevel: level})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	winners := e.resolveBrackets(marketID, candidates, preTick)

	events := make([]types.TriggerEvent, 0, len(winners))
	for _, cand := range winners {
		changed, err := e.book.MarkTriggered(cand.order.OrderID)
		if err != nil {
			return events, err
		}
		if !changed {
			// Lost a race with a cancellation; the order never fires.
			continue
		}

		events = append(events, types.TriggerEvent{
			EventID:        "TRG_" + uuid.New().String(),
			OrderID:        cand.order.OrderID,
			TradeID:        cand.order.TradeID,
			MarketID:       marketID,
			OrderType:      cand.order.OrderType,
			Side:           cand.order.Side,
			Size:           cand.order.Size,
			ExecutionPrice: price,
			Timestamp:      ts,
		})

		log.Info().
			Str("order_id", cand.order.OrderID).
			Str("trade_id", cand.order.TradeID).
			Str("order_type", cand.order.OrderType).
			Float64("trigger_level", cand.triggerLevel).
			Float64("execution_price", price).
			Msg("order fired")
	}
	return events, nil
}

// evaluateOrder decides whether one order fires at the given price and
// returns the trigger level it crossed. For trailing stops the watermark is
// updated first, then the effective trigger recomputed from it, within the
// same tick.
func (e *Evaluator) evaluateOrder(order *types.AdvancedOrder, price float64) (bool, float64, error) {
	long := order.Side == types.SideBuy

	switch order.OrderType {
	case types.OrderTypeStopLoss:
		if long {
			return price <= order.TriggerPrice, order.TriggerPrice, nil
		}
		return price >= order.TriggerPrice, order.TriggerPrice, nil

	case types.OrderTypeTakeProfit:
		if long {
			return price >= order.TriggerPrice, order.TriggerPrice, nil
		}
		return price <= order.TriggerPrice, order.TriggerPrice, nil

	case types.OrderTypeTrailingStop:
		watermark := order.Watermark
		improved := false
		if long && price > watermark {
			watermark = price
			improved = true
		}
		if !long && price < watermark {
			watermark = price
			improved = true
		}
		if improved {
			if err := e.book.UpdateWatermark(order.OrderID, watermark); err != nil {
				return false, 0, fmt.Errorf("failed to update watermark for %s: %w", order.OrderID, err)
			}
			order.Watermark = watermark
		}

		effective := effectiveTrailingTrigger(order, watermark)
		if long {
			return price <= effective, effective, nil
		}
		return price >= effective, effective, nil
	}

	return false, 0, nil
}

// effectiveTrailingTrigger computes the trigger implied by the current
// watermark. The watermark only ever improves, so the effective trigger
// ratchets in the position's favor and never moves adversely.
func effectiveTrailingTrigger(order *types.AdvancedOrder, watermark float64) float64 {
	long := order.Side == types.SideBuy
	if order.TrailAmount > 0 {
		if long {
			return watermark - order.TrailAmount
		}
		return watermark + order.TrailAmount
	}
	if long {
		return watermark * (1 - order.TrailPercent)
	}
	return watermark * (1 + order.TrailPercent)
}

// resolveBrackets enforces bracket semantics when several orders on the
// same trade cross on one tick (a price gap can cross both legs). The leg
// whose trigger sits numerically closer to the pre-tick price fires; ties
// go to the stop-loss since reducing risk is preferred. The losing sibling
// is cancelled as a side effect. Winners keep registration order.
func (e *Evaluator) resolveBrackets(marketID string, candidates []candidate, preTick float64) []candidate {
	byTrade := make(map[string]int, len(candidates)) // trade ID -> winner index
	losers := make(map[int]bool)

	for i, cand := range candidates {
		winIdx, ok := byTrade[cand.order.TradeID]
		if !ok {
			byTrade[cand.order.TradeID] = i
			continue
		}

		winner := candidates[winIdx]
		if closerToPreTick(cand, winner, preTick) {
			losers[winIdx] = true
			byTrade[cand.order.TradeID] = i
		} else {
			losers[i] = true
		}
	}

	for i := range candidates {
		if !losers[i] {
			continue
		}
		loser := candidates[i]
		cancelled, err := e.book.Cancel(loser.order.OrderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", loser.order.OrderID).Msg("failed to cancel bracket sibling")
			continue
		}
		if cancelled {
			log.Info().
				Str("order_id", loser.order.OrderID).
				Str("trade_id", loser.order.TradeID).
				Msg("bracket sibling cancelled, other leg fired on same tick")
			if e.events != nil {
				e.events.Publish(types.EventOrderCancelled, marketID, loser.order.TradeID, loser.order.OrderID, nil)
			}
		}
	}

	winners := make([]candidate, 0, len(byTrade))
	for i, cand := range candidates {
		if !losers[i] {
			winners = append(winners, cand)
		}
	}
	return winners
}

// closerToPreTick reports whether a beats b for the same-trade tie-break.
func closerToPreTick(a, b candidate, preTick float64) bool {
	da := math.Abs(a.triggerLevel - preTick)
	db := math.Abs(b.triggerLevel - preTick)
	if da != db {
		return da < db
	}
	return a.order.OrderType == types.OrderTypeStopLoss && b.order.OrderType != types.OrderTypeStopLoss
}

// Suspended reports whether a market's evaluation is currently suspended.
func (e *Evaluator) Suspended(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.markets[marketID]
	return ok && state.suspended
}

// Reconcile verifies that every ACTIVE order on a suspended market still
// belongs to an OPEN trade, cancels orphans, and resumes evaluation. It is
// also safe to call on a live market.
func (e *Evaluator) Reconcile(marketID string) error {
	logger := log.With().Str("market_id", marketID).Str("component", "reconciliation").Logger()
	logger.Info().Msg("starting order book reconciliation")

	orphans := 0
	for _, order := range e.book.OrdersFor(marketID) {
		if e.trades == nil {
			break
		}
		trade, err := e.trades.GetTrade(order.TradeID)
		if err != nil {
			return fmt.Errorf("reconciliation failed to load trade %s: %w", order.TradeID, err)
		}
		if trade != nil && trade.Status == types.TradeStatusOpen {
			continue
		}

		cancelled, err := e.book.Cancel(order.OrderID)
		if err != nil {
			return err
		}
		if cancelled {
			orphans++
			logger.Warn().
				Str("order_id", order.OrderID).
				Str("trade_id", order.TradeID).
				Msg("cancelled order attached to non-open trade")
			if e.events != nil {
				e.events.Publish(types.EventOrderCancelled, marketID, order.TradeID, order.OrderID, nil)
			}
		}
	}

	e.mu.Lock()
	state, ok := e.markets[marketID]
	if ok {
		state.suspended = false
		state.staleStreak = 0
	}
	e.mu.Unlock()

	logger.Info().Int("orphans_cancelled", orphans).Msg("reconciliation completed, market resumed")
	return nil
}
