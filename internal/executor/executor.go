package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/predikt/predikt-engine/internal/allocator"
	"github.com/predikt/predikt-engine/internal/exchange"
	"github.com/predikt/predikt-engine/internal/ledger"
	"github.com/predikt/predikt-engine/internal/orderbook"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/predikt/predikt-engine/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ExchangePort is the external execution venue. Calls are bounded by the
// executor's per-attempt timeout; transient failures are retried with
// backoff.
type ExchangePort interface {
	PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*exchange.Fill, error)
}

// EventPublisher is the slice of the event bus the executor needs.
type EventPublisher interface {
	Publish(kind, marketID, tradeID, orderID string, payload any)
}

// AdmissionDeniedError reports a normal allocator denial to the caller
// that proposed the trade.
type AdmissionDeniedError struct {
	StrategyID string
	Reason     allocator.DenyReason
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("strategy %s denied admission: %s", e.StrategyID, e.Reason)
}

func (e *AdmissionDeniedError) ResponseCode() (int, string) {
	return http.StatusForbidden, response.ErrCodeAdmissionDenied
}

// ExecutionFailureError reports that the external execution call failed
// after all retries. The triggering order has been reverted to ACTIVE so it
// can re-fire on the next qualifying tick.
type ExecutionFailureError struct {
	OrderID  string
	TradeID  string
	Attempts int
	Err      error
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("execution failed for order %s (trade %s) after %d attempts: %v",
		e.OrderID, e.TradeID, e.Attempts, e.Err)
}

func (e *ExecutionFailureError) Unwrap() error { return e.Err }

func (e *ExecutionFailureError) ResponseCode() (int, string) {
	return http.StatusBadGateway, response.ErrCodeExecutionFailed
}

// TradeStateError reports an operation against a trade that already left
// OPEN, such as cancelling a trade whose trigger already executed.
type TradeStateError struct {
	TradeID string
	Status  string
}

func (e *TradeStateError) Error() string {
	return fmt.Sprintf("trade %s is %s, not OPEN", e.TradeID, e.Status)
}

func (e *TradeStateError) ResponseCode() (int, string) {
	return http.StatusConflict, response.ErrCodeTradeNotOpen
}

// RetryPolicy bounds the external execution call.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration // grows linearly per attempt
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Backoff:        100 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}
}

// OpenRequest describes a position to open together with its protective
// orders.
type OpenRequest struct {
	MarketID   string  `json:"market_id" binding:"required"`
	StrategyID string  `json:"strategy_id"`
	Side       string  `json:"side" binding:"required"`
	Size       float64 `json:"size" binding:"required"`
	EntryPrice float64 `json:"entry_price" binding:"required"`

	StopLossPrice   float64    `json:"stop_loss_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	TrailAmount     float64    `json:"trail_amount"`
	TrailPercent    float64    `json:"trail_percent"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// Service is the sole writer of Trade state transitions. It turns trigger
// events into ledger mutations and owns the open/close lifecycle end to
// end: admission, exchange execution, order bookkeeping, allocator
// release, ledger apply, event emission.
type Service struct {
	db       *Database
	book     *orderbook.Book
	alloc    *allocator.Allocator
	ledger   *ledger.Service
	events   EventPublisher
	exchange ExchangePort
	retry    RetryPolicy

	locks keyedMutex
}

func NewService(
	gormDB *gorm.DB,
	book *orderbook.Book,
	alloc *allocator.Allocator,
	ledgerSvc *ledger.Service,
	events EventPublisher,
	port ExchangePort,
	retry RetryPolicy,
) *Service {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Service{
		db:       NewDatabase(gormDB),
		book:     book,
		alloc:    alloc,
		ledger:   ledgerSvc,
		events:   events,
		exchange: port,
		retry:    retry,
	}
}

// GetTrade returns a trade by ID. Also serves the trigger evaluator's
// reconciliation pass.
func (s *Service) GetTrade(tradeID string) (*types.Trade, error) {
	return s.db.GetTrade(tradeID)
}

// TradeOrders returns the ACTIVE protective orders attached to a trade.
func (s *Service) TradeOrders(tradeID string) []types.AdvancedOrder {
	return s.book.OrdersForTrade(tradeID)
}

// OpenTrade opens a position: allocator admission, entry execution, trade
// creation, ledger apply, bracket order registration. A stale admission
// detected at commit time rolls the trade back with a compensating close
// rather than leaving an admitted-but-unaccounted position.
func (s *Service) OpenTrade(ctx context.Context, req OpenRequest) (*types.Trade, error) {
	logger := log.With().
		Str("market_id", req.MarketID).
		Str("strategy_id", req.StrategyID).
		Str("side", req.Side).
		Float64("size", req.Size).
		Str("service", "executor").
		Logger()

	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, fmt.Errorf("side must be BUY or SELL")
	}
	if req.Size <= 0 || req.EntryPrice <= 0 {
		return nil, fmt.Errorf("size and entry price must be positive")
	}

	tradeID := "TRD_" + uuid.New().String()

	// Reject malformed brackets before any capital moves.
	bracket := buildBracket(tradeID, req)
	for i := range bracket {
		if err := orderbook.Validate(&bracket[i]); err != nil {
			return nil, err
		}
	}

	if req.StrategyID != "" {
		decision, err := s.alloc.Admit(req.StrategyID, req.Size)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, &AdmissionDeniedError{StrategyID: req.StrategyID, Reason: decision.Reason}
		}
	}

	fill, attempts, err := s.placeWithRetry(ctx, req.MarketID, req.Side, req.Size, req.EntryPrice)
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("entry execution failed")
		return nil, fmt.Errorf("entry execution failed after %d attempts: %w", attempts, err)
	}

	trade := &types.Trade{
		TradeID:    tradeID,
		MarketID:   req.MarketID,
		StrategyID: req.StrategyID,
		Side:       req.Side,
		EntryPrice: fill.Price,
		EntryTime:  time.Now(),
		Size:       req.Size,
		Status:     types.TradeStatusOpen,
		FeesPaid:   fill.FeeAmount,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.CreateTrade(trade); err != nil {
		return nil, fmt.Errorf("failed to persist trade: %w", err)
	}

	if _, err := s.ledger.ApplyOpen(trade); err != nil {
		return nil, fmt.Errorf("ledger apply failed for open: %w", err)
	}

	if req.StrategyID != "" {
		if err := s.alloc.Commit(req.StrategyID, trade.TradeID, req.Size); err != nil {
			logger.Warn().Err(err).Msg("stale admission detected, rolling back with compensating close")
			if cerr := s.compensatingClose(trade, "STALE_ADMISSION"); cerr != nil {
				logger.Error().Err(cerr).Msg("compensating close failed")
			}
			return nil, err
		}
	}

	// Bracket watermarks start at the actual entry.
	for i := range bracket {
		if bracket[i].OrderType == types.OrderTypeTrailingStop {
			bracket[i].Watermark = trade.EntryPrice
		}
		if err := s.book.Register(&bracket[i]); err != nil {
			logger.Error().Err(err).Msg("bracket registration failed, rolling back trade")
			if req.StrategyID != "" {
				if rerr := s.alloc.Release(req.StrategyID, trade.TradeID, 0); rerr != nil {
					logger.Error().Err(rerr).Msg("allocator release failed during rollback")
				}
			}
			if cerr := s.compensatingClose(trade, "ORDER_REGISTRATION_FAILED"); cerr != nil {
				logger.Error().Err(cerr).Msg("compensating close failed")
			}
			return nil, err
		}
	}

	s.publish(types.EventTradeOpened, trade.MarketID, trade.TradeID, "", map[string]any{
		"entry_price": trade.EntryPrice,
		"size":        trade.Size,
		"side":        trade.Side,
		"strategy_id": trade.StrategyID,
	})

	logger.Info().
		Str("trade_id", trade.TradeID).
		Float64("entry_price", trade.EntryPrice).
		Int("bracket_orders", len(bracket)).
		Msg("trade opened")
	return trade, nil
}

// buildBracket constructs the protective orders implied by an open
// request.
func buildBracket(tradeID string, req OpenRequest) []types.AdvancedOrder {
	var orders []types.AdvancedOrder

	base := types.AdvancedOrder{
		TradeID:   tradeID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Size:      req.Size,
		ExpiresAt: req.ExpiresAt,
	}

	if req.StopLossPrice > 0 {
		order := base
		order.OrderID = "ORD_" + uuid.New().String()
		order.OrderType = types.OrderTypeStopLoss
		order.TriggerPrice = req.StopLossPrice
		orders = append(orders, order)
	}
	if req.TakeProfitPrice > 0 {
		order := base
		order.OrderID = "ORD_" + uuid.New().String()
		order.OrderType = types.OrderTypeTakeProfit
		order.TriggerPrice = req.TakeProfitPrice
		orders = append(orders, order)
	}
	if req.TrailAmount > 0 || req.TrailPercent > 0 {
		order := base
		order.OrderID = "ORD_" + uuid.New().String()
		order.OrderType = types.OrderTypeTrailingStop
		order.TrailAmount = req.TrailAmount
		order.TrailPercent = req.TrailPercent
		order.Watermark = req.EntryPrice
		orders = append(orders, order)
	}
	return orders
}

// compensatingClose reverses a freshly opened trade that cannot stand.
func (s *Service) compensatingClose(trade *types.Trade, reason string) error {
	now := time.Now()
	trade.Status = types.TradeStatusClosed
	trade.ExitPrice = trade.EntryPrice
	trade.ExitTime = &now
	trade.RealizedPnL = 0
	trade.CloseReason = reason
	trade.UpdatedAt = now
	if err := s.db.UpdateTrade(trade); err != nil {
		return err
	}
	_, err := s.ledger.ApplyClose(trade)
	return err
}

// Execute consumes a trigger event and closes the associated trade. It is
// idempotent under at-least-once delivery: a duplicate event, or an event
// for a trade already out of OPEN, is a no-op, never an error.
func (s *Service) Execute(ctx context.Context, ev types.TriggerEvent) error {
	unlock := s.locks.lock(ev.TradeID)
	defer unlock()

	logger := log.With().
		Str("event_id", ev.EventID).
		Str("order_id", ev.OrderID).
		Str("trade_id", ev.TradeID).
		Str("order_type", ev.OrderType).
		Str("service", "executor").
		Logger()

	// Duplicate deliveries of the same event are absorbed here.
	record, err := s.db.GetIdempotencyRecord(ev.EventID)
	if err != nil {
		return err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		logger.Debug().Msg("duplicate trigger event, already executed")
		return nil
	}

	trade, err := s.db.GetTrade(ev.TradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("trade %s not found for trigger event %s", ev.TradeID, ev.EventID)
	}
	if trade.Status != types.TradeStatusOpen {
		logger.Debug().Str("status", trade.Status).Msg("trade no longer open, trigger absorbed")
		return nil
	}

	fill, attempts, err := s.placeWithRetry(ctx, ev.MarketID, types.OppositeSide(ev.Side), ev.Size, ev.ExecutionPrice)
	if err != nil {
		// Revert the order so it can re-fire on the next qualifying
		// tick, and surface the failure for operator visibility.
		if rerr := s.book.Reactivate(ev.OrderID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to reactivate order after execution failure")
		}
		failure := &ExecutionFailureError{OrderID: ev.OrderID, TradeID: ev.TradeID, Attempts: attempts, Err: err}
		logger.Error().Err(failure).Msg("exit execution failed")
		return failure
	}

	now := time.Now()
	exit := ev.ExecutionPrice
	realized := (exit-trade.EntryPrice)*trade.Size*types.SideSign(trade.Side) - fill.FeeAmount

	trade.Status = types.TradeStatusClosed
	trade.ExitPrice = exit
	trade.ExitTime = &now
	trade.RealizedPnL = realized
	trade.FeesPaid += fill.FeeAmount
	trade.CloseReason = ev.OrderType
	trade.UpdatedAt = now

	if err := s.db.CloseTradeWithIdempotency(trade, ev.EventID); err != nil {
		return fmt.Errorf("failed to persist trade close: %w", err)
	}

	// The evaluator normally marked the order TRIGGERED already; this
	// covers executions delivered out of band.
	if _, err := s.book.MarkTriggered(ev.OrderID); err != nil {
		logger.Error().Err(err).Msg("failed to mark order triggered")
	}

	// One leg firing cancels the sibling leg.
	for _, sibling := range s.book.OrdersForTrade(ev.TradeID) {
		cancelled, err := s.book.Cancel(sibling.OrderID)
		if err != nil {
			logger.Error().Err(err).Str("sibling_id", sibling.OrderID).Msg("failed to cancel sibling order")
			continue
		}
		if cancelled {
			s.publish(types.EventOrderCancelled, ev.MarketID, ev.TradeID, sibling.OrderID, nil)
		}
	}

	if trade.StrategyID != "" {
		if err := s.alloc.Release(trade.StrategyID, trade.TradeID, realized); err != nil {
			logger.Error().Err(err).Msg("allocator release failed")
		}
	}

	if _, err := s.ledger.ApplyClose(trade); err != nil {
		return fmt.Errorf("ledger apply failed for close: %w", err)
	}

	s.publish(types.EventOrderTriggered, ev.MarketID, ev.TradeID, ev.OrderID, map[string]any{
		"order_type":      ev.OrderType,
		"execution_price": ev.ExecutionPrice,
	})
	s.publish(types.EventTradeClosed, ev.MarketID, ev.TradeID, ev.OrderID, map[string]any{
		"exit_price":   exit,
		"realized_pnl": realized,
		"close_reason": trade.CloseReason,
	})

	logger.Info().
		Float64("exit_price", exit).
		Float64("realized_pnl", realized).
		Float64("fees", fill.FeeAmount).
		Msg("trade closed")
	return nil
}

// CancelTrade handles a manual OPEN -> CANCELLED transition. A trade whose
// trigger has already been accepted for execution cannot be cancelled.
func (s *Service) CancelTrade(tradeID string) (*types.Trade, error) {
	unlock := s.locks.lock(tradeID)
	defer unlock()

	trade, err := s.db.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, fmt.Errorf("trade %s not found", tradeID)
	}
	switch trade.Status {
	case types.TradeStatusCancelled:
		return trade, nil
	case types.TradeStatusClosed:
		return nil, &TradeStateError{TradeID: tradeID, Status: trade.Status}
	}

	now := time.Now()
	trade.Status = types.TradeStatusCancelled
	trade.ExitPrice = trade.EntryPrice
	trade.ExitTime = &now
	trade.CloseReason = "MANUAL_CANCEL"
	trade.UpdatedAt = now
	if err := s.db.UpdateTrade(trade); err != nil {
		return nil, err
	}

	for _, order := range s.book.OrdersForTrade(tradeID) {
		cancelled, err := s.book.Cancel(order.OrderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to cancel order on trade cancel")
			continue
		}
		if cancelled {
			s.publish(types.EventOrderCancelled, trade.MarketID, tradeID, order.OrderID, nil)
		}
	}

	if trade.StrategyID != "" {
		if err := s.alloc.Release(trade.StrategyID, tradeID, 0); err != nil {
			log.Error().Err(err).Msg("allocator release failed on trade cancel")
		}
	}

	if _, err := s.ledger.ApplyClose(trade); err != nil {
		return nil, fmt.Errorf("ledger apply failed for cancel: %w", err)
	}

	s.publish(types.EventTradeClosed, trade.MarketID, tradeID, "", map[string]any{
		"close_reason": trade.CloseReason,
	})
	return trade, nil
}

// placeWithRetry calls the exchange with a bounded per-attempt timeout and
// linear backoff between attempts.
func (s *Service) placeWithRetry(ctx context.Context, marketID, side string, size, price float64) (*exchange.Fill, int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.retry.AttemptTimeout)
		fill, err := s.exchange.PlaceOrder(attemptCtx, marketID, side, size, price)
		cancel()
		if err == nil {
			return fill, attempt, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, attempt, err
		}

		if attempt < s.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retry.Backoff):
			}
		}
	}
	return nil, s.retry.MaxAttempts, lastErr
}

func (s *Service) publish(kind, marketID, tradeID, orderID string, payload any) {
	if s.events != nil {
		s.events.Publish(kind, marketID, tradeID, orderID, payload)
	}
}

// keyedMutex serializes operations per trade so duplicate trigger
// deliveries cannot interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
