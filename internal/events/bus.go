package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Bus is the append-only engine event log plus an in-process fan-out for
// downstream consumers (journal, leaderboard, copy-trading mirror, backtest
// comparison). Publishing never blocks the trading hot path: a slow
// subscriber drops events rather than stalling execution; the persisted log
// remains the source of truth.
type Bus struct {
	db *Database

	mu   sync.RWMutex
	subs map[int]chan types.EngineEvent
	next int
}

func NewBus(gormDB *gorm.DB) *Bus {
	return &Bus{
		db:   NewDatabase(gormDB),
		subs: make(map[int]chan types.EngineEvent),
	}
}

// Publish appends an event to the persisted log and fans it out to
// subscribers. The payload is marshalled to JSON; a nil payload is stored
// empty.
func (b *Bus) Publish(kind, marketID, tradeID, orderID string, payload any) {
	event := types.EngineEvent{
		EventID:   "EVT_" + uuid.New().String(),
		Kind:      kind,
		MarketID:  marketID,
		TradeID:   tradeID,
		OrderID:   orderID,
		CreatedAt: time.Now(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("kind", kind).Msg("failed to marshal event payload")
		} else {
			event.Payload = string(data)
		}
	}

	if err := b.db.CreateEvent(&event); err != nil {
		log.Error().Err(err).
			Str("kind", kind).
			Str("trade_id", tradeID).
			Msg("failed to persist engine event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Warn().Int("subscriber", id).Str("kind", kind).Msg("subscriber queue full, event dropped")
		}
	}
}

// Subscribe returns a buffered channel of future events and a function that
// removes the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan types.EngineEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.EngineEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// History returns persisted events of the given kinds since a time, oldest
// first. Empty kinds means all kinds.
func (b *Bus) History(kinds []string, since time.Time) ([]types.EngineEvent, error) {
	return b.db.ListEvents(kinds, since)
}
