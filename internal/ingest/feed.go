package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/predikt/predikt-engine/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TickSink accepts ticks for dispatch. Submit reports false when the tick
// was dropped under backpressure.
type TickSink interface {
	Submit(tick types.Tick) bool
}

// FeedConfig controls the websocket price feed connection.
type FeedConfig struct {
	URL               string
	Markets           []string
	ReconnectInterval time.Duration
	MaxBackoff        time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
}

func (c *FeedConfig) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
}

// tickMessage is the wire format of one price update.
type tickMessage struct {
	MarketID  string  `json:"market_id"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

type subscribeMessage struct {
	Method  string   `json:"method"`
	Markets []string `json:"markets"`
}

// Feed maintains a websocket connection to the upstream price source and
// forwards ticks into the dispatcher. Connection loss triggers reconnect
// with exponential backoff and resubscription.
type Feed struct {
	config FeedConfig
	sink   TickSink
	dialer *websocket.Dialer
}

func NewFeed(config FeedConfig, sink TickSink) *Feed {
	config.applyDefaults()
	return &Feed{
		config: config,
		sink:   sink,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Start runs the connect/read/reconnect loop and blocks until the context
// is done.
func (f *Feed) Start(ctx context.Context) {
	logger := log.With().
		Str("component", "price_feed").
		Str("url", f.config.URL).
		Logger()
	logger.Info().Msg("starting price feed")

	backoff := f.config.ReconnectInterval
	for {
		if ctx.Err() != nil {
			logger.Info().Msg("shutting down price feed")
			return
		}

		conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("feed connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.config.MaxBackoff {
				backoff = f.config.MaxBackoff
			}
			continue
		}
		backoff = f.config.ReconnectInterval

		if err := f.subscribe(conn); err != nil {
			logger.Warn().Err(err).Msg("feed subscription failed")
			conn.Close()
			continue
		}
		logger.Info().Int("markets", len(f.config.Markets)).Msg("feed connected")

		f.readLoop(ctx, conn, logger)
		conn.Close()
	}
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	msg := subscribeMessage{Method: "subscribe", Markets: f.config.Markets}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes messages until the connection breaks or the context is
// done. Closing the connection from another goroutine unblocks
// ReadMessage, so shutdown does not hang on a quiet feed.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("feed read failed, reconnecting")
			}
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug().Err(err).Msg("skipping malformed feed message")
			continue
		}
		if msg.MarketID == "" || msg.Price <= 0 {
			continue
		}

		tick := types.Tick{
			MarketID:  msg.MarketID,
			Price:     msg.Price,
			Timestamp: time.UnixMilli(msg.Timestamp),
		}
		if !f.sink.Submit(tick) {
			logger.Warn().Str("market_id", tick.MarketID).Msg("tick dropped, dispatcher queue full")
		}
	}
}
