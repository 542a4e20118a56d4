package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Fill is the result of one accepted order at a venue.
type Fill struct {
	FillID    string    `json:"fill_id"`
	VenueID   string    `json:"venue_id"`
	VenueName string    `json:"venue_name"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	FeeRate   float64   `json:"fee_rate"`
	FeeAmount float64   `json:"fee_amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Venue represents one execution venue for prediction-market outcome
// shares.
type Venue struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of acceptance
	FeeRate     float64 // fraction of notional
}

var mockVenues = []*Venue{
	{
		ID:          "CLOB1",
		Name:        "Primary Order Book",
		MinLatency:  5,
		MaxLatency:  30,
		SuccessRate: 0.95,
		FeeRate:     0.002, // 0.2%
	},
	{
		ID:          "AMM1",
		Name:        "AMM Pool",
		MinLatency:  10,
		MaxLatency:  60,
		SuccessRate: 0.90,
		FeeRate:     0.003, // 0.3%
	},
}

// Simulator is a mock exchange used when the engine runs without a live
// venue connection. Calls respect the caller's context deadline, so the
// executor's bounded-timeout contract holds.
type Simulator struct{}

func NewSimulator() *Simulator {
	return &Simulator{}
}

// PlaceOrder simulates execution of a market order at the best available
// venue. Failures are transient; the caller retries with backoff.
func (s *Simulator) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*Fill, error) {
	venue := pickVenue()
	logger := log.With().
		Str("venue_id", venue.ID).
		Str("market_id", marketID).
		Str("side", side).
		Float64("size", size).
		Float64("price", price).
		Logger()

	latency := rand.Intn(venue.MaxLatency-venue.MinLatency+1) + venue.MinLatency
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	if rand.Float64() > venue.SuccessRate {
		logger.Warn().Float64("success_rate", venue.SuccessRate).Msg("venue rejected order")
		return nil, fmt.Errorf("execution failed on venue %s", venue.ID)
	}

	// Fill near the requested price with a little slippage, clamped to
	// the valid outcome-share price range.
	executed := price * (1 + (rand.Float64()*0.02 - 0.01))
	if executed < 0.01 {
		executed = 0.01
	}
	if executed > 0.99 {
		executed = 0.99
	}

	fill := &Fill{
		FillID:    fmt.Sprintf("FILL-%s-%d", venue.ID, rand.Int63()),
		VenueID:   venue.ID,
		VenueName: venue.Name,
		Price:     executed,
		Size:      size,
		FeeRate:   venue.FeeRate,
		FeeAmount: executed * size * venue.FeeRate,
		CreatedAt: time.Now(),
	}

	logger.Info().
		Str("fill_id", fill.FillID).
		Float64("executed_price", fill.Price).
		Float64("fee_amount", fill.FeeAmount).
		Msg("order filled")
	return fill, nil
}

// pickVenue selects a venue weighted by its success rate.
func pickVenue() *Venue {
	totalWeight := 0.0
	for _, v := range mockVenues {
		totalWeight += v.SuccessRate
	}

	choice := rand.Float64() * totalWeight
	current := 0.0
	for _, v := range mockVenues {
		current += v.SuccessRate
		if current >= choice {
			return v
		}
	}
	return mockVenues[0]
}
