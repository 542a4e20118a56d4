package ingest

import (
	"errors"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateMarket(market *types.Market) error {
	return d.db.Create(market).Error
}

func (d *Database) GetMarket(marketID string) (*types.Market, error) {
	var market types.Market
	if err := d.db.Where("market_id = ?", marketID).First(&market).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &market, nil
}

func (d *Database) ListMarkets() ([]types.Market, error) {
	var markets []types.Market
	if err := d.db.Order("market_id asc").Find(&markets).Error; err != nil {
		return nil, err
	}
	return markets, nil
}

// UpsertMarketPrice records the last traded price for a market, creating
// the market row on first sight.
func (d *Database) UpsertMarketPrice(marketID string, price float64, at time.Time) error {
	market := types.Market{
		MarketID:   marketID,
		LastPrice:  price,
		LastTickAt: at,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_price", "last_tick_at", "updated_at"}),
	}).Create(&market).Error
}
