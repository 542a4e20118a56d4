package ledger

import (
	"errors"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateSnapshot(snapshot *types.PortfolioSnapshot) error {
	return d.db.Create(snapshot).Error
}

func (d *Database) GetLatestSnapshot() (*types.PortfolioSnapshot, error) {
	var snapshot types.PortfolioSnapshot
	if err := d.db.Order("id desc").First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func (d *Database) LastSnapshotBefore(t time.Time) (*types.PortfolioSnapshot, error) {
	var snapshot types.PortfolioSnapshot
	if err := d.db.Where("created_at < ?", t).Order("id desc").First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func (d *Database) ListSnapshots(since, until time.Time) ([]types.PortfolioSnapshot, error) {
	var snapshots []types.PortfolioSnapshot
	query := d.db.Order("id asc")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("created_at <= ?", until)
	}
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (d *Database) ListOpenTrades() ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("status = ?", types.TradeStatusOpen).Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// MarketPrices returns the last traded price per market.
func (d *Database) MarketPrices() (map[string]float64, error) {
	var markets []types.Market
	if err := d.db.Find(&markets).Error; err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(markets))
	for _, m := range markets {
		prices[m.MarketID] = m.LastPrice
	}
	return prices, nil
}
