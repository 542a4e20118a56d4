package executor

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

func (d *Database) CreateTrade(trade *types.Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) UpdateTrade(trade *types.Trade) error {
	return d.db.Save(trade).Error
}

func (d *Database) GetTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) ListTrades(marketID, status string) ([]types.Trade, error) {
	var trades []types.Trade
	query := d.db.Order("id desc")
	if marketID != "" {
		query = query.Where("market_id = ?", marketID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// CloseTradeWithIdempotency persists the closed trade and the idempotency
// record for the trigger event in one transaction, so a crash between the
// two cannot let a redelivery double-close.
func (d *Database) CloseTradeWithIdempotency(trade *types.Trade, eventID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(trade).Error; err != nil {
			return err
		}
		record := &types.IdempotencyRecord{
			IdempotencyKey: eventID,
			ResourceID:     trade.TradeID,
			ResourceType:   "trade_close",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(record).Error
	})
}

func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
