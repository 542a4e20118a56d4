package allocator

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

func (d *Database) GetStrategy(strategyID string) (*types.TradingStrategy, error) {
	var strategy types.TradingStrategy
	if err := d.db.Where("strategy_id = ?", strategyID).First(&strategy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &strategy, nil
}

func (d *Database) ListStrategies() ([]types.TradingStrategy, error) {
	var strategies []types.TradingStrategy
	if err := d.db.Order("id asc").Find(&strategies).Error; err != nil {
		return nil, err
	}
	return strategies, nil
}

// UpsertStrategy creates or updates a strategy's limit fields, leaving the
// running totals untouched on update.
func (d *Database) UpsertStrategy(strategy *types.TradingStrategy) error {
	existing, err := d.GetStrategy(strategy.StrategyID)
	if err != nil {
		return err
	}
	if existing == nil {
		strategy.CreatedAt = time.Now()
		strategy.UpdatedAt = time.Now()
		return d.db.Create(strategy).Error
	}

	existing.Name = strategy.Name
	existing.AllocationPct = strategy.AllocationPct
	existing.MaxPositions = strategy.MaxPositions
	existing.MaxPositionSize = strategy.MaxPositionSize
	existing.Active = strategy.Active
	existing.UpdatedAt = time.Now()
	return d.db.Save(existing).Error
}

// IncrementStrategyTotals applies one close to the strategy's running
// totals: trade count, win count, total PnL and the derived win rate.
func (d *Database) IncrementStrategyTotals(strategyID string, realizedPnL float64) error {
	strategy, err := d.GetStrategy(strategyID)
	if err != nil {
		return err
	}
	if strategy == nil {
		return nil
	}

	strategy.TradeCount++
	strategy.TotalPnL += realizedPnL
	if realizedPnL > 0 {
		strategy.WinCount++
	}
	strategy.WinRate = float64(strategy.WinCount) / float64(strategy.TradeCount)
	strategy.UpdatedAt = time.Now()
	return d.db.Save(strategy).Error
}

func (d *Database) CreateStrategyTrade(record *types.StrategyTrade) error {
	return d.db.Create(record).Error
}

func (d *Database) CloseStrategyTrade(tradeID string, realizedPnL float64) error {
	var record types.StrategyTrade
	if err := d.db.Where("trade_id = ?", tradeID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if record.Status == types.TradeStatusClosed {
		return nil
	}

	now := time.Now()
	record.Status = types.TradeStatusClosed
	record.RealizedPnL = realizedPnL
	record.ClosedAt = &now
	return d.db.Save(&record).Error
}

func (d *Database) ListOpenStrategyTrades() ([]types.StrategyTrade, error) {
	var records []types.StrategyTrade
	if err := d.db.Where("status = ?", types.TradeStatusOpen).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
