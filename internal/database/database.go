package database

import (
	"fmt"

	"github.com/predikt/predikt-engine/internal/database/migrations"
	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "engine.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddEventIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Market{},
		&types.Trade{},
		&types.StrategyTrade{},
		&types.TradingStrategy{},
		&types.PortfolioSnapshot{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// NewInMemoryDatabase returns a throwaway database, used by the simulation
// driver and tests.
func NewInMemoryDatabase() (*gorm.DB, error) {
	return NewDatabase("file::memory:?cache=shared")
}
