package migrations

import (
	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/gorm"
)

// AddOrderIndexes creates the conditional order table and required indexes
func AddOrderIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.AdvancedOrder{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for the evaluator's per-tick scan
		`CREATE INDEX IF NOT EXISTS idx_advanced_orders_market_status
		 ON advanced_orders(market_id, status)`,

		// Index for sibling lookups when one bracket leg fires
		`CREATE INDEX IF NOT EXISTS idx_advanced_orders_trade_id
		 ON advanced_orders(trade_id)`,

		// Index for the expiry sweep
		`CREATE INDEX IF NOT EXISTS idx_advanced_orders_expires_at
		 ON advanced_orders(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
