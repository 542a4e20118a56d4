package migrations

import (
	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/gorm"
)

// AddEventIndexes creates the engine event log table and required indexes
func AddEventIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.EngineEvent{}); err != nil {
		return err
	}

	indexes := []string{
		// Index for kind-filtered history queries
		`CREATE INDEX IF NOT EXISTS idx_engine_events_kind
		 ON engine_events(kind)`,

		// Index for time-windowed history queries
		`CREATE INDEX IF NOT EXISTS idx_engine_events_created_at
		 ON engine_events(created_at)`,

		// Index for per-trade audit trails
		`CREATE INDEX IF NOT EXISTS idx_engine_events_trade_id
		 ON engine_events(trade_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
