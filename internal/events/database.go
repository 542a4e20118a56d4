package events

import (
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

func (d *Database) CreateEvent(event *types.EngineEvent) error {
	return d.db.Create(event).Error
}

func (d *Database) ListEvents(kinds []string, since time.Time) ([]types.EngineEvent, error) {
	query := d.db.Where("created_at >= ?", since)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}

	var events []types.EngineEvent
	if err := query.Order("id asc").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
