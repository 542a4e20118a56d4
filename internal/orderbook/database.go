package orderbook

import (
	"errors"

	"github.com/predikt/predikt-engine/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.AdvancedOrder) error {
	return d.db.Create(order).Error
}

func (d *Database) UpdateOrder(order *types.AdvancedOrder) error {
	return d.db.Save(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.AdvancedOrder, error) {
	var order types.AdvancedOrder
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListActiveOrders() ([]types.AdvancedOrder, error) {
	var orders []types.AdvancedOrder
	if err := d.db.Where("status = ?", types.OrderStatusActive).Order("id asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) ListOrdersForTrade(tradeID string) ([]types.AdvancedOrder, error) {
	var orders []types.AdvancedOrder
	if err := d.db.Where("trade_id = ?", tradeID).Order("id asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
