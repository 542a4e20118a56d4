package ledger

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/predikt/predikt-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordedClose struct {
	strategyID string
	pnl        float64
}

type stubTotals struct {
	closes []recordedClose
}

func (s *stubTotals) RecordClose(strategyID string, realizedPnL float64) error {
	s.closes = append(s.closes, recordedClose{strategyID: strategyID, pnl: realizedPnL})
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Market{}, &types.Trade{}, &types.PortfolioSnapshot{}))
	return db
}

func openTrade(t *testing.T, db *gorm.DB, tradeID, marketID string, entry, size float64) *types.Trade {
	t.Helper()
	trade := &types.Trade{
		TradeID:    tradeID,
		MarketID:   marketID,
		StrategyID: "STRAT_A",
		Side:       types.SideBuy,
		EntryPrice: entry,
		EntryTime:  time.Now(),
		Size:       size,
		Status:     types.TradeStatusOpen,
	}
	require.NoError(t, db.Create(trade).Error)
	return trade
}

func setMarketPrice(t *testing.T, db *gorm.DB, marketID string, price float64) {
	t.Helper()
	var market types.Market
	err := db.Where("market_id = ?", marketID).First(&market).Error
	if err == gorm.ErrRecordNotFound {
		require.NoError(t, db.Create(&types.Market{MarketID: marketID, LastPrice: price, LastTickAt: time.Now()}).Error)
		return
	}
	require.NoError(t, err)
	market.LastPrice = price
	require.NoError(t, db.Save(&market).Error)
}

func TestNewServiceSeedsGenesisSnapshot(t *testing.T) {
	db := setupTestDB(t)

	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)

	latest := svc.Latest()
	assert.Equal(t, 10000.0, latest.Cash)
	assert.Equal(t, 10000.0, latest.TotalValue)
	assert.Equal(t, types.SnapshotReasonMark, latest.Reason)
	assert.Equal(t, 10000.0, svc.TotalEquity())
}

func TestNewServiceResumesFromLatestSnapshot(t *testing.T) {
	db := setupTestDB(t)

	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)
	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	_, err = svc.ApplyOpen(trade)
	require.NoError(t, err)

	// A restart resumes from the persisted state, not initial cash.
	resumed, err := NewService(db, 10000, nil)
	require.NoError(t, err)
	assert.InDelta(t, 9950.0, resumed.Latest().Cash, 1e-9)
}

func TestApplyOpenMovesCashIntoPosition(t *testing.T) {
	db := setupTestDB(t)
	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)

	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	setMarketPrice(t, db, "MKT_A", 0.50)

	snapshot, err := svc.ApplyOpen(trade)
	require.NoError(t, err)

	assert.InDelta(t, 9950.0, snapshot.Cash, 1e-9)
	assert.InDelta(t, 50.0, snapshot.PositionsValue, 1e-9)
	assert.InDelta(t, 50.0, snapshot.Exposure, 1e-9)
	assert.InDelta(t, 10000.0, snapshot.TotalValue, 1e-9, "no value created by opening")
	assert.Equal(t, types.SnapshotReasonTradeOpened, snapshot.Reason)
}

func TestApplyCloseRealizesPnL(t *testing.T) {
	db := setupTestDB(t)
	totals := &stubTotals{}
	svc, err := NewService(db, 10000, totals)
	require.NoError(t, err)

	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	_, err = svc.ApplyOpen(trade)
	require.NoError(t, err)

	// Close at 0.70 for +20.
	now := time.Now()
	trade.Status = types.TradeStatusClosed
	trade.ExitPrice = 0.70
	trade.ExitTime = &now
	trade.RealizedPnL = 20
	require.NoError(t, db.Save(trade).Error)

	snapshot, err := svc.ApplyClose(trade)
	require.NoError(t, err)

	assert.InDelta(t, 10020.0, snapshot.Cash, 1e-9)
	assert.InDelta(t, 20.0, snapshot.RealizedPnL, 1e-9)
	assert.Zero(t, snapshot.Exposure)
	assert.InDelta(t, 10020.0, snapshot.TotalValue, 1e-9)

	require.Len(t, totals.closes, 1)
	assert.Equal(t, "STRAT_A", totals.closes[0].strategyID)
	assert.Equal(t, 20.0, totals.closes[0].pnl)
}

func TestMarkToMarketRevaluesOpenPositions(t *testing.T) {
	db := setupTestDB(t)
	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)

	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	_, err = svc.ApplyOpen(trade)
	require.NoError(t, err)

	setMarketPrice(t, db, "MKT_A", 0.60)
	snapshot, err := svc.MarkToMarket()
	require.NoError(t, err)

	assert.InDelta(t, 9950.0, snapshot.Cash, 1e-9, "marking moves no cash")
	assert.InDelta(t, 10.0, snapshot.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 60.0, snapshot.PositionsValue, 1e-9)
	assert.InDelta(t, 10010.0, snapshot.TotalValue, 1e-9)
	assert.Equal(t, types.SnapshotReasonMark, snapshot.Reason)
}

func TestShortPositionUnrealizedPnL(t *testing.T) {
	db := setupTestDB(t)
	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)

	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	trade.Side = types.SideSell
	require.NoError(t, db.Save(trade).Error)
	_, err = svc.ApplyOpen(trade)
	require.NoError(t, err)

	// Price rising hurts a short.
	setMarketPrice(t, db, "MKT_A", 0.60)
	snapshot, err := svc.MarkToMarket()
	require.NoError(t, err)
	assert.InDelta(t, -10.0, snapshot.UnrealizedPnL, 1e-9)
}

func TestHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	db := setupTestDB(t)
	svc, err := NewService(db, 10000, nil)
	require.NoError(t, err)

	trade := openTrade(t, db, "TRD_1", "MKT_A", 0.50, 100)
	_, err = svc.ApplyOpen(trade)
	require.NoError(t, err)
	_, err = svc.MarkToMarket()
	require.NoError(t, err)

	history, err := svc.History(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3, "genesis, open, mark")

	assert.Equal(t, types.SnapshotReasonMark, history[0].Reason)
	assert.Equal(t, types.SnapshotReasonTradeOpened, history[1].Reason)
	assert.Equal(t, types.SnapshotReasonMark, history[2].Reason)

	// Earlier snapshots are untouched by later appends.
	assert.Equal(t, 10000.0, history[0].Cash)
	assert.InDelta(t, 9950.0, history[1].Cash, 1e-9)
}
