package barcache

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// barRow is the gorm model backing the tier-2 Store. Bars dedupe on
// (symbol, timeframe, timestamp); a re-insert of an already-stored bar
// is a silent no-op rather than an error, since gap backfill and tail
// top-up both expect to insert overlapping ranges freely.
type barRow struct {
	Symbol    string    `gorm:"primaryKey;uniqueIndex:idx_bar_key"`
	Timeframe string    `gorm:"primaryKey;uniqueIndex:idx_bar_key"`
	Timestamp int64     `gorm:"primaryKey;uniqueIndex:idx_bar_key"` // unix nanos
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

func (barRow) TableName() string { return "bars" }

// PostgresStore is the gorm/postgres-backed tier-2 Store (spec.md §4.7),
// sharing internal/repository's connection pool rather than opening a
// second one: construct it from the same *gorm.DB the
// repository.PostgresRepository already holds via its DB() accessor.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore wraps db, auto-migrating the bars table.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&barRow{}); err != nil {
		return nil, fmt.Errorf("barcache: automigrate bars: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func toBarRow(symbol string, timeframe types.Timeframe, b types.Bar) barRow {
	return barRow{
		Symbol:    symbol,
		Timeframe: string(timeframe),
		Timestamp: b.Timestamp.UnixNano(),
		Open:      b.Open.String(),
		High:      b.High.String(),
		Low:       b.Low.String(),
		Close:     b.Close.String(),
		Volume:    b.Volume.String(),
	}
}

func fromBarRow(r barRow) (types.Bar, error) {
	var bar types.Bar
	bar.Timestamp = timeFromUnixNano(r.Timestamp)
	var err error
	if bar.Open, err = decimalFromString(r.Open); err != nil {
		return types.Bar{}, err
	}
	if bar.High, err = decimalFromString(r.High); err != nil {
		return types.Bar{}, err
	}
	if bar.Low, err = decimalFromString(r.Low); err != nil {
		return types.Bar{}, err
	}
	if bar.Close, err = decimalFromString(r.Close); err != nil {
		return types.Bar{}, err
	}
	if bar.Volume, err = decimalFromString(r.Volume); err != nil {
		return types.Bar{}, err
	}
	return bar, nil
}

// Insert implements Store. Rows that already exist (same symbol,
// timeframe, timestamp) are left untouched.
func (s *PostgresStore) Insert(ctx context.Context, symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	rows := make([]barRow, len(bars))
	for i, b := range bars {
		rows[i] = toBarRow(symbol, timeframe, b)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return fmt.Errorf("barcache: insert %d bars for %s/%s: %w", len(bars), symbol, timeframe, err)
	}
	return nil
}

// Range implements Store, returning up to the most recent limit bars for
// (symbol, timeframe) in ascending timestamp order.
func (s *PostgresStore) Range(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error) {
	var rows []barRow
	q := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, string(timeframe)).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("barcache: range %s/%s: %w", symbol, timeframe, err)
	}
	bars := make([]types.Bar, len(rows))
	for i, r := range rows {
		// rows arrive newest-first; reverse into ascending order.
		bar, err := fromBarRow(r)
		if err != nil {
			return nil, fmt.Errorf("barcache: decode stored bar: %w", err)
		}
		bars[len(rows)-1-i] = bar
	}
	return bars, nil
}
