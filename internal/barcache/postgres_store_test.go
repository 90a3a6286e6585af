package barcache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Insert/Range themselves need a live Postgres instance to exercise;
// covered by integration tests run against a real database, not here.
// The row conversion is the only part testable in isolation.
func TestBarRowRoundTrip(t *testing.T) {
	bar := types.Bar{
		Timestamp: time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC),
		Open:      decimal.NewFromFloat(100.5),
		High:      decimal.NewFromFloat(101.25),
		Low:       decimal.NewFromFloat(99.75),
		Close:     decimal.NewFromFloat(100.9),
		Volume:    decimal.NewFromInt(12345),
	}

	row := toBarRow("AAPL", types.Timeframe("5m"), bar)
	if row.Symbol != "AAPL" || row.Timeframe != "5m" {
		t.Fatalf("unexpected row key: %+v", row)
	}

	round, err := fromBarRow(row)
	if err != nil {
		t.Fatalf("fromBarRow: %v", err)
	}
	if !round.Timestamp.Equal(bar.Timestamp) {
		t.Fatalf("expected timestamp %v, got %v", bar.Timestamp, round.Timestamp)
	}
	if !round.Open.Equal(bar.Open) || !round.Close.Equal(bar.Close) {
		t.Fatalf("expected OHLC round-trip, got %+v", round)
	}
	if !round.Volume.Equal(bar.Volume) {
		t.Fatalf("expected volume round-trip, got %v", round.Volume)
	}
}

func TestFromBarRowRejectsUnparsableDecimal(t *testing.T) {
	row := barRow{Symbol: "AAPL", Timeframe: "5m", Timestamp: 0, Open: "not-a-number"}
	if _, err := fromBarRow(row); err == nil {
		t.Fatal("expected an error decoding an unparsable decimal column")
	}
}
