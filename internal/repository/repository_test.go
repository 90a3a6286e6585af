package repository

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// toRecord is the only piece of this package testable without a live
// Postgres instance; Activate/Close/Reopen/MarkFailed are exercised by
// integration tests run against a real database, not here.
func TestToRecordMapsAllFields(t *testing.T) {
	now := time.Now()
	row := strategyRow{
		ID: "s1", UserID: "u1", Symbol: "AAPL", Timeframe: "5m",
		Status: "ACTIVE", YAMLContent: "meta: {}", ActivatedAt: &now,
	}
	rec := toRecord(row)
	if rec.ID != "s1" || rec.UserID != "u1" || rec.Symbol != "AAPL" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != types.StrategyStatusActive {
		t.Fatalf("expected ACTIVE status, got %s", rec.Status)
	}
	if rec.ActivatedAt == nil || !rec.ActivatedAt.Equal(now) {
		t.Fatalf("expected ActivatedAt to round-trip, got %v", rec.ActivatedAt)
	}
}
