package barcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/barcache"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type fakeStore struct {
	bars      []types.Bar
	inserts   int
	rangeErr  error
	insertErr error
}

func (s *fakeStore) Insert(_ context.Context, _ string, _ types.Timeframe, bars []types.Bar) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts += len(bars)
	s.bars = append(s.bars, bars...)
	return nil
}

func (s *fakeStore) Range(_ context.Context, _ string, _ types.Timeframe, limit int) ([]types.Bar, error) {
	if s.rangeErr != nil {
		return nil, s.rangeErr
	}
	if limit > 0 && len(s.bars) > limit {
		return s.bars[len(s.bars)-limit:], nil
	}
	return s.bars, nil
}

type fakeUpstream struct {
	fetched []types.Bar
	calls   int
	err     error
}

// FetchRange ignores start/end and returns the whole fixed fixture; the
// cache's own filterRange narrows it to the requested window, so this
// keeps the fixtures independent of wall-clock "now".
func (u *fakeUpstream) FetchRange(_ context.Context, _ string, _ types.Timeframe, _, _ time.Time) ([]types.Bar, error) {
	u.calls++
	if u.err != nil {
		return nil, u.err
	}
	out := make([]types.Bar, len(u.fetched))
	copy(out, u.fetched)
	return out, nil
}

var nyTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// mkBar builds a bar at a fixed offset from 10:00 on a Monday in regular
// trading hours, so gap-detection tests reliably overlap RTH.
func mkBar(minutesFromEpoch int, price float64) types.Bar {
	ts := time.Date(2026, 6, 15, 10, 0, 0, 0, nyTZ).Add(time.Duration(minutesFromEpoch) * time.Minute)
	p := decimal.NewFromFloat(price)
	return types.Bar{Timestamp: ts, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(100)}
}

func TestGetBarsServesFromMemoryOnSecondCall(t *testing.T) {
	store := &fakeStore{bars: []types.Bar{mkBar(0, 100), mkBar(5, 101)}}
	upstream := &fakeUpstream{}
	c := barcache.New(store, upstream, zap.NewNop(), time.Minute, 100, 0.5)

	bars1, err := c.GetBars(context.Background(), "AAPL", types.Timeframe5m, 2, barcache.Options{})
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars1) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars1))
	}

	bars2, err := c.GetBars(context.Background(), "AAPL", types.Timeframe5m, 2, barcache.Options{})
	if err != nil {
		t.Fatalf("GetBars (2nd call): %v", err)
	}
	if len(bars2) != 2 {
		t.Fatalf("expected 2 bars on memory hit, got %d", len(bars2))
	}
}

func TestGetBarsTopsUpTailFromUpstream(t *testing.T) {
	store := &fakeStore{bars: []types.Bar{mkBar(0, 100)}}
	upstream := &fakeUpstream{fetched: []types.Bar{mkBar(0, 100), mkBar(5, 101), mkBar(10, 102)}}
	c := barcache.New(store, upstream, zap.NewNop(), time.Millisecond, 10000, 0.5)

	bars, err := c.GetBars(context.Background(), "AAPL", types.Timeframe5m, 3, barcache.Options{})
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected tail top-up to bring total to 3 bars, got %d", len(bars))
	}
	if upstream.calls == 0 {
		t.Fatal("expected an upstream fetch for the tail top-up")
	}
}

func TestGetBarsBackfillsDetectedGapFromUpstream(t *testing.T) {
	// A 150-minute hole during market hours between two bars, plus
	// upstream data available for the gap. Isolation of a failing gap
	// fetch is covered by TestGetBarsGapBackfillFailureIsIsolated.
	store := &fakeStore{bars: []types.Bar{mkBar(0, 100), mkBar(150, 105)}}
	upstream := &fakeUpstream{fetched: []types.Bar{mkBar(0, 100), mkBar(30, 101), mkBar(60, 102), mkBar(90, 103), mkBar(120, 104), mkBar(150, 105)}}
	c := barcache.New(store, upstream, zap.NewNop(), time.Millisecond, 10000, 0.99)

	bars, err := c.GetBars(context.Background(), "AAPL", types.Timeframe5m, 6, barcache.Options{DetectGaps: true, BackfillGaps: true})
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) < 4 {
		t.Fatalf("expected gap backfill to recover interior bars, got %d bars", len(bars))
	}
}

func TestGetBarsGapBackfillFailureIsIsolated(t *testing.T) {
	store := &fakeStore{bars: []types.Bar{mkBar(0, 100), mkBar(150, 105)}}
	upstream := &fakeUpstream{err: context.DeadlineExceeded}
	c := barcache.New(store, upstream, zap.NewNop(), time.Millisecond, 10000, 0.5)

	bars, err := c.GetBars(context.Background(), "AAPL", types.Timeframe5m, 2, barcache.Options{DetectGaps: true, BackfillGaps: true})
	if err != nil {
		t.Fatalf("GetBars must not fail just because upstream backfill errored: %v", err)
	}
	if len(bars) == 0 {
		t.Fatal("expected the original bars to still be served despite the failed backfill")
	}
}
