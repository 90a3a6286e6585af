package barcache

import (
	"context"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// NoopUpstream is a placeholder tier-3 Upstream: production deployments
// wire in a real market-data vendor client here (out of scope per
// spec.md §1). It reports every requested range as unavailable rather
// than fabricating bars, so gap backfill and tail top-up simply fall
// back to whatever the store already has.
type NoopUpstream struct{}

func (NoopUpstream) FetchRange(_ context.Context, _ string, _ types.Timeframe, _, _ time.Time) ([]types.Bar, error) {
	return nil, nil
}
