package barcache

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// detectGaps implements spec.md §4.5 step 3: for each consecutive bar
// pair, a gap is recorded when the elapsed time exceeds 1.5x the
// timeframe's expected interval and the missing span overlaps regular
// trading hours.
func detectGaps(bars []types.Bar, timeframe types.Timeframe) []types.Gap {
	expected := timeframe.Duration()
	threshold := expected + expected/2

	var gaps []types.Gap
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		delta := cur.Timestamp.Sub(prev.Timestamp)
		if delta <= threshold {
			continue
		}
		if !overlapsRTH(prev.Timestamp, cur.Timestamp) {
			continue
		}
		missing := int(delta/expected) - 1
		if missing < 1 {
			missing = 1
		}
		gaps = append(gaps, types.Gap{
			Start:       prev.Timestamp,
			End:         cur.Timestamp,
			MissingBars: missing,
		})
	}
	return gaps
}
