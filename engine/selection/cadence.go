package selection

import (
	"time"

	"rewardshub/storage"
)

// Cadence windows are UTC-anchored calendar buckets. Two instants fall in the
// same window when their UTC calendar components match at the cadence's
// granularity; the member's wall clock never participates.
func sameWindow(cadence string, a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	switch cadence {
	case storage.CadenceDaily:
		return a.Year() == b.Year() && a.YearDay() == b.YearDay()
	case storage.CadenceMonthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	case storage.CadenceQuarterly:
		return a.Year() == b.Year() && quarterOf(a) == quarterOf(b)
	case storage.CadenceAnnual:
		return a.Year() == b.Year()
	default:
		return false
	}
}

func quarterOf(t time.Time) int {
	return (int(t.Month()) - 1) / 3
}

// Redeemable reports whether the selection may redeem now under the reward's
// cadence. A missing cadence means the selection never gates on time.
func Redeemable(sel *storage.RewardSelection, cadence string, now time.Time) bool {
	if cadence == storage.CadenceOneTime {
		return sel.RedemptionCount == 0
	}
	if sel.LastRedeemedAt == nil {
		return true
	}
	if cadence == "" {
		return true
	}
	return !sameWindow(cadence, *sel.LastRedeemedAt, now)
}
