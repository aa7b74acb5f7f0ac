package sync

import "errors"

// Named constants for big-delete protection defaults.
const (
	defaultBigDeleteMinItems   = 10
	defaultBigDeleteMaxCount   = 1000
	defaultBigDeleteMaxPercent = 50.0
	percentMultiplier          = 100.0
)

// ErrBigDeleteTriggered indicates that a scan-derived batch plans more
// deletions than the safety thresholds allow. The batch's deletes are held
// back and require operator confirmation before proceeding.
var ErrBigDeleteTriggered = errors.New("sync: big-delete protection triggered")

// BigDeleteThresholds bounds how many deletions a single batch may enqueue
// unattended. A batch trips the guard when its delete count exceeds MaxCount
// or MaxPercent of the tracked file baseline; baselines below MinItems are
// too small for the check to be meaningful.
type BigDeleteThresholds struct {
	MinItems   int
	MaxCount   int
	MaxPercent float64
}

// DefaultBigDeleteThresholds returns the default protection thresholds.
func DefaultBigDeleteThresholds() BigDeleteThresholds {
	return BigDeleteThresholds{
		MinItems:   defaultBigDeleteMinItems,
		MaxCount:   defaultBigDeleteMaxCount,
		MaxPercent: defaultBigDeleteMaxPercent,
	}
}

// bigDeleteTriggered reports whether deleteCount against baselineCount
// exceeds the thresholds.
func bigDeleteTriggered(deleteCount, baselineCount int, t BigDeleteThresholds) bool {
	// Below the minimum baseline the check does not apply.
	if baselineCount < t.MinItems {
		return false
	}

	if deleteCount > t.MaxCount {
		return true
	}

	percentage := float64(deleteCount) / float64(baselineCount) * percentMultiplier

	return percentage > t.MaxPercent
}
