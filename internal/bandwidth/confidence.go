package bandwidth

import (
	core "netsight/internal/core/model"
)

// Grade assigns a confidence level to one measured cycle.
//
// cleanStreak counts consecutive anomaly-free samples for the
// interface, including the current one; the baseline sample counts as
// the first. The table:
//
//	None:   reset or stale this cycle (first-ever samples are graded by
//	        the collector directly, which never calls Grade for them)
//	Low:    time jump, or elapsed < 1s, or streak < 2
//	Medium: 1s <= elapsed < 3s with a streak of at least 2
//	High:   elapsed >= 3s with a streak of at least 3
func Grade(anomaly core.Anomaly, elapsedSeconds float64, cleanStreak int) core.Confidence {
	switch anomaly {
	case core.AnomalyCounterReset, core.AnomalyStale:
		return core.ConfidenceNone
	case core.AnomalyTimeJump:
		return core.ConfidenceLow
	}

	if elapsedSeconds < 1.0 || cleanStreak < 2 {
		return core.ConfidenceLow
	}
	if elapsedSeconds >= 3.0 && cleanStreak >= 3 {
		return core.ConfidenceHigh
	}
	if elapsedSeconds < 3.0 {
		return core.ConfidenceMedium
	}
	// Long elapsed but streak of exactly 2: not yet earned High.
	return core.ConfidenceMedium
}

// capRise limits confidence to one level of improvement per clean
// cycle so a single good interval cannot vault an estimate from None to
// High. prev is the confidence published last cycle.
func capRise(prev, next core.Confidence) core.Confidence {
	if next > prev+1 {
		return prev + 1
	}
	return next
}
