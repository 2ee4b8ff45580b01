package bandwidth

import (
	core "netsight/internal/core/model"
)

const (
	// maxElapsedSeconds marks a sample pair as stale; a gap this long
	// usually means suspend/resume and the deltas are untrustworthy.
	maxElapsedSeconds = 600.0

	// wallDriftLimitSeconds is how far the wall clock may disagree with
	// the monotonic clock over one interval before the pair is flagged
	// as a time jump.
	wallDriftLimitSeconds = 2.0

	// maxSaneByteRate is 100 Gb/s in bytes per second; a single host
	// interface above this is a counter artifact, not traffic.
	maxSaneByteRate = 12.5e9
)

// Diff computes validated deltas between two samples of the same
// interface. The monotonic clock is the sole source of elapsed time;
// the wall clock is consulted only to flag jumps. Backward counter
// transitions zero the affected deltas and flag a reset; 64-bit kernel
// counters do not wrap in practice, so wrap is not distinguished from
// reset.
func Diff(prev, curr core.CounterSample) core.SampleDelta {
	delta := core.SampleDelta{ID: curr.ID}

	elapsed := curr.CapturedAt.Sub(prev.CapturedAt).Seconds()
	if elapsed <= 0 || elapsed > maxElapsedSeconds {
		delta.Anomaly = core.AnomalyStale
		return delta
	}
	delta.ElapsedSeconds = elapsed

	wallDiff := curr.WallTime.Sub(prev.WallTime).Seconds()
	drift := wallDiff - elapsed
	if drift < 0 {
		drift = -drift
	}
	if drift > wallDriftLimitSeconds {
		// Rates stay valid: they are computed on monotonic elapsed.
		delta.Anomaly = core.AnomalyTimeJump
	}

	reset := false
	delta.RxByteDelta = saturatingSub(curr.RxBytes, prev.RxBytes, &reset)
	delta.TxByteDelta = saturatingSub(curr.TxBytes, prev.TxBytes, &reset)
	delta.RxPacketDelta = saturatingSub(curr.RxPackets, prev.RxPackets, &reset)
	delta.TxPacketDelta = saturatingSub(curr.TxPackets, prev.TxPackets, &reset)
	if reset {
		delta.Anomaly = core.AnomalyCounterReset
	}

	if delta.DownloadBps() > maxSaneByteRate || delta.UploadBps() > maxSaneByteRate {
		// Implausible for a single interface; treat like a reset and
		// zero everything so no consumer charts a 100 Gb/s spike.
		delta.Anomaly = core.AnomalyCounterReset
		delta.RxByteDelta = 0
		delta.TxByteDelta = 0
		delta.RxPacketDelta = 0
		delta.TxPacketDelta = 0
	}

	return delta
}

// saturatingSub returns curr-prev, or zero with the reset flag raised
// when the counter moved backward.
func saturatingSub(curr, prev uint64, reset *bool) uint64 {
	if curr < prev {
		*reset = true
		return 0
	}
	return curr - prev
}
