package bandwidth

import (
	"math"
	"testing"
	"time"

	core "netsight/internal/core/model"
)

// samplePair builds two samples elapsed seconds apart on the monotonic
// clock, with an optional extra wall-clock shift on the second sample.
func samplePair(elapsed time.Duration, wallShift time.Duration) (core.CounterSample, core.CounterSample) {
	base := time.Now()
	prev := core.CounterSample{
		ID:         "en0",
		CapturedAt: base,
		WallTime:   base.Round(0),
	}
	currAt := base.Add(elapsed)
	curr := core.CounterSample{
		ID:         "en0",
		CapturedAt: currAt,
		WallTime:   currAt.Round(0).Add(wallShift),
	}
	return prev, curr
}

func TestDiffNormalRates(t *testing.T) {
	prev, curr := samplePair(2*time.Second, 0)
	prev.RxBytes = 1_000_000
	prev.TxBytes = 200_000
	curr.RxBytes = 3_500_000
	curr.TxBytes = 700_000

	delta := Diff(prev, curr)

	if delta.Anomaly != core.AnomalyNone {
		t.Fatalf("expected no anomaly, got %v", delta.Anomaly)
	}
	if got := delta.DownloadBps(); math.Abs(got-1_250_000) > 1e-6 {
		t.Errorf("download: expected 1250000 B/s, got %f", got)
	}
	if got := delta.UploadBps(); math.Abs(got-250_000) > 1e-6 {
		t.Errorf("upload: expected 250000 B/s, got %f", got)
	}
}

func TestDiffCounterReset(t *testing.T) {
	prev, curr := samplePair(2*time.Second, 0)
	prev.RxBytes = 10_000_000
	curr.RxBytes = 500
	curr.TxBytes = 1000

	delta := Diff(prev, curr)

	if delta.Anomaly != core.AnomalyCounterReset {
		t.Fatalf("expected counter reset, got %v", delta.Anomaly)
	}
	if delta.RxByteDelta != 0 {
		t.Errorf("rx delta after reset: expected 0, got %d", delta.RxByteDelta)
	}
	// Counters that did not move backward keep their delta.
	if delta.TxByteDelta != 1000 {
		t.Errorf("tx delta: expected 1000, got %d", delta.TxByteDelta)
	}
}

func TestDiffTimeJumpUsesMonotonicElapsed(t *testing.T) {
	prev, curr := samplePair(2*time.Second, -30*time.Second)
	prev.RxBytes = 1_000_000
	curr.RxBytes = 3_000_000

	delta := Diff(prev, curr)

	if delta.Anomaly != core.AnomalyTimeJump {
		t.Fatalf("expected time jump, got %v", delta.Anomaly)
	}
	if math.Abs(delta.ElapsedSeconds-2.0) > 0.01 {
		t.Errorf("elapsed must come from the monotonic clock: got %f", delta.ElapsedSeconds)
	}
	if got := delta.DownloadBps(); math.Abs(got-1_000_000) > 1 {
		t.Errorf("rate under time jump: expected 1000000 B/s, got %f", got)
	}
}

func TestDiffStale(t *testing.T) {
	for _, elapsed := range []time.Duration{0, -time.Second, 601 * time.Second} {
		prev, curr := samplePair(elapsed, 0)
		prev.RxBytes = 100
		curr.RxBytes = 200

		delta := Diff(prev, curr)
		if delta.Anomaly != core.AnomalyStale {
			t.Errorf("elapsed %v: expected stale, got %v", elapsed, delta.Anomaly)
		}
		if delta.RxByteDelta != 0 || delta.DownloadBps() != 0 {
			t.Errorf("elapsed %v: stale sample must produce zero deltas", elapsed)
		}
	}
}

func TestDiffImplausibleRate(t *testing.T) {
	prev, curr := samplePair(time.Second, 0)
	curr.RxBytes = 20_000_000_000 // 20 GB in one second: over the 100 Gb/s bound

	delta := Diff(prev, curr)

	if delta.Anomaly != core.AnomalyCounterReset {
		t.Fatalf("expected implausible rate to flag a reset, got %v", delta.Anomaly)
	}
	if delta.RxByteDelta != 0 {
		t.Errorf("implausible delta must be zeroed, got %d", delta.RxByteDelta)
	}
}

func TestDiffRatesNeverNegative(t *testing.T) {
	// Any strictly increasing counter sequence must yield bounded,
	// non-negative rates.
	base := time.Now()
	prev := core.CounterSample{ID: "eth0", CapturedAt: base, WallTime: base.Round(0)}
	rx, tx := uint64(0), uint64(0)

	for i := 1; i <= 50; i++ {
		rx += uint64(i * 13_337)
		tx += uint64(i * 7_001)
		at := base.Add(time.Duration(i) * 2 * time.Second)
		curr := core.CounterSample{
			ID: "eth0", RxBytes: rx, TxBytes: tx,
			CapturedAt: at, WallTime: at.Round(0),
		}
		delta := Diff(prev, curr)
		if delta.Anomaly != core.AnomalyNone {
			t.Fatalf("step %d: unexpected anomaly %v", i, delta.Anomaly)
		}
		expect := float64(delta.RxByteDelta) / delta.ElapsedSeconds
		if got := delta.DownloadBps(); got < 0 || got > expect*(1+1e-9) {
			t.Fatalf("step %d: rate %f outside [0, %f]", i, got, expect)
		}
		prev = curr
	}
}
