package bandwidth

import (
	"context"
	"math"
	"testing"
	"time"

	core "netsight/internal/core/model"
	"netsight/internal/model"
)

// fakeSampler replays scripted sample batches.
type fakeSampler struct {
	batches [][]core.CounterSample
	infos   []model.InterfaceInfo
	calls   int
}

func (f *fakeSampler) SampleAll(ctx context.Context) ([]core.CounterSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

func (f *fakeSampler) Interfaces(ctx context.Context) ([]model.InterfaceInfo, error) {
	return f.infos, nil
}

func sampleAt(id string, at time.Time, rx, tx uint64) core.CounterSample {
	return core.CounterSample{
		ID: id, RxBytes: rx, TxBytes: tx,
		RxPackets: rx / 1000, TxPackets: tx / 1000,
		CapturedAt: at, WallTime: at.Round(0),
	}
}

func TestCollectFirstCycle(t *testing.T) {
	base := time.Now()
	sampler := &fakeSampler{
		batches: [][]core.CounterSample{
			{sampleAt("en0", base, 1_000_000, 200_000)},
			{sampleAt("en0", base.Add(2*time.Second), 3_500_000, 700_000)},
		},
	}
	collector := NewCollector(sampler)

	report, err := collector.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(report.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(report.Snapshots))
	}

	snap := report.Snapshots[0]
	if math.Abs(snap.DownloadBps-1_250_000) > 1e-6 {
		t.Errorf("download: expected 1250000, got %f", snap.DownloadBps)
	}
	if math.Abs(snap.UploadBps-250_000) > 1e-6 {
		t.Errorf("upload: expected 250000, got %f", snap.UploadBps)
	}
	if snap.Confidence != core.ConfidenceMedium {
		t.Errorf("first clean cycle: expected medium confidence, got %v", snap.Confidence)
	}
}

func TestCollectCounterResetRebaselines(t *testing.T) {
	base := time.Now()
	sampler := &fakeSampler{
		batches: [][]core.CounterSample{
			{sampleAt("en0", base, 10_000_000, 10_000_000)},
			{sampleAt("en0", base.Add(2*time.Second), 500, 500)},
			{sampleAt("en0", base.Add(4*time.Second), 10_500, 10_500)},
		},
	}
	collector := NewCollector(sampler)

	report, err := collector.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	snap := report.Snapshots[0]
	if snap.DownloadBps != 0 || snap.Confidence != core.ConfidenceNone {
		t.Fatalf("reset cycle: expected zero rate and none confidence, got %f/%v",
			snap.DownloadBps, snap.Confidence)
	}

	// The reset sample became the new baseline: the next cycle measures
	// from it, and confidence climbs one level at a time.
	report, err = collector.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second collect: %v", err)
	}
	snap = report.Snapshots[0]
	if math.Abs(snap.DownloadBps-5_000) > 1e-6 {
		t.Errorf("post-reset rate: expected 5000, got %f", snap.DownloadBps)
	}
	if snap.Confidence != core.ConfidenceLow {
		t.Errorf("cycle after reset: expected low confidence, got %v", snap.Confidence)
	}
}

func TestCollectEmptyInterfaceList(t *testing.T) {
	sampler := &fakeSampler{batches: [][]core.CounterSample{{}, {}}}
	collector := NewCollector(sampler)

	report, err := collector.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("collect on empty host: %v", err)
	}
	if len(report.Snapshots) != 0 {
		t.Errorf("expected no snapshots, got %d", len(report.Snapshots))
	}
}

func TestCollectVanishedAndAppeared(t *testing.T) {
	base := time.Now()
	sampler := &fakeSampler{
		batches: [][]core.CounterSample{
			{sampleAt("en0", base, 1000, 1000)},
			{sampleAt("utun3", base.Add(2*time.Second), 500, 500)},
		},
	}
	collector := NewCollector(sampler)

	report, err := collector.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(report.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(report.Snapshots))
	}
	snap := report.Snapshots[0]
	if snap.InterfaceID != "utun3" || snap.Confidence != core.ConfidenceNone {
		t.Errorf("appeared interface must publish with none confidence, got %s/%v",
			snap.InterfaceID, snap.Confidence)
	}
}

func TestCollectCancelsPromptly(t *testing.T) {
	base := time.Now()
	sampler := &fakeSampler{
		batches: [][]core.CounterSample{
			{sampleAt("en0", base, 1000, 1000)},
		},
	}
	collector := NewCollector(sampler)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := collector.Collect(ctx, 30*time.Second)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Errorf("cancellation took %v, expected prompt return", waited)
	}
}

func TestCollectConfidenceClimbsToHigh(t *testing.T) {
	base := time.Now()
	var batches [][]core.CounterSample
	for i := 0; i <= 4; i++ {
		at := base.Add(time.Duration(i) * 3 * time.Second)
		batches = append(batches, []core.CounterSample{
			sampleAt("eth0", at, uint64(1_000_000*(i+1)), uint64(500_000*(i+1))),
		})
	}
	sampler := &fakeSampler{batches: batches}
	collector := NewCollector(sampler)

	var got []core.Confidence
	for i := 0; i < 4; i++ {
		report, err := collector.Collect(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		got = append(got, report.Snapshots[0].Confidence)
	}

	want := []core.Confidence{
		core.ConfidenceMedium, // streak 2, can jump straight to the table value
		core.ConfidenceHigh,   // streak 3, elapsed 3s
		core.ConfidenceHigh,
		core.ConfidenceHigh,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cycle %d: expected %v, got %v (all: %v)", i, want[i], got[i], got)
		}
	}
}
