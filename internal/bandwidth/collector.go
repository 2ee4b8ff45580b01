package bandwidth

import (
	"context"
	"fmt"
	"sort"
	"time"

	core "netsight/internal/core/model"
	"netsight/internal/model"
	"netsight/internal/pkg/logx"
)

const (
	// MinMeasurementDuration and MaxMeasurementDuration clamp the
	// baseline sleep. Below three seconds High confidence is
	// unreachable; the collector warns rather than silently upgrading.
	MinMeasurementDuration = 1 * time.Second
	MaxMeasurementDuration = 60 * time.Second
)

// ifaceState is the per-interface memory between cycles.
type ifaceState struct {
	last        core.CounterSample
	record      core.InterfaceRecord
	cleanStreak int
	published   core.Confidence
	measured    bool // at least one delta has been published
}

// InterfaceError reports a single interface that failed during a cycle
// without aborting the batch.
type InterfaceError struct {
	InterfaceID string
	Err         error
}

func (e InterfaceError) Error() string {
	return fmt.Sprintf("interface %s: %v", e.InterfaceID, e.Err)
}

// Report is the outcome of one Collect call.
type Report struct {
	Snapshots  []core.ThroughputSnapshot
	Interfaces []core.InterfaceRecord
	Errors     []InterfaceError
}

// FilterImportant keeps snapshots whose interface scored at or above
// the important threshold.
func (r *Report) FilterImportant() []core.ThroughputSnapshot {
	byID := make(map[string]core.InterfaceRecord, len(r.Interfaces))
	for _, rec := range r.Interfaces {
		byID[rec.ID] = rec
	}
	var out []core.ThroughputSnapshot
	for _, s := range r.Snapshots {
		if byID[s.InterfaceID].Relevance >= RelevanceImportant {
			out = append(out, s)
		}
	}
	return out
}

// FilterActive keeps snapshots that measured a nonzero rate this cycle.
func (r *Report) FilterActive() []core.ThroughputSnapshot {
	var out []core.ThroughputSnapshot
	for _, s := range r.Snapshots {
		if s.DownloadBps > 0 || s.UploadBps > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Collector orchestrates sampling, classification, differencing and
// confidence grading into throughput snapshots. A Collector owns its
// interface state exclusively; Collect is sequential per instance and
// must not be called concurrently.
type Collector struct {
	sampler model.Sampler
	state   map[string]*ifaceState
	warned  bool
}

// NewCollector creates a collector over the given counter source.
func NewCollector(sampler model.Sampler) *Collector {
	return &Collector{
		sampler: sampler,
		state:   make(map[string]*ifaceState),
	}
}

// Reset drops all per-interface state, forcing the next Collect to
// establish a fresh baseline.
func (c *Collector) Reset() {
	c.state = make(map[string]*ifaceState)
}

// Collect produces one throughput snapshot per interface.
//
// On a cold start it takes a baseline sample, sleeps the measurement
// duration (clamped to [1s,60s]), then takes the second sample. On a
// warm collector the stored samples are the baseline and only one new
// sample is taken. Cancellation interrupts the sleep promptly.
func (c *Collector) Collect(ctx context.Context, duration time.Duration) (*Report, error) {
	duration = clampDuration(duration)
	if duration < 3*time.Second && !c.warned {
		logx.Warnf("collector: measurement duration %s is below 3s; confidence cannot reach high", duration)
		c.warned = true
	}

	if len(c.state) == 0 {
		baseline, err := c.sampler.SampleAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range baseline {
			c.state[s.ID] = &ifaceState{last: s, cleanStreak: 1}
		}

		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	curr, err := c.sampler.SampleAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	c.classifyAll(ctx, report, curr)

	seen := make(map[string]bool, len(curr))
	for _, sample := range curr {
		seen[sample.ID] = true
		st, ok := c.state[sample.ID]
		if !ok {
			// Appeared mid-cycle: becomes the baseline for the next
			// call and is published with no rate and no confidence.
			c.state[sample.ID] = &ifaceState{last: sample, cleanStreak: 1}
			report.Snapshots = append(report.Snapshots, c.snapshot(sample, core.SampleDelta{}, core.ConfidenceNone, report))
			continue
		}

		delta := Diff(st.last, sample)

		if delta.Anomaly == core.AnomalyNone {
			st.cleanStreak++
		} else {
			st.cleanStreak = 1
		}

		conf := Grade(delta.Anomaly, delta.ElapsedSeconds, st.cleanStreak)
		if st.measured {
			conf = capRise(st.published, conf)
		}

		report.Snapshots = append(report.Snapshots, c.snapshot(sample, delta, conf, report))

		st.last = sample
		st.published = conf
		st.measured = true
	}

	// Interfaces that vanished between samples are dropped; next
	// appearance re-baselines.
	for id := range c.state {
		if !seen[id] {
			delete(c.state, id)
		}
	}

	sort.Slice(report.Snapshots, func(i, j int) bool {
		return report.Snapshots[i].InterfaceID < report.Snapshots[j].InterfaceID
	})
	return report, nil
}

// classifyAll labels every sampled interface for this cycle. A failed
// enumeration degrades to name-only classification instead of aborting
// the batch.
func (c *Collector) classifyAll(ctx context.Context, report *Report, samples []core.CounterSample) {
	infos, err := c.sampler.Interfaces(ctx)
	byName := make(map[string]model.InterfaceInfo, len(infos))
	if err != nil {
		report.Errors = append(report.Errors, InterfaceError{InterfaceID: "*", Err: err})
	} else {
		for _, info := range infos {
			byName[info.Name] = info
		}
	}

	for _, s := range samples {
		info := byName[s.ID]
		rec := Classify(s.ID, info.Addresses)
		rec.Up = info.Up
		report.Interfaces = append(report.Interfaces, rec)
		if st, ok := c.state[s.ID]; ok {
			st.record = rec
		}
	}
}

func (c *Collector) snapshot(sample core.CounterSample, delta core.SampleDelta, conf core.Confidence, report *Report) core.ThroughputSnapshot {
	kind := core.KindUnknown
	for _, rec := range report.Interfaces {
		if rec.ID == sample.ID {
			kind = rec.Kind
			break
		}
	}
	return core.ThroughputSnapshot{
		Timestamp:        sample.WallTime,
		InterfaceID:      sample.ID,
		Kind:             kind,
		DownloadBps:      delta.DownloadBps(),
		UploadBps:        delta.UploadBps(),
		BytesRecvTotal:   sample.RxBytes,
		BytesSentTotal:   sample.TxBytes,
		PacketsRecvTotal: sample.RxPackets,
		PacketsSentTotal: sample.TxPackets,
		Confidence:       conf,
	}
}

func clampDuration(d time.Duration) time.Duration {
	if d < MinMeasurementDuration {
		return MinMeasurementDuration
	}
	if d > MaxMeasurementDuration {
		return MaxMeasurementDuration
	}
	return d
}
