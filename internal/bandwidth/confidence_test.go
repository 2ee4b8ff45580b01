package bandwidth

import (
	"testing"

	core "netsight/internal/core/model"
)

func TestGradeTable(t *testing.T) {
	cases := []struct {
		name    string
		anomaly core.Anomaly
		elapsed float64
		streak  int
		want    core.Confidence
	}{
		{"reset", core.AnomalyCounterReset, 5.0, 10, core.ConfidenceNone},
		{"stale", core.AnomalyStale, 0, 10, core.ConfidenceNone},
		{"time jump", core.AnomalyTimeJump, 5.0, 10, core.ConfidenceLow},
		{"short elapsed", core.AnomalyNone, 0.5, 10, core.ConfidenceLow},
		{"short streak", core.AnomalyNone, 5.0, 1, core.ConfidenceLow},
		{"first clean cycle", core.AnomalyNone, 2.0, 2, core.ConfidenceMedium},
		{"long elapsed, streak 2", core.AnomalyNone, 5.0, 2, core.ConfidenceMedium},
		{"earned high", core.AnomalyNone, 3.0, 3, core.ConfidenceHigh},
		{"medium window", core.AnomalyNone, 2.9, 5, core.ConfidenceMedium},
	}

	for _, tc := range cases {
		if got := Grade(tc.anomaly, tc.elapsed, tc.streak); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCapRiseOneLevelPerCycle(t *testing.T) {
	if got := capRise(core.ConfidenceNone, core.ConfidenceHigh); got != core.ConfidenceLow {
		t.Errorf("none -> high must cap at low, got %v", got)
	}
	if got := capRise(core.ConfidenceLow, core.ConfidenceHigh); got != core.ConfidenceMedium {
		t.Errorf("low -> high must cap at medium, got %v", got)
	}
	if got := capRise(core.ConfidenceHigh, core.ConfidenceLow); got != core.ConfidenceLow {
		t.Errorf("drops are never capped, got %v", got)
	}
	if got := capRise(core.ConfidenceMedium, core.ConfidenceHigh); got != core.ConfidenceHigh {
		t.Errorf("single-level rise passes through, got %v", got)
	}
}
