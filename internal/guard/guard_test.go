package guard

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func testGuard(cpuThreshold float64, memLimit int64, cpu float64, rss int64) *Guard {
	g := New(cpuThreshold, memLimit, zerolog.Nop())
	g.sample = func() (float64, int64, error) { return cpu, rss, nil }
	g.refresh()
	return g
}

func TestAllow(t *testing.T) {
	tests := []struct {
		name       string
		guard      *Guard
		wantAllow  bool
		wantReason string
	}{
		{"under thresholds", testGuard(85, 256<<20, 40, 64<<20), true, ""},
		{"cpu exceeded", testGuard(85, 256<<20, 92.5, 64<<20), false, "cpu"},
		{"memory exceeded", testGuard(85, 256<<20, 40, 300<<20), false, "memory"},
		{"cpu check disabled", testGuard(0, 256<<20, 99, 64<<20), true, ""},
		{"memory check disabled", testGuard(85, 0, 40, 1<<40), true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, reason := tt.guard.Allow()
			if allow != tt.wantAllow || reason != tt.wantReason {
				t.Errorf("Allow() = (%v, %q), want (%v, %q)", allow, reason, tt.wantAllow, tt.wantReason)
			}
		})
	}
}

func TestSampleErrorKeepsLastReading(t *testing.T) {
	g := testGuard(85, 256<<20, 90, 0)
	g.sample = func() (float64, int64, error) { return 0, 0, errors.New("proc gone") }
	g.refresh()

	if got := g.CPUPercent(); got != 90 {
		t.Errorf("CPUPercent = %v after failed sample, want last good 90", got)
	}
	if allow, _ := g.Allow(); allow {
		t.Error("Allow() = true, want rejection on stale over-threshold reading")
	}
}
