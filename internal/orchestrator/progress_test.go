package orchestrator

import (
	"testing"
	"time"
)

func TestProgressState_SeedIsForced(t *testing.T) {
	s := &progressState{}
	ui, emit := s.apply(agentProgress{}, true)
	if !emit {
		t.Fatal("forced apply() must always emit")
	}
	if ui.Percent != 0 {
		t.Errorf("seed percent = %v, want 0", ui.Percent)
	}
	if ui.CurrentFile != "Processing..." {
		t.Errorf("seed current file = %q, want placeholder", ui.CurrentFile)
	}
}

func TestProgressState_ThrottlesWithinWindow(t *testing.T) {
	s := &progressState{}
	s.apply(agentProgress{}, true) // seed, sets lastEmit to now

	_, emit := s.apply(agentProgress{BytesTransferred: 10, TotalBytes: 100}, false)
	if emit {
		t.Error("apply() within the throttle window should not emit")
	}
}

func TestProgressState_EmitsAfterThrottleWindow(t *testing.T) {
	s := &progressState{}
	s.apply(agentProgress{}, true)
	s.lastEmit = time.Now().Add(-progressThrottle - time.Millisecond)

	_, emit := s.apply(agentProgress{BytesTransferred: 50, TotalBytes: 100}, false)
	if !emit {
		t.Error("apply() past the throttle window should emit")
	}
}

func TestProgressState_PercentIsMonotonic(t *testing.T) {
	s := &progressState{}
	s.apply(agentProgress{BytesTransferred: 80, TotalBytes: 100}, true)

	s.lastEmit = time.Now().Add(-progressThrottle - time.Millisecond)
	ui, emit := s.apply(agentProgress{BytesTransferred: 40, TotalBytes: 100}, false)
	if !emit {
		t.Fatal("expected emit past throttle window")
	}
	if ui.Percent < 80 {
		t.Errorf("percent regressed to %v, want >= 80", ui.Percent)
	}
}

func TestProgressState_PercentClampedToRange(t *testing.T) {
	s := &progressState{}
	ui, _ := s.apply(agentProgress{BytesTransferred: 150, TotalBytes: 100}, true)
	if ui.Percent != 100 {
		t.Errorf("percent = %v, want clamped to 100", ui.Percent)
	}
}

func TestProgressState_ZeroTotalBytesIsZeroPercent(t *testing.T) {
	s := &progressState{}
	ui, _ := s.apply(agentProgress{BytesTransferred: 0, TotalBytes: 0}, true)
	if ui.Percent != 0 {
		t.Errorf("percent = %v, want 0 when total bytes is unknown", ui.Percent)
	}
}

func TestFormatSpeed(t *testing.T) {
	cases := []struct {
		bps  float64
		want string
	}{
		{0, "0.00 B/s"},
		{512, "512.00 B/s"},
		{1536, "1.50 KiB/s"},
		{1024 * 1024 * 2.5, "2.50 MiB/s"},
	}

	for _, c := range cases {
		if got := formatSpeed(c.bps); got != c.want {
			t.Errorf("formatSpeed(%v) = %q, want %q", c.bps, got, c.want)
		}
	}
}
