package budget

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestTracker(t *testing.T, maxCalls int, maxCost float64) *Tracker {
	t.Helper()
	tracker, err := Open(filepath.Join(t.TempDir(), "state.db"), maxCalls, maxCost)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func TestEnabled(t *testing.T) {
	if openTestTracker(t, 0, 0).Enabled() {
		t.Error("zero caps should disable the budget gate")
	}
	if !openTestTracker(t, 5, 0).Enabled() {
		t.Error("call cap should enable the gate")
	}
	if !openTestTracker(t, 0, 1.5).Enabled() {
		t.Error("cost cap should enable the gate")
	}
}

func TestCheckGateOnCalls(t *testing.T) {
	tracker := openTestTracker(t, 2, 0)

	for i := 0; i < 2; i++ {
		if _, err := tracker.Check(); err != nil {
			t.Fatalf("Check() before cap failed: %v", err)
		}
		if err := tracker.Log("claude", 1, 0); err != nil {
			t.Fatalf("Log() failed: %v", err)
		}
	}

	if _, err := tracker.Check(); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Check() after cap = %v, want ErrLimitExceeded", err)
	}
}

func TestCheckGateOnCost(t *testing.T) {
	tracker := openTestTracker(t, 0, 1.0)

	if err := tracker.Log("kimi", 1, 0.4); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	if _, err := tracker.Check(); err != nil {
		t.Fatalf("Check() under cap failed: %v", err)
	}
	if err := tracker.Log("kimi", 1, 0.7); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	if _, err := tracker.Check(); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Check() over cap = %v, want ErrLimitExceeded", err)
	}
}

func TestLogAccumulatesAcrossWorkers(t *testing.T) {
	tracker := openTestTracker(t, 10, 0)

	if err := tracker.Log("claude", 2, 0.1); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Log("kimi", 3, 0.2); err != nil {
		t.Fatal(err)
	}

	snap, err := tracker.Today()
	if err != nil {
		t.Fatalf("Today() failed: %v", err)
	}
	if snap.APICalls != 5 {
		t.Errorf("api_calls = %d, want 5", snap.APICalls)
	}
	if snap.CostUSD < 0.29 || snap.CostUSD > 0.31 {
		t.Errorf("cost_usd = %f, want ~0.3", snap.CostUSD)
	}
}

func TestLogClampsNegativeValues(t *testing.T) {
	tracker := openTestTracker(t, 10, 0)
	if err := tracker.Log("", -3, -1.0); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	snap, err := tracker.Today()
	if err != nil {
		t.Fatal(err)
	}
	if snap.APICalls != 0 || snap.CostUSD != 0 {
		t.Errorf("negative usage should clamp to zero, got %+v", snap)
	}
}
