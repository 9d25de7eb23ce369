package roundtimer

import (
	"testing"
	"time"
)

func TestTimer_ReachAndFinish(t *testing.T) {
	genesis := uint64(1_000_000)
	tm := New(genesis, 1000, 500)

	fakeNow := genesis
	tm.now = func() time.Time { return time.UnixMilli(int64(fakeNow)) }

	tm.Refresh(0, false)
	if tm.Reach() {
		t.Error("Reach should be false before the deadline")
	}

	fakeNow = genesis + 1000
	if !tm.Reach() {
		t.Error("Reach should be true once the deadline is crossed")
	}
	if tm.Finish() {
		t.Error("Finish should still be false right at the deadline")
	}

	fakeNow = genesis + 1500
	if !tm.Finish() {
		t.Error("Finish should be true once the grace period elapses")
	}
}

func TestTimer_RefreshMonotonicUnlessRolledBack(t *testing.T) {
	tm := New(0, 1000, 500)

	if !tm.Refresh(5, false) {
		t.Fatal("first Refresh should always advance")
	}
	if tm.Refresh(3, false) {
		t.Error("Refresh to a lower height without rollback should be a no-op")
	}
	if h, _ := tm.Height(); h != 5 {
		t.Errorf("Height = %d, want 5", h)
	}

	if !tm.Refresh(3, true) {
		t.Error("Refresh with rolledBack=true should advance even to a lower height")
	}
	if h, _ := tm.Height(); h != 3 {
		t.Errorf("Height after rollback = %d, want 3", h)
	}
}

func TestTimer_NextHeight(t *testing.T) {
	tm := New(0, 1000, 500)
	tm.Refresh(7, false)
	if got := tm.NextHeight(); got != 8 {
		t.Errorf("NextHeight = %d, want 8", got)
	}
}
