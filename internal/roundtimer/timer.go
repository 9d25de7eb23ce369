// Package roundtimer tracks each round's deadline and grace-finish time
// off the genesis timestamp and the round interval.
package roundtimer

import (
	"sync"
	"time"
)

// Timer computes round H's deadline as genesisTs + H*interval, and the
// grace "finish" deadline after which a stalled round lets the Selector
// commit its best candidate so far.
type Timer struct {
	mu sync.Mutex

	genesisMS  uint64
	intervalMS uint64
	finishMS   uint64

	hasHeight  bool
	height     uint64
	deadlineMS uint64
	finishAtMS uint64

	now func() time.Time
}

// New builds a Timer for a chain whose genesis block was stamped at
// genesisMS (unix milliseconds), with the genesis-pinned round interval
// and finish-grace period.
func New(genesisMS, intervalMS, finishMS uint64) *Timer {
	return &Timer{
		genesisMS:  genesisMS,
		intervalMS: intervalMS,
		finishMS:   finishMS,
		now:        time.Now,
	}
}

// Refresh advances the Timer to watch the round after height (i.e. the
// round currently being contested is height+1). A no-op unless rolledBack
// is true or height advances past the round currently tracked.
func (t *Timer) Refresh(height uint64, rolledBack bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !rolledBack && t.hasHeight && height <= t.height {
		return false
	}

	t.height = height
	t.hasHeight = true
	next := height + 1
	t.deadlineMS = t.genesisMS + next*t.intervalMS
	t.finishAtMS = t.deadlineMS + t.finishMS
	return true
}

// Reach reports whether the current round's deadline has been crossed.
func (t *Timer) Reach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasHeight {
		return false
	}
	return uint64(t.now().UnixMilli()) >= t.deadlineMS
}

// Finish reports whether the grace period past the deadline has elapsed,
// at which point the Selector may commit its best candidate even without
// unanimous agreement.
func (t *Timer) Finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasHeight {
		return false
	}
	return uint64(t.now().UnixMilli()) >= t.finishAtMS
}

// Height returns the last height Refresh was called with.
func (t *Timer) Height() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height, t.hasHeight
}

// NextHeight returns the round height currently being contested.
func (t *Timer) NextHeight() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height + 1
}
