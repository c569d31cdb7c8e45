package failsafe

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyArmed is returned by Arm when a previous arm cycle is unresolved.
	ErrAlreadyArmed = errors.New("failsafe timer already armed")
	ErrInvalidDelay = errors.New("failsafe delay must be positive")
)

// FailsafeTimer is a single cancellable delayed action.
//
// Firing and cancellation both resolve an arm cycle through the same
// compare-and-clear of armed under mu, so exactly one of them takes effect.
// The generation counter keeps a callback from an earlier cycle from
// resolving a later one.
type FailsafeTimer struct {
	mu     sync.Mutex
	armed  bool
	fireAt time.Time
	gen    uint64
	timer  *time.Timer
}

// Arm schedules onFire after delay. onFire runs on its own goroutine, at most once.
func (t *FailsafeTimer) Arm(delay time.Duration, onFire func()) error {
	if delay <= 0 {
		return ErrInvalidDelay
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return ErrAlreadyArmed
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.fireAt = time.Now().Add(delay)
	t.timer = time.AfterFunc(delay, func() { t.fire(gen, onFire) })
	return nil
}

func (t *FailsafeTimer) fire(gen uint64, onFire func()) {
	t.mu.Lock()
	if !t.armed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.clearLocked()
	t.mu.Unlock()

	onFire()
}

// Cancel disarms the timer. It returns false when nothing was armed, which
// includes the case where the callback already won the race.
func (t *FailsafeTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.clearLocked()
	t.gen++
	return true
}

func (t *FailsafeTimer) clearLocked() {
	t.armed = false
	t.fireAt = time.Time{}
	t.timer = nil
}

// IsArmed reports whether an arm cycle is pending.
func (t *FailsafeTimer) IsArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// FireAt returns the scheduled fire time of the pending cycle.
func (t *FailsafeTimer) FireAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fireAt, t.armed
}
