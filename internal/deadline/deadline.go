// Package deadline provides cancellable one-shot timers for call sessions.
//
// The package exists because the ring-timeout/answer race must be decided
// deterministically: once Cancel reports success the callback is guaranteed
// never to run, and once the callback has started Cancel reports failure.
// time.Timer alone does not give that guarantee (Stop returning false does
// not say whether the callback already finished).
package deadline

import (
	"sync"
	"time"
)

// Timer is a one-shot countdown armed by Arm.
type Timer struct {
	mu       sync.Mutex
	timer    *time.Timer
	fired    bool
	canceled bool
}

// Arm schedules fn to run once after d. The callback runs on the timer
// goroutine; callers that need serialisation should enqueue into their own
// event loop from fn.
func Arm(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the timer. It returns true when the callback is guaranteed not
// to run, and false when the timer already fired. Cancelling an already
// cancelled or already fired timer is a no-op.
func (t *Timer) Cancel() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.canceled = true
	t.timer.Stop()
	return true
}

// Fired reports whether the callback has started.
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
