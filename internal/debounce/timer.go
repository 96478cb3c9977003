// Package debounce provides the cancellable one-shot delayed task used
// to coalesce rapid record triggers into a single segment.
//
// This package is INTERNAL - clients MUST use the public API in the
// parent package.
package debounce

import (
	"errors"
	"sync"
	"time"
)

// ErrNotWaiting is returned by Cancel when the timer already left its
// waiting phase (fired or previously cancelled). This is a benign race
// between the deadline and a re-arm, surfaced rather than swallowed so
// callers can tell it apart from a logic defect.
var ErrNotWaiting = errors.New("debounce: cancel on a timer that is not waiting")

type timerState int

const (
	stateWaiting timerState = iota
	stateFired
	stateCancelled
)

// Timer is a one-shot delayed task. The callback runs at most once;
// Cancel before the deadline prevents it, Cancel after the deadline
// returns ErrNotWaiting and leaves shared state untouched.
type Timer struct {
	mu    sync.Mutex
	state timerState
	t     *time.Timer
	done  chan struct{}
}

// After schedules fn to run once the delay elapses and returns the
// armed timer. fn executes on its own goroutine.
func After(delay time.Duration, fn func()) *Timer {
	tm := &Timer{done: make(chan struct{})}
	tm.t = time.AfterFunc(delay, func() {
		tm.mu.Lock()
		if tm.state != stateWaiting {
			// Cancelled while the runtime was dispatching us.
			tm.mu.Unlock()
			return
		}
		tm.state = stateFired
		tm.mu.Unlock()

		defer close(tm.done)
		fn()
	})
	return tm
}

// Cancel stops a waiting timer. Returns ErrNotWaiting when the timer
// has already fired or was already cancelled.
func (tm *Timer) Cancel() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state != stateWaiting {
		return ErrNotWaiting
	}
	tm.state = stateCancelled
	tm.t.Stop()
	close(tm.done)
	return nil
}

// Waiting reports whether the timer is still armed.
func (tm *Timer) Waiting() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state == stateWaiting
}

// Done returns a channel closed once the timer has either run its
// callback to completion or been cancelled.
func (tm *Timer) Done() <-chan struct{} {
	return tm.done
}
