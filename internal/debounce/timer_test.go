package debounce

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestTimer_Fires tests the happy path: the callback runs once after
// the delay and the timer stops waiting.
func TestTimer_Fires(t *testing.T) {
	var fired atomic.Int32
	tm := After(10*time.Millisecond, func() {
		fired.Add(1)
	})

	select {
	case <-tm.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire within 1s")
	}

	if n := fired.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
	if tm.Waiting() {
		t.Error("Waiting() = true after fire")
	}
}

// TestTimer_Cancel tests that a cancelled timer never runs its
// callback.
func TestTimer_Cancel(t *testing.T) {
	var fired atomic.Int32
	tm := After(50*time.Millisecond, func() {
		fired.Add(1)
	})

	if err := tm.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case <-tm.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after cancel")
	}

	// Past the original deadline: the callback must not have run.
	time.Sleep(80 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("callback ran %d times after cancel, want 0", n)
	}
}

// TestTimer_CancelAfterFire tests the benign race surface: cancelling
// a timer that already fired reports ErrNotWaiting instead of
// panicking or blocking.
func TestTimer_CancelAfterFire(t *testing.T) {
	tm := After(time.Millisecond, func() {})
	<-tm.Done()

	err := tm.Cancel()
	if !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Cancel() after fire = %v, want ErrNotWaiting", err)
	}
}

// TestTimer_CancelTwice tests that a second cancel also reports
// ErrNotWaiting.
func TestTimer_CancelTwice(t *testing.T) {
	tm := After(time.Hour, func() {})

	if err := tm.Cancel(); err != nil {
		t.Fatalf("first Cancel() error = %v", err)
	}
	if err := tm.Cancel(); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("second Cancel() = %v, want ErrNotWaiting", err)
	}
}

// TestTimer_CancelFireRace hammers the cancel/fire race: exactly one
// side must win, and Done must always close.
func TestTimer_CancelFireRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		var fired atomic.Int32
		tm := After(time.Millisecond, func() {
			fired.Add(1)
		})

		time.Sleep(time.Millisecond)
		err := tm.Cancel()

		select {
		case <-tm.Done():
		case <-time.After(time.Second):
			t.Fatal("Done() never closed")
		}

		cancelled := err == nil
		ran := fired.Load() == 1
		if cancelled == ran {
			t.Fatalf("iteration %d: cancelled=%v fired=%v, want exactly one", i, cancelled, ran)
		}
	}
}
