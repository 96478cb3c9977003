package cliprecorder

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/writer"
)

// RecordAsync registers a trigger. The behavior depends on the state:
//
//   - Buffering: a new segment starts and cb is remembered for its
//     completion.
//   - Starting, Recording: the trigger coalesces into the active
//     segment; its look-ahead window restarts and cb replaces the
//     previously registered callback.
//   - Detached, Finishing: the trigger is deferred and retried every
//     Config.RetryDelay. Detached retries give up after
//     Config.RetryWindow; Finishing retries persist until the segment
//     finalizes, so a trigger racing a closing segment opens the next
//     one instead of being dropped.
//
// cb may be nil. The callback runs at most once, on its own goroutine,
// after the segment's output is fully finalized.
func (r *Recorder) RecordAsync(cb SegmentCallback) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if err := r.fatalErr; err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.dispatchTrigger(cb, time.Now().Add(r.cfg.RetryWindow))
	return nil
}

func (r *Recorder) dispatchTrigger(cb SegmentCallback, retryDeadline time.Time) {
	r.mu.Lock()
	state := r.state

	switch state {
	case StateBuffering:
		err := r.startSessionLocked(cb)
		r.mu.Unlock()
		if err != nil {
			r.fatal(err)
		}

	case StateStarting, StateRecording:
		r.armTimerLocked()
		r.onFinished = cb
		r.mu.Unlock()
		slog.Debug("clip-recorder: trigger coalesced into active segment",
			"state", state.String(),
		)

	case StateDetached:
		r.mu.Unlock()
		if time.Now().After(retryDeadline) {
			slog.Warn("clip-recorder: dropping trigger, recorder still detached",
				"retry_window", r.cfg.RetryWindow,
			)
			return
		}
		r.deferTrigger(cb, retryDeadline)

	case StateFinishing:
		r.mu.Unlock()
		// Never bounded: the segment will finalize, and this trigger
		// must open the next one.
		r.deferTrigger(cb, retryDeadline)

	default:
		r.mu.Unlock()
		r.fatal(fmt.Errorf("%w: %s on trigger", ErrUnhandledState, state))
	}
}

// deferTrigger re-dispatches after RetryDelay unless the recorder shut
// down in the meantime.
func (r *Recorder) deferTrigger(cb SegmentCallback, retryDeadline time.Time) {
	time.AfterFunc(r.cfg.RetryDelay, func() {
		select {
		case <-r.ctx.Done():
			slog.Debug("clip-recorder: dropping deferred trigger, recorder closed")
		default:
			r.dispatchTrigger(cb, retryDeadline)
		}
	})
}

// startSessionLocked opens a writer session for a fresh segment.
// Caller must hold r.mu with state == Buffering.
func (r *Recorder) startSessionLocked(cb SegmentCallback) error {
	if r.session != nil {
		return fmt.Errorf("%w: session still attached in %s", ErrSessionActive, r.state)
	}

	location := r.cfg.FilenameGenerator()
	sess, err := writer.Bind(r.factory, location, r.buf, writer.Callbacks{
		OnFirstOutput: r.onSessionFirstOutput,
		OnFinished:    r.onSessionFinished,
		OnFailure:     r.onSessionFailure,
	})
	if err != nil {
		return fmt.Errorf("clip-recorder: start segment: %w", err)
	}

	r.session = sess
	r.onFinished = cb
	r.segmentStart = time.Now()
	r.state = StateStarting
	r.armTimerLocked()

	slog.Info("clip-recorder: segment started",
		"location", location,
		"buffered_frames", r.buf.Len(),
	)
	return nil
}

// Record registers a trigger and blocks until the segment's output
// location is known, polling every Config.PollInterval. It returns
// ErrRecordTimeout when the first output does not materialize within
// Config.MaxDelay; the trigger itself stays registered, so the segment
// may still complete in the background.
func (r *Recorder) Record(cb SegmentCallback) (string, error) {
	if err := r.RecordAsync(cb); err != nil {
		return "", err
	}

	deadline := time.Now().Add(r.cfg.MaxDelay)
	for {
		r.mu.Lock()
		location := r.activeLocation
		err := r.fatalErr
		r.mu.Unlock()

		if err != nil {
			return "", err
		}
		if location != "" {
			return location, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w after %v", ErrRecordTimeout, r.cfg.MaxDelay)
		}
		time.Sleep(r.cfg.PollInterval)
	}
}
