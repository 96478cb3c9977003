package cliprecorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/debounce"
	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/ring"
	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/writer"
)

// Recorder records time-windowed segments from a live tap: each segment
// contains buffered content from before the first trigger (look-back)
// and keeps recording until triggers stop arriving, plus a symmetric
// look-ahead window.
//
// Goroutine topology:
//   - 1 fixed: ring ingest loop (started once format negotiation is done)
//   - 2 transient per segment: writer drain loop + branch watcher
//   - timer goroutines for the debounce deadline and deferred triggers
//
// The state field is the sole synchronization point: every read and
// write goes through mu, and transitions are atomic swaps.
type Recorder struct {
	cfg     Config
	tap     Tap
	factory BranchFactory

	mu             sync.Mutex
	state          State
	buf            *ring.Buffer
	session        *writer.Session
	timer          *debounce.Timer
	onFinished     SegmentCallback
	segmentStart   time.Time
	activeLocation string
	lastOutcome    *SegmentOutcome
	fatalErr       error
	tapEnded       bool
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	segmentsDone uint64
}

// Bind attaches a new Recorder to the live tap. The returned recorder
// starts in Detached and flips to Buffering once the tap's format
// negotiation completes (bounded by Config.BindTimeout); triggers that
// arrive before then are deferred.
//
// Binding fails fatally - per Config.OnFatal - when the tap's framerate
// cannot be determined; the recorder is unusable afterwards and Err()
// reports the cause.
func Bind(ctx context.Context, tap Tap, factory BranchFactory, cfg Config) (*Recorder, error) {
	if tap == nil {
		return nil, fmt.Errorf("clip-recorder: tap is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("clip-recorder: branch factory is required")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("clip-recorder: invalid window size %v (must be positive)", cfg.WindowSize)
	}
	cfg = cfg.withDefaults()

	r := &Recorder{
		cfg:     cfg,
		tap:     tap,
		factory: factory,
		state:   StateDetached,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	slog.Info("clip-recorder: binding to tap",
		"window", cfg.WindowSize,
		"bind_timeout", cfg.BindTimeout,
	)

	r.wg.Add(1)
	go r.bindRingBuffer()

	return r, nil
}

// bindRingBuffer waits for format negotiation, creates the ring buffer
// and performs the Detached → Buffering swap.
func (r *Recorder) bindRingBuffer() {
	defer r.wg.Done()

	bindCtx, cancel := context.WithTimeout(r.ctx, r.cfg.BindTimeout)
	defer cancel()

	buf, err := ring.Bind(r.ctx, boundFormatTap{r.tap, bindCtx}, r.cfg.WindowSize, ring.Callbacks{
		OnBound: func(capacity int, framerate float64) {
			slog.Info("clip-recorder: ring buffer bound",
				"capacity", capacity,
				"framerate", framerate,
			)
		},
		OnEOS: r.onTapEOS,
	})
	if err != nil {
		r.fatal(fmt.Errorf("clip-recorder: bind ring buffer: %w", err))
		return
	}

	r.mu.Lock()
	r.buf = buf
	r.state = StateBuffering
	r.mu.Unlock()
}

// boundFormatTap bounds only the Format call with the bind timeout,
// leaving frame delivery governed by the recorder's own context.
type boundFormatTap struct {
	Tap
	formatCtx context.Context
}

func (t boundFormatTap) Format(ctx context.Context) (FrameFormat, error) {
	return t.Tap.Format(t.formatCtx)
}

// onTapEOS handles the tap's end-of-stream after the ingest branch has
// been torn down. An active session is finished early; once it (or
// nothing) is done, the recorder returns to Detached.
func (r *Recorder) onTapEOS() {
	r.mu.Lock()
	r.tapEnded = true
	state := r.state
	sess := r.session
	timer := r.timer
	r.timer = nil
	if state == StateBuffering {
		r.state = StateDetached
	}
	if state == StateStarting || state == StateRecording {
		r.state = StateFinishing
	}
	r.mu.Unlock()

	slog.Info("clip-recorder: tap end-of-stream", "state", state.String())

	// The stream is gone; the look-ahead deadline has nothing left to
	// cut. A deadline that already fired loses the race benignly.
	if timer != nil {
		if err := timer.Cancel(); err != nil && !errors.Is(err, ErrCancelNotWaiting) {
			slog.Error("clip-recorder: cancel debounce on end-of-stream failed", "error", err)
		}
	}

	if sess != nil && (state == StateStarting || state == StateRecording) {
		if err := sess.SendEndOfSegment(); err != nil {
			slog.Error("clip-recorder: end of segment on tap EOS failed", "error", err)
		}
	}
}

// armTimerLocked cancels any armed debounce timer and schedules a new
// one at 2 × WindowSize: frames reaching the ring buffer lag "now" by
// up to one window, so the deadline covers that backward slack plus a
// full forward look-ahead after the last trigger.
//
// Caller must hold r.mu.
func (r *Recorder) armTimerLocked() {
	if r.timer != nil {
		if err := r.timer.Cancel(); err != nil {
			if errors.Is(err, ErrCancelNotWaiting) {
				// Benign: the deadline and this re-arm raced.
				slog.Debug("clip-recorder: debounce cancel raced with deadline")
			} else {
				slog.Error("clip-recorder: debounce cancel failed", "error", err)
			}
		}
	}
	var tm *debounce.Timer
	tm = debounce.After(2*r.cfg.WindowSize, func() { r.onWindowTimeout(tm) })
	r.timer = tm
}

// onWindowTimeout fires when no trigger arrived for a full debounce
// window: the segment's look-ahead is complete. tm identifies the
// deadline that fired, so a stale one that lost the cancel race cannot
// act on (or clear) a freshly re-armed timer.
func (r *Recorder) onWindowTimeout(tm *debounce.Timer) {
	r.mu.Lock()
	if r.timer != tm {
		r.mu.Unlock()
		slog.Debug("clip-recorder: stale window deadline ignored")
		return
	}
	r.timer = nil
	state := r.state
	switch state {
	case StateBuffering, StateDetached:
		// An end-of-stream already closed the session independently.
		r.mu.Unlock()
		slog.Debug("clip-recorder: window timeout after stream already closed")
		return
	case StateFinishing:
		// The segment is already being cut (end-of-stream won the race).
		r.mu.Unlock()
		slog.Debug("clip-recorder: window timeout while segment already finishing")
		return
	case StateRecording:
		r.state = StateFinishing
		sess := r.session
		r.mu.Unlock()
		slog.Debug("clip-recorder: look-ahead window elapsed, finishing segment",
			"location", sess.Location(),
		)
		if err := sess.SendEndOfSegment(); err != nil {
			r.fatal(err)
		}
		return
	default:
		r.mu.Unlock()
		r.fatal(fmt.Errorf("%w: %s on window timeout", ErrUnhandledState, state))
	}
}

// onSessionFirstOutput performs the single Starting → Recording swap
// once the first unit reaches the sink.
func (r *Recorder) onSessionFirstOutput() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateStarting:
		r.state = StateRecording
		if r.session != nil {
			r.activeLocation = r.session.Location()
		}
	case StateFinishing:
		// The stream ended while the branch was still spinning up; the
		// finish path owns the session now.
		slog.Debug("clip-recorder: first output arrived while finishing")
	default:
		r.fatalLocked(fmt.Errorf("%w: %s on first output", ErrUnhandledState, r.state))
	}
}

// onSessionFinished runs after the end marker reached the sink and the
// branch was detached: Finishing → Buffering (or Detached when the tap
// is gone), plus asynchronous delivery of the caller's callback.
func (r *Recorder) onSessionFinished(location string) {
	r.mu.Lock()
	state := r.state
	if state == StateRecording {
		// The branch finished on its own (end marker from upstream).
		state = StateFinishing
		r.state = state
	}
	if state != StateFinishing {
		r.fatalLocked(fmt.Errorf("%w: %s on session finished", ErrUnhandledState, state))
		r.mu.Unlock()
		return
	}

	outcome := SegmentOutcome{
		Location:  location,
		StartedAt: r.segmentStart,
		Runtime:   time.Since(r.segmentStart),
	}
	r.lastOutcome = &outcome
	r.session = nil
	r.activeLocation = ""
	cb := r.onFinished
	r.onFinished = nil
	if r.tapEnded {
		r.state = StateDetached
	} else {
		r.state = StateBuffering
	}
	atomic.AddUint64(&r.segmentsDone, 1)
	r.mu.Unlock()

	slog.Info("clip-recorder: segment finished",
		"location", outcome.Location,
		"runtime", outcome.Runtime,
	)

	if cb != nil {
		go cb(outcome)
	}
}

// onSessionFailure handles drain/teardown failures reported by the
// writer session's goroutines.
func (r *Recorder) onSessionFailure(err error) {
	r.fatal(fmt.Errorf("clip-recorder: writer session: %w", err))
}

// fatal records the first unrecoverable error, shuts the recorder down
// and notifies Config.OnFatal. Continuing after a bind failure or an
// unhandled state would silently corrupt recording guarantees.
func (r *Recorder) fatal(err error) {
	r.mu.Lock()
	already := r.fatalErr != nil
	if !already {
		r.fatalErr = err
	}
	r.mu.Unlock()

	if already {
		return
	}
	r.cancel()
	r.cfg.OnFatal(err)
}

// fatalLocked is fatal for callers already holding r.mu.
func (r *Recorder) fatalLocked(err error) {
	if r.fatalErr != nil {
		return
	}
	r.fatalErr = err
	r.cancel()
	go r.cfg.OnFatal(err)
}

// State returns the current recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a segment is pending, being written or being
// finalized - true whenever the state is not Buffering.
func (r *Recorder) Busy() bool {
	return r.State() != StateBuffering
}

// Err returns the recorder's fatal error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// LastOutcome returns the most recently completed segment, or nil.
func (r *Recorder) LastOutcome() *SegmentOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastOutcome == nil {
		return nil
	}
	outcome := *r.lastOutcome
	return &outcome
}

// Close shuts the recorder down: any active session is finished with an
// end marker, the debounce timer is disarmed and ingest stops.
// Idempotent - safe to call multiple times.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	timer := r.timer
	r.timer = nil
	sess := r.session
	state := r.state
	r.mu.Unlock()

	slog.Info("clip-recorder: closing", "state", state.String())

	if timer != nil {
		if err := timer.Cancel(); err != nil && !errors.Is(err, ErrCancelNotWaiting) {
			slog.Error("clip-recorder: cancel debounce on close failed", "error", err)
		}
	}

	if sess != nil && (state == StateStarting || state == StateRecording) {
		r.mu.Lock()
		r.state = StateFinishing
		r.mu.Unlock()
		if err := sess.SendEndOfSegment(); err != nil {
			slog.Error("clip-recorder: end of segment on close failed", "error", err)
		}
	}

	// Bounded wait for the session to finalize before cutting ingest.
	deadline := time.Now().Add(3 * time.Second)
	for sess != nil && time.Now().Before(deadline) {
		r.mu.Lock()
		done := r.session == nil
		r.mu.Unlock()
		if done {
			break
		}
		time.Sleep(r.cfg.PollInterval)
	}

	r.cancel()
	r.wg.Wait()
	return nil
}
