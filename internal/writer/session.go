// Package writer implements the session that drains the ring buffer
// into one dynamically created output branch.
//
// This package is INTERNAL - clients MUST use the public API in the
// parent package.
package writer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/ring"
)

// ErrNilBuffer is returned when Bind is handed no ring buffer to drain.
var ErrNilBuffer = errors.New("writer: nil ring buffer")

// Callbacks are the session notification hooks. All fields are
// optional; every callback is invoked from a session goroutine, never
// from the caller of Bind.
type Callbacks struct {
	// OnFirstOutput fires when the first unit reaches the sink - the
	// signal that recording has visibly begun.
	OnFirstOutput func()

	// OnFinished fires after the end marker was observed at the sink and
	// the branch has been detached. The location is final at this point.
	OnFinished func(location string)

	// OnFailure fires when the drain loop or the branch teardown fails.
	// The failing goroutine logs and exits cleanly afterwards.
	OnFailure func(err error)
}

// Session owns one output branch and the drain goroutine feeding it.
// At most one session is bound per recorder at a time; the recorder
// enforces that invariant.
type Session struct {
	branch   media.OutputBranch
	buf      *ring.Buffer
	location string

	// frameDelay paces the drain loop while the buffer is momentarily
	// empty or a frame carries no duration: one nominal frame interval.
	frameDelay time.Duration

	cb Callbacks

	stop      chan struct{}
	stopOnce  sync.Once
	failed    chan struct{}
	drainDone chan struct{}
	wg        sync.WaitGroup

	framesWritten uint64
}

// Bind constructs a fresh output branch through the factory and starts
// the drain goroutine against buf. A factory failure here is a bind
// failure - fatal to the owning recorder.
func Bind(factory media.BranchFactory, location string, buf *ring.Buffer, cb Callbacks) (*Session, error) {
	if buf == nil {
		return nil, ErrNilBuffer
	}

	format := buf.Format()
	branch, err := factory.NewBranch(location, format)
	if err != nil {
		return nil, fmt.Errorf("writer: bind output branch %q: %w", location, err)
	}

	frameDelay := format.FrameInterval()
	if frameDelay <= 0 {
		frameDelay = 33 * time.Millisecond
	}

	s := &Session{
		branch:     branch,
		buf:        buf,
		location:   location,
		frameDelay: frameDelay,
		cb:         cb,
		stop:       make(chan struct{}),
		failed:     make(chan struct{}),
		drainDone:  make(chan struct{}),
	}

	slog.Debug("writer: session bound",
		"location", location,
		"frame_delay", frameDelay,
	)

	s.wg.Add(2)
	go s.drainLoop()
	go s.watchBranch()

	return s, nil
}

// drainLoop is the single consumer of the ring buffer: it pops the
// oldest frame, pushes it into the branch and sleeps for that frame's
// own duration, decoupling drain pace from producer fill rate. On an
// empty buffer it sleeps one nominal frame interval.
func (s *Session) drainLoop() {
	defer s.wg.Done()
	defer close(s.drainDone)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		f, ok := s.buf.PopOldest()
		if !ok {
			s.pace(s.frameDelay)
			continue
		}

		if err := s.branch.Push(f); err != nil {
			// Caught at the goroutine boundary: log, surface, exit clean.
			slog.Error("writer: push to output branch failed",
				"location", s.location,
				"seq", f.Seq,
				"error", err,
			)
			close(s.failed)
			if s.cb.OnFailure != nil {
				s.cb.OnFailure(fmt.Errorf("writer: push frame %d: %w", f.Seq, err))
			}
			return
		}
		atomic.AddUint64(&s.framesWritten, 1)

		delay := f.Duration
		if delay <= 0 {
			delay = s.frameDelay
		}
		s.pace(delay)
	}
}

// pace sleeps for d but wakes early on stop.
func (s *Session) pace(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stop:
	}
}

// watchBranch waits for the branch's own milestones: first output at
// the sink, then completion of the end marker. Branch removal is
// deferred to a fresh goroutine, never performed on the event path that
// detected it.
func (s *Session) watchBranch() {
	defer s.wg.Done()

	firstOutput := s.branch.FirstOutput()
	for {
		select {
		case <-firstOutput:
			firstOutput = nil
			slog.Debug("writer: first unit reached sink", "location", s.location)
			if s.cb.OnFirstOutput != nil {
				s.cb.OnFirstOutput()
			}
		case <-s.branch.Finished():
			s.stopOnce.Do(func() { close(s.stop) })
			go s.finalize()
			return
		case <-s.failed:
			// Drain loop already reported; nothing left to watch.
			return
		}
	}
}

// finalize detaches the finished branch and reports completion.
func (s *Session) finalize() {
	if err := s.branch.Detach(); err != nil {
		slog.Error("writer: detach output branch failed",
			"location", s.location,
			"error", err,
		)
		if s.cb.OnFailure != nil {
			s.cb.OnFailure(fmt.Errorf("writer: detach branch %q: %w", s.location, err))
		}
		return
	}

	slog.Info("writer: session finished",
		"location", s.location,
		"frames_written", atomic.LoadUint64(&s.framesWritten),
	)
	if s.cb.OnFinished != nil {
		s.cb.OnFinished(s.location)
	}
}

// SendEndOfSegment stops the drain loop and pushes the explicit end
// marker through the branch. Frames still cached in the ring buffer at
// this point are intentionally left there: they are the next segment's
// look-back window.
//
// Idempotent; the marker is sent on the first call only.
func (s *Session) SendEndOfSegment() error {
	var first bool
	s.stopOnce.Do(func() {
		first = true
		close(s.stop)
	})
	if !first {
		return nil
	}

	// The marker must follow the last pushed frame.
	<-s.drainDone

	if err := s.branch.SignalEnd(); err != nil {
		return fmt.Errorf("writer: signal end of segment %q: %w", s.location, err)
	}
	slog.Debug("writer: end of segment signalled", "location", s.location)
	return nil
}

// Location returns the output location this session writes to.
func (s *Session) Location() string {
	return s.location
}

// FramesWritten returns how many frames have been pushed into the
// branch so far.
func (s *Session) FramesWritten() uint64 {
	return atomic.LoadUint64(&s.framesWritten)
}
