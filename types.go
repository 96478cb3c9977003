package cliprecorder

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
)

// Frame is re-exported from the internal media package.
// See internal/media/frame.go for full documentation.
type Frame = media.Frame

// FrameFormat is re-exported from the internal media package.
// See internal/media/frame.go for full documentation.
type FrameFormat = media.FrameFormat

// Tap is the live stream collaborator supplying frames and a negotiated
// framerate. See internal/media/contracts.go for the full contract.
type Tap = media.Tap

// OutputBranch is one dynamically attached encode+container+sink chain.
// See internal/media/contracts.go for the full contract.
type OutputBranch = media.OutputBranch

// BranchFactory constructs output branches for writer sessions.
// See internal/media/contracts.go for the full contract.
type BranchFactory = media.BranchFactory

// State is the recorder's exclusive state. States are never combined;
// every transition is a single atomic swap under the recorder's mutex.
type State int

const (
	// StateDetached - the ring buffer is not bound to the tap yet (or the
	// tap ended). Record triggers are deferred.
	StateDetached State = iota
	// StateBuffering - the ring buffer is filling; no segment is being
	// written. The only state in which the recorder is not busy.
	StateBuffering
	// StateStarting - a writer session is bound but its first unit has
	// not reached the sink yet.
	StateStarting
	// StateRecording - the writer session is draining frames into the
	// output branch.
	StateRecording
	// StateFinishing - the end marker was sent; the output branch is
	// tearing down.
	StateFinishing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateBuffering:
		return "buffering"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateFinishing:
		return "finishing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SegmentOutcome describes one completed segment. It is handed to the
// caller's completion callback exactly once per writer session.
type SegmentOutcome struct {
	// Location is where the finished segment was written.
	Location string
	// StartedAt is the instant the triggering record call was accepted.
	StartedAt time.Time
	// Runtime is the wall-clock time the session took from trigger to
	// finished file.
	Runtime time.Duration
}

// SegmentCallback receives the outcome of one finished segment. Always
// invoked asynchronously, never on the caller's record goroutine.
type SegmentCallback func(SegmentOutcome)

// Config tunes a Recorder. Only WindowSize is required.
type Config struct {
	// WindowSize is the look-back/look-ahead window. Together with the
	// tap's framerate it fixes the ring buffer capacity, and doubled it
	// sets the debounce deadline.
	WindowSize time.Duration

	// MaxDelay bounds the synchronous Record call: how long to wait for
	// the first unit to reach the sink before giving up with
	// ErrRecordTimeout. Default 100ms.
	MaxDelay time.Duration

	// PollInterval is the synchronous Record poll period. Default 1ms.
	PollInterval time.Duration

	// RetryDelay is the reschedule delay for triggers that arrive while
	// detached or finishing. Default 10ms.
	RetryDelay time.Duration

	// RetryWindow bounds how long a trigger received while detached
	// keeps being rescheduled. Default 5s.
	RetryWindow time.Duration

	// BindTimeout bounds how long the recorder waits for the tap's
	// format negotiation. Default 1s.
	BindTimeout time.Duration

	// FilenameGenerator produces a fresh output location per segment.
	// Default: "clip-<uuid>.webm".
	FilenameGenerator func() string

	// OnFatal is invoked once for an unrecoverable failure (bind
	// failure, unhandled state) after the recorder has shut itself down.
	// The default only logs; embedders that prefer a fail-hard policy
	// can abort the process here.
	OnFatal func(error)
}

func (c Config) withDefaults() Config {
	if c.MaxDelay <= 0 {
		c.MaxDelay = 100 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = 5 * time.Second
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = time.Second
	}
	if c.FilenameGenerator == nil {
		c.FilenameGenerator = func() string {
			return fmt.Sprintf("clip-%s.webm", uuid.New().String())
		}
	}
	if c.OnFatal == nil {
		c.OnFatal = func(err error) {
			slog.Error("clip-recorder: fatal", "error", err)
		}
	}
	return c
}
