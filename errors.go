package cliprecorder

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/debounce"
	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/ring"
)

var (
	// ErrRecordTimeout is returned by the synchronous Record call when no
	// output location became visible within MaxDelay. Recoverable - the
	// caller may retry.
	ErrRecordTimeout = errors.New("clip-recorder: record timed out waiting for output")

	// ErrUnhandledState indicates a record trigger or timer event was
	// dispatched against a state with no registered handler. Defensive:
	// this is a bug, and it is fatal.
	ErrUnhandledState = errors.New("clip-recorder: unhandled recorder state")

	// ErrSessionActive indicates an attempt to bind a second writer
	// session while one is already bound. Programming error, fatal.
	ErrSessionActive = errors.New("clip-recorder: writer session already bound")

	// ErrClosed is returned for operations on a closed recorder.
	ErrClosed = errors.New("clip-recorder: recorder closed")
)

// Re-exported internal errors - stable public contract.
var (
	// ErrNoFramerate - the tap's negotiated format carries no framerate;
	// binding fails fatally.
	ErrNoFramerate = ring.ErrNoFramerate

	// ErrCancelNotWaiting - a debounce cancel raced with the deadline.
	// Benign; surfaced so callers can tell it apart from a logic defect.
	ErrCancelNotWaiting = debounce.ErrNotWaiting
)
