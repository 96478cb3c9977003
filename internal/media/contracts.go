package media

import "context"

// Tap is the live stream collaborator supplying frames. The recorder
// never owns the live processing graph; it only attaches to this
// interface boundary.
//
// Implementations must guarantee:
//   - Format() blocks until the output format is negotiated or ctx ends
//   - every delivered frame carries a timestamp and a duration
//   - the frame channel is closed exactly once, on end-of-stream
type Tap interface {
	// Format returns the negotiated output format. Blocks until
	// negotiation completes or ctx is done.
	Format(ctx context.Context) (FrameFormat, error)

	// Frames returns the delivery channel. The tap closes it when its
	// own end-of-stream is reached.
	Frames() <-chan *Frame
}

// OutputBranch is one dynamically attached encode+container+sink chain.
// The writer session pushes frames into it at source pace and finalizes
// it with an explicit end marker; abrupt removal risks a truncated or
// invalid file.
type OutputBranch interface {
	// Push hands one frame to the branch. Returns an error once the
	// branch no longer accepts input (after SignalEnd or teardown).
	Push(*Frame) error

	// SignalEnd pushes the explicit end-of-segment marker through the
	// branch so the encoder/container finalizes correctly.
	SignalEnd() error

	// FirstOutput is closed when the first unit reaches the sink - the
	// signal that recording has visibly begun.
	FirstOutput() <-chan struct{}

	// Finished is closed once the end marker has been observed at the
	// sink and the output is complete on disk.
	Finished() <-chan struct{}

	// Location returns the output location the branch writes to.
	Location() string

	// Detach removes the branch from the live graph and releases its
	// resources. Callers must invoke it off the stream's own delivery
	// path; the writer session defers it to a background goroutine.
	Detach() error
}

// BranchFactory constructs output branches. The concrete
// encode/container/sink selection lives entirely behind this interface;
// the recorder core prescribes no format.
type BranchFactory interface {
	// NewBranch builds a branch writing to location, accepting frames in
	// the given negotiated format, and attaches it live.
	NewBranch(location string, format FrameFormat) (OutputBranch, error)
}
