// Package media defines the leaf value types and collaborator contracts
// shared by the ring buffer, the writer session and the recorder.
//
// This package is INTERNAL - clients MUST use the public API in the parent
// package, which re-exports these types as aliases.
package media

import "time"

// Frame is one buffered media unit flowing from the tap into the ring
// buffer and, while a segment is being written, from the ring buffer into
// an output branch.
//
// Ownership is shared: the tap, the ring buffer and a draining writer
// session may all hold the same *Frame. None of them may mutate Data
// after delivery; the garbage collector reclaims the frame once the last
// holder drops it.
type Frame struct {
	// Data contains the raw encoded or raw-video payload.
	// MUST NOT be modified after delivery (shared by reference).
	Data []byte

	// PTS is the presentation timestamp relative to stream start.
	PTS time.Duration

	// Duration is how long this frame is presented. The writer session
	// paces its drain loop by this value; zero means unknown and the
	// session falls back to its default delay.
	Duration time.Duration

	// Seq is a monotonic sequence number assigned by the tap.
	Seq uint64
}

// FrameFormat is the tap's negotiated output format. The framerate is
// read exactly once, at bind time: without a frame clock, time-windowing
// is undefined.
type FrameFormat struct {
	// Caps describes the negotiated format, in whatever notation the
	// tap's backend uses (e.g. a GStreamer caps string). Passed verbatim
	// to the branch factory so the output branch can accept the tap's
	// frames without renegotiation.
	Caps string

	// Framerate in frames per second. <= 0 means the tap could not
	// determine it, which makes binding fail.
	Framerate float64
}

// FramerateKnown reports whether the negotiated format carries a usable
// frame clock.
func (f FrameFormat) FramerateKnown() bool {
	return f.Framerate > 0
}

// FrameInterval returns the nominal duration of one frame, or zero when
// the framerate is unknown.
func (f FrameFormat) FrameInterval() time.Duration {
	if !f.FramerateKnown() {
		return 0
	}
	return time.Duration(float64(time.Second) / f.Framerate)
}
