package cliprecorder

import (
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/ring"
)

// RecorderStats is a point-in-time snapshot of a recorder's counters.
type RecorderStats struct {
	State             State
	SegmentsCompleted uint64
	SessionActive     bool
	SessionFrames     uint64
	Ring              ring.Stats
}

// Stats snapshots the recorder. Counters are monotonic; the ring stats
// are zero until the tap's format negotiation completes.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	stats := RecorderStats{
		State:             r.state,
		SegmentsCompleted: atomic.LoadUint64(&r.segmentsDone),
		SessionActive:     r.session != nil,
	}
	if r.session != nil {
		stats.SessionFrames = r.session.FramesWritten()
	}
	buf := r.buf
	r.mu.Unlock()

	if buf != nil {
		stats.Ring = buf.Stats()
	}
	return stats
}
