// Package ring implements the bounded, time-windowed frame cache between
// the live tap and the writer session.
//
// This package is INTERNAL - clients MUST use the public API in the
// parent package.
package ring

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
)

// Buffer is a bounded FIFO of frames with ring semantics: inserting past
// capacity evicts the oldest frame. Capacity is fixed at bind time and
// never changes afterwards.
//
// Concurrency model: single producer (the ingest loop on the tap's
// delivery channel) and single consumer (a writer session's drain
// goroutine). Both operations are O(1) and hold the mutex only for a
// handful of pointer moves, so the producer never blocks behind the
// consumer in any meaningful way.
type Buffer struct {
	mu     sync.Mutex
	frames []*media.Frame
	head   int // index of the oldest frame
	length int

	capacity int
	format   media.FrameFormat

	// Counters (atomic - Stats reads them without the mutex)
	pushed  uint64
	evicted uint64
	popped  uint64
}

// Stats is a snapshot of buffer activity.
type Stats struct {
	// Capacity is the fixed frame capacity computed at bind time.
	Capacity int
	// Length is the number of frames currently cached.
	Length int
	// Pushed is the lifetime count of frames appended.
	Pushed uint64
	// Evicted is the lifetime count of oldest frames dropped to make room.
	Evicted uint64
	// Popped is the lifetime count of frames drained by writer sessions.
	Popped uint64
}

// Capacity computes the frame capacity for a look-back window at the
// given framerate: ceil(window_seconds × framerate).
func Capacity(window time.Duration, framerate float64) int {
	return int(math.Ceil(window.Seconds() * framerate))
}

func newBuffer(capacity int, format media.FrameFormat) *Buffer {
	return &Buffer{
		frames:   make([]*media.Frame, capacity),
		capacity: capacity,
		format:   format,
	}
}

// Push appends a frame, evicting the oldest one when the buffer is full.
// Never blocks and never allocates.
func (b *Buffer) Push(f *media.Frame) {
	b.mu.Lock()
	if b.length == b.capacity {
		// Ring semantics: the oldest frame makes room.
		b.frames[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.length--
		atomic.AddUint64(&b.evicted, 1)
	}
	b.frames[(b.head+b.length)%b.capacity] = f
	b.length++
	b.mu.Unlock()
	atomic.AddUint64(&b.pushed, 1)
}

// PopOldest removes and returns the oldest frame, or (nil, false) when
// the buffer is momentarily empty.
func (b *Buffer) PopOldest() (*media.Frame, bool) {
	b.mu.Lock()
	if b.length == 0 {
		b.mu.Unlock()
		return nil, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % b.capacity
	b.length--
	b.mu.Unlock()
	atomic.AddUint64(&b.popped, 1)
	return f, true
}

// Len returns the number of frames currently cached.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Capacity returns the fixed frame capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Format returns the negotiated format captured at bind time.
func (b *Buffer) Format() media.FrameFormat {
	return b.format
}

// Stats returns a snapshot of buffer activity.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	length := b.length
	b.mu.Unlock()
	return Stats{
		Capacity: b.capacity,
		Length:   length,
		Pushed:   atomic.LoadUint64(&b.pushed),
		Evicted:  atomic.LoadUint64(&b.evicted),
		Popped:   atomic.LoadUint64(&b.popped),
	}
}
