package ring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
)

var (
	// ErrNoFramerate is returned when the tap's negotiated format does
	// not carry a usable framerate. Without a frame clock, time-windowing
	// is undefined, so binding fails.
	ErrNoFramerate = errors.New("ring: tap format carries no framerate")

	// ErrWindowSize is returned for a non-positive window.
	ErrWindowSize = errors.New("ring: window size must be positive")
)

// Callbacks are the bind-time notification hooks. All fields are
// optional.
type Callbacks struct {
	// OnBound fires once the capacity has been computed from the
	// negotiated framerate and ingest has started.
	OnBound func(capacity int, framerate float64)

	// OnEOS fires after the tap signalled end-of-stream and the ingest
	// branch has been torn down. Invoked from a background goroutine,
	// never from the delivery path.
	OnEOS func()
}

// Bind attaches an ingest branch to the live tap: it reads the
// negotiated format (bounded by ctx), computes the capacity
// ceil(window × framerate), and starts the ingest loop on the tap's
// delivery channel.
//
// Fails when the format cannot be determined or carries no framerate;
// both are fatal to the caller per the recorder's error policy.
func Bind(ctx context.Context, tap media.Tap, window time.Duration, cb Callbacks) (*Buffer, error) {
	if window <= 0 {
		return nil, ErrWindowSize
	}

	format, err := tap.Format(ctx)
	if err != nil {
		return nil, fmt.Errorf("ring: determine tap format: %w", err)
	}
	if !format.FramerateKnown() {
		return nil, ErrNoFramerate
	}

	capacity := Capacity(window, format.Framerate)
	b := newBuffer(capacity, format)

	slog.Debug("ring: bound to tap",
		"capacity", capacity,
		"framerate", format.Framerate,
		"window", window,
	)
	if cb.OnBound != nil {
		cb.OnBound(capacity, format.Framerate)
	}

	go b.ingest(ctx, tap.Frames(), cb.OnEOS)

	return b, nil
}

// ingest is the single producer: it appends every delivered frame until
// the tap closes its channel or ctx is cancelled. Teardown work on
// end-of-stream is handed to a fresh goroutine so the delivery path is
// never blocked behind it.
func (b *Buffer) ingest(ctx context.Context, frames <-chan *media.Frame, onEOS func()) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("ring: ingest stopped", "reason", ctx.Err())
			return
		case f, ok := <-frames:
			if !ok {
				slog.Info("ring: tap end-of-stream, tearing down ingest",
					"stats", b.Stats(),
				)
				go func() {
					b.clear()
					if onEOS != nil {
						onEOS()
					}
				}()
				return
			}
			b.Push(f)
		}
	}
}

// clear drops all cached frames. Only called from the deferred
// end-of-stream teardown.
func (b *Buffer) clear() {
	b.mu.Lock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.length = 0
	b.mu.Unlock()
}
