package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
)

// TapConfig configures how the tap attaches to a pipeline.
type TapConfig struct {
	// TeeName is the name of the tee element to branch from.
	TeeName string
	// Caps constrains the sampled format. Defaults to raw I420 video,
	// which vp8enc accepts without conversion.
	Caps string
	// ChannelDepth is the frame channel's buffer size. Defaults to 32.
	// Frames are dropped (and counted) when the consumer lags behind.
	ChannelDepth int
}

func (c TapConfig) withDefaults() TapConfig {
	if c.Caps == "" {
		c.Caps = "video/x-raw,format=I420"
	}
	if c.ChannelDepth <= 0 {
		c.ChannelDepth = 32
	}
	return c
}

// Tap branches frames out of a live pipeline through an appsink.
//
// Attach adds the sampling chain (queue → capsfilter → appsink) to the
// pipeline and links it to the configured tee. Frames() delivers every
// sampled frame with its pipeline timestamps; the channel closes once
// the stream signals end-of-stream.
type Tap struct {
	pipeline *gst.Pipeline
	cfg      TapConfig

	queue      *gst.Element
	capsfilter *gst.Element
	appsink    *app.Sink

	frames    chan *media.Frame
	closeOnce sync.Once

	seq     uint64
	dropped uint64
}

// NewTap creates a tap and attaches it to pipeline's tee.
func NewTap(pipeline *gst.Pipeline, cfg TapConfig) (*Tap, error) {
	gst.Init(nil)

	if pipeline == nil {
		return nil, fmt.Errorf("gstreamer: pipeline is required")
	}
	if cfg.TeeName == "" {
		return nil, fmt.Errorf("gstreamer: tee name is required")
	}
	cfg = cfg.withDefaults()

	t := &Tap{
		pipeline: pipeline,
		cfg:      cfg,
		frames:   make(chan *media.Frame, cfg.ChannelDepth),
	}
	if err := t.attach(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tap) attach() (err error) {
	tee, err := t.pipeline.GetElementByName(t.cfg.TeeName)
	if err != nil {
		return fmt.Errorf("gstreamer: tee %q not found: %w", t.cfg.TeeName, err)
	}

	t.queue, err = gst.NewElement("queue")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create queue: %w", err)
	}

	t.capsfilter, err = gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create capsfilter: %w", err)
	}
	t.capsfilter.SetProperty("caps", gst.NewCapsFromString(t.cfg.Caps))

	t.appsink, err = app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create appsink: %w", err)
	}
	t.appsink.SetProperty("sync", false)
	t.appsink.SetProperty("async", false)

	t.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: t.onNewSample,
		EOSFunc: func(sink *app.Sink) {
			t.onEOS()
		},
	})

	if err := t.pipeline.AddMany(t.queue, t.capsfilter, t.appsink.Element); err != nil {
		return fmt.Errorf("gstreamer: failed to add tap elements: %w", err)
	}
	if err := gst.ElementLinkMany(tee, t.queue, t.capsfilter, t.appsink.Element); err != nil {
		return fmt.Errorf("gstreamer: failed to link tap chain: %w", err)
	}

	// Match the running pipeline's state so frames flow immediately.
	t.queue.SyncStateWithParent()
	t.capsfilter.SyncStateWithParent()
	t.appsink.Element.SyncStateWithParent()

	slog.Debug("gstreamer: tap attached", "tee", t.cfg.TeeName, "caps", t.cfg.Caps)
	return nil
}

// onNewSample copies the sample out of GStreamer's buffer and hands it
// to the frame channel, dropping under backpressure.
func (t *Tap) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstreamer: empty buffer received")
		return gst.FlowOK
	}

	// Copy: GStreamer reuses the buffer after the callback returns.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &media.Frame{
		Data:     frameData,
		PTS:      buffer.PresentationTimestamp(),
		Duration: buffer.Duration(),
		Seq:      atomic.AddUint64(&t.seq, 1),
	}

	select {
	case t.frames <- frame:
	default:
		atomic.AddUint64(&t.dropped, 1)
		slog.Debug("gstreamer: frame channel full, dropping", "seq", frame.Seq)
	}
	return gst.FlowOK
}

// onEOS tears the tap down off the streaming thread: removing pipeline
// elements from inside their own data callbacks deadlocks GStreamer.
func (t *Tap) onEOS() {
	t.closeOnce.Do(func() {
		slog.Info("gstreamer: tap reached end-of-stream", "dropped", atomic.LoadUint64(&t.dropped))
		go func() {
			t.teardown()
			close(t.frames)
		}()
	})
}

func (t *Tap) teardown() {
	for _, e := range []*gst.Element{t.queue, t.capsfilter, t.appsink.Element} {
		e.SetState(gst.StateNull)
		if err := t.pipeline.Remove(e); err != nil {
			slog.Warn("gstreamer: failed to remove tap element", "error", err)
		}
	}
}

// Frames returns the frame channel. Closed after end-of-stream.
func (t *Tap) Frames() <-chan *media.Frame {
	return t.frames
}

// Dropped returns the lifetime count of frames dropped under
// backpressure.
func (t *Tap) Dropped() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

// Format blocks until the appsink's caps are negotiated and returns the
// stream format, including the parsed framerate.
func (t *Tap) Format(ctx context.Context) (media.FrameFormat, error) {
	pad := t.appsink.Element.GetStaticPad("sink")
	if pad == nil {
		return media.FrameFormat{}, fmt.Errorf("gstreamer: appsink has no sink pad")
	}

	for {
		caps := pad.GetCurrentCaps()
		if caps != nil && caps.GetSize() > 0 {
			return parseFormat(caps)
		}

		select {
		case <-ctx.Done():
			return media.FrameFormat{}, fmt.Errorf("gstreamer: caps not negotiated: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func parseFormat(caps *gst.Caps) (media.FrameFormat, error) {
	format := media.FrameFormat{Caps: caps.String()}

	structure := caps.GetStructureAt(0)
	if structure == nil {
		return format, nil
	}

	val, err := structure.GetValue("framerate")
	if err != nil {
		slog.Debug("gstreamer: caps carry no framerate", "caps", format.Caps)
		return format, nil
	}

	// The framerate value is a GstFraction; its string form is "N/D".
	framerate, err := parseFraction(fmt.Sprintf("%v", val))
	if err != nil {
		return format, fmt.Errorf("gstreamer: bad framerate in caps %q: %w", format.Caps, err)
	}
	format.Framerate = framerate
	return format, nil
}

func parseFraction(s string) (float64, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		den = "1"
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("zero denominator")
	}
	return n / d, nil
}
