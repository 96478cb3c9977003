package gstreamer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/internal/media"
)

// BranchConfig configures segment output pipelines.
type BranchConfig struct {
	// EncoderDeadline is vp8enc's per-frame time budget in
	// microseconds. 1 selects the fastest (realtime) mode. Defaults
	// to 1.
	EncoderDeadline int
}

func (c BranchConfig) withDefaults() BranchConfig {
	if c.EncoderDeadline <= 0 {
		c.EncoderDeadline = 1
	}
	return c
}

// FileBranchFactory creates one standalone output pipeline per segment:
//
//	appsrc → vp8enc → webmmux → filesink
type FileBranchFactory struct {
	cfg BranchConfig
}

// NewFileBranchFactory creates a factory for WebM file branches.
func NewFileBranchFactory(cfg BranchConfig) *FileBranchFactory {
	gst.Init(nil)
	return &FileBranchFactory{cfg: cfg.withDefaults()}
}

// NewBranch builds and starts an output pipeline writing to location.
func (f *FileBranchFactory) NewBranch(location string, format media.FrameFormat) (media.OutputBranch, error) {
	b := &fileBranch{
		location:    location,
		firstOutput: make(chan struct{}),
		finished:    make(chan struct{}),
		busDone:     make(chan struct{}),
	}
	if err := b.build(f.cfg, format); err != nil {
		return nil, err
	}
	return b, nil
}

type fileBranch struct {
	location string

	pipeline *gst.Pipeline
	appsrc   *app.Source

	firstOutput chan struct{}
	firstOnce   sync.Once
	finished    chan struct{}
	finishOnce  sync.Once
	busDone     chan struct{}

	detached atomic.Bool
}

func (b *fileBranch) build(cfg BranchConfig, format media.FrameFormat) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create output pipeline: %w", err)
	}
	b.pipeline = pipeline

	srcElem, err := gst.NewElement("appsrc")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create appsrc: %w", err)
	}
	b.appsrc = app.SrcFromElement(srcElem)
	b.appsrc.SetProperty("is-live", true)
	b.appsrc.SetProperty("format", 3) // GST_FORMAT_TIME
	b.appsrc.SetProperty("do-timestamp", true)
	if format.Caps != "" {
		b.appsrc.SetProperty("caps", gst.NewCapsFromString(format.Caps))
	}

	encoder, err := gst.NewElement("vp8enc")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create vp8enc: %w", err)
	}
	encoder.SetProperty("deadline", cfg.EncoderDeadline)

	muxer, err := gst.NewElement("webmmux")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create webmmux: %w", err)
	}

	filesink, err := gst.NewElement("filesink")
	if err != nil {
		return fmt.Errorf("gstreamer: failed to create filesink: %w", err)
	}
	filesink.SetProperty("location", b.location)

	if err := pipeline.AddMany(srcElem, encoder, muxer, filesink); err != nil {
		return fmt.Errorf("gstreamer: failed to add output elements: %w", err)
	}
	if err := gst.ElementLinkMany(srcElem, encoder, muxer, filesink); err != nil {
		return fmt.Errorf("gstreamer: failed to link output chain: %w", err)
	}

	// First muxed buffer reaching the sink means the file exists on
	// disk with real content.
	sinkPad := filesink.GetStaticPad("sink")
	if sinkPad == nil {
		return fmt.Errorf("gstreamer: filesink has no sink pad")
	}
	sinkPad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		b.firstOnce.Do(func() {
			slog.Debug("gstreamer: first output buffer written", "location", b.location)
			close(b.firstOutput)
		})
		return gst.PadProbeOK
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: failed to start output pipeline: %w", err)
	}

	go b.watchBus()

	slog.Debug("gstreamer: output branch started", "location", b.location)
	return nil
}

// watchBus drains the output pipeline's bus until end-of-stream, which
// means the muxer finalized the file.
func (b *fileBranch) watchBus() {
	defer close(b.busDone)

	bus := b.pipeline.GetPipelineBus()
	for {
		if b.detached.Load() {
			return
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			b.finishOnce.Do(func() {
				slog.Debug("gstreamer: output branch finalized", "location", b.location)
				close(b.finished)
			})
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstreamer: output pipeline error",
				"location", b.location,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return
		}
	}
}

// Push feeds one frame into the encoder, preserving its pipeline
// timestamps.
func (b *fileBranch) Push(frame *media.Frame) error {
	if b.detached.Load() {
		return fmt.Errorf("gstreamer: push on detached branch")
	}

	buffer := gst.NewBufferFromBytes(frame.Data)
	if buffer == nil {
		return fmt.Errorf("gstreamer: failed to allocate buffer for frame %d", frame.Seq)
	}

	if ret := b.appsrc.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("gstreamer: push frame %d: flow %v", frame.Seq, ret)
	}
	return nil
}

// SignalEnd sends end-of-stream into the encoder so the muxer writes
// the file's closing metadata.
func (b *fileBranch) SignalEnd() error {
	if ret := b.appsrc.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("gstreamer: end stream: flow %v", ret)
	}
	return nil
}

func (b *fileBranch) FirstOutput() <-chan struct{} { return b.firstOutput }

func (b *fileBranch) Finished() <-chan struct{} { return b.finished }

func (b *fileBranch) Location() string { return b.location }

// Detach stops and releases the output pipeline. Call only after
// Finished to avoid truncating the file.
func (b *fileBranch) Detach() error {
	if !b.detached.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: failed to stop output pipeline: %w", err)
	}

	select {
	case <-b.busDone:
	case <-time.After(time.Second):
		slog.Warn("gstreamer: bus watcher did not stop in time", "location", b.location)
	}

	slog.Debug("gstreamer: output branch detached", "location", b.location)
	return nil
}
