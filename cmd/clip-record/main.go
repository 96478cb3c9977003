package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"

	cliprecorder "github.com/e7canasta/orion-care-sensor/modules/clip-recorder"
	"github.com/e7canasta/orion-care-sensor/modules/clip-recorder/gstreamer"
)

const version = "v0.1.0"

const defaultPipeline = "videotestsrc is-live=true pattern=ball ! " +
	"video/x-raw,format=I420,width=640,height=480,framerate=30/1 ! " +
	"tee name=t ! queue ! fakesink sync=true"

func main() {
	pipelineDesc := flag.String("pipeline", defaultPipeline, "GStreamer launch description (must contain a tee)")
	teeName := flag.String("tee", "t", "Name of the tee element to record from")
	window := flag.Duration("window", 2*time.Second, "Look-back/look-ahead window size")
	outputDir := flag.String("output", ".", "Directory for recorded clips")
	clips := flag.Int("clips", 1, "Number of clips to record")
	interval := flag.Duration("interval", 10*time.Second, "Delay between triggers")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clip-record %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(*pipelineDesc)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	tap, err := gstreamer.NewTap(pipeline, gstreamer.TapConfig{TeeName: *teeName})
	if err != nil {
		log.Fatalf("Failed to attach tap: %v", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer pipeline.SetState(gst.StateNull)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := *outputDir
	rec, err := cliprecorder.Bind(ctx, tap, gstreamer.NewFileBranchFactory(gstreamer.BranchConfig{}), cliprecorder.Config{
		WindowSize: *window,
		FilenameGenerator: func() string {
			return filepath.Join(dir, fmt.Sprintf("clip-%s.webm", uuid.New().String()))
		},
	})
	if err != nil {
		log.Fatalf("Failed to bind recorder: %v", err)
	}
	defer rec.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("Recorder ready",
		"window", *window,
		"clips", *clips,
		"output", dir,
	)

	// Let the look-back window fill before the first trigger.
	select {
	case <-time.After(*window):
	case <-sigChan:
		return
	}

	done := make(chan struct{}, *clips)
	remaining := *clips
	for remaining > 0 {
		location, err := rec.Record(func(outcome cliprecorder.SegmentOutcome) {
			slog.Info("Clip finished",
				"location", outcome.Location,
				"runtime", outcome.Runtime,
			)
			done <- struct{}{}
		})
		if err != nil {
			slog.Error("Trigger failed", "error", err)
		} else {
			slog.Info("Recording clip", "location", location)
		}
		remaining--

		if remaining == 0 {
			break
		}
		select {
		case <-time.After(*interval):
		case <-sigChan:
			slog.Info("Interrupted, shutting down")
			return
		}
	}

	// Wait for the final clip (trigger + look-ahead + finalize).
	select {
	case <-done:
	case <-sigChan:
		slog.Info("Interrupted, shutting down")
	case <-time.After(3 * *window):
		slog.Warn("Timed out waiting for final clip")
	}

	stats := rec.Stats()
	slog.Info("Session summary",
		"segments", stats.SegmentsCompleted,
		"frames_buffered", stats.Ring.Pushed,
		"frames_evicted", stats.Ring.Evicted,
	)
}
