// Package cliprecorder provides triggered clip recording over live video
// streams with a configurable look-back window.
//
// This module is part of Orion 2.0 and implements Bounded Context "Event
// Clip Capture". It keeps the most recent window of decoded frames in a
// ring buffer so that, when an event trigger arrives, the written clip
// contains what happened BEFORE the trigger as well as after it.
//
// # Quick Start
//
// Bind a recorder to a frame tap and record a clip on demand:
//
//	cfg := cliprecorder.Config{
//	    WindowSize: 2 * time.Second,
//	}
//
//	rec, err := cliprecorder.Bind(ctx, tap, factory, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rec.Close()
//
//	// An event happened: record it. Blocks until the output file
//	// exists, returns its location.
//	location, err := rec.Record(nil)
//	if err != nil {
//	    log.Printf("record failed: %v", err)
//	}
//	log.Printf("recording clip to %s", location)
//
// The gstreamer subpackage provides a Tap and BranchFactory backed by a
// GStreamer pipeline (appsink ingest, vp8/webm file output).
//
// # Timing Semantics
//
// With window size w and a trigger at time t, the resulting clip spans
// approximately [t-w, t+w]:
//
//   - look-back: the ring buffer holds the last w seconds of frames and
//     the writer session drains it from the oldest frame forward
//   - look-ahead: recording continues until no trigger has arrived for
//     a full window after the last one
//
// Triggers closer than 2×w apart coalesce into a single clip; each new
// trigger restarts the look-ahead window. Triggers further apart
// produce separate files.
//
// # Trigger Lifecycle
//
// The recorder is a state machine:
//
//	Detached → Buffering → Starting → Recording → Finishing → Buffering
//
// Triggers in Buffering start a segment. Triggers in Starting/Recording
// coalesce. Triggers in Detached or Finishing are deferred and retried
// until the recorder can honor them (Detached retries give up after
// Config.RetryWindow; a trigger racing a finishing segment is never
// dropped and opens the next segment).
//
// RecordAsync registers a trigger and returns immediately; Record
// additionally waits for the output location with a bounded delay
// (Config.MaxDelay, ErrRecordTimeout on expiry).
//
// # Multiple Streams
//
// Registry tracks one recorder per stream name:
//
//	reg := cliprecorder.NewRegistry()
//	reg.Add("camera-1", rec)
//	r, _ := reg.Get("camera-1")
//	r.RecordAsync(nil)
//
// # Error Handling
//
// Recoverable conditions surface as sentinel errors (ErrRecordTimeout,
// ErrCancelNotWaiting). Unrecoverable conditions (bind failure, an
// unhandled state transition) shut the recorder down and invoke
// Config.OnFatal; Err() reports the cause afterwards.
//
// # Statistics
//
// Stats() snapshots the recorder's counters:
//
//	stats := rec.Stats()
//	fmt.Printf("state: %s\n", stats.State)
//	fmt.Printf("segments: %d\n", stats.SegmentsCompleted)
//	fmt.Printf("ring: %d/%d frames\n", stats.Ring.Length, stats.Ring.Capacity)
package cliprecorder
