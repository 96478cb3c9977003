package cliprecorder_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cliprecorder "github.com/e7canasta/orion-care-sensor/modules/clip-recorder"
)

// fakeTap is a scripted frame source: Format answers after an optional
// delay and a pump goroutine produces frames at a fixed cadence.
type fakeTap struct {
	framerate   float64
	formatDelay time.Duration
	frames      chan *cliprecorder.Frame

	pumpStop chan struct{}
	pumpDone chan struct{}
	pumping  bool
	pumpOnce sync.Once
	seq      uint64
}

func newFakeTap(framerate float64) *fakeTap {
	return &fakeTap{
		framerate: framerate,
		frames:    make(chan *cliprecorder.Frame, 256),
		pumpStop:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

func (f *fakeTap) Format(ctx context.Context) (cliprecorder.FrameFormat, error) {
	if f.formatDelay > 0 {
		select {
		case <-time.After(f.formatDelay):
		case <-ctx.Done():
			return cliprecorder.FrameFormat{}, ctx.Err()
		}
	}
	return cliprecorder.FrameFormat{Caps: "video/x-raw", Framerate: f.framerate}, nil
}

func (f *fakeTap) Frames() <-chan *cliprecorder.Frame {
	return f.frames
}

// pump produces frames every interval until stopPump or endStream.
func (f *fakeTap) pump(interval time.Duration) {
	f.pumping = true
	go func() {
		defer close(f.pumpDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.pumpStop:
				return
			case <-ticker.C:
				frame := &cliprecorder.Frame{
					Seq:      atomic.AddUint64(&f.seq, 1),
					Duration: time.Millisecond,
				}
				select {
				case f.frames <- frame:
				default:
				}
			}
		}
	}()
}

func (f *fakeTap) endStream() {
	f.pumpOnce.Do(func() {
		close(f.pumpStop)
		if f.pumping {
			<-f.pumpDone
		}
		close(f.frames)
	})
}

func (f *fakeTap) stopPump() {
	f.pumpOnce.Do(func() { close(f.pumpStop) })
}

// fakeBranch mimics a file sink: the first pushed frame opens the
// output, SignalEnd finalizes it after finishDelay.
type fakeBranch struct {
	location         string
	finishDelay      time.Duration
	stallFirstOutput bool

	mu     sync.Mutex
	pushed int

	firstOutput chan struct{}
	firstOnce   sync.Once
	finished    chan struct{}
	finishOnce  sync.Once
}

func (b *fakeBranch) Push(f *cliprecorder.Frame) error {
	b.mu.Lock()
	b.pushed++
	b.mu.Unlock()
	if !b.stallFirstOutput {
		b.firstOnce.Do(func() { close(b.firstOutput) })
	}
	return nil
}

func (b *fakeBranch) SignalEnd() error {
	b.finishOnce.Do(func() {
		delay := b.finishDelay
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			close(b.finished)
		}()
	})
	return nil
}

func (b *fakeBranch) FirstOutput() <-chan struct{} { return b.firstOutput }
func (b *fakeBranch) Finished() <-chan struct{}    { return b.finished }
func (b *fakeBranch) Location() string             { return b.location }
func (b *fakeBranch) Detach() error                { return nil }

func (b *fakeBranch) pushedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

type fakeFactory struct {
	finishDelay      time.Duration
	stallFirstOutput bool

	mu       sync.Mutex
	branches []*fakeBranch
}

func (f *fakeFactory) NewBranch(location string, format cliprecorder.FrameFormat) (cliprecorder.OutputBranch, error) {
	b := &fakeBranch{
		location:         location,
		finishDelay:      f.finishDelay,
		stallFirstOutput: f.stallFirstOutput,
		firstOutput:      make(chan struct{}),
		finished:         make(chan struct{}),
	}
	f.mu.Lock()
	f.branches = append(f.branches, b)
	f.mu.Unlock()
	return b, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.branches)
}

func testConfig(window time.Duration) cliprecorder.Config {
	n := 0
	return cliprecorder.Config{
		WindowSize: window,
		FilenameGenerator: func() string {
			n++
			return fmt.Sprintf("clip-%d.webm", n)
		},
	}
}

// TestBind_FailFast tests constructor validation.
func TestBind_FailFast(t *testing.T) {
	tap := newFakeTap(30)
	factory := &fakeFactory{}

	tests := []struct {
		name    string
		tap     cliprecorder.Tap
		factory cliprecorder.BranchFactory
		window  time.Duration
		wantErr bool
	}{
		{"valid", tap, factory, time.Second, false},
		{"nil tap", nil, factory, time.Second, true},
		{"nil factory", tap, nil, time.Second, true},
		{"zero window", tap, factory, 0, true},
		{"negative window", tap, factory, -time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := cliprecorder.Bind(context.Background(), tt.tap, tt.factory, cliprecorder.Config{
				WindowSize: tt.window,
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Bind() error = %v, wantErr %v", err, tt.wantErr)
			}
			if rec != nil {
				rec.Close()
			}
		})
	}
}

// TestRecorder_SingleTrigger tests the basic clip lifecycle: buffer,
// trigger, record through the look-ahead window, finalize.
func TestRecorder_SingleTrigger(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	// Let the look-back window fill.
	time.Sleep(100 * time.Millisecond)

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	location, err := rec.Record(func(outcome cliprecorder.SegmentOutcome) {
		finished <- outcome
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if location != "clip-1.webm" {
		t.Errorf("Record() location = %q, want clip-1.webm", location)
	}
	if !rec.Busy() {
		t.Error("Busy() = false during recording")
	}

	select {
	case outcome := <-finished:
		if outcome.Location != "clip-1.webm" {
			t.Errorf("outcome.Location = %q, want clip-1.webm", outcome.Location)
		}
		if outcome.Runtime <= 0 {
			t.Errorf("outcome.Runtime = %v, want > 0", outcome.Runtime)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("segment did not finish within 2s")
	}

	waitForState(t, rec, cliprecorder.StateBuffering)

	if factory.count() != 1 {
		t.Errorf("branches created = %d, want 1", factory.count())
	}
	if n := factory.branches[0].pushedCount(); n == 0 {
		t.Error("no frames reached the output branch")
	}

	stats := rec.Stats()
	if stats.SegmentsCompleted != 1 {
		t.Errorf("SegmentsCompleted = %d, want 1", stats.SegmentsCompleted)
	}
	t.Logf("✓ clip recorded: frames=%d runtime_stats=%+v", factory.branches[0].pushedCount(), stats)
}

// TestRecorder_TriggersCoalesce tests that triggers closer than the
// debounce window merge into one clip.
func TestRecorder_TriggersCoalesce(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(80*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 2)
	cb := func(outcome cliprecorder.SegmentOutcome) { finished <- outcome }

	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("first RecordAsync() error = %v", err)
	}
	// Within the debounce window of the first: must coalesce.
	time.Sleep(40 * time.Millisecond)
	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("second RecordAsync() error = %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("segment did not finish within 2s")
	}

	select {
	case outcome := <-finished:
		t.Fatalf("coalesced triggers produced a second segment: %+v", outcome)
	case <-time.After(300 * time.Millisecond):
	}

	if factory.count() != 1 {
		t.Errorf("branches created = %d, want 1 (coalesced)", factory.count())
	}
}

// TestRecorder_SeparateSegments tests that triggers further apart than
// the debounce window produce distinct clips.
func TestRecorder_SeparateSegments(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 2)
	cb := func(outcome cliprecorder.SegmentOutcome) { finished <- outcome }

	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("first RecordAsync() error = %v", err)
	}

	// Wait out the first segment entirely before triggering again.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("first segment did not finish within 2s")
	}
	waitForState(t, rec, cliprecorder.StateBuffering)

	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("second RecordAsync() error = %v", err)
	}
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("second segment did not finish within 2s")
	}

	if factory.count() != 2 {
		t.Fatalf("branches created = %d, want 2", factory.count())
	}
	if factory.branches[0].Location() == factory.branches[1].Location() {
		t.Errorf("both segments wrote to %q, want distinct locations", factory.branches[0].Location())
	}
}

// TestRecorder_TriggerWhileFinishing tests that a trigger racing a
// closing segment is deferred, not dropped: it opens the next clip.
func TestRecorder_TriggerWhileFinishing(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{finishDelay: 80 * time.Millisecond}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 2)
	cb := func(outcome cliprecorder.SegmentOutcome) { finished <- outcome }

	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("first RecordAsync() error = %v", err)
	}

	// The debounce deadline is 100ms; the branch takes another 80ms to
	// finalize. Land a trigger inside that finalization gap.
	waitForState(t, rec, cliprecorder.StateFinishing)
	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("RecordAsync() while finishing error = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("segment %d did not finish within 2s", i+1)
		}
	}

	if factory.count() != 2 {
		t.Errorf("branches created = %d, want 2 (deferred trigger honored)", factory.count())
	}
}

// TestRecorder_DeferredTriggerWhileDetached tests that triggers before
// format negotiation completes are retried once the buffer binds.
func TestRecorder_DeferredTriggerWhileDetached(t *testing.T) {
	tap := newFakeTap(100)
	tap.formatDelay = 60 * time.Millisecond
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	if got := rec.State(); got != cliprecorder.StateDetached {
		t.Fatalf("State() = %v before negotiation, want Detached", got)
	}

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	if err := rec.RecordAsync(func(outcome cliprecorder.SegmentOutcome) {
		finished <- outcome
	}); err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred trigger never produced a segment")
	}
}

// TestRecord_TimeoutWhenOutputStalls tests the bounded synchronous
// surface: if the output never materializes, Record reports a timeout
// instead of blocking forever.
func TestRecord_TimeoutWhenOutputStalls(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{stallFirstOutput: true}

	cfg := testConfig(50 * time.Millisecond)
	cfg.MaxDelay = 40 * time.Millisecond

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, cfg)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	_, err = rec.Record(nil)
	if !errors.Is(err, cliprecorder.ErrRecordTimeout) {
		t.Fatalf("Record() error = %v, want ErrRecordTimeout", err)
	}
}

// TestRecorder_BindFailureIsFatal tests that an unusable tap format
// reaches the fatal hook and poisons the trigger surface.
func TestRecorder_BindFailureIsFatal(t *testing.T) {
	tap := newFakeTap(0) // framerate unknown
	factory := &fakeFactory{}

	fatal := make(chan error, 1)
	cfg := testConfig(50 * time.Millisecond)
	cfg.OnFatal = func(err error) { fatal <- err }

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, cfg)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	select {
	case err := <-fatal:
		if !errors.Is(err, cliprecorder.ErrNoFramerate) {
			t.Errorf("OnFatal error = %v, want ErrNoFramerate", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not called within 2s")
	}

	if rec.Err() == nil {
		t.Error("Err() = nil after fatal bind failure")
	}
	if err := rec.RecordAsync(nil); err == nil {
		t.Error("RecordAsync() = nil on poisoned recorder, want error")
	}
}

// TestRecorder_TapEOSDetaches tests that the recorder returns to
// Detached once the stream ends.
func TestRecorder_TapEOSDetaches(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	tap.endStream()

	waitForState(t, rec, cliprecorder.StateDetached)
}

// TestRecorder_CloseIdempotent tests repeated shutdown.
func TestRecorder_CloseIdempotent(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	waitForState(t, rec, cliprecorder.StateBuffering)

	if err := rec.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := rec.RecordAsync(nil); !errors.Is(err, cliprecorder.ErrClosed) {
		t.Errorf("RecordAsync() after Close = %v, want ErrClosed", err)
	}
}

// TestRecorder_CloseFinishesActiveSegment tests that shutdown during
// recording still finalizes the open clip.
func TestRecorder_CloseFinishesActiveSegment(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(300*time.Millisecond))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	if _, err := rec.Record(func(outcome cliprecorder.SegmentOutcome) {
		finished <- outcome
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// Close mid-recording, well before the look-ahead window elapses.
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case outcome := <-finished:
		t.Logf("✓ clip finalized on close: %q after %v", outcome.Location, outcome.Runtime)
	case <-time.After(2 * time.Second):
		t.Fatal("active segment not finalized by Close")
	}
}

// TestRecorder_TapEOSMidRecordingNoFatal tests a legal interleaving:
// the stream ends while a segment is open and the branch finalizes
// slowly, so the look-ahead deadline lands during Finishing. The
// deadline must be disarmed by the end-of-stream cut, not escalate to
// a fatal error; the clip still finalizes and the recorder detaches.
func TestRecorder_TapEOSMidRecordingNoFatal(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	factory := &fakeFactory{finishDelay: 300 * time.Millisecond}

	fatal := make(chan error, 1)
	cfg := testConfig(50 * time.Millisecond)
	cfg.OnFatal = func(err error) { fatal <- err }

	rec, err := cliprecorder.Bind(context.Background(), tap, factory, cfg)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	if err := rec.RecordAsync(func(outcome cliprecorder.SegmentOutcome) {
		finished <- outcome
	}); err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}

	waitForState(t, rec, cliprecorder.StateRecording)
	tap.endStream()

	// Sit past the 2×window deadline while the branch is still
	// finalizing: this window is where the stale deadline would land.
	select {
	case err := <-fatal:
		t.Fatalf("OnFatal called on stream end during recording: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("segment not finalized after stream end")
	}

	if err := rec.Err(); err != nil {
		t.Fatalf("Err() = %v after stream end, want nil", err)
	}
	waitForState(t, rec, cliprecorder.StateDetached)
	if factory.count() != 1 {
		t.Errorf("branches created = %d, want 1", factory.count())
	}
}

// TestRecorder_SingleTriggerRuntime tests the segment duration rule:
// one trigger keeps the session open for the full debounce window, so
// the runtime is at least 2×window and not much more.
func TestRecorder_SingleTriggerRuntime(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	window := 100 * time.Millisecond
	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(window))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	if err := rec.RecordAsync(func(outcome cliprecorder.SegmentOutcome) {
		finished <- outcome
	}); err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}

	var outcome cliprecorder.SegmentOutcome
	select {
	case outcome = <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("segment did not finish within 2s")
	}

	// The deadline never fires early; the upper bound leaves room for
	// scheduling and finalization.
	min := 2*window - 10*time.Millisecond
	max := 2*window + 300*time.Millisecond
	if outcome.Runtime < min || outcome.Runtime > max {
		t.Errorf("Runtime = %v, want within [%v, %v]", outcome.Runtime, min, max)
	}
	t.Logf("✓ single trigger runtime %v for window %v", outcome.Runtime, window)
}

// TestRecorder_CoalescedTriggerExtendsRuntime tests that a coalesced
// trigger restarts the look-ahead: the segment lasts the trigger
// offset plus a full 2×window after the last trigger.
func TestRecorder_CoalescedTriggerExtendsRuntime(t *testing.T) {
	tap := newFakeTap(100)
	tap.pump(5 * time.Millisecond)
	defer tap.stopPump()
	factory := &fakeFactory{}

	window := 100 * time.Millisecond
	rec, err := cliprecorder.Bind(context.Background(), tap, factory, testConfig(window))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer rec.Close()

	waitForState(t, rec, cliprecorder.StateBuffering)

	finished := make(chan cliprecorder.SegmentOutcome, 1)
	cb := func(outcome cliprecorder.SegmentOutcome) { finished <- outcome }

	firstAt := time.Now()
	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("first RecordAsync() error = %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if err := rec.RecordAsync(cb); err != nil {
		t.Fatalf("second RecordAsync() error = %v", err)
	}
	offset := time.Since(firstAt)

	var outcome cliprecorder.SegmentOutcome
	select {
	case outcome = <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("segment did not finish within 2s")
	}

	if factory.count() != 1 {
		t.Fatalf("branches created = %d, want 1 (coalesced)", factory.count())
	}

	// The second trigger re-arms the deadline, so the runtime covers
	// its offset plus a full debounce window after it.
	min := offset + 2*window - 10*time.Millisecond
	max := offset + 2*window + 300*time.Millisecond
	if outcome.Runtime < min || outcome.Runtime > max {
		t.Errorf("Runtime = %v with trigger offset %v, want within [%v, %v]",
			outcome.Runtime, offset, min, max)
	}
	t.Logf("✓ coalesced runtime %v covers offset %v + 2×%v", outcome.Runtime, offset, window)
}

// waitForState polls until the recorder reaches want.
func waitForState(t *testing.T, rec *cliprecorder.Recorder, want cliprecorder.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder never reached %v (now %v)", want, rec.State())
}
