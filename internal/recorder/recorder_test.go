package recorder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irview/thermstream/internal/bus"
	"github.com/irview/thermstream/internal/encoder"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/pkg/types"
)

// callLog records the order of lifecycle events across the fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(s string) int {
	for i, c := range l.snapshot() {
		if c == s {
			return i
		}
	}
	return -1
}

type fakeSink struct {
	name      string
	log       *callLog
	finishErr error

	mu     sync.Mutex
	frames int
	bytes  int
}

func (f *fakeSink) Start() error { f.log.add(f.name + ".start"); return nil }

func (f *fakeSink) WriteFrame(b []byte) error {
	f.mu.Lock()
	f.frames++
	f.bytes += len(b)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Finish() error {
	f.log.add(f.name + ".finish")
	return f.finishErr
}

func (f *fakeSink) written() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames, f.bytes
}

type fakeAudio struct {
	log  *callLog
	path string
}

func (f *fakeAudio) Start() error { f.log.add("audio.start"); return nil }
func (f *fakeAudio) Stop() error  { f.log.add("audio.stop"); return nil }
func (f *fakeAudio) Path() string { return f.path }

type harness struct {
	rec   *Recorder
	b     *bus.Bus
	log   *callLog
	sinks map[string]*fakeSink

	mergeErr error
	merged   []mergeInputs
	cleaned  [][]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		b:     bus.New(),
		log:   &callLog{},
		sinks: map[string]*fakeSink{},
	}
	h.rec = New(h.b, metrics.New(), Settings{VideoCRF: 16})
	h.rec.newSink = func(cfg encoder.Config) frameSink {
		s := &fakeSink{name: cfg.Name, log: h.log}
		h.sinks[cfg.Name] = s
		return s
	}
	h.rec.newAudio = func(path string) audioSession {
		return &fakeAudio{log: h.log, path: path}
	}
	h.rec.merge = func(set Settings, in mergeInputs, out string) error {
		h.log.add("merge")
		h.merged = append(h.merged, in)
		return h.mergeErr
	}
	h.rec.cleanup = func(paths []string) {
		h.log.add("cleanup")
		h.cleaned = append(h.cleaned, paths)
	}
	t.Cleanup(h.b.Close)
	return h
}

func testFrame(seq uint64) *types.Frame {
	w, ht := types.SensorWidth, types.PlaneHeight
	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    ht,
		RGB:       make([]byte, w*ht*3),
		Thermal:   make([]uint16, w*ht),
	}
}

// publishUntilRecorded keeps offering frames until the recorder has
// written at least n of them. The capacity-1 queue may drop some, which is
// expected behavior, so the publisher just keeps going.
func publishUntilRecorded(t *testing.T, h *harness, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	seq := uint64(0)
	for time.Now().Before(deadline) {
		h.b.Publish(testFrame(seq))
		seq++
		if h.rec.Frames() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("recorder saw %d frames, want at least %d", h.rec.Frames(), n)
}

func TestStopWithoutFramesDoesNotDeadlock(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start("/tmp/rec/none", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.rec.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if len(h.merged) != 0 {
		t.Fatalf("merge ran for an empty session")
	}
	if got := h.rec.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start("/tmp/rec/a", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.rec.Start("/tmp/rec/b", Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	if err := h.rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop = %v, want ErrNotRecording", err)
	}
}

func TestRecordMergeCleanup(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start("/tmp/rec/full", Options{Thermal: true, Audio: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	publishUntilRecorded(t, h, 5)
	if err := h.rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames, bytes := h.sinks["video"].written()
	if frames < 5 {
		t.Errorf("video frames = %d, want at least 5", frames)
	}
	wantBytes := frames * types.SensorWidth * types.PlaneHeight * 3
	if bytes != wantBytes {
		t.Errorf("video bytes = %d, want %d", bytes, wantBytes)
	}
	tframes, tbytes := h.sinks["thermal"].written()
	if tframes != frames {
		t.Errorf("thermal frames = %d, video frames = %d", tframes, frames)
	}
	if want := tframes * types.SensorWidth * types.PlaneHeight * 2; tbytes != want {
		t.Errorf("thermal bytes = %d, want %d", tbytes, want)
	}

	if len(h.merged) != 1 {
		t.Fatalf("merge ran %d times, want 1", len(h.merged))
	}
	in := h.merged[0]
	if in.RGB != "/tmp/rec/full.rgb.mkv" || in.Thermal != "/tmp/rec/full.therm.mkv" || in.WAV != "/tmp/rec/full.wav" {
		t.Errorf("merge inputs = %+v", in)
	}
	if len(h.cleaned) != 1 {
		t.Fatalf("cleanup ran %d times, want 1", len(h.cleaned))
	}
}

func TestStopOrdering(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start("/tmp/rec/order", Options{Thermal: true, Audio: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	publishUntilRecorded(t, h, 1)
	if err := h.rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	order := []string{"audio.stop", "video.finish", "thermal.finish", "merge", "cleanup"}
	prev := -1
	for _, step := range order {
		i := h.log.index(step)
		if i < 0 {
			t.Fatalf("step %q missing from %v", step, h.log.snapshot())
		}
		if i < prev {
			t.Fatalf("step %q out of order in %v", step, h.log.snapshot())
		}
		prev = i
	}
}

func TestMergeFailureKeepsTemporaries(t *testing.T) {
	h := newHarness(t)
	h.mergeErr = errors.New("muxer exploded")
	if err := h.rec.Start("/tmp/rec/bad", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	publishUntilRecorded(t, h, 1)

	err := h.rec.Stop()
	if err == nil || !errors.Is(err, h.mergeErr) {
		t.Fatalf("Stop = %v, want merge error", err)
	}
	if len(h.cleaned) != 0 {
		t.Fatalf("cleanup ran after a failed merge")
	}
	if got := h.rec.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestEncoderFailureSurfaced(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start("/tmp/rec/enc", Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	publishUntilRecorded(t, h, 1)
	h.sinks["video"].finishErr = &encoder.ProcessError{Name: "video", ExitCode: 1}

	err := h.rec.Stop()
	var perr *encoder.ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("Stop = %v, want ProcessError", err)
	}
	if len(h.merged) != 0 {
		t.Fatalf("merge ran after encoder failure")
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		if err := h.rec.Start("/tmp/rec/again", Options{}); err != nil {
			t.Fatalf("Start round %d: %v", i, err)
		}
		publishUntilRecorded(t, h, 1)
		if err := h.rec.Stop(); err != nil {
			t.Fatalf("Stop round %d: %v", i, err)
		}
	}
}
