// Package recorder drives one recording session: it drains its own bus
// queue, feeds parallel encoder processes for the two planes, captures
// audio alongside, and merges everything into a single MKV on stop.
package recorder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irview/thermstream/internal/audio"
	"github.com/irview/thermstream/internal/bus"
	"github.com/irview/thermstream/internal/encoder"
	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/pkg/types"
)

const consumerID = "recorder"

// takePoll bounds how long the feed loop waits per take, so the stop flag
// is observed within one poll interval even when no frames arrive.
const takePoll = 100 * time.Millisecond

var (
	ErrBusy         = errors.New("recorder: session already active")
	ErrNotRecording = errors.New("recorder: no active session")
)

// State is the recorder lifecycle. Merging covers the stop path: encoders
// finishing, streams merging, temporaries cleaned up.
type State int32

const (
	Idle State = iota
	Recording
	Merging
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Merging:
		return "merging"
	default:
		return "unknown"
	}
}

// Options selects which optional streams a session records. The RGB plane
// is always recorded.
type Options struct {
	Thermal bool
	Audio   bool
}

// Settings carries the static encode parameters shared by every session.
type Settings struct {
	FFmpegPath string
	VideoCRF   int

	AudioFormat audio.Config
	AudioInput  string // ffmpeg demuxer name, empty picks the platform default
	AudioDevice string
}

// frameSink is the writable side of one encoder process.
type frameSink interface {
	Start() error
	WriteFrame([]byte) error
	Finish() error
}

// audioSession is the slice of audio.Capture the recorder drives.
type audioSession interface {
	Start() error
	Stop() error
	Path() string
}

// Recorder owns at most one session at a time.
type Recorder struct {
	bus *bus.Bus
	met *metrics.Metrics
	set Settings

	state atomic.Int32

	mu   sync.Mutex
	sess *session

	// Construction seams, replaced in tests.
	newSink  func(cfg encoder.Config) frameSink
	newAudio func(path string) audioSession
	merge    func(set Settings, in mergeInputs, out string) error
	cleanup  func(paths []string)
}

type session struct {
	path string
	base string
	opts Options

	rgb   frameSink
	therm frameSink
	aud   audioSession

	queue *bus.Queue

	stop    atomic.Bool
	done    chan struct{}
	frames  atomic.Uint64
	feedErr error
}

// New builds a recorder taking frames from b.
func New(b *bus.Bus, met *metrics.Metrics, set Settings) *Recorder {
	r := &Recorder{bus: b, met: met, set: set}
	r.newSink = func(cfg encoder.Config) frameSink { return encoder.New(cfg) }
	r.newAudio = func(path string) audioSession {
		backend := &audio.FFmpegPCM{
			FFmpegPath: set.FFmpegPath,
			InputFmt:   set.AudioInput,
			Device:     set.AudioDevice,
			SampleRate: set.AudioFormat.SampleRate,
			Channels:   set.AudioFormat.Channels,
		}
		return audio.New(set.AudioFormat, backend, path, met)
	}
	r.merge = mergeStreams
	r.cleanup = removeTemps
	return r
}

// State returns the current lifecycle state.
func (r *Recorder) State() State { return State(r.state.Load()) }

// Frames returns the number of frames written in the active or most recent
// session.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return 0
	}
	return r.sess.frames.Load()
}

// Path returns the output path of the active or most recent session.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ""
	}
	return r.sess.path
}

// Start begins a session writing to path (final container, ".mkv" appended
// if missing). Rejected with ErrBusy unless the recorder is idle.
func (r *Recorder) Start(path string, opts Options) error {
	if !r.state.CompareAndSwap(int32(Idle), int32(Recording)) {
		return ErrBusy
	}

	if !strings.HasSuffix(path, ".mkv") {
		path += ".mkv"
	}
	s := &session{
		path: path,
		base: strings.TrimSuffix(path, ".mkv"),
		opts: opts,
		done: make(chan struct{}),
	}

	q, err := r.bus.Register(consumerID)
	if err != nil {
		r.state.Store(int32(Idle))
		return fmt.Errorf("recorder: register consumer: %w", err)
	}
	s.queue = q

	if opts.Audio {
		// Audio runs from session start while video begins at the first
		// frame, so the merged track carries a short lead-in. Starting
		// here also fails the session up front on a dead audio device.
		s.aud = r.newAudio(s.base + ".wav")
		if err := s.aud.Start(); err != nil {
			r.bus.Unregister(consumerID)
			r.state.Store(int32(Idle))
			return fmt.Errorf("recorder: start audio: %w", err)
		}
	}

	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()

	if r.met != nil {
		r.met.RecordingActive.Store(1)
	}
	logger.Info("Recorder", "recording to %s (thermal=%v audio=%v)",
		s.path, opts.Thermal, opts.Audio)
	go r.feed(s)
	return nil
}

// feed drains the queue until the stop flag is set. Encoders are spawned
// on the first frame, sized from its planes; a session stopped before any
// frame arrives never launches them.
func (r *Recorder) feed(s *session) {
	defer close(s.done)

	for !s.stop.Load() {
		f, err := s.queue.Take(takePoll)
		if err != nil {
			if errors.Is(err, bus.ErrTimeout) {
				continue
			}
			return
		}

		if s.rgb == nil {
			if err := r.openSinks(s, f); err != nil {
				s.feedErr = err
				if r.met != nil {
					r.met.EncoderFailures.Add(1)
				}
				logger.Error("Recorder", "start encoders: %v", err)
				return
			}
		}

		if err := s.rgb.WriteFrame(f.RGB); err != nil {
			s.feedErr = fmt.Errorf("write rgb frame %d: %w", f.Seq, err)
			if r.met != nil {
				r.met.EncoderFailures.Add(1)
			}
			logger.Error("Recorder", "%v", s.feedErr)
			return
		}
		written := len(f.RGB)

		if s.therm != nil {
			therm := f.ThermalLE()
			if err := s.therm.WriteFrame(therm); err != nil {
				s.feedErr = fmt.Errorf("write thermal frame %d: %w", f.Seq, err)
				if r.met != nil {
					r.met.EncoderFailures.Add(1)
				}
				logger.Error("Recorder", "%v", s.feedErr)
				return
			}
			written += len(therm)
		}

		s.frames.Add(1)
		if r.met != nil {
			r.met.RecordedFrames.Add(1)
			r.met.RecordedBytes.Add(uint64(written))
		}
	}
}

func (r *Recorder) openSinks(s *session, f *types.Frame) error {
	s.rgb = r.newSink(encoder.Config{
		FFmpegPath:  r.set.FFmpegPath,
		Name:        "video",
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: types.PixFmtRGB24,
		OutputPath:  s.base + ".rgb.mkv",
		CodecArgs:   encoder.VideoCodecArgs(r.set.VideoCRF),
	})
	if err := s.rgb.Start(); err != nil {
		s.rgb = nil
		return err
	}

	if s.opts.Thermal {
		s.therm = r.newSink(encoder.Config{
			FFmpegPath:  r.set.FFmpegPath,
			Name:        "thermal",
			Width:       f.Width,
			Height:      f.Height,
			PixelFormat: types.PixFmtGray16LE,
			OutputPath:  s.base + ".therm.mkv",
			CodecArgs:   encoder.ThermalCodecArgs(),
		})
		if err := s.therm.Start(); err != nil {
			s.therm = nil
			return err
		}
	}
	return nil
}

// Stop ends the session: join the feed loop, stop audio, finish the
// encoders, merge the temporaries into the final container, then delete
// them. A failed merge keeps the temporaries on disk for manual recovery.
func (r *Recorder) Stop() error {
	if !r.state.CompareAndSwap(int32(Recording), int32(Merging)) {
		return ErrNotRecording
	}
	defer r.state.Store(int32(Idle))

	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()

	s.stop.Store(true)
	<-s.done
	r.bus.Unregister(consumerID)
	if r.met != nil {
		r.met.RecordingActive.Store(0)
	}

	var wavPath string
	if s.aud != nil {
		wavPath = s.aud.Path()
		if err := s.aud.Stop(); err != nil {
			logger.Warn("Recorder", "audio stop: %v", err)
			wavPath = ""
		}
	}

	if s.rgb == nil {
		// No frame ever reached the session, so there is nothing to merge.
		logger.Warn("Recorder", "session %s recorded no frames", s.path)
		r.cleanup([]string{wavPath})
		return s.feedErr
	}

	var finishErr error
	if err := s.rgb.Finish(); err != nil {
		finishErr = fmt.Errorf("recorder: video encoder: %w", err)
	}
	if s.therm != nil {
		if err := s.therm.Finish(); err != nil && finishErr == nil {
			finishErr = fmt.Errorf("recorder: thermal encoder: %w", err)
		}
	}
	if finishErr != nil {
		if r.met != nil {
			r.met.EncoderFailures.Add(1)
		}
		logger.Error("Recorder", "%v, temporaries kept", finishErr)
		return finishErr
	}

	in := mergeInputs{RGB: s.base + ".rgb.mkv", WAV: wavPath}
	if s.therm != nil {
		in.Thermal = s.base + ".therm.mkv"
	}
	if err := r.merge(r.set, in, s.path); err != nil {
		if r.met != nil {
			r.met.MergeFailures.Add(1)
		}
		logger.Error("Recorder", "merge failed: %v, temporaries kept", err)
		return fmt.Errorf("recorder: merge: %w", err)
	}
	if r.met != nil {
		r.met.MergesCompleted.Add(1)
	}

	r.cleanup([]string{in.RGB, in.Thermal, in.WAV})
	logger.Info("Recorder", "finished %s (%d frames)", s.path, s.frames.Load())
	return s.feedErr
}
