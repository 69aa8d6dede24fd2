// Package source owns the raw capture byte stream and the decode/publish
// loop that feeds the frame bus.
package source

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/irview/thermstream/internal/bus"
	"github.com/irview/thermstream/internal/codec"
	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/pkg/types"
)

// ErrDeviceUnavailable reports that the raw source could not be opened.
var ErrDeviceUnavailable = errors.New("source: device unavailable")

// ContractError reports that an opened source does not match the sensor
// contract. It is fatal and never retried: a device with the wrong geometry
// is simply not a P2 Pro.
type ContractError struct {
	Width  int
	Height int
	FPS    float64
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("source: capture reports %dx%d@%g, expected %dx%d@%g",
		e.Width, e.Height, e.FPS, types.SensorWidth, types.SensorHeight, types.SensorFPS)
}

// State of the source lifecycle.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Source runs the read/decode/publish loop over one capture backend.
type Source struct {
	cap Capture
	bus *bus.Bus
	met *metrics.Metrics

	state    atomic.Int32
	started  atomic.Bool
	stopFlag atomic.Bool
	active   chan struct{}
	activeOn atomic.Bool
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires a source to its capture backend and bus.
func New(c Capture, b *bus.Bus, m *metrics.Metrics) *Source {
	return &Source{
		cap:    c,
		bus:    b,
		met:    m,
		active: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the capture backend, validates the sensor contract and
// launches the streaming loop. Open-time failures are returned to the
// caller and leave the source Closed.
func (s *Source) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.state.Store(int32(StateOpening))

		if err = s.cap.Open(); err != nil {
			s.state.Store(int32(StateClosed))
			close(s.done)
			return
		}

		w, h := s.cap.Resolution()
		fps := s.cap.FPS()
		if w != types.SensorWidth || h != types.SensorHeight || fps != types.SensorFPS {
			s.cap.Close()
			s.state.Store(int32(StateClosed))
			close(s.done)
			err = &ContractError{Width: w, Height: h, FPS: fps}
			return
		}

		logger.Info("Source", "capture open: %dx%d@%g", w, h, fps)
		s.state.Store(int32(StateStreaming))
		go s.run()
	})
	return err
}

func (s *Source) run() {
	defer close(s.done)
	defer s.state.Store(int32(StateClosed))
	defer s.cap.Close()

	buf := make([]byte, types.RawFrameSize)
	var seq uint64

	for !s.stopFlag.Load() {
		err := s.cap.Read(buf)
		if err != nil {
			if s.stopFlag.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Info("Source", "capture stream ended after %d frames", seq)
				return
			}
			s.met.ReadErrors.Add(1)
			logger.Warn("Source", "read error: %v", err)
			continue
		}
		s.met.FramesRead.Add(1)

		frame, err := codec.Decode(buf, seq)
		if err != nil {
			// One malformed buffer never aborts the stream.
			s.met.DecodeErrors.Add(1)
			logger.Warn("Source", "decode error, cycle skipped: %v", err)
			continue
		}
		seq++
		s.met.FramesDecoded.Add(1)

		s.bus.Publish(frame)
		s.met.FramesPublished.Add(1)
		if s.activeOn.CompareAndSwap(false, true) {
			close(s.active)
		}
	}
}

// Stop requests a cooperative shutdown and blocks until the loop has
// released the capture backend. Closing the backend first unblocks a
// pending device read.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.stopFlag.Store(true)
		if !s.started.Load() {
			return
		}
		if State(s.state.Load()) == StateStreaming {
			s.state.Store(int32(StateStopping))
		}
		s.cap.Close()
		<-s.done
	})
}

// Active is closed once the first frame has been published.
func (s *Source) Active() <-chan struct{} { return s.active }

// IsActive reports whether at least one frame has been published.
func (s *Source) IsActive() bool { return s.activeOn.Load() }

// State returns the current lifecycle state.
func (s *Source) State() State { return State(s.state.Load()) }

// Done is closed when the streaming loop has fully exited.
func (s *Source) Done() <-chan struct{} { return s.done }
