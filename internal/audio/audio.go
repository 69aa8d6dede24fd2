// Package audio captures PCM from the platform audio subsystem in parallel
// with video recording and finalizes it as an uncompressed WAV file.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
)

const (
	// ChunkFrames is the number of sample frames read per capture cycle.
	ChunkFrames = 1024
	// BitsPerSample is fixed: signed 16-bit little-endian PCM.
	BitsPerSample = 16
)

// DefaultChannels returns the channel count the platform audio subsystem
// delivers: mono on darwin, stereo elsewhere.
func DefaultChannels() int {
	if runtime.GOOS == "darwin" {
		return 1
	}
	return 2
}

// Config fixes the sample format for one capture session.
type Config struct {
	SampleRate int
	Channels   int
}

func (c Config) chunkBytes() int { return ChunkFrames * c.Channels * 2 }

// Backend is one way of obtaining the raw PCM stream. Close must unblock a
// pending Read.
type Backend interface {
	Open() error
	Read(buf []byte) (int, error)
	Close() error
}

// Capture runs the capture loop, buffering chunks in memory until Stop
// concatenates them into the WAV file.
type Capture struct {
	cfg     Config
	backend Backend
	path    string
	met     *metrics.Metrics

	mu     sync.Mutex
	chunks [][]byte

	running  atomic.Bool
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New prepares a capture session writing to path on Stop.
func New(cfg Config, backend Backend, path string, met *metrics.Metrics) *Capture {
	return &Capture{
		cfg:     cfg,
		backend: backend,
		path:    path,
		met:     met,
		done:    make(chan struct{}),
	}
}

// Start opens the backend and launches the capture loop.
func (c *Capture) Start() error {
	if c.cfg.SampleRate <= 0 || c.cfg.Channels < 1 || c.cfg.Channels > 2 {
		return fmt.Errorf("audio: invalid format %d Hz / %d ch", c.cfg.SampleRate, c.cfg.Channels)
	}
	if err := c.backend.Open(); err != nil {
		return fmt.Errorf("audio: open backend: %w", err)
	}
	c.started.Store(true)
	c.running.Store(true)
	go c.loop()
	return nil
}

func (c *Capture) loop() {
	defer close(c.done)

	for c.running.Load() {
		chunk := make([]byte, c.cfg.chunkBytes())
		n, err := readFullChunk(c.backend, chunk)
		if n > 0 {
			c.append(chunk[:n])
		}
		if err != nil {
			if c.running.Load() && !errors.Is(err, io.EOF) {
				logger.Warn("Audio", "capture read error: %v", err)
			}
			return
		}
	}
}

// readFullChunk fills buf unless the stream ends mid-chunk, in which case
// it returns what arrived. A partial last chunk is still captured audio.
func readFullChunk(b Backend, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := b.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// append stores a captured chunk. The same mutex serializes the capture
// loop against the Stop path, so a chunk arriving concurrently with Stop
// is either buffered here or already flushed, never lost.
func (c *Capture) append(chunk []byte) {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()

	if c.met != nil {
		c.met.AudioChunks.Add(1)
		c.met.AudioSamples.Add(uint64(len(chunk) / (c.cfg.Channels * 2)))
	}
}

// Stop ends capture, waits for the loop to observe the flag, then writes
// every buffered chunk in arrival order to the WAV file.
func (c *Capture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.running.Store(false)
		if !c.started.Load() {
			return
		}
		c.backend.Close()
		<-c.done

		c.mu.Lock()
		defer c.mu.Unlock()

		data := make([]byte, 0, c.totalBytesLocked())
		for _, chunk := range c.chunks {
			data = append(data, chunk...)
		}

		f, ferr := os.Create(c.path)
		if ferr != nil {
			err = fmt.Errorf("audio: create %s: %w", c.path, ferr)
			return
		}
		defer f.Close()

		if werr := writeWAV(f, c.cfg.SampleRate, c.cfg.Channels, data); werr != nil {
			err = fmt.Errorf("audio: write %s: %w", c.path, werr)
			return
		}
		logger.Info("Audio", "wrote %s (%d samples, %d Hz, %d ch)",
			c.path, len(data)/(c.cfg.Channels*2), c.cfg.SampleRate, c.cfg.Channels)
	})
	return err
}

func (c *Capture) totalBytesLocked() int {
	total := 0
	for _, chunk := range c.chunks {
		total += len(chunk)
	}
	return total
}

// SampleCount returns the number of sample frames buffered so far.
func (c *Capture) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytesLocked() / (c.cfg.Channels * 2)
}

// Path returns the WAV output path.
func (c *Capture) Path() string { return c.path }
