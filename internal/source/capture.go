package source

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/pkg/types"
)

// Capture is one way of obtaining the raw sensor byte stream. The backend
// is selected once at configuration time; the source never branches on
// platform per call.
//
// Close must be safe to call while Read is blocked and must cause that Read
// to return an error or io.EOF.
type Capture interface {
	Open() error
	// Read fills buf with exactly one raw frame. io.EOF (or
	// io.ErrUnexpectedEOF) means the stream ended.
	Read(buf []byte) error
	Resolution() (width, height int)
	FPS() float64
	Close() error
}

// DeviceCapture reads raw frames straight from a device node, FIFO or file.
// The reported geometry comes from the opener's configuration; the source
// validates it against the sensor contract.
type DeviceCapture struct {
	Path   string
	Width  int
	Height int
	Rate   float64

	f         *os.File
	closeOnce sync.Once
}

func (d *DeviceCapture) Open() error {
	f, err := os.Open(d.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	d.f = f
	return nil
}

func (d *DeviceCapture) Read(buf []byte) error {
	if d.f == nil {
		return fmt.Errorf("source: device not open")
	}
	_, err := io.ReadFull(d.f, buf)
	return err
}

func (d *DeviceCapture) Resolution() (int, int) { return d.Width, d.Height }
func (d *DeviceCapture) FPS() float64           { return d.Rate }

func (d *DeviceCapture) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.f != nil {
			err = d.f.Close()
		}
	})
	return err
}

// FFmpegCapture spawns an ffmpeg child that demuxes the camera and emits
// raw yuyv422 frames on stdout. Used where the device cannot be read
// directly (avfoundation on macOS, or v4l2 devices that need format
// negotiation).
type FFmpegCapture struct {
	FFmpegPath string // binary name, "ffmpeg" if empty
	InputFmt   string // demuxer: v4l2, avfoundation, ...
	Input      string // device path or index
	Width      int
	Height     int
	Rate       float64

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	closeOnce sync.Once
}

func (c *FFmpegCapture) Open() error {
	bin := c.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-f", c.InputFmt,
		"-framerate", fmt.Sprintf("%g", c.Rate),
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", c.Input,
		"-pix_fmt", types.PixFmtYUYV422,
		"-f", "rawvideo",
		"pipe:",
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("source: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("source: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	go drainToLog("Capture", stderr)

	c.cmd = cmd
	c.stdout = stdout
	return nil
}

func (c *FFmpegCapture) Read(buf []byte) error {
	if c.stdout == nil {
		return fmt.Errorf("source: capture not open")
	}
	_, err := io.ReadFull(c.stdout, buf)
	return err
}

func (c *FFmpegCapture) Resolution() (int, int) { return c.Width, c.Height }
func (c *FFmpegCapture) FPS() float64           { return c.Rate }

func (c *FFmpegCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cmd == nil {
			return
		}
		if c.cmd.Process != nil {
			c.cmd.Process.Signal(os.Interrupt)
		}

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logger.Warn("Capture", "ffmpeg did not exit after interrupt, killing")
			c.cmd.Process.Kill()
			<-done
		}
		err = nil // exit status after interrupt is not an error
	})
	return err
}

// drainToLog forwards a child process diagnostic stream to the logger line
// by line so the child never blocks writing diagnostics.
func drainToLog(module string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(module, "%s", scanner.Text())
	}
}
