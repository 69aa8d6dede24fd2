// Package encoder wraps one external ffmpeg process that turns raw frames
// fed through a pipe into a compressed media file or elementary stream.
package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/irview/thermstream/internal/logger"
)

// ProcessError reports an encoder process that exited abnormally. It is
// detected at Finish so a truncated output file is never mistaken for a
// successful recording.
type ProcessError struct {
	Name     string
	ExitCode int
	Stderr   string // tail of the diagnostic stream
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("encoder %s exited with code %d: %s", e.Name, e.ExitCode, e.Stderr)
}

// Config describes one encoding pipeline.
type Config struct {
	FFmpegPath  string  // binary name, "ffmpeg" if empty
	Name        string  // tag for logs ("video", "thermal", "preview")
	Width       int     // raw input geometry
	Height      int
	PixelFormat string  // raw input pixel format (rgb24, gray16le)
	Framerate   float64 // 0 means wallclock timestamps only
	OutputPath  string  // output file; "pipe:" streams to stdout
	OutputFmt   string  // forced output format, e.g. "h264" for pipe output
	CodecArgs   []string
}

// VideoCodecArgs returns the lossy H.264 parameter set used for the
// pseudo-color plane.
func VideoCodecArgs(crf int) []string {
	return []string{"-c:v", "libx264", "-crf", fmt.Sprintf("%d", crf), "-pix_fmt", "yuv420p"}
}

// ThermalCodecArgs returns the lossless parameter set used for the 16-bit
// temperature plane. FFV1 round-trips gray16le exactly.
func ThermalCodecArgs() []string {
	return []string{"-c:v", "ffv1"}
}

// PreviewCodecArgs returns low-latency H.264 parameters for the live view
// elementary stream.
func PreviewCodecArgs() []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "25",
	}
}

// StreamEncoder owns one running encoder process. Start spawns it,
// WriteFrame feeds it, Finish closes the input and reaps it. Finish is
// always safe to call exactly once per started encoder, on every path.
type StreamEncoder struct {
	cfg   Config
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdout io.ReadCloser // only set in stream mode

	stderrMu   sync.Mutex
	stderrTail []string

	finishOnce sync.Once
	finishErr  error
	started    bool
}

// New prepares an encoder for the given configuration.
func New(cfg Config) *StreamEncoder {
	return &StreamEncoder{cfg: cfg}
}

func (e *StreamEncoder) args() []string {
	a := []string{
		"-f", "rawvideo",
		"-pix_fmt", e.cfg.PixelFormat,
		"-s", fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
	}
	if e.cfg.Framerate > 0 {
		a = append(a, "-framerate", fmt.Sprintf("%g", e.cfg.Framerate))
	}
	a = append(a, "-use_wallclock_as_timestamps", "1", "-i", "pipe:0")
	a = append(a, e.cfg.CodecArgs...)
	if e.cfg.OutputFmt != "" {
		a = append(a, "-f", e.cfg.OutputFmt)
	}
	a = append(a, "-y", e.cfg.OutputPath)
	return a
}

// Start spawns the encoder process bound to an input pipe. Non-blocking:
// encoding runs in the child, diagnostics are drained in the background.
func (e *StreamEncoder) Start() error {
	bin := e.cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, e.args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder %s: stdin pipe: %w", e.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("encoder %s: stderr pipe: %w", e.cfg.Name, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder %s: stdout pipe: %w", e.cfg.Name, err)
	}

	logger.Debug("Encoder", "%s: %s %s", e.cfg.Name, bin, strings.Join(e.args(), " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder %s: start: %w", e.cfg.Name, err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.started = true

	go e.drainStderr(stderr)
	if e.cfg.OutputPath == "pipe:" {
		// Stream mode: the caller consumes the encoded bytes.
		e.stdout = stdout
	} else {
		// Nothing is expected on stdout for file outputs, but never let
		// the child block writing there.
		go drain(e.cfg.Name, stdout)
	}
	return nil
}

// Output returns the encoded elementary stream in stream mode.
func (e *StreamEncoder) Output() io.ReadCloser { return e.stdout }

// WriteFrame writes one raw frame to the encoder input. It blocks when the
// encoder's internal buffer is full; that backpressure intentionally
// throttles the recorder's feed loop, never the frame source.
func (e *StreamEncoder) WriteFrame(b []byte) error {
	if !e.started {
		return fmt.Errorf("encoder %s: not started", e.cfg.Name)
	}
	if _, err := e.stdin.Write(b); err != nil {
		return fmt.Errorf("encoder %s: write frame: %w", e.cfg.Name, err)
	}
	return nil
}

// Finish closes the input side, waits for the encoder to flush and exit,
// and reports abnormal termination as a ProcessError. Idempotent.
func (e *StreamEncoder) Finish() error {
	e.finishOnce.Do(func() {
		if !e.started {
			return
		}
		e.stdin.Close()
		err := e.cmd.Wait()
		if err == nil {
			logger.Debug("Encoder", "%s finished cleanly", e.cfg.Name)
			return
		}

		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		e.finishErr = &ProcessError{
			Name:     e.cfg.Name,
			ExitCode: code,
			Stderr:   e.stderrTailString(),
		}
	})
	return e.finishErr
}

func (e *StreamEncoder) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("Encoder", "%s: %s", e.cfg.Name, line)

		e.stderrMu.Lock()
		e.stderrTail = append(e.stderrTail, line)
		if len(e.stderrTail) > 10 {
			e.stderrTail = e.stderrTail[1:]
		}
		e.stderrMu.Unlock()
	}
}

func (e *StreamEncoder) stderrTailString() string {
	e.stderrMu.Lock()
	defer e.stderrMu.Unlock()
	return strings.Join(e.stderrTail, "\n")
}

func drain(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("Encoder", "%s: %s", name, scanner.Text())
	}
}
