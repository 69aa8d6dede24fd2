package audio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/irview/thermstream/internal/logger"
)

// DefaultInputFormat picks the ffmpeg audio demuxer for the host platform.
func DefaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "linux":
		return "alsa"
	default:
		return "pulse"
	}
}

// FFmpegPCM pulls s16le PCM from an ffmpeg child reading the platform
// capture device.
type FFmpegPCM struct {
	FFmpegPath string
	InputFmt   string // alsa, pulse, avfoundation
	Device     string // e.g. "default" or ":0"
	SampleRate int
	Channels   int

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	closeOnce sync.Once
}

func (f *FFmpegPCM) Open() error {
	bin := f.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	demux := f.InputFmt
	if demux == "" {
		demux = DefaultInputFormat()
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", demux,
		"-i", f.Device,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", f.SampleRate),
		"-ac", fmt.Sprintf("%d", f.Channels),
		"pipe:1",
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	go drainToLog("Audio", stderr)

	f.cmd = cmd
	f.stdout = stdout
	logger.Info("Audio", "ffmpeg capture started (%s %s, %d Hz, %d ch)",
		demux, f.Device, f.SampleRate, f.Channels)
	return nil
}

func (f *FFmpegPCM) Read(buf []byte) (int, error) {
	if f.stdout == nil {
		return 0, io.EOF
	}
	return f.stdout.Read(buf)
}

// Close interrupts the child and falls back to Kill if it ignores the
// signal. The closing stdout pipe unblocks a pending Read.
func (f *FFmpegPCM) Close() error {
	f.closeOnce.Do(func() {
		if f.cmd == nil || f.cmd.Process == nil {
			return
		}
		f.cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			f.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			f.cmd.Process.Kill()
			<-done
		}
	})
	return nil
}

func drainToLog(module string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Debug(module, "ffmpeg: %s", sc.Text())
	}
}
