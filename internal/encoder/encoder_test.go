package encoder

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/irview/thermstream/pkg/types"
)

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not in PATH")
	}
}

func TestEncodeFramesToFile(t *testing.T) {
	requireFFmpeg(t)

	out := filepath.Join(t.TempDir(), "out.rgb.mkv")
	e := New(Config{
		Name:        "video",
		Width:       types.SensorWidth,
		Height:      types.PlaneHeight,
		PixelFormat: types.PixFmtRGB24,
		Framerate:   types.SensorFPS,
		OutputPath:  out,
		CodecArgs:   VideoCodecArgs(16),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := make([]byte, types.SensorWidth*types.PlaneHeight*3)
	for i := 0; i < 10; i++ {
		if err := e.WriteFrame(frame); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("output file is empty")
	}
}

func TestFinishReportsAbnormalExit(t *testing.T) {
	requireFFmpeg(t)

	e := New(Config{
		Name:        "video",
		Width:       types.SensorWidth,
		Height:      types.PlaneHeight,
		PixelFormat: types.PixFmtRGB24,
		OutputPath:  filepath.Join(t.TempDir(), "out.mkv"),
		CodecArgs:   []string{"-c:v", "no_such_codec"},
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The child fails during setup; writes may or may not reach it.
	frame := make([]byte, types.SensorWidth*types.PlaneHeight*3)
	_ = e.WriteFrame(frame)

	err := e.Finish()
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("Finish error = %v, want ProcessError", err)
	}
	if pe.ExitCode == 0 {
		t.Fatalf("ProcessError.ExitCode = 0, want nonzero")
	}
}

func TestFinishIdempotent(t *testing.T) {
	requireFFmpeg(t)

	e := New(Config{
		Name:        "thermal",
		Width:       types.SensorWidth,
		Height:      types.PlaneHeight,
		PixelFormat: types.PixFmtGray16LE,
		Framerate:   types.SensorFPS,
		OutputPath:  filepath.Join(t.TempDir(), "out.therm.mkv"),
		CodecArgs:   ThermalCodecArgs(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.WriteFrame(make([]byte, types.SensorWidth*types.PlaneHeight*2)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	first := e.Finish()
	second := e.Finish()
	if !errors.Is(second, first) && second != first {
		t.Fatalf("repeated Finish returned a different result: %v vs %v", first, second)
	}
}

func TestWriteFrameBeforeStart(t *testing.T) {
	e := New(Config{Name: "video"})
	if err := e.WriteFrame([]byte{0}); err == nil {
		t.Fatalf("WriteFrame before Start succeeded")
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish on unstarted encoder = %v, want nil", err)
	}
}
