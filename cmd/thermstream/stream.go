package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irview/thermstream/internal/audio"
	"github.com/irview/thermstream/internal/bus"
	"github.com/irview/thermstream/internal/config"
	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/internal/preview"
	"github.com/irview/thermstream/internal/recorder"
	"github.com/irview/thermstream/internal/source"
	"github.com/irview/thermstream/pkg/types"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Open the camera and run the capture pipeline",
	Long: `Open the capture device, validate the sensor contract, and start
decoding frames. Recording is controlled over HTTP; the live view accepts
WebRTC offers while the pipeline runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		if err := app.start(); err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			logger.Info("Main", "shutdown signal received")
		case <-app.src.Done():
			logger.Info("Main", "capture source ended")
		}

		app.shutdown()
		return nil
	},
}

// app owns every pipeline component and tears them down in reverse order.
type app struct {
	cfg *config.Config
	met *metrics.Metrics

	frames *bus.Bus
	src    *source.Source
	rec    *recorder.Recorder
	view   *preview.Pipeline

	control *http.Server
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Record.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	a := &app{
		cfg:    cfg,
		met:    metrics.New(),
		frames: bus.New(),
	}

	a.src = source.New(buildCapture(cfg), a.frames, a.met)
	a.rec = recorder.New(a.frames, a.met, recorder.Settings{
		FFmpegPath: cfg.FFmpegPath,
		VideoCRF:   cfg.Record.VideoCRF,
		AudioFormat: audio.Config{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		},
		AudioInput:  cfg.Audio.InputFormat,
		AudioDevice: cfg.Audio.Device,
	})
	if cfg.Preview.Enabled {
		a.view = preview.NewPipeline(a.frames, a.met, preview.Settings{
			FFmpegPath:  cfg.FFmpegPath,
			STUNServers: cfg.Preview.STUNServers,
			MaxClients:  cfg.Preview.MaxClients,
			Overlay:     cfg.Preview.Overlay,
		})
	}

	mux := http.NewServeMux()
	a.setupRoutes(mux)
	a.control = &http.Server{Addr: cfg.Server.ControlAddr, Handler: mux}
	return a, nil
}

func buildCapture(cfg *config.Config) source.Capture {
	switch cfg.Capture.Backend {
	case config.BackendFFmpeg:
		return &source.FFmpegCapture{
			FFmpegPath: cfg.FFmpegPath,
			InputFmt:   cfg.Capture.InputFormat,
			Input:      cfg.Capture.Device,
			Width:      types.SensorWidth,
			Height:     types.SensorHeight,
			Rate:       types.SensorFPS,
		}
	default:
		return &source.DeviceCapture{
			Path:   cfg.Capture.Device,
			Width:  types.SensorWidth,
			Height: types.SensorHeight,
			Rate:   types.SensorFPS,
		}
	}
}

func (a *app) start() error {
	logger.Info("Main", "starting pipeline")
	logger.Info("Main", "  capture: %s (%s)", a.cfg.Capture.Device, a.cfg.Capture.Backend)
	logger.Info("Main", "  control: %s", a.cfg.Server.ControlAddr)
	logger.Info("Main", "  metrics: %s", a.cfg.Server.MetricsAddr)
	logger.Info("Main", "  recordings: %s", a.cfg.Record.Directory)

	go func() {
		if err := a.met.StartServer(a.cfg.Server.MetricsAddr); err != nil {
			logger.Warn("Main", "metrics server: %v", err)
		}
	}()
	go func() {
		if err := a.control.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "control server: %v", err)
		}
	}()

	if err := a.src.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if a.view != nil {
		if err := a.view.Start(); err != nil {
			a.src.Stop()
			return fmt.Errorf("start live view: %w", err)
		}
	}

	select {
	case <-a.src.Active():
		logger.Info("Main", "first frame decoded, pipeline active")
	case <-a.src.Done():
		return fmt.Errorf("capture source ended before the first frame")
	case <-time.After(5 * time.Second):
		logger.Warn("Main", "no frame within 5s, continuing to wait")
	}
	return nil
}

func (a *app) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/start", a.handleStart)
	mux.HandleFunc("/stop", a.handleStop)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/health", a.handleHealth)
	if a.cfg.Preview.Enabled {
		mux.HandleFunc("/offer", a.handleOffer)
	}
}

func (a *app) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = filepath.Join(a.cfg.Record.Directory,
			time.Now().Format("2006-01-02_15-04-05"))
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.Record.Directory, path)
	}

	err := a.rec.Start(path, recorder.Options{
		Thermal: a.cfg.Record.Thermal,
		Audio:   a.cfg.Record.Audio,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if err == recorder.ErrBusy {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.writeStatus(w)
}

func (a *app) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.rec.Stop(); err != nil {
		status := http.StatusInternalServerError
		if err == recorder.ErrNotRecording {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.writeStatus(w)
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeStatus(w)
}

func (a *app) writeStatus(w http.ResponseWriter) {
	status := map[string]interface{}{
		"source":    a.src.State().String(),
		"recording": a.rec.State().String(),
		"frames":    a.rec.Frames(),
		"path":      a.rec.Path(),
		"published": a.frames.Published(),
	}
	if a.view != nil {
		status["viewers"] = a.view.ClientCount()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"active": a.src.IsActive(),
	})
}

func (a *app) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	offerJSON, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	answerJSON, err := a.view.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("Main", "offer rejected: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(answerJSON)
}

// shutdown stops components in reverse dependency order: capture first so
// no new frames flow, then the active recording, then the live view, then
// the HTTP surface.
func (a *app) shutdown() {
	a.src.Stop()

	if a.rec.State() == recorder.Recording {
		if err := a.rec.Stop(); err != nil {
			logger.Error("Main", "stop recording: %v", err)
		}
	}
	if a.view != nil {
		a.view.Stop()
	}
	a.frames.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.control.Shutdown(ctx); err != nil {
		logger.Warn("Main", "control server shutdown: %v", err)
	}
	logger.Info("Main", "pipeline stopped")
}
