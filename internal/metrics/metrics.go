package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline counters. The hot paths bump plain atomics;
// Prometheus reads them lazily through GaugeFunc collectors.
type Metrics struct {
	// Capture loop
	FramesRead      atomic.Uint64
	FramesDecoded   atomic.Uint64
	DecodeErrors    atomic.Uint64
	ReadErrors      atomic.Uint64
	FramesPublished atomic.Uint64

	// Recorder
	RecordingActive  atomic.Uint64 // 0 = idle, 1 = recording
	RecordedFrames   atomic.Uint64
	RecordedBytes    atomic.Uint64
	EncoderFailures  atomic.Uint64
	MergesCompleted  atomic.Uint64
	MergeFailures    atomic.Uint64

	// Audio
	AudioChunks  atomic.Uint64
	AudioSamples atomic.Uint64

	// Preview
	PreviewClients       atomic.Uint64
	PreviewFramesSent    atomic.Uint64
	PreviewFramesDropped atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"thermstream_frames_read_total", "Raw frames read from the capture device", m.FramesRead.Load},
		{"thermstream_frames_decoded_total", "Frames successfully decoded", m.FramesDecoded.Load},
		{"thermstream_decode_errors_total", "Raw buffers discarded due to decode errors", m.DecodeErrors.Load},
		{"thermstream_read_errors_total", "Capture device read errors", m.ReadErrors.Load},
		{"thermstream_frames_published_total", "Frames fanned out to consumer queues", m.FramesPublished.Load},
		{"thermstream_recording_active", "Recording session active (0=idle, 1=recording)", m.RecordingActive.Load},
		{"thermstream_recorded_frames_total", "Frames written to the video encoder", m.RecordedFrames.Load},
		{"thermstream_recorded_bytes_total", "Raw bytes written to encoder pipes", m.RecordedBytes.Load},
		{"thermstream_encoder_failures_total", "Encoder processes that exited abnormally", m.EncoderFailures.Load},
		{"thermstream_merges_completed_total", "Recording sessions merged into a final container", m.MergesCompleted.Load},
		{"thermstream_merge_failures_total", "Failed container merges", m.MergeFailures.Load},
		{"thermstream_audio_chunks_total", "PCM chunks captured", m.AudioChunks.Load},
		{"thermstream_audio_samples_total", "PCM samples captured", m.AudioSamples.Load},
		{"thermstream_preview_clients", "Connected preview clients", m.PreviewClients.Load},
		{"thermstream_preview_frames_sent_total", "Access units sent to preview clients", m.PreviewFramesSent.Load},
		{"thermstream_preview_frames_dropped_total", "Access units dropped for slow preview clients", m.PreviewFramesDropped.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr; it blocks like http.ListenAndServe.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
