package preview

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/irview/thermstream/internal/bus"
	"github.com/irview/thermstream/internal/encoder"
	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/pkg/types"
)

const consumerID = "preview"

// Settings configures the live view pipeline.
type Settings struct {
	FFmpegPath  string
	STUNServers []string
	MaxClients  int
	Overlay     bool // stamp seq/timestamp onto each frame
}

// Pipeline is the live view consumer: it drains its own bus queue through
// a low-latency encoder and fans the resulting access units out to WebRTC
// viewers. It runs independently of recording.
type Pipeline struct {
	bus *bus.Bus
	met *metrics.Metrics
	set Settings

	srv   *Server
	enc   *encoder.StreamEncoder
	queue *bus.Queue

	stop     atomic.Bool
	feedDone chan struct{}
	readDone chan struct{}
}

// NewPipeline builds the pipeline. Start must be called before frames
// flow.
func NewPipeline(b *bus.Bus, met *metrics.Metrics, set Settings) *Pipeline {
	if set.MaxClients <= 0 {
		set.MaxClients = 4
	}
	return &Pipeline{
		bus:      b,
		met:      met,
		set:      set,
		srv:      NewServer(set.STUNServers, set.MaxClients, met),
		feedDone: make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Start registers the consumer queue, spawns the encoder in stream mode,
// and launches the feed and splitter loops.
func (p *Pipeline) Start() error {
	q, err := p.bus.Register(consumerID)
	if err != nil {
		return fmt.Errorf("preview: register consumer: %w", err)
	}
	p.queue = q

	p.enc = encoder.New(encoder.Config{
		FFmpegPath:  p.set.FFmpegPath,
		Name:        "preview",
		Width:       types.SensorWidth,
		Height:      types.PlaneHeight,
		PixelFormat: types.PixFmtRGB24,
		Framerate:   types.SensorFPS,
		OutputPath:  "pipe:",
		OutputFmt:   "h264",
		CodecArgs:   encoder.PreviewCodecArgs(),
	})
	if err := p.enc.Start(); err != nil {
		p.bus.Unregister(consumerID)
		return fmt.Errorf("preview: start encoder: %w", err)
	}

	go p.readLoop()
	go p.feed()
	logger.Info("Preview", "live view pipeline started (max %d viewers)", p.set.MaxClients)
	return nil
}

// HandleOffer forwards a viewer's WebRTC offer to the signaling server.
func (p *Pipeline) HandleOffer(offerJSON []byte) ([]byte, error) {
	return p.srv.HandleOffer(offerJSON)
}

// ClientCount returns the number of connected viewers.
func (p *Pipeline) ClientCount() int { return p.srv.ClientCount() }

func (p *Pipeline) feed() {
	defer close(p.feedDone)

	for !p.stop.Load() {
		f, err := p.queue.Take(100 * time.Millisecond)
		if err != nil {
			if err == bus.ErrTimeout {
				continue
			}
			return
		}

		data := f.RGB
		if p.set.Overlay {
			data = Annotate(f)
		}
		if err := p.enc.WriteFrame(data); err != nil {
			if !p.stop.Load() {
				logger.Error("Preview", "write frame %d: %v", f.Seq, err)
			}
			return
		}
	}
}

// readLoop drains the encoder's elementary stream and broadcasts completed
// access units. It exits when the encoder's stdout reaches EOF.
func (p *Pipeline) readLoop() {
	defer close(p.readDone)

	splitter := NewSplitter()
	out := p.enc.Output()
	buf := make([]byte, 32*1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, u := range splitter.Push(buf[:n]) {
				p.srv.Broadcast(u)
			}
		}
		if err != nil {
			return
		}
	}
}

// Stop tears the pipeline down: feed loop first, then the encoder, then
// the splitter loop as the stream drains, then the viewers.
func (p *Pipeline) Stop() {
	if !p.stop.CompareAndSwap(false, true) {
		return
	}
	if p.queue == nil {
		return
	}
	<-p.feedDone
	p.bus.Unregister(consumerID)

	if err := p.enc.Finish(); err != nil {
		logger.Warn("Preview", "encoder finish: %v", err)
	}
	<-p.readDone
	p.srv.Close()
	logger.Info("Preview", "live view pipeline stopped")
}
