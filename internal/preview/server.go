package preview

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/irview/thermstream/internal/logger"
	"github.com/irview/thermstream/internal/metrics"
	"github.com/irview/thermstream/pkg/types"
)

const h264ClockRate = 90000

// clientQueueDepth buffers one second of units per viewer before units are
// dropped for that viewer.
const clientQueueDepth = int(types.SensorFPS)

// client is one connected viewer.
type client struct {
	id       string
	peerConn *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	units    chan AccessUnit
	closed   chan struct{}

	needKey bool // drop everything until the first IDR

	// read by removeLocked while Broadcast and sendUnits still write
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Server fans access units out to WebRTC viewers. Each viewer gets its own
// peer connection, track, and bounded unit queue.
type Server struct {
	mu      sync.RWMutex
	clients map[string]*client

	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	met        *metrics.Metrics
}

// NewServer configures the WebRTC stack. An empty stunServers list falls
// back to Google's public STUN.
func NewServer(stunServers []string, maxClients int, met *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("Preview", "register codecs: %v", err)
	}

	return &Server{
		clients:    make(map[string]*client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingsEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		met: met,
	}
}

// HandleOffer negotiates one viewer session: parse the offer, build a peer
// connection with an H.264 track, and return the answer with gathered ICE
// candidates.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	s.mu.RLock()
	numClients := len(s.clients)
	s.mu.RUnlock()
	if numClients >= s.maxClients {
		return nil, fmt.Errorf("viewer limit reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video", "thermstream",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(track)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	c := &client{
		id:       fmt.Sprintf("viewer-%d", time.Now().UnixNano()),
		peerConn: peerConn,
		track:    track,
		units:    make(chan AccessUnit, clientQueueDepth),
		closed:   make(chan struct{}),
		needKey:  true,
	}

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("Preview", "viewer %s ICE state: %s", c.id, state.String())
		if state == webrtc.ICEConnectionStateDisconnected ||
			state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			s.RemoveClient(c.id)
		}
	})
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Preview", "viewer %s connection state: %s", c.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(c.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.met != nil {
		s.met.PreviewClients.Add(1)
	}

	go s.sendUnits(c)
	logger.Info("Preview", "viewer %s connected", c.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, errors.New("no local description available")
	}
	return json.Marshal(localDesc)
}

// Broadcast offers an access unit to every viewer. A viewer that has not
// yet received a keyframe skips everything up to the next IDR; a viewer
// whose queue is full loses the unit.
func (s *Server) Broadcast(u AccessUnit) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		if c.needKey {
			if !u.IsIDR {
				continue
			}
			c.needKey = false
		}
		select {
		case c.units <- u:
		default:
			c.dropped.Add(1)
			if s.met != nil {
				s.met.PreviewFramesDropped.Add(1)
			}
		}
	}
}

func (s *Server) sendUnits(c *client) {
	for {
		select {
		case <-c.closed:
			return
		case u, ok := <-c.units:
			if !ok {
				return
			}
			err := c.track.WriteSample(media.Sample{
				Data:     u.Data,
				Duration: time.Second / time.Duration(types.SensorFPS),
			})
			if err != nil {
				if err != io.ErrClosedPipe {
					logger.Warn("Preview", "write sample to %s: %v", c.id, err)
				}
				return
			}
			c.sent.Add(1)
			if s.met != nil {
				s.met.PreviewFramesSent.Add(1)
			}
		}
	}
}

// RemoveClient tears one viewer down.
func (s *Server) RemoveClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Server) removeLocked(id string) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	close(c.closed)
	c.peerConn.Close()
	delete(s.clients, id)
	if s.met != nil {
		s.met.PreviewClients.Add(^uint64(0))
	}
	logger.Info("Preview", "viewer %s disconnected (sent: %d, dropped: %d)",
		id, c.sent.Load(), c.dropped.Load())
}

// ClientCount returns the number of connected viewers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every viewer.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.clients {
		s.removeLocked(id)
	}
	return nil
}
