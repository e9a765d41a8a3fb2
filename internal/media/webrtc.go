// Package media implements the call negotiator's media capability on top of
// pion/webrtc.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/slasso10/chat-multiple/internal/call"
	"github.com/slasso10/chat-multiple/internal/models"
)

// DefaultSTUNServers are used when no servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var errForeignStream = errors.New("stream was not acquired from this engine")

// Engine creates local tracks and peer connections.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds a WebRTC API with the default codecs and interceptors.
// A nil stunServers slice selects DefaultSTUNServers; an empty one disables
// STUN.
func NewEngine(stunServers []string, opts ...Option) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Give ICE a little longer than the default before reporting a
	// disconnect; the negotiator ends the call on the first one.
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	if stunServers == nil {
		stunServers = DefaultSTUNServers
	}
	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: append([]string(nil), stunServers...)}}
	}

	e := &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Acquire creates the local tracks for a call. Samples are fed through
// Stream.WriteAudio and Stream.WriteVideo by the capture source.
func (e *Engine) Acquire(_ context.Context, opts models.MediaOptions) (call.LocalStream, error) {
	if !opts.Audio && !opts.Video {
		return nil, fmt.Errorf("%w: no tracks requested", call.ErrMediaAccessDenied)
	}

	streamID := fmt.Sprintf("chat-%d", time.Now().UnixNano())
	s := &Stream{}
	if opts.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", call.ErrMediaAccessDenied, err)
		}
		s.audio = track
	}
	if opts.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", call.ErrMediaAccessDenied, err)
		}
		s.video = track
	}
	e.logger.Debug("local media acquired", "audio", opts.Audio, "video", opts.Video)
	return s, nil
}

// NewSession opens a peer connection carrying the stream's tracks.
func (e *Engine) NewSession(_ context.Context, stream call.LocalStream, hooks call.SessionHooks) (call.PeerSession, error) {
	s, ok := stream.(*Stream)
	if !ok {
		return nil, errForeignStream
	}

	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, track := range s.tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}

	ps := &PeerSession{pc: pc, logger: e.logger}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			e.logger.Warn("encode local candidate", "error", err)
			return
		}
		hooks.OnLocalCandidate(string(raw))
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Debug("ice connection state", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			if ps.closed.Load() || hooks.OnConnectivityLost == nil {
				return
			}
			ps.lostOnce.Do(hooks.OnConnectivityLost)
		}
	})
	return ps, nil
}

// Stream is a set of local sample tracks.
type Stream struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	muted    atomic.Bool
	released atomic.Bool
}

func (s *Stream) tracks() []*webrtc.TrackLocalStaticSample {
	out := make([]*webrtc.TrackLocalStaticSample, 0, 2)
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *Stream) Release()            { s.released.Store(true) }
func (s *Stream) Released() bool      { return s.released.Load() }
func (s *Stream) SetMuted(muted bool) { s.muted.Store(muted) }
func (s *Stream) Muted() bool         { return s.muted.Load() }

// WriteAudio sends one encoded audio frame. Frames are dropped while muted
// or after release.
func (s *Stream) WriteAudio(data []byte, d time.Duration) error {
	if s.audio == nil || s.released.Load() || s.muted.Load() {
		return nil
	}
	return s.audio.WriteSample(pionmedia.Sample{Data: data, Duration: d})
}

func (s *Stream) WriteVideo(data []byte, d time.Duration) error {
	if s.video == nil || s.released.Load() {
		return nil
	}
	return s.video.WriteSample(pionmedia.Sample{Data: data, Duration: d})
}

// PeerSession wraps a peer connection. Descriptions and candidates cross the
// boundary as JSON-encoded pion values.
type PeerSession struct {
	pc       *webrtc.PeerConnection
	logger   *slog.Logger
	lostOnce sync.Once
	closed   atomic.Bool
}

func (p *PeerSession) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return p.setLocal(offer)
}

func (p *PeerSession) CreateAnswer(_ context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return p.setLocal(answer)
}

func (p *PeerSession) setLocal(desc webrtc.SessionDescription) (string, error) {
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (p *PeerSession) SetRemoteDescription(_ context.Context, sdp string) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerSession) AddICECandidate(_ context.Context, candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *PeerSession) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}
