package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
)

// DefaultSTUNServer is used when no ICE servers are configured
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// PionConfig configures the Pion media backend
type PionConfig struct {
	ICEServers []string
	// DisconnectedTimeout is how long ICE may stay disconnected before failing.
	// A relay hiccup should not end the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// PionBackend opens WebRTC sessions with pion/webrtc. Local tracks are sample
// tracks the caller feeds; with no source they stay silent.
type PionBackend struct {
	cfg PionConfig
	log *zap.Logger
}

// NewPionBackend creates a Pion media backend
func NewPionBackend(cfg PionConfig, log *zap.Logger) *PionBackend {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{DefaultSTUNServer}
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PionBackend{cfg: cfg, log: log}
}

func (b *PionBackend) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(b.cfg.DisconnectedTimeout, b.cfg.FailedTimeout, b.cfg.KeepAliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Open implements MediaBackend
func (b *PionBackend) Open(ctx context.Context, kind domain.CallKind, sink EventSink) (MediaSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	api, err := b.newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to build media engine: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: b.cfg.ICEServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &pionSession{pc: pc, kind: kind, log: b.log}
	if err := s.addLocalTracks(); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		ci := c.ToJSON()
		sink(MediaEvent{Kind: MediaLocalCandidate, Candidate: Candidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sink(MediaEvent{Kind: MediaRemoteTrack, Track: track.Kind().String()})
		s.readers.Add(1)
		go func() {
			defer s.readers.Done()
			packets, err := drainRTP(func() error {
				_, _, err := track.ReadRTP()
				return err
			})
			s.log.Debug("Remote track ended",
				zap.String("kind", track.Kind().String()),
				zap.Int("packets", packets),
				zap.Error(err))
		}()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if ts, ok := transportState(state); ok {
			sink(MediaEvent{Kind: MediaStateChange, State: ts})
		}
	})
	return s, nil
}

func transportState(state webrtc.PeerConnectionState) (TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed, true
	}
	return "", false
}

type pionSession struct {
	pc      *webrtc.PeerConnection
	kind    domain.CallKind
	log     *zap.Logger
	readers sync.WaitGroup

	mu          sync.Mutex
	audio       *webrtc.TrackLocalStaticSample
	video       *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (s *pionSession) addLocalTracks() error {
	streamID := uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	if s.audioSender, err = s.pc.AddTrack(audio); err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	s.audio = audio

	if s.kind != domain.CallKindVideo {
		return nil
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	if s.videoSender, err = s.pc.AddTrack(video); err != nil {
		// keep the call going as voice with a receive-only video line
		s.log.Warn("Failed to add video track, receiving only", zap.Error(err))
		if _, terr := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); terr != nil {
			return fmt.Errorf("failed to add video transceiver: %w", terr)
		}
		return nil
	}
	s.video = video
	return nil
}

func (s *pionSession) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return SessionDescription{}, fmt.Errorf("invalid offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *pionSession) SetRemoteAnswer(ctx context.Context, answer SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (s *pionSession) AddCandidate(c Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (s *pionSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replaceTrack(s.audioSender, s.audio, !muted)
}

func (s *pionSession) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoSender == nil {
		return nil
	}
	return replaceTrack(s.videoSender, s.video, enabled)
}

// replaceTrack detaches or reattaches a local track without renegotiating
func replaceTrack(sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticSample, on bool) error {
	if sender == nil {
		return errors.New("no local track")
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// Close tears down the peer connection and waits for remote track readers
func (s *pionSession) Close() error {
	err := s.pc.Close()
	s.readers.Wait()
	return err
}

// drainRTP reads until read fails so the receive buffers never back up. It
// returns the number of packets read and the error that stopped it.
func drainRTP(read func() error) (int, error) {
	packets := 0
	for {
		if err := read(); err != nil {
			return packets, err
		}
		packets++
	}
}
