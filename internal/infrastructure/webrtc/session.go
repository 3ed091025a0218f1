package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the transport configuration shared by all sessions. The
// default ICE server list is empty: the relay is LAN-only and never
// reaches out to STUN or TURN.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// SettleDelay caps how long offer/answer generation waits for ICE
	// gathering to complete before sending whatever has been gathered.
	SettleDelay time.Duration
	// RelayBuffer is the per-subscription packet buffer for fan-out.
	RelayBuffer int
}

// Factory builds peer sessions.
type Factory struct {
	config Config
	stats  RTCPStats
	logger *zap.SugaredLogger
}

func NewFactory(config Config, stats RTCPStats, logger *zap.SugaredLogger) *Factory {
	if config.SettleDelay <= 0 {
		config.SettleDelay = time.Second
	}
	return &Factory{config: config, stats: stats, logger: logger}
}

// NewSession creates a peer connection for one signaling connection.
func (f *Factory) NewSession(connID domain.ConnectionID) (ports.PeerSession, error) {
	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set UDP port range: %w", err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		connID:      connID,
		pc:          pc,
		settle:      f.config.SettleDelay,
		relayBuffer: f.config.RelayBuffer,
		stats:       f.stats,
		events:      make(chan ports.SessionEvent, 4),
		closed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		logger:      f.logger,
	}

	pc.OnTrack(s.handleTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Infow("ICE connection state changed",
			"connection_id", connID,
			"ice_state", state.String(),
		)
		if state == webrtc.ICEConnectionStateFailed {
			pc.Close()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed",
			"connection_id", connID,
			"connection_state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed {
			s.emit(ports.SessionEvent{Kind: ports.SessionFailed})
		}
	})

	return s, nil
}

// Session wraps one pion peer connection. Track and state notifications
// arrive on the Events channel so the signaling loop that owns the
// session is the only code mutating connection state.
type Session struct {
	connID      domain.ConnectionID
	pc          *webrtc.PeerConnection
	settle      time.Duration
	relayBuffer int
	stats       RTCPStats

	events chan ports.SessionEvent

	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	logger *zap.SugaredLogger
}

func (s *Session) Events() <-chan ports.SessionEvent { return s.events }

func (s *Session) emit(ev ports.SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	s.logger.Infow("received audio track",
		"connection_id", s.connID,
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)
	source := NewSource(track.ID(), track, receiver, s.relayBuffer, s.stats, s.logger)
	s.emit(ports.SessionEvent{Kind: ports.SessionTrackStarted, Source: source})
	go func() {
		select {
		case <-source.Done():
			s.emit(ports.SessionEvent{Kind: ports.SessionTrackEnded, Source: source})
		case <-s.closed:
		}
	}()
}

// CreateOffer generates the local offer, waiting for ICE gathering
// bounded by the settle delay so candidates ride along in the SDP.
func (s *Session) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	s.waitForGathering(ctx, gathered)
	return s.localDescription()
}

// AcceptOffer applies the remote offer and returns the local answer,
// with the same gathering wait as CreateOffer.
func (s *Session) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	s.waitForGathering(ctx, gathered)
	return s.localDescription()
}

func (s *Session) AcceptAnswer(answer domain.SessionDescription) error {
	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *Session) waitForGathering(ctx context.Context, gathered <-chan struct{}) {
	timer := time.NewTimer(s.settle)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
	case <-ctx.Done():
	case <-s.closed:
	}
}

func (s *Session) localDescription() (domain.SessionDescription, error) {
	ld := s.pc.LocalDescription()
	if ld == nil {
		return domain.SessionDescription{}, domain.ErrNoActiveSession
	}
	return domain.SessionDescription{SDP: ld.SDP, Type: ld.Type.String()}, nil
}

// AttachOutput binds a relay subscription to a fresh outbound Opus track
// and starts the pump copying packets into it. The pump owns the
// subscription and closes it on every exit path.
func (s *Session) AttachOutput(sub ports.Subscription) error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"lancast-audio",
	)
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	// The RTP sender's RTCP stream must be drained for interceptors to
	// keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go func() {
		defer sub.Close()
		for {
			pkt, err := sub.ReadRTP(s.ctx)
			if err != nil {
				return
			}
			if err := track.WriteRTP(pkt); err != nil {
				s.logger.Debugw("write to outbound track failed",
					"connection_id", s.connID,
					"error", err,
				)
				return
			}
		}
	}()
	return nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closed)
		err = s.pc.Close()
	})
	return err
}
