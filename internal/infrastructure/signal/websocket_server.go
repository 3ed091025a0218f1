package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"
	"lancast/internal/core/services"
	apperrors "lancast/pkg/errors"
	"lancast/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN-only deployment, any origin may connect
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// AudioStats receives the relayed byte count from keepalive pulls.
type AudioStats interface {
	AddAudioBytes(n int)
}

// Options tune the WebSocket transport and the per-connection message
// rate limit.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

func (o *Options) fillDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 50
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 100
	}
}

// WebSocketServer accepts signaling connections and drives the per
// connection state machine: Idle -> Sending | Receiving -> Idle. Each
// connection's state is mutated only by its own handler goroutine; shared
// state lives in the registry.
type WebSocketServer struct {
	registry *services.Registry
	sessions ports.SessionFactory
	stats    AudioStats
	opts     Options

	logger *zap.SugaredLogger
}

func NewWebSocketServer(registry *services.Registry, sessions ports.SessionFactory, stats AudioStats, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	opts.fillDefaults()
	return &WebSocketServer{
		registry: registry,
		sessions: sessions,
		stats:    stats,
		opts:     opts,
		logger:   logger,
	}
}

// connection is the per-socket state. Only the goroutine running
// HandleWebSocket for this socket touches role, streamID and session.
type connection struct {
	id domain.ConnectionID
	ws *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	role     domain.Role
	streamID domain.StreamID
	session  ports.PeerSession
}

// Send delivers one message to the client. Safe for concurrent use.
func (c *connection) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{
		id:           domain.ConnectionID(uuid.NewString()),
		ws:           ws,
		writeTimeout: s.opts.WriteTimeout,
	}
	s.registry.Register(conn.id, conn)
	defer s.cleanupConnection(conn)

	s.logger.Infow("client connected", "connection_id", conn.id)

	ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	// Tell the client what is already playing.
	if err := conn.Send(domain.NewAvailableStreams(s.registry.ListStreamIDs())); err != nil {
		s.logger.Infow("failed to send initial stream list", "connection_id", conn.id, "error", err)
	}

	messageChan := make(chan domain.Message, 10)
	errorChan := make(chan error, 1)
	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			if !limiter.Allow() {
				s.logger.Warnw("message rate exceeded, dropping", "connection_id", conn.id)
				continue
			}
			msg, err := domain.DecodeMessage(data)
			if err != nil {
				// Protocol errors are logged and dropped; the socket
				// stays open.
				appErr := apperrors.Wrap(err, apperrors.ErrCodeProtocol, "malformed signaling message", http.StatusBadRequest)
				s.logger.Warnw("dropping malformed message", "connection_id", conn.id, "error", appErr)
				continue
			}
			messageChan <- msg
		}
	}()

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		// Re-evaluated each round: stop_stream swaps the session out.
		var events <-chan ports.SessionEvent
		if conn.session != nil {
			events = conn.session.Events()
		}

		select {
		case msg := <-messageChan:
			s.handleMessage(conn, msg)

		case ev := <-events:
			s.handleSessionEvent(conn, ev)

		case <-pingTicker.C:
			conn.writeMu.Lock()
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "connection_id", conn.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "connection_id", conn.id, "error", err)
			}
			return
		}
	}
}

// handleMessage dispatches one decoded message. Every branch isolates its
// own failures; nothing here may take the handler loop down.
func (s *WebSocketServer) handleMessage(conn *connection, msg domain.Message) {
	ctx, span := tracing.TraceSignalMessage(context.Background(), string(msg.Type), string(conn.id))
	defer span.End()

	switch msg.Type {
	case domain.MsgStartSending:
		s.setupSender(conn)
	case domain.MsgStartReceiving:
		s.setupReceiver(ctx, conn, msg.StreamID)
	case domain.MsgOffer:
		s.handleOffer(ctx, conn, msg.Offer)
	case domain.MsgAnswer:
		s.handleAnswer(conn, msg.Answer)
	case domain.MsgGetAvailableStreams:
		s.sendAvailableStreams(conn)
	case domain.MsgStopStream:
		s.stopMedia(conn)
	case domain.MsgUnknown:
		s.logger.Debugw("ignoring unknown message type",
			"connection_id", conn.id,
			"type", msg.RawType,
		)
	}
}

// setupSender arms the connection as the audio producer. The stream
// itself is created later, when the session reports an inbound track.
func (s *WebSocketServer) setupSender(conn *connection) {
	s.logger.Infow("setting up sender", "connection_id", conn.id)
	conn.role = domain.RoleSender

	s.replaceSession(conn, nil)
	sess, err := s.sessions.NewSession(conn.id)
	if err != nil {
		s.logger.Errorw("failed to create sender session", "connection_id", conn.id, "error", err)
		s.sendError(conn, "Server error: could not create media session")
		return
	}
	conn.session = sess

	if err := conn.Send(domain.NewSenderReady(conn.id)); err != nil {
		s.logger.Infow("failed to send sender_ready", "connection_id", conn.id, "error", err)
	}
}

// setupReceiver resolves the requested stream (latest when omitted),
// registers the receiver, builds a session around a fresh relay
// subscription and sends the offer once ICE gathering has settled.
func (s *WebSocketServer) setupReceiver(ctx context.Context, conn *connection, streamID domain.StreamID) {
	conn.role = domain.RoleReceiver

	if streamID == "" {
		latest, ok := s.registry.LatestStreamID()
		if !ok {
			s.sendError(conn, "No audio stream available")
			return
		}
		streamID = latest
	}

	handle, ok := s.registry.Lookup(streamID)
	if !ok {
		s.sendError(conn, "No audio stream available")
		return
	}
	if handle.Source.Ended() {
		s.logger.Warnw("requested stream has ended", "connection_id", conn.id, "stream_id", streamID)
		s.registry.RemoveStream(streamID)
		s.sendError(conn, "Stream ended")
		return
	}

	if err := s.registry.AddReceiver(streamID, conn.id); err != nil {
		s.sendError(conn, "No audio stream available")
		return
	}
	conn.streamID = streamID

	sub, err := handle.Source.Subscribe()
	if err != nil {
		s.registry.RemoveReceiver(streamID, conn.id)
		s.sendError(conn, "Stream ended")
		return
	}

	s.replaceSession(conn, nil)
	sess, err := s.sessions.NewSession(conn.id)
	if err != nil {
		sub.Close()
		s.registry.RemoveReceiver(streamID, conn.id)
		s.logger.Errorw("failed to create receiver session", "connection_id", conn.id, "error", err)
		s.sendError(conn, "Server error: could not create media session")
		return
	}
	if err := sess.AttachOutput(sub); err != nil {
		sub.Close()
		sess.Close()
		s.registry.RemoveReceiver(streamID, conn.id)
		s.logger.Errorw("failed to attach output track", "connection_id", conn.id, "error", err)
		s.sendError(conn, "Server error: could not attach media track")
		return
	}
	conn.session = sess

	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Errorw("failed to create offer", "connection_id", conn.id, "error", apperrors.NewSessionError(err))
		s.sendError(conn, "Server error: could not create offer")
		return
	}

	// Stale-offer guard: the session may have been replaced or the
	// connection torn down while gathering settled.
	if conn.session != sess || !s.registry.Connected(conn.id) {
		appErr := apperrors.New(apperrors.ErrCodeStaleState, "connection reset during receiver setup", http.StatusConflict)
		s.logger.Warnw("abandoning offer", "connection_id", conn.id, "error", appErr)
		return
	}

	if err := conn.Send(domain.NewOffer(offer)); err != nil {
		s.logger.Infow("failed to send offer", "connection_id", conn.id, "error", err)
		return
	}
	s.logger.Infow("sent offer to receiver", "connection_id", conn.id, "stream_id", streamID)
}

// handleOffer applies an offer from the sender and answers it.
func (s *WebSocketServer) handleOffer(ctx context.Context, conn *connection, offer domain.SessionDescription) {
	if conn.session == nil {
		return
	}
	answer, err := conn.session.AcceptOffer(ctx, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Errorw("failed to handle offer", "connection_id", conn.id, "error", apperrors.NewSessionError(err))
		s.sendError(conn, "Server error: could not apply offer")
		return
	}
	if err := conn.Send(domain.NewAnswer(answer)); err != nil {
		s.logger.Infow("failed to send answer", "connection_id", conn.id, "error", err)
	}
}

// handleAnswer applies an answer from a receiver. No reply is expected.
func (s *WebSocketServer) handleAnswer(conn *connection, answer domain.SessionDescription) {
	if conn.session == nil {
		return
	}
	if err := conn.session.AcceptAnswer(answer); err != nil {
		s.logger.Errorw("failed to handle answer", "connection_id", conn.id, "error", apperrors.NewSessionError(err))
		s.sendError(conn, "Server error: could not apply answer")
		return
	}
	s.logger.Infow("set remote description", "connection_id", conn.id)
}

func (s *WebSocketServer) sendAvailableStreams(conn *connection) {
	if err := conn.Send(domain.NewAvailableStreams(s.registry.ListStreamIDs())); err != nil {
		s.logger.Infow("failed to send stream list", "connection_id", conn.id, "error", err)
	}
}

// stopMedia closes the connection's media session and returns it to the
// idle state. The signaling socket stays open. A sender stopping takes
// its stream down with it; closing the session ends the source track, so
// the stream must not outlive the session.
func (s *WebSocketServer) stopMedia(conn *connection) {
	if conn.session != nil {
		s.logger.Infow("stopping media", "connection_id", conn.id)
	}
	s.replaceSession(conn, nil)
	switch {
	case conn.role == domain.RoleSender:
		s.endStream(conn)
	case conn.role == domain.RoleReceiver && conn.streamID != "":
		s.registry.RemoveReceiver(conn.streamID, conn.id)
	}
	conn.streamID = ""
	conn.role = domain.RoleUnset
}

// handleSessionEvent reacts to track lifecycle notifications from the
// connection's own peer session.
func (s *WebSocketServer) handleSessionEvent(conn *connection, ev ports.SessionEvent) {
	switch ev.Kind {
	case ports.SessionTrackStarted:
		if conn.role != domain.RoleSender {
			return
		}
		streamID := domain.StreamIDFor(conn.id)
		s.registry.CreateStream(streamID, ev.Source, conn.id)
		conn.streamID = streamID
		s.logger.Infow("stored stream", "stream_id", streamID, "connection_id", conn.id)
		s.broadcast(domain.NewStreamAvailable(streamID))
		go s.keepalive(streamID, ev.Source)

	case ports.SessionTrackEnded:
		s.logger.Infow("audio track ended", "connection_id", conn.id)
		s.endStream(conn)

	case ports.SessionFailed:
		s.logger.Warnw("media session failed", "connection_id", conn.id)
		s.replaceSession(conn, nil)
		if conn.role == domain.RoleReceiver && conn.streamID != "" {
			s.registry.RemoveReceiver(conn.streamID, conn.id)
			conn.streamID = ""
		}
		s.endStream(conn)
		conn.role = domain.RoleUnset
	}
}

// endStream evicts the sender's stream and notifies everyone, once.
func (s *WebSocketServer) endStream(conn *connection) {
	if conn.streamID == "" || conn.role != domain.RoleSender {
		return
	}
	streamID := conn.streamID
	conn.streamID = ""
	if s.registry.RemoveStream(streamID) {
		s.broadcast(domain.NewStreamEnded(streamID))
	}
}

// keepalive pulls frames from a fresh subscription for as long as the
// stream is registered, so the fan-out stays warm with zero listeners.
// It also feeds the relayed byte counter.
func (s *WebSocketServer) keepalive(streamID domain.StreamID, source ports.TrackSource) {
	sub, err := source.Subscribe()
	if err != nil {
		return
	}
	defer sub.Close()

	handle, ok := s.registry.Lookup(streamID)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-handle.Done
		cancel()
	}()

	for {
		pkt, err := sub.ReadRTP(ctx)
		if err != nil {
			s.logger.Infow("keepalive loop stopped", "stream_id", streamID, "reason", err)
			return
		}
		if s.stats != nil {
			s.stats.AddAudioBytes(len(pkt.Payload))
		}
	}
}

// broadcast delivers a message to a snapshot of all connections. A
// failed delivery is swallowed; the remaining connections still get it.
func (s *WebSocketServer) broadcast(msg interface{}) {
	for _, sender := range s.registry.Connections() {
		if err := sender.Send(msg); err != nil {
			s.logger.Debugw("broadcast delivery failed", "error", err)
		}
	}
}

func (s *WebSocketServer) sendError(conn *connection, message string) {
	if err := conn.Send(domain.NewError(message)); err != nil {
		s.logger.Debugw("failed to send error message", "connection_id", conn.id, "error", err)
	}
}

// replaceSession closes the current session, if any, and installs next.
func (s *WebSocketServer) replaceSession(conn *connection, next ports.PeerSession) {
	if conn.session != nil {
		if err := conn.session.Close(); err != nil {
			s.logger.Debugw("error closing session", "connection_id", conn.id, "error", err)
		}
	}
	conn.session = next
}

// cleanupConnection runs when the socket closes: a sender takes its
// stream down with it, a receiver just leaves the receiver set.
func (s *WebSocketServer) cleanupConnection(conn *connection) {
	s.logger.Infow("cleaning up connection", "connection_id", conn.id)

	switch {
	case conn.role == domain.RoleSender && conn.streamID != "":
		s.endStream(conn)
	case conn.role == domain.RoleReceiver && conn.streamID != "":
		s.registry.RemoveReceiver(conn.streamID, conn.id)
	}

	s.replaceSession(conn, nil)
	s.registry.Unregister(conn.id)
}
