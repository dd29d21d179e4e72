// Package relayserver implements the rendezvous and message relay two
// peers use to reach each other: an HTTP session API plus a websocket
// forwarding hub. The relay never inspects SDP contents; it moves opaque
// envelopes between the two peers of a session.
package relayserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

type Config struct {
	// ICEServers is handed verbatim to joining peers.
	ICEServers []protocol.ICEServer

	MaxSessions     int
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	MaxMessageBytes int64

	// MessagesPerSecond bounds inbound signaling messages per connection.
	MessagesPerSecond int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1024
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	store    *store
	upgrader websocket.Upgrader

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		store:   newStore(cfg.MaxSessions, cfg.SessionTTL, cfg.Logger, cfg.Metrics),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Register mounts the relay routes on mux. Must be called before the mux
// starts serving.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("GET /ws/{sessionID}/{peerID}", s.handleWS)
}

// Close stops the TTL sweeper and ends every live session: peers still
// connected get a session_ended envelope and a going-away close so they
// can tear down cleanly instead of waiting on a dead socket.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		for _, sender := range s.store.drain() {
			sender.sendEnvelope(protocol.Envelope{Type: protocol.TypeSessionEnded})
			sender.close(websocket.CloseGoingAway, "relay shutting down")
		}
	})
}

// Metrics exposes the counter registry for the metrics endpoint.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// SessionCount reports live sessions, for readiness output.
func (s *Server) SessionCount() int { return s.store.len() }

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.store.sweep(now)
		}
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.create()
	if errors.Is(err, ErrCapacity) {
		writeError(w, http.StatusServiceUnavailable, "session capacity reached")
		return
	}
	s.log.Info("session created", "session_id", id)
	writeJSON(w, http.StatusCreated, protocol.CreateSessionResponse{SessionID: id})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req protocol.JoinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "invalid join request")
		return
	}

	isInitiator, err := s.store.join(sessionID, req.PeerID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, ErrSessionFull):
		writeError(w, http.StatusConflict, "session is full")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}

	s.log.Info("peer joined session",
		"session_id", sessionID,
		"peer_id", req.PeerID,
		"is_initiator", isInitiator,
	)
	writeJSON(w, http.StatusOK, protocol.JoinResponse{
		ICEServers:  s.cfg.ICEServers,
		IsInitiator: isInitiator,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	peerID := r.PathValue("peerID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sender := newWSSender(conn)
	defer sender.closeNow()

	other, err := s.store.attach(sessionID, peerID, sender)
	if err != nil {
		sender.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	s.metrics.Inc(metrics.PeersConnected)
	s.log.Info("peer socket attached", "session_id", sessionID, "peer_id", peerID)

	// Tell the already-connected peer someone arrived. The arriving peer
	// learns about the existing one the same way, because attach returned
	// its sender.
	if other != nil {
		other.sendEnvelope(protocol.Envelope{
			Type:      protocol.TypePeerJoined,
			SessionID: sessionID,
			FromPeer:  peerID,
		})
		sender.sendEnvelope(protocol.Envelope{
			Type:      protocol.TypePeerJoined,
			SessionID: sessionID,
			FromPeer:  s.otherPeerID(sessionID, peerID),
		})
	}

	defer func() {
		s.metrics.Inc(metrics.PeersDisconnected)
		if survivor := s.store.detach(sessionID, peerID); survivor != nil {
			survivor.sendEnvelope(protocol.Envelope{
				Type:      protocol.TypePeerLeft,
				SessionID: sessionID,
				FromPeer:  peerID,
			})
		}
		s.log.Info("peer socket detached", "session_id", sessionID, "peer_id", peerID)
	}()

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			sender.close(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				sender.close(websocket.CloseMessageTooBig, "message too large")
				return
			}
			sender.close(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			sender.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.store.touch(sessionID)
		s.forward(sessionID, peerID, msg)
	}
}

// forward routes one inbound envelope. Offers and candidates always go to
// the other peer; answers honor to_peer when set. Malformed or unknown
// messages are dropped and counted, never fatal to the connection.
func (s *Server) forward(sessionID, peerID string, msg []byte) {
	env, err := protocol.Parse(msg)
	if err != nil {
		s.metrics.Inc(metrics.MessagesDropped)
		s.log.Warn("dropping unparseable message", "session_id", sessionID, "from_peer", peerID, "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		s.metrics.Inc(metrics.MessagesDropped)
		s.log.Warn("dropping invalid message",
			"session_id", sessionID,
			"from_peer", peerID,
			"type", string(env.Type),
			"err", err,
		)
		return
	}

	// The relay is authoritative for routing fields.
	env.SessionID = sessionID
	env.FromPeer = peerID

	var target *wsSender
	switch env.Type {
	case protocol.TypeOffer, protocol.TypeCandidate:
		target = s.store.otherSender(sessionID, peerID)
	case protocol.TypeAnswer:
		if env.ToPeer != "" {
			target = s.store.peerSender(sessionID, env.ToPeer)
		} else {
			target = s.store.otherSender(sessionID, peerID)
		}
	default:
		s.metrics.Inc(metrics.MessagesDropped)
		s.log.Warn("dropping unroutable message type", "type", string(env.Type))
		return
	}

	if target == nil {
		s.metrics.Inc(metrics.MessagesDropped)
		s.log.Debug("dropping message, peer not connected",
			"session_id", sessionID,
			"type", string(env.Type),
		)
		return
	}
	if target.sendEnvelope(env) {
		s.metrics.Inc(metrics.MessagesForwarded)
	} else {
		s.metrics.Inc(metrics.MessagesDropped)
	}
}

func (s *Server) otherPeerID(sessionID, peerID string) string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if sess, ok := s.store.sessions[sessionID]; ok {
		if other := sess.other(peerID); other != nil {
			return other.id
		}
	}
	return ""
}

// wsSender serializes writes to one websocket connection. gorilla permits
// one concurrent writer, and envelopes arrive from the other peer's read
// loop and from shutdown.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (ws *wsSender) sendEnvelope(env protocol.Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		return false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (ws *wsSender) close(code int, reason string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (ws *wsSender) closeNow() {
	_ = ws.conn.Close()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
