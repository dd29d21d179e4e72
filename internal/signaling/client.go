// Package signaling is the client side of the relay protocol: session
// rendezvous over HTTP and realtime message exchange over a websocket.
// Delivery is best-effort and in-order; the channel does not retry or
// deduplicate, callers tolerate at-most-once semantics.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/protocol"
)

var (
	ErrSignalingUnavailable = errors.New("signaling: service unavailable")
	ErrSessionNotFound      = errors.New("signaling: session not found")
	ErrSessionFull          = errors.New("signaling: session is full")
	ErrNotConnected         = errors.New("signaling: channel not connected")
)

const writeWait = 1 * time.Second

// Handlers receives inbound messages dispatched by kind. Exactly one set
// is registered per channel; nil callbacks skip that kind. Unknown inbound
// kinds are ignored.
type Handlers struct {
	OnPeerJoined   func(fromPeer string)
	OnOffer        func(fromPeer string, desc webrtc.SessionDescription)
	OnAnswer       func(fromPeer string, desc webrtc.SessionDescription)
	OnCandidate    func(fromPeer string, cand webrtc.ICECandidateInit)
	OnPeerLeft     func(fromPeer string)
	OnSessionEnded func()

	// OnClosed fires once when the read loop exits for any reason other
	// than a local Disconnect.
	OnClosed func(err error)
}

// JoinResult is what a successful join yields: everything a peer needs to
// start negotiating.
type JoinResult struct {
	PeerID      string
	ICEServers  []webrtc.ICEServer
	IsInitiator bool
}

type Config struct {
	// BaseURL is the relay's HTTP root, e.g. "http://localhost:8080".
	BaseURL string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Channel talks to one relay session on behalf of one peer.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
	dialer *websocket.Dialer

	peerID string

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	handlers  Handlers
	closed    bool
}

func New(cfg Config) (*Channel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signaling: base url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("signaling: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// The peer id exists before any join attempt so it is stable across
	// retries.
	return &Channel{
		cfg:    cfg,
		log:    log,
		client: client,
		dialer: dialer,
		peerID: uuid.NewString(),
	}, nil
}

// PeerID returns this channel's locally generated peer identity.
func (c *Channel) PeerID() string { return c.peerID }

// OnMessage registers the handler set. Must be called before JoinSession;
// later calls replace the set for subsequent messages.
func (c *Channel) OnMessage(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// CreateSession asks the relay for a fresh session id.
func (c *Channel) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/sessions", nil)
	if err != nil {
		return "", fmt.Errorf("signaling: build create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: create returned %d", ErrSignalingUnavailable, resp.StatusCode)
	}
	var out protocol.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode create response: %w", ErrSignalingUnavailable, err)
	}
	return out.SessionID, nil
}

// JoinSession claims a slot in the session and, only once the join is
// accepted, opens the websocket keyed by (sessionID, peerID) and starts
// dispatching inbound messages.
func (c *Channel) JoinSession(ctx context.Context, sessionID string) (JoinResult, error) {
	body, err := json.Marshal(protocol.JoinRequest{PeerID: c.peerID})
	if err != nil {
		return JoinResult{}, fmt.Errorf("signaling: encode join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/sessions/"+url.PathEscape(sessionID)+"/join", bytes.NewReader(body))
	if err != nil {
		return JoinResult{}, fmt.Errorf("signaling: build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return JoinResult{}, ErrSessionNotFound
	case http.StatusConflict:
		return JoinResult{}, ErrSessionFull
	default:
		return JoinResult{}, fmt.Errorf("%w: join returned %d", ErrSignalingUnavailable, resp.StatusCode)
	}

	var join protocol.JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		return JoinResult{}, fmt.Errorf("%w: decode join response: %w", ErrSignalingUnavailable, err)
	}

	conn, err := c.dialWS(ctx, sessionID)
	if err != nil {
		return JoinResult{}, err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.Info("signaling channel connected", "session_id", sessionID, "peer_id", c.peerID)
	return JoinResult{
		PeerID:      c.peerID,
		ICEServers:  protocol.ICEServersToPion(join.ICEServers),
		IsInitiator: join.IsInitiator,
	}, nil
}

func (c *Channel) dialWS(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	wsURL := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + strings.TrimPrefix(wsURL, "https")
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	wsURL += "/ws/" + url.PathEscape(sessionID) + "/" + url.PathEscape(c.peerID)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: dial websocket: %w", ErrSignalingUnavailable, err)
	}
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasLocal := c.closed
			h := c.handlers
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if !wasLocal && h.OnClosed != nil {
				h.OnClosed(err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg []byte) {
	env, err := protocol.Parse(msg)
	if err != nil {
		// Unknown or malformed kinds are ignored, not fatal.
		c.log.Debug("ignoring inbound message", "err", err)
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch env.Type {
	case protocol.TypePeerJoined:
		if h.OnPeerJoined != nil {
			h.OnPeerJoined(env.FromPeer)
		}
	case protocol.TypeOffer:
		sdp, err := env.SDP()
		if err != nil {
			c.log.Debug("ignoring offer with bad payload", "err", err)
			return
		}
		desc, err := sdp.ToPion()
		if err != nil {
			c.log.Debug("ignoring offer with bad sdp type", "err", err)
			return
		}
		if h.OnOffer != nil {
			h.OnOffer(env.FromPeer, desc)
		}
	case protocol.TypeAnswer:
		sdp, err := env.SDP()
		if err != nil {
			c.log.Debug("ignoring answer with bad payload", "err", err)
			return
		}
		desc, err := sdp.ToPion()
		if err != nil {
			c.log.Debug("ignoring answer with bad sdp type", "err", err)
			return
		}
		if h.OnAnswer != nil {
			h.OnAnswer(env.FromPeer, desc)
		}
	case protocol.TypeCandidate:
		cand, err := env.Candidate()
		if err != nil {
			c.log.Debug("ignoring candidate with bad payload", "err", err)
			return
		}
		if h.OnCandidate != nil {
			h.OnCandidate(env.FromPeer, cand.ToPion())
		}
	case protocol.TypePeerLeft:
		if h.OnPeerLeft != nil {
			h.OnPeerLeft(env.FromPeer)
		}
	case protocol.TypeSessionEnded:
		if h.OnSessionEnded != nil {
			h.OnSessionEnded()
		}
	default:
		c.log.Debug("ignoring unknown message kind", "type", string(env.Type))
	}
}

// SendOffer transmits a local offer. Best-effort: no acknowledgement.
func (c *Channel) SendOffer(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.NewOffer(sid, protocol.SDPFromPion(desc)))
}

// SendAnswer transmits a local answer addressed to the offering peer.
func (c *Channel) SendAnswer(toPeer string, desc webrtc.SessionDescription) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.NewAnswer(sid, toPeer, protocol.SDPFromPion(desc)))
}

// SendCandidate transmits a local ICE candidate.
func (c *Channel) SendCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.NewCandidate(sid, protocol.CandidateFromPion(cand)))
}

func (c *Channel) send(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("signaling: write message: %w", err)
	}
	return nil
}

// Disconnect closes the realtime channel. Idempotent and safe to call
// when never connected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeWait))
	_ = conn.Close()
	c.log.Info("signaling channel disconnected", "peer_id", c.peerID)
}
