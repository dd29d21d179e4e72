// Package coordinator binds signaling events to negotiation actions. It
// owns the role decision (initiator offers on peer_joined, responder
// answers on sdp_offer) and keeps the channel's receive path free while an
// outbound negotiation step is in flight.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/negotiation"
	"github.com/duocall/duocall/internal/signaling"
)

var ErrNotJoined = errors.New("coordinator: no session joined")

// negotiationTimeout bounds one offer or answer cycle, gathering included.
const negotiationTimeout = 30 * time.Second

// Config wires the coordinator's collaborators. ICEServers and Media are
// latest-value providers: they are consulted when an event fires, never
// captured at registration, so configuration edits between calls take
// effect on the next negotiation.
type Config struct {
	Channel *signaling.Channel
	Engine  *negotiation.Engine

	// ICEServers returns the current ICE server list. Nil means none.
	ICEServers func() []webrtc.ICEServer

	// Media returns the current local media provider. Nil or a nil
	// return means negotiate data-channel only.
	Media func() media.Provider

	Logger *slog.Logger
}

type Coordinator struct {
	ch     *signaling.Channel
	engine *negotiation.Engine
	ice    func() []webrtc.ICEServer
	mediaP func() media.Provider
	log    *slog.Logger

	mu          sync.Mutex
	sessionID   string
	isInitiator bool
	joined      bool
}

func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ice := cfg.ICEServers
	if ice == nil {
		ice = func() []webrtc.ICEServer { return nil }
	}
	mediaP := cfg.Media
	if mediaP == nil {
		mediaP = func() media.Provider { return nil }
	}

	c := &Coordinator{
		ch:     cfg.Channel,
		engine: cfg.Engine,
		ice:    ice,
		mediaP: mediaP,
		log:    log,
	}
	c.ch.OnMessage(signaling.Handlers{
		OnPeerJoined:   c.handlePeerJoined,
		OnOffer:        c.handleOffer,
		OnAnswer:       c.handleAnswer,
		OnCandidate:    c.handleCandidate,
		OnPeerLeft:     c.handlePeerLeft,
		OnSessionEnded: c.handleSessionEnded,
		OnClosed:       c.handleChannelClosed,
	})
	c.engine.OnLocalCandidate(func(cand webrtc.ICECandidateInit) {
		if err := c.ch.SendCandidate(cand); err != nil {
			c.log.Warn("failed to send local candidate", "err", err)
		}
	})
	return c
}

// CreateSession provisions a new session id on the relay. The caller still
// has to JoinSession before negotiation can start.
func (c *Coordinator) CreateSession(ctx context.Context) (string, error) {
	return c.ch.CreateSession(ctx)
}

// JoinSession joins the session and records the role the relay assigned.
// The initiator then waits for peer_joined; the responder waits for an
// offer.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) (signaling.JoinResult, error) {
	join, err := c.ch.JoinSession(ctx, sessionID)
	if err != nil {
		return signaling.JoinResult{}, err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.isInitiator = join.IsInitiator
	c.joined = true
	c.mu.Unlock()

	c.log.Info("joined session",
		"session_id", sessionID,
		"peer_id", join.PeerID,
		"is_initiator", join.IsInitiator,
	)
	return join, nil
}

// SendChat sends a chat message over the open data channel.
func (c *Coordinator) SendChat(text string) error {
	return c.engine.SendMessage(text)
}

// Engine exposes the negotiation engine for state inspection.
func (c *Coordinator) Engine() *negotiation.Engine { return c.engine }

// IsInitiator reports the role assigned by the relay at join time.
func (c *Coordinator) IsInitiator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInitiator
}

// Joined reports whether a live signaling connection to a session exists.
// It goes false when the relay socket dies; an established call keeps
// running regardless.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// HangUp tears down the negotiation and disconnects signaling. Safe at any
// state.
func (c *Coordinator) HangUp() {
	c.engine.HangUp()
	c.ch.Disconnect()

	c.mu.Lock()
	c.sessionID = ""
	c.isInitiator = false
	c.joined = false
	c.mu.Unlock()
}

func (c *Coordinator) handlePeerJoined(fromPeer string) {
	c.mu.Lock()
	initiator := c.isInitiator
	joined := c.joined
	c.mu.Unlock()

	// Only the initiator acts; the responder waits for the offer.
	if !joined || !initiator {
		return
	}

	// Run the offer cycle off the dispatch goroutine so inbound messages
	// (the answer, candidates) keep flowing while gathering runs.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()

		offer, err := c.engine.CreateOffer(ctx, c.ice(), c.mediaP())
		if err != nil {
			c.log.Error("create offer failed", "peer", fromPeer, "err", err)
			return
		}
		if err := c.ch.SendOffer(offer); err != nil {
			c.log.Error("send offer failed", "err", err)
		}
	}()
}

func (c *Coordinator) handleOffer(fromPeer string, desc webrtc.SessionDescription) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()

		answer, err := c.engine.CreateAnswer(ctx, c.ice(), desc, c.mediaP())
		if err != nil {
			c.log.Error("create answer failed", "peer", fromPeer, "err", err)
			return
		}
		if err := c.ch.SendAnswer(fromPeer, answer); err != nil {
			c.log.Error("send answer failed", "err", err)
		}
	}()
}

func (c *Coordinator) handleAnswer(fromPeer string, desc webrtc.SessionDescription) {
	if err := c.engine.ApplyRemoteAnswer(desc); err != nil {
		c.log.Error("apply remote answer failed", "peer", fromPeer, "err", err)
	}
}

func (c *Coordinator) handleCandidate(fromPeer string, cand webrtc.ICECandidateInit) {
	c.engine.AddRemoteCandidate(cand)
}

// handlePeerLeft retires the negotiation but keeps the signaling channel
// and the relay-assigned role: the relay still holds this peer's slot, so
// when a peer takes the freed slot the next peer_joined must trigger a
// fresh offer from the same initiator. The role resets only on HangUp or
// session_ended.
func (c *Coordinator) handlePeerLeft(fromPeer string) {
	c.log.Info("remote peer left", "peer", fromPeer)
	c.engine.HangUp()
}

// handleChannelClosed fires when the relay socket dies unexpectedly. An
// established call runs peer to peer and survives signaling loss, so the
// engine is left alone; further signaling sends fail with ErrNotConnected
// until the party rejoins.
func (c *Coordinator) handleChannelClosed(err error) {
	c.log.Warn("signaling channel closed", "err", err)

	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
}

func (c *Coordinator) handleSessionEnded() {
	c.log.Info("session ended by relay")
	c.engine.HangUp()
	c.ch.Disconnect()

	c.mu.Lock()
	c.sessionID = ""
	c.isInitiator = false
	c.joined = false
	c.mu.Unlock()
}
