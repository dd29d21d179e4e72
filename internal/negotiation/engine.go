// Package negotiation owns the WebRTC connection attempt: it drives
// offer/answer creation, applies remote descriptions and candidates in a
// race-tolerant order, and exposes the chat data channel and remote media
// to the rest of the application.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/sdputil"
)

// DataChannelLabel is the label of the chat channel created by the offerer.
const DataChannelLabel = "chat"

const defaultGatherTimeout = 8 * time.Second

// RemoteTrack is delivered through OnRemoteTrack when the remote peer's
// media arrives.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Config configures an Engine.
type Config struct {
	// API overrides the pion API used to build peer connections. Tests
	// inject a vnet-backed API; production leaves it nil.
	API *webrtc.API

	// GatherMode selects trickle (default) or gather-then-send.
	GatherMode GatherMode

	// GatherTimeout bounds the gather-then-send wait. Some networks never
	// reach complete; after the timeout the engine proceeds with whatever
	// candidates were found. Defaults to 8s.
	GatherTimeout time.Duration

	// RequireLocalMedia makes CreateOffer/CreateAnswer fail with
	// ErrPrecondition when no active media provider is supplied.
	RequireLocalMedia bool

	Logger *slog.Logger
}

// Engine is the negotiation state machine. One Engine serves one local
// peer; each offer/answer cycle builds a fresh internal session that
// wholly replaces the previous one.
//
// Callback registration (OnLocalCandidate, OnICEConnectionStateChange,
// OnChatMessage, OnDataChannelState, OnStateChange) must happen before the
// first CreateOffer/CreateAnswer; handlers capture the registered values.
// OnRemoteTrack may be registered at any time: a track arriving first is
// buffered (single slot, last write wins) and flushed on registration.
type Engine struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API

	// opMu serializes negotiation-mutating operations and guards sess.
	opMu sync.Mutex
	sess *session

	// stMu guards coarse state visible to handlers; it is never held
	// across pion calls.
	stMu    sync.Mutex
	state   State
	lastICE webrtc.ICEConnectionState

	onStateChange    func(State)
	onICEState       func(webrtc.ICEConnectionState)
	onLocalCandidate func(webrtc.ICECandidateInit)
	onChatMessage    func(ChatEntry)
	onDataState      func(DataChannelState)

	trackMu       sync.Mutex
	remoteTrackCb func(RemoteTrack)
	pendingTrack  *RemoteTrack

	// candMu guards the pre-session candidate queue. Trickled candidates
	// can outrun the offer they belong to, arriving while CreateAnswer is
	// still building the session; they are parked here and drained into
	// the next session. Bounded so a misbehaving peer cannot grow it.
	candMu  sync.Mutex
	preCand []webrtc.ICECandidateInit
}

const maxPreSessionCandidates = 64

// session is one connection attempt. Handler-facing state lives behind its
// own mutex so pion callbacks never contend with a long-running operation.
type session struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	dc            *webrtc.DataChannel
	dcState       DataChannelState
	remoteDescSet bool
	offered       bool
	pending       []webrtc.ICECandidateInit
	chat          []ChatEntry

	// applyCandidateFn exists as a test seam; it defaults to
	// pc.AddICECandidate.
	applyCandidateFn func(webrtc.ICECandidateInit) error
}

func New(cfg Config) *Engine {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	api := cfg.API
	if api == nil {
		api = defaultAPI()
	}

	return &Engine{
		cfg:     cfg,
		log:     log,
		api:     api,
		state:   StateIdle,
		lastICE: webrtc.ICEConnectionStateNew,
	}
}

func defaultAPI() *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		// RegisterDefaultCodecs only fails on conflicting registrations,
		// which cannot happen on a fresh MediaEngine.
		panic(fmt.Sprintf("negotiation: register default codecs: %v", err))
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
	)
}

func (e *Engine) OnStateChange(cb func(State)) { e.onStateChange = cb }

func (e *Engine) OnICEConnectionStateChange(cb func(webrtc.ICEConnectionState)) { e.onICEState = cb }

func (e *Engine) OnLocalCandidate(cb func(webrtc.ICECandidateInit)) { e.onLocalCandidate = cb }

func (e *Engine) OnChatMessage(cb func(ChatEntry)) { e.onChatMessage = cb }

func (e *Engine) OnDataChannelState(cb func(DataChannelState)) { e.onDataState = cb }

// OnRemoteTrack registers the single remote-track consumer. A track that
// arrived before registration is delivered immediately.
func (e *Engine) OnRemoteTrack(cb func(RemoteTrack)) {
	e.trackMu.Lock()
	e.remoteTrackCb = cb
	pending := e.pendingTrack
	e.pendingTrack = nil
	e.trackMu.Unlock()

	if cb != nil && pending != nil {
		cb(*pending)
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stMu.Lock()
	defer e.stMu.Unlock()
	return e.state
}

// ICEConnectionState returns the transport state as last reported by pion,
// verbatim; "closed" after HangUp, "new" before anything happened.
func (e *Engine) ICEConnectionState() webrtc.ICEConnectionState {
	e.stMu.Lock()
	defer e.stMu.Unlock()
	return e.lastICE
}

// DataChannelState reports the chat channel lifecycle for the current
// session; closed when no session exists.
func (e *Engine) DataChannelState() DataChannelState {
	e.opMu.Lock()
	s := e.sess
	e.opMu.Unlock()
	if s == nil {
		return DataChannelClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dcState
}

// CreateOffer retires any in-progress session, builds a fresh one against
// the given ICE servers, attaches local media (when provided), creates the
// chat data channel, and returns the local offer description.
//
// In GatherComplete mode the returned description embeds all candidates
// gathered within GatherTimeout; in trickle mode it is returned
// immediately and candidates stream through OnLocalCandidate.
func (e *Engine) CreateOffer(ctx context.Context, iceServers []webrtc.ICEServer, prov media.Provider) (webrtc.SessionDescription, error) {
	if err := e.checkMediaPrecondition(prov); err != nil {
		return webrtc.SessionDescription{}, err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.retireSessionLocked()
	e.resetICEState()
	e.setState(StateBuilding)

	s, err := e.buildSession(iceServers, prov)
	if err != nil {
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, err
	}

	dc, err := s.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("negotiation: create data channel: %w", err)
	}
	e.adoptDataChannel(s, dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("negotiation: create offer: %w", err)
	}

	local, err := e.setLocalAndMaybeGather(ctx, s.pc, offer)
	if err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, err
	}

	s.offered = true
	e.sess = s
	e.drainPreSessionCandidates(s)
	e.setState(StateOfferCreated)
	return local, nil
}

// CreateAnswer is the responder path: it validates and applies the remote
// offer before generating the local answer. The remote offer is validated
// before any existing session is disturbed.
func (e *Engine) CreateAnswer(ctx context.Context, iceServers []webrtc.ICEServer, remoteOffer webrtc.SessionDescription, prov media.Provider) (webrtc.SessionDescription, error) {
	if err := e.checkMediaPrecondition(prov); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := sdputil.Validate(remoteOffer.SDP); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.retireSessionLocked()
	e.resetICEState()
	e.setState(StateBuilding)

	s, err := e.buildSession(iceServers, prov)
	if err != nil {
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, err
	}

	// The remote side created the channel; adopt it when it shows up.
	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		e.adoptDataChannel(s, dc)
	})

	if err := s.pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}
	s.mu.Lock()
	s.remoteDescSet = true
	s.mu.Unlock()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("negotiation: create answer: %w", err)
	}

	local, err := e.setLocalAndMaybeGather(ctx, s.pc, answer)
	if err != nil {
		_ = s.pc.Close()
		e.setState(StateFailed)
		return webrtc.SessionDescription{}, err
	}

	e.sess = s
	e.drainPreSessionCandidates(s)
	e.setState(StateAnswerCreated)
	return local, nil
}

// drainPreSessionCandidates moves candidates that arrived before the
// session existed into it: applied directly once the remote description is
// set, queued otherwise. Stale candidates from a previous cycle fail to
// apply and are skipped like any other bad candidate.
func (e *Engine) drainPreSessionCandidates(s *session) {
	e.candMu.Lock()
	queued := e.preCand
	e.preCand = nil
	e.candMu.Unlock()
	if len(queued) == 0 {
		return
	}

	s.mu.Lock()
	if !s.remoteDescSet {
		s.pending = append(queued, s.pending...)
		s.mu.Unlock()
		return
	}
	apply := s.applyCandidateFn
	s.mu.Unlock()

	for _, cand := range queued {
		if err := apply(cand); err != nil {
			e.log.Warn("skipping early remote candidate", "err", err)
		}
	}
}

// ApplyRemoteAnswer completes the offerer's half of the exchange. Queued
// remote candidates are replayed in their original arrival order.
func (e *Engine) ApplyRemoteAnswer(remoteAnswer webrtc.SessionDescription) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	s := e.sess
	if s == nil || !s.offered {
		return fmt.Errorf("%w: no offer pending", ErrPrecondition)
	}
	if err := sdputil.Validate(remoteAnswer.SDP); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}

	if err := s.pc.SetRemoteDescription(remoteAnswer); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	queued := s.pending
	s.pending = nil
	apply := s.applyCandidateFn
	s.mu.Unlock()

	for _, cand := range queued {
		if err := apply(cand); err != nil {
			// A single bad candidate must not sink the negotiation.
			e.log.Warn("skipping queued remote candidate", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, or queues it when the
// remote description has not been set yet (candidates legitimately race
// ahead of descriptions through the relay, and can even outrun session
// creation on the answering side). Individual candidate failures are
// logged and skipped.
func (e *Engine) AddRemoteCandidate(cand webrtc.ICECandidateInit) {
	e.opMu.Lock()
	s := e.sess
	e.opMu.Unlock()

	if s == nil {
		e.candMu.Lock()
		if len(e.preCand) < maxPreSessionCandidates {
			e.preCand = append(e.preCand, cand)
		}
		e.candMu.Unlock()
		return
	}

	s.mu.Lock()
	if !s.remoteDescSet {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	apply := s.applyCandidateFn
	s.mu.Unlock()

	if err := apply(cand); err != nil {
		e.log.Warn("skipping remote candidate", "err", err)
	}
}

// SendMessage sends text over the chat channel and logs it locally. It
// fails observably when the channel is not open.
func (e *Engine) SendMessage(text string) error {
	e.opMu.Lock()
	s := e.sess
	e.opMu.Unlock()

	if s == nil {
		return ErrChannelNotOpen
	}

	s.mu.Lock()
	dc := s.dc
	open := s.dcState == DataChannelOpen
	s.mu.Unlock()

	if !open || dc == nil {
		return ErrChannelNotOpen
	}
	if err := dc.SendText(text); err != nil {
		return fmt.Errorf("negotiation: send chat message: %w", err)
	}

	e.appendChat(s, ChatEntry{At: time.Now(), Direction: DirectionLocal, Text: text})
	return nil
}

// ChatLog returns a copy of the current session's chat entries in order.
// Empty after hang-up: the log belongs to the session, not the engine.
func (e *Engine) ChatLog() []ChatEntry {
	e.opMu.Lock()
	s := e.sess
	e.opMu.Unlock()

	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatEntry(nil), s.chat...)
}

// HangUp closes the data channel and transport and clears all session
// state. Safe to call repeatedly and with no active session.
func (e *Engine) HangUp() {
	e.opMu.Lock()
	e.retireSessionLocked()
	e.opMu.Unlock()

	e.trackMu.Lock()
	e.pendingTrack = nil
	e.trackMu.Unlock()

	e.candMu.Lock()
	e.preCand = nil
	e.candMu.Unlock()

	e.stMu.Lock()
	e.lastICE = webrtc.ICEConnectionStateClosed
	e.stMu.Unlock()
	e.setState(StateClosed)
}

func (e *Engine) checkMediaPrecondition(prov media.Provider) error {
	if !e.cfg.RequireLocalMedia {
		return nil
	}
	if prov == nil || prov.State() != media.StateActive || len(prov.Tracks()) == 0 {
		return fmt.Errorf("%w: local media not active", ErrPrecondition)
	}
	return nil
}

// buildSession constructs a peer connection with handlers installed.
// Caller holds opMu.
func (e *Engine) buildSession(iceServers []webrtc.ICEServer, prov media.Provider) (*session, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("negotiation: build peer connection: %w", err)
	}

	s := &session{
		pc:      pc,
		dcState: DataChannelConnecting,
	}
	s.applyCandidateFn = func(c webrtc.ICECandidateInit) error {
		return pc.AddICECandidate(c)
	}

	// Tracks must be attached before descriptions are generated so the
	// remote side reliably surfaces them.
	if prov != nil {
		for _, track := range prov.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("negotiation: add local track: %w", err)
			}
		}
	}

	onICE := e.onICEState
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.stMu.Lock()
		e.lastICE = state
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.state = StateConnected
		case webrtc.ICEConnectionStateFailed:
			// Terminal for the UI; the engine does not auto-retry or
			// auto-hang-up. That decision belongs to the coordinator.
			e.state = StateFailed
		}
		e.stMu.Unlock()
		if onICE != nil {
			onICE(state)
		}
	})

	onCand := e.onLocalCandidate
	if e.cfg.GatherMode == GatherTrickle && onCand != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return // gathering complete marker
			}
			onCand(c.ToJSON())
		})
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		e.deliverRemoteTrack(RemoteTrack{Track: track, Receiver: recv})
	})

	return s, nil
}

// deliverRemoteTrack hands a remote track to the registered consumer, or
// parks it in the single pending slot (last write wins) until one
// registers.
func (e *Engine) deliverRemoteTrack(rt RemoteTrack) {
	e.trackMu.Lock()
	cb := e.remoteTrackCb
	if cb == nil {
		e.pendingTrack = &rt
	}
	e.trackMu.Unlock()

	if cb != nil {
		cb(rt)
	}
}

// adoptDataChannel wires open/close/message handlers for the chat channel
// of session s, whether locally created or remotely announced.
func (e *Engine) adoptDataChannel(s *session, dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.dcState = DataChannelConnecting
	s.mu.Unlock()

	onDataState := e.onDataState
	dc.OnOpen(func() {
		s.mu.Lock()
		s.dcState = DataChannelOpen
		s.mu.Unlock()
		if onDataState != nil {
			onDataState(DataChannelOpen)
		}
	})
	dc.OnClose(func() {
		s.mu.Lock()
		s.dcState = DataChannelClosed
		s.mu.Unlock()
		if onDataState != nil {
			onDataState(DataChannelClosed)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.appendChat(s, ChatEntry{At: time.Now(), Direction: DirectionRemote, Text: string(msg.Data)})
	})
}

func (e *Engine) appendChat(s *session, entry ChatEntry) {
	s.mu.Lock()
	s.chat = append(s.chat, entry)
	s.mu.Unlock()

	if cb := e.onChatMessage; cb != nil {
		cb(entry)
	}
}

// setLocalAndMaybeGather sets the local description; in GatherComplete
// mode it then waits (bounded) for candidate gathering and returns the
// candidate-bearing description.
func (e *Engine) setLocalAndMaybeGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if e.cfg.GatherMode != GatherComplete {
		if err := pc.SetLocalDescription(desc); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("negotiation: set local description: %w", err)
		}
		return desc, nil
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiation: set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(e.cfg.GatherTimeout):
		// Never block forever: some networks never reach complete.
		e.log.Warn("ice gathering timed out, proceeding with partial candidates",
			"timeout", e.cfg.GatherTimeout)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiation: missing local description after gathering")
	}
	return *local, nil
}

// retireSessionLocked closes and forgets the current session. Caller holds
// opMu.
func (e *Engine) retireSessionLocked() {
	s := e.sess
	if s == nil {
		return
	}
	e.sess = nil

	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if err := s.pc.Close(); err != nil {
		e.log.Warn("closing peer connection", "err", err)
	}
}

func (e *Engine) resetICEState() {
	e.stMu.Lock()
	e.lastICE = webrtc.ICEConnectionStateNew
	e.stMu.Unlock()
}

func (e *Engine) setState(next State) {
	e.stMu.Lock()
	changed := e.state != next
	e.state = next
	e.stMu.Unlock()

	if changed && e.onStateChange != nil {
		e.onStateChange(next)
	}
}
