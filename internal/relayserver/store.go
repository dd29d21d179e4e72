package relayserver

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duocall/duocall/internal/metrics"
)

var (
	ErrSessionNotFound = errors.New("relayserver: session not found")
	ErrSessionFull     = errors.New("relayserver: session already has two peers")
	ErrPeerNotJoined   = errors.New("relayserver: peer has not joined this session")
	ErrCapacity        = errors.New("relayserver: session capacity reached")
)

// peer is one occupied slot of a session. conn stays nil between the HTTP
// join and the websocket attach; sender is only valid once attached.
type peer struct {
	id     string
	sender *wsSender
}

type session struct {
	id         string
	peers      [2]*peer // slot 0 is the initiator
	lastActive time.Time
}

func (s *session) other(peerID string) *peer {
	for _, p := range s.peers {
		if p != nil && p.id != peerID {
			return p
		}
	}
	return nil
}

func (s *session) attached() bool {
	for _, p := range s.peers {
		if p != nil && p.sender != nil {
			return true
		}
	}
	return false
}

func (s *session) find(peerID string) *peer {
	for _, p := range s.peers {
		if p != nil && p.id == peerID {
			return p
		}
	}
	return nil
}

// store holds all live sessions. All access goes through the mutex; the
// sweep goroutine uses the same lock so expiry races nothing.
type store struct {
	mu       sync.Mutex
	sessions map[string]*session

	maxSessions int
	ttl         time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
}

func newStore(maxSessions int, ttl time.Duration, log *slog.Logger, m *metrics.Metrics) *store {
	return &store{
		sessions:    make(map[string]*session),
		maxSessions: maxSessions,
		ttl:         ttl,
		log:         log,
		metrics:     m,
	}
}

func (st *store) create() (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.sessions) >= st.maxSessions {
		return "", ErrCapacity
	}

	id := uuid.NewString()
	st.sessions[id] = &session{id: id, lastActive: time.Now()}
	st.metrics.Inc(metrics.SessionsCreated)
	return id, nil
}

// join claims a peer slot. The first join gets the initiator slot. A
// repeated join with the same peer id is treated as idempotent so a client
// retrying after a dropped HTTP response does not lock itself out.
func (st *store) join(sessionID, peerID string) (isInitiator bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[sessionID]
	if !ok {
		st.metrics.Inc(metrics.JoinRejectedNoSess)
		return false, ErrSessionNotFound
	}
	sess.lastActive = time.Now()

	for i, p := range sess.peers {
		if p != nil && p.id == peerID {
			return i == 0, nil
		}
	}
	for i, p := range sess.peers {
		if p == nil {
			sess.peers[i] = &peer{id: peerID}
			return i == 0, nil
		}
	}

	st.metrics.Inc(metrics.JoinRejectedFull)
	return false, ErrSessionFull
}

// attach binds a websocket sender to a joined peer and returns the other
// peer's sender (nil when the other side has not connected yet).
func (st *store) attach(sessionID, peerID string, sender *wsSender) (*wsSender, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	p := sess.find(peerID)
	if p == nil {
		return nil, ErrPeerNotJoined
	}
	p.sender = sender
	sess.lastActive = time.Now()

	if other := sess.other(peerID); other != nil && other.sender != nil {
		return other.sender, nil
	}
	return nil, nil
}

// detach frees a peer slot on socket close and returns the surviving
// peer's sender so the caller can announce the departure.
func (st *store) detach(sessionID, peerID string) *wsSender {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	for i, p := range sess.peers {
		if p != nil && p.id == peerID {
			sess.peers[i] = nil
		}
	}
	sess.lastActive = time.Now()

	if other := sess.other(peerID); other != nil && other.sender != nil {
		return other.sender
	}
	return nil
}

// peerSender looks up the connected sender for a specific peer id.
func (st *store) peerSender(sessionID, peerID string) *wsSender {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	if p := sess.find(peerID); p != nil {
		return p.sender
	}
	return nil
}

// otherSender looks up the connected sender for the opposite peer.
func (st *store) otherSender(sessionID, peerID string) *wsSender {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	if other := sess.other(peerID); other != nil {
		return other.sender
	}
	return nil
}

func (st *store) touch(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[sessionID]; ok {
		sess.lastActive = time.Now()
	}
}

// sweep removes sessions idle past the TTL. A session with any attached
// socket is alive no matter how long signaling has been quiet: an
// established call exchanges no envelopes, so lastActive only governs
// sessions nobody is connected to (created and abandoned, or both peers
// gone without a rejoin).
func (st *store) sweep(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for id, sess := range st.sessions {
		if now.Sub(sess.lastActive) < st.ttl {
			continue
		}
		if sess.attached() {
			continue
		}
		delete(st.sessions, id)
		st.metrics.Inc(metrics.SessionsExpired)
		st.log.Info("session expired", "session_id", id)
	}
}

// drain empties the store and returns every attached sender so the caller
// can announce shutdown to the peers still connected.
func (st *store) drain() []*wsSender {
	st.mu.Lock()
	defer st.mu.Unlock()

	var connected []*wsSender
	for id, sess := range st.sessions {
		for _, p := range sess.peers {
			if p != nil && p.sender != nil {
				connected = append(connected, p.sender)
			}
		}
		delete(st.sessions, id)
	}
	return connected
}

func (st *store) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
