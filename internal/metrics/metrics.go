package metrics

import "sync"

// Event counter names used by the signaling relay.
const (
	SessionsCreated    = "sessions_created"
	SessionsExpired    = "sessions_expired"
	JoinRejectedFull   = "join_rejected_full"
	JoinRejectedNoSess = "join_rejected_not_found"
	MessagesForwarded  = "messages_forwarded"
	MessagesDropped    = "messages_dropped"
	PeersConnected     = "peers_connected"
	PeersDisconnected  = "peers_disconnected"
	RateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is small enough that a full metrics SDK would dominate the
// binary; counters plus the Prometheus text handler cover what operators
// actually graph for a signaling service.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
