package quipflip

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"
)

// ============================================================================
// Network Monitor
// ============================================================================

// Quality is the coarse two-bucket connection classification.
type Quality string

const (
	QualityOffline Quality = "offline"
	QualitySlow    Quality = "slow"
	QualityFast    Quality = "fast"
)

// qualityFor maps an effective-connection-type signal to a bucket. The
// signal source (push channel, probe, platform API) is external; only the
// mapping is fixed here.
func qualityFor(connType string) Quality {
	switch connType {
	case "", "4g", "5g", "wifi", "ethernet":
		return QualityFast
	default:
		return QualitySlow
	}
}

// NetSnapshot is the single source of truth consumers read or subscribe
// to. Online and Offline are mutually exclusive; WasOffline is true for
// the transition cycle immediately after a reconnect, until consumed.
type NetSnapshot struct {
	Online     bool
	Offline    bool
	WasOffline bool
	Quality    Quality
}

// NetListener receives one authoritative snapshot per state change.
type NetListener func(snap NetSnapshot)

type netSubscriber struct {
	id int
	fn NetListener
}

// NetworkMonitor tracks connectivity and coarse quality, debounced against
// flapping. Signal sources call SetOnline and SetConnectionType; consumers
// subscribe or read Snapshot rather than polling.
type NetworkMonitor struct {
	mu         sync.Mutex
	online     bool
	pending    bool
	wasOffline bool
	connType   string
	debounced  func(func())
	subs       []netSubscriber
	nextSub    int
	logger     zerolog.Logger
}

type MonitorOption func(*NetworkMonitor)

// WithDebounceInterval sets the flap-suppression window. Zero applies
// transitions synchronously (used in tests and by callers that debounce
// upstream).
func WithDebounceInterval(d time.Duration) MonitorOption {
	return func(m *NetworkMonitor) {
		if d <= 0 {
			m.debounced = nil
			return
		}
		m.debounced = debounce.New(d)
	}
}

// NewNetworkMonitor starts in the online state with a 250ms debounce.
func NewNetworkMonitor(logger zerolog.Logger, opts ...MonitorOption) *NetworkMonitor {
	m := &NetworkMonitor{
		online:    true,
		pending:   true,
		debounced: debounce.New(250 * time.Millisecond),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnline records a connectivity signal. The transition is committed
// after the debounce window so rapid flaps collapse into one emission.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	m.pending = online
	deb := m.debounced
	m.mu.Unlock()

	if deb != nil {
		deb(m.commit)
		return
	}
	m.commit()
}

func (m *NetworkMonitor) commit() {
	m.mu.Lock()
	if m.pending == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.pending
	m.wasOffline = m.online
	snap := m.snapshotLocked()
	subs := append([]netSubscriber(nil), m.subs...)
	m.mu.Unlock()

	m.logger.Info().Bool("online", snap.Online).
		Str("quality", string(snap.Quality)).Msg("connectivity changed")
	for _, s := range subs {
		s.fn(snap)
	}
}

// SetConnectionType records the effective-connection-type signal. A quality
// bucket change while online emits a transition; type changes while
// offline only update the stored signal.
func (m *NetworkMonitor) SetConnectionType(connType string) {
	m.mu.Lock()
	prev := qualityFor(m.connType)
	m.connType = connType
	changed := m.online && qualityFor(connType) != prev
	var snap NetSnapshot
	var subs []netSubscriber
	if changed {
		snap = m.snapshotLocked()
		subs = append([]netSubscriber(nil), m.subs...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Debug().Str("quality", string(snap.Quality)).Msg("connection quality changed")
	for _, s := range subs {
		s.fn(snap)
	}
}

func (m *NetworkMonitor) snapshotLocked() NetSnapshot {
	q := QualityOffline
	if m.online {
		q = qualityFor(m.connType)
	}
	return NetSnapshot{
		Online:     m.online,
		Offline:    !m.online,
		WasOffline: m.wasOffline,
		Quality:    q,
	}
}

// Snapshot returns the current state.
func (m *NetworkMonitor) Snapshot() NetSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ConsumeWasOffline returns the reconnect marker and resets it, so replay
// triggers exactly once per reconnect cycle.
func (m *NetworkMonitor) ConsumeWasOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.wasOffline
	m.wasOffline = false
	return v
}

// Subscribe registers a transition listener. The returned function
// unsubscribes.
func (m *NetworkMonitor) Subscribe(fn NetListener) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, netSubscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i := range m.subs {
			if m.subs[i].id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}
