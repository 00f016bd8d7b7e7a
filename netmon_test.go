package quipflip

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMonitor() *NetworkMonitor {
	return NewNetworkMonitor(zerolog.Nop(), WithDebounceInterval(0))
}

func TestNetworkMonitor_Transitions(t *testing.T) {
	m := newTestMonitor()

	snap := m.Snapshot()
	if !snap.Online || snap.Offline {
		t.Fatalf("expected initial online state, got %+v", snap)
	}

	m.SetOnline(false)
	snap = m.Snapshot()
	if snap.Online || !snap.Offline {
		t.Fatalf("expected offline, got %+v", snap)
	}
	if snap.Quality != QualityOffline {
		t.Fatalf("expected offline quality, got %s", snap.Quality)
	}

	m.SetOnline(true)
	snap = m.Snapshot()
	if !snap.Online {
		t.Fatalf("expected online, got %+v", snap)
	}
	if !snap.WasOffline {
		t.Fatal("expected wasOffline after reconnect")
	}
}

func TestNetworkMonitor_ConsumeWasOffline(t *testing.T) {
	m := newTestMonitor()
	m.SetOnline(false)
	m.SetOnline(true)

	if !m.ConsumeWasOffline() {
		t.Fatal("expected wasOffline true on first consume")
	}
	if m.ConsumeWasOffline() {
		t.Fatal("wasOffline should reset after consume")
	}
	if m.Snapshot().WasOffline {
		t.Fatal("snapshot should reflect the reset")
	}
}

func TestNetworkMonitor_SingleEmissionPerTransition(t *testing.T) {
	m := newTestMonitor()

	var transitions []NetSnapshot
	unsub := m.Subscribe(func(snap NetSnapshot) {
		transitions = append(transitions, snap)
	})
	defer unsub()

	m.SetOnline(true) // already online, no transition
	m.SetOnline(false)
	m.SetOnline(false) // duplicate, no transition
	m.SetOnline(true)

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].Online || !transitions[1].Online {
		t.Fatalf("unexpected transition order: %+v", transitions)
	}
}

func TestNetworkMonitor_QualityBuckets(t *testing.T) {
	m := newTestMonitor()

	cases := map[string]Quality{
		"":        QualityFast,
		"4g":      QualityFast,
		"wifi":    QualityFast,
		"3g":      QualitySlow,
		"2g":      QualitySlow,
		"slow-2g": QualitySlow,
	}
	for connType, want := range cases {
		m.SetConnectionType(connType)
		if got := m.Snapshot().Quality; got != want {
			t.Errorf("connType %q: expected %s, got %s", connType, want, got)
		}
	}

	// Quality is offline whenever the monitor is offline, regardless of
	// the last connection-type signal.
	m.SetConnectionType("4g")
	m.SetOnline(false)
	if got := m.Snapshot().Quality; got != QualityOffline {
		t.Errorf("expected offline quality, got %s", got)
	}
}

func TestNetworkMonitor_DebouncedFlapping(t *testing.T) {
	m := NewNetworkMonitor(zerolog.Nop(), WithDebounceInterval(30*time.Millisecond))

	var transitions int
	unsub := m.Subscribe(func(NetSnapshot) { transitions++ })
	defer unsub()

	// A fast offline/online flap collapses: the debounce window ends with
	// the state it started in, so nothing is emitted.
	m.SetOnline(false)
	m.SetOnline(true)
	time.Sleep(100 * time.Millisecond)

	if transitions != 0 {
		t.Fatalf("expected flap to be suppressed, got %d transitions", transitions)
	}
	if !m.Snapshot().Online {
		t.Fatal("expected monitor to remain online")
	}

	// A held signal commits after the window.
	m.SetOnline(false)
	time.Sleep(100 * time.Millisecond)
	if transitions != 1 {
		t.Fatalf("expected 1 transition after held signal, got %d", transitions)
	}
	if !m.Snapshot().Offline {
		t.Fatal("expected monitor offline after debounce")
	}
}

func TestNetworkMonitor_Unsubscribe(t *testing.T) {
	m := newTestMonitor()
	var calls int
	unsub := m.Subscribe(func(NetSnapshot) { calls++ })

	m.SetOnline(false)
	unsub()
	m.SetOnline(true)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
