package quipflip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

func TestPushClient_DispatchAndMonitorBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"balance.update","payload":{"wallet":150}}`)); err != nil {
			return
		}
		// Hold the connection open until the client closes it.
		conn.Read(ctx)
	}))
	defer srv.Close()

	pc := NewPushClient(srv.URL, &PushConfig{}, zerolog.Nop())
	monitor := newTestMonitor()
	monitor.SetOnline(false)
	pc.BindMonitor(monitor)

	events := make(chan PushEvent, 1)
	pc.OnEvent("balance.update", func(ev PushEvent) { events <- ev })

	if err := pc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if pc.State() != PushConnected {
		t.Fatalf("expected connected state, got %s", pc.State())
	}
	if !monitor.Snapshot().Online {
		t.Fatal("connect did not mark the monitor online")
	}

	select {
	case ev := <-events:
		if got := gjson.GetBytes(ev.Payload, "wallet").Int(); got != 150 {
			t.Fatalf("unexpected payload: %s", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}

	if err := pc.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if pc.State() != PushDisconnected {
		t.Fatalf("expected disconnected state, got %s", pc.State())
	}
}

func TestPushClient_ServerLossSignalsMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "shutting down")
	}))
	defer srv.Close()

	pc := NewPushClient(srv.URL, &PushConfig{}, zerolog.Nop())
	monitor := newTestMonitor()
	pc.BindMonitor(monitor)

	disconnected := make(chan string, 1)
	pc.OnDisconnected(func(reason string) { disconnected <- reason })

	if err := pc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server-side close not surfaced")
	}
	// BindMonitor registered before the test listener, so the monitor has
	// already seen the loss by the time the channel fires.
	if monitor.Snapshot().Online {
		t.Fatal("monitor still online after push channel loss")
	}
	if pc.State() != PushDisconnected {
		t.Fatalf("expected disconnected state, got %s", pc.State())
	}
}

func TestReconnectorBackoff(t *testing.T) {
	cfg := &PushConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    4 * time.Second,
		MaxReconnectAttempts: 3,
	}
	r := newReconnector(cfg)

	if d := r.nextDelay(); d < time.Second || d > 1500*time.Millisecond {
		t.Fatalf("attempt 0 delay out of range: %s", d)
	}
	if d := r.nextDelay(); d < 2*time.Second || d > 2500*time.Millisecond {
		t.Fatalf("attempt 1 delay out of range: %s", d)
	}
	if d := r.nextDelay(); d != 4*time.Second {
		t.Fatalf("attempt 2 delay should hit the cap, got %s", d)
	}
	if r.shouldReconnect() {
		t.Fatal("attempts exhausted, shouldReconnect must be false")
	}

	// A connection that stayed up long enough resets the attempt counter.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	if d := r.nextDelay(); d < time.Second || d > 1500*time.Millisecond {
		t.Fatalf("delay after stable connection should reset to base, got %s", d)
	}
}
