package quipflip

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push Channel
// ============================================================================

// PushEvent is the wire envelope for server-push events. Payload semantics
// belong to the individual games; this layer only routes them.
type PushEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushHandler handles one push event.
type PushHandler func(ev PushEvent)

// PushState represents the connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// PushConfig configures the push client. Authentication rides on the same
// ambient cookies as the HTTP transport.
type PushConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient maintains the WebSocket push connection with auto-reconnect
// and heartbeat. Connect/disconnect edges double as a connectivity signal
// for the network monitor via BindMonitor.
type PushClient struct {
	baseURL          string
	config           *PushConfig
	logger           zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            PushState
	intentionalClose bool
	handlers         map[string][]PushHandler
	onConnected      []func()
	onDisconnected   []func(reason string)
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewPushClient creates a push client for the given HTTP base URL.
func NewPushClient(baseURL string, config *PushConfig, logger zerolog.Logger) *PushClient {
	cfg := *config
	cfg.defaults()
	return &PushClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   &cfg,
		logger:   logger,
		state:    PushDisconnected,
		handlers: make(map[string][]PushHandler),
		recon:    newReconnector(&cfg),
	}
}

// OnEvent registers a handler for one event type.
func (pc *PushClient) OnEvent(eventType string, h PushHandler) {
	pc.mu.Lock()
	pc.handlers[eventType] = append(pc.handlers[eventType], h)
	pc.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (pc *PushClient) OnConnected(h func()) {
	pc.mu.Lock()
	pc.onConnected = append(pc.onConnected, h)
	pc.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (pc *PushClient) OnDisconnected(h func(reason string)) {
	pc.mu.Lock()
	pc.onDisconnected = append(pc.onDisconnected, h)
	pc.mu.Unlock()
}

// BindMonitor feeds connection edges into the monitor as one connectivity
// signal source.
func (pc *PushClient) BindMonitor(m *NetworkMonitor) {
	pc.OnConnected(func() { m.SetOnline(true) })
	pc.OnDisconnected(func(string) { m.SetOnline(false) })
}

// State returns the current connection state.
func (pc *PushClient) State() PushState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Connect establishes the WebSocket connection.
func (pc *PushClient) Connect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.state == PushConnected || pc.state == PushConnecting {
		pc.mu.Unlock()
		return nil
	}
	pc.state = PushConnecting
	pc.intentionalClose = false
	pc.mu.Unlock()

	wsURL := strings.Replace(pc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		pc.mu.Lock()
		pc.state = PushDisconnected
		pc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.state = PushConnected
	pc.mu.Unlock()
	pc.recon.markConnected()

	pc.logger.Info().Msg("push channel connected")
	pc.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	pc.mu.Lock()
	pc.cancelFn = cancel
	pc.mu.Unlock()

	go pc.readLoop(connCtx)
	go pc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection without triggering
// reconnection.
func (pc *PushClient) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.state = PushDisconnected
	pc.mu.Unlock()

	pc.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (pc *PushClient) emitConnected() {
	pc.mu.Lock()
	handlers := append([]func(){}, pc.onConnected...)
	pc.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (pc *PushClient) emitDisconnected(reason string) {
	pc.mu.Lock()
	handlers := append([]func(string){}, pc.onDisconnected...)
	pc.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (pc *PushClient) dispatch(ev PushEvent) {
	pc.mu.Lock()
	handlers := append([]PushHandler(nil), pc.handlers[ev.Type]...)
	pc.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (pc *PushClient) readLoop(ctx context.Context) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			pc.mu.Unlock()
			if intentional {
				return
			}

			pc.mu.Lock()
			pc.state = PushDisconnected
			pc.conn = nil
			pc.mu.Unlock()

			pc.logger.Warn().Err(err).Msg("push channel lost")
			pc.emitDisconnected(err.Error())

			if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
				pc.scheduleReconnect(ctx)
			}
			return
		}

		var ev PushEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		pc.dispatch(ev)
	}
}

func (pc *PushClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.mu.Lock()
			conn := pc.conn
			state := pc.state
			pc.mu.Unlock()
			if state != PushConnected || conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed; force close so the read loop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (pc *PushClient) scheduleReconnect(ctx context.Context) {
	delay := pc.recon.nextDelay()
	pc.mu.Lock()
	pc.state = PushReconnecting
	pc.mu.Unlock()

	pc.logger.Info().Int("attempt", pc.recon.attempt).Dur("delay", delay).
		Msg("push channel reconnecting")

	time.Sleep(delay)

	if err := pc.Connect(ctx); err != nil {
		if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
			pc.scheduleReconnect(ctx)
			return
		}
		pc.mu.Lock()
		pc.state = PushDisconnected
		pc.mu.Unlock()
	}
}
