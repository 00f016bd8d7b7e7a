// Package quipflip is the shared network-access layer for QuipFlip browser
// game clients.
//
// It issues authenticated HTTP requests over ambient cookie credentials,
// transparently refreshes expired sessions with single-flight coordination,
// queues mutating calls that fail while offline, and replays them when
// connectivity returns.
//
// Typical assembly:
//
//	store, _ := quipflip.OpenFileStorage(dir)
//	client := quipflip.NewClient(quipflip.WithBaseURL(url))
//	creds := quipflip.NewCredentialStore(store, "quipflip")
//	queue, _ := quipflip.NewOfflineQueue(store, "quipflip", logger)
//	monitor := quipflip.NewNetworkMonitor(logger)
//	coord := quipflip.NewRefreshCoordinator(client, creds,
//		quipflip.WithOfflineQueue(queue, monitor))
//	replay := quipflip.NewReplayOrchestrator(queue, coord, monitor, logger)
//	replay.Start()
package quipflip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://play.quipflip.io"
	DefaultTimeout = 30 * time.Second
)

// API paths. Auth endpoints never trigger refresh mode themselves.
const (
	loginPath   = "/api/auth/login"
	logoutPath  = "/api/auth/logout"
	refreshPath = "/api/auth/refresh"
	sessionPath = "/api/auth/session"
)

func isAuthPath(path string) bool {
	switch path {
	case loginPath, logoutPath, refreshPath:
		return true
	}
	return false
}

// Executor issues one request and returns either a successful response or
// a normalized error. Both Client (raw transport) and RefreshCoordinator
// (transport plus refresh/queue handling) satisfy it.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the raw HTTP transport. Authentication is carried by ambient
// cookies held in the client's jar, never by request-visible tokens.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	auth       *AuthClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a transport with a cookie jar and default timeout.
func NewClient(opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Jar == nil {
		c.httpClient.Jar = jar
	}
	c.auth = &AuthClient{client: c}
	return c
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Auth returns the authentication sub-client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

// Cookies returns the ambient cookies currently held for the base URL, so
// short-lived processes can persist the session across invocations.
func (c *Client) Cookies() []*http.Cookie {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil
	}
	return c.httpClient.Jar.Cookies(u)
}

// SetCookies seeds the jar with previously persisted cookies for the base
// URL.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return
	}
	c.httpClient.Jar.SetCookies(u, cookies)
}

// Execute satisfies Executor with the raw transport, no refresh handling.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, req)
}

// Do issues the request. A non-2xx status returns a *RequestError carrying
// the status and a detail string extracted from the response body. Failures
// that never reached the server return a *RequestError with NetworkError
// set. Context cancellation propagates verbatim, never wrapped.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	u := c.baseURL + req.Path

	raw := req.RawBody
	if raw == nil && req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		raw = b
	}

	var bodyReader io.Reader
	if raw != nil {
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if raw != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug().Str("method", req.Method).Str("path", req.Path).
			Err(err).Msg("request failed before reaching server")
		return nil, &RequestError{
			Detail:       unwrapURLError(err).Error(),
			NetworkError: true,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Detail: err.Error(), NetworkError: true}
	}

	c.logger.Debug().Str("method", req.Method).Str("path", req.Path).
		Int("status", resp.StatusCode).Msg("request complete")

	if resp.StatusCode >= 400 {
		return nil, &RequestError{
			Status: resp.StatusCode,
			Detail: errorDetail(resp.StatusCode, data),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// errorDetail pulls a human-readable detail out of an error body, falling
// back to the standard status text.
func errorDetail(status int, body []byte) string {
	if d := gjson.GetBytes(body, "detail"); d.Exists() {
		return d.String()
	}
	if m := gjson.GetBytes(body, "message"); m.Exists() {
		return m.String()
	}
	return http.StatusText(status)
}

func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}

// ============================================================================
// Auth sub-client
// ============================================================================

// AuthClient covers the session lifecycle endpoints. These calls go through
// the raw transport: a 401 from login or refresh is terminal, not a trigger
// for another refresh.
type AuthClient struct {
	client *Client
}

// Login authenticates with explicit credentials. The server sets the
// session cookie on success; the returned snapshot is normalized from the
// session payload.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*PlayerSnapshot, error) {
	resp, err := a.client.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   loginPath,
		Body:   map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return nil, err
	}
	return normalizePlayer(resp.Body), nil
}

// Logout ends the authenticated session server-side.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.client.Do(ctx, &Request{Method: http.MethodPost, Path: logoutPath})
	return err
}

// Refresh renews the ambient credentials. Dedicated mutating call, no body.
func (a *AuthClient) Refresh(ctx context.Context) error {
	_, err := a.client.Do(ctx, &Request{Method: http.MethodPost, Path: refreshPath})
	return err
}

// Session resolves the current session from ambient credentials alone.
func (a *AuthClient) Session(ctx context.Context) (*PlayerSnapshot, error) {
	resp, err := a.client.Do(ctx, &Request{Method: http.MethodGet, Path: sessionPath})
	if err != nil {
		return nil, err
	}
	return normalizePlayer(resp.Body), nil
}

// ============================================================================
// Play sub-client
// ============================================================================

// PlayClient covers the game endpoints. It runs on an Executor so callers
// can route mutating calls through a RefreshCoordinator, giving them
// automatic refresh and offline queueing.
type PlayClient struct {
	exec Executor
}

func NewPlayClient(exec Executor) *PlayClient {
	return &PlayClient{exec: exec}
}

// SubmitAnswer submits a round answer. Queueable: survives offline failures.
func (p *PlayClient) SubmitAnswer(ctx context.Context, roundID, text string) (*Response, error) {
	return p.exec.Execute(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/api/rounds/" + roundID + "/answer",
		Body:      map[string]string{"text": text},
		Queueable: true,
	})
}

// Vote casts a vote for an answer in a round. Queueable.
func (p *PlayClient) Vote(ctx context.Context, roundID, answerID string) (*Response, error) {
	return p.exec.Execute(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/api/rounds/" + roundID + "/vote",
		Body:      map[string]string{"answerId": answerID},
		Queueable: true,
	})
}

// ClaimDaily claims the daily bonus. Queueable.
func (p *PlayClient) ClaimDaily(ctx context.Context) (*Response, error) {
	return p.exec.Execute(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/api/daily/claim",
		Queueable: true,
	})
}

// Balance fetches the current wallet/vault balances. Read-only, never queued.
func (p *PlayClient) Balance(ctx context.Context) (*PlayerSnapshot, error) {
	resp, err := p.exec.Execute(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/api/player/balance",
	})
	if err != nil {
		return nil, err
	}
	return normalizePlayer(resp.Body), nil
}
