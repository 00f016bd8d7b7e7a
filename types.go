package quipflip

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// RequestError is the normalized failure shape surfaced by the transport
// and the refresh coordinator.
//
// Status is zero for failures that never produced an HTTP response.
// OfflineError marks a mutating call that was queued for later replay;
// ActionID identifies the queued record so callers can track it.
type RequestError struct {
	Status       int    `json:"status,omitempty"`
	Detail       string `json:"detail"`
	NetworkError bool   `json:"isNetworkError,omitempty"`
	OfflineError bool   `json:"isOfflineError,omitempty"`
	ActionID     string `json:"actionId,omitempty"`
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request failed (%d): %s", e.Status, e.Detail)
	}
	return e.Detail
}

// IsAuthFailure reports whether the response status indicates expired or
// missing credentials.
func (e *RequestError) IsAuthFailure() bool {
	return e.Status == http.StatusUnauthorized
}

// IsPermanent reports whether retrying cannot help: any 4xx except 429.
func (e *RequestError) IsPermanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// IsTransient reports whether a retry may succeed later: network loss,
// 5xx, or rate limiting.
func (e *RequestError) IsTransient() bool {
	return !e.IsPermanent()
}

// ============================================================================
// Request / Response
// ============================================================================

// Request describes one HTTP call through the transport.
//
// Body is marshaled to JSON; RawBody, when set, is sent verbatim and takes
// precedence (queued actions replay their original bytes). Queueable marks
// a mutating call that may be handed to the offline queue when it fails
// with a network error while the device is offline.
type Request struct {
	Method    string
	Path      string
	Body      any
	RawBody   json.RawMessage
	Headers   map[string]string
	Queueable bool
}

// Response is a successful (non-4xx/5xx) HTTP result.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into the provided type.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// ============================================================================
// Session Types
// ============================================================================

// SessionState classifies the visitor after session resolution.
type SessionState string

const (
	SessionChecking         SessionState = "checking"
	SessionNew              SessionState = "new"
	SessionReturningVisitor SessionState = "returning_visitor"
	SessionReturningUser    SessionState = "returning_user"
)

// PlayerSnapshot is the normalized player view built from a session
// payload. Balances default to zero when absent.
type PlayerSnapshot struct {
	Username string           `json:"username"`
	Wallet   int64            `json:"wallet"`
	Vault    int64            `json:"vault"`
	Balances map[string]int64 `json:"balances"`
}

// Resolution is the outcome of one session-resolution run. Player is only
// set for SessionReturningUser.
type Resolution struct {
	State  SessionState
	Player *PlayerSnapshot
}

// ============================================================================
// Action Records
// ============================================================================

// ActionDescriptor describes a mutating request to defer. MaxRetries of
// zero selects the default.
type ActionDescriptor struct {
	Method     string
	URL        string
	Body       any
	Headers    map[string]string
	MaxRetries int
}

// ActionRecord is the persisted form of one deferred mutating request plus
// its retry bookkeeping. ID is unique and stable for the life of the
// record; RetryCount never exceeds MaxRetries after any mutation.
type ActionRecord struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}
