package quipflip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSessionInvalid is surfaced when a credential refresh fails: the
// session cannot be recovered and the user must re-authenticate.
var ErrSessionInvalid = errors.New("session invalid: re-authentication required")

// ============================================================================
// Refresh Coordinator
// ============================================================================

// RefreshCoordinator wraps the transport with single-flight credential
// refresh. Under concurrent auth failures exactly one refresh call is
// issued; every caller that triggered or queued behind it either replays
// its original request or fails with the same refresh error.
//
// It also hands mutating requests that fail with a network error while the
// monitor reports offline to the offline queue, when one is attached.
type RefreshCoordinator struct {
	client  *Client
	creds   *CredentialStore
	queue   *OfflineQueue
	monitor *NetworkMonitor
	logger  zerolog.Logger

	// mu guards the single-flight state below. The zero state is Idle;
	// waiters are only ever appended while refreshing is set, and both are
	// reset together when the in-flight refresh settles.
	mu         sync.Mutex
	refreshing bool
	waiters    []chan error
}

type CoordinatorOption func(*RefreshCoordinator)

// WithOfflineQueue attaches the queue and the monitor that decides whether
// a failed mutating call is queued instead of surfaced.
func WithOfflineQueue(queue *OfflineQueue, monitor *NetworkMonitor) CoordinatorOption {
	return func(rc *RefreshCoordinator) {
		rc.queue = queue
		rc.monitor = monitor
	}
}

func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(rc *RefreshCoordinator) { rc.logger = logger }
}

func NewRefreshCoordinator(client *Client, creds *CredentialStore, opts ...CoordinatorOption) *RefreshCoordinator {
	rc := &RefreshCoordinator{
		client: client,
		creds:  creds,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Execute issues the request, entering refresh mode on an auth failure and
// queueing offline mutating calls. Canceled requests propagate the context
// error: they are never queued and never trigger refresh.
func (rc *RefreshCoordinator) Execute(ctx context.Context, req *Request) (*Response, error) {
	resp, err := rc.client.Do(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return nil, err
	}

	if reqErr.IsAuthFailure() && !isAuthPath(req.Path) && rc.creds.HasSession() {
		if rerr := rc.awaitRefresh(ctx); rerr != nil {
			return nil, rerr
		}
		// Refresh succeeded: replay the original request once. A second
		// auth failure here is terminal.
		return rc.client.Do(ctx, req)
	}

	if reqErr.NetworkError && req.Queueable && rc.canQueue() {
		id, qerr := rc.queue.Enqueue(ActionDescriptor{
			Method:  req.Method,
			URL:     req.Path,
			Body:    rawOrBody(req),
			Headers: req.Headers,
		})
		if qerr != nil {
			return nil, fmt.Errorf("queue offline action: %w", qerr)
		}
		return nil, &RequestError{
			Detail:       "offline: action queued for retry",
			NetworkError: true,
			OfflineError: true,
			ActionID:     id,
		}
	}

	return nil, err
}

func (rc *RefreshCoordinator) canQueue() bool {
	return rc.queue != nil && rc.monitor != nil && rc.monitor.Snapshot().Offline
}

// rawOrBody preserves the exact bytes for replay when the request already
// carried raw JSON.
func rawOrBody(req *Request) any {
	if req.RawBody != nil {
		return req.RawBody
	}
	return req.Body
}

// awaitRefresh returns nil once ambient credentials have been renewed,
// either by the refresh this caller started or by one already in flight.
func (rc *RefreshCoordinator) awaitRefresh(ctx context.Context) error {
	rc.mu.Lock()
	if rc.refreshing {
		// A refresh is in flight: queue behind it.
		ch := make(chan error, 1)
		rc.waiters = append(rc.waiters, ch)
		rc.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// First failure of this wave. The flag is set before any network work
	// begins so a concurrent caller cannot start a second refresh.
	rc.refreshing = true
	rc.mu.Unlock()

	// The refresh outlives the trigger's context: one caller canceling
	// must not fail the whole wave or clear credentials. The transport
	// timeout bounds the detached call.
	done := make(chan error, 1)
	go func() {
		err := rc.doRefresh(context.WithoutCancel(ctx))
		rc.settle(err)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doRefresh performs the refresh call once. Success updates the persisted
// credential evidence; failure clears it.
func (rc *RefreshCoordinator) doRefresh(ctx context.Context) error {
	rc.logger.Info().Msg("refreshing expired credentials")
	_, err := rc.client.Do(ctx, &Request{Method: http.MethodPost, Path: refreshPath})
	if err != nil {
		// Cancellation is not a verdict on the session: propagate it
		// without touching the credential marker.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.logger.Warn().Err(err).Msg("credential refresh failed")
		if cerr := rc.creds.Clear(); cerr != nil {
			rc.logger.Warn().Err(cerr).Msg("failed to clear credential marker")
		}
		return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if merr := rc.creds.MarkRefreshed(); merr != nil {
		rc.logger.Warn().Err(merr).Msg("failed to persist refresh marker")
	}
	rc.logger.Info().Msg("credentials refreshed")
	return nil
}

// settle resolves every waiter with the refresh outcome, in arrival order,
// and returns the coordinator to the idle state.
func (rc *RefreshCoordinator) settle(err error) {
	rc.mu.Lock()
	waiters := rc.waiters
	rc.waiters = nil
	rc.refreshing = false
	rc.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// RefreshNow performs a refresh outside of a failure wave, for callers
// like the session resolver that refresh once for their own sake. It does
// not queue waiters.
func (rc *RefreshCoordinator) RefreshNow(ctx context.Context) error {
	return rc.doRefresh(ctx)
}
