package quipflip

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Visitor Identity
// ============================================================================

// VisitorStore persists the anonymous device identifier. Created at most
// once; read-only thereafter.
type VisitorStore struct {
	mu    sync.Mutex
	store Storage
	key   string
}

func NewVisitorStore(store Storage, namespace string) *VisitorStore {
	return &VisitorStore{store: store, key: namespace + "/visitor_id"}
}

// VisitorID returns the persisted identifier, if one exists.
func (v *VisitorStore) VisitorID() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok, err := v.store.Get(v.key)
	if err != nil || !ok || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// EnsureVisitorID creates the identifier when absent and returns it.
func (v *VisitorStore) EnsureVisitorID() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok, err := v.store.Get(v.key)
	if err != nil {
		return "", err
	}
	if ok && len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := v.store.Set(v.key, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// ============================================================================
// Session Resolver
// ============================================================================

// SessionResolver classifies the visitor once per application load:
// checking moves forward to exactly one of returning-user,
// returning-visitor, or new. Re-running requires Reset (e.g. after
// logout).
type SessionResolver struct {
	client   *Client
	coord    *RefreshCoordinator
	creds    *CredentialStore
	visitors *VisitorStore
	logger   zerolog.Logger

	mu       sync.Mutex
	state    SessionState
	resolved *Resolution
}

func NewSessionResolver(client *Client, coord *RefreshCoordinator, creds *CredentialStore, visitors *VisitorStore, logger zerolog.Logger) *SessionResolver {
	return &SessionResolver{
		client:   client,
		coord:    coord,
		creds:    creds,
		visitors: visitors,
		logger:   logger,
		state:    SessionChecking,
	}
}

// State returns the current state snapshot.
func (r *SessionResolver) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset returns the resolver to the checking state so Resolve can run
// again, e.g. after logout.
func (r *SessionResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = SessionChecking
	r.resolved = nil
}

// Resolve runs the startup protocol. Terminal once resolved: a second call
// returns the cached resolution. Context cancellation propagates as
// cancellation and leaves the resolver re-runnable.
func (r *SessionResolver) Resolve(ctx context.Context) (*Resolution, error) {
	r.mu.Lock()
	if r.resolved != nil {
		res := r.resolved
		r.mu.Unlock()
		return res, nil
	}
	r.state = SessionChecking
	r.mu.Unlock()

	// The prior-visitor check happens before the identifier is created;
	// swapping this ordering would reclassify every first-ever load.
	_, hadVisitor := r.visitors.VisitorID()
	if _, err := r.visitors.EnsureVisitorID(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist visitor identity")
	}

	resp, err := r.client.Do(ctx, &Request{Method: http.MethodGet, Path: sessionPath})
	if err == nil {
		return r.finishUser(resp.Body)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.IsAuthFailure() && r.creds.HasSession() {
		// Known user with expired credentials: one refresh-then-retry
		// cycle. Refresh failure clears the marker inside the coordinator.
		if rerr := r.coord.RefreshNow(ctx); rerr == nil {
			retry, rerr2 := r.client.Do(ctx, &Request{Method: http.MethodGet, Path: sessionPath})
			if rerr2 == nil {
				return r.finishUser(retry.Body)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return r.finishVisitor(hadVisitor)
}

func (r *SessionResolver) finishUser(body []byte) (*Resolution, error) {
	player := normalizePlayer(body)
	if err := r.creds.SetLastUsername(player.Username); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist username marker")
	}

	res := &Resolution{State: SessionReturningUser, Player: player}
	r.mu.Lock()
	r.state = SessionReturningUser
	r.resolved = res
	r.mu.Unlock()

	r.logger.Info().Str("username", player.Username).Msg("session resolved: returning user")
	return res, nil
}

func (r *SessionResolver) finishVisitor(hadVisitor bool) (*Resolution, error) {
	state := SessionNew
	if hadVisitor {
		state = SessionReturningVisitor
	}

	res := &Resolution{State: state}
	r.mu.Lock()
	r.state = state
	r.resolved = res
	r.mu.Unlock()

	r.logger.Info().Str("state", string(state)).Msg("session resolved without authentication")
	return res, nil
}

// ============================================================================
// Payload normalization
// ============================================================================

// normalizePlayer builds the player snapshot from a session payload.
// Wallet and vault resolve from the per-game snapshot fields first, then
// the legacy top-level fields; balances default to zero when absent.
func normalizePlayer(body []byte) *PlayerSnapshot {
	snap := &PlayerSnapshot{
		Username: gjson.GetBytes(body, "username").String(),
		Balances: make(map[string]int64),
	}

	if w := gjson.GetBytes(body, "game_data.wallet"); w.Exists() {
		snap.Wallet = w.Int()
	} else {
		snap.Wallet = gjson.GetBytes(body, "legacy_wallet").Int()
	}
	if v := gjson.GetBytes(body, "game_data.vault"); v.Exists() {
		snap.Vault = v.Int()
	} else {
		snap.Vault = gjson.GetBytes(body, "legacy_vault").Int()
	}

	if player := gjson.GetBytes(body, "player"); player.IsObject() {
		player.ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.Number {
				snap.Balances[key.String()] = value.Int()
			}
			return true
		})
	}
	return snap
}
