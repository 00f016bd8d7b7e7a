package quipflip

import (
	"encoding/json"
	"sync"
	"time"
)

// credentialRecord is the persisted evidence of a prior authenticated
// session. Not the token itself (that lives in the cookie jar), just the
// local marker used to decide whether a refresh is worth attempting.
type credentialRecord struct {
	Username    string    `json:"username"`
	RefreshedAt time.Time `json:"refreshedAt,omitempty"`
}

// CredentialStore persists the last-known authenticated username.
type CredentialStore struct {
	mu    sync.Mutex
	store Storage
	key   string
}

// NewCredentialStore creates a store rooted at the given namespace.
func NewCredentialStore(store Storage, namespace string) *CredentialStore {
	return &CredentialStore{store: store, key: namespace + "/last_username"}
}

func (s *CredentialStore) load() credentialRecord {
	data, ok, err := s.store.Get(s.key)
	if err != nil || !ok {
		return credentialRecord{}
	}
	var rec credentialRecord
	if json.Unmarshal(data, &rec) != nil {
		return credentialRecord{}
	}
	return rec
}

func (s *CredentialStore) save(rec credentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Set(s.key, data)
}

// LastUsername returns the persisted username marker, empty when none.
func (s *CredentialStore) LastUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Username
}

// HasSession reports whether local evidence of a prior authenticated
// session exists.
func (s *CredentialStore) HasSession() bool {
	return s.LastUsername() != ""
}

// SetLastUsername records the username after a successful login or
// session resolution.
func (s *CredentialStore) SetLastUsername(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.load()
	rec.Username = username
	return s.save(rec)
}

// MarkRefreshed updates the evidence timestamp after a successful refresh.
func (s *CredentialStore) MarkRefreshed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.load()
	if rec.Username == "" {
		return nil
	}
	rec.RefreshedAt = time.Now().UTC()
	return s.save(rec)
}

// Clear removes the marker. Called when a refresh fails terminally.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(s.key)
}
