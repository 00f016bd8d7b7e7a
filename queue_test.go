package quipflip

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// flakyStorage fails writes on demand so persist-failure branches can be
// exercised.
type flakyStorage struct {
	*MemoryStorage
	failSet bool
}

func (s *flakyStorage) Set(key string, value []byte) error {
	if s.failSet {
		return errors.New("disk full")
	}
	return s.MemoryStorage.Set(key, value)
}

func newTestQueue(t *testing.T, store Storage) *OfflineQueue {
	t.Helper()
	q, err := NewOfflineQueue(store, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOfflineQueue: %v", err)
	}
	return q
}

func TestOfflineQueue_DurableAcrossRestart(t *testing.T) {
	store := NewMemoryStorage()
	q1 := newTestQueue(t, store)

	if _, err := q1.Enqueue(ActionDescriptor{
		Method: "POST", URL: "/api/rounds/r1/answer",
		Body:    map[string]string{"text": "witty"},
		Headers: map[string]string{"X-Game": "quipflip"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q1.Enqueue(ActionDescriptor{Method: "POST", URL: "/api/daily/claim"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulated process restart: a fresh queue over the same storage.
	q2 := newTestQueue(t, store)

	before, _ := json.Marshal(q1.List())
	after, _ := json.Marshal(q2.List())
	if !bytes.Equal(before, after) {
		t.Fatalf("restart changed the queue:\nbefore: %s\nafter:  %s", before, after)
	}
	if q2.Size() != 2 {
		t.Fatalf("expected size 2 after restart, got %d", q2.Size())
	}
}

func TestOfflineQueue_InsertionOrder(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage())

	var ids []string
	for _, url := range []string{"/a", "/b", "/c"} {
		id, err := q.Enqueue(ActionDescriptor{Method: "POST", URL: url})
		if err != nil {
			t.Fatalf("Enqueue %s: %v", url, err)
		}
		ids = append(ids, id)
	}

	records := q.List()
	for i, rec := range records {
		if rec.ID != ids[i] {
			t.Errorf("record %d: expected id %s, got %s", i, ids[i], rec.ID)
		}
	}
}

func TestOfflineQueue_RemoveIdempotent(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage())
	id, err := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Remove(id); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := q.Remove(id); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
	if err := q.Remove("never-existed"); err != nil {
		t.Fatalf("Remove of absent id should be a no-op, got: %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("expected empty queue, got size %d", q.Size())
	}
}

func TestOfflineQueue_RetryCounting(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage())
	id, err := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.HasExceededMaxRetries(id) {
		t.Fatal("fresh record should not have exceeded max retries")
	}

	for i := 0; i < 2; i++ {
		if err := q.IncrementRetryCount(id); err != nil {
			t.Fatalf("IncrementRetryCount: %v", err)
		}
	}
	if !q.HasExceededMaxRetries(id) {
		t.Fatal("expected max retries exceeded after 2 increments")
	}

	// A further increment never pushes retryCount past maxRetries.
	if err := q.IncrementRetryCount(id); err != nil {
		t.Fatalf("IncrementRetryCount: %v", err)
	}
	if rc := q.List()[0].RetryCount; rc != 2 {
		t.Fatalf("expected retryCount clamped at 2, got %d", rc)
	}

	if !q.HasExceededMaxRetries("gone") {
		t.Fatal("unknown id should report exceeded so it is always removable")
	}
}

func TestOfflineQueue_DefaultMaxRetries(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage())
	if _, err := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if mr := q.List()[0].MaxRetries; mr != DefaultMaxRetries {
		t.Fatalf("expected default maxRetries %d, got %d", DefaultMaxRetries, mr)
	}
}

func TestOfflineQueue_SubscribeNotifies(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage())

	var calls int
	var lastLen int
	unsub := q.Subscribe(func(records []ActionRecord) {
		calls++
		lastLen = len(records)
	})

	id, _ := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a"})
	if calls != 1 || lastLen != 1 {
		t.Fatalf("after enqueue: calls=%d lastLen=%d", calls, lastLen)
	}

	q.IncrementRetryCount(id)
	if calls != 2 {
		t.Fatalf("after increment: calls=%d", calls)
	}

	q.Remove(id)
	if calls != 3 || lastLen != 0 {
		t.Fatalf("after remove: calls=%d lastLen=%d", calls, lastLen)
	}

	unsub()
	q.Enqueue(ActionDescriptor{Method: "POST", URL: "/b"})
	if calls != 3 {
		t.Fatalf("listener fired after unsubscribe: calls=%d", calls)
	}
}

func TestOfflineQueue_PersistFailureRollsBack(t *testing.T) {
	store := &flakyStorage{MemoryStorage: NewMemoryStorage()}
	q, err := NewOfflineQueue(store, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOfflineQueue: %v", err)
	}
	id, _ := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a"})
	q.Enqueue(ActionDescriptor{Method: "POST", URL: "/b"})

	store.failSet = true

	if err := q.Remove(id); err == nil {
		t.Fatal("expected Remove to surface the persist failure")
	}
	if err := q.IncrementRetryCount(id); err == nil {
		t.Fatal("expected IncrementRetryCount to surface the persist failure")
	}
	if err := q.Clear(); err == nil {
		t.Fatal("expected Clear to surface the persist failure")
	}
	if _, err := q.Enqueue(ActionDescriptor{Method: "POST", URL: "/c"}); err == nil {
		t.Fatal("expected Enqueue to surface the persist failure")
	}

	// Memory matches the persisted state exactly: a restart over the same
	// storage reconstructs the queue the failed mutations never touched.
	records := q.List()
	if len(records) != 2 || records[0].ID != id || records[0].RetryCount != 0 {
		t.Fatalf("failed mutations left in-memory residue: %+v", records)
	}

	store.failSet = false
	restarted := newTestQueue(t, store)
	before, _ := json.Marshal(records)
	after, _ := json.Marshal(restarted.List())
	if !bytes.Equal(before, after) {
		t.Fatalf("memory diverged from persisted state:\nmemory:    %s\npersisted: %s", before, after)
	}

	if err := q.Remove(id); err != nil {
		t.Fatalf("Remove after recovery: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("expected size 1 after recovered Remove, got %d", q.Size())
	}
}

func TestOfflineQueue_Clear(t *testing.T) {
	store := NewMemoryStorage()
	q := newTestQueue(t, store)
	q.Enqueue(ActionDescriptor{Method: "POST", URL: "/a"})
	q.Enqueue(ActionDescriptor{Method: "POST", URL: "/b"})

	if err := q.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Size())
	}

	// The empty state is persisted too.
	q2 := newTestQueue(t, store)
	if q2.Size() != 0 {
		t.Fatalf("expected empty queue after restart, got %d", q2.Size())
	}
}
