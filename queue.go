package quipflip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries bounds replay attempts for records enqueued without an
// explicit limit.
const DefaultMaxRetries = 5

// QueueListener receives the full current record list on every mutation.
type QueueListener func(records []ActionRecord)

type queueSubscriber struct {
	id int
	fn QueueListener
}

// OfflineQueue durably stores deferred mutating requests in insertion
// order. The persisted representation is rewritten on every mutating call,
// so a process restart reconstructs an identical queue.
type OfflineQueue struct {
	mu      sync.Mutex
	store   Storage
	key     string
	records []ActionRecord
	subs    []queueSubscriber
	nextSub int
	logger  zerolog.Logger
}

// NewOfflineQueue loads any persisted records for the namespace. Corrupt
// persisted state is an error, not a silent reset.
func NewOfflineQueue(store Storage, namespace string, logger zerolog.Logger) (*OfflineQueue, error) {
	q := &OfflineQueue{
		store:  store,
		key:    namespace + "/actions",
		logger: logger,
	}

	data, ok, err := store.Get(q.key)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &q.records); err != nil {
			return nil, fmt.Errorf("decode offline queue: %w", err)
		}
	}
	return q, nil
}

// persistLocked writes the full record list. Callers hold q.mu.
func (q *OfflineQueue) persistLocked() error {
	data, err := json.Marshal(q.records)
	if err != nil {
		return err
	}
	return q.store.Set(q.key, data)
}

// listLocked returns a copy safe to hand out after unlocking.
func (q *OfflineQueue) listLocked() []ActionRecord {
	out := make([]ActionRecord, len(q.records))
	copy(out, q.records)
	return out
}

func (q *OfflineQueue) indexLocked(id string) int {
	for i := range q.records {
		if q.records[i].ID == id {
			return i
		}
	}
	return -1
}

// notify invokes subscribers outside the lock, in registration order.
func (q *OfflineQueue) notify(subs []queueSubscriber, records []ActionRecord) {
	for _, s := range subs {
		s.fn(records)
	}
}

// Enqueue stores a new record with RetryCount zero and returns its id.
// The record is persisted before Enqueue returns.
func (q *OfflineQueue) Enqueue(desc ActionDescriptor) (string, error) {
	var body json.RawMessage
	if desc.Body != nil {
		b, err := json.Marshal(desc.Body)
		if err != nil {
			return "", fmt.Errorf("marshal action body: %w", err)
		}
		body = b
	}

	maxRetries := desc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	rec := ActionRecord{
		ID:         uuid.NewString(),
		Method:     desc.Method,
		URL:        desc.URL,
		Body:       body,
		Headers:    desc.Headers,
		RetryCount: 0,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.records = append(q.records, rec)
	if err := q.persistLocked(); err != nil {
		q.records = q.records[:len(q.records)-1]
		q.mu.Unlock()
		return "", fmt.Errorf("persist offline queue: %w", err)
	}
	subs := append([]queueSubscriber(nil), q.subs...)
	records := q.listLocked()
	q.mu.Unlock()

	q.logger.Info().Str("actionId", rec.ID).Str("method", rec.Method).
		Str("url", rec.URL).Msg("action queued for offline retry")
	q.notify(subs, records)
	return rec.ID, nil
}

// Remove deletes the record. Removing an absent id is a no-op.
func (q *OfflineQueue) Remove(id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}
	removed := q.records[i]
	q.records = append(q.records[:i], q.records[i+1:]...)
	if err := q.persistLocked(); err != nil {
		// Keep memory and persisted state identical on failure.
		q.records = append(q.records[:i], append([]ActionRecord{removed}, q.records[i:]...)...)
		q.mu.Unlock()
		return fmt.Errorf("persist offline queue: %w", err)
	}
	subs := append([]queueSubscriber(nil), q.subs...)
	records := q.listLocked()
	q.mu.Unlock()

	q.logger.Debug().Str("actionId", removed.ID).Msg("action removed from queue")
	q.notify(subs, records)
	return nil
}

// List returns the records in insertion order.
func (q *OfflineQueue) List() []ActionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked()
}

// Size returns the number of queued records.
func (q *OfflineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// IncrementRetryCount bumps the record's retry count and persists. The
// count is clamped at MaxRetries; the replay orchestrator removes records
// once they can no longer be retried.
func (q *OfflineQueue) IncrementRetryCount(id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}
	prev := q.records[i].RetryCount
	if q.records[i].RetryCount < q.records[i].MaxRetries {
		q.records[i].RetryCount++
	}
	if err := q.persistLocked(); err != nil {
		q.records[i].RetryCount = prev
		q.mu.Unlock()
		return fmt.Errorf("persist offline queue: %w", err)
	}
	subs := append([]queueSubscriber(nil), q.subs...)
	records := q.listLocked()
	q.mu.Unlock()

	q.notify(subs, records)
	return nil
}

// HasExceededMaxRetries reports whether the record is out of attempts.
// Unknown ids report true so stale references are always eligible for
// removal.
func (q *OfflineQueue) HasExceededMaxRetries(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return true
	}
	return q.records[i].RetryCount >= q.records[i].MaxRetries
}

// Subscribe registers a listener fired with the full list on every
// mutation. The returned function unsubscribes.
func (q *OfflineQueue) Subscribe(fn QueueListener) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs = append(q.subs, queueSubscriber{id: id, fn: fn})
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i := range q.subs {
			if q.subs[i].id == id {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				return
			}
		}
	}
}

// Clear empties the queue and persists the empty state.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	prev := q.records
	q.records = nil
	if err := q.persistLocked(); err != nil {
		q.records = prev
		q.mu.Unlock()
		return fmt.Errorf("persist offline queue: %w", err)
	}
	subs := append([]queueSubscriber(nil), q.subs...)
	q.mu.Unlock()

	q.logger.Info().Msg("offline queue cleared")
	q.notify(subs, nil)
	return nil
}
