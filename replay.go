package quipflip

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDrainOffline is returned when a drain is requested while the device
// is offline. Nothing is attempted; the queue is untouched.
var ErrDrainOffline = errors.New("offline: drain aborted")

// ============================================================================
// Queue Replay Orchestrator
// ============================================================================

// ReplayOrchestrator drains the offline queue through the refresh
// coordinator when connectivity returns. Drain order is strictly
// sequential by insertion order, one record fully resolved before the
// next, bounding reconnect load and preserving relative ordering of
// side-effecting calls.
type ReplayOrchestrator struct {
	queue   *OfflineQueue
	exec    Executor
	monitor *NetworkMonitor
	logger  zerolog.Logger

	mu       sync.Mutex
	draining bool
	unsub    func()
}

func NewReplayOrchestrator(queue *OfflineQueue, exec Executor, monitor *NetworkMonitor, logger zerolog.Logger) *ReplayOrchestrator {
	return &ReplayOrchestrator{
		queue:   queue,
		exec:    exec,
		monitor: monitor,
		logger:  logger,
	}
}

// Start subscribes to the monitor so the queue drains automatically on the
// offline-to-online transition.
func (o *ReplayOrchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsub != nil {
		return
	}
	o.unsub = o.monitor.Subscribe(func(snap NetSnapshot) {
		if snap.Online && o.monitor.ConsumeWasOffline() {
			go func() {
				if err := o.Drain(context.Background()); err != nil {
					o.logger.Warn().Err(err).Msg("automatic queue drain failed")
				}
			}()
		}
	})
}

// Stop cancels the automatic trigger. A drain already running finishes.
func (o *ReplayOrchestrator) Stop() {
	o.mu.Lock()
	unsub := o.unsub
	o.unsub = nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Drain replays every queued record once, in insertion order. It is also
// the manual "retry now" operation. The record list is snapshotted at loop
// start; actions enqueued during the drain wait for the next pass.
func (o *ReplayOrchestrator) Drain(ctx context.Context) error {
	if !o.monitor.Snapshot().Online {
		return ErrDrainOffline
	}

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	records := o.queue.List()
	if len(records) == 0 {
		return nil
	}

	o.logger.Info().Int("count", len(records)).Msg("draining offline queue")

	var replayed, evicted, kept int
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Out of attempts: evict without a network call.
		if o.queue.HasExceededMaxRetries(rec.ID) {
			if err := o.queue.Remove(rec.ID); err != nil {
				return err
			}
			evicted++
			o.logger.Info().Str("actionId", rec.ID).
				Int("retryCount", rec.RetryCount).Msg("action evicted: max retries exceeded")
			continue
		}

		_, err := o.exec.Execute(ctx, &Request{
			Method:  rec.Method,
			Path:    rec.URL,
			RawBody: rec.Body,
			Headers: rec.Headers,
		})
		if err == nil {
			if rerr := o.queue.Remove(rec.ID); rerr != nil {
				return rerr
			}
			replayed++
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentReplayError(err) {
			// Retrying would not help; drop the record.
			if rerr := o.queue.Remove(rec.ID); rerr != nil {
				return rerr
			}
			evicted++
			o.logger.Info().Str("actionId", rec.ID).Err(err).
				Msg("action dropped: permanent error")
			continue
		}

		// Transient: keep the record for the next drain.
		if ierr := o.queue.IncrementRetryCount(rec.ID); ierr != nil {
			return ierr
		}
		kept++
		o.logger.Debug().Str("actionId", rec.ID).Err(err).
			Msg("action kept for retry: transient error")
	}

	o.logger.Info().Int("replayed", replayed).Int("evicted", evicted).
		Int("kept", kept).Msg("queue drain complete")
	return nil
}

// isPermanentReplayError classifies a replay failure. Permanent means any
// response status in [400,500) except 429; everything else (network loss,
// 5xx, 429, refresh failure without a status) is transient.
func isPermanentReplayError(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.IsPermanent()
}
