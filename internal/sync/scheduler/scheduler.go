// Package scheduler provides the background sync scheduler that drains
// the offline operation queue against the remote system.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/errors"
	"github.com/dlauzon/filmtrack/backend/internal/logging"
	"github.com/dlauzon/filmtrack/backend/internal/models"
	"github.com/dlauzon/filmtrack/backend/internal/sync/queue"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateSyncing  State = "syncing"
	StateStopping State = "stopping"
)

// Deliverer attempts delivery of one claimed operation to the remote
// system. A nil return completes the operation; an error requeues or
// fails it under the queue's retry policy.
type Deliverer interface {
	Deliver(ctx context.Context, op *models.SyncOperation) error
}

// ReachabilityChecker reports whether the remote system is reachable.
type ReachabilityChecker interface {
	Reachable(ctx context.Context) bool
}

// Config holds scheduler tuning.
type Config struct {
	Interval  time.Duration // periodic cycle interval (default: 30 seconds)
	BatchSize int           // operations claimed per cycle (default: 20)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		BatchSize: 20,
	}
}

// SyncResult aggregates the outcome of one cycle.
type SyncResult struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Errors     []string      `json:"errors,omitempty"`
}

// Status is a read-only snapshot of scheduler and queue state.
type Status struct {
	NetworkAvailable bool     `json:"network_available"`
	IsRunning        bool     `json:"is_running"`
	State            State    `json:"state"`
	Pending          int      `json:"pending"`
	Failed           int      `json:"failed"`
	Total            int      `json:"total"`
	LastSync         *int64   `json:"last_sync,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Scheduler owns the periodic claim-attempt-resolve cycle. Exactly one
// cycle runs at a time: a manual SyncNow and the periodic loop are
// serialized by an atomic in-progress guard, never by holding a lock
// across delivery I/O.
type Scheduler struct {
	queue        *queue.Queue
	deliverer    Deliverer
	reachability ReachabilityChecker
	interval     time.Duration
	batchSize    int

	cycleInProgress atomic.Bool

	mu         sync.RWMutex
	state      State
	stopCh     chan struct{}
	wg         sync.WaitGroup
	lastSync   time.Time
	lastErrors []string
}

// New creates a Scheduler over the queue.
func New(q *queue.Queue, deliverer Deliverer, reachability ReachabilityChecker, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	return &Scheduler{
		queue:        q,
		deliverer:    deliverer,
		reachability: reachability,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		state:        StateStopped,
	}
}

// Start begins the periodic sync loop. No-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStarting
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval":   s.interval.String(),
		"batch_size": s.batchSize,
	})
}

// Stop signals the loop to exit after the current cycle completes and
// waits for it. No-op if already stopped. A cycle in flight always
// resolves its claimed batch before the loop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped", nil)
}

// loop runs cycles on the configured interval until stopped.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The loop is gone; reflect that unless a Stop is already
			// mid-transition and will set the state itself.
			s.mu.Lock()
			if s.state != StateStopping {
				s.state = StateStopped
			}
			s.mu.Unlock()
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.SyncNow(ctx); err != nil {
				// An overlapping manual sync is not a failure
				if !errors.Is(err, errors.ErrSyncInProgress) {
					logging.Error("Periodic sync cycle failed", err, nil)
				}
			}
		}
	}
}

// SyncNow runs one synchronous cycle outside the periodic timer.
// Returns ErrSyncInProgress if another cycle is already in flight.
// Delivery failures are absorbed into queue transitions and reported
// through the result, never returned as an error.
func (s *Scheduler) SyncNow(ctx context.Context) (*SyncResult, error) {
	if !s.cycleInProgress.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync cycle is already in progress")
	}
	defer s.cycleInProgress.Store(false)

	s.setSyncing(true)
	defer s.setSyncing(false)

	start := time.Now()
	result := &SyncResult{}
	defer func() {
		result.Duration = time.Since(start)
		result.DurationMS = result.Duration.Milliseconds()
		s.recordCycle(result)
	}()

	if !s.reachability.Reachable(ctx) {
		result.Errors = append(result.Errors, "remote system unreachable")
		return result, nil
	}

	claimed, err := s.queue.DequeueBatch(ctx, s.batchSize)
	if err != nil {
		// Storage trouble ends the cycle; the loop stays alive
		result.Errors = append(result.Errors, err.Error())
		logging.ErrorWithCode("Failed to claim sync batch", string(errors.CodeOf(err)), err, nil)
		return result, nil
	}

	for _, op := range claimed {
		result.Processed++

		if err := s.deliverer.Deliver(ctx, op); err != nil {
			result.Failed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("operation %d: %v", op.ID, err))
			if markErr := s.queue.MarkFailed(ctx, op.ID, err.Error()); markErr != nil {
				result.Errors = append(result.Errors, markErr.Error())
			}
			continue
		}

		if err := s.queue.MarkCompleted(ctx, op.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Successful++
	}

	if result.Processed > 0 {
		logging.Info("Sync cycle finished", map[string]interface{}{
			"processed":  result.Processed,
			"successful": result.Successful,
			"failed":     result.Failed,
		})
	}
	return result, nil
}

// setSyncing flips Running <-> Syncing without disturbing other states.
func (s *Scheduler) setSyncing(syncing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if syncing && s.state == StateRunning {
		s.state = StateSyncing
	} else if !syncing && s.state == StateSyncing {
		s.state = StateRunning
	}
}

// recordCycle stores scheduler-local outcome for Status.
func (s *Scheduler) recordCycle(result *SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrors = result.Errors
	if len(result.Errors) == 0 {
		s.lastSync = time.Now()
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the periodic loop is active.
func (s *Scheduler) IsRunning() bool {
	switch s.State() {
	case StateRunning, StateSyncing:
		return true
	}
	return false
}

// Status returns a snapshot of scheduler and queue state. Safe to call
// concurrently with an in-progress cycle.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	metrics, err := s.queue.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	status := &Status{
		IsRunning: s.state == StateRunning || s.state == StateSyncing,
		State:     s.state,
		Pending:   metrics.Pending,
		Failed:    metrics.Failed,
		Total:     metrics.Total,
		Errors:    s.lastErrors,
	}
	if !s.lastSync.IsZero() {
		ts := s.lastSync.Unix()
		status.LastSync = &ts
	}
	s.mu.RUnlock()

	status.NetworkAvailable = s.reachability.Reachable(ctx)
	return status, nil
}
