// Package queue provides the durable offline operation queue.
//
// Every state-changing call is a single storage transaction on the
// write pool, which is what makes the queue safe for concurrent use by
// the request handlers and the background scheduler.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/db"
	"github.com/dlauzon/filmtrack/backend/internal/errors"
	"github.com/dlauzon/filmtrack/backend/internal/logging"
	"github.com/dlauzon/filmtrack/backend/internal/models"
)

// DefaultMaxAttempts bounds delivery retries per operation.
const DefaultMaxAttempts = 3

// Config holds queue tuning.
type Config struct {
	// MaxAttempts applied to enqueued operations that don't set one.
	MaxAttempts int

	// RetryBackoff is the base delay before a failed operation becomes
	// claimable again (doubled per attempt, capped at one hour).
	// Zero makes retried operations immediately eligible.
	RetryBackoff time.Duration
}

// Queue is the public API over the durable sync_operations table.
type Queue struct {
	store        *db.OperationStore
	maxAttempts  int
	retryBackoff time.Duration
}

// New creates a Queue on top of the operation store.
func New(store *db.OperationStore, cfg Config) *Queue {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		store:        store,
		maxAttempts:  maxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Metrics is a point-in-time aggregate of queue state, computed from
// storage on demand and never itself persisted.
type Metrics struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Enqueue validates and durably records one mutation, returning the
// assigned operation id.
func (q *Queue) Enqueue(ctx context.Context, op *models.SyncOperation) (int64, error) {
	if !op.Kind.Valid() {
		return 0, errors.New(errors.ErrValidation,
			fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	if op.EntityType == "" || op.EntityID == "" {
		return 0, errors.New(errors.ErrValidation, "entity_type and entity_id are required")
	}
	if len(op.Payload) == 0 {
		return 0, errors.New(errors.ErrValidation, "payload is required")
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.maxAttempts
	}

	if err := q.store.Insert(ctx, op); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"kind":         op.Kind,
	})
	return op.ID, nil
}

// DequeueBatch claims up to limit Pending operations, oldest first.
// Concurrent callers always receive disjoint sets.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		return nil, errors.New(errors.ErrValidation, "limit must be positive")
	}

	claimed, err := q.store.ClaimBatch(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to claim batch", err)
	}
	return claimed, nil
}

// MarkCompleted transitions a Processing operation to its Completed
// terminal state.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	err := q.store.MarkCompleted(ctx, id)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrNotFound,
			fmt.Sprintf("operation %d is not processing", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark operation completed", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The operation returns
// to Pending while attempts remain, and becomes terminally Failed once
// they are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, id int64, deliveryErr string) error {
	next, err := q.store.MarkFailed(ctx, id, deliveryErr, retryTransition(q.retryBackoff))
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrNotFound,
			fmt.Sprintf("operation %d is not processing", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark operation failed", err)
	}

	if next == models.StatusFailed {
		logging.Warn("Sync operation failed permanently", map[string]interface{}{
			"operation_id": id,
			"error":        deliveryErr,
		})
	}
	return nil
}

// GetOperation retrieves one operation by id.
func (q *Queue) GetOperation(ctx context.Context, id int64) (*models.SyncOperation, error) {
	op, err := q.store.GetByID(ctx, id)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("operation %d not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get operation", err)
	}
	return op, nil
}

// GetOperationsForEntity returns every operation targeting one logical
// record, any status, in creation order. Used to inspect pending work
// before allowing further edits.
func (q *Queue) GetOperationsForEntity(ctx context.Context, entityID, entityType string) ([]*models.SyncOperation, error) {
	if entityID == "" || entityType == "" {
		return nil, errors.New(errors.ErrValidation, "entity_type and entity_id are required")
	}

	ops, err := q.store.ListByEntity(ctx, entityID, entityType)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list operations for entity", err)
	}
	return ops, nil
}

// CleanupOldOperations deletes terminal operations whose last
// transition is older than daysOld days. Pending and Processing rows
// are never removed regardless of age.
func (q *Queue) CleanupOldOperations(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		return 0, errors.New(errors.ErrValidation, "days_old must not be negative")
	}

	cutoff := time.Now().Add(-time.Duration(daysOld) * 24 * time.Hour).Unix()
	count, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to cleanup operations", err)
	}

	if count > 0 {
		logging.Info("Pruned terminal sync operations", map[string]interface{}{
			"removed":  count,
			"days_old": daysOld,
		})
	}
	return count, nil
}

// GetMetrics returns point-in-time status counts.
func (q *Queue) GetMetrics(ctx context.Context) (*Metrics, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to compute metrics", err)
	}

	m := &Metrics{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Completed:  counts[models.StatusCompleted],
		Failed:     counts[models.StatusFailed],
	}
	m.Total = m.Pending + m.Processing + m.Completed + m.Failed
	return m, nil
}
