package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/models"
)

// operationColumns is the canonical column list for sync_operations.
// Every read goes through scanOperation so the row shape has exactly
// one decode path.
const operationColumns = `id, entity_type, entity_id, operation_kind, payload,
	status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOperation maps one sync_operations row to a model. Returns a
// typed error on shape mismatch instead of panicking.
func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var lastError sql.NullString

	err := row.Scan(
		&op.ID, &op.EntityType, &op.EntityID, &op.Kind, &op.Payload,
		&op.Status, &op.Attempts, &op.MaxAttempts, &lastError,
		&op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync operation row: %w", err)
	}

	if lastError.Valid {
		op.LastError = lastError.String
	}
	return &op, nil
}

// RetryTransition decides the next status of an operation after a
// failed delivery attempt, given the claim-incremented attempt count.
// Pure function so the retry policy is testable without storage.
type RetryTransition func(attempts, maxAttempts int) (models.OperationStatus, int64)

// OperationStore is the durable table-backed representation of queued
// operations. Mutations run on the write pool as single transactions;
// inspection reads run on the read pool.
type OperationStore struct {
	router *PoolRouter
}

// NewOperationStore creates an OperationStore on top of the router.
func NewOperationStore(router *PoolRouter) *OperationStore {
	return &OperationStore{router: router}
}

// Insert creates a new Pending row and assigns its id.
func (s *OperationStore) Insert(ctx context.Context, op *models.SyncOperation) error {
	now := time.Now().Unix()
	op.Status = models.StatusPending
	op.Attempts = 0
	op.NextAttemptAt = now
	op.CreatedAt = now
	op.UpdatedAt = now

	query := `
	INSERT INTO sync_operations (entity_type, entity_id, operation_kind, payload,
		status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`
	result, err := s.router.DB(PoolWrite).ExecContext(ctx, query,
		op.EntityType, op.EntityID, op.Kind, []byte(op.Payload),
		op.Status, op.Attempts, op.MaxAttempts, op.NextAttemptAt,
		op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	op.ID = id
	return nil
}

// ClaimBatch atomically claims up to limit Pending rows in insertion
// order, transitioning them to Processing and incrementing attempts.
// A single UPDATE..RETURNING on the write pool: the statement takes
// the write lock before reading, so concurrent callers serialize
// under busy_timeout instead of failing a deferred snapshot upgrade,
// and two callers never claim the same row.
func (s *OperationStore) ClaimBatch(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	now := time.Now().Unix()

	query := fmt.Sprintf(`
	UPDATE sync_operations
	SET status = ?, attempts = attempts + 1, updated_at = ?
	WHERE id IN (
		SELECT id FROM sync_operations
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	)
	RETURNING %s
	`, operationColumns)

	rows, err := s.router.DB(PoolWrite).QueryContext(ctx, query,
		models.StatusProcessing, now, models.StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee row order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

// MarkCompleted transitions a Processing row to Completed.
// Returns sql.ErrNoRows if the row is not currently Processing.
func (s *OperationStore) MarkCompleted(ctx context.Context, id int64) error {
	query := `
	UPDATE sync_operations
	SET status = ?, updated_at = ?
	WHERE id = ? AND status = ?
	`
	result, err := s.router.DB(PoolWrite).ExecContext(ctx, query,
		models.StatusCompleted, time.Now().Unix(), id, models.StatusProcessing)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkFailed applies the retry transition to a Processing row,
// recording errMsg in last_error. The write is guarded on the row
// still being Processing with the attempts count read, so a row that
// changed underneath reports sql.ErrNoRows instead of being clobbered.
func (s *OperationStore) MarkFailed(ctx context.Context, id int64, errMsg string, transition RetryTransition) (models.OperationStatus, error) {
	var attempts, maxAttempts int
	var status models.OperationStatus
	err := s.router.DB(PoolWrite).QueryRowContext(ctx,
		`SELECT attempts, max_attempts, status FROM sync_operations WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts, &status)
	if err != nil {
		return "", err
	}
	if status != models.StatusProcessing {
		return "", sql.ErrNoRows
	}

	next, nextAttemptAt := transition(attempts, maxAttempts)

	result, err := s.router.DB(PoolWrite).ExecContext(ctx, `
	UPDATE sync_operations
	SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
	WHERE id = ? AND status = ? AND attempts = ?
	`, next, errMsg, nextAttemptAt, time.Now().Unix(),
		id, models.StatusProcessing, attempts)
	if err != nil {
		return "", err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows == 0 {
		return "", sql.ErrNoRows
	}
	return next, nil
}

// GetByID retrieves one operation. Returns sql.ErrNoRows if missing.
func (s *OperationStore) GetByID(ctx context.Context, id int64) (*models.SyncOperation, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_operations WHERE id = ?`, operationColumns)
	return scanOperation(s.router.DB(PoolRead).QueryRowContext(ctx, query, id))
}

// ListByEntity returns all operations targeting one logical entity,
// any status, ordered by creation.
func (s *OperationStore) ListByEntity(ctx context.Context, entityID, entityType string) ([]*models.SyncOperation, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM sync_operations
	WHERE entity_id = ? AND entity_type = ?
	ORDER BY id
	`, operationColumns)

	rows, err := s.router.DB(PoolRead).QueryContext(ctx, query, entityID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteTerminalBefore deletes Completed/Failed rows whose updated_at
// is at or before cutoff. The cutoff is inclusive so a cutoff of "now"
// prunes rows that reached a terminal state this very second.
// Pending/Processing rows are never touched.
func (s *OperationStore) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	query := `
	DELETE FROM sync_operations
	WHERE status IN (?, ?) AND updated_at <= ?
	`
	result, err := s.router.DB(PoolWrite).ExecContext(ctx, query,
		models.StatusCompleted, models.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByStatus returns the number of rows in each status.
func (s *OperationStore) CountByStatus(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := s.router.DB(PoolRead).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status models.OperationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
