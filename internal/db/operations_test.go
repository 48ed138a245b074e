package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/models"
)

// setupTestStore opens a router over a temp database with the real
// schema applied.
func setupTestStore(t *testing.T) (*OperationStore, *PoolRouter) {
	t.Helper()

	router, err := OpenRouter(t.TempDir(), DefaultRouterConfig())
	if err != nil {
		t.Fatalf("Failed to open router: %v", err)
	}
	t.Cleanup(func() { router.Close() })

	if err := NewMigrator(router.DB(PoolWrite)).Up(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	return NewOperationStore(router), router
}

func testOperation(entityType, entityID string) *models.SyncOperation {
	return &models.SyncOperation{
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        models.OperationUpdate,
		Payload:     json.RawMessage(`{"status":"in_progress"}`),
		MaxAttempts: 3,
	}
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		op := testOperation("task", "T1")
		if err := store.Insert(ctx, op); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if op.ID <= lastID {
			t.Errorf("Expected strictly increasing id, got %d after %d", op.ID, lastID)
		}
		lastID = op.ID

		// Row must be immediately visible
		got, err := store.GetByID(ctx, op.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != models.StatusPending {
			t.Errorf("Expected pending status, got %s", got.Status)
		}
		if got.Attempts != 0 {
			t.Errorf("Expected 0 attempts, got %d", got.Attempts)
		}
	}
}

func TestClaimBatchOrderAndTransition(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		op := testOperation("task", "T1")
		if err := store.Insert(ctx, op); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, op.ID)
	}

	claimed, err := store.ClaimBatch(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	if len(claimed) != 2 {
		t.Fatalf("Expected 2 claimed, got %d", len(claimed))
	}
	if claimed[0].ID != ids[0] || claimed[1].ID != ids[1] {
		t.Errorf("Expected oldest-first claim %v, got %d,%d", ids[:2], claimed[0].ID, claimed[1].ID)
	}
	for _, op := range claimed {
		if op.Status != models.StatusProcessing {
			t.Errorf("Expected processing status, got %s", op.Status)
		}
		if op.Attempts != 1 {
			t.Errorf("Expected 1 attempt after claim, got %d", op.Attempts)
		}
	}

	// All three rows visible for the entity, two processing one pending
	ops, err := store.ListByEntity(ctx, "T1", "task")
	if err != nil {
		t.Fatalf("ListByEntity failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Expected 3 operations for entity, got %d", len(ops))
	}
	if ops[2].Status != models.StatusPending {
		t.Errorf("Expected third row still pending, got %s", ops[2].Status)
	}
}

func TestClaimBatchEmptyQueue(t *testing.T) {
	store, _ := setupTestStore(t)

	claimed, err := store.ClaimBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("Expected empty claim, got %d rows", len(claimed))
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := store.Insert(ctx, testOperation("task", "T1")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make([][]*models.SyncOperation, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := store.ClaimBatch(ctx, 5)
			if err != nil {
				t.Errorf("ClaimBatch failed: %v", err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	total := 0
	for _, claimed := range results {
		for _, op := range claimed {
			if seen[op.ID] {
				t.Errorf("Operation %d claimed twice", op.ID)
			}
			seen[op.ID] = true
			total++
		}
	}
	if total != 20 {
		t.Errorf("Expected 20 operations claimed in total, got %d", total)
	}
}

func TestMarkCompleted(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	op := testOperation("task", "T1")
	if err := store.Insert(ctx, op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Not processing yet
	if err := store.MarkCompleted(ctx, op.ID); err != sql.ErrNoRows {
		t.Errorf("Expected ErrNoRows for pending row, got %v", err)
	}

	if _, err := store.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, op.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	got, err := store.GetByID(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}

	// Terminal: completing twice reports not-found
	if err := store.MarkCompleted(ctx, op.ID); err != sql.ErrNoRows {
		t.Errorf("Expected ErrNoRows for terminal row, got %v", err)
	}
}

func TestMarkFailedAppliesTransition(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	op := testOperation("task", "T1")
	if err := store.Insert(ctx, op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := store.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	requeue := func(attempts, maxAttempts int) (models.OperationStatus, int64) {
		return models.StatusPending, time.Now().Unix()
	}

	next, err := store.MarkFailed(ctx, op.ID, "connection refused", requeue)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if next != models.StatusPending {
		t.Errorf("Expected pending, got %s", next)
	}

	got, err := store.GetByID(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.LastError != "connection refused" {
		t.Errorf("Expected last_error recorded, got %q", got.LastError)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected attempts unchanged by MarkFailed, got %d", got.Attempts)
	}

	// MarkFailed on a non-processing row reports not-found
	if _, err := store.MarkFailed(ctx, op.ID, "again", requeue); err != sql.ErrNoRows {
		t.Errorf("Expected ErrNoRows for pending row, got %v", err)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	store, router := setupTestStore(t)
	ctx := context.Background()

	completed := testOperation("task", "T1")
	pending := testOperation("task", "T2")
	for _, op := range []*models.SyncOperation{completed, pending} {
		if err := store.Insert(ctx, op); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := store.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, completed.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	// Age both rows far into the past
	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := router.DB(PoolWrite).Exec(
		"UPDATE sync_operations SET updated_at = ?", old); err != nil {
		t.Fatalf("Failed to age rows: %v", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	count, err := store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row deleted, got %d", count)
	}

	// The processing row survives regardless of age
	if _, err := store.GetByID(ctx, pending.ID); err != nil {
		t.Errorf("Expected non-terminal row to survive cleanup: %v", err)
	}
	if _, err := store.GetByID(ctx, completed.ID); err != sql.ErrNoRows {
		t.Errorf("Expected completed row deleted, got %v", err)
	}
}

func TestDeleteTerminalBeforeCutoffIsInclusive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	op := testOperation("task", "T1")
	if err := store.Insert(ctx, op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := store.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, op.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	// A row completed this very second is prunable with a cutoff of now.
	count, err := store.DeleteTerminalBefore(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected the just-completed row pruned, got %d", count)
	}
}

func TestCountByStatus(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Insert(ctx, testOperation("task", "T1")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	claimed, err := store.ClaimBatch(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, claimed[0].ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[models.StatusPending] != 2 {
		t.Errorf("Expected 2 pending, got %d", counts[models.StatusPending])
	}
	if counts[models.StatusCompleted] != 1 {
		t.Errorf("Expected 1 completed, got %d", counts[models.StatusCompleted])
	}
}
