package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/errors"
)

// PoolKind selects one of the three workload-partitioned pools.
type PoolKind string

const (
	PoolRead   PoolKind = "read"
	PoolWrite  PoolKind = "write"
	PoolReport PoolKind = "report"
)

// PoolConfig holds sizing for one pool.
type PoolConfig struct {
	MaxOpen        int
	MaxIdle        int
	AcquireTimeout time.Duration
}

// RouterConfig holds sizing for all three pools.
type RouterConfig struct {
	Read   PoolConfig
	Write  PoolConfig
	Report PoolConfig
}

// DefaultRouterConfig returns the default pool sizing: a wide
// short-wait read pool, a narrow write pool that absorbs contention,
// and a single long-wait report connection.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Read:   PoolConfig{MaxOpen: 8, MaxIdle: 4, AcquireTimeout: 2 * time.Second},
		Write:  PoolConfig{MaxOpen: 2, MaxIdle: 1, AcquireTimeout: 10 * time.Second},
		Report: PoolConfig{MaxOpen: 1, MaxIdle: 1, AcquireTimeout: 60 * time.Second},
	}
}

// PoolRouter maintains three independently-sized connection pools over
// one embedded store. Partitioning keeps background sync writes from
// starving interactive reads and long analytical report queries, and
// vice versa.
type PoolRouter struct {
	read   *sql.DB
	write  *sql.DB
	report *sql.DB
	cfg    RouterConfig
}

// OpenRouter opens the store under dataDir and builds the three pools.
func OpenRouter(dataDir string, cfg RouterConfig) (*PoolRouter, error) {
	path, err := ensureDataDir(dataDir)
	if err != nil {
		return nil, err
	}
	return openRouterAt(path, cfg)
}

// openRouterAt opens the three pools against an explicit database path.
func openRouterAt(path string, cfg RouterConfig) (*PoolRouter, error) {
	r := &PoolRouter{cfg: cfg}

	var err error
	if r.write, err = openPool(path, cfg.Write.MaxOpen, cfg.Write.MaxIdle); err != nil {
		return nil, fmt.Errorf("write pool: %w", err)
	}
	if r.read, err = openPool(path, cfg.Read.MaxOpen, cfg.Read.MaxIdle); err != nil {
		r.write.Close()
		return nil, fmt.Errorf("read pool: %w", err)
	}
	if r.report, err = openPool(path, cfg.Report.MaxOpen, cfg.Report.MaxIdle); err != nil {
		r.write.Close()
		r.read.Close()
		return nil, fmt.Errorf("report pool: %w", err)
	}

	return r, nil
}

// DB returns the pooled handle for the given workload kind.
func (r *PoolRouter) DB(kind PoolKind) *sql.DB {
	switch kind {
	case PoolWrite:
		return r.write
	case PoolReport:
		return r.report
	default:
		return r.read
	}
}

// acquireTimeout returns the configured acquisition timeout for kind.
func (r *PoolRouter) acquireTimeout(kind PoolKind) time.Duration {
	switch kind {
	case PoolWrite:
		return r.cfg.Write.AcquireTimeout
	case PoolReport:
		return r.cfg.Report.AcquireTimeout
	default:
		return r.cfg.Read.AcquireTimeout
	}
}

// Conn acquires a connection from the pool for kind, waiting at most
// the pool's configured acquisition timeout.
func (r *PoolRouter) Conn(ctx context.Context, kind PoolKind) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout(kind))
	defer cancel()

	conn, err := r.DB(kind).Conn(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, errors.Wrap(errors.ErrPoolExhausted,
				fmt.Sprintf("%s pool exhausted after %s", kind, r.acquireTimeout(kind)), err)
		}
		return nil, errors.Wrap(errors.ErrStorage,
			fmt.Sprintf("failed to acquire %s connection", kind), err)
	}
	return conn, nil
}

// ConnWithTimeout retries acquisition in a polling loop until success
// or the caller-specified deadline.
func (r *PoolRouter) ConnWithTimeout(ctx context.Context, kind PoolKind, timeout time.Duration) (*sql.Conn, error) {
	deadline := time.Now().Add(timeout)

	for {
		conn, err := r.Conn(ctx, kind)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrStorage, "connection acquisition cancelled", ctx.Err())
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrap(errors.ErrPoolExhausted,
				fmt.Sprintf("%s pool exhausted after %s", kind, timeout), err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrStorage, "connection acquisition cancelled", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// CheckpointAll flushes the write-ahead log across all three pools.
func (r *PoolRouter) CheckpointAll(ctx context.Context) error {
	for _, kind := range []PoolKind{PoolWrite, PoolRead, PoolReport} {
		if _, err := r.DB(kind).ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
			return errors.Wrap(errors.ErrStorage,
				fmt.Sprintf("checkpoint failed on %s pool", kind), err)
		}
	}
	return nil
}

// Close closes all three pools.
func (r *PoolRouter) Close() error {
	var firstErr error
	for _, pool := range []*sql.DB{r.write, r.read, r.report} {
		if pool == nil {
			continue
		}
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
