// Package main runs the embedded FilmTrack sync backend for desktop
// platforms. The desktop shell talks to it over REST/WebSocket on
// localhost.
package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dlauzon/filmtrack/backend/cmd/desktop/handlers"
	"github.com/dlauzon/filmtrack/backend/internal/config"
	"github.com/dlauzon/filmtrack/backend/internal/db"
	"github.com/dlauzon/filmtrack/backend/internal/errors"
	"github.com/dlauzon/filmtrack/backend/internal/logging"
	"github.com/dlauzon/filmtrack/backend/internal/sync/queue"
	"github.com/dlauzon/filmtrack/backend/internal/sync/remote"
	"github.com/dlauzon/filmtrack/backend/internal/sync/scheduler"
)

// shellSession validates the session token the desktop shell receives
// at startup. The token is written to the data directory so only the
// local user can read it.
type shellSession struct {
	token string
}

func (s *shellSession) Validate(ctx context.Context, token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return errors.New(errors.ErrUnauthorized, "unknown session token")
	}
	return nil
}

// newShellSession mints a fresh session token and publishes it for the
// shell at <dataDir>/session_token.
func newShellSession(dataDir string) (*shellSession, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(raw)

	path := filepath.Join(dataDir, "session_token")
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return nil, err
	}
	return &shellSession{token: token}, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "filmtrack-desktop: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logging.Init(os.Stderr, level)

	router, err := db.OpenRouter(cfg.DataDir, db.RouterConfig{
		Read:   db.PoolConfig(cfg.ReadPool),
		Write:  db.PoolConfig(cfg.WritePool),
		Report: db.PoolConfig(cfg.ReportPool),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer router.Close()

	migrator := db.NewMigrator(router.DB(db.PoolWrite))
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	store := db.NewOperationStore(router)
	q := queue.New(store, queue.Config{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	})

	client := remote.NewClient(cfg.RemoteEndpoint)
	sched := scheduler.New(q, client, client, scheduler.Config{
		Interval:  cfg.SyncInterval,
		BatchSize: cfg.SyncBatchSize,
	})

	sessions, err := newShellSession(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mint session token: %w", err)
	}

	hub := NewWSHub()
	syncHandler := handlers.NewSyncHandler(q, sched, sessions)
	syncHandler.SetBroadcaster(hub)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"filmtrack-desktop"}`))
	})
	r.Mount("/api/sync", syncHandler.Routes())
	r.Get("/ws", HandleWebSocket(hub))

	sched.Start(context.Background())
	defer sched.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("desktop backend listening", map[string]interface{}{
			"addr":     cfg.ListenAddr,
			"data_dir": cfg.DataDir,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown failed", err)
	}
	sched.Stop()
	if err := router.CheckpointAll(shutdownCtx); err != nil {
		logging.Error("wal checkpoint failed", err)
	}
	return nil
}
