// Package handlers provides the localhost request handlers the desktop
// shell calls for sync queue operations.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dlauzon/filmtrack/backend/internal/errors"
	"github.com/dlauzon/filmtrack/backend/internal/models"
	"github.com/dlauzon/filmtrack/backend/internal/sync/queue"
	"github.com/dlauzon/filmtrack/backend/internal/sync/scheduler"
)

// SyncBroadcaster pushes sync lifecycle events to connected desktop
// clients over WebSocket.
type SyncBroadcaster interface {
	BroadcastSyncStarted()
	BroadcastSyncCompleted(successful, failed int, duration time.Duration)
	BroadcastSyncFailed(errorCode string)
}

// SessionValidator is implemented by the authentication service; every
// command is rejected before touching the queue unless the session
// token validates.
type SessionValidator interface {
	Validate(ctx context.Context, token string) error
}

// SyncHandler handles sync queue commands from the desktop shell.
type SyncHandler struct {
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	sessions  SessionValidator
	hub       SyncBroadcaster // nil until SetBroadcaster
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(q *queue.Queue, s *scheduler.Scheduler, sessions SessionValidator) *SyncHandler {
	return &SyncHandler{
		queue:     q,
		scheduler: s,
		sessions:  sessions,
	}
}

// SetBroadcaster sets the WebSocket hub for sync events.
func (h *SyncHandler) SetBroadcaster(hub SyncBroadcaster) {
	h.hub = hub
}

// Routes mounts all sync commands on a router, behind session auth.
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireSession)

	r.Post("/operations", h.Enqueue)
	r.Post("/operations/dequeue", h.DequeueBatch)
	r.Get("/operations/{id}", h.GetOperation)
	r.Post("/operations/{id}/complete", h.MarkCompleted)
	r.Post("/operations/{id}/fail", h.MarkFailed)
	r.Get("/entities/{entityType}/{entityID}/operations", h.GetOperationsForEntity)
	r.Get("/metrics", h.GetMetrics)
	r.Post("/cleanup", h.Cleanup)
	r.Post("/service/start", h.StartService)
	r.Post("/service/stop", h.StopService)
	r.Post("/now", h.SyncNow)
	r.Get("/status", h.GetStatus)

	return r
}

// requireSession rejects requests whose session token does not
// validate against the auth service.
func (h *SyncHandler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Session-Token")
		if token == "" {
			writeError(w, errors.New(errors.ErrUnauthorized, "missing session token"))
			return
		}
		if err := h.sessions.Validate(r.Context(), token); err != nil {
			writeError(w, errors.Wrap(errors.ErrUnauthorized, "invalid session", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an application error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrValidation, errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrUnauthorized, errors.ErrSessionExpired:
		status = http.StatusUnauthorized
	case errors.ErrSyncInProgress:
		status = http.StatusConflict
	case errors.ErrPoolExhausted, errors.ErrStorage:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	})
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.New(errors.ErrValidation, "invalid operation id")
	}
	return id, nil
}

// Enqueue handles POST /api/sync/operations.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EntityType string          `json:"entity_type"`
		EntityID   string          `json:"entity_id"`
		Kind       string          `json:"operation_kind"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	op := &models.SyncOperation{
		EntityType: request.EntityType,
		EntityID:   request.EntityID,
		Kind:       models.OperationKind(request.Kind),
		Payload:    request.Payload,
	}

	id, err := h.queue.Enqueue(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// DequeueBatch handles POST /api/sync/operations/dequeue.
func (h *SyncHandler) DequeueBatch(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	ops, err := h.queue.DequeueBatch(r.Context(), request.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// GetOperation handles GET /api/sync/operations/{id}.
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	op, err := h.queue.GetOperation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// MarkCompleted handles POST /api/sync/operations/{id}/complete.
func (h *SyncHandler) MarkCompleted(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.queue.MarkCompleted(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed"})
}

// MarkFailed handles POST /api/sync/operations/{id}/fail.
func (h *SyncHandler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var request struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	if request.Error == "" {
		writeError(w, errors.New(errors.ErrValidation, "error is required"))
		return
	}

	if err := h.queue.MarkFailed(r.Context(), id, request.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "recorded"})
}

// GetOperationsForEntity handles
// GET /api/sync/entities/{entityType}/{entityID}/operations.
func (h *SyncHandler) GetOperationsForEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")

	ops, err := h.queue.GetOperationsForEntity(r.Context(), entityID, entityType)
	if err != nil {
		writeError(w, err)
		return
	}

	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// GetMetrics handles GET /api/sync/metrics.
func (h *SyncHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.queue.GetMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// Cleanup handles POST /api/sync/cleanup.
func (h *SyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DaysOld int `json:"days_old"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	count, err := h.queue.CleanupOldOperations(r.Context(), request.DaysOld)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": count})
}

// StartService handles POST /api/sync/service/start.
func (h *SyncHandler) StartService(w http.ResponseWriter, r *http.Request) {
	// The loop outlives this request
	h.scheduler.Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": h.scheduler.State()})
}

// StopService handles POST /api/sync/service/stop.
func (h *SyncHandler) StopService(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": h.scheduler.State()})
}

// SyncNow handles POST /api/sync/now.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if h.hub != nil {
		h.hub.BroadcastSyncStarted()
	}

	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		if h.hub != nil {
			h.hub.BroadcastSyncFailed(string(errors.CodeOf(err)))
		}
		writeError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastSyncCompleted(result.Successful, result.Failed, result.Duration)
	}
	writeJSON(w, http.StatusOK, result)
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
