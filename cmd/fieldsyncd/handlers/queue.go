// Package handlers provides the REST API for the queue and job cache.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plumbworks/fieldsync/internal/engine"
	"github.com/plumbworks/fieldsync/internal/models"
	"github.com/plumbworks/fieldsync/internal/remote"
	"github.com/plumbworks/fieldsync/internal/store"
)

// QueueHandler handles enqueue, status, and sync trigger endpoints.
type QueueHandler struct {
	store  *store.Store
	engine *engine.Engine
	log    *logrus.Entry
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(st *store.Store, eng *engine.Engine, log *logrus.Logger) *QueueHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &QueueHandler{
		store:  st,
		engine: eng,
		log:    log.WithField("component", "api"),
	}
}

// enqueueRequest is the POST /api/queue body. ID is optional; the server
// assigns one when absent so retried requests can stay idempotent by
// carrying the same id.
type enqueueRequest struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// Enqueue handles POST /api/queue. The operation is persisted first and
// the drain loop is nudged after, so a crash between the two only delays
// delivery.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !remote.KnownKind(req.Kind) {
		// Accepted anyway: the operation backs off until a daemon build
		// ships the missing procedure mapping.
		h.log.WithField("kind", req.Kind).Warn("enqueued kind has no remote procedure")
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	op := &models.Operation{
		ID:        req.ID,
		Kind:      req.Kind,
		JobID:     req.JobID,
		Payload:   req.Payload,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.store.AddOperation(r.Context(), op); err != nil {
		h.log.WithError(err).Error("enqueue failed")
		http.Error(w, "Failed to persist operation", http.StatusInternalServerError)
		return
	}

	h.engine.NotifyAdded()

	pending := h.pendingCount(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":           op.ID,
		"pendingCount": pending,
	})
}

// Status handles GET /api/queue/status. The state is also re-announced on
// the hub so websocket surfaces resync alongside the HTTP caller.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	pending, draining, err := h.engine.Status(r.Context())
	if err != nil {
		http.Error(w, "Failed to read queue status", http.StatusInternalServerError)
		return
	}
	h.engine.AnnounceStatus(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pendingCount": pending,
		"draining":     draining,
		"online":       h.engine.Online(),
	})
}

// List handles GET /api/queue: every pending operation in dispatch order.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	ops, err := h.store.ListOperations(r.Context())
	if err != nil {
		http.Error(w, "Failed to list operations", http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []*models.Operation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"operations": ops,
	})
}

// TriggerSync handles POST /api/sync/now. The pass runs before the
// response so callers learn whether one actually started.
func (h *QueueHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ran := h.engine.SyncNow(r.Context())

	pending := h.pendingCount(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ran":          ran,
		"pendingCount": pending,
	})
}

// pendingCount reads the queue depth for response bodies. A failed read
// is reported as zero, not an error, since the mutation it accompanies
// already succeeded.
func (h *QueueHandler) pendingCount(ctx context.Context) int {
	count, err := h.store.CountOperations(ctx)
	if err != nil {
		h.log.WithError(err).Warn("failed to read pending count")
		return 0
	}
	return count
}

// connectivityRequest is the POST /api/connectivity body.
type connectivityRequest struct {
	Online bool `json:"online"`
}

// Connectivity handles POST /api/connectivity: the platform's
// online/offline signal. Coming back online triggers a drain.
func (h *QueueHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.engine.SetOnline(req.Online)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"online": req.Online,
	})
}
