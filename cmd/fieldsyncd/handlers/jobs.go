package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/plumbworks/fieldsync/internal/engine"
	"github.com/plumbworks/fieldsync/internal/models"
	"github.com/plumbworks/fieldsync/internal/store"
)

// JobsHandler serves the cached job snapshots used for offline reads.
type JobsHandler struct {
	store  *store.Store
	engine *engine.Engine
	log    *logrus.Entry
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(st *store.Store, eng *engine.Engine, log *logrus.Logger) *JobsHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &JobsHandler{
		store:  st,
		engine: eng,
		log:    log.WithField("component", "api"),
	}
}

// Cache handles POST /api/jobs/{jobID}/cache. The body is stored verbatim
// as the job's snapshot; nothing is enqueued.
func (h *JobsHandler) Cache(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		http.Error(w, "jobID is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Body must be valid JSON", http.StatusBadRequest)
		return
	}

	if err := h.engine.CacheJob(r.Context(), jobID, body); err != nil {
		h.log.WithError(err).Error("cache job failed")
		http.Error(w, "Failed to cache job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobId": jobID,
	})
}

// Get handles GET /api/jobs/{jobID}: the last known snapshot for a job.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	snap, err := h.store.ReadJobSnapshot(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Job not cached", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobId":     snap.JobID,
		"payload":   snap.Payload,
		"updatedAt": snap.UpdatedAt,
	})
}

// Operations handles GET /api/jobs/{jobID}/operations: the still-pending
// mutations for one job, oldest first.
func (h *JobsHandler) Operations(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	ops, err := h.store.OperationsForJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, "Failed to list operations", http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []*models.Operation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobId":      jobID,
		"operations": ops,
	})
}
