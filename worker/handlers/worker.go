package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sketchStudio/api/middleware"
	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
	"sketchStudio/worker/service"
)

const workerTokenHeader = "X-Worker-Token"

type Processor interface {
	Accept(ctx context.Context, family models.Family, taskID string) (service.Acceptance, error)
}

type WorkerHandler struct {
	processor Processor
	token     string
	logger    *zap.Logger
}

// NewWorkerHandler builds the trigger endpoint. An empty token disables the
// X-Worker-Token check.
func NewWorkerHandler(processor Processor, token string, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{
		processor: processor,
		token:     token,
		logger:    logger,
	}
}

func (h *WorkerHandler) Routes(r chi.Router) {
	r.Post("/internal/worker/{family}", h.Trigger)
}

type acceptResponse struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"taskId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	TaskID  string `json:"taskId,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// Trigger claims the task and answers before the pipeline runs. Only a bad
// request, a bad token or a missing record produce a non-200 answer.
func (h *WorkerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(workerTokenHeader)), []byte(h.token)) != 1 {
		h.respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid worker token", TraceID: traceID})
		return
	}

	family, ok := models.ParseFamily(chi.URLParam(r, "family"))
	if !ok {
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: "unknown task family", TraceID: traceID})
		return
	}

	var trigger models.Trigger
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&trigger); err != nil || trigger.TaskID == "" {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "taskId is required", TraceID: traceID})
		return
	}

	acc, err := h.processor.Accept(r.Context(), family, trigger.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("Trigger for unknown task",
			zap.String("task_id", trigger.TaskID),
			zap.String("family", string(family)),
			zap.String("trace_id", traceID),
		)
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: "Task not found", TaskID: trigger.TaskID, TraceID: traceID})
		return
	}
	if err != nil {
		// Accept reports everything else through the acceptance.
		h.logger.Error("Accept failed", zap.String("task_id", trigger.TaskID), zap.Error(err))
	}

	h.respondJSON(w, http.StatusOK, acceptResponse{
		Success:  true,
		TaskID:   trigger.TaskID,
		Accepted: acc.Accepted,
		Reason:   acc.Reason,
	})
}

func (h *WorkerHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
