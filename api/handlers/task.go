package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sketchStudio/api/dto"
	"sketchStudio/api/middleware"
	"sketchStudio/api/service"
	"sketchStudio/api/validation"
	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
)

const maxBodyBytes = 32 << 20

type TaskService interface {
	Submit(ctx context.Context, family, traceID string, body []byte) (*models.Task, error)
	Status(ctx context.Context, family, taskID string) (*models.Task, error)
	Watch(ctx context.Context, family, taskID string, emit func(*models.Task) error) error
}

type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// Routes mounts the task endpoints under /api/tasks.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/api/tasks/{family}", h.Submit)
	r.Get("/api/tasks/{family}/status", h.Status)
	r.Post("/api/tasks/{family}/status", h.Status)
	r.Get("/api/tasks/{family}/events", h.Events)
}

func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	family := chi.URLParam(r, "family")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.handleError(w, "Failed to read request body", err, traceID, http.StatusRequestEntityTooLarge)
		return
	}

	task, err := h.service.Submit(r.Context(), family, traceID, body)
	if err != nil {
		h.handleServiceError(w, err, traceID, "")
		return
	}

	h.respondJSON(w, http.StatusAccepted, dto.SubmitResponse{
		Success: true,
		TaskID:  task.ID,
		Status:  task.Status,
	})
}

func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	family := chi.URLParam(r, "family")

	taskID, err := taskIDFromRequest(r)
	if err != nil {
		h.handleError(w, "Invalid request body", err, traceID, http.StatusBadRequest)
		return
	}

	task, err := h.service.Status(r.Context(), family, taskID)
	if err != nil {
		h.handleServiceError(w, err, traceID, taskID)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// Events streams record changes as Server-Sent Events until the task is
// terminal or the client goes away.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	family := chi.URLParam(r, "family")
	taskID := r.URL.Query().Get("taskId")

	rc := http.NewResponseController(w)
	started := false

	err := h.service.Watch(r.Context(), family, taskID, func(task *models.Task) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			_ = rc.SetWriteDeadline(time.Time{})
			started = true
		}

		event, payload := "task", any(task)
		if task == nil {
			event = "not_found"
			payload = notFound(taskID)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	})

	if err != nil && !started {
		h.handleServiceError(w, err, traceID, taskID)
		return
	}
	if err != nil {
		h.logger.Debug("Event stream closed",
			zap.String("trace_id", traceID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func taskIDFromRequest(r *http.Request) (string, error) {
	if r.Method != http.MethodPost {
		return r.URL.Query().Get("taskId"), nil
	}

	var req dto.StatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if req.TaskID == "" {
		return r.URL.Query().Get("taskId"), nil
	}
	return req.TaskID, nil
}

func notFound(taskID string) dto.NotFoundResponse {
	return dto.NotFoundResponse{
		Error:  "Task not found",
		Status: models.StatusNotFound,
		TaskID: taskID,
	}
}

func (h *TaskHandler) handleServiceError(w http.ResponseWriter, err error, traceID, taskID string) {
	var fieldErr *validation.FieldError
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.respondJSON(w, http.StatusNotFound, notFound(taskID))
	case errors.Is(err, service.ErrUnknownFamily):
		h.handleError(w, "Unknown task family", err, traceID, http.StatusNotFound)
	case errors.Is(err, service.ErrTaskIDRequired):
		h.handleError(w, "taskId is required", err, traceID, http.StatusBadRequest)
	case errors.As(err, &fieldErr), errors.Is(err, validation.ErrMalformedBody):
		h.handleError(w, "Invalid input", err, traceID, http.StatusBadRequest)
	case errors.Is(err, service.ErrMissingCredentials):
		h.handleError(w, "Service not configured", err, traceID, http.StatusInternalServerError)
	default:
		h.handleError(w, "Internal error", err, traceID, http.StatusInternalServerError)
	}
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message string, err error, traceID string, status int) {
	log := h.logger.Warn
	if status >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log(message,
		zap.String("trace_id", traceID),
		zap.Int("status", status),
		zap.Error(err),
	)

	resp := dto.ErrorResponse{Error: message, TraceID: traceID}
	if err != nil {
		resp.Details = strings.TrimSpace(err.Error())
	}
	h.respondJSON(w, status, resp)
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
