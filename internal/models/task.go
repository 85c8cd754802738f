package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusProcessing    TaskStatus = "processing"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusTriggerFailed TaskStatus = "trigger_failed"

	// StatusNotFound is only ever reported by the status endpoint; it is never stored.
	StatusNotFound TaskStatus = "not_found"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTriggerFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a stored record in status from may be
// overwritten by a record in status to.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusTriggerFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

type TaskError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Result struct {
	URL           string          `json:"url,omitempty"`
	URLs          []string        `json:"urls,omitempty"`
	PreviewURL    string          `json:"previewUrl,omitempty"`
	ModelURL      string          `json:"modelUrl,omitempty"`
	PBRModelURL   string          `json:"pbrModelUrl,omitempty"`
	RevisedPrompt string          `json:"revisedPrompt,omitempty"`
	RemoteTaskID  string          `json:"remoteTaskId,omitempty"`
	Usage         json.RawMessage `json:"usage,omitempty"`
}

// Task is the record shared by every asynchronous job family.
type Task struct {
	ID          string          `json:"taskId"`
	Family      Family          `json:"family"`
	TraceID     string          `json:"traceId,omitempty"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      *Result         `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	SubmittedAt time.Time       `json:"submittedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func NewTask(family Family, id, traceID string, input json.RawMessage, now time.Time) *Task {
	return &Task{
		ID:          id,
		Family:      family,
		TraceID:     traceID,
		Status:      StatusPending,
		Input:       input,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Input != nil {
		c.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Result != nil {
		r := *t.Result
		r.URLs = append([]string(nil), t.Result.URLs...)
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FailedAt = cloneTime(t.FailedAt)
	return &c
}

func MarkProcessing(t *Task, now time.Time) {
	t.Status = StatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
}

func SetProgress(t *Task, pct float64, now time.Time) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.Progress = &pct
	t.UpdatedAt = now
}

func MarkCompleted(t *Task, result *Result, now time.Time) {
	t.Status = StatusCompleted
	t.Result = result
	t.Error = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	done := 100.0
	t.Progress = &done
}

// MarkFailed records a processing failure; any partial result is dropped.
func MarkFailed(t *Task, err error, now time.Time) {
	t.Status = StatusFailed
	t.Result = nil
	t.Error = &TaskError{Message: errorMessage(err, "processing failed"), At: now}
	t.FailedAt = &now
	t.UpdatedAt = now
}

func MarkTriggerFailed(t *Task, err error, now time.Time) {
	t.Status = StatusTriggerFailed
	t.Result = nil
	t.Error = &TaskError{Message: errorMessage(err, "worker trigger failed"), At: now}
	t.FailedAt = &now
	t.UpdatedAt = now
}

func errorMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
