package dto

import "sketchStudio/internal/models"

type SubmitResponse struct {
	Success bool              `json:"success"`
	TaskID  string            `json:"taskId"`
	Status  models.TaskStatus `json:"status"`
}

type StatusRequest struct {
	TaskID string `json:"taskId"`
}

type NotFoundResponse struct {
	Error  string            `json:"error"`
	Status models.TaskStatus `json:"status"`
	TaskID string            `json:"taskId"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}
