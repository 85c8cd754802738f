package pipeline

import (
	"context"

	"sketchStudio/internal/models"
)

// ProgressFunc receives a completion estimate in percent.
type ProgressFunc func(pct float64)

// Pipeline turns a claimed task into its result. Implementations do not
// touch the task store; the processor records the outcome.
type Pipeline interface {
	Run(ctx context.Context, task *models.Task, progress ProgressFunc) (*models.Result, error)
}

// Uploader publishes an asset and returns its public URL.
type Uploader interface {
	Key(taskID, name string) string
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
