package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sketchStudio/internal/models"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrConflict      = errors.New("task status conflict")
)

// Store persists task records, one namespace per family.
type Store interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, family models.Family, id string) (*models.Task, error)
	// Update replaces the stored record only if its current status is one of
	// expect and the move to task.Status is a legal transition.
	Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error
}

// Purger is implemented by stores without native key expiry.
type Purger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// prepareUpdate validates next against the stored record and carries over the
// fields that must never change after submission.
func prepareUpdate(current, next *models.Task, expect []models.TaskStatus) error {
	if !statusIn(current.Status, expect) {
		return fmt.Errorf("%w: task %s is %s, expected one of %v", ErrConflict, current.ID, current.Status, expect)
	}
	if !models.CanTransition(current.Status, next.Status) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s", ErrConflict, current.ID, current.Status, next.Status)
	}
	next.Input = current.Input
	next.SubmittedAt = current.SubmittedAt
	next.TraceID = current.TraceID
	return nil
}

func statusIn(s models.TaskStatus, set []models.TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
