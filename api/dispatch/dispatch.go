package dispatch

import "sketchStudio/internal/models"

// Dispatcher triggers the worker for a persisted task. Dispatch returns at
// once; the channel yields exactly one trigger outcome and is then closed.
// A nil outcome means the worker accepted the trigger, not that the task
// succeeded.
type Dispatcher interface {
	Dispatch(family models.Family, taskID, traceID string) <-chan error
}

func detach(fn func() error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- fn()
	}()
	return out
}
