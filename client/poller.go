package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sketchStudio/internal/models"
)

var (
	ErrTaskFailed = errors.New("task failed")
	ErrTimedOut   = errors.New("processing timed out")
)

type State string

const (
	StateNotStarted State = "not_started"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

const (
	maxEstimate     = 95.0
	defaultExpected = time.Minute
)

// StatusSource is the read side of the API the poller needs.
type StatusSource interface {
	Status(ctx context.Context, family models.Family, taskID string) (*models.Task, error)
}

// Progress is reported after every poll that finds a running task.
type Progress struct {
	TaskID    string
	Status    models.TaskStatus
	Percent   float64
	Estimated bool
	Attempt   int
	Elapsed   time.Duration
}

// Outcome is the poller's final state. Task is the last record seen.
type Outcome struct {
	State    State
	Task     *models.Task
	Attempts int
	Elapsed  time.Duration
}

type Poller struct {
	Interval      time.Duration
	MaxDuration   time.Duration
	MaxAttempts   int
	NotFoundGrace time.Duration
	// ExpectedDuration drives the progress estimate for records without one.
	ExpectedDuration map[models.Family]time.Duration
	OnProgress       func(Progress)

	source StatusSource
	logger *zap.Logger
}

func NewPoller(source StatusSource, logger *zap.Logger) *Poller {
	return &Poller{
		Interval:      3 * time.Second,
		MaxDuration:   10 * time.Minute,
		NotFoundGrace: 30 * time.Second,
		ExpectedDuration: map[models.Family]time.Duration{
			models.FamilyEdit:        60 * time.Second,
			models.FamilyGenerate:    30 * time.Second,
			models.FamilyReconstruct: 180 * time.Second,
		},
		source: source,
		logger: logger,
	}
}

// Run polls until the task is terminal, a ceiling is reached or ctx ends.
// The first poll is issued at once. Reaching a ceiling only stops watching;
// the task may still finish on the server.
func (p *Poller) Run(ctx context.Context, family models.Family, taskID string) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{State: StateNotStarted}

	interval, maxDuration := p.Interval, p.MaxDuration
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxDuration <= 0 {
		maxDuration = 10 * time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := p.logger.With(zap.String("task_id", taskID), zap.String("family", string(family)))
	out.State = StatePolling

	for {
		out.Attempts++
		task, err := p.source.Status(runCtx, family, taskID)
		out.Elapsed = time.Since(start)

		switch {
		case err == nil:
			out.Task = task
			switch task.Status {
			case models.StatusCompleted:
				out.State = StateSucceeded
				return out, nil
			case models.StatusFailed, models.StatusTriggerFailed:
				out.State = StateFailed
				return out, fmt.Errorf("%w: %s", ErrTaskFailed, failureMessage(task))
			default:
				p.report(family, task, out)
			}

		case errors.Is(err, ErrNotFound):
			if out.Elapsed >= p.NotFoundGrace {
				out.State = StateFailed
				return out, fmt.Errorf("%w: %s after %s", ErrNotFound, taskID, out.Elapsed.Round(time.Millisecond))
			}
			log.Debug("Task not visible yet", zap.Int("attempt", out.Attempts))

		case isClientError(err):
			out.State = StateFailed
			return out, err

		default:
			if ctx.Err() != nil {
				out.State = StateCancelled
				return out, ctx.Err()
			}
			if runCtx.Err() != nil {
				out.State = StateTimedOut
				return out, ErrTimedOut
			}
			log.Warn("Status poll failed", zap.Int("attempt", out.Attempts), zap.Error(err))
		}

		if p.MaxAttempts > 0 && out.Attempts >= p.MaxAttempts {
			out.State = StateTimedOut
			return out, ErrTimedOut
		}

		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				out.State = StateCancelled
				return out, ctx.Err()
			}
			out.Elapsed = time.Since(start)
			out.State = StateTimedOut
			return out, ErrTimedOut
		case <-ticker.C:
		}
	}
}

func (p *Poller) report(family models.Family, task *models.Task, out *Outcome) {
	if p.OnProgress == nil {
		return
	}
	prog := Progress{
		TaskID:  task.ID,
		Status:  task.Status,
		Attempt: out.Attempts,
		Elapsed: out.Elapsed,
	}
	if task.Progress != nil {
		prog.Percent = *task.Progress
	} else {
		expected, ok := p.ExpectedDuration[family]
		if !ok {
			expected = defaultExpected
		}
		prog.Percent = estimate(out.Elapsed, expected)
		prog.Estimated = true
	}
	p.OnProgress(prog)
}

// estimate maps elapsed time onto 0..95 against the expected duration.
func estimate(elapsed, expected time.Duration) float64 {
	if expected <= 0 {
		return maxEstimate
	}
	pct := float64(elapsed) / float64(expected) * 100
	if pct > maxEstimate {
		return maxEstimate
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// isClientError reports a 4xx answer, which retrying cannot fix.
func isClientError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500
}

func failureMessage(task *models.Task) string {
	if task.Error != nil && task.Error.Message != "" {
		return task.Error.Message
	}
	return string(task.Status)
}
