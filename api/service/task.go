package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sketchStudio/api/dispatch"
	"sketchStudio/api/validation"
	"sketchStudio/internal/metrics"
	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
)

var (
	ErrUnknownFamily      = errors.New("unknown task family")
	ErrMissingCredentials = errors.New("service is missing credentials")
	ErrTaskIDRequired     = errors.New("taskId is required")
)

const triggerFailureWriteTimeout = 10 * time.Second

// Credentials reports which settings a family still lacks.
type Credentials interface {
	MissingCredentials(family models.Family) []string
}

// Subscriber delivers task updates as they are written. events.Bus
// implements it.
type Subscriber interface {
	SubscribeTask(family models.Family, id string, fn func(*models.Task)) (func(), error)
}

type StreamConfig struct {
	Refresh     time.Duration
	MaxDuration time.Duration
}

type TaskService struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	creds      Credentials
	limits     validation.Limits
	metrics    *metrics.Metrics
	logger     *zap.Logger

	subscriber Subscriber
	stream     StreamConfig

	now      func() time.Time
	detached sync.WaitGroup
}

func NewTaskService(
	st store.Store,
	dispatcher dispatch.Dispatcher,
	creds Credentials,
	limits validation.Limits,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TaskService {
	return &TaskService{
		store:      st,
		dispatcher: dispatcher,
		creds:      creds,
		limits:     limits,
		metrics:    m,
		logger:     logger,
		stream:     StreamConfig{Refresh: 2 * time.Second, MaxDuration: 10 * time.Minute},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithStream enables bus-driven change detection for Watch. sub may be nil,
// in which case Watch relies on periodic store reads alone.
func (s *TaskService) WithStream(sub Subscriber, cfg StreamConfig) *TaskService {
	s.subscriber = sub
	if cfg.Refresh > 0 {
		s.stream.Refresh = cfg.Refresh
	}
	if cfg.MaxDuration > 0 {
		s.stream.MaxDuration = cfg.MaxDuration
	}
	return s
}

// Submit validates body, persists a pending task and triggers the worker
// without waiting for it. It returns once the pending record is stored.
func (s *TaskService) Submit(ctx context.Context, family, traceID string, body []byte) (*models.Task, error) {
	fam, ok := models.ParseFamily(family)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}

	input, err := validation.Input(fam, body, s.limits)
	if err != nil {
		return nil, err
	}

	if missing := s.creds.MissingCredentials(fam); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	task := models.NewTask(fam, uuid.New().String(), traceID, input, s.now())
	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.metrics.TaskSubmitted(fam)

	outcome := s.dispatcher.Dispatch(fam, task.ID, traceID)
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		s.awaitTrigger(task, outcome)
	}()

	s.logger.Info("Task submitted",
		zap.String("trace_id", traceID),
		zap.String("task_id", task.ID),
		zap.String("family", string(fam)),
	)
	return task, nil
}

// awaitTrigger records a failed trigger on the task. It runs detached from
// the submit request and never learns how the task itself ends.
func (s *TaskService) awaitTrigger(task *models.Task, outcome <-chan error) {
	err, ok := <-outcome
	if !ok || err == nil {
		return
	}

	fields := []zap.Field{
		zap.String("trace_id", task.TraceID),
		zap.String("task_id", task.ID),
		zap.String("family", string(task.Family)),
	}
	s.logger.Warn("Worker trigger failed", append(fields, zap.Error(err))...)
	s.metrics.TriggerFailed(task.Family)

	ctx, cancel := context.WithTimeout(context.Background(), triggerFailureWriteTimeout)
	defer cancel()

	rec := task.Clone()
	models.MarkTriggerFailed(rec, err, s.now())
	if werr := s.store.Update(ctx, rec, models.StatusPending); werr != nil {
		if errors.Is(werr, store.ErrConflict) {
			s.logger.Info("Trigger failure not recorded, worker already claimed task", fields...)
			return
		}
		s.logger.Error("Record trigger failure failed", append(fields, zap.Error(werr))...)
		return
	}
	s.metrics.TaskFinished(task.Family, models.StatusTriggerFailed)
}

// Wait blocks until every detached trigger watcher has finished.
func (s *TaskService) Wait() {
	s.detached.Wait()
}

// Status is a pure read of the stored record.
func (s *TaskService) Status(ctx context.Context, family, taskID string) (*models.Task, error) {
	fam, ok := models.ParseFamily(family)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrTaskIDRequired
	}
	return s.store.Get(ctx, fam, taskID)
}

// Watch calls emit with the record each time it changes, and with nil while
// the record does not exist. It returns after emitting a terminal record,
// when ctx ends, or when the stream's maximum duration elapses.
func (s *TaskService) Watch(ctx context.Context, family, taskID string, emit func(*models.Task) error) error {
	fam, ok := models.ParseFamily(family)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if strings.TrimSpace(taskID) == "" {
		return ErrTaskIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, s.stream.MaxDuration)
	defer cancel()

	changed := make(chan struct{}, 1)
	if s.subscriber != nil {
		unsubscribe, err := s.subscriber.SubscribeTask(fam, taskID, func(*models.Task) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if err != nil {
			s.logger.Warn("Subscribe to task updates failed, falling back to refresh",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		} else {
			defer unsubscribe()
		}
	}

	ticker := time.NewTicker(s.stream.Refresh)
	defer ticker.Stop()

	var (
		last    []byte
		emitted bool
	)
	for {
		task, err := s.store.Get(ctx, fam, taskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if !emitted || last != nil {
				if err := emit(nil); err != nil {
					return err
				}
				last, emitted = nil, true
			}
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		default:
			snapshot, _ := json.Marshal(task)
			if !bytes.Equal(snapshot, last) {
				if err := emit(task); err != nil {
					return err
				}
				last, emitted = snapshot, true
			}
			if task.Status.Terminal() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changed:
		}
	}
}
