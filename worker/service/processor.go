package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sketchStudio/internal/metrics"
	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
	"sketchStudio/worker/pipeline"
	"sketchStudio/worker/pool"
)

const (
	progressStep       = 5.0
	outcomeWriteLimit  = 10 * time.Second
	defaultTaskTimeout = 15 * time.Minute
)

// Acceptance tells the invoker whether this call started the task.
type Acceptance struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type Processor struct {
	store       store.Store
	pipelines   map[models.Family]pipeline.Pipeline
	pool        *pool.WorkerPool
	metrics     *metrics.Metrics
	logger      *zap.Logger
	taskTimeout time.Duration
	now         func() time.Time
}

func NewProcessor(
	st store.Store,
	pipelines map[models.Family]pipeline.Pipeline,
	workers *pool.WorkerPool,
	m *metrics.Metrics,
	taskTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &Processor{
		store:       st,
		pipelines:   pipelines,
		pool:        workers,
		metrics:     m,
		logger:      logger,
		taskTimeout: taskTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Accept claims a pending task and starts its pipeline in the background.
// It returns store.ErrNotFound when no record exists; every other outcome,
// including a failed pipeline, is reported through Acceptance.
func (p *Processor) Accept(ctx context.Context, family models.Family, taskID string) (Acceptance, error) {
	task, err := p.store.Get(ctx, family, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Acceptance{}, err
	}
	if err != nil {
		p.logger.Error("Load task failed",
			zap.String("task_id", taskID),
			zap.String("family", string(family)),
			zap.Error(err),
		)
		return Acceptance{Reason: "task store unavailable"}, nil
	}

	log := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("family", string(task.Family)),
		zap.String("trace_id", task.TraceID),
	)

	if task.Status != models.StatusPending {
		log.Info("Task not pending, ignoring trigger", zap.String("status", string(task.Status)))
		return Acceptance{Reason: fmt.Sprintf("task is %s", task.Status)}, nil
	}

	claimed := task.Clone()
	models.MarkProcessing(claimed, p.now())
	if err := p.store.Update(ctx, claimed, models.StatusPending); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("Task already claimed")
			return Acceptance{Reason: "task already claimed"}, nil
		}
		log.Error("Claim task failed", zap.Error(err))
		p.fail(task, fmt.Errorf("claim task: %w", err), log)
		return Acceptance{Reason: "claim failed"}, nil
	}

	pipe, ok := p.pipelines[task.Family]
	if !ok {
		p.fail(claimed, fmt.Errorf("no pipeline configured for %s tasks", task.Family), log)
		return Acceptance{Reason: "family not configured"}, nil
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	err = p.pool.Submit(runCtx, func(ctx context.Context) {
		defer cancel()
		p.run(ctx, pipe, claimed, log)
	}, func(abort error) {
		defer cancel()
		p.fail(claimed, abort, log)
	})
	if err != nil {
		cancel()
		p.fail(claimed, fmt.Errorf("worker unavailable: %w", err), log)
		return Acceptance{Reason: "worker shutting down"}, nil
	}

	log.Info("Task accepted")
	return Acceptance{Accepted: true}, nil
}

func (p *Processor) run(ctx context.Context, pipe pipeline.Pipeline, task *models.Task, log *zap.Logger) {
	start := time.Now()
	result, err := pipe.Run(ctx, task.Clone(), p.progressWriter(ctx, task, log))
	p.metrics.ObservePipeline(task.Family, time.Since(start))

	if err != nil {
		log.Warn("Pipeline failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		p.fail(task, err, log)
		return
	}

	done := task.Clone()
	models.MarkCompleted(done, result, p.now())

	writeCtx, cancel := context.WithTimeout(context.Background(), outcomeWriteLimit)
	defer cancel()
	if err := p.store.Update(writeCtx, done, models.StatusProcessing); err != nil {
		log.Error("Record completion failed", zap.Error(err))
		p.fail(task, fmt.Errorf("record result: %w", err), log)
		return
	}
	p.metrics.TaskFinished(task.Family, models.StatusCompleted)
	log.Info("Task completed", zap.Duration("duration", time.Since(start)))
}

// fail records a failed outcome. It is attempted whatever state the claim
// reached, so a record never stays pending or processing because of us.
func (p *Processor) fail(task *models.Task, cause error, log *zap.Logger) {
	failed := task.Clone()
	models.MarkFailed(failed, cause, p.now())

	ctx, cancel := context.WithTimeout(context.Background(), outcomeWriteLimit)
	defer cancel()
	if err := p.store.Update(ctx, failed, models.StatusPending, models.StatusProcessing); err != nil {
		log.Error("Record failure failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	p.metrics.TaskFinished(task.Family, models.StatusFailed)
}

// progressWriter persists progress in steps of progressStep points so a
// chatty upstream does not turn into a write per event.
func (p *Processor) progressWriter(ctx context.Context, task *models.Task, log *zap.Logger) pipeline.ProgressFunc {
	var (
		mu   sync.Mutex
		last float64
	)
	return func(pct float64) {
		mu.Lock()
		defer mu.Unlock()
		if pct < last+progressStep || pct >= 100 {
			return
		}
		last = pct

		rec := task.Clone()
		models.SetProgress(rec, pct, p.now())
		if err := p.store.Update(ctx, rec, models.StatusProcessing); err != nil {
			log.Debug("Progress not recorded", zap.Float64("progress", pct), zap.Error(err))
		}
	}
}

// Shutdown waits for running pipelines until ctx ends.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.pool.Close(ctx)
}
