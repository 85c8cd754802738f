package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
	"sketchStudio/worker/pipeline"
	"sketchStudio/worker/pool"
)

type pipelineFunc func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error)

func (f pipelineFunc) Run(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
	return f(ctx, task, progress)
}

func newProcessor(t *testing.T, st store.Store, pipe pipeline.Pipeline) *Processor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pipes := map[models.Family]pipeline.Pipeline{models.FamilyGenerate: pipe}
	return NewProcessor(st, pipes, pool.NewWorkerPool(4, logger), nil, time.Minute, logger)
}

func seed(t *testing.T, st store.Store, id string) {
	t.Helper()
	task := models.NewTask(models.FamilyGenerate, id, "trace-1", json.RawMessage(`{"prompt":"a red cube"}`), time.Now())
	if err := st.Create(context.Background(), task); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func drain(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("pipelines did not finish: %v", err)
	}
}

func TestAcceptRecordsCompletion(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "ok-1")

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("pipeline context has no deadline")
		}
		return &models.Result{URL: "https://img/1.png", URLs: []string{"https://img/1.png"}}, nil
	}))

	acc, err := p.Accept(context.Background(), models.FamilyGenerate, "ok-1")
	if err != nil || !acc.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}
	drain(t, p)

	got, _ := st.Get(context.Background(), models.FamilyGenerate, "ok-1")
	if got.Status != models.StatusCompleted || got.Result.URL != "https://img/1.png" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.Error != nil {
		t.Fatalf("timestamps or error wrong: %+v", got)
	}
}

func TestAcceptRecordsPipelineFailure(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "fail-1")

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		return nil, errors.New("openai error (status 400): rejected")
	}))

	acc, err := p.Accept(context.Background(), models.FamilyGenerate, "fail-1")
	if err != nil || !acc.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}
	drain(t, p)

	got, _ := st.Get(context.Background(), models.FamilyGenerate, "fail-1")
	if got.Status != models.StatusFailed || got.Error == nil || got.Error.Message != "openai error (status 400): rejected" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.FailedAt == nil || got.Result != nil {
		t.Fatalf("failed record shape wrong: %+v", got)
	}
}

func TestAcceptRecordsPanicAsFailure(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "panic-1")

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		panic("nil map")
	}))

	if _, err := p.Accept(context.Background(), models.FamilyGenerate, "panic-1"); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	drain(t, p)

	got, _ := st.Get(context.Background(), models.FamilyGenerate, "panic-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestAcceptMissingTask(t *testing.T) {
	p := newProcessor(t, store.NewMemory(), pipelineFunc(nil))

	if _, err := p.Accept(context.Background(), models.FamilyGenerate, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcceptDuplicateTriggerRunsOnce(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "dup-1")

	var runs atomic.Int32
	release := make(chan struct{})
	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		runs.Add(1)
		<-release
		return &models.Result{URL: "u"}, nil
	}))

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := p.Accept(context.Background(), models.FamilyGenerate, "dup-1")
			if err != nil {
				t.Errorf("Accept returned error: %v", err)
			}
			if acc.Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	drain(t, p)

	if accepted.Load() != 1 || runs.Load() != 1 {
		t.Fatalf("accepted=%d runs=%d, want 1 and 1", accepted.Load(), runs.Load())
	}
}

func TestAcceptIgnoresTerminalTask(t *testing.T) {
	st := store.NewMemory()
	task := models.NewTask(models.FamilyGenerate, "done-1", "", json.RawMessage(`{}`), time.Now())
	models.MarkTriggerFailed(task, errors.New("trigger failed"), time.Now())
	_ = st.Create(context.Background(), task)

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		t.Error("pipeline must not run for a terminal task")
		return nil, nil
	}))

	acc, err := p.Accept(context.Background(), models.FamilyGenerate, "done-1")
	if err != nil || acc.Accepted || acc.Reason != "task is trigger_failed" {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}
	drain(t, p)
}

func TestAcceptUnconfiguredFamilyFails(t *testing.T) {
	st := store.NewMemory()
	task := models.NewTask(models.FamilyReconstruct, "rc-1", "", json.RawMessage(`{}`), time.Now())
	_ = st.Create(context.Background(), task)

	p := newProcessor(t, st, pipelineFunc(nil))
	acc, err := p.Accept(context.Background(), models.FamilyReconstruct, "rc-1")
	if err != nil || acc.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}

	got, _ := st.Get(context.Background(), models.FamilyReconstruct, "rc-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

// flakyStore fails the first claim with a transport error.
type flakyStore struct {
	store.Store
	failed atomic.Bool
}

func (f *flakyStore) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	if task.Status == models.StatusProcessing && f.failed.CompareAndSwap(false, true) {
		return errors.New("redis: i/o timeout")
	}
	return f.Store.Update(ctx, task, expect...)
}

func TestClaimErrorStillRecordsFailure(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory()}
	seed(t, st, "flaky-1")

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		t.Error("pipeline must not run without a claim")
		return nil, nil
	}))

	acc, err := p.Accept(context.Background(), models.FamilyGenerate, "flaky-1")
	if err != nil || acc.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}

	got, _ := st.Get(context.Background(), models.FamilyGenerate, "flaky-1")
	if got.Status != models.StatusFailed || got.Error == nil {
		t.Fatalf("unexpected record: %+v", got)
	}
}

type progressCounter struct {
	store.Store
	writes atomic.Int32
}

func (c *progressCounter) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	if task.Status == models.StatusProcessing && task.Progress != nil {
		c.writes.Add(1)
	}
	return c.Store.Update(ctx, task, expect...)
}

func TestProgressWritesAreThrottled(t *testing.T) {
	st := &progressCounter{Store: store.NewMemory()}
	seed(t, st, "prog-1")

	p := newProcessor(t, st, pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		for pct := 1.0; pct <= 100; pct++ {
			progress(pct)
		}
		return &models.Result{ModelURL: "https://t/m.glb"}, nil
	}))

	if _, err := p.Accept(context.Background(), models.FamilyGenerate, "prog-1"); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	drain(t, p)

	if n := st.writes.Load(); n != 19 {
		t.Fatalf("progress writes = %d, want 19", n)
	}
	got, _ := st.Get(context.Background(), models.FamilyGenerate, "prog-1")
	if got.Status != models.StatusCompleted || got.Progress == nil || *got.Progress != 100 {
		t.Fatalf("unexpected final record: %+v", got)
	}
}

func TestZeroTaskTimeoutUsesDefault(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "zero-1")

	logger := zaptest.NewLogger(t)
	pipes := map[models.Family]pipeline.Pipeline{models.FamilyGenerate: pipelineFunc(func(ctx context.Context, task *models.Task, progress pipeline.ProgressFunc) (*models.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &models.Result{URL: "u"}, nil
	})}
	p := NewProcessor(st, pipes, pool.NewWorkerPool(1, logger), nil, 0, logger)

	if _, err := p.Accept(context.Background(), models.FamilyGenerate, "zero-1"); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	drain(t, p)

	got, _ := st.Get(context.Background(), models.FamilyGenerate, "zero-1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}
