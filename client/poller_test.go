package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sketchStudio/internal/models"
)

type step struct {
	status   models.TaskStatus
	progress *float64
	err      error
}

// scriptedSource replays steps and then repeats the last one.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptedSource) Status(ctx context.Context, family models.Family, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++

	st := s.steps[i]
	if st.err != nil {
		return nil, st.err
	}
	task := models.NewTask(family, taskID, "", nil, time.Now())
	task.Status = st.status
	task.Progress = st.progress
	switch st.status {
	case models.StatusCompleted:
		task.Result = &models.Result{URL: "https://cdn.example/x.png"}
	case models.StatusFailed, models.StatusTriggerFailed:
		task.Error = &models.TaskError{Message: "openai error (status 500): upstream", At: time.Now()}
	}
	return task, nil
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPoller(t *testing.T, src StatusSource) *Poller {
	t.Helper()
	p := NewPoller(src, zaptest.NewLogger(t))
	p.Interval = 5 * time.Millisecond
	p.MaxDuration = 2 * time.Second
	return p
}

func repeat(n int, s step) []step {
	out := make([]step, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestPollerStopsAfterCompletion(t *testing.T) {
	const n = 3
	src := &scriptedSource{steps: append(repeat(n, step{status: models.StatusPending}), step{status: models.StatusCompleted})}
	p := newTestPoller(t, src)

	out, err := p.Run(context.Background(), models.FamilyGenerate, "t-1")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.State != StateSucceeded || out.Task.Result.URL != "https://cdn.example/x.png" {
		t.Fatalf("Unexpected outcome %+v", out)
	}
	if out.Attempts != n+1 {
		t.Fatalf("Expected %d polls, got %d", n+1, out.Attempts)
	}

	time.Sleep(30 * time.Millisecond)
	if src.count() != n+1 {
		t.Fatalf("Poller kept polling after success: %d calls", src.count())
	}
}

func TestPollerSurfacesFailure(t *testing.T) {
	for _, status := range []models.TaskStatus{models.StatusFailed, models.StatusTriggerFailed} {
		src := &scriptedSource{steps: []step{{status: models.StatusProcessing}, {status: status}}}
		out, err := newTestPoller(t, src).Run(context.Background(), models.FamilyEdit, "t-2")
		if !errors.Is(err, ErrTaskFailed) || out.State != StateFailed {
			t.Fatalf("%s: expected ErrTaskFailed, got %v (%+v)", status, err, out)
		}
		if out.Task.Error == nil || err.Error() != "task failed: openai error (status 500): upstream" {
			t.Fatalf("%s: unexpected error text %q", status, err)
		}
	}
}

func TestPollerToleratesEarlyNotFound(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: ErrNotFound}, {err: ErrNotFound}, {status: models.StatusPending}, {status: models.StatusCompleted}}}
	out, err := newTestPoller(t, src).Run(context.Background(), models.FamilyGenerate, "t-3")
	if err != nil || out.State != StateSucceeded {
		t.Fatalf("Expected success, got %v (%+v)", err, out)
	}
}

func TestPollerNotFoundPastGrace(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: ErrNotFound}}}
	p := newTestPoller(t, src)
	p.NotFoundGrace = 20 * time.Millisecond

	out, err := p.Run(context.Background(), models.FamilyGenerate, "t-4")
	if !errors.Is(err, ErrNotFound) || out.State != StateFailed {
		t.Fatalf("Expected ErrNotFound, got %v (%+v)", err, out)
	}
	if out.Attempts < 2 {
		t.Fatalf("Expected retries inside the grace period, got %d attempts", out.Attempts)
	}
}

func TestPollerToleratesTransportErrors(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	src := &scriptedSource{steps: []step{{err: refused}, {err: refused}, {status: models.StatusCompleted}}}
	out, err := newTestPoller(t, src).Run(context.Background(), models.FamilyGenerate, "t-5")
	if err != nil || out.State != StateSucceeded || out.Attempts != 3 {
		t.Fatalf("Expected success on third poll, got %v (%+v)", err, out)
	}
}

func TestPollerStopsOnClientErrors(t *testing.T) {
	unknown := &HTTPError{StatusCode: 404, Message: "Unknown task family"}
	src := &scriptedSource{steps: []step{{err: unknown}}}

	out, err := newTestPoller(t, src).Run(context.Background(), "video", "t-10")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || out.State != StateFailed || out.Attempts != 1 {
		t.Fatalf("Expected to stop on the first 4xx, got %v (%+v)", err, out)
	}
}

func TestPollerRetriesServerErrors(t *testing.T) {
	unavailable := &HTTPError{StatusCode: 503, Message: "Internal error"}
	src := &scriptedSource{steps: []step{{err: unavailable}, {status: models.StatusCompleted}}}

	out, err := newTestPoller(t, src).Run(context.Background(), models.FamilyGenerate, "t-11")
	if err != nil || out.State != StateSucceeded || out.Attempts != 2 {
		t.Fatalf("Expected success after a 5xx, got %v (%+v)", err, out)
	}
}

func TestPollerTimesOutOnAttempts(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: models.StatusProcessing}}}
	p := newTestPoller(t, src)
	p.MaxAttempts = 4

	out, err := p.Run(context.Background(), models.FamilyReconstruct, "t-6")
	if !errors.Is(err, ErrTimedOut) || out.State != StateTimedOut || out.Attempts != 4 {
		t.Fatalf("Expected timeout after 4 attempts, got %v (%+v)", err, out)
	}
	if err.Error() != "processing timed out" {
		t.Fatalf("Unexpected timeout text %q", err)
	}
}

func TestPollerTimesOutOnDuration(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: models.StatusPending}}}
	p := newTestPoller(t, src)
	p.MaxDuration = 40 * time.Millisecond

	start := time.Now()
	out, err := p.Run(context.Background(), models.FamilyGenerate, "t-7")
	if !errors.Is(err, ErrTimedOut) || out.State != StateTimedOut {
		t.Fatalf("Expected timeout, got %v (%+v)", err, out)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Poller ran well past its ceiling")
	}
}

func TestPollerCancellationStopsPolling(t *testing.T) {
	src := &scriptedSource{steps: []step{{status: models.StatusProcessing}}}
	p := newTestPoller(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	p.OnProgress = func(Progress) { cancel() }

	out, err := p.Run(ctx, models.FamilyGenerate, "t-8")
	if !errors.Is(err, context.Canceled) || out.State != StateCancelled {
		t.Fatalf("Expected cancellation, got %v (%+v)", err, out)
	}

	calls := src.count()
	time.Sleep(30 * time.Millisecond)
	if src.count() != calls {
		t.Fatalf("Polls fired after cancellation: %d then %d", calls, src.count())
	}
}

func TestPollerReportsProgress(t *testing.T) {
	forty := 40.0
	src := &scriptedSource{steps: []step{{status: models.StatusPending}, {status: models.StatusProcessing, progress: &forty}, {status: models.StatusCompleted}}}
	p := newTestPoller(t, src)

	var got []Progress
	p.OnProgress = func(pr Progress) { got = append(got, pr) }

	if _, err := p.Run(context.Background(), models.FamilyReconstruct, "t-9"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 progress reports, got %d", len(got))
	}
	if !got[0].Estimated || got[0].Percent > maxEstimate {
		t.Fatalf("First report should be an estimate: %+v", got[0])
	}
	if got[1].Estimated || got[1].Percent != 40 {
		t.Fatalf("Second report should carry the record's progress: %+v", got[1])
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		elapsed, expected time.Duration
		want              float64
	}{
		{0, time.Minute, 0},
		{30 * time.Second, time.Minute, 50},
		{time.Minute, time.Minute, 95},
		{10 * time.Minute, time.Minute, 95},
		{time.Second, 0, 95},
	}
	for _, tt := range tests {
		if got := estimate(tt.elapsed, tt.expected); got != tt.want {
			t.Errorf("estimate(%s, %s) = %v, want %v", tt.elapsed, tt.expected, got, tt.want)
		}
	}
}
