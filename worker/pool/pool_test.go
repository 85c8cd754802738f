package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2, zaptest.NewLogger(t))

	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
		}, nil)
		if err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}
	p.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds pool size", peak.Load())
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, zaptest.NewLogger(t))

	var (
		mu     sync.Mutex
		panicE error
	)
	_ = p.Submit(context.Background(), func(ctx context.Context) {
		panic("pipeline bug")
	}, func(err error) {
		mu.Lock()
		panicE = err
		mu.Unlock()
	})
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if panicE == nil || !strings.Contains(panicE.Error(), "pipeline bug") {
		t.Fatalf("expected panic to be reported, got %v", panicE)
	}
}

func TestWorkerPoolSkipsWhenContextEnds(t *testing.T) {
	p := NewWorkerPool(1, zaptest.NewLogger(t))
	block := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-block
	}, nil)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	skipped := make(chan error, 1)
	ran := false
	_ = p.Submit(ctx, func(ctx context.Context) { ran = true }, func(err error) { skipped <- err })
	cancel()

	select {
	case err := <-skipped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected skip error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued job was not skipped")
	}
	close(block)
	p.Wait()
	if ran {
		t.Fatal("skipped job ran")
	}
}

func TestWorkerPoolClose(t *testing.T) {
	p := NewWorkerPool(1, zaptest.NewLogger(t))
	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}, nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while job runs, got %v", err)
	}

	if err := p.Submit(context.Background(), func(ctx context.Context) {}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	close(release)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
