package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// orderRecorder registers handlers that log their stop order, mimicking
// a node winding down advertiser, connector and registry.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) handler(name string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return nil
	}
}

func (r *orderRecorder) stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestShutdown_PhaseOrder(t *testing.T) {
	rec := &orderRecorder{}
	coord := NewCoordinator(DefaultConfig())

	// Registered out of order on purpose.
	coord.RegisterFuncWithPhase("registry", rec.handler("registry"), 3)
	coord.RegisterFuncWithPhase("advertiser", rec.handler("advertiser"), 1)
	coord.RegisterFuncWithPhase("connector", rec.handler("connector"), 2)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := []string{"advertiser", "connector", "registry"}
	got := rec.stopped()
	if len(got) != len(want) {
		t.Fatalf("stopped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stop order = %v, want %v", got, want)
			break
		}
	}
}

func TestShutdown_SamePhaseConcurrent(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	// Two phase-1 handlers that each wait for the other: they only
	// finish if they run concurrently.
	barrier := make(chan struct{}, 2)
	meet := func(context.Context) error {
		barrier <- struct{}{}
		select {
		case <-barrier:
		case <-time.After(time.Second):
			return errors.New("peer never arrived")
		}
		return nil
	}
	coord.RegisterFuncWithPhase("advertiser", meet, 1)
	coord.RegisterFuncWithPhase("collab", meet, 1)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestShutdown_Once(t *testing.T) {
	var calls int32
	coord := NewCoordinator(DefaultConfig())
	coord.RegisterFunc("connector", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	// A second call reports the first run's outcome, without rerunning.
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat Shutdown = %v, want first result", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestShutdown_HandlerFailure(t *testing.T) {
	rec := &orderRecorder{}
	coord := NewCoordinator(DefaultConfig()) // ContinueOnError: true

	coord.RegisterFuncWithPhase("advertiser", func(context.Context) error {
		return errors.New("stop failed")
	}, 1)
	coord.RegisterFuncWithPhase("connector", rec.handler("connector"), 2)

	err := coord.Shutdown(context.Background())
	if err != ErrHandlerFailed {
		t.Errorf("Shutdown = %v, want ErrHandlerFailed", err)
	}

	// The broker connection still gets closed after the failure.
	if got := rec.stopped(); len(got) != 1 || got[0] != "connector" {
		t.Errorf("later phases skipped: stopped %v", got)
	}

	result := coord.Result()
	if result == nil || !result.Failed() {
		t.Fatal("Result should record the failure")
	}
	failed := result.FailedHandlers()
	if len(failed) != 1 || failed[0] != "advertiser" {
		t.Errorf("FailedHandlers = %v", failed)
	}
}

func TestShutdown_StopOnError(t *testing.T) {
	rec := &orderRecorder{}
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	coord := NewCoordinator(cfg)

	coord.RegisterFuncWithPhase("advertiser", func(context.Context) error {
		return errors.New("stop failed")
	}, 1)
	coord.RegisterFuncWithPhase("connector", rec.handler("connector"), 2)

	if err := coord.Shutdown(context.Background()); err != ErrHandlerFailed {
		t.Errorf("Shutdown = %v, want ErrHandlerFailed", err)
	}
	if got := rec.stopped(); len(got) != 0 {
		t.Errorf("later phases should not run, stopped %v", got)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.RegisterFuncWithPhase("connector", func(ctx context.Context) error {
		<-ctx.Done() // a drain that never finishes
		return ctx.Err()
	}, 1)
	coord.RegisterFuncWithPhase("registry", func(context.Context) error {
		t.Error("phase after the deadline should not start")
		return nil
	}, 2)

	err := coord.ShutdownWithTimeout(20 * time.Millisecond)
	if err != ErrTimeout && err != ErrHandlerFailed {
		t.Errorf("Shutdown = %v, want a timeout-driven failure", err)
	}
}

func TestDoneAndErr(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	coord.RegisterFunc("bridge", func(context.Context) error { return nil })

	select {
	case <-coord.Done():
		t.Fatal("Done should not be closed before Shutdown")
	default:
	}
	if coord.Err() != nil {
		t.Errorf("Err before shutdown = %v, want nil", coord.Err())
	}
	if coord.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case <-coord.Done():
	default:
		t.Error("Done should be closed after Shutdown")
	}
	if coord.Err() != nil {
		t.Errorf("Err = %v, want nil", coord.Err())
	}
	if result := coord.Result(); result == nil || result.Failed() {
		t.Errorf("Result = %+v", result)
	}
}

func TestOnProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	cfg := DefaultConfig()
	cfg.OnProgress = func(hr HandlerResult) {
		mu.Lock()
		seen = append(seen, hr.Name)
		mu.Unlock()
	}
	coord := NewCoordinator(cfg)
	coord.RegisterFuncWithPhase("advertiser", func(context.Context) error { return nil }, 1)
	coord.RegisterFuncWithPhase("connector", func(context.Context) error { return nil }, 2)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("OnProgress saw %v, want both handlers", seen)
	}
}

func TestTrigger(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	coord.RegisterFunc("connector", func(context.Context) error { return nil })
	coord.HandleSignals()

	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(time.Second):
		t.Fatal("Trigger should drive shutdown to completion")
	}
}

func TestDefaultPhase(t *testing.T) {
	rec := &orderRecorder{}
	coord := NewCoordinator(DefaultConfig()) // default phase 100

	coord.Register("bridge", HandlerFunc(rec.handler("bridge")))
	coord.RegisterFuncWithPhase("advertiser", rec.handler("advertiser"), 1)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got := rec.stopped()
	if len(got) != 2 || got[0] != "advertiser" || got[1] != "bridge" {
		t.Errorf("stop order = %v, want advertiser before bridge", got)
	}
}
