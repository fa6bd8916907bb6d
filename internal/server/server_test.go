package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartRunsEveryWorkerAndStopCancels(t *testing.T) {
	s := New(testLogger())

	var mu sync.Mutex
	var started []string

	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			<-ctx.Done()
			return nil
		}
	}

	s.Add(Worker{Name: "late", Order: 2, Run: record("late")})
	s.Add(Worker{Name: "early", Order: 0, Run: record("early")})
	s.Add(Worker{Name: "middle", Order: 1, Run: record("middle")})

	ctx := s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 {
		t.Fatalf("started %d workers, want 3", len(started))
	}
	if ctx.Err() == nil {
		t.Error("expected context to be cancelled after Stop")
	}
}

func TestReloadInvokesCallbacks(t *testing.T) {
	s := New(testLogger())

	var called bool
	s.OnReload(func() { called = true })
	s.Reload()

	if !called {
		t.Error("Reload() did not invoke registered callback")
	}
}

func TestSuspendResume(t *testing.T) {
	s := New(testLogger())
	if s.Suspended() {
		t.Fatal("new Supervisor should not start suspended")
	}
	s.Suspend()
	if !s.Suspended() {
		t.Error("Suspend() did not set suspended state")
	}
	s.Resume()
	if s.Suspended() {
		t.Error("Resume() did not clear suspended state")
	}
}
