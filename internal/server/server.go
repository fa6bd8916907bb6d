// Package server is the process-wide worker supervisor: named, ordered
// goroutines launched in ascending order groups and stopped together by
// cancelling one shared context (there is no descending-order stop
// sequence), plus the SIGTERM/SIGINT/SIGHUP signal loop that drives it. Grounded on
// original_source/Server/server.cpp's Server::createThread(name, order)
// grouping and Server::startup/exit ordering loops, realized with
// goroutines and context cancellation instead of QThread objects, and on
// the teacher's cmd/flowpbx/main.go goroutine+errCh+signal.Notify
// shutdown idiom for the Go resolution of that lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Worker is one named, ordered unit of work. Run blocks until ctx is
// cancelled or the work finishes on its own; a non-nil error is logged
// but does not abort sibling workers in the same start group.
type Worker struct {
	Name  string
	Order int
	Run   func(ctx context.Context) error
}

// Supervisor launches Workers in ascending Order groups (the goroutines
// for order 0 are launched, then order 1, and so on) and stops them by
// cancelling a shared context — original_source stops in descending order
// by waiting on each QThread in turn; here every worker observes the same
// ctx.Done() at once, so workers stop in no particular order. Reload fans a
// configuration change out to every worker that registered OnReload.
type Supervisor struct {
	mu        sync.Mutex
	workers   []Worker
	reload    []func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	suspended bool
}

// New creates an empty Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Add registers a Worker to be started by Start, grouped and ordered by
// w.Order.
func (s *Supervisor) Add(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, w)
}

// OnReload registers a callback invoked by Reload.
func (s *Supervisor) OnReload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload = append(s.reload, fn)
}

// Start launches every registered Worker in ascending Order groups —
// the goroutines of one order are launched before any of the next order,
// mirroring Server::startup's nested loop. Start does not wait for a
// worker's Run to be underway before launching the next group, so Run
// calls from different groups may begin in any order.
func (s *Supervisor) Start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	workers := make([]Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	maxOrder := 0
	for _, w := range workers {
		if w.Order > maxOrder {
			maxOrder = w.Order
		}
	}

	for order := 0; order <= maxOrder; order++ {
		for _, w := range workers {
			if w.Order != order {
				continue
			}
			w := w
			s.logger.Info("starting worker", "name", w.Name, "order", w.Order)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("worker exited", "name", w.Name, "error", err)
				}
			}()
		}
	}
	return ctx
}

// Stop cancels the shared context and waits for every Worker to return.
// Workers observe cancellation simultaneously rather than in strict
// descending-order waves, since Go's WaitGroup already gives an
// all-or-nothing join point the original's per-order QThread::wait loop
// achieved by hand.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Suspend and Resume mirror original_source's Server::suspend/resume:
// a flag workers can poll via Suspended before accepting new work,
// without tearing down and restarting the worker goroutines themselves.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	s.logger.Info("supervisor suspended")
}

func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
	s.logger.Info("supervisor resumed")
}

// Suspended reports the current suspend/resume state.
func (s *Supervisor) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Reload invokes every OnReload callback — wired to SIGHUP.
func (s *Supervisor) Reload() {
	s.mu.Lock()
	callbacks := make([]func(), len(s.reload))
	copy(callbacks, s.reload)
	s.mu.Unlock()

	s.logger.Info("reloading configuration")
	for _, fn := range callbacks {
		fn()
	}
}

// Run starts every registered Worker, then blocks handling
// SIGINT/SIGTERM (graceful stop) and SIGHUP (Reload) until the process
// is asked to exit. It returns once Stop has completed.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx = s.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.Reload()
			default:
				s.logger.Info("received signal, shutting down", "signal", sig)
				s.Stop()
				return nil
			}
		}
	}
}

// WorkerError wraps a failed worker's name into its error for logging.
func WorkerError(name string, err error) error {
	return fmt.Errorf("worker %q: %w", name, err)
}
