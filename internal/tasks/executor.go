// Package tasks runs fire-and-forget work and periodic schedules in the
// background of the server process.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 16

var ErrShutdownTimeout = errors.New("background tasks did not finish before timeout")

// Executor bounds concurrent fire-and-forget tasks and owns periodic loops.
// Task errors are logged and never propagated to the submitter.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	loops  sync.WaitGroup
}

func NewExecutor(parent context.Context, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(parent)
	e := &Executor{ctx: ctx, cancel: cancel}
	e.group.SetLimit(concurrency)
	return e
}

// Go starts fn unless the executor is saturated or stopping, in which case the
// task is dropped and false is returned. Never blocks.
func (e *Executor) Go(name string, fn func(ctx context.Context) error) bool {
	if e.ctx.Err() != nil {
		slog.Warn("Executor stopped, dropping task", "task", name)
		return false
	}
	started := e.group.TryGo(func() error {
		e.run(name, fn)
		return nil
	})
	if !started {
		slog.Warn("Executor saturated, dropping task", "task", name)
	}
	return started
}

// Every runs fn every interval until the executor stops. With runAtStart the
// first run happens immediately.
func (e *Executor) Every(name string, interval time.Duration, runAtStart bool, fn func(ctx context.Context) error) {
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()

		if runAtStart {
			e.run(name, fn)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.run(name, fn)
			}
		}
	}()
	slog.Debug("Scheduled task", "task", name, "interval", interval, "run_at_start", runAtStart)
}

func (e *Executor) run(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked", "task", name, "panic", r)
		}
	}()

	if err := fn(e.ctx); err != nil {
		slog.Error("Task failed", "task", name, "error", err)
	}
}

// Shutdown cancels the executor context and waits for running work.
func (e *Executor) Shutdown(timeout time.Duration) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		_ = e.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Background tasks stopped")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}
