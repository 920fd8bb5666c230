package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Processor is the part of the Orchestrator the Runner and Scheduler drive.
type Processor interface {
	ProcessSession(ctx context.Context, id int64) (Outcome, error)
	Retry(ctx context.Context, id int64) (Outcome, error)
}

// Runner starts pipeline runs in the background. The pool is unbounded:
// every upload or retry gets its own run.
type Runner struct {
	proc   Processor
	pool   *ants.Pool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRunner creates a Runner over proc.
func NewRunner(proc Processor) (*Runner, error) {
	r := &Runner{proc: proc, logger: slog.Default()}
	pool, err := ants.NewPool(-1, ants.WithPanicHandler(func(p any) {
		r.logger.Error("pipeline run panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating run pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Process starts a run for a Session in uploaded status. Manual retries
// reset the Session first and then come through here too. The run is detached
// from ctx's cancellation: once started it finishes or fails on its own.
func (r *Runner) Process(ctx context.Context, id int64) error {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		if _, err := r.proc.ProcessSession(ctx, id); err != nil {
			r.logger.Warn("background run ended with error", "session_id", id, "error", err)
		}
	})
	if err != nil {
		r.wg.Done()
		return fmt.Errorf("submitting run of session %d: %w", id, err)
	}
	return nil
}

// Wait blocks until every submitted run has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Close waits up to timeout for running work and releases the pool.
func (r *Runner) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("pipeline runs still active at shutdown", "running", r.pool.Running())
	}
	r.pool.Release()
	return nil
}
