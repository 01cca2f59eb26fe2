package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/cycle"
	"horse.fit/carriersignal/internal/store"
)

var (
	ErrCycleInProgress = errors.New("an ingestion cycle is already running")
	ErrRunnerClosed    = errors.New("ingestion runner is shut down")
)

// Runner starts ingestion cycles through the orchestrator. At most one attempt
// runs per process; delayed retries wait for the running attempt instead of
// being dropped.
type Runner struct {
	orch     *cycle.Orchestrator
	pipeline *Pipeline
	logger   zerolog.Logger

	exec sync.Mutex

	// mu guards closed and every wg.Add so no Add races with Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(orch *cycle.Orchestrator, pipeline *Pipeline, logger zerolog.Logger) *Runner {
	r := &Runner{orch: orch, pipeline: pipeline, logger: logger}
	orch.OnRetry(r.retry)
	return r
}

// RunNow registers a cycle and runs its first attempt synchronously.
func (r *Runner) RunNow(ctx context.Context, trigger store.CycleTrigger) (store.Cycle, error) {
	if !r.exec.TryLock() {
		return store.Cycle{}, ErrCycleInProgress
	}
	defer r.exec.Unlock()

	c, err := r.orch.Register(ctx, time.Time{}, trigger)
	if err != nil {
		return store.Cycle{}, err
	}
	return r.orch.Execute(ctx, c.ID, r.pipeline.Run)
}

// Trigger registers a cycle and runs it in the background, returning the
// scheduled record immediately.
func (r *Runner) Trigger(ctx context.Context, trigger store.CycleTrigger) (store.Cycle, error) {
	if !r.exec.TryLock() {
		return store.Cycle{}, ErrCycleInProgress
	}
	if !r.track() {
		r.exec.Unlock()
		return store.Cycle{}, ErrRunnerClosed
	}
	c, err := r.orch.Register(ctx, time.Time{}, trigger)
	if err != nil {
		r.wg.Done()
		r.exec.Unlock()
		return store.Cycle{}, err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer r.exec.Unlock()
		if _, err := r.orch.Execute(runCtx, c.ID, r.pipeline.Run); err != nil {
			r.logger.Warn().Err(err).Str("cycle_id", c.ID).Msg("triggered cycle attempt failed")
		}
	}()
	return c, nil
}

// Scheduled is the cron entry point. A tick that lands while a cycle is
// still running is skipped.
func (r *Runner) Scheduled(ctx context.Context) error {
	_, err := r.RunNow(ctx, store.TriggerScheduled)
	if errors.Is(err, ErrCycleInProgress) {
		r.logger.Info().Msg("scheduled cycle skipped, previous cycle still running")
		return nil
	}
	return err
}

// Wait stops the runner from starting background attempts and blocks until
// those already started by Trigger or a retry have returned. Retries that fire
// afterwards are dropped and picked up by ResumeRetries on the next start.
func (r *Runner) Wait() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Runner) retry(ctx context.Context, cycleID string) {
	if !r.track() {
		r.logger.Info().Str("cycle_id", cycleID).Msg("retry dropped, runner shut down")
		return
	}
	defer r.wg.Done()

	r.exec.Lock()
	defer r.exec.Unlock()
	if _, err := r.orch.Execute(ctx, cycleID, r.pipeline.Run); err != nil {
		r.logger.Warn().Err(err).Str("cycle_id", cycleID).Msg("retry attempt failed")
	}
}
