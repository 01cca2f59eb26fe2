// Package cycle drives the recurring ingestion cycle through its state
// machine:
//
//	scheduled -> running -> completed
//	                     -> retrying -> running ...
//	                     -> failed (retries exhausted, fallback task opened)
//
// Every transition is a compare-and-set on the stored status, so the overdue
// watchdog and a finishing run can race without resurrecting a terminal
// cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/retry"
	"horse.fit/carriersignal/internal/store"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Minute
	DefaultTimeout    = 45 * time.Minute

	casAttempts = 3
)

var (
	ErrInvalidTransition = errors.New("invalid cycle transition")
	ErrCycleTimeout      = errors.New("cycle exceeded timeout")
)

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, RetryDelay: DefaultRetryDelay, Timeout: DefaultTimeout}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Delayer runs fn once after d. The returned stop function cancels it if it
// has not fired yet.
type Delayer interface {
	After(d time.Duration, fn func()) (stop func() bool)
}

type timerDelayer struct{}

func (timerDelayer) After(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// RetryHandler re-runs a cycle that entered retrying.
type RetryHandler func(ctx context.Context, cycleID string)

type Orchestrator struct {
	cycles    store.CycleStore
	fallbacks store.FallbackStore
	cfg       Config
	policy    retry.Policy
	delayer   Delayer
	clock     globaltime.Clock
	newID     func() string
	logger    zerolog.Logger

	mu      sync.Mutex
	onRetry RetryHandler
	pending map[string]func() bool
}

func NewOrchestrator(cycles store.CycleStore, fallbacks store.FallbackStore, cfg Config, logger zerolog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cycles:    cycles,
		fallbacks: fallbacks,
		cfg:       cfg,
		policy:    retry.Policy{Attempts: cfg.MaxRetries + 1, BaseDelay: cfg.RetryDelay, Backoff: retry.BackoffFixed},
		delayer:   timerDelayer{},
		clock:     globaltime.UTC,
		newID:     uuid.NewString,
		logger:    logger,
		pending:   make(map[string]func() bool),
	}
}

func (o *Orchestrator) WithClock(clock globaltime.Clock) *Orchestrator {
	o.clock = globaltime.OrDefault(clock)
	return o
}

func (o *Orchestrator) WithDelayer(d Delayer) *Orchestrator {
	if d != nil {
		o.delayer = d
	}
	return o
}

func (o *Orchestrator) WithIDs(newID func() string) *Orchestrator {
	if newID != nil {
		o.newID = newID
	}
	return o
}

// OnRetry sets the handler invoked when a delayed retry fires.
func (o *Orchestrator) OnRetry(h RetryHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onRetry = h
}

// Stop cancels every pending delayed retry.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, stop := range o.pending {
		stop()
		delete(o.pending, id)
	}
}

// Register creates a cycle in scheduled.
func (o *Orchestrator) Register(ctx context.Context, scheduledAt time.Time, trigger store.CycleTrigger) (store.Cycle, error) {
	if scheduledAt.IsZero() {
		scheduledAt = o.clock()
	}
	c := store.NewCycle(o.newID(), scheduledAt, trigger, o.cfg.MaxRetries)
	c.UpdatedAt = o.clock()
	if err := o.cycles.InsertCycle(ctx, c); err != nil {
		return store.Cycle{}, fmt.Errorf("register cycle: %w", err)
	}
	o.logger.Info().Str("cycle_id", c.ID).Str("trigger", string(trigger)).Time("scheduled_at", c.ScheduledAt).Msg("cycle registered")
	return c, nil
}

// MarkRunning moves a scheduled or retrying cycle to running.
func (o *Orchestrator) MarkRunning(ctx context.Context, id string) (store.Cycle, error) {
	c, _, err := o.transition(ctx, id, func(c *store.Cycle) (bool, error) {
		if c.Status != store.CycleScheduled && c.Status != store.CycleRetrying {
			return false, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, c.Status)
		}
		now := o.clock()
		c.Status = store.CycleRunning
		c.StartedAt = store.TimePtr(now)
		c.CompletedAt = nil
		for i := range c.Phases {
			c.Phases[i] = store.PhaseStatus{Name: c.Phases[i].Name, Status: store.PhasePending}
		}
		return true, nil
	})
	if err != nil {
		return c, err
	}
	o.logger.Info().Str("cycle_id", id).Int("retry_count", c.RetryCount).Msg("cycle running")
	return c, nil
}

// MarkCompleted moves a running cycle to completed. It is a no-op on a
// terminal cycle.
func (o *Orchestrator) MarkCompleted(ctx context.Context, id string, metrics store.CycleMetrics) (store.Cycle, error) {
	c, changed, err := o.transition(ctx, id, func(c *store.Cycle) (bool, error) {
		if c.Status.Terminal() {
			return false, nil
		}
		if c.Status != store.CycleRunning {
			return false, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, c.Status)
		}
		c.Status = store.CycleCompleted
		c.CompletedAt = store.TimePtr(o.clock())
		c.LastError = ""
		m := metrics
		c.Metrics = &m
		return true, nil
	})
	if err != nil {
		return c, err
	}
	if changed {
		o.logger.Info().
			Str("cycle_id", id).
			Int("processed", metrics.Processed).
			Int("skipped", metrics.Skipped).
			Int("errored", metrics.Errored).
			Int("duplicates", metrics.Duplicates).
			Dur("duration", metrics.Duration).
			Msg("cycle completed")
	}
	return c, nil
}

// MarkFailed records a failed attempt on a running cycle. While the retry
// budget lasts the cycle moves to retrying and a delayed re-run is queued;
// afterwards it moves to failed and one fallback task is opened. It is a
// no-op on a terminal cycle.
func (o *Orchestrator) MarkFailed(ctx context.Context, id string, cause error) (store.Cycle, error) {
	if cause == nil {
		cause = errors.New("cycle failed")
	}
	c, changed, err := o.transition(ctx, id, func(c *store.Cycle) (bool, error) {
		if c.Status.Terminal() {
			return false, nil
		}
		if c.Status != store.CycleRunning {
			return false, fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, c.Status)
		}
		now := o.clock()
		c.RetryCount++
		c.LastError = cause.Error()
		for i := range c.Phases {
			if c.Phases[i].Status == store.PhaseRunning {
				c.Phases[i].Status = store.PhaseFailed
				c.Phases[i].CompletedAt = store.TimePtr(now)
				c.Phases[i].Error = cause.Error()
			}
		}
		if c.RetryCount <= c.MaxRetries {
			c.Status = store.CycleRetrying
			return true, nil
		}
		c.Status = store.CycleFailed
		c.CompletedAt = store.TimePtr(now)
		c.FallbackTriggered = true
		return true, nil
	})
	if err != nil || !changed {
		return c, err
	}

	if c.Status == store.CycleRetrying {
		delay := o.policy.Delay(c.RetryCount)
		o.logger.Warn().Err(cause).Str("cycle_id", id).Int("retry_count", c.RetryCount).Dur("retry_in", delay).Msg("cycle failed, retry scheduled")
		o.scheduleRetry(id, delay)
		return c, nil
	}

	o.logger.Error().Err(cause).Str("cycle_id", id).Int("retry_count", c.RetryCount).Msg("cycle failed, retries exhausted")
	task := store.FallbackTask{
		ID:        o.newID(),
		CycleID:   id,
		Reason:    fmt.Sprintf("cycle failed after %d attempts: %s", c.RetryCount, cause.Error()),
		Status:    store.FallbackOpen,
		CreatedAt: o.clock(),
	}
	if err := o.fallbacks.InsertFallbackTask(ctx, task); err != nil {
		return c, fmt.Errorf("open fallback task for cycle %s: %w", id, err)
	}
	return c, nil
}

// MarkPhase records a phase transition on a running cycle.
func (o *Orchestrator) MarkPhase(ctx context.Context, id string, phase store.PhaseName, state store.PhaseState, phaseErr error) (store.Cycle, error) {
	c, _, err := o.transition(ctx, id, func(c *store.Cycle) (bool, error) {
		if c.Status != store.CycleRunning {
			return false, fmt.Errorf("%w: phase %s on %s cycle", ErrInvalidTransition, phase, c.Status)
		}
		idx := -1
		for i := range c.Phases {
			if c.Phases[i].Name == phase {
				idx = i
				break
			}
		}
		if idx < 0 {
			c.Phases = append(c.Phases, store.PhaseStatus{Name: phase})
			idx = len(c.Phases) - 1
		}
		p := &c.Phases[idx]
		now := o.clock()
		p.Status = state
		switch state {
		case store.PhaseRunning:
			p.StartedAt = store.TimePtr(now)
			p.CompletedAt = nil
			p.Error = ""
		case store.PhaseCompleted, store.PhaseFailed:
			p.CompletedAt = store.TimePtr(now)
			if phaseErr != nil {
				p.Error = phaseErr.Error()
			}
		}
		return true, nil
	})
	return c, err
}

// CheckForOverdueCycles fails every scheduled or running cycle that has been
// waiting or running longer than the configured timeout. It returns how many
// cycles it failed.
func (o *Orchestrator) CheckForOverdueCycles(ctx context.Context) (int, error) {
	now := o.clock()
	open, err := o.cycles.ListCycles(ctx, store.CycleQuery{
		Statuses:        []store.CycleStatus{store.CycleScheduled, store.CycleRunning},
		ScheduledBefore: now.Add(-o.cfg.Timeout),
	})
	if err != nil {
		return 0, fmt.Errorf("list open cycles: %w", err)
	}

	failed := 0
	for _, c := range open {
		if !o.overdue(c, now) {
			continue
		}
		cause := fmt.Errorf("%w: %s since %s", ErrCycleTimeout, c.Status, o.activeSince(c).Format(time.RFC3339))
		if c.Status == store.CycleScheduled {
			if _, err := o.MarkRunning(ctx, c.ID); err != nil {
				if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrStatusConflict) {
					continue
				}
				return failed, err
			}
		}
		updated, err := o.MarkFailed(ctx, c.ID, cause)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrStatusConflict) {
				continue
			}
			return failed, err
		}
		if updated.Status == store.CycleRetrying || updated.Status == store.CycleFailed {
			failed++
		}
	}
	if failed > 0 {
		o.logger.Warn().Int("count", failed).Msg("overdue cycles failed by watchdog")
	}
	return failed, nil
}

// ResumeRetries re-arms delayed retries for cycles left in retrying by a
// previous process. Retries already queued here are left alone. A retry whose
// due time has passed fires immediately.
func (o *Orchestrator) ResumeRetries(ctx context.Context) (int, error) {
	waiting, err := o.cycles.ListCycles(ctx, store.CycleQuery{
		Statuses: []store.CycleStatus{store.CycleRetrying},
	})
	if err != nil {
		return 0, fmt.Errorf("list retrying cycles: %w", err)
	}

	now := o.clock()
	resumed := 0
	for _, c := range waiting {
		o.mu.Lock()
		_, queued := o.pending[c.ID]
		o.mu.Unlock()
		if queued {
			continue
		}
		delay := c.UpdatedAt.Add(o.policy.Delay(c.RetryCount)).Sub(now)
		if delay < 0 {
			delay = 0
		}
		o.scheduleRetry(c.ID, delay)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info().Int("count", resumed).Msg("resumed delayed retries")
	}
	return resumed, nil
}

// RunFunc performs one attempt of a cycle.
type RunFunc func(ctx context.Context, t Tracker) (store.CycleMetrics, error)

// Execute drives one attempt of a registered cycle: running, then run, then
// completed or failed. The attempt is bounded by the cycle timeout.
func (o *Orchestrator) Execute(ctx context.Context, id string, run RunFunc) (store.Cycle, error) {
	c, err := o.MarkRunning(ctx, id)
	if err != nil {
		return c, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	start := o.clock()
	metrics, runErr := run(runCtx, Tracker{o: o, cycleID: id})
	cancel()
	if metrics.Duration == 0 {
		metrics.Duration = o.clock().Sub(start)
	}

	// state writes must land even when the caller's context is gone
	writeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		c, err = o.MarkFailed(writeCtx, id, runErr)
		if err != nil {
			return c, err
		}
		return c, runErr
	}
	return o.MarkCompleted(writeCtx, id, metrics)
}

// Tracker records phase progress for one running cycle.
type Tracker struct {
	o       *Orchestrator
	cycleID string
}

func (t Tracker) CycleID() string { return t.cycleID }

// Phase runs fn as the named phase, recording running then completed or
// failed.
func (t Tracker) Phase(ctx context.Context, name store.PhaseName, fn func(ctx context.Context) error) error {
	if t.o == nil {
		return fn(ctx)
	}
	if _, err := t.o.MarkPhase(ctx, t.cycleID, name, store.PhaseRunning, nil); err != nil {
		return fmt.Errorf("start phase %s: %w", name, err)
	}
	if err := fn(ctx); err != nil {
		if _, markErr := t.o.MarkPhase(context.WithoutCancel(ctx), t.cycleID, name, store.PhaseFailed, err); markErr != nil {
			t.o.logger.Warn().Err(markErr).Str("cycle_id", t.cycleID).Str("phase", string(name)).Msg("record phase failure")
		}
		return fmt.Errorf("phase %s: %w", name, err)
	}
	if _, err := t.o.MarkPhase(ctx, t.cycleID, name, store.PhaseCompleted, nil); err != nil {
		return fmt.Errorf("complete phase %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) scheduleRetry(id string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if stop, ok := o.pending[id]; ok {
		stop()
	}
	o.pending[id] = o.delayer.After(delay, func() { o.fireRetry(id) })
}

func (o *Orchestrator) fireRetry(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	handler := o.onRetry
	o.mu.Unlock()

	if handler == nil {
		o.logger.Warn().Str("cycle_id", id).Msg("retry due but no handler registered")
		return
	}
	handler(context.Background(), id)
}

// PendingRetries reports how many delayed retries are queued.
func (o *Orchestrator) PendingRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// overdue measures from the latest start so a retry attempt gets its own
// timeout window.
func (o *Orchestrator) overdue(c store.Cycle, now time.Time) bool {
	return now.Sub(o.activeSince(c)) > o.cfg.Timeout
}

func (o *Orchestrator) activeSince(c store.Cycle) time.Time {
	if c.StartedAt != nil && c.StartedAt.After(c.ScheduledAt) {
		return *c.StartedAt
	}
	return c.ScheduledAt
}

// transition applies mutate to the stored cycle and writes it back if the
// status is unchanged in the meantime, re-reading on conflict.
func (o *Orchestrator) transition(ctx context.Context, id string, mutate func(c *store.Cycle) (bool, error)) (store.Cycle, bool, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := o.cycles.GetCycle(ctx, id)
		if err != nil {
			return store.Cycle{}, false, fmt.Errorf("load cycle %s: %w", id, err)
		}
		next := current.Clone()
		changed, err := mutate(&next)
		if err != nil {
			return current, false, err
		}
		if !changed {
			return current, false, nil
		}
		next.UpdatedAt = o.clock()
		err = o.cycles.UpdateCycle(ctx, next, current.Status)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, store.ErrStatusConflict) {
			return current, false, fmt.Errorf("update cycle %s: %w", id, err)
		}
		lastErr = err
	}
	return store.Cycle{}, false, lastErr
}
