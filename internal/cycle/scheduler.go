package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval      = 12 * time.Hour
	DefaultWatchdogEvery = 5 * time.Minute
	DefaultRecomputeSpec = "@hourly"
	DefaultCleanupSpec   = "@daily"
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Jobs lists the recurring work of a running daemon. Nil functions are not
// scheduled.
type Jobs struct {
	Ingest    func(ctx context.Context) error
	Watchdog  func(ctx context.Context) error
	Recompute func(ctx context.Context) error
	Cleanup   func(ctx context.Context) error
}

type SchedulerConfig struct {
	Interval      time.Duration
	WatchdogEvery time.Duration
	RecomputeSpec string
	CleanupSpec   string
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.WatchdogEvery <= 0 {
		c.WatchdogEvery = DefaultWatchdogEvery
	}
	if c.RecomputeSpec == "" {
		c.RecomputeSpec = DefaultRecomputeSpec
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = DefaultCleanupSpec
	}
	return c
}

// Plan turns jobs into cron entries.
func (c SchedulerConfig) Plan(jobs Jobs) []Job {
	c = c.withDefaults()
	out := make([]Job, 0, 4)
	if jobs.Ingest != nil {
		out = append(out, Job{Name: "ingest", Spec: every(c.Interval), Run: jobs.Ingest})
	}
	if jobs.Watchdog != nil {
		out = append(out, Job{Name: "watchdog", Spec: every(c.WatchdogEvery), Run: jobs.Watchdog})
	}
	if jobs.Recompute != nil {
		out = append(out, Job{Name: "recompute", Spec: c.RecomputeSpec, Run: jobs.Recompute})
	}
	if jobs.Cleanup != nil {
		out = append(out, Job{Name: "cleanup", Spec: c.CleanupSpec, Run: jobs.Cleanup})
	}
	return out
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Scheduler runs jobs on cron specs. A job still running when its next tick
// arrives is skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	jobs   []Job
	ctx    context.Context
}

func NewScheduler(cfg SchedulerConfig, jobs Jobs, logger zerolog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{cron: c, logger: logger, ctx: context.Background()}
	for _, job := range cfg.Plan(jobs) {
		if _, err := c.AddJob(job.Spec, s.wrap(job)); err != nil {
			return nil, fmt.Errorf("schedule %s (%s): %w", job.Name, job.Spec, err)
		}
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

// Jobs returns the scheduled jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Run starts the scheduler and blocks until ctx ends, then waits for running
// jobs to return. Jobs receive ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Debug().Time("next", e.Next).Int("entry", int(e.ID)).Msg("scheduled entry")
	}
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

func (s *Scheduler) wrap(job Job) cron.Job {
	return cron.FuncJob(func() {
		start := time.Now()
		err := job.Run(s.ctx)
		evt := s.logger.Info()
		if err != nil {
			evt = s.logger.Error().Err(err)
		}
		evt.Str("job", job.Name).Dur("duration", time.Since(start)).Msg("scheduled job finished")
	})
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
