package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopJob(context.Context) error { return nil }

func TestPlanUsesConfiguredCadence(t *testing.T) {
	t.Parallel()

	jobs := SchedulerConfig{Interval: 12 * time.Hour}.Plan(Jobs{
		Ingest:    noopJob,
		Watchdog:  noopJob,
		Recompute: noopJob,
		Cleanup:   noopJob,
	})
	want := map[string]string{
		"ingest":    "@every 12h0m0s",
		"watchdog":  "@every 5m0s",
		"recompute": "@hourly",
		"cleanup":   "@daily",
	}
	if len(jobs) != len(want) {
		t.Fatalf("unexpected job count: %d", len(jobs))
	}
	for _, job := range jobs {
		if want[job.Name] != job.Spec {
			t.Fatalf("unexpected spec for %s: %q", job.Name, job.Spec)
		}
	}
}

func TestPlanSkipsNilJobs(t *testing.T) {
	t.Parallel()

	jobs := SchedulerConfig{}.Plan(Jobs{Watchdog: noopJob})
	if len(jobs) != 1 || jobs[0].Name != "watchdog" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(SchedulerConfig{RecomputeSpec: "every tuesday"}, Jobs{Recompute: noopJob}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(SchedulerConfig{}, Jobs{Ingest: noopJob}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if len(s.Jobs()) != 1 {
		t.Fatalf("unexpected jobs: %d", len(s.Jobs()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
