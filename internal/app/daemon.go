package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/cycle"
	"horse.fit/carriersignal/internal/logging"
	"horse.fit/carriersignal/internal/store"
)

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	runNow := fs.Bool("run-now", false, "Start one cycle immediately instead of waiting for the first tick")
	serveHTTP := fs.Bool("http", true, "Also serve the API")
	host := fs.String("host", "", "Host interface to bind (default HTTP_HOST)")
	port := fs.Int("port", 0, "HTTP port (default HTTP_PORT)")
	recomputeSpec := fs.String("recompute-spec", cycle.DefaultRecomputeSpec, "Cron spec for score recompute")
	cleanupSpec := fs.String("cleanup-spec", cycle.DefaultCleanupSpec, "Cron spec for duplicate cleanup")
	timeouts := addHTTPTimeoutFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	// cycles left running by a previous process are failed into a retry
	if n, err := svc.orch.CheckForOverdueCycles(ctx); err != nil {
		svc.logger.Warn().Err(err).Msg("startup watchdog failed")
	} else if n > 0 {
		svc.logger.Info().Int("failed", n).Msg("startup watchdog failed overdue cycles")
	}
	if _, err := svc.orch.ResumeRetries(ctx); err != nil {
		svc.logger.Warn().Err(err).Msg("resume retries failed")
	}

	scheduler, err := cycle.NewScheduler(cycle.SchedulerConfig{
		Interval:      svc.cfg.CycleInterval,
		RecomputeSpec: *recomputeSpec,
		CleanupSpec:   *cleanupSpec,
	}, svc.jobs(), logging.Component(svc.logger, "scheduler"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid schedule: %v\n", err)
		return 2
	}

	var serverErr <-chan error
	if *serveHTTP {
		serverErr = startServer(ctx, svc.newServer(*host, *port, timeouts))
	}

	if *runNow {
		if _, err := svc.runner.Trigger(ctx, store.TriggerScheduled); err != nil {
			svc.logger.Warn().Err(err).Msg("initial cycle not started")
		}
	}

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- scheduler.Run(ctx)
	}()

	select {
	case err := <-serverErr:
		cancel()
		<-schedErr
		if err != nil {
			svc.logger.Error().Err(err).Msg("server failed")
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			return 1
		}
	case err := <-schedErr:
		if serverErr != nil {
			<-serverErr
		}
		if err != nil {
			svc.logger.Error().Err(err).Msg("scheduler failed")
			return 1
		}
	}
	return 0
}

func (svc *services) jobs() cycle.Jobs {
	return cycle.Jobs{
		Ingest: svc.runner.Scheduled,
		Watchdog: func(ctx context.Context) error {
			if _, err := svc.orch.CheckForOverdueCycles(ctx); err != nil {
				return err
			}
			// picks up retries recorded by one-shot commands that exited
			_, err := svc.orch.ResumeRetries(ctx)
			return err
		},
		Recompute: func(ctx context.Context) error {
			_, err := svc.recomputer.Run(ctx)
			return err
		},
		Cleanup: func(ctx context.Context) error {
			_, err := svc.maintenance.Run(ctx)
			return err
		},
	}
}
