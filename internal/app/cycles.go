package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/store"
)

func runCycle(args []string) int {
	fs := flag.NewFlagSet("run-cycle", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	wait := fs.Bool("wait", true, "Stay up for delayed retries until the cycle completes or fails")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
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

	c, runErr := svc.runner.RunNow(ctx, store.TriggerManual)
	if c.ID == "" {
		fmt.Fprintf(os.Stderr, "Failed to start cycle: %v\n", runErr)
		return 1
	}
	if runErr != nil {
		svc.logger.Warn().Err(runErr).Str("cycle_id", c.ID).Msg("cycle attempt failed")
	}
	if *wait && c.Status == store.CycleRetrying {
		c = svc.awaitCycle(ctx, c.ID, time.Second)
	}

	code := render(outputFormat, c, func() error { return writeCycleTable([]store.Cycle{c}) })
	if code != 0 {
		return code
	}
	if c.Status != store.CycleCompleted {
		return 1
	}
	return 0
}

// awaitCycle polls until the cycle reaches a terminal status or ctx ends.
func (svc *services) awaitCycle(ctx context.Context, id string, every time.Duration) store.Cycle {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last store.Cycle
	for {
		c, err := svc.store.GetCycle(ctx, id)
		if err == nil {
			last = c
			if c.Status.Terminal() {
				return c
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

func runWatchdog(args []string) int {
	fs := flag.NewFlagSet("watchdog", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	// a running daemon re-arms any retry this command records
	defer svc.Close()

	n, err := svc.orch.CheckForOverdueCycles(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Watchdog failed: %v\n", err)
		return 1
	}
	fmt.Printf("overdue cycles failed: %d\n", n)
	return 0
}

func writeCycleTable(cycles []store.Cycle) error {
	rows := make([][]string, 0, len(cycles))
	for _, c := range cycles {
		processed, skipped, errored, duplicates := "", "", "", ""
		if c.Metrics != nil {
			processed = fmt.Sprintf("%d", c.Metrics.Processed)
			skipped = fmt.Sprintf("%d", c.Metrics.Skipped)
			errored = fmt.Sprintf("%d", c.Metrics.Errored)
			duplicates = fmt.Sprintf("%d", c.Metrics.Duplicates)
		}
		rows = append(rows, []string{
			c.ID,
			string(c.Status),
			string(c.Trigger),
			formatUTCTimestamp(c.ScheduledAt),
			formatUTCTimestampPtr(c.CompletedAt),
			fmt.Sprintf("%d/%d", c.RetryCount, c.MaxRetries),
			phaseSummary(c.Phases),
			processed,
			skipped,
			errored,
			duplicates,
			truncateForTable(c.LastError, 60),
		})
	}
	return writeTable([]string{
		"cycle_id", "status", "trigger", "scheduled_at", "completed_at", "retries",
		"phases", "processed", "skipped", "errored", "duplicates", "last_error",
	}, rows)
}

func phaseSummary(phases []store.PhaseStatus) string {
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Name, p.Status))
	}
	return strings.Join(parts, ",")
}
