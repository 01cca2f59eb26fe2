package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/monitor"
	"horse.fit/carriersignal/internal/store"
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	history := fs.Int("history", 10, "Recent cycles to list")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *history < 0 {
		fmt.Fprintln(os.Stderr, "--history must be >= 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	snap, err := svc.reporter.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load status: %v\n", err)
		return 1
	}
	var cycles []store.Cycle
	if *history > 0 {
		cycles, err = svc.store.ListCycles(ctx, store.CycleQuery{Limit: *history})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list cycles: %v\n", err)
			return 1
		}
	}

	payload := struct {
		monitor.Snapshot
		Cycles []store.Cycle `json:"cycles,omitempty"`
	}{Snapshot: snap, Cycles: cycles}
	return render(outputFormat, payload, func() error { return writeStatusTables(snap, cycles) })
}

func writeStatusTables(snap monitor.Snapshot, cycles []store.Cycle) error {
	hours := ""
	if snap.HoursSinceLastCycle != nil {
		hours = strconv.FormatFloat(*snap.HoursSinceLastCycle, 'f', 1, 64)
	}
	lastCycle := ""
	if snap.LastCycle != nil {
		lastCycle = snap.LastCycle.ID
	}
	currentCycle := ""
	if snap.CurrentCycle != nil {
		currentCycle = fmt.Sprintf("%s (%s)", snap.CurrentCycle.ID, snap.CurrentCycle.Status)
	}
	if err := writeTable([]string{"metric", "value"}, [][]string{
		{"status", string(snap.Status)},
		{"current_cycle", currentCycle},
		{"last_cycle", lastCycle},
		{"hours_since_last_cycle", hours},
		{"next_expected_at", formatUTCTimestamp(snap.NextExpectedAt)},
		{"articles_last_24h", fmt.Sprintf("%d", snap.ArticlesLast24h)},
		{"duplicates_last_24h", fmt.Sprintf("%d", snap.DuplicatesLast24h)},
		{"duplicate_rate", fmt.Sprintf("%.3f", snap.DuplicateRate)},
		{"open_fallback_tasks", fmt.Sprintf("%d", snap.OpenFallbackTasks)},
	}); err != nil {
		return err
	}

	if len(cycles) > 0 {
		fmt.Println()
		if err := writeCycleTable(cycles); err != nil {
			return err
		}
	}

	if len(snap.Feeds) > 0 {
		fmt.Println()
		if err := writeFeedHealthTable(snap.Feeds); err != nil {
			return err
		}
	}

	if len(snap.Alerts) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(snap.Alerts))
		for _, a := range snap.Alerts {
			rows = append(rows, []string{string(a.Level), a.CycleID, a.SourceID, truncateForTable(a.Message, 90)})
		}
		if err := writeTable([]string{"level", "cycle_id", "source_id", "message"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func writeFeedHealthTable(feeds []monitor.FeedHealth) error {
	rows := make([][]string, 0, len(feeds))
	for _, f := range feeds {
		rows = append(rows, []string{
			f.SourceID,
			string(f.Status),
			formatUTCTimestampPtr(f.LastFetchAt),
			fmt.Sprintf("%d", f.ConsecutiveErrors),
			fmt.Sprintf("%d", f.SuccessCount),
			fmt.Sprintf("%d", f.FailureCount),
			truncateForTable(f.LastError, 60),
		})
	}
	return writeTable([]string{"source_id", "status", "last_fetch_at", "consecutive_errors", "successes", "failures", "last_error"}, rows)
}

func runSources(args []string) int {
	fs := flag.NewFlagSet("sources", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	all := fs.Bool("all", false, "Include inactive sources")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// opening the services syncs the registry file into the store
	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	list, err := svc.store.ListSources(ctx, !*all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sources: %v\n", err)
		return 1
	}
	return render(outputFormat, list, func() error {
		rows := make([][]string, 0, len(list))
		for _, s := range list {
			rows = append(rows, []string{
				s.ID,
				string(s.Type),
				strconv.FormatBool(s.Active),
				strconv.FormatFloat(s.TrustScore, 'f', 0, 64),
				string(monitor.ClassifyFeed(s)),
				truncateForTable(s.URL, 70),
			})
		}
		return writeTable([]string{"source_id", "type", "active", "trust", "health", "url"}, rows)
	})
}
