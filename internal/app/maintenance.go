package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/carriersignal/internal/cli"
)

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
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

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	result, err := svc.maintenance.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}
	return render(outputFormat, result, func() error {
		return writeTable([]string{"metric", "value"}, [][]string{
			{"scanned", fmt.Sprintf("%d", result.Cleanup.Scanned)},
			{"groups", fmt.Sprintf("%d", result.Cleanup.Groups)},
			{"marked", fmt.Sprintf("%d", result.Cleanup.Marked)},
			{"purged", fmt.Sprintf("%d", result.Purged)},
		})
	})
}

func runRecompute(args []string) int {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
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

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	result, err := svc.recomputer.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recompute failed: %v\n", err)
		return 1
	}
	return render(outputFormat, result, func() error {
		return writeTable([]string{"metric", "value"}, [][]string{
			{"considered", fmt.Sprintf("%d", result.Considered)},
			{"updated", fmt.Sprintf("%d", result.Updated)},
		})
	})
}
