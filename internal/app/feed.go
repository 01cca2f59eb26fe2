package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/feedview"
)

func runFeed(args []string) int {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	window := fs.Duration("window", feedview.DefaultWindow, "Published-time window to include")
	limit := fs.Int("limit", feedview.DefaultLimit, "Maximum articles to print")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 1 || *limit > feedview.MaxLimit {
		fmt.Fprintf(os.Stderr, "--limit must be between 1 and %d\n", feedview.MaxLimit)
		return 2
	}
	if *window <= 0 {
		fmt.Fprintln(os.Stderr, "--window must be > 0")
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

	result, err := svc.feed.Feed(ctx, feedview.Query{Window: *window, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build feed: %v\n", err)
		return 1
	}
	return render(outputFormat, result, func() error { return writeFeedTable(result) })
}

func writeFeedTable(result feedview.Result) error {
	rows := make([][]string, 0, len(result.Articles))
	for _, a := range result.Articles {
		rows = append(rows, []string{
			fmt.Sprintf("%.1f", a.Score),
			formatUTCTimestamp(a.PublishedAt),
			truncateForTable(a.SourceName, 24),
			a.Category,
			truncateForTable(a.Title, 80),
		})
	}
	if err := writeTable([]string{"score", "published_at", "source", "category", "title"}, rows); err != nil {
		return err
	}
	fmt.Println()
	return writeTable([]string{"metric", "value"}, [][]string{
		{"window", result.Window},
		{"total_articles", fmt.Sprintf("%d", result.TotalArticles)},
		{"unique_articles", fmt.Sprintf("%d", result.UniqueArticles)},
		{"duplicates_detected", fmt.Sprintf("%d", result.DuplicatesDetected)},
		{"duplicate_removal_rate", fmt.Sprintf("%.3f", result.DuplicateRemovalRate)},
	})
}
