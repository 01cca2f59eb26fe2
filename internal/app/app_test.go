package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/config"
	"horse.fit/carriersignal/internal/store"
)

func testConfig(sourcesFile string) *config.Config {
	return &config.Config{
		Environment:         "test",
		LogLevel:            "error",
		DBMinConns:          1,
		DBMaxConns:          8,
		SourcesFile:         sourcesFile,
		LLMTimeout:          5 * time.Second,
		CycleInterval:       12 * time.Hour,
		CycleMaxRetries:     3,
		CycleRetryDelay:     5 * time.Minute,
		CycleTimeout:        time.Minute,
		FetchTimeout:        5 * time.Second,
		ExcerptLimit:        10,
		DedupTitleThreshold: 0.85,
		DedupURLThreshold:   0.9,
		DuplicateRetention:  7 * 24 * time.Hour,
		RecomputeTopN:       50,
		HTTPHost:            "127.0.0.1",
		HTTPPort:            8090,
	}
}

func writeSources(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write sources file: %v", err)
	}
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := Run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if code := Run(nil); code != 2 {
		t.Fatalf("unexpected exit code without args: %d", code)
	}
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("unexpected exit code for help: %d", code)
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	got, err := parseOutputFormat(" JSON ", outputFormatTable)
	if err != nil || got != outputFormatJSON {
		t.Fatalf("parseOutputFormat() = %q, %v", got, err)
	}
	got, err = parseOutputFormat("", outputFormatTable)
	if err != nil || got != outputFormatTable {
		t.Fatalf("parseOutputFormat() default = %q, %v", got, err)
	}
	if _, err := parseOutputFormat("yaml", outputFormatTable); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestTruncateForTable(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("Hurricane Milton losses", 12); got != "Hurricane..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := truncateForTable("  short  ", 12); got != "short" {
		t.Fatalf("unexpected short value: %q", got)
	}
}

func TestNewServicesToleratesMissingSourcesFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	svc, err := newServices(context.Background(), cfg, store.NewMemory(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newServices() error = %v", err)
	}
	defer svc.Close()

	jobs := svc.jobs()
	if jobs.Ingest == nil || jobs.Watchdog == nil || jobs.Recompute == nil || jobs.Cleanup == nil {
		t.Fatalf("expected every daemon job to be wired: %+v", jobs)
	}
}

func TestNewServicesRejectsInvalidSourcesFile(t *testing.T) {
	t.Parallel()

	path := writeSources(t, "sources:\n  - id: broken\n    type: rss\n")
	if _, err := newServices(context.Background(), testConfig(path), store.NewMemory(), zerolog.Nop()); err == nil {
		t.Fatalf("expected error for source without url")
	}
}

const e2eRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Carrier Wire</title>
<item><title>Florida regulator orders review of Citizens rate filing</title><link>%[1]s/story/citizens</link>
<description>The Florida Office of Insurance Regulation ordered a review of the Citizens Property Insurance rate filing.</description>
<pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate></item>
<item><title>Swiss Re prices record catastrophe bond</title><link>%[1]s/story/catbond</link>
<description>Swiss Re priced a record catastrophe bond covering US hurricane and earthquake risk.</description>
<pubDate>Mon, 02 Mar 2026 11:00:00 GMT</pubDate></item>
<item><title>Florida regulator orders review of Citizens rate filing</title><link>%[1]s/story/citizens?utm_source=rss</link>
<description>Duplicate syndication of the Citizens story.</description>
<pubDate>Mon, 02 Mar 2026 10:05:00 GMT</pubDate></item>
</channel></rss>`

func TestRunNowIngestsFromRegistry(t *testing.T) {
	t.Parallel()

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rss" {
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprintf(w, e2eRSS, srvURL)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Full story text for the article body.")
	}))
	defer srv.Close()
	srvURL = srv.URL

	path := writeSources(t, fmt.Sprintf(`sources:
  - id: wire
    name: Carrier Wire
    url: %s/rss
    type: rss
    trust_score: 80
`, srv.URL))

	mem := store.NewMemory()
	svc, err := newServices(context.Background(), testConfig(path), mem, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServices() error = %v", err)
	}
	defer svc.Close()

	c, err := svc.runner.RunNow(context.Background(), store.TriggerManual)
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if c.Status != store.CycleCompleted {
		t.Fatalf("expected completed cycle, got %s (%s)", c.Status, c.LastError)
	}
	if c.Metrics == nil || c.Metrics.Processed != 2 || c.Metrics.Duplicates != 1 {
		t.Fatalf("unexpected metrics: %+v", c.Metrics)
	}

	n, err := mem.CountArticles(context.Background(), store.ArticleQuery{ExcludeDuplicates: true})
	if err != nil {
		t.Fatalf("CountArticles() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stored articles, got %d", n)
	}

	snap, err := svc.reporter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.LastCycle == nil || snap.LastCycle.ID != c.ID {
		t.Fatalf("expected snapshot to report the completed cycle, got %+v", snap.LastCycle)
	}
}

func TestAwaitCycleReturnsTerminalState(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	c := store.NewCycle("done", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), store.TriggerManual, 3)
	c.Status = store.CycleFailed
	if err := mem.InsertCycle(context.Background(), c); err != nil {
		t.Fatalf("InsertCycle() error = %v", err)
	}
	svc := &services{store: mem}
	got := svc.awaitCycle(context.Background(), "done", time.Millisecond)
	if got.Status != store.CycleFailed {
		t.Fatalf("unexpected status: %s", got.Status)
	}
}
