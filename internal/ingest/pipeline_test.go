package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/classify"
	"horse.fit/carriersignal/internal/cluster"
	"horse.fit/carriersignal/internal/cycle"
	"horse.fit/carriersignal/internal/dedup"
	"horse.fit/carriersignal/internal/feed"
	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/normalize"
	"horse.fit/carriersignal/internal/scoring"
	"horse.fit/carriersignal/internal/sources"
	"horse.fit/carriersignal/internal/store"
)

var ingestNow = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

type stubClient struct {
	mu    sync.Mutex
	items map[string][]feed.Item
	errs  map[string]error
	calls int
}

func (c *stubClient) Fetch(_ context.Context, src store.Source) ([]feed.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[src.ID]; err != nil {
		return nil, err
	}
	return c.items[src.ID], nil
}

type stubExtractor struct {
	calls int
}

func (e *stubExtractor) Extract(_ context.Context, pageURL string) (string, error) {
	e.calls++
	return "Extracted body for " + pageURL, nil
}

func item(title, link string) feed.Item {
	published := ingestNow.Add(-2 * time.Hour)
	return feed.Item{Title: title, Link: link, PublishedAt: &published, Content: "<p>" + title + " according to filings.</p>"}
}

func tenItems() []feed.Item {
	return []feed.Item{
		item("Florida regulators approve Citizens homeowners rate filing", "https://carriers.example/2026/05/florida-citizens-rate-filing"),
		item("Reinsurance renewals soften as capital floods the market", "https://carriers.example/markets/june-renewals-soften"),
		item("State Farm pauses new auto policies in California", "https://carriers.example/auto/state-farm-california-pause"),
		item("Hurricane season forecast raises catastrophe bond spreads", "https://carriers.example/cat/forecast-cat-bond-spreads"),
		item("NAIC adopts model law on AI underwriting governance", "https://carriers.example/regulation/naic-ai-model-law"),
		item("Cyber insurance claims climb after ransomware wave", "https://carriers.example/cyber/claims-ransomware-wave"),
		item("Texas hailstorm losses expected to top two billion", "https://carriers.example/cat/texas-hail-losses"),
		// the last three were stored by an earlier cycle: tracking parameters,
		// www with a trailing slash, and an exact link
		item("Social inflation keeps pushing up liability verdicts", "https://carriers.example/claims/social-inflation-verdicts?utm_source=rss&utm_medium=feed"),
		item("Personal lines combined ratio improves in first quarter", "https://www.carriers.example/markets/q1-combined-ratio/"),
		item("Lloyd's market reports record underwriting profit", "https://carriers.example/london/lloyds-record-profit"),
	}
}

type fixture struct {
	mem      *store.Memory
	client   *stubClient
	pipeline *Pipeline
	orch     *cycle.Orchestrator
}

func newFixture(t *testing.T, client *stubClient, extractor Extractor) fixture {
	t.Helper()
	ctx := context.Background()
	clock := globaltime.Fixed(ingestNow)
	logger := zerolog.Nop()
	mem := store.NewMemory()

	registry := sources.NewRegistry(mem, logger)
	if _, err := registry.Sync(ctx, []store.Source{
		{ID: "wire", Name: "Carrier Wire", URL: "https://carriers.example/rss", Type: store.SourceRSS, TrustScore: 80, Active: true},
	}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	seq := 0
	pipeline := NewPipeline(Deps{
		Articles:   mem,
		Registry:   registry,
		Fetcher:    feed.NewFetcher(client, mem, 0, logger).WithClock(clock),
		Dedup:      dedup.NewEngine(mem, dedup.DefaultConfig(), logger).WithClock(clock),
		Classifier: classify.Heuristic{},
		Clusters:   cluster.NewEngine(mem, cluster.Config{Watchlist: []string{"citizens"}}, logger).WithClock(clock),
		Extractor:  extractor,
	}, Config{ExcerptFetchLimit: 1}, logger).
		WithClock(clock).
		WithIDs(func() string {
			seq++
			return fmt.Sprintf("art-%02d", seq)
		})

	orch := cycle.NewOrchestrator(mem, mem, cycle.DefaultConfig(), logger).
		WithClock(clock).
		WithDelayer(noopDelayer{})
	return fixture{mem: mem, client: client, pipeline: pipeline, orch: orch}
}

type noopDelayer struct{}

func (noopDelayer) After(time.Duration, func()) func() bool { return func() bool { return true } }

// seedExisting stores the three articles whose links reappear at the end of
// tenItems.
func seedExisting(t *testing.T, mem *store.Memory) {
	t.Helper()
	existing := []struct{ id, title, link string }{
		{"existing-1", "Social inflation drives larger liability awards", "https://carriers.example/claims/social-inflation-verdicts"},
		{"existing-2", "Q1 personal lines results beat expectations", "https://carriers.example/markets/q1-combined-ratio"},
		{"existing-3", "Lloyd's market reports record underwriting profit", "https://carriers.example/london/lloyds-record-profit"},
	}
	for _, e := range existing {
		normalized := normalize.URL(e.link)
		err := mem.InsertArticle(context.Background(), store.Article{
			ID:            e.id,
			URL:           e.link,
			NormalizedURL: normalized,
			Title:         e.title,
			SourceID:      "wire",
			ContentHash:   normalize.ContentHash(e.title, normalized, "wire"),
			PublishedAt:   ingestNow.Add(-20 * time.Hour),
			IngestedAt:    ingestNow.Add(-20 * time.Hour),
		})
		if err != nil {
			t.Fatalf("InsertArticle() error = %v", err)
		}
	}
}

func TestFetchPhaseSkipsDuplicates(t *testing.T) {
	t.Parallel()

	client := &stubClient{items: map[string][]feed.Item{"wire": tenItems()}}
	fx := newFixture(t, client, nil)
	seedExisting(t, fx.mem)

	res, err := fx.pipeline.FetchPhase(context.Background())
	if err != nil {
		t.Fatalf("FetchPhase() error = %v", err)
	}
	if res.Metrics.Processed != 7 || res.Metrics.Skipped != 3 || res.Metrics.Duplicates != 3 || res.Metrics.Errored != 0 {
		t.Fatalf("unexpected metrics: %+v", res.Metrics)
	}
	if len(res.Articles) != 7 {
		t.Fatalf("expected 7 persisted articles, got %d", len(res.Articles))
	}

	total, err := fx.mem.CountArticles(context.Background(), store.ArticleQuery{})
	if err != nil {
		t.Fatalf("CountArticles() error = %v", err)
	}
	if total != 10 {
		t.Fatalf("expected 10 stored articles, got %d", total)
	}

	src, err := fx.mem.GetSource(context.Background(), "wire")
	if err != nil {
		t.Fatalf("GetSource() error = %v", err)
	}
	if src.SuccessCount != 1 || src.LastFetchAt == nil {
		t.Fatalf("fetch outcome not recorded: %+v", src)
	}
}

func TestFetchPhaseCountsMissingFieldsAsSkipped(t *testing.T) {
	t.Parallel()

	items := []feed.Item{
		item("", "https://carriers.example/untitled"),
		item("No link at all", ""),
		item("Workers comp rates fall for the tenth straight year", "https://carriers.example/wc/rates-fall"),
	}
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": items}}, nil)

	res, err := fx.pipeline.FetchPhase(context.Background())
	if err != nil {
		t.Fatalf("FetchPhase() error = %v", err)
	}
	if res.Metrics.Processed != 1 || res.Metrics.Skipped != 2 || res.Metrics.Duplicates != 0 {
		t.Fatalf("unexpected metrics: %+v", res.Metrics)
	}
}

func TestFetchPhaseFillsMissingExcerptWithinLimit(t *testing.T) {
	t.Parallel()

	first := item("Insurer exits Louisiana after storm losses", "https://carriers.example/la/insurer-exits")
	first.Content = ""
	second := item("Commercial property rates flatten in second quarter", "https://carriers.example/cp/rates-flatten")
	second.Content = ""
	extractor := &stubExtractor{}
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": {first, second}}}, extractor)

	res, err := fx.pipeline.FetchPhase(context.Background())
	if err != nil {
		t.Fatalf("FetchPhase() error = %v", err)
	}
	if extractor.calls != 1 {
		t.Fatalf("expected one extraction, got %d", extractor.calls)
	}
	if res.Articles[0].Excerpt == "" || res.Articles[1].Excerpt != "" {
		t.Fatalf("unexpected excerpts: %q / %q", res.Articles[0].Excerpt, res.Articles[1].Excerpt)
	}
}

func TestFetchPhaseFailsWhenEverySourceFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &stubClient{errs: map[string]error{"wire": feed.ErrTimeout}}, nil)

	res, err := fx.pipeline.FetchPhase(context.Background())
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
	if res.FailedSources != 1 || res.Metrics.Errored != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEnrichPhaseClassifiesScoresAndClusters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": tenItems()[:7]}}, nil)

	fetched, err := fx.pipeline.FetchPhase(ctx)
	if err != nil {
		t.Fatalf("FetchPhase() error = %v", err)
	}
	res, err := fx.pipeline.EnrichPhase(ctx, fetched.Articles)
	if err != nil {
		t.Fatalf("EnrichPhase() error = %v", err)
	}
	if res.Classified != 7 || res.Clusters == 0 {
		t.Fatalf("unexpected enrich result: %+v", res)
	}

	stored, err := fx.mem.QueryArticles(ctx, store.ArticleQuery{})
	if err != nil {
		t.Fatalf("QueryArticles() error = %v", err)
	}
	for _, a := range stored {
		if a.Classification == nil || a.Classification.Method != classify.MethodHeuristic {
			t.Fatalf("article %s not classified", a.ID)
		}
		if a.ClusterKey == "" || a.ClusterScore <= 0 {
			t.Fatalf("article %s not clustered: cluster=%v key=%q", a.ID, a.ClusterScore, a.ClusterKey)
		}
		want := scoring.Score(a, nil, 80, ingestNow).Final
		if a.Score != want {
			t.Fatalf("article %s: expected persisted score %.1f from the scoring engine, got %.1f", a.ID, want, a.Score)
		}
		if len(a.ScoreHistory) != 1 || a.ScoreHistory[0].Reason != scoring.ReasonInitial {
			t.Fatalf("expected a single initial history entry, got %+v", a.ScoreHistory)
		}
	}
}

func TestRunnerCompletesCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": tenItems()}}, nil)
	seedExisting(t, fx.mem)
	runner := NewRunner(fx.orch, fx.pipeline, zerolog.Nop())

	c, err := runner.RunNow(ctx, store.TriggerManual)
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if c.Status != store.CycleCompleted || c.Metrics == nil {
		t.Fatalf("unexpected cycle: %+v", c)
	}
	if c.Metrics.Processed != 7 || c.Metrics.Skipped != 3 || c.Metrics.Duplicates != 3 {
		t.Fatalf("unexpected metrics: %+v", c.Metrics)
	}
	for _, p := range c.Phases {
		if p.Status != store.PhaseCompleted {
			t.Fatalf("unexpected phase: %+v", p)
		}
	}
}

func TestRunnerFailedCycleEntersRetrying(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, &stubClient{errs: map[string]error{"wire": feed.ErrStatus}}, nil)
	runner := NewRunner(fx.orch, fx.pipeline, zerolog.Nop())

	c, err := runner.RunNow(ctx, store.TriggerScheduled)
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
	if c.Status != store.CycleRetrying || c.RetryCount != 1 {
		t.Fatalf("unexpected cycle: %+v", c)
	}
	if c.Phases[0].Status != store.PhaseFailed || c.Phases[1].Status != store.PhasePending {
		t.Fatalf("unexpected phases: %+v", c.Phases)
	}
}

func TestRunnerTriggerRejectsOverlap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": tenItems()[:2]}}, nil)
	runner := NewRunner(fx.orch, fx.pipeline, zerolog.Nop())

	runner.exec.Lock()
	if _, err := runner.Trigger(ctx, store.TriggerManual); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	runner.exec.Unlock()

	c, err := runner.Trigger(ctx, store.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	runner.Wait()

	got, err := fx.mem.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCycle() error = %v", err)
	}
	if got.Status != store.CycleCompleted {
		t.Fatalf("unexpected status: %s", got.Status)
	}
}

func TestRunnerRefusesBackgroundWorkAfterWait(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, &stubClient{items: map[string][]feed.Item{"wire": tenItems()[:2]}}, nil)
	runner := NewRunner(fx.orch, fx.pipeline, zerolog.Nop())
	runner.Wait()

	if _, err := runner.Trigger(ctx, store.TriggerManual); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("expected ErrRunnerClosed, got %v", err)
	}
	runner.retry(ctx, "cycle-after-shutdown")
	runner.Wait()

	cycles, err := fx.mem.ListCycles(ctx, store.CycleQuery{})
	if err != nil {
		t.Fatalf("ListCycles() error = %v", err)
	}
	if len(cycles) != 0 {
		t.Fatalf("expected no cycles after shutdown, got %d", len(cycles))
	}
	if fx.client.calls != 0 {
		t.Fatalf("expected no fetches after shutdown, got %d", fx.client.calls)
	}
	if !runner.exec.TryLock() {
		t.Fatalf("expected exec lock to be released")
	}
	runner.exec.Unlock()
}
