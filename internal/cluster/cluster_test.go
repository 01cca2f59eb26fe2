package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/store"
)

var testNow = time.Date(2026, 8, 14, 18, 0, 0, 0, time.UTC)

func TestKeyFormat(t *testing.T) {
	t.Parallel()

	a := store.Article{
		Title:         "Hurricane Erin: Florida insurers brace for big losses, says Fitch",
		NormalizedURL: "https://insurancejournal.com/news/erin",
		PublishedAt:   time.Date(2026, 8, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600)),
		Tags:          store.Tags{Regions: []string{"South East"}},
	}
	want := "hurricane_erin_florida_insurers_brace_insurancejournal.com_south-east_2026-08-15"
	if got := Key(a); got != want {
		t.Fatalf("unexpected key: got %q want %q", got, want)
	}

	a.Tags.Regions = nil
	if got := Key(a); got != "hurricane_erin_florida_insurers_brace_insurancejournal.com_national_2026-08-15" {
		t.Fatalf("expected national fallback, got %q", got)
	}
}

func TestCompositeScoreBounds(t *testing.T) {
	t.Parallel()

	a := store.Article{
		Title:          "Chubb acts now",
		PublishedAt:    testNow,
		Tags:           store.Tags{Companies: []string{"Chubb"}},
		Classification: &store.Classification{Severity: 5, Actionability: store.ActionNow, Confidence: 1},
	}
	got := CompositeScore(a, 100, []string{"chubb"}, testNow)
	if got != 100 {
		t.Fatalf("expected maxed composite score, got %.1f", got)
	}
	plain := CompositeScore(store.Article{PublishedAt: testNow.Add(-96 * time.Hour)}, 0, nil, testNow)
	if plain <= 0 || plain >= 10 {
		t.Fatalf("unexpected plain composite score: %.1f", plain)
	}
}

func TestRunPropagatesPrimaryScore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemory()
	published := testNow.Add(-2 * time.Hour)
	articles := []store.Article{
		{ID: "weak", Title: "Allstate reports catastrophe losses July", URL: "https://news.example/a?x=1", NormalizedURL: "https://news.example/a?x=1", SourceID: "low", PublishedAt: published, IngestedAt: published},
		{ID: "strong", Title: "Allstate reports catastrophe losses July", URL: "https://news.example/a?x=2", NormalizedURL: "https://news.example/a?x=2", SourceID: "high", PublishedAt: published, IngestedAt: published,
			Classification: &store.Classification{Severity: 4, Actionability: store.ActionReview, Confidence: 0.9}},
		{ID: "other", Title: "Travelers names chief actuary", URL: "https://news.example/b", NormalizedURL: "https://news.example/b", SourceID: "low", PublishedAt: published, IngestedAt: published},
	}
	for _, a := range articles {
		if err := mem.InsertArticle(ctx, a); err != nil {
			t.Fatalf("InsertArticle() error = %v", err)
		}
	}

	engine := NewEngine(mem, Config{}, zerolog.Nop()).WithClock(globaltime.Fixed(testNow))
	clusters, err := engine.Run(ctx, articles, map[string]float64{"low": 20, "high": 90})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("unexpected cluster count: %d", len(clusters))
	}
	first := clusters[0]
	if first.PrimaryID != "strong" || len(first.ArticleIDs) != 2 {
		t.Fatalf("unexpected first cluster: %+v", first)
	}

	weak, _ := mem.GetArticle(ctx, "weak")
	strong, _ := mem.GetArticle(ctx, "strong")
	if weak.ClusterKey != first.Key || strong.ClusterKey != first.Key {
		t.Fatalf("expected shared cluster key, got %q and %q", weak.ClusterKey, strong.ClusterKey)
	}
	if weak.ClusterScore != first.Score || strong.ClusterScore != first.Score {
		t.Fatalf("expected members to inherit primary cluster score %.1f, got %.1f/%.1f", first.Score, weak.ClusterScore, strong.ClusterScore)
	}
	if weak.Score != 0 || strong.Score != 0 || len(weak.ScoreHistory) != 0 {
		t.Fatalf("clustering must not touch article scores: %.1f/%.1f %+v", weak.Score, strong.Score, weak.ScoreHistory)
	}
}

func TestKeyStripsPunctuationBeforeSplitting(t *testing.T) {
	t.Parallel()

	a := store.Article{
		Title:         "Lloyd's Q2: re-insurers' profits surge",
		NormalizedURL: "https://artemis.bm/news/lloyds",
		PublishedAt:   testNow,
	}
	want := "lloyds_reinsurers_profits_surge_artemis.bm_national_2026-08-14"
	if got := Key(a); got != want {
		t.Fatalf("unexpected key: got %q want %q", got, want)
	}
}

func TestBuildSkipsDuplicates(t *testing.T) {
	t.Parallel()

	engine := NewEngine(store.NewMemory(), Config{}, zerolog.Nop())
	clusters := engine.Build([]store.Article{
		{ID: "dup", Title: "Duplicate story", IsDuplicate: true, DuplicateOf: "x", PublishedAt: testNow},
	}, nil, testNow)
	if len(clusters) != 0 {
		t.Fatalf("expected duplicates to be skipped, got %+v", clusters)
	}
}
