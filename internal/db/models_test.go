package db

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"horse.fit/carriersignal/internal/store"
)

func sampleArticle() store.Article {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return store.Article{
		ID:            "a1",
		URL:           "https://www.insurancejournal.com/news/national/2026/03/02/storm.htm",
		NormalizedURL: "insurancejournal.com/news/national/2026/03/02/storm.htm",
		Title:         "Reinsurers brace for April renewals",
		PublishedAt:   at,
		SourceID:      "insurance-journal",
		SourceName:    "Insurance Journal",
		Tags: store.Tags{
			LinesOfBusiness: []string{"property"},
			Companies:       []string{"Swiss Re"},
		},
		Classification: &store.Classification{
			Severity:      3,
			Actionability: store.ActionReview,
			Confidence:    0.7,
			Method:        "heuristic",
		},
		Score:        42.5,
		ScoreHistory: []store.ScoreEntry{{At: at, Score: 42.5, Delta: 42.5, Reason: "initial"}},
		ContentHash:  "abc",
		IngestedAt:   at,
		UpdatedAt:    at,
	}
}

func TestArticleRowConversionKeepsNestedFields(t *testing.T) {
	t.Parallel()

	row, err := articleToRow(sampleArticle())
	if err != nil {
		t.Fatalf("articleToRow() error = %v", err)
	}
	if row.DuplicateOf != nil {
		t.Fatalf("expected nil duplicate_of for original article, got %q", *row.DuplicateOf)
	}
	if row.Engagement != nil {
		t.Fatalf("expected nil engagement column, got %s", row.Engagement)
	}

	got, err := row.toArticle()
	if err != nil {
		t.Fatalf("toArticle() error = %v", err)
	}
	if got.Classification == nil || got.Classification.Actionability != store.ActionReview {
		t.Fatalf("classification not restored: %+v", got.Classification)
	}
	if len(got.Tags.Companies) != 1 || got.Tags.Companies[0] != "Swiss Re" {
		t.Fatalf("tags not restored: %+v", got.Tags)
	}
	if len(got.ScoreHistory) != 1 || got.ScoreHistory[0].Reason != "initial" {
		t.Fatalf("score history not restored: %+v", got.ScoreHistory)
	}
}

func TestArticleRowRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	row, err := articleToRow(sampleArticle())
	if err != nil {
		t.Fatalf("articleToRow() error = %v", err)
	}

	broken := row
	broken.Tags = json.RawMessage(`{"lob":`)
	if _, err := broken.toArticle(); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for corrupt tags, got %v", err)
	}

	dup := row
	dup.IsDuplicate = true
	if _, err := dup.toArticle(); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for duplicate without parent, got %v", err)
	}
}

func TestCycleRowConversion(t *testing.T) {
	t.Parallel()

	c := store.NewCycle("c1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), store.TriggerScheduled, 3)
	row, err := cycleToRow(c)
	if err != nil {
		t.Fatalf("cycleToRow() error = %v", err)
	}
	if row.Metrics != nil {
		t.Fatalf("expected nil metrics column, got %s", row.Metrics)
	}
	got, err := row.toCycle()
	if err != nil {
		t.Fatalf("toCycle() error = %v", err)
	}
	if len(got.Phases) != 2 || got.Phases[0].Name != store.PhaseFetch {
		t.Fatalf("phases not restored: %+v", got.Phases)
	}

	row.Status = "paused"
	if _, err := row.toCycle(); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for unknown status, got %v", err)
	}
}

func TestArticleSelectSQL(t *testing.T) {
	t.Parallel()

	query, args, err := articleSelectSQL(store.ArticleQuery{
		SourceID:          "artemis",
		ExcludeDuplicates: true,
		Order:             store.OrderScoreDesc,
		Limit:             5,
	})
	if err != nil {
		t.Fatalf("articleSelectSQL() error = %v", err)
	}
	for _, want := range []string{
		"FROM signal.articles",
		"source_id = ?",
		"is_duplicate = ?",
		"ORDER BY score DESC, published_at DESC",
		"LIMIT 5",
	} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
	if strings.Contains(query, "$1") {
		t.Fatalf("expected question placeholders for gorm, got %q", query)
	}
	if len(args) != 2 || args[0] != "artemis" || args[1] != false {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestArticleCountSQLHasNoOrdering(t *testing.T) {
	t.Parallel()

	query, _, err := articleCountSQL(store.ArticleQuery{OnlyDuplicates: true, Limit: 3})
	if err != nil {
		t.Fatalf("articleCountSQL() error = %v", err)
	}
	if !strings.HasPrefix(query, "SELECT COUNT(*) FROM signal.articles") {
		t.Fatalf("unexpected count query %q", query)
	}
	if strings.Contains(query, "ORDER BY") || strings.Contains(query, "LIMIT") {
		t.Fatalf("count query should not order or limit: %q", query)
	}
}

func TestCycleSelectSQL(t *testing.T) {
	t.Parallel()

	before := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	query, args, err := cycleSelectSQL(store.CycleQuery{
		Statuses:        []store.CycleStatus{store.CycleScheduled, store.CycleRunning},
		ScheduledBefore: before,
	})
	if err != nil {
		t.Fatalf("cycleSelectSQL() error = %v", err)
	}
	if !strings.Contains(query, "status IN (?,?)") {
		t.Fatalf("expected IN clause, got %q", query)
	}
	if !strings.Contains(query, "scheduled_at < ?") {
		t.Fatalf("expected scheduled_at bound, got %q", query)
	}
	if !strings.HasSuffix(query, "ORDER BY scheduled_at DESC, id DESC") {
		t.Fatalf("unexpected ordering in %q", query)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %#v", args)
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		env   string
		want  logger.LogLevel
	}{
		{level: "debug", want: logger.Info},
		{level: "info", want: logger.Warn},
		{level: "error", want: logger.Error},
		{level: "silent", want: logger.Silent},
		{level: "loud", env: "local", want: logger.Warn},
		{level: "loud", env: "production", want: logger.Error},
	}
	for _, tc := range tests {
		if got := resolveGormLogLevel(tc.level, tc.env); got != tc.want {
			t.Fatalf("resolveGormLogLevel(%q, %q) = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}
}
