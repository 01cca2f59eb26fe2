package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testArticle(id, url string, ingested time.Time) Article {
	return Article{
		ID:            id,
		URL:           url,
		NormalizedURL: url,
		Title:         "Title " + id,
		PublishedAt:   ingested,
		SourceID:      "src",
		IngestedAt:    ingested,
	}
}

func TestMemoryInsertRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := m.InsertArticle(ctx, testArticle("a1", "https://example.com/a", now)); err != nil {
		t.Fatalf("InsertArticle() error = %v", err)
	}
	err := m.InsertArticle(ctx, testArticle("a1", "https://example.com/b", now))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryBatchUpdateIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := m.InsertArticle(ctx, testArticle("a1", "https://example.com/a", now)); err != nil {
		t.Fatalf("InsertArticle() error = %v", err)
	}

	key := "cluster-key"
	err := m.BatchUpdateArticles(ctx, []ArticlePatch{
		{ID: "a1", Update: ArticleUpdate{ClusterKey: &key}},
		{ID: "missing", Update: ArticleUpdate{ClusterKey: &key}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := m.GetArticle(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.ClusterKey != "" {
		t.Fatalf("expected no partial write, got cluster key %q", got.ClusterKey)
	}
}

func TestMemoryUpdateClampsScore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := m.InsertArticle(ctx, testArticle("a1", "https://example.com/a", now)); err != nil {
		t.Fatalf("InsertArticle() error = %v", err)
	}
	score := 140.0
	if err := m.UpdateArticle(ctx, "a1", ArticleUpdate{Score: &score}); err != nil {
		t.Fatalf("UpdateArticle() error = %v", err)
	}
	got, _ := m.GetArticle(ctx, "a1")
	if got.Score != MaxScore {
		t.Fatalf("unexpected score: got %.1f want %.1f", got.Score, MaxScore)
	}
}

func TestMemoryUpdateCycleComparesStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	c := NewCycle("c1", now, TriggerScheduled, 3)
	if err := m.InsertCycle(ctx, c); err != nil {
		t.Fatalf("InsertCycle() error = %v", err)
	}

	running := c.Clone()
	running.Status = CycleRunning
	if err := m.UpdateCycle(ctx, running, CycleScheduled); err != nil {
		t.Fatalf("UpdateCycle() error = %v", err)
	}

	stale := c.Clone()
	stale.Status = CycleFailed
	err := m.UpdateCycle(ctx, stale, CycleScheduled)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestMemoryQueryArticlesOrdersAndLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		a := testArticle(id, "https://example.com/"+id, base.Add(time.Duration(i)*time.Hour))
		a.Score = float64(10 * (3 - i))
		if err := m.InsertArticle(ctx, a); err != nil {
			t.Fatalf("InsertArticle() error = %v", err)
		}
	}

	got, err := m.QueryArticles(ctx, ArticleQuery{Order: OrderScoreDesc, Limit: 2})
	if err != nil {
		t.Fatalf("QueryArticles() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}

	got, _ = m.QueryArticles(ctx, ArticleQuery{IngestedAfter: base.Add(30 * time.Minute), Order: OrderIngestedAsc})
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("unexpected ingested window result: %+v", got)
	}
}

func TestUpsertSourceKeepsCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	src := Source{ID: "s1", Name: "Feed", URL: "https://example.com/rss", Type: SourceRSS, TrustScore: 70, Active: true}
	if err := m.UpsertSource(ctx, src); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := m.RecordFetch(ctx, FetchOutcome{SourceID: "s1", At: at, Err: errors.New("timeout")}); err != nil {
		t.Fatalf("RecordFetch() error = %v", err)
	}

	src.Name = "Renamed"
	if err := m.UpsertSource(ctx, src); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}
	got, _ := m.GetSource(ctx, "s1")
	if got.Name != "Renamed" || got.ConsecutiveErrors != 1 || got.FailureCount != 1 || got.LastError != "timeout" {
		t.Fatalf("unexpected source after resync: %+v", got)
	}
}

func TestAppendHistoryIsBounded(t *testing.T) {
	t.Parallel()

	var history []ScoreEntry
	for i := 0; i < ScoreHistoryLimit+5; i++ {
		history = AppendHistory(history, ScoreEntry{Score: float64(i)})
	}
	if len(history) != ScoreHistoryLimit {
		t.Fatalf("unexpected history length: %d", len(history))
	}
	if history[0].Score != 5 {
		t.Fatalf("expected oldest entries dropped, first=%.0f", history[0].Score)
	}
}
