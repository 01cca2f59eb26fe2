package dedup

import (
	"context"
	"fmt"
	"time"

	"horse.fit/carriersignal/internal/store"
)

type CleanupResult struct {
	Scanned int `json:"scanned"`
	Groups  int `json:"groups"`
	Marked  int `json:"marked"`
}

// Cleanup groups non-duplicate articles ingested within the cleanup window by
// normalized URL. In every group with more than one member the earliest
// ingested article survives and the rest are marked duplicates of it in a
// single batch write.
func (e *Engine) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	recent, err := e.articles.QueryArticles(ctx, store.ArticleQuery{
		IngestedAfter:     now.Add(-e.cfg.CleanupWindow),
		ExcludeDuplicates: true,
		Order:             store.OrderIngestedAsc,
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("load recent articles: %w", err)
	}

	result := CleanupResult{Scanned: len(recent)}
	survivors := make(map[string]string, len(recent))
	grouped := make(map[string]bool)
	patches := make([]store.ArticlePatch, 0)

	yes := true
	markedAt := now.UTC()
	for _, a := range recent {
		if a.NormalizedURL == "" {
			continue
		}
		keep, seen := survivors[a.NormalizedURL]
		if !seen {
			survivors[a.NormalizedURL] = a.ID
			continue
		}
		if !grouped[a.NormalizedURL] {
			grouped[a.NormalizedURL] = true
			result.Groups++
		}
		of := keep
		patches = append(patches, store.ArticlePatch{
			ID: a.ID,
			Update: store.ArticleUpdate{
				IsDuplicate:       &yes,
				DuplicateOf:       &of,
				DuplicateMarkedAt: &markedAt,
			},
		})
	}

	if len(patches) == 0 {
		return result, nil
	}
	if err := e.articles.BatchUpdateArticles(ctx, patches); err != nil {
		return result, fmt.Errorf("mark duplicates: %w", err)
	}
	result.Marked = len(patches)

	e.logger.Info().
		Int("scanned", result.Scanned).
		Int("groups", result.Groups).
		Int("marked", result.Marked).
		Msg("duplicate cleanup completed")
	return result, nil
}

// Purge deletes duplicate-marked articles whose mark is older than retention.
func (e *Engine) Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	stale, err := e.articles.QueryArticles(ctx, store.ArticleQuery{
		OnlyDuplicates:        true,
		DuplicateMarkedBefore: now.Add(-retention),
	})
	if err != nil {
		return 0, fmt.Errorf("load expired duplicates: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	for _, a := range stale {
		ids = append(ids, a.ID)
	}
	deleted, err := e.articles.DeleteArticles(ctx, ids)
	if err != nil {
		return deleted, fmt.Errorf("delete expired duplicates: %w", err)
	}
	e.logger.Info().Int("deleted", deleted).Dur("retention", retention).Msg("expired duplicates purged")
	return deleted, nil
}
