// Package store defines the document store contract used by every ingestion
// component, the typed records that cross it, and an in-memory
// implementation. The postgres implementation lives in internal/db.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("record already exists")
	ErrStatusConflict = errors.New("cycle status changed concurrently")
	ErrInvalidRecord  = errors.New("invalid record")
)

type ArticleOrder int

const (
	OrderPublishedDesc ArticleOrder = iota
	OrderScoreDesc
	OrderIngestedAsc
	OrderIngestedDesc
)

// ArticleQuery filters articles. Zero values mean "no constraint".
type ArticleQuery struct {
	SourceID              string
	NormalizedURL         string
	ContentHash           string
	KeyTermsHash          string
	PublishedAfter        time.Time
	IngestedAfter         time.Time
	IngestedBefore        time.Time
	ExcludeDuplicates     bool
	OnlyDuplicates        bool
	DuplicateMarkedBefore time.Time
	Order                 ArticleOrder
	Limit                 int
}

// ArticleUpdate is a partial update; nil fields are left unchanged.
type ArticleUpdate struct {
	Excerpt           *string
	Summary           *string
	Tags              *Tags
	Category          *string
	Sentiment         *string
	Classification    *Classification
	Score             *float64
	ScoredAt          *time.Time
	ScoreHistory      []ScoreEntry
	IsDuplicate       *bool
	DuplicateOf       *string
	DuplicateMarkedAt *time.Time
	ClusterKey        *string
	ClusterScore      *float64
	Engagement        *Engagement
}

// Apply writes the non-nil fields of u onto a.
func (u ArticleUpdate) Apply(a *Article) {
	if u.Excerpt != nil {
		a.Excerpt = *u.Excerpt
	}
	if u.Summary != nil {
		a.Summary = *u.Summary
	}
	if u.Tags != nil {
		a.Tags = *u.Tags
	}
	if u.Category != nil {
		a.Category = *u.Category
	}
	if u.Sentiment != nil {
		a.Sentiment = *u.Sentiment
	}
	if u.Classification != nil {
		c := *u.Classification
		a.Classification = &c
	}
	if u.Score != nil {
		a.Score = ClampScore(*u.Score)
	}
	if u.ScoredAt != nil {
		a.ScoredAt = TimePtr(*u.ScoredAt)
	}
	if u.ScoreHistory != nil {
		a.ScoreHistory = append([]ScoreEntry(nil), u.ScoreHistory...)
	}
	if u.IsDuplicate != nil {
		a.IsDuplicate = *u.IsDuplicate
	}
	if u.DuplicateOf != nil {
		a.DuplicateOf = *u.DuplicateOf
	}
	if u.DuplicateMarkedAt != nil {
		a.DuplicateMarkedAt = TimePtr(*u.DuplicateMarkedAt)
	}
	if u.ClusterKey != nil {
		a.ClusterKey = *u.ClusterKey
	}
	if u.ClusterScore != nil {
		a.ClusterScore = ClampScore(*u.ClusterScore)
	}
	if u.Engagement != nil {
		e := *u.Engagement
		a.Engagement = &e
	}
}

// ArticlePatch pairs an article id with its partial update for batch writes.
type ArticlePatch struct {
	ID     string
	Update ArticleUpdate
}

type ArticleStore interface {
	InsertArticle(ctx context.Context, a Article) error
	GetArticle(ctx context.Context, id string) (Article, error)
	QueryArticles(ctx context.Context, q ArticleQuery) ([]Article, error)
	CountArticles(ctx context.Context, q ArticleQuery) (int64, error)
	UpdateArticle(ctx context.Context, id string, u ArticleUpdate) error
	// BatchUpdateArticles applies every patch or none of them.
	BatchUpdateArticles(ctx context.Context, patches []ArticlePatch) error
	DeleteArticles(ctx context.Context, ids []string) (int, error)
}

type SourceStore interface {
	UpsertSource(ctx context.Context, s Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]Source, error)
	RecordFetch(ctx context.Context, o FetchOutcome) error
}

type CycleQuery struct {
	Statuses        []CycleStatus
	ScheduledBefore time.Time
	Limit           int
}

type CycleStore interface {
	InsertCycle(ctx context.Context, c Cycle) error
	GetCycle(ctx context.Context, id string) (Cycle, error)
	// UpdateCycle replaces the stored cycle only while its status still equals
	// expected, returning ErrStatusConflict otherwise.
	UpdateCycle(ctx context.Context, c Cycle, expected CycleStatus) error
	// ListCycles returns cycles newest scheduled first.
	ListCycles(ctx context.Context, q CycleQuery) ([]Cycle, error)
}

type FallbackQuery struct {
	CycleID string
	Status  FallbackStatus
	Limit   int
}

type FallbackStore interface {
	InsertFallbackTask(ctx context.Context, t FallbackTask) error
	ListFallbackTasks(ctx context.Context, q FallbackQuery) ([]FallbackTask, error)
}

// Store is the full document store.
type Store interface {
	ArticleStore
	SourceStore
	CycleStore
	FallbackStore
	Ping(ctx context.Context) error
	Close() error
}

func (q ArticleQuery) Matches(a Article) bool {
	if q.SourceID != "" && a.SourceID != q.SourceID {
		return false
	}
	if q.NormalizedURL != "" && a.NormalizedURL != q.NormalizedURL {
		return false
	}
	if q.ContentHash != "" && a.ContentHash != q.ContentHash {
		return false
	}
	if q.KeyTermsHash != "" && a.KeyTermsHash != q.KeyTermsHash {
		return false
	}
	if !q.PublishedAfter.IsZero() && a.PublishedAt.Before(q.PublishedAfter) {
		return false
	}
	if !q.IngestedAfter.IsZero() && a.IngestedAt.Before(q.IngestedAfter) {
		return false
	}
	if !q.IngestedBefore.IsZero() && !a.IngestedAt.Before(q.IngestedBefore) {
		return false
	}
	if q.ExcludeDuplicates && a.IsDuplicate {
		return false
	}
	if q.OnlyDuplicates && !a.IsDuplicate {
		return false
	}
	if !q.DuplicateMarkedBefore.IsZero() {
		if a.DuplicateMarkedAt == nil || !a.DuplicateMarkedAt.Before(q.DuplicateMarkedBefore) {
			return false
		}
	}
	return true
}

func (q CycleQuery) Matches(c Cycle) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.ScheduledBefore.IsZero() && !c.ScheduledAt.Before(q.ScheduledBefore) {
		return false
	}
	return true
}
