package db

import (
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/carriersignal/internal/store"
)

// ArticleRow maps signal.articles.
type ArticleRow struct {
	ID                string          `gorm:"column:id;type:text;primaryKey"`
	URL               string          `gorm:"column:url;type:text;not null"`
	NormalizedURL     string          `gorm:"column:normalized_url;type:text;not null"`
	Title             string          `gorm:"column:title;type:text;not null"`
	PublishedAt       time.Time       `gorm:"column:published_at;type:timestamptz;not null"`
	SourceID          string          `gorm:"column:source_id;type:text;not null"`
	SourceName        string          `gorm:"column:source_name;type:text;not null;default:''"`
	Author            string          `gorm:"column:author;type:text;not null;default:''"`
	Excerpt           string          `gorm:"column:excerpt;type:text;not null;default:''"`
	Summary           string          `gorm:"column:summary;type:text;not null;default:''"`
	ImageURL          string          `gorm:"column:image_url;type:text;not null;default:''"`
	Language          string          `gorm:"column:language;type:text;not null;default:''"`
	Tags              json.RawMessage `gorm:"column:tags;type:jsonb;not null"`
	Category          string          `gorm:"column:category;type:text;not null;default:''"`
	Sentiment         string          `gorm:"column:sentiment;type:text;not null;default:''"`
	Classification    json.RawMessage `gorm:"column:classification;type:jsonb"`
	Score             float64         `gorm:"column:score;type:double precision;not null;default:0"`
	ScoredAt          *time.Time      `gorm:"column:scored_at;type:timestamptz"`
	ScoreHistory      json.RawMessage `gorm:"column:score_history;type:jsonb;not null"`
	ContentHash       string          `gorm:"column:content_hash;type:text;not null"`
	KeyTermsHash      string          `gorm:"column:key_terms_hash;type:text;not null;default:''"`
	IsDuplicate       bool            `gorm:"column:is_duplicate;type:boolean;not null;default:false"`
	DuplicateOf       *string         `gorm:"column:duplicate_of;type:text"`
	DuplicateMarkedAt *time.Time      `gorm:"column:duplicate_marked_at;type:timestamptz"`
	ClusterKey        string          `gorm:"column:cluster_key;type:text;not null;default:''"`
	ClusterScore      float64         `gorm:"column:cluster_score;type:double precision;not null;default:0"`
	Engagement        json.RawMessage `gorm:"column:engagement;type:jsonb"`
	IngestedAt        time.Time       `gorm:"column:ingested_at;type:timestamptz;not null"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;type:timestamptz;not null"`
}

func (ArticleRow) TableName() string { return "signal.articles" }

// SourceRow maps signal.sources.
type SourceRow struct {
	ID                string     `gorm:"column:id;type:text;primaryKey"`
	Name              string     `gorm:"column:name;type:text;not null"`
	URL               string     `gorm:"column:url;type:text;not null"`
	Type              string     `gorm:"column:type;type:text;not null"`
	TrustScore        float64    `gorm:"column:trust_score;type:double precision;not null"`
	Active            bool       `gorm:"column:active;type:boolean;not null;default:true"`
	ItemSelector      string     `gorm:"column:item_selector;type:text;not null;default:''"`
	LastFetchAt       *time.Time `gorm:"column:last_fetch_at;type:timestamptz"`
	ConsecutiveErrors int        `gorm:"column:consecutive_errors;type:integer;not null;default:0"`
	SuccessCount      int        `gorm:"column:success_count;type:integer;not null;default:0"`
	FailureCount      int        `gorm:"column:failure_count;type:integer;not null;default:0"`
	LastError         string     `gorm:"column:last_error;type:text;not null;default:''"`
}

func (SourceRow) TableName() string { return "signal.sources" }

// CycleRow maps signal.cycles.
type CycleRow struct {
	ID                string          `gorm:"column:id;type:text;primaryKey"`
	ScheduledAt       time.Time       `gorm:"column:scheduled_at;type:timestamptz;not null"`
	StartedAt         *time.Time      `gorm:"column:started_at;type:timestamptz"`
	CompletedAt       *time.Time      `gorm:"column:completed_at;type:timestamptz"`
	Status            string          `gorm:"column:status;type:text;not null"`
	Trigger           string          `gorm:"column:trigger;type:text;not null"`
	RetryCount        int             `gorm:"column:retry_count;type:integer;not null;default:0"`
	MaxRetries        int             `gorm:"column:max_retries;type:integer;not null"`
	FallbackTriggered bool            `gorm:"column:fallback_triggered;type:boolean;not null;default:false"`
	LastError         string          `gorm:"column:last_error;type:text;not null;default:''"`
	Phases            json.RawMessage `gorm:"column:phases;type:jsonb;not null"`
	Metrics           json.RawMessage `gorm:"column:metrics;type:jsonb"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;type:timestamptz;not null;autoUpdateTime:false"`
}

func (CycleRow) TableName() string { return "signal.cycles" }

// FallbackTaskRow maps signal.fallback_tasks.
type FallbackTaskRow struct {
	ID        string    `gorm:"column:id;type:text;primaryKey"`
	CycleID   string    `gorm:"column:cycle_id;type:text;not null"`
	Reason    string    `gorm:"column:reason;type:text;not null"`
	Status    string    `gorm:"column:status;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null"`
}

func (FallbackTaskRow) TableName() string { return "signal.fallback_tasks" }

func autoMigrateModels() []any {
	return []any{
		&SourceRow{},
		&ArticleRow{},
		&CycleRow{},
		&FallbackTaskRow{},
	}
}

func articleToRow(a store.Article) (ArticleRow, error) {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return ArticleRow{}, fmt.Errorf("encode tags: %w", err)
	}
	history := a.ScoreHistory
	if history == nil {
		history = []store.ScoreEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return ArticleRow{}, fmt.Errorf("encode score history: %w", err)
	}
	classification, err := marshalOptional(a.Classification)
	if err != nil {
		return ArticleRow{}, fmt.Errorf("encode classification: %w", err)
	}
	engagement, err := marshalOptional(a.Engagement)
	if err != nil {
		return ArticleRow{}, fmt.Errorf("encode engagement: %w", err)
	}

	return ArticleRow{
		ID:                a.ID,
		URL:               a.URL,
		NormalizedURL:     a.NormalizedURL,
		Title:             a.Title,
		PublishedAt:       a.PublishedAt.UTC(),
		SourceID:          a.SourceID,
		SourceName:        a.SourceName,
		Author:            a.Author,
		Excerpt:           a.Excerpt,
		Summary:           a.Summary,
		ImageURL:          a.ImageURL,
		Language:          a.Language,
		Tags:              tags,
		Category:          a.Category,
		Sentiment:         a.Sentiment,
		Classification:    classification,
		Score:             store.ClampScore(a.Score),
		ScoredAt:          a.ScoredAt,
		ScoreHistory:      historyJSON,
		ContentHash:       a.ContentHash,
		KeyTermsHash:      a.KeyTermsHash,
		IsDuplicate:       a.IsDuplicate,
		DuplicateOf:       optionalString(a.DuplicateOf),
		DuplicateMarkedAt: a.DuplicateMarkedAt,
		ClusterKey:        a.ClusterKey,
		ClusterScore:      store.ClampScore(a.ClusterScore),
		Engagement:        engagement,
		IngestedAt:        a.IngestedAt.UTC(),
		UpdatedAt:         a.UpdatedAt.UTC(),
	}, nil
}

// toArticle decodes a row and rejects rows that break article invariants.
func (r ArticleRow) toArticle() (store.Article, error) {
	a := store.Article{
		ID:                r.ID,
		URL:               r.URL,
		NormalizedURL:     r.NormalizedURL,
		Title:             r.Title,
		PublishedAt:       r.PublishedAt.UTC(),
		SourceID:          r.SourceID,
		SourceName:        r.SourceName,
		Author:            r.Author,
		Excerpt:           r.Excerpt,
		Summary:           r.Summary,
		ImageURL:          r.ImageURL,
		Language:          r.Language,
		Category:          r.Category,
		Sentiment:         r.Sentiment,
		Score:             r.Score,
		ScoredAt:          r.ScoredAt,
		ContentHash:       r.ContentHash,
		KeyTermsHash:      r.KeyTermsHash,
		IsDuplicate:       r.IsDuplicate,
		DuplicateMarkedAt: r.DuplicateMarkedAt,
		ClusterKey:        r.ClusterKey,
		ClusterScore:      r.ClusterScore,
		IngestedAt:        r.IngestedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.DuplicateOf != nil {
		a.DuplicateOf = *r.DuplicateOf
	}
	if err := unmarshalOptional(r.Tags, &a.Tags); err != nil {
		return store.Article{}, fmt.Errorf("%w: article %s tags: %v", store.ErrInvalidRecord, r.ID, err)
	}
	if err := unmarshalOptional(r.ScoreHistory, &a.ScoreHistory); err != nil {
		return store.Article{}, fmt.Errorf("%w: article %s score history: %v", store.ErrInvalidRecord, r.ID, err)
	}
	if len(a.ScoreHistory) == 0 {
		a.ScoreHistory = nil
	}
	if hasJSON(r.Classification) {
		var c store.Classification
		if err := json.Unmarshal(r.Classification, &c); err != nil {
			return store.Article{}, fmt.Errorf("%w: article %s classification: %v", store.ErrInvalidRecord, r.ID, err)
		}
		a.Classification = &c
	}
	if hasJSON(r.Engagement) {
		var e store.Engagement
		if err := json.Unmarshal(r.Engagement, &e); err != nil {
			return store.Article{}, fmt.Errorf("%w: article %s engagement: %v", store.ErrInvalidRecord, r.ID, err)
		}
		a.Engagement = &e
	}
	if err := a.Validate(); err != nil {
		return store.Article{}, err
	}
	return a, nil
}

func sourceToRow(s store.Source) SourceRow {
	return SourceRow{
		ID:                s.ID,
		Name:              s.Name,
		URL:               s.URL,
		Type:              string(s.Type),
		TrustScore:        s.TrustScore,
		Active:            s.Active,
		ItemSelector:      s.ItemSelector,
		LastFetchAt:       s.LastFetchAt,
		ConsecutiveErrors: s.ConsecutiveErrors,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		LastError:         s.LastError,
	}
}

func (r SourceRow) toSource() (store.Source, error) {
	s := store.Source{
		ID:                r.ID,
		Name:              r.Name,
		URL:               r.URL,
		Type:              store.SourceType(r.Type),
		TrustScore:        r.TrustScore,
		Active:            r.Active,
		ItemSelector:      r.ItemSelector,
		LastFetchAt:       r.LastFetchAt,
		ConsecutiveErrors: r.ConsecutiveErrors,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		LastError:         r.LastError,
	}
	if err := s.Validate(); err != nil {
		return store.Source{}, err
	}
	return s, nil
}

func cycleToRow(c store.Cycle) (CycleRow, error) {
	phases := c.Phases
	if phases == nil {
		phases = []store.PhaseStatus{}
	}
	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return CycleRow{}, fmt.Errorf("encode phases: %w", err)
	}
	metrics, err := marshalOptional(c.Metrics)
	if err != nil {
		return CycleRow{}, fmt.Errorf("encode metrics: %w", err)
	}
	return CycleRow{
		ID:                c.ID,
		ScheduledAt:       c.ScheduledAt.UTC(),
		StartedAt:         c.StartedAt,
		CompletedAt:       c.CompletedAt,
		Status:            string(c.Status),
		Trigger:           string(c.Trigger),
		RetryCount:        c.RetryCount,
		MaxRetries:        c.MaxRetries,
		FallbackTriggered: c.FallbackTriggered,
		LastError:         c.LastError,
		Phases:            phasesJSON,
		Metrics:           metrics,
		UpdatedAt:         c.UpdatedAt.UTC(),
	}, nil
}

func (r CycleRow) toCycle() (store.Cycle, error) {
	c := store.Cycle{
		ID:                r.ID,
		ScheduledAt:       r.ScheduledAt.UTC(),
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		Status:            store.CycleStatus(r.Status),
		Trigger:           store.CycleTrigger(r.Trigger),
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		FallbackTriggered: r.FallbackTriggered,
		LastError:         r.LastError,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if err := unmarshalOptional(r.Phases, &c.Phases); err != nil {
		return store.Cycle{}, fmt.Errorf("%w: cycle %s phases: %v", store.ErrInvalidRecord, r.ID, err)
	}
	if hasJSON(r.Metrics) {
		var m store.CycleMetrics
		if err := json.Unmarshal(r.Metrics, &m); err != nil {
			return store.Cycle{}, fmt.Errorf("%w: cycle %s metrics: %v", store.ErrInvalidRecord, r.ID, err)
		}
		c.Metrics = &m
	}
	if err := c.Validate(); err != nil {
		return store.Cycle{}, err
	}
	return c, nil
}

func (r FallbackTaskRow) toTask() store.FallbackTask {
	return store.FallbackTask{
		ID:        r.ID,
		CycleID:   r.CycleID,
		Reason:    r.Reason,
		Status:    store.FallbackStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func marshalOptional[T any](v *T) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional(raw json.RawMessage, dst any) error {
	if !hasJSON(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func hasJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
