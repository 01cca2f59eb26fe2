// Package monitor builds a read-only health snapshot of the ingestion system
// from stored cycles, sources, articles and fallback tasks.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/store"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusOverdue  Status = "overdue"
)

type FeedStatus string

const (
	FeedHealthy  FeedStatus = "healthy"
	FeedDegraded FeedStatus = "degraded"
	FeedFailed   FeedStatus = "failed"
)

type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

const (
	DefaultInterval       = 12 * time.Hour
	DefaultHealthyWithin  = 12*time.Hour + 30*time.Minute
	DefaultDegradedWithin = 13 * time.Hour
	DefaultAlertLimit     = 20
	DefaultCycleHistory   = 20

	failedFeedErrors    = 3
	degradedFailureRate = 0.25
)

type Config struct {
	Interval       time.Duration
	HealthyWithin  time.Duration
	DegradedWithin time.Duration
	AlertLimit     int
	CycleHistory   int
}

func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		HealthyWithin:  DefaultHealthyWithin,
		DegradedWithin: DefaultDegradedWithin,
		AlertLimit:     DefaultAlertLimit,
		CycleHistory:   DefaultCycleHistory,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HealthyWithin <= 0 {
		c.HealthyWithin = d.HealthyWithin
	}
	if c.DegradedWithin <= 0 {
		c.DegradedWithin = d.DegradedWithin
	}
	if c.AlertLimit <= 0 {
		c.AlertLimit = d.AlertLimit
	}
	if c.CycleHistory <= 0 {
		c.CycleHistory = d.CycleHistory
	}
	return c
}

// Reader is the read surface the reporter needs.
type Reader interface {
	ListCycles(ctx context.Context, q store.CycleQuery) ([]store.Cycle, error)
	ListSources(ctx context.Context, activeOnly bool) ([]store.Source, error)
	CountArticles(ctx context.Context, q store.ArticleQuery) (int64, error)
	ListFallbackTasks(ctx context.Context, q store.FallbackQuery) ([]store.FallbackTask, error)
}

type CycleSummary struct {
	ID                string              `json:"id"`
	Status            store.CycleStatus   `json:"status"`
	Trigger           store.CycleTrigger  `json:"trigger"`
	ScheduledAt       time.Time           `json:"scheduled_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	FallbackTriggered bool                `json:"fallback_triggered"`
	LastError         string              `json:"last_error,omitempty"`
	Phases            []store.PhaseStatus `json:"phases"`
	Metrics           *store.CycleMetrics `json:"metrics,omitempty"`
}

func summarize(c store.Cycle) *CycleSummary {
	return &CycleSummary{
		ID:                c.ID,
		Status:            c.Status,
		Trigger:           c.Trigger,
		ScheduledAt:       c.ScheduledAt,
		StartedAt:         c.StartedAt,
		CompletedAt:       c.CompletedAt,
		RetryCount:        c.RetryCount,
		MaxRetries:        c.MaxRetries,
		FallbackTriggered: c.FallbackTriggered,
		LastError:         c.LastError,
		Phases:            c.Phases,
		Metrics:           c.Metrics,
	}
}

type FeedHealth struct {
	SourceID          string     `json:"source_id"`
	Name              string     `json:"name"`
	Status            FeedStatus `json:"status"`
	LastFetchAt       *time.Time `json:"last_fetch_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	LastError         string     `json:"last_error,omitempty"`
}

type Alert struct {
	Level    AlertLevel `json:"level"`
	Message  string     `json:"message"`
	CycleID  string     `json:"cycle_id,omitempty"`
	SourceID string     `json:"source_id,omitempty"`
	At       time.Time  `json:"at"`
}

type Snapshot struct {
	Status              Status        `json:"status"`
	GeneratedAt         time.Time     `json:"generated_at"`
	CurrentCycle        *CycleSummary `json:"current_cycle,omitempty"`
	LastCycle           *CycleSummary `json:"last_cycle,omitempty"`
	NextExpectedAt      time.Time     `json:"next_expected_at"`
	HoursSinceLastCycle *float64      `json:"hours_since_last_cycle,omitempty"`
	Feeds               []FeedHealth  `json:"feeds"`
	DuplicateRate       float64       `json:"duplicate_rate"`
	DuplicatesLast24h   int64         `json:"duplicates_last_24h"`
	ArticlesLast24h     int64         `json:"articles_last_24h"`
	OpenFallbackTasks   int           `json:"open_fallback_tasks"`
	Alerts              []Alert       `json:"alerts"`
}

type Reporter struct {
	reader Reader
	cfg    Config
	clock  globaltime.Clock
	logger zerolog.Logger
}

func NewReporter(reader Reader, cfg Config, logger zerolog.Logger) *Reporter {
	return &Reporter{reader: reader, cfg: cfg.withDefaults(), clock: globaltime.UTC, logger: logger}
}

func (r *Reporter) WithClock(clock globaltime.Clock) *Reporter {
	r.clock = globaltime.OrDefault(clock)
	return r
}

// Snapshot aggregates the current health view. It never writes.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	now := r.clock()
	snap := Snapshot{GeneratedAt: now, Feeds: []FeedHealth{}, Alerts: []Alert{}}

	cycles, err := r.reader.ListCycles(ctx, store.CycleQuery{Limit: r.cfg.CycleHistory})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list cycles: %w", err)
	}
	var last *store.Cycle
	for i := range cycles {
		c := cycles[i]
		if snap.CurrentCycle == nil && !c.Status.Terminal() {
			snap.CurrentCycle = summarize(c)
		}
		if last == nil && c.Status == store.CycleCompleted && c.CompletedAt != nil {
			last = &cycles[i]
		}
	}

	snap.Status = StatusOverdue
	snap.NextExpectedAt = now.Add(r.cfg.Interval)
	if last != nil {
		snap.LastCycle = summarize(*last)
		since := now.Sub(*last.CompletedAt)
		hours := math.Round(since.Hours()*100) / 100
		snap.HoursSinceLastCycle = &hours
		snap.NextExpectedAt = last.CompletedAt.Add(r.cfg.Interval)
		snap.Status = r.classify(since)
	}

	sources, err := r.reader.ListSources(ctx, true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		snap.Feeds = append(snap.Feeds, FeedHealth{
			SourceID:          src.ID,
			Name:              src.Name,
			Status:            ClassifyFeed(src),
			LastFetchAt:       src.LastFetchAt,
			ConsecutiveErrors: src.ConsecutiveErrors,
			SuccessCount:      src.SuccessCount,
			FailureCount:      src.FailureCount,
			LastError:         src.LastError,
		})
	}

	since := now.Add(-24 * time.Hour)
	window := store.ArticleQuery{IngestedAfter: since}
	total, err := r.reader.CountArticles(ctx, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count recent articles: %w", err)
	}
	window.OnlyDuplicates = true
	marked, err := r.reader.CountArticles(ctx, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count recent duplicates: %w", err)
	}
	snap.ArticlesLast24h = total
	snap.DuplicatesLast24h, snap.DuplicateRate = duplicateRate(cycles, since, marked, total)

	open, err := r.reader.ListFallbackTasks(ctx, store.FallbackQuery{Status: store.FallbackOpen})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list fallback tasks: %w", err)
	}
	snap.OpenFallbackTasks = len(open)

	snap.Alerts = r.alerts(snap, cycles, now)
	r.logger.Debug().Str("status", string(snap.Status)).Int("alerts", len(snap.Alerts)).Msg("health snapshot built")
	return snap, nil
}

// duplicateRate is duplicates seen over items fetched in the window. Cycles
// completed since the window start contribute the duplicates they skipped
// and the articles they stored; marked counts stored articles the cleanup
// pass flagged afterwards. Stored articles bound the denominator from below
// when no cycle in the window reported metrics.
func duplicateRate(cycles []store.Cycle, since time.Time, marked, stored int64) (int64, float64) {
	var dups, fetched int64
	for _, c := range cycles {
		if c.Status != store.CycleCompleted || c.Metrics == nil || c.CompletedAt == nil || c.CompletedAt.Before(since) {
			continue
		}
		dups += int64(c.Metrics.Duplicates)
		fetched += int64(c.Metrics.Processed + c.Metrics.Duplicates)
	}
	dups += marked
	if stored > fetched {
		fetched = stored
	}
	if fetched == 0 {
		return dups, 0
	}
	return dups, math.Round(float64(dups)/float64(fetched)*1000) / 1000
}

func (r *Reporter) classify(since time.Duration) Status {
	switch {
	case since <= r.cfg.HealthyWithin:
		return StatusHealthy
	case since <= r.cfg.DegradedWithin:
		return StatusDegraded
	default:
		return StatusOverdue
	}
}

// ClassifyFeed rates a source from its fetch counters.
func ClassifyFeed(src store.Source) FeedStatus {
	if src.ConsecutiveErrors >= failedFeedErrors {
		return FeedFailed
	}
	if src.SuccessCount == 0 && src.FailureCount > 0 {
		return FeedFailed
	}
	attempts := src.SuccessCount + src.FailureCount
	if src.ConsecutiveErrors > 0 {
		return FeedDegraded
	}
	if attempts > 0 && float64(src.FailureCount)/float64(attempts) > degradedFailureRate {
		return FeedDegraded
	}
	return FeedHealthy
}

func (r *Reporter) alerts(snap Snapshot, cycles []store.Cycle, now time.Time) []Alert {
	out := make([]Alert, 0, r.cfg.AlertLimit)
	add := func(a Alert) {
		if len(out) < r.cfg.AlertLimit {
			out = append(out, a)
		}
	}

	switch {
	case snap.Status == StatusOverdue && snap.LastCycle == nil:
		add(Alert{Level: AlertCritical, Message: "no completed ingestion cycle on record", At: now})
	case snap.Status == StatusOverdue:
		add(Alert{Level: AlertCritical, Message: fmt.Sprintf("last completed cycle was %.1fh ago", *snap.HoursSinceLastCycle), CycleID: snap.LastCycle.ID, At: now})
	case snap.Status == StatusDegraded:
		add(Alert{Level: AlertWarning, Message: fmt.Sprintf("ingestion is late: last completed cycle %.1fh ago", *snap.HoursSinceLastCycle), CycleID: snap.LastCycle.ID, At: now})
	}

	for _, c := range cycles {
		at := c.UpdatedAt
		switch {
		case c.Status == store.CycleFailed:
			add(Alert{Level: AlertCritical, Message: fmt.Sprintf("cycle failed after %d attempts, fallback opened: %s", c.RetryCount, c.LastError), CycleID: c.ID, At: at})
		case c.Status == store.CycleRetrying:
			add(Alert{Level: AlertWarning, Message: fmt.Sprintf("cycle retrying (%d/%d): %s", c.RetryCount, c.MaxRetries, c.LastError), CycleID: c.ID, At: at})
		case c.Status == store.CycleCompleted && c.Metrics != nil && c.Metrics.Errored > 0:
			add(Alert{Level: AlertWarning, Message: fmt.Sprintf("cycle completed with %d errored items", c.Metrics.Errored), CycleID: c.ID, At: at})
		}
	}

	for _, f := range snap.Feeds {
		switch f.Status {
		case FeedFailed:
			add(Alert{Level: AlertCritical, Message: fmt.Sprintf("feed %s failing: %d consecutive errors", f.Name, f.ConsecutiveErrors), SourceID: f.SourceID, At: now})
		case FeedDegraded:
			add(Alert{Level: AlertWarning, Message: fmt.Sprintf("feed %s degraded", f.Name), SourceID: f.SourceID, At: now})
		}
	}
	return out
}
