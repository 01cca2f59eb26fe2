package store

import (
	"fmt"
	"strings"
	"time"
)

const (
	MaxScore            = 100.0
	ScoreHistoryLimit   = 20
	DefaultTrustScore   = 50.0
	defaultCycleRetries = 3
)

type SourceType string

const (
	SourceRSS  SourceType = "rss"
	SourceAtom SourceType = "atom"
	SourceJSON SourceType = "json"
	SourceHTML SourceType = "html"
	SourceAPI  SourceType = "api"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceRSS, SourceAtom, SourceJSON, SourceHTML, SourceAPI:
		return true
	default:
		return false
	}
}

// Source is a configured feed. Sources are deactivated, never deleted.
type Source struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	Type              SourceType `json:"type"`
	TrustScore        float64    `json:"trust_score"`
	Active            bool       `json:"active"`
	ItemSelector      string     `json:"item_selector,omitempty"`
	LastFetchAt       *time.Time `json:"last_fetch_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	LastError         string     `json:"last_error,omitempty"`
}

func (s Source) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: source id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("%w: source %s url is required", ErrInvalidRecord, s.ID)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: source %s has unknown type %q", ErrInvalidRecord, s.ID, s.Type)
	}
	if s.TrustScore < 0 || s.TrustScore > 100 {
		return fmt.Errorf("%w: source %s trust score %.1f out of range", ErrInvalidRecord, s.ID, s.TrustScore)
	}
	return nil
}

// FetchOutcome is the result of one fetch attempt against a source.
type FetchOutcome struct {
	SourceID string
	At       time.Time
	Err      error
}

// Apply folds a fetch outcome into the source counters.
func (s *Source) Apply(o FetchOutcome) {
	at := o.At.UTC()
	s.LastFetchAt = &at
	if o.Err != nil {
		s.ConsecutiveErrors++
		s.FailureCount++
		s.LastError = o.Err.Error()
		return
	}
	s.ConsecutiveErrors = 0
	s.SuccessCount++
	s.LastError = ""
}

type Tags struct {
	LinesOfBusiness []string `json:"lob,omitempty"`
	Perils          []string `json:"perils,omitempty"`
	Regions         []string `json:"regions,omitempty"`
	Companies       []string `json:"companies,omitempty"`
	Trends          []string `json:"trends,omitempty"`
	Regulations     []string `json:"regulations,omitempty"`
}

// All returns every tag across groups in a stable order.
func (t Tags) All() []string {
	out := make([]string, 0, len(t.LinesOfBusiness)+len(t.Perils)+len(t.Regions)+len(t.Companies)+len(t.Trends)+len(t.Regulations))
	out = append(out, t.LinesOfBusiness...)
	out = append(out, t.Perils...)
	out = append(out, t.Regions...)
	out = append(out, t.Companies...)
	out = append(out, t.Trends...)
	out = append(out, t.Regulations...)
	return out
}

func (t Tags) Empty() bool {
	return len(t.All()) == 0
}

type Actionability string

const (
	ActionInformational Actionability = "informational"
	ActionMonitor       Actionability = "monitor"
	ActionReview        Actionability = "review"
	ActionNow           Actionability = "act_now"
)

// Weight is the multiplier applied to severity when ranking impact.
func (a Actionability) Weight() float64 {
	switch a {
	case ActionNow:
		return 2.0
	case ActionReview:
		return 1.5
	case ActionMonitor:
		return 1.0
	default:
		return 0.5
	}
}

type ImpactBreakdown struct {
	Market      float64 `json:"market"`
	Regulatory  float64 `json:"regulatory"`
	Catastrophe float64 `json:"catastrophe"`
	Technology  float64 `json:"technology"`
}

type Classification struct {
	Severity      int              `json:"severity"`
	Actionability Actionability    `json:"actionability"`
	Confidence    float64          `json:"confidence"`
	Impact        *ImpactBreakdown `json:"impact,omitempty"`
	Regulatory    bool             `json:"regulatory"`
	Catastrophe   bool             `json:"catastrophe"`
	AIScore       float64          `json:"ai_score"`
	Method        string           `json:"method"`
}

type Engagement struct {
	Views     int `json:"views"`
	Shares    int `json:"shares"`
	Comments  int `json:"comments"`
	Bookmarks int `json:"bookmarks"`
	Clicks    int `json:"clicks"`
}

type ScoreEntry struct {
	At     time.Time `json:"at"`
	Score  float64   `json:"score"`
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason"`
}

// AppendHistory appends entry and keeps the newest ScoreHistoryLimit entries.
func AppendHistory(history []ScoreEntry, entry ScoreEntry) []ScoreEntry {
	out := append(append([]ScoreEntry(nil), history...), entry)
	if len(out) > ScoreHistoryLimit {
		out = out[len(out)-ScoreHistoryLimit:]
	}
	return out
}

// ClampScore bounds a score to [0, MaxScore].
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}

type Article struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	NormalizedURL     string          `json:"normalized_url"`
	Title             string          `json:"title"`
	PublishedAt       time.Time       `json:"published_at"`
	SourceID          string          `json:"source_id"`
	SourceName        string          `json:"source_name"`
	Author            string          `json:"author,omitempty"`
	Excerpt           string          `json:"excerpt,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	ImageURL          string          `json:"image_url,omitempty"`
	Language          string          `json:"language,omitempty"`
	Tags              Tags            `json:"tags"`
	Category          string          `json:"category,omitempty"`
	Sentiment         string          `json:"sentiment,omitempty"`
	Classification    *Classification `json:"classification,omitempty"`
	Score             float64         `json:"score"`
	ScoredAt          *time.Time      `json:"scored_at,omitempty"`
	ScoreHistory      []ScoreEntry    `json:"score_history,omitempty"`
	ContentHash       string          `json:"content_hash"`
	KeyTermsHash      string          `json:"key_terms_hash,omitempty"`
	IsDuplicate       bool            `json:"is_duplicate"`
	DuplicateOf       string          `json:"duplicate_of,omitempty"`
	DuplicateMarkedAt *time.Time      `json:"duplicate_marked_at,omitempty"`
	ClusterKey        string          `json:"cluster_key,omitempty"`
	ClusterScore      float64         `json:"cluster_score"`
	Engagement        *Engagement     `json:"engagement,omitempty"`
	IngestedAt        time.Time       `json:"ingested_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (a Article) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: article id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%w: article %s requires title and url", ErrInvalidRecord, a.ID)
	}
	if a.Score < 0 || a.Score > MaxScore {
		return fmt.Errorf("%w: article %s score %.2f out of range", ErrInvalidRecord, a.ID, a.Score)
	}
	if a.IsDuplicate && strings.TrimSpace(a.DuplicateOf) == "" {
		return fmt.Errorf("%w: duplicate article %s has no duplicate_of", ErrInvalidRecord, a.ID)
	}
	if a.DuplicateOf == a.ID && a.ID != "" {
		return fmt.Errorf("%w: article %s marked duplicate of itself", ErrInvalidRecord, a.ID)
	}
	return nil
}

// Cluster groups articles covering the same story. Clusters are recomputed
// per batch and written onto member articles, never stored on their own.
type Cluster struct {
	Key        string    `json:"key"`
	ArticleIDs []string  `json:"article_ids"`
	PrimaryID  string    `json:"primary_id"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CycleStatus string

const (
	CycleScheduled CycleStatus = "scheduled"
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
	CycleRetrying  CycleStatus = "retrying"
)

func (s CycleStatus) Valid() bool {
	switch s {
	case CycleScheduled, CycleRunning, CycleCompleted, CycleFailed, CycleRetrying:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s CycleStatus) Terminal() bool {
	return s == CycleCompleted || s == CycleFailed
}

type CycleTrigger string

const (
	TriggerScheduled CycleTrigger = "scheduled"
	TriggerManual    CycleTrigger = "manual"
	TriggerRetry     CycleTrigger = "retry"
)

type PhaseName string

const (
	PhaseFetch      PhaseName = "fetch"
	PhaseEnrichment PhaseName = "enrichment"
)

type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
)

type PhaseStatus struct {
	Name        PhaseName  `json:"name"`
	Status      PhaseState `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type CycleMetrics struct {
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Errored    int           `json:"errored"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

type Cycle struct {
	ID                string        `json:"id"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	Status            CycleStatus   `json:"status"`
	Trigger           CycleTrigger  `json:"trigger"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	FallbackTriggered bool          `json:"fallback_triggered"`
	LastError         string        `json:"last_error,omitempty"`
	Phases            []PhaseStatus `json:"phases"`
	Metrics           *CycleMetrics `json:"metrics,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (c Cycle) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: cycle id is required", ErrInvalidRecord)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: cycle %s has unknown status %q", ErrInvalidRecord, c.ID, c.Status)
	}
	if c.RetryCount < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("%w: cycle %s has negative retry counters", ErrInvalidRecord, c.ID)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c Cycle) Clone() Cycle {
	out := c
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.Phases = make([]PhaseStatus, len(c.Phases))
	for i, p := range c.Phases {
		p.StartedAt = cloneTime(p.StartedAt)
		p.CompletedAt = cloneTime(p.CompletedAt)
		out.Phases[i] = p
	}
	if c.Metrics != nil {
		m := *c.Metrics
		out.Metrics = &m
	}
	return out
}

// NewCycle returns a scheduled cycle with both phases pending.
func NewCycle(id string, scheduledAt time.Time, trigger CycleTrigger, maxRetries int) Cycle {
	if maxRetries < 0 {
		maxRetries = defaultCycleRetries
	}
	return Cycle{
		ID:          id,
		ScheduledAt: scheduledAt.UTC(),
		Status:      CycleScheduled,
		Trigger:     trigger,
		MaxRetries:  maxRetries,
		Phases: []PhaseStatus{
			{Name: PhaseFetch, Status: PhasePending},
			{Name: PhaseEnrichment, Status: PhasePending},
		},
		UpdatedAt: scheduledAt.UTC(),
	}
}

type FallbackStatus string

const (
	FallbackOpen     FallbackStatus = "open"
	FallbackResolved FallbackStatus = "resolved"
)

// FallbackTask records that a cycle exhausted its retries and needs manual
// attention.
type FallbackTask struct {
	ID        string         `json:"id"`
	CycleID   string         `json:"cycle_id"`
	Reason    string         `json:"reason"`
	Status    FallbackStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
