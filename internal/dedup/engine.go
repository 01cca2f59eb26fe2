// Package dedup decides whether an incoming article repeats one already in
// the store, and periodically folds exact-URL repeats that slipped through
// into their earliest copy.
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/store"
)

const (
	ReasonURL         = "URL match"
	ReasonContentHash = "content hash match"
	ReasonKeyTerms    = "key terms match"
	ReasonTitle       = "title similarity"
	ReasonFuzzyURL    = "URL similarity"
	ReasonUnique      = "unique"

	confidenceURL         = 1.0
	confidenceContentHash = 0.95
	confidenceKeyTerms    = 0.9
)

type Config struct {
	TitleThreshold  float64
	URLThreshold    float64
	RecentWindow    time.Duration
	LengthTolerance float64
	CandidateLimit  int
	UseKeyTermsHash bool
	CleanupWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		TitleThreshold:  0.85,
		URLThreshold:    0.9,
		RecentWindow:    7 * 24 * time.Hour,
		LengthTolerance: 0.2,
		CandidateLimit:  500,
		CleanupWindow:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TitleThreshold <= 0 {
		c.TitleThreshold = d.TitleThreshold
	}
	if c.URLThreshold <= 0 {
		c.URLThreshold = d.URLThreshold
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.LengthTolerance <= 0 {
		c.LengthTolerance = d.LengthTolerance
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = d.CleanupWindow
	}
	return c
}

// Verdict is the outcome of a duplicate check. MatchedID always names an
// article that is not itself marked duplicate.
type Verdict struct {
	IsDuplicate bool    `json:"is_duplicate"`
	MatchedID   string  `json:"matched_id,omitempty"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

func unique() Verdict {
	return Verdict{Reason: ReasonUnique}
}

type Engine struct {
	articles store.ArticleStore
	cfg      Config
	clock    globaltime.Clock
	logger   zerolog.Logger
}

func NewEngine(articles store.ArticleStore, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		articles: articles,
		cfg:      cfg.withDefaults(),
		clock:    globaltime.UTC,
		logger:   logger,
	}
}

func (e *Engine) WithClock(clock globaltime.Clock) *Engine {
	e.clock = globaltime.OrDefault(clock)
	return e
}

// CheckDuplicate runs the tiers in order and returns on the first match:
// exact normalized URL, content hash, optional key-terms hash, fuzzy title
// among recent articles, fuzzy URL among the same candidates. Store errors
// are logged and the candidate is treated as unique.
func (e *Engine) CheckDuplicate(ctx context.Context, candidate store.Article) Verdict {
	log := e.logger.With().Str("article_url", candidate.URL).Logger()

	if candidate.NormalizedURL != "" {
		matches, err := e.articles.QueryArticles(ctx, store.ArticleQuery{NormalizedURL: candidate.NormalizedURL, Limit: 1})
		if err != nil {
			log.Warn().Err(err).Msg("dedup url lookup failed, treating as unique")
			return unique()
		}
		if v, ok := e.exactVerdict(ctx, candidate, matches, ReasonURL, confidenceURL); ok {
			return v
		}
	}

	if candidate.ContentHash != "" {
		matches, err := e.articles.QueryArticles(ctx, store.ArticleQuery{ContentHash: candidate.ContentHash, Limit: 1})
		if err != nil {
			log.Warn().Err(err).Msg("dedup content hash lookup failed, treating as unique")
			return unique()
		}
		if v, ok := e.exactVerdict(ctx, candidate, matches, ReasonContentHash, confidenceContentHash); ok {
			return v
		}
	}

	if e.cfg.UseKeyTermsHash && candidate.KeyTermsHash != "" {
		matches, err := e.articles.QueryArticles(ctx, store.ArticleQuery{
			KeyTermsHash:   candidate.KeyTermsHash,
			PublishedAfter: e.clock().Add(-e.cfg.RecentWindow),
			Limit:          1,
		})
		if err != nil {
			log.Warn().Err(err).Msg("dedup key terms lookup failed, treating as unique")
			return unique()
		}
		if v, ok := e.exactVerdict(ctx, candidate, matches, ReasonKeyTerms, confidenceKeyTerms); ok {
			return v
		}
	}

	recent, err := e.articles.QueryArticles(ctx, store.ArticleQuery{
		PublishedAfter:    e.clock().Add(-e.cfg.RecentWindow),
		ExcludeDuplicates: true,
		Order:             store.OrderPublishedDesc,
		Limit:             e.cfg.CandidateLimit,
	})
	if err != nil {
		log.Warn().Err(err).Msg("dedup recent candidates lookup failed, treating as unique")
		return unique()
	}

	title := strings.ToLower(strings.TrimSpace(candidate.Title))
	if title != "" {
		for _, existing := range recent {
			if existing.ID == candidate.ID {
				continue
			}
			other := strings.ToLower(strings.TrimSpace(existing.Title))
			if !withinLengthTolerance(title, other, e.cfg.LengthTolerance) {
				continue
			}
			if sim := Similarity(title, other); sim >= e.cfg.TitleThreshold {
				return Verdict{IsDuplicate: true, MatchedID: existing.ID, Reason: ReasonTitle, Confidence: sim}
			}
		}
	}

	if candidate.NormalizedURL != "" {
		for _, existing := range recent {
			if existing.ID == candidate.ID || existing.NormalizedURL == "" {
				continue
			}
			if sim := Similarity(candidate.NormalizedURL, existing.NormalizedURL); sim >= e.cfg.URLThreshold {
				return Verdict{IsDuplicate: true, MatchedID: existing.ID, Reason: ReasonFuzzyURL, Confidence: sim}
			}
		}
	}

	return unique()
}

func (e *Engine) exactVerdict(ctx context.Context, candidate store.Article, matches []store.Article, reason string, confidence float64) (Verdict, bool) {
	for _, m := range matches {
		if m.ID == candidate.ID {
			continue
		}
		return Verdict{IsDuplicate: true, MatchedID: e.root(ctx, m), Reason: reason, Confidence: confidence}, true
	}
	return Verdict{}, false
}

// root follows a duplicate to the article it was folded into.
func (e *Engine) root(ctx context.Context, a store.Article) string {
	if !a.IsDuplicate || a.DuplicateOf == "" {
		return a.ID
	}
	parent, err := e.articles.GetArticle(ctx, a.DuplicateOf)
	if err != nil || parent.IsDuplicate {
		return a.DuplicateOf
	}
	return parent.ID
}
