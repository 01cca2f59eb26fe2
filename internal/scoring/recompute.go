package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/store"
)

const (
	ReasonInitial   = "initial"
	ReasonRecompute = "recompute"
)

type RecomputeConfig struct {
	TopN        int
	Window      time.Duration
	HourlyDecay float64
	MaxBoost    float64
	MinDelta    float64
}

func DefaultRecomputeConfig() RecomputeConfig {
	return RecomputeConfig{
		TopN:        200,
		Window:      7 * 24 * time.Hour,
		HourlyDecay: 0.95,
		MaxBoost:    15,
		MinDelta:    2,
	}
}

type RecomputeResult struct {
	Considered int `json:"considered"`
	Updated    int `json:"updated"`
}

// Recomputer decays and boosts the highest-scored recent articles.
type Recomputer struct {
	articles store.ArticleStore
	cfg      RecomputeConfig
	clock    globaltime.Clock
	logger   zerolog.Logger
}

func NewRecomputer(articles store.ArticleStore, cfg RecomputeConfig, logger zerolog.Logger) *Recomputer {
	d := DefaultRecomputeConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = d.TopN
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.HourlyDecay <= 0 || cfg.HourlyDecay > 1 {
		cfg.HourlyDecay = d.HourlyDecay
	}
	if cfg.MaxBoost < 0 {
		cfg.MaxBoost = d.MaxBoost
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = d.MinDelta
	}
	return &Recomputer{articles: articles, cfg: cfg, clock: globaltime.UTC, logger: logger}
}

func (r *Recomputer) WithClock(clock globaltime.Clock) *Recomputer {
	r.clock = globaltime.OrDefault(clock)
	return r
}

// EngagementBoost converts engagement counters into at most max points.
func EngagementBoost(e *store.Engagement, maxBoost float64) float64 {
	if e == nil {
		return 0
	}
	boost := float64(e.Views)/100 + float64(e.Shares)*2 + float64(e.Comments) + float64(e.Bookmarks)*1.5
	return math.Min(boost, maxBoost)
}

// Rescore returns the decayed-and-boosted score of a at now.
func (r *Recomputer) Rescore(a store.Article, now time.Time) float64 {
	last := a.IngestedAt
	if a.ScoredAt != nil {
		last = *a.ScoredAt
	}
	hours := now.Sub(last).Hours()
	if hours < 0 {
		hours = 0
	}
	decayed := a.Score * math.Pow(r.cfg.HourlyDecay, hours)
	return round1(clamp(decayed + EngagementBoost(a.Engagement, r.cfg.MaxBoost)))
}

// Run rescores the top-N non-duplicate articles published within the window
// and persists those whose score moved by more than MinDelta.
func (r *Recomputer) Run(ctx context.Context) (RecomputeResult, error) {
	now := r.clock()
	top, err := r.articles.QueryArticles(ctx, store.ArticleQuery{
		PublishedAfter:    now.Add(-r.cfg.Window),
		ExcludeDuplicates: true,
		Order:             store.OrderScoreDesc,
		Limit:             r.cfg.TopN,
	})
	if err != nil {
		return RecomputeResult{}, fmt.Errorf("load top articles: %w", err)
	}

	result := RecomputeResult{Considered: len(top)}
	patches := make([]store.ArticlePatch, 0)
	for _, a := range top {
		next := r.Rescore(a, now)
		delta := next - a.Score
		if math.Abs(delta) <= r.cfg.MinDelta {
			continue
		}
		score := next
		scoredAt := now
		patches = append(patches, store.ArticlePatch{
			ID: a.ID,
			Update: store.ArticleUpdate{
				Score:    &score,
				ScoredAt: &scoredAt,
				ScoreHistory: store.AppendHistory(a.ScoreHistory, store.ScoreEntry{
					At:     now,
					Score:  score,
					Delta:  round1(delta),
					Reason: ReasonRecompute,
				}),
			},
		})
	}

	if len(patches) > 0 {
		if err := r.articles.BatchUpdateArticles(ctx, patches); err != nil {
			return result, fmt.Errorf("persist recomputed scores: %w", err)
		}
	}
	result.Updated = len(patches)

	r.logger.Info().
		Int("considered", result.Considered).
		Int("updated", result.Updated).
		Msg("score recompute completed")
	return result, nil
}
