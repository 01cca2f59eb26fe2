package scoring

import (
	"time"

	"horse.fit/carriersignal/internal/store"
)

type Factors struct {
	Recency    float64 `json:"recency"`
	Impact     float64 `json:"impact"`
	Engagement float64 `json:"engagement"`
	Trending   float64 `json:"trending"`
	Quality    float64 `json:"quality"`
	Relevance  float64 `json:"relevance"`
}

// Weights always sum to 1.
type Weights struct {
	Recency    float64 `json:"recency"`
	Impact     float64 `json:"impact"`
	Engagement float64 `json:"engagement"`
	Trending   float64 `json:"trending"`
	Quality    float64 `json:"quality"`
	Relevance  float64 `json:"relevance"`
}

func (w Weights) Sum() float64 {
	return w.Recency + w.Impact + w.Engagement + w.Trending + w.Quality + w.Relevance
}

// WeightsForAge favors recency and trending for fresh articles and shifts
// weight to impact and quality as they age.
func WeightsForAge(ageHours float64) Weights {
	switch {
	case ageHours < 6:
		return Weights{Recency: 0.25, Trending: 0.20, Impact: 0.20, Engagement: 0.15, Quality: 0.10, Relevance: 0.10}
	case ageHours <= 24:
		return Weights{Recency: 0.15, Trending: 0.10, Impact: 0.30, Engagement: 0.15, Quality: 0.20, Relevance: 0.10}
	default:
		return Weights{Recency: 0.05, Trending: 0.05, Impact: 0.35, Engagement: 0.10, Quality: 0.35, Relevance: 0.10}
	}
}

type Result struct {
	Final     float64 `json:"final"`
	Factors   Factors `json:"factors"`
	Weights   Weights `json:"weights"`
	Breakdown Factors `json:"breakdown"`
	AgeHours  float64 `json:"age_hours"`
}

// Score computes the composite score of a at now. The engagement argument
// overrides the article's own counters when non-nil.
func Score(a store.Article, engagement *store.Engagement, trustScore float64, now time.Time) Result {
	if engagement == nil {
		engagement = a.Engagement
	}
	age := now.Sub(a.PublishedAt).Hours()
	if age < 0 {
		age = 0
	}

	var impact *store.ImpactBreakdown
	if a.Classification != nil {
		impact = a.Classification.Impact
	}
	views, shares := 0, 0
	if engagement != nil {
		views, shares = engagement.Views, engagement.Shares
	}

	f := Factors{
		Recency:    Recency(age),
		Impact:     Impact(impact),
		Engagement: EngagementFactor(engagement),
		Trending:   Trending(views, shares, age),
		Quality:    Quality(a, trustScore),
		Relevance:  Relevance(a),
	}
	w := WeightsForAge(age)
	b := Factors{
		Recency:    f.Recency * w.Recency,
		Impact:     f.Impact * w.Impact,
		Engagement: f.Engagement * w.Engagement,
		Trending:   f.Trending * w.Trending,
		Quality:    f.Quality * w.Quality,
		Relevance:  f.Relevance * w.Relevance,
	}
	total := b.Recency + b.Impact + b.Engagement + b.Trending + b.Quality + b.Relevance

	return Result{
		Final:     round1(clamp(total)),
		Factors:   f,
		Weights:   w,
		Breakdown: b,
		AgeHours:  age,
	}
}

// InitialUpdate scores a freshly ingested article and returns the partial
// update that records the score and its first history entry.
func InitialUpdate(a store.Article, trustScore float64, now time.Time) (store.ArticleUpdate, Result) {
	res := Score(a, nil, trustScore, now)
	score := res.Final
	scoredAt := now.UTC()
	return store.ArticleUpdate{
		Score:    &score,
		ScoredAt: &scoredAt,
		ScoreHistory: store.AppendHistory(a.ScoreHistory, store.ScoreEntry{
			At:     scoredAt,
			Score:  score,
			Delta:  round1(score - a.Score),
			Reason: ReasonInitial,
		}),
	}, res
}
