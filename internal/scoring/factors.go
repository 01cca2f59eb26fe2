// Package scoring ranks articles on a 0-100 scale from six factors whose
// weights shift as an article ages, and periodically decays and boosts the
// top of the ranking.
package scoring

import (
	"math"

	"horse.fit/carriersignal/internal/store"
)

const (
	neutralFactor    = 50.0
	defaultImpact    = 50.0
	recencyFloor     = 10.0
	hoursPerDay      = 24.0
	hoursPerWeek     = 168.0
	shareViewWeight  = 5.0
	maxQualityBonus  = 100.0
	maxRelevanceBase = 100.0
)

// Recency is piecewise linear in age: 100 under an hour, 95 to 80 up to six
// hours, 80 to 50 up to a day, 50 to 20 up to a week, then two points per
// further day down to a floor of 10.
func Recency(ageHours float64) float64 {
	switch {
	case ageHours < 1:
		return 100
	case ageHours <= 6:
		return 95 - (ageHours-1)/5*15
	case ageHours <= hoursPerDay:
		return 80 - (ageHours-6)/18*30
	case ageHours <= hoursPerWeek:
		return 50 - (ageHours-hoursPerDay)/(hoursPerWeek-hoursPerDay)*30
	default:
		days := ageHours / hoursPerDay
		return math.Max(recencyFloor, 20-2*(days-7))
	}
}

// Impact is a weighted sum of the impact breakdown, or a flat base when the
// article has none.
func Impact(impact *store.ImpactBreakdown) float64 {
	if impact == nil {
		return defaultImpact
	}
	v := impact.Market*0.25 + impact.Regulatory*0.35 + impact.Catastrophe*0.25 + impact.Technology*0.15
	return clamp(v)
}

// EngagementFactor blends capped engagement counters; articles without
// engagement data sit at the neutral 50.
func EngagementFactor(e *store.Engagement) float64 {
	if e == nil {
		return neutralFactor
	}
	views := math.Min(float64(e.Views)/10, 100)
	shares := math.Min(float64(e.Shares)*5, 100)
	comments := math.Min(float64(e.Comments)*10, 100)
	bookmarks := math.Min(float64(e.Bookmarks)*20, 100)
	clicks := math.Min(float64(e.Clicks)/5, 100)
	return clamp(views*0.30 + shares*0.25 + comments*0.20 + bookmarks*0.15 + clicks*0.10)
}

// Trending buckets (views + 5*shares) per hour of age.
func Trending(views, shares int, ageHours float64) float64 {
	if ageHours <= 0 {
		return neutralFactor
	}
	velocity := (float64(views) + shareViewWeight*float64(shares)) / ageHours
	switch {
	case velocity > 100:
		return 100
	case velocity > 50:
		return 80
	case velocity > 20:
		return 60
	case velocity > 5:
		return 40
	default:
		return 20
	}
}

// Quality starts at 50 and adds up to 20 for the classifier's score, up to
// 15 for source trust, and 5 each for a summary, an image and tags.
func Quality(a store.Article, trustScore float64) float64 {
	v := 50.0
	if a.Classification != nil {
		v += math.Min(math.Max(a.Classification.AIScore, 0), 100) * 0.2
	}
	v += math.Min(math.Max(trustScore, 0), 100) * 0.15
	if a.Summary != "" {
		v += 5
	}
	if a.ImageURL != "" {
		v += 5
	}
	if !a.Tags.Empty() {
		v += 5
	}
	return math.Min(v, maxQualityBonus)
}

// Relevance starts at 50 and rewards line-of-business and trend coverage
// plus regulatory and catastrophe signals.
func Relevance(a store.Article) float64 {
	v := 50.0
	v += math.Min(float64(len(a.Tags.LinesOfBusiness))*5, 20)
	v += math.Min(float64(len(a.Tags.Trends))*5, 15)
	regulatory := len(a.Tags.Regulations) > 0
	catastrophe := len(a.Tags.Perils) > 0
	if a.Classification != nil {
		regulatory = regulatory || a.Classification.Regulatory
		catastrophe = catastrophe || a.Classification.Catastrophe
	}
	if regulatory {
		v += 10
	}
	if catastrophe {
		v += 10
	}
	return math.Min(v, maxRelevanceBase)
}

func clamp(v float64) float64 {
	return store.ClampScore(v)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
