// Package feedview serves the read path: a windowed, URL-deduplicated,
// score-ordered article list with aggregate breakdowns.
package feedview

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/normalize"
	"horse.fit/carriersignal/internal/store"
)

const (
	DefaultWindow = 24 * time.Hour
	DefaultLimit  = 50
	MaxLimit      = 500
	TopTopics     = 10

	// DefaultScanLimit bounds how many windowed articles one request reads.
	// The newest are kept when the window holds more.
	DefaultScanLimit = 5000
)

type Query struct {
	Window time.Duration
	Limit  int
}

func (q Query) normalized() Query {
	if q.Window <= 0 {
		q.Window = DefaultWindow
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

type Result struct {
	Window               string          `json:"window"`
	GeneratedAt          time.Time       `json:"generated_at"`
	TotalArticles        int             `json:"total_articles"`
	UniqueArticles       int             `json:"unique_articles"`
	DuplicatesDetected   int             `json:"duplicates_detected"`
	DuplicateRemovalRate float64         `json:"duplicate_removal_rate"`
	Articles             []store.Article `json:"articles"`
	SourceBreakdown      map[string]int  `json:"source_breakdown"`
	CategoryBreakdown    map[string]int  `json:"category_breakdown"`
	SentimentBreakdown   map[string]int  `json:"sentiment_breakdown"`
	TopTrendingTopics    []TopicCount    `json:"top_trending_topics"`
}

type Service struct {
	articles  store.ArticleStore
	clock     globaltime.Clock
	scanLimit int
}

func NewService(articles store.ArticleStore) *Service {
	return &Service{articles: articles, clock: globaltime.UTC, scanLimit: DefaultScanLimit}
}

func (s *Service) WithScanLimit(n int) *Service {
	if n > 0 {
		s.scanLimit = n
	}
	return s
}

func (s *Service) WithClock(clock globaltime.Clock) *Service {
	s.clock = globaltime.OrDefault(clock)
	return s
}

// Feed returns articles published inside the window. Articles sharing a
// normalized URL collapse to the first one ingested, regardless of their
// stored duplicate flag.
func (s *Service) Feed(ctx context.Context, q Query) (Result, error) {
	q = q.normalized()
	now := s.clock()

	rows, err := s.articles.QueryArticles(ctx, store.ArticleQuery{
		PublishedAfter: now.Add(-q.Window),
		Order:          store.OrderIngestedDesc,
		Limit:          s.scanLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("query feed window: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	unique := make([]store.Article, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		a := rows[i]
		key := a.NormalizedURL
		if key == "" {
			key = normalize.URL(a.URL)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, a)
	}

	res := Result{
		Window:             q.Window.String(),
		GeneratedAt:        now,
		TotalArticles:      len(rows),
		UniqueArticles:     len(unique),
		DuplicatesDetected: len(rows) - len(unique),
		SourceBreakdown:    map[string]int{},
		CategoryBreakdown:  map[string]int{},
		SentimentBreakdown: map[string]int{},
		TopTrendingTopics:  []TopicCount{},
	}
	if res.TotalArticles > 0 {
		res.DuplicateRemovalRate = math.Round(float64(res.DuplicatesDetected)/float64(res.TotalArticles)*1000) / 1000
	}

	topics := map[string]int{}
	for _, a := range unique {
		res.SourceBreakdown[orDefault(a.SourceName, a.SourceID)]++
		res.CategoryBreakdown[orDefault(a.Category, "uncategorized")]++
		res.SentimentBreakdown[orDefault(a.Sentiment, "unknown")]++
		for _, tag := range a.Tags.All() {
			topics[tag]++
		}
	}
	res.TopTrendingTopics = topN(topics, TopTopics)

	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Score != unique[j].Score {
			return unique[i].Score > unique[j].Score
		}
		return unique[i].PublishedAt.After(unique[j].PublishedAt)
	})
	if len(unique) > q.Limit {
		unique = unique[:q.Limit]
	}
	res.Articles = unique
	return res, nil
}

func topN(counts map[string]int, n int) []TopicCount {
	out := make([]TopicCount, 0, len(counts))
	for topic, count := range counts {
		out = append(out, TopicCount{Topic: topic, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		if fallback == "" {
			return "unknown"
		}
		return fallback
	}
	return v
}
