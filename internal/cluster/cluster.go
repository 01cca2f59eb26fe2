// Package cluster groups articles that cover the same story on the same day
// and gives every member the strongest member's cluster score.
package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/normalize"
	"horse.fit/carriersignal/internal/store"
)

const (
	keyTokenCount     = 5
	minKeyTokenLength = 4
	nationalRegion    = "national"

	recencyPoints    = 40.0
	recencyHalfLife  = 48.0
	trustPoints      = 25.0
	impactPoints     = 30.0
	watchlistBonus   = 10.0
	confidencePoints = 5.0
)

// Key identifies a story: up to five title tokens longer than three
// characters, the source domain, the first region tag (or "national") and
// the UTC publish date, joined by underscores.
func Key(a store.Article) string {
	tokens := make([]string, 0, keyTokenCount)
	for _, token := range titleTokens(a.Title) {
		if len([]rune(token)) < minKeyTokenLength {
			continue
		}
		tokens = append(tokens, token)
		if len(tokens) == keyTokenCount {
			break
		}
	}

	domain := normalize.Host(a.NormalizedURL)
	if domain == "" {
		domain = normalize.Host(a.URL)
	}

	region := nationalRegion
	if len(a.Tags.Regions) > 0 {
		if r := strings.Join(normalize.Tokens(a.Tags.Regions[0]), "-"); r != "" {
			region = r
		}
	}

	return strings.Join([]string{
		strings.Join(tokens, "_"),
		domain,
		region,
		a.PublishedAt.UTC().Format("2006-01-02"),
	}, "_")
}

// titleTokens lowercases the title, drops every rune that is not a letter,
// digit or whitespace, and splits on whitespace, so "Lloyd's" becomes
// "lloyds".
func titleTokens(title string) []string {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, title)
	return strings.Fields(stripped)
}

// CompositeScore ranks cluster members: recency decays over 48 hours, trust
// is scaled from the source score, impact is severity times actionability
// weight, with bonuses for watchlist hits and classifier confidence.
func CompositeScore(a store.Article, trustScore float64, watchlist []string, now time.Time) float64 {
	age := math.Max(now.Sub(a.PublishedAt).Hours(), 0)
	score := recencyPoints * math.Exp(-age/recencyHalfLife)
	score += trustPoints * math.Min(math.Max(trustScore, 0), 100) / 100

	if c := a.Classification; c != nil {
		severity := math.Min(math.Max(float64(c.Severity), 0), 5)
		score += math.Min(impactPoints, severity/5*c.Actionability.Weight()/2*impactPoints)
		score += confidencePoints * math.Min(math.Max(c.Confidence, 0), 1)
	}
	if matchesWatchlist(a, watchlist) {
		score += watchlistBonus
	}
	return math.Round(store.ClampScore(score)*10) / 10
}

func matchesWatchlist(a store.Article, watchlist []string) bool {
	if len(watchlist) == 0 {
		return false
	}
	haystack := strings.ToLower(a.Title + " " + strings.Join(a.Tags.Companies, " ") + " " + strings.Join(a.Tags.All(), " "))
	for _, term := range watchlist {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

type Config struct {
	Watchlist []string
}

type Engine struct {
	articles store.ArticleStore
	cfg      Config
	clock    globaltime.Clock
	logger   zerolog.Logger
}

func NewEngine(articles store.ArticleStore, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{articles: articles, cfg: cfg, clock: globaltime.UTC, logger: logger}
}

func (e *Engine) WithClock(clock globaltime.Clock) *Engine {
	e.clock = globaltime.OrDefault(clock)
	return e
}

// Build groups articles by Key and picks the highest composite score as
// primary; ties go to the earlier published article.
func (e *Engine) Build(articles []store.Article, trust map[string]float64, now time.Time) []store.Cluster {
	type member struct {
		article store.Article
		score   float64
	}
	groups := make(map[string][]member)
	order := make([]string, 0)
	for _, a := range articles {
		if a.IsDuplicate {
			continue
		}
		key := Key(a)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], member{article: a, score: CompositeScore(a, trustFor(trust, a.SourceID), e.cfg.Watchlist, now)})
	}

	clusters := make([]store.Cluster, 0, len(groups))
	for _, key := range order {
		members := groups[key]
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].score == members[j].score {
				return members[i].article.PublishedAt.Before(members[j].article.PublishedAt)
			}
			return members[i].score > members[j].score
		})
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.article.ID)
		}
		clusters = append(clusters, store.Cluster{
			Key:        key,
			ArticleIDs: ids,
			PrimaryID:  members[0].article.ID,
			Score:      members[0].score,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return clusters
}

// Run clusters the batch and writes every member's cluster key and cluster
// score in one batch update. Members inherit the primary's composite score as
// their cluster score; the article score itself belongs to the scoring engine.
func (e *Engine) Run(ctx context.Context, articles []store.Article, trust map[string]float64) ([]store.Cluster, error) {
	now := e.clock()
	clusters := e.Build(articles, trust, now)
	if len(clusters) == 0 {
		return nil, nil
	}

	patches := make([]store.ArticlePatch, 0, len(articles))
	for _, c := range clusters {
		for _, id := range c.ArticleIDs {
			key := c.Key
			score := c.Score
			patches = append(patches, store.ArticlePatch{
				ID: id,
				Update: store.ArticleUpdate{
					ClusterKey:   &key,
					ClusterScore: &score,
				},
			})
		}
	}
	if err := e.articles.BatchUpdateArticles(ctx, patches); err != nil {
		return nil, fmt.Errorf("write cluster assignments: %w", err)
	}

	e.logger.Info().
		Int("articles", len(patches)).
		Int("clusters", len(clusters)).
		Msg("clustering completed")
	return clusters, nil
}

func trustFor(trust map[string]float64, sourceID string) float64 {
	if v, ok := trust[sourceID]; ok {
		return v
	}
	return store.DefaultTrustScore
}
