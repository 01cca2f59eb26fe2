// Package ingest runs one ingestion cycle: the fetch phase pulls and
// normalizes items from every active source and persists the unique ones;
// the enrichment phase classifies, scores and clusters what was persisted.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/classify"
	"horse.fit/carriersignal/internal/cluster"
	"horse.fit/carriersignal/internal/cycle"
	"horse.fit/carriersignal/internal/dedup"
	"horse.fit/carriersignal/internal/feed"
	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/normalize"
	"horse.fit/carriersignal/internal/reader"
	"horse.fit/carriersignal/internal/scoring"
	"horse.fit/carriersignal/internal/store"
)

const (
	DefaultExcerptFetchLimit = 10
	maxExcerptRunes          = 500
)

var (
	ErrNoSources        = errors.New("no active sources")
	ErrAllSourcesFailed = errors.New("all sources failed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// SourceRegistry lists sources and their trust priors.
type SourceRegistry interface {
	Active(ctx context.Context) ([]store.Source, error)
	TrustScores(ctx context.Context) (map[string]float64, error)
}

// Extractor fetches readable text for an article page.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

type Deps struct {
	Articles   store.ArticleStore
	Registry   SourceRegistry
	Fetcher    *feed.Fetcher
	Dedup      *dedup.Engine
	Classifier classify.Classifier
	Clusters   *cluster.Engine
	// Extractor is optional; without it empty excerpts stay empty.
	Extractor Extractor
}

type Config struct {
	ExcerptFetchLimit int
	DetectLanguage    func(text string) string
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	clock  globaltime.Clock
	newID  func() string
	logger zerolog.Logger
}

func NewPipeline(deps Deps, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.ExcerptFetchLimit < 0 {
		cfg.ExcerptFetchLimit = 0
	}
	return &Pipeline{deps: deps, cfg: cfg, clock: globaltime.UTC, newID: uuid.NewString, logger: logger}
}

func (p *Pipeline) WithClock(clock globaltime.Clock) *Pipeline {
	p.clock = globaltime.OrDefault(clock)
	return p
}

func (p *Pipeline) WithIDs(newID func() string) *Pipeline {
	if newID != nil {
		p.newID = newID
	}
	return p
}

// FetchResult carries the articles persisted by the fetch phase.
type FetchResult struct {
	Articles      []store.Article
	Sources       int
	FailedSources int
	Metrics       store.CycleMetrics
}

// FetchPhase fetches every active source in order, normalizes each item and
// persists those the duplicate check lets through. Items without title or
// link and duplicates are skipped; per-item failures are counted and the
// batch continues. It fails only when the store cannot be read at the start,
// when there is nothing to fetch, or when every source failed.
func (p *Pipeline) FetchPhase(ctx context.Context) (FetchResult, error) {
	var res FetchResult

	sources, err := p.deps.Registry.Active(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(sources) == 0 {
		return res, ErrNoSources
	}
	res.Sources = len(sources)

	batches, err := p.deps.Fetcher.FetchAll(ctx, sources)
	if err != nil {
		return res, fmt.Errorf("fetch sources: %w", err)
	}

	extracted := 0
	for _, batch := range batches {
		if batch.Err != nil {
			res.FailedSources++
			res.Metrics.Errored++
			continue
		}
		for _, item := range batch.Items {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			article, err := normalize.Article(item, batch.Source, p.clock(), normalize.Options{
				DetectLanguage: p.cfg.DetectLanguage,
				NewID:          p.newID,
			})
			if err != nil {
				if errors.Is(err, normalize.ErrMissingField) {
					res.Metrics.Skipped++
					continue
				}
				res.Metrics.Errored++
				p.logger.Warn().Err(err).Str("source_id", batch.Source.ID).Msg("normalize item failed")
				continue
			}

			verdict := p.deps.Dedup.CheckDuplicate(ctx, article)
			if verdict.IsDuplicate {
				res.Metrics.Skipped++
				res.Metrics.Duplicates++
				p.logger.Debug().
					Str("url", article.URL).
					Str("matched_id", verdict.MatchedID).
					Str("reason", verdict.Reason).
					Float64("confidence", verdict.Confidence).
					Msg("duplicate skipped")
				continue
			}

			if article.Excerpt == "" && p.deps.Extractor != nil && extracted < p.cfg.ExcerptFetchLimit {
				extracted++
				p.fillExcerpt(ctx, &article)
			}

			if err := p.deps.Articles.InsertArticle(ctx, article); err != nil {
				if errors.Is(err, store.ErrConflict) {
					res.Metrics.Skipped++
					res.Metrics.Duplicates++
					continue
				}
				res.Metrics.Errored++
				p.logger.Warn().Err(err).Str("url", article.URL).Msg("persist article failed")
				continue
			}
			res.Metrics.Processed++
			res.Articles = append(res.Articles, article)
		}
	}

	if res.FailedSources == len(sources) {
		return res, fmt.Errorf("%w: %d of %d", ErrAllSourcesFailed, res.FailedSources, len(sources))
	}

	p.logger.Info().
		Int("sources", res.Sources).
		Int("failed_sources", res.FailedSources).
		Int("processed", res.Metrics.Processed).
		Int("skipped", res.Metrics.Skipped).
		Int("duplicates", res.Metrics.Duplicates).
		Int("errored", res.Metrics.Errored).
		Msg("fetch phase completed")
	return res, nil
}

func (p *Pipeline) fillExcerpt(ctx context.Context, a *store.Article) {
	text, err := p.deps.Extractor.Extract(ctx, a.URL)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", a.URL).Msg("excerpt extraction failed")
		return
	}
	a.Excerpt = reader.Truncate(text, maxExcerptRunes)
	a.KeyTermsHash = normalize.KeyTermsHash(a.Title + " " + a.Excerpt)
}

type EnrichResult struct {
	Classified int
	Errored    int
	Clusters   int
}

// EnrichPhase classifies, clusters and scores articles persisted by the fetch
// phase, in that order. Clustering writes only cluster keys and cluster
// scores; the persisted article score is the scoring engine's result. A failed
// classification leaves the article unclassified but still scored.
func (p *Pipeline) EnrichPhase(ctx context.Context, articles []store.Article) (EnrichResult, error) {
	var res EnrichResult
	if len(articles) == 0 {
		return res, nil
	}

	trust, err := p.deps.Registry.TrustScores(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	classified := make([]store.Article, 0, len(articles))
	updates := make([]store.ArticleUpdate, 0, len(articles))
	for _, a := range articles {
		var update store.ArticleUpdate
		if p.deps.Classifier != nil {
			c, err := p.deps.Classifier.Classify(ctx, classify.Input{Title: a.Title, Text: a.Excerpt, SourceName: a.SourceName})
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.Errored++
				p.logger.Warn().Err(err).Str("article_id", a.ID).Msg("classification failed")
			} else {
				res.Classified++
				update = classificationUpdate(c)
			}
		}
		update.Apply(&a)
		classified = append(classified, a)
		updates = append(updates, update)
	}

	clusters, err := p.deps.Clusters.Run(ctx, classified, trust)
	if err != nil {
		return res, err
	}
	res.Clusters = len(clusters)

	now := p.clock()
	patches := make([]store.ArticlePatch, 0, len(classified))
	for i, a := range classified {
		update := updates[i]
		scoreUpdate, _ := scoring.InitialUpdate(a, trustOf(trust, a.SourceID), now)
		update.Score = scoreUpdate.Score
		update.ScoredAt = scoreUpdate.ScoredAt
		update.ScoreHistory = scoreUpdate.ScoreHistory
		patches = append(patches, store.ArticlePatch{ID: a.ID, Update: update})
	}
	if err := p.deps.Articles.BatchUpdateArticles(ctx, patches); err != nil {
		return res, fmt.Errorf("write enrichment: %w", err)
	}

	p.logger.Info().
		Int("articles", len(articles)).
		Int("classified", res.Classified).
		Int("errored", res.Errored).
		Int("clusters", res.Clusters).
		Msg("enrichment phase completed")
	return res, nil
}

// Run performs one full attempt and is the cycle.RunFunc of the ingestion
// cycle.
func (p *Pipeline) Run(ctx context.Context, t cycle.Tracker) (store.CycleMetrics, error) {
	start := p.clock()
	var fetched FetchResult
	err := t.Phase(ctx, store.PhaseFetch, func(ctx context.Context) error {
		var err error
		fetched, err = p.FetchPhase(ctx)
		return err
	})
	metrics := fetched.Metrics
	if err != nil {
		metrics.Duration = p.clock().Sub(start)
		return metrics, err
	}

	var enriched EnrichResult
	err = t.Phase(ctx, store.PhaseEnrichment, func(ctx context.Context) error {
		var err error
		enriched, err = p.EnrichPhase(ctx, fetched.Articles)
		return err
	})
	metrics.Errored += enriched.Errored
	metrics.Duration = p.clock().Sub(start)
	return metrics, err
}

func classificationUpdate(r classify.Result) store.ArticleUpdate {
	summary := r.Summary
	category := r.Category
	sentiment := r.Sentiment
	tags := r.Tags
	c := r.Classification
	return store.ArticleUpdate{
		Summary:        &summary,
		Category:       &category,
		Sentiment:      &sentiment,
		Tags:           &tags,
		Classification: &c,
	}
}

func trustOf(trust map[string]float64, sourceID string) float64 {
	if v, ok := trust[sourceID]; ok {
		return v
	}
	return store.DefaultTrustScore
}
