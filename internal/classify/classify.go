// Package classify tags and grades articles. The primary implementation asks
// Gemini for a JSON verdict validated against an embedded schema; a keyword
// classifier takes over whenever the model is unavailable or misbehaves.
package classify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/store"
)

const (
	MethodLLM       = "llm"
	MethodHeuristic = "heuristic"
)

var (
	ErrInvalidResponse = errors.New("invalid classification response")
	ErrEmptyInput      = errors.New("nothing to classify")
)

type Input struct {
	Title      string
	Text       string
	SourceName string
}

type Result struct {
	Summary        string               `json:"summary"`
	Category       string               `json:"category"`
	Sentiment      string               `json:"sentiment"`
	Tags           store.Tags           `json:"tags"`
	Classification store.Classification `json:"classification"`
}

// Classifier grades one article.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

type fallbackClassifier struct {
	primary  Classifier
	fallback Classifier
	logger   zerolog.Logger
}

// WithFallback returns a classifier that answers with fallback whenever
// primary fails. A nil primary always uses fallback.
func WithFallback(primary, fallback Classifier, logger zerolog.Logger) Classifier {
	return &fallbackClassifier{primary: primary, fallback: fallback, logger: logger}
}

func (c *fallbackClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	if c.primary != nil {
		res, err := c.primary.Classify(ctx, in)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.logger.Warn().Err(err).Str("title", in.Title).Msg("primary classifier failed, using fallback")
	}
	return c.fallback.Classify(ctx, in)
}
