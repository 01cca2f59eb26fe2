package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"horse.fit/carriersignal/internal/globaltime"
	"horse.fit/carriersignal/internal/store"
)

const DefaultSourceDelay = 1500 * time.Millisecond

// Batch is the outcome of fetching one source.
type Batch struct {
	Source store.Source
	Items  []Item
	Err    error
}

// Fetcher walks sources one at a time with a fixed pause between them and
// records each outcome on the source.
type Fetcher struct {
	client  Client
	sources store.SourceStore
	delay   time.Duration
	clock   globaltime.Clock
	logger  zerolog.Logger
}

func NewFetcher(client Client, sources store.SourceStore, delay time.Duration, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		sources: sources,
		delay:   delay,
		clock:   globaltime.UTC,
		logger:  logger,
	}
}

// WithClock overrides the time source used for fetch timestamps.
func (f *Fetcher) WithClock(clock globaltime.Clock) *Fetcher {
	f.clock = globaltime.OrDefault(clock)
	return f
}

// FetchAll fetches every source in order. A failing source never stops the
// batch; only context cancellation does.
func (f *Fetcher) FetchAll(ctx context.Context, sources []store.Source) ([]Batch, error) {
	batches := make([]Batch, 0, len(sources))
	for i, src := range sources {
		if i > 0 {
			if err := f.pause(ctx); err != nil {
				return batches, err
			}
		}

		started := time.Now()
		items, err := f.client.Fetch(ctx, src)
		if ctx.Err() != nil {
			return batches, ctx.Err()
		}
		batches = append(batches, Batch{Source: src, Items: items, Err: err})

		if recErr := f.sources.RecordFetch(ctx, store.FetchOutcome{SourceID: src.ID, At: f.clock(), Err: err}); recErr != nil {
			f.logger.Warn().Err(recErr).Str("source_id", src.ID).Msg("record fetch outcome failed")
		}

		if err != nil {
			f.logger.Warn().
				Err(err).
				Str("source_id", src.ID).
				Str("source_url", src.URL).
				Dur("elapsed", time.Since(started)).
				Msg("source fetch failed")
			continue
		}
		f.logger.Debug().
			Str("source_id", src.ID).
			Int("items", len(items)).
			Dur("elapsed", time.Since(started)).
			Msg("source fetched")
	}
	return batches, nil
}

// pause blocks for the full source delay measured from now, however long the
// previous fetch took. A fresh single-token limiter is drained and then waited
// on so cancellation is honoured.
func (f *Fetcher) pause(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	gap := rate.NewLimiter(rate.Every(f.delay), 1)
	gap.Allow()
	return gap.Wait(ctx)
}
