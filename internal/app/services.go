package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/classify"
	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/cluster"
	"horse.fit/carriersignal/internal/config"
	"horse.fit/carriersignal/internal/cycle"
	"horse.fit/carriersignal/internal/db"
	"horse.fit/carriersignal/internal/dedup"
	"horse.fit/carriersignal/internal/feed"
	"horse.fit/carriersignal/internal/feedview"
	"horse.fit/carriersignal/internal/ingest"
	"horse.fit/carriersignal/internal/langdetect"
	"horse.fit/carriersignal/internal/logging"
	"horse.fit/carriersignal/internal/monitor"
	"horse.fit/carriersignal/internal/reader"
	"horse.fit/carriersignal/internal/retry"
	"horse.fit/carriersignal/internal/scoring"
	"horse.fit/carriersignal/internal/sources"
	"horse.fit/carriersignal/internal/store"
)

// services holds the wired ingestion core for one command invocation.
type services struct {
	cfg    *config.Config
	logger zerolog.Logger

	store       store.Store
	registry    *sources.Registry
	orch        *cycle.Orchestrator
	pipeline    *ingest.Pipeline
	runner      *ingest.Runner
	maintenance *ingest.Maintenance
	recomputer  *scoring.Recomputer
	reporter    *monitor.Reporter
	feed        *feedview.Service

	closers []func() error
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openServices loads config and wires every component against the configured
// store.
func openServices(ctx context.Context, envLoader *cli.EnvLoader) (*services, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, err := newServices(ctx, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return svc, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if !cfg.UsesDatabase() {
		logger.Warn().Msg("DATABASE_URL is not set, using in-memory store")
		return store.NewMemory(), nil
	}
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newServices(ctx context.Context, cfg *config.Config, st store.Store, logger zerolog.Logger) (*services, error) {
	svc := &services{cfg: cfg, logger: logger, store: st}

	svc.registry = sources.NewRegistry(st, logging.Component(logger, "sources"))
	if err := svc.syncSources(ctx); err != nil {
		return nil, err
	}

	classifier := svc.newClassifier(ctx)

	// one attempt per source per cycle; the per-request timeout is the only bound
	client := feed.NewHTTPClient(nil, feed.HTTPClientOptions{
		Timeout: cfg.FetchTimeout,
		Retry:   retry.Policy{Attempts: 1},
	})
	fetcher := feed.NewFetcher(client, st, cfg.FetchDelay, logging.Component(logger, "fetcher"))

	dedupEngine := dedup.NewEngine(st, dedup.Config{
		TitleThreshold:  cfg.DedupTitleThreshold,
		URLThreshold:    cfg.DedupURLThreshold,
		UseKeyTermsHash: cfg.DedupUseKeyTerms,
	}, logging.Component(logger, "dedup"))

	clusters := cluster.NewEngine(st, cluster.Config{Watchlist: cfg.WatchlistTerms()}, logging.Component(logger, "cluster"))

	svc.pipeline = ingest.NewPipeline(ingest.Deps{
		Articles:   st,
		Registry:   svc.registry,
		Fetcher:    fetcher,
		Dedup:      dedupEngine,
		Classifier: classifier,
		Clusters:   clusters,
		Extractor:  reader.NewExtractor(reader.Options{Timeout: cfg.FetchTimeout}),
	}, ingest.Config{
		ExcerptFetchLimit: cfg.ExcerptLimit,
		DetectLanguage:    langdetect.Detect,
	}, logging.Component(logger, "pipeline"))

	svc.orch = cycle.NewOrchestrator(st, st, cycle.Config{
		MaxRetries: cfg.CycleMaxRetries,
		RetryDelay: cfg.CycleRetryDelay,
		Timeout:    cfg.CycleTimeout,
	}, logging.Component(logger, "cycle"))
	svc.runner = ingest.NewRunner(svc.orch, svc.pipeline, logging.Component(logger, "runner"))

	svc.maintenance = ingest.NewMaintenance(dedupEngine, cfg.DuplicateRetention)
	svc.recomputer = scoring.NewRecomputer(st, scoring.RecomputeConfig{TopN: cfg.RecomputeTopN}, logging.Component(logger, "recompute"))
	svc.reporter = monitor.NewReporter(st, monitor.Config{
		Interval:       cfg.CycleInterval,
		HealthyWithin:  cfg.CycleInterval + 30*time.Minute,
		DegradedWithin: cfg.CycleInterval + time.Hour,
	}, logging.Component(logger, "monitor"))
	svc.feed = feedview.NewService(st)
	return svc, nil
}

// syncSources applies the registry file. A missing file leaves the stored
// registry untouched.
func (svc *services) syncSources(ctx context.Context) error {
	defs, err := sources.LoadFile(svc.cfg.SourcesFile)
	if errors.Is(err, fs.ErrNotExist) {
		svc.logger.Warn().Str("path", svc.cfg.SourcesFile).Msg("sources file not found, using stored registry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}
	if _, err := svc.registry.Sync(ctx, defs); err != nil {
		return fmt.Errorf("failed to sync sources: %w", err)
	}
	return nil
}

func (svc *services) newClassifier(ctx context.Context) classify.Classifier {
	heuristic := classify.Heuristic{}
	if svc.cfg.GeminiAPIKey == "" {
		svc.logger.Info().Msg("GEMINI_API_KEY is not set, using heuristic classifier")
		return heuristic
	}
	gen, err := classify.NewGeminiGenerator(ctx, svc.cfg.GeminiAPIKey, svc.cfg.GeminiModel)
	if err != nil {
		svc.logger.Warn().Err(err).Msg("gemini client unavailable, using heuristic classifier")
		return heuristic
	}
	svc.closers = append(svc.closers, gen.Close)

	logger := logging.Component(svc.logger, "classify")
	llm := classify.NewLLMClassifier(gen, classify.DefaultRetryPolicy(), svc.cfg.LLMTimeout, logger)
	return classify.WithFallback(llm, heuristic, logger)
}

// Close stops pending retries, waits for running attempts, and releases
// clients and the store.
func (svc *services) Close() {
	if svc == nil {
		return
	}
	if svc.orch != nil {
		svc.orch.Stop()
	}
	if svc.runner != nil {
		svc.runner.Wait()
	}
	for i := len(svc.closers) - 1; i >= 0; i-- {
		if err := svc.closers[i](); err != nil {
			svc.logger.Warn().Err(err).Msg("close failed")
		}
	}
	if err := svc.store.Close(); err != nil {
		svc.logger.Warn().Err(err).Msg("close store failed")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
