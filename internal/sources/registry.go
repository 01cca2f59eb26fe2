// Package sources loads the feed registry file and keeps the store's source
// records in step with it. Sources removed from the file are deactivated,
// never deleted, so their fetch history survives.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"horse.fit/carriersignal/internal/store"
)

var ErrDuplicateSource = errors.New("duplicate source id")

// File is the YAML layout of the registry:
//
//	sources:
//	  - id: insurance-journal
//	    name: Insurance Journal
//	    url: https://www.insurancejournal.com/rss/news/
//	    type: rss
//	    trust_score: 85
type File struct {
	Sources []Entry `yaml:"sources"`
}

type Entry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	Type         string   `yaml:"type"`
	TrustScore   *float64 `yaml:"trust_score"`
	Active       *bool    `yaml:"active"`
	ItemSelector string   `yaml:"item_selector"`
}

func (e Entry) toSource() store.Source {
	src := store.Source{
		ID:           strings.TrimSpace(e.ID),
		Name:         strings.TrimSpace(e.Name),
		URL:          strings.TrimSpace(e.URL),
		Type:         store.SourceType(strings.ToLower(strings.TrimSpace(e.Type))),
		TrustScore:   store.DefaultTrustScore,
		Active:       true,
		ItemSelector: strings.TrimSpace(e.ItemSelector),
	}
	if src.Name == "" {
		src.Name = src.ID
	}
	if src.Type == "" {
		src.Type = store.SourceRSS
	}
	if e.TrustScore != nil {
		src.TrustScore = *e.TrustScore
	}
	if e.Active != nil {
		src.Active = *e.Active
	}
	return src
}

// LoadFile reads and validates the registry at path.
func LoadFile(path string) ([]store.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()

	sources, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sources, nil
}

// Decode parses a registry document and validates every entry.
func Decode(r io.Reader) ([]store.Source, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return []store.Source{}, nil
		}
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Sources))
	out := make([]store.Source, 0, len(file.Sources))
	for i, entry := range file.Sources {
		src := entry.toSource()
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("source #%d: %w", i+1, err)
		}
		if _, ok := seen[src.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
		}
		seen[src.ID] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

type SyncResult struct {
	Upserted    int
	Deactivated int
}

// Registry syncs registry entries into a SourceStore.
type Registry struct {
	store  store.SourceStore
	logger zerolog.Logger
}

func NewRegistry(s store.SourceStore, logger zerolog.Logger) *Registry {
	return &Registry{store: s, logger: logger}
}

// Sync upserts every source in defs and deactivates stored sources that are
// no longer listed.
func (r *Registry) Sync(ctx context.Context, defs []store.Source) (SyncResult, error) {
	var result SyncResult
	listed := make(map[string]struct{}, len(defs))
	for _, src := range defs {
		if err := r.store.UpsertSource(ctx, src); err != nil {
			return result, fmt.Errorf("upsert source %s: %w", src.ID, err)
		}
		listed[src.ID] = struct{}{}
		result.Upserted++
	}

	existing, err := r.store.ListSources(ctx, true)
	if err != nil {
		return result, fmt.Errorf("list sources: %w", err)
	}
	for _, src := range existing {
		if _, ok := listed[src.ID]; ok {
			continue
		}
		src.Active = false
		if err := r.store.UpsertSource(ctx, src); err != nil {
			return result, fmt.Errorf("deactivate source %s: %w", src.ID, err)
		}
		result.Deactivated++
		r.logger.Info().Str("source_id", src.ID).Msg("source removed from registry, deactivated")
	}
	return result, nil
}

// Active returns the sources to fetch this cycle.
func (r *Registry) Active(ctx context.Context) ([]store.Source, error) {
	sources, err := r.store.ListSources(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return sources, nil
}

// TrustScores maps source id to trust score for every stored source.
func (r *Registry) TrustScores(ctx context.Context) (map[string]float64, error) {
	sources, err := r.store.ListSources(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make(map[string]float64, len(sources))
	for _, src := range sources {
		out[src.ID] = src.TrustScore
	}
	return out, nil
}
