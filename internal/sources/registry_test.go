package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/store"
)

const registryYAML = `
sources:
  - id: insurance-journal
    name: Insurance Journal
    url: https://www.insurancejournal.com/rss/news/
    type: rss
    trust_score: 85
  - id: naic-news
    url: https://content.naic.org/newsroom
    type: HTML
    item_selector: "div.news-item a[href]"
  - id: legacy
    url: https://legacy.example/feed
    active: false
`

func TestDecodeAppliesDefaults(t *testing.T) {
	t.Parallel()

	got, err := Decode(strings.NewReader(registryYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("unexpected source count: %d", len(got))
	}
	if got[0].TrustScore != 85 || !got[0].Active {
		t.Fatalf("unexpected first source: %+v", got[0])
	}
	naic := got[1]
	if naic.Name != "naic-news" || naic.Type != store.SourceHTML || naic.TrustScore != store.DefaultTrustScore {
		t.Fatalf("unexpected defaults: %+v", naic)
	}
	if naic.ItemSelector != "div.news-item a[href]" {
		t.Fatalf("unexpected selector: %q", naic.ItemSelector)
	}
	if got[2].Active || got[2].Type != store.SourceRSS {
		t.Fatalf("unexpected legacy source: %+v", got[2])
	}
}

func TestDecodeRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown type":  "sources:\n  - id: a\n    url: https://a.example\n    type: gopher\n",
		"missing url":   "sources:\n  - id: a\n",
		"trust range":   "sources:\n  - id: a\n    url: https://a.example\n    trust_score: 140\n",
		"unknown field": "sources:\n  - id: a\n    url: https://a.example\n    weight: 2\n",
	}
	for name, doc := range cases {
		if _, err := Decode(strings.NewReader(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	dup := "sources:\n  - id: a\n    url: https://a.example\n  - id: a\n    url: https://b.example\n"
	if _, err := Decode(strings.NewReader(dup)); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
}

func TestLoadFileEmptyDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no sources, got %d", len(got))
	}
}

func TestSyncDeactivatesRemovedSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemory()
	reg := NewRegistry(mem, zerolog.Nop())

	first := []store.Source{
		{ID: "a", Name: "A", URL: "https://a.example/feed", Type: store.SourceRSS, TrustScore: 70, Active: true},
		{ID: "b", Name: "B", URL: "https://b.example/feed", Type: store.SourceRSS, TrustScore: 40, Active: true},
	}
	if _, err := reg.Sync(ctx, first); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := mem.RecordFetch(ctx, store.FetchOutcome{SourceID: "a", At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("RecordFetch() error = %v", err)
	}

	res, err := reg.Sync(ctx, first[:1])
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Upserted != 1 || res.Deactivated != 1 {
		t.Fatalf("unexpected sync result: %+v", res)
	}

	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "a" {
		t.Fatalf("unexpected active sources: %+v", active)
	}
	if active[0].SuccessCount != 1 {
		t.Fatalf("sync reset fetch counters: %+v", active[0])
	}

	trust, err := reg.TrustScores(ctx)
	if err != nil {
		t.Fatalf("TrustScores() error = %v", err)
	}
	if trust["b"] != 40 || trust["a"] != 70 {
		t.Fatalf("unexpected trust scores: %v", trust)
	}
}
