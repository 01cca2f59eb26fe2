package normalize

import (
	"errors"
	"testing"
	"time"

	"horse.fit/carriersignal/internal/feed"
	"horse.fit/carriersignal/internal/store"
)

func TestURLStripsTrackingAndCanonicalizes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://WWW.Example.COM:443/news/path/?utm_source=abc&fbclid=123&b=2&a=1": "https://example.com/news/path?a=1&b=2",
		"https://example.com/news/amp/story#comments":                              "https://example.com/news/story",
		"https://example.com/story?gclid=x&ref=twitter":                            "https://example.com/story",
		"http://insurancejournal.com:8080/a//b/":                                   "http://insurancejournal.com:8080/a/b",
	}
	for raw, want := range cases {
		if got := URL(raw); got != want {
			t.Fatalf("URL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestURLIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://www.example.com/news/amp/a%20b/?utm_medium=x&z=1&a=2#top",
		"https://example.com/",
		"https://example.com",
		"not a url",
		"HTTP://Example.com/Path/With/Case/",
	}
	for _, raw := range inputs {
		once := URL(raw)
		if twice := URL(once); twice != once {
			t.Fatalf("URL not idempotent for %q: %q then %q", raw, once, twice)
		}
	}
}

func TestURLTrailingSlashEquivalence(t *testing.T) {
	t.Parallel()

	if URL("https://example.com/a/") != URL("https://example.com/a") {
		t.Fatalf("expected trailing slash variants to normalize equally")
	}
	if URL("https://example.com/") != URL("https://example.com") {
		t.Fatalf("expected root trailing slash variants to normalize equally")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	t.Parallel()

	a := ContentHash("  Hurricane Hits Florida ", "https://example.com/a", "SRC")
	b := ContentHash("hurricane hits florida", "https://example.com/a", "src")
	if a != b {
		t.Fatalf("expected case and whitespace insensitive hash")
	}
	if a == ContentHash("hurricane hits florida", "https://example.com/a", "other") {
		t.Fatalf("expected source id to change the hash")
	}
	if len(a) != 64 {
		t.Fatalf("unexpected hash length: %d", len(a))
	}
}

func TestKeyTermsFiltersAndSorts(t *testing.T) {
	t.Parallel()

	got := KeyTerms("The wildfire losses will push California homeowners rates; wildfire season")
	want := []string{"california", "homeowners", "losses", "push", "rates", "season", "wildfire"}
	if len(got) != len(want) {
		t.Fatalf("unexpected key terms: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected key terms: got %v want %v", got, want)
		}
	}
	if KeyTermsHash("a an the") != "" {
		t.Fatalf("expected empty hash for text without key terms")
	}
}

func TestArticleRequiresTitleAndLink(t *testing.T) {
	t.Parallel()

	src := store.Source{ID: "s1", Name: "Feed"}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	if _, err := Article(feed.Item{Link: "https://example.com/a"}, src, now, Options{}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for missing title, got %v", err)
	}
	if _, err := Article(feed.Item{Title: "Title"}, src, now, Options{}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for missing link, got %v", err)
	}
}

func TestArticleBuildsRecord(t *testing.T) {
	t.Parallel()

	src := store.Source{ID: "s1", Name: "Insurance Journal"}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)

	got, err := Article(feed.Item{
		Title:       "  <b>Chubb</b> raises   rates ",
		Link:        "https://www.example.com/chubb/?utm_source=rss",
		PublishedAt: &future,
		Content:     "<p>Chubb said on Tuesday &amp; more.</p>",
	}, src, now, Options{
		NewID:          func() string { return "fixed-id" },
		DetectLanguage: func(string) string { return "en" },
	})
	if err != nil {
		t.Fatalf("Article() error = %v", err)
	}
	if got.ID != "fixed-id" || got.Title != "Chubb raises rates" {
		t.Fatalf("unexpected id/title: %q %q", got.ID, got.Title)
	}
	if got.NormalizedURL != "https://example.com/chubb" {
		t.Fatalf("unexpected normalized url: %q", got.NormalizedURL)
	}
	if got.Excerpt != "Chubb said on Tuesday & more." {
		t.Fatalf("unexpected excerpt: %q", got.Excerpt)
	}
	if !got.PublishedAt.Equal(now) {
		t.Fatalf("expected future publish date clamped to now, got %s", got.PublishedAt)
	}
	if got.ContentHash != ContentHash("Chubb raises rates", "https://example.com/chubb", "s1") {
		t.Fatalf("unexpected content hash")
	}
	if got.Language != "en" {
		t.Fatalf("unexpected language: %q", got.Language)
	}
}
