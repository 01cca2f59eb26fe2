package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const articlePage = `<!doctype html>
<html><head><title>Carrier exits Florida</title></head>
<body>
<nav><a href="/">Home</a> <a href="/markets">Markets</a></nav>
<article>
<h1>Carrier exits Florida homeowners market</h1>
<p>A mid-sized carrier said on Tuesday it will stop writing new homeowners policies in Florida, citing reinsurance costs and litigation trends that have pushed loss ratios well above plan.</p>
<p>The company will non-renew roughly forty thousand policies over the next twelve months and expects Citizens Property Insurance to absorb most of the affected policyholders.</p>
<p>Regulators said they were reviewing the filing and would publish a decision before the end of the quarter.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func TestExtractReadsArticleBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected user agent header")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	text, err := NewExtractor(Options{}).Extract(context.Background(), srv.URL+"/story")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(text, "stop writing new homeowners policies") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestExtractPlainText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  Rate   filing approved \r\n\r\n today "))
	}))
	defer srv.Close()

	text, err := NewExtractor(Options{}).Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "Rate filing approved\n\ntoday" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestExtractStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewExtractor(Options{}).Extract(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 403")
	}
}

func TestExtractEmptyPlainText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	if _, err := NewExtractor(Options{}).Extract(context.Background(), srv.URL); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("abcdefghijklmnopqrstuvwxyz", 10); got != "abcdefghi…" {
		t.Fatalf("unexpected truncated text: %q", got)
	}
	if got := Truncate(" short ", 10); got != "short" {
		t.Fatalf("unexpected short text: %q", got)
	}
}
