// Package normalize turns fetched feed items into article records: canonical
// URLs, cleaned text, language and the hashes the deduplication tiers use.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"horse.fit/carriersignal/internal/feed"
	"horse.fit/carriersignal/internal/store"
)

const (
	maxExcerptRunes = 500
	futureSkew      = time.Hour
)

// ErrMissingField marks items that lack a title or link. Such items are
// skipped, not errored.
var ErrMissingField = errors.New("missing required field")

type Options struct {
	// DetectLanguage returns an ISO 639-1 code or "" when unsure.
	DetectLanguage func(text string) string
	NewID          func() string
}

// Article builds an unpersisted article record from a raw feed item.
func Article(item feed.Item, src store.Source, now time.Time, opts Options) (store.Article, error) {
	title := CleanText(item.Title)
	link := strings.TrimSpace(item.Link)
	if title == "" {
		return store.Article{}, fmt.Errorf("%w: title (source %s)", ErrMissingField, src.ID)
	}
	if link == "" {
		return store.Article{}, fmt.Errorf("%w: link (source %s)", ErrMissingField, src.ID)
	}

	now = now.UTC()
	published := now
	if item.PublishedAt != nil && !item.PublishedAt.IsZero() {
		published = item.PublishedAt.UTC()
		if published.After(now.Add(futureSkew)) {
			published = now
		}
	}

	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	normalizedURL := URL(link)
	excerpt := truncateRunes(CleanText(item.Content), maxExcerptRunes)

	article := store.Article{
		ID:            newID(),
		URL:           link,
		NormalizedURL: normalizedURL,
		Title:         title,
		PublishedAt:   published,
		SourceID:      src.ID,
		SourceName:    src.Name,
		Author:        CleanText(item.Author),
		Excerpt:       excerpt,
		ImageURL:      strings.TrimSpace(item.ImageURL),
		ContentHash:   ContentHash(title, normalizedURL, src.ID),
		KeyTermsHash:  KeyTermsHash(title + " " + excerpt),
		IngestedAt:    now,
		UpdatedAt:     now,
	}
	if opts.DetectLanguage != nil {
		article.Language = opts.DetectLanguage(strings.TrimSpace(title + ". " + excerpt))
	}
	return article, nil
}

// CleanText strips markup and collapses whitespace.
func CleanText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	text := trimmed
	if strings.ContainsAny(trimmed, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(trimmed))
		if err == nil {
			text = doc.Text()
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}
