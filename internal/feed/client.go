// Package feed fetches raw items from configured sources. Syndication
// formats go through gofeed; html listing pages are scraped with goquery.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"horse.fit/carriersignal/internal/retry"
	"horse.fit/carriersignal/internal/store"
)

const (
	DefaultTimeout      = 10 * time.Second
	defaultUserAgent    = "carriersignal/1.0 (+https://horse.fit)"
	defaultItemSelector = "article a[href], h2 a[href], h3 a[href]"
	maxBodyBytes        = 8 << 20
	maxHTMLItems        = 100
)

var (
	ErrTimeout = errors.New("feed fetch timed out")
	ErrStatus  = errors.New("feed returned unexpected status")
	ErrParse   = errors.New("feed could not be parsed")
	ErrRequest = errors.New("feed request failed")
)

// FetchError carries the failure class (one of the Err* sentinels) and the
// underlying cause. errors.Is matches both.
type FetchError struct {
	SourceID   string
	Kind       error
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source %s: %v (HTTP %d)", e.SourceID, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("source %s: %v: %v", e.SourceID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Item is one raw entry as published by a source.
type Item struct {
	Title       string
	Link        string
	PublishedAt *time.Time
	Content     string
	Author      string
	ImageURL    string
	Categories  []string
}

// Client fetches the current items of one source.
type Client interface {
	Fetch(ctx context.Context, src store.Source) ([]Item, error)
}

type HTTPClientOptions struct {
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Policy
}

type HTTPClient struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	policy    retry.Policy
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(httpClient *http.Client, opts HTTPClientOptions) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	policy := opts.Retry
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &HTTPClient{
		http:      httpClient,
		timeout:   timeout,
		userAgent: userAgent,
		policy:    policy,
	}
}

// Retryable reports whether a fetch error is worth another attempt.
func Retryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	if errors.Is(fe.Kind, ErrTimeout) || errors.Is(fe.Kind, ErrRequest) {
		return true
	}
	return errors.Is(fe.Kind, ErrStatus) && fe.StatusCode >= 500
}

func (c *HTTPClient) Fetch(ctx context.Context, src store.Source) ([]Item, error) {
	var items []Item
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		fetched, err := c.fetchOnce(ctx, src)
		if err != nil {
			return err
		}
		items = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) fetchOnce(ctx context.Context, src store.Source) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: ErrRequest, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader(src.Type))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{SourceID: src.ID, Kind: ErrStatus, StatusCode: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	var items []Item
	if src.Type == store.SourceHTML {
		items, err = parseHTMLListing(body, src)
	} else {
		items, err = parseSyndication(body)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{SourceID: src.ID, Kind: ErrTimeout, Err: ctx.Err()}
		}
		return nil, &FetchError{SourceID: src.ID, Kind: ErrParse, Err: err}
	}
	return items, nil
}

func acceptHeader(t store.SourceType) string {
	switch t {
	case store.SourceHTML:
		return "text/html,application/xhtml+xml"
	case store.SourceJSON, store.SourceAPI:
		return "application/feed+json,application/json"
	default:
		return "application/rss+xml,application/atom+xml,application/xml;q=0.9,*/*;q=0.8"
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrRequest
}

func parseSyndication(body io.Reader) ([]Item, error) {
	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := Item{
			Title:      entry.Title,
			Link:       strings.TrimSpace(entry.Link),
			Content:    firstNonEmpty(entry.Description, entry.Content),
			Categories: entry.Categories,
		}
		switch {
		case entry.PublishedParsed != nil:
			t := entry.PublishedParsed.UTC()
			item.PublishedAt = &t
		case entry.UpdatedParsed != nil:
			t := entry.UpdatedParsed.UTC()
			item.PublishedAt = &t
		}
		if entry.Author != nil {
			item.Author = entry.Author.Name
		}
		if entry.Image != nil {
			item.ImageURL = entry.Image.URL
		}
		if item.ImageURL == "" {
			for _, enc := range entry.Enclosures {
				if enc != nil && strings.HasPrefix(enc.Type, "image/") {
					item.ImageURL = enc.URL
					break
				}
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func parseHTMLListing(body io.Reader, src store.Source) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, err
	}

	selector := strings.TrimSpace(src.ItemSelector)
	if selector == "" {
		selector = defaultItemSelector
	}

	seen := make(map[string]struct{})
	items := make([]Item, 0)
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s
		if !s.Is("a") {
			link = s.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		resolved := base.ResolveReference(ref).String()
		if _, dup := seen[resolved]; dup {
			return true
		}

		title := strings.Join(strings.Fields(link.Text()), " ")
		if title == "" {
			title = strings.TrimSpace(link.AttrOr("title", ""))
		}
		if title == "" {
			return true
		}
		seen[resolved] = struct{}{}

		item := Item{Title: title, Link: resolved}
		if datetime, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(datetime)); err == nil {
				t = t.UTC()
				item.PublishedAt = &t
			}
		}
		items = append(items, item)
		return len(items) < maxHTMLItems
	})
	return items, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
