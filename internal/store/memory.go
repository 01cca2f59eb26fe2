package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store used in tests and when no DATABASE_URL is
// configured. Records are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	articles  map[string]Article
	sources   map[string]Source
	cycles    map[string]Cycle
	fallbacks []FallbackTask
	now       func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		articles: make(map[string]Article),
		sources:  make(map[string]Source),
		cycles:   make(map[string]Cycle),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) InsertArticle(ctx context.Context, a Article) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.articles[a.ID]; exists {
		return fmt.Errorf("article %s: %w", a.ID, ErrConflict)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = m.now()
	}
	m.articles[a.ID] = cloneArticle(a)
	return nil
}

func (m *Memory) GetArticle(ctx context.Context, id string) (Article, error) {
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return Article{}, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	return cloneArticle(a), nil
}

func (m *Memory) QueryArticles(ctx context.Context, q ArticleQuery) ([]Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Article, 0)
	for _, a := range m.articles {
		if q.Matches(a) {
			out = append(out, cloneArticle(a))
		}
	}
	m.mu.RUnlock()

	sortArticles(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CountArticles(ctx context.Context, q ArticleQuery) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, a := range m.articles {
		if q.Matches(a) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateArticle(ctx context.Context, id string, u ArticleUpdate) error {
	return m.BatchUpdateArticles(ctx, []ArticlePatch{{ID: id, Update: u}})
}

func (m *Memory) BatchUpdateArticles(ctx context.Context, patches []ArticlePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]Article, len(patches))
	for _, p := range patches {
		a, ok := staged[p.ID]
		if !ok {
			a, ok = m.articles[p.ID]
			if !ok {
				return fmt.Errorf("article %s: %w", p.ID, ErrNotFound)
			}
			a = cloneArticle(a)
		}
		p.Update.Apply(&a)
		a.UpdatedAt = m.now()
		if err := a.Validate(); err != nil {
			return err
		}
		staged[p.ID] = a
	}
	for id, a := range staged {
		m.articles[id] = a
	}
	return nil
}

func (m *Memory) DeleteArticles(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := m.articles[id]; ok {
			delete(m.articles, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) UpsertSource(ctx context.Context, s Source) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[s.ID]; ok {
		// registry sync must not reset fetch counters
		s.LastFetchAt = existing.LastFetchAt
		s.ConsecutiveErrors = existing.ConsecutiveErrors
		s.SuccessCount = existing.SuccessCount
		s.FailureCount = existing.FailureCount
		s.LastError = existing.LastError
	}
	m.sources[s.ID] = s
	return nil
}

func (m *Memory) GetSource(ctx context.Context, id string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ListSources(ctx context.Context, activeOnly bool) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RecordFetch(ctx context.Context, o FetchOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[o.SourceID]
	if !ok {
		return fmt.Errorf("source %s: %w", o.SourceID, ErrNotFound)
	}
	s.Apply(o)
	m.sources[o.SourceID] = s
	return nil
}

func (m *Memory) InsertCycle(ctx context.Context, c Cycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cycles[c.ID]; exists {
		return fmt.Errorf("cycle %s: %w", c.ID, ErrConflict)
	}
	m.cycles[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetCycle(ctx context.Context, id string) (Cycle, error) {
	if err := ctx.Err(); err != nil {
		return Cycle{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return Cycle{}, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) UpdateCycle(ctx context.Context, c Cycle, expected CycleStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.cycles[c.ID]
	if !ok {
		return fmt.Errorf("cycle %s: %w", c.ID, ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("cycle %s is %s, expected %s: %w", c.ID, current.Status, expected, ErrStatusConflict)
	}
	m.cycles[c.ID] = c.Clone()
	return nil
}

func (m *Memory) ListCycles(ctx context.Context, q CycleQuery) ([]Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Cycle, 0)
	for _, c := range m.cycles {
		if q.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) InsertFallbackTask(ctx context.Context, t FallbackTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.fallbacks {
		if existing.ID == t.ID {
			return fmt.Errorf("fallback task %s: %w", t.ID, ErrConflict)
		}
	}
	m.fallbacks = append(m.fallbacks, t)
	return nil
}

func (m *Memory) ListFallbackTasks(ctx context.Context, q FallbackQuery) ([]FallbackTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FallbackTask, 0)
	for i := len(m.fallbacks) - 1; i >= 0; i-- {
		t := m.fallbacks[i]
		if q.CycleID != "" && t.CycleID != q.CycleID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func sortArticles(items []Article, order ArticleOrder) {
	switch order {
	case OrderScoreDesc:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Score == items[j].Score {
				return items[i].PublishedAt.After(items[j].PublishedAt)
			}
			return items[i].Score > items[j].Score
		})
	case OrderIngestedAsc:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].IngestedAt.Equal(items[j].IngestedAt) {
				return items[i].ID < items[j].ID
			}
			return items[i].IngestedAt.Before(items[j].IngestedAt)
		})
	case OrderIngestedDesc:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].IngestedAt.Equal(items[j].IngestedAt) {
				return items[i].ID > items[j].ID
			}
			return items[i].IngestedAt.After(items[j].IngestedAt)
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].PublishedAt.Equal(items[j].PublishedAt) {
				return items[i].ID < items[j].ID
			}
			return items[i].PublishedAt.After(items[j].PublishedAt)
		})
	}
}

func cloneArticle(a Article) Article {
	out := a
	out.Tags = Tags{
		LinesOfBusiness: append([]string(nil), a.Tags.LinesOfBusiness...),
		Perils:          append([]string(nil), a.Tags.Perils...),
		Regions:         append([]string(nil), a.Tags.Regions...),
		Companies:       append([]string(nil), a.Tags.Companies...),
		Trends:          append([]string(nil), a.Tags.Trends...),
		Regulations:     append([]string(nil), a.Tags.Regulations...),
	}
	if a.Classification != nil {
		c := *a.Classification
		if a.Classification.Impact != nil {
			impact := *a.Classification.Impact
			c.Impact = &impact
		}
		out.Classification = &c
	}
	if a.Engagement != nil {
		e := *a.Engagement
		out.Engagement = &e
	}
	out.ScoreHistory = append([]ScoreEntry(nil), a.ScoreHistory...)
	out.ScoredAt = cloneTime(a.ScoredAt)
	out.DuplicateMarkedAt = cloneTime(a.DuplicateMarkedAt)
	return out
}
