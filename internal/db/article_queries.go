package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/carriersignal/internal/store"
)

func (p *Pool) InsertArticle(ctx context.Context, a store.Article) error {
	if err := a.Validate(); err != nil {
		return err
	}
	row, err := articleToRow(a)
	if err != nil {
		return err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()
	return translate(gdb.Create(&row).Error, "insert article "+a.ID)
}

func (p *Pool) GetArticle(ctx context.Context, id string) (store.Article, error) {
	gdb, cancel := p.session(ctx)
	defer cancel()

	var row ArticleRow
	if err := gdb.Where("id = ?", id).Take(&row).Error; err != nil {
		return store.Article{}, translate(err, "get article "+id)
	}
	return row.toArticle()
}

func (p *Pool) QueryArticles(ctx context.Context, q store.ArticleQuery) ([]store.Article, error) {
	query, args, err := articleSelectSQL(q)
	if err != nil {
		return nil, err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	var rows []ArticleRow
	if err := gdb.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, translate(err, "query articles")
	}
	out := make([]store.Article, 0, len(rows))
	for _, row := range rows {
		a, err := row.toArticle()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Pool) CountArticles(ctx context.Context, q store.ArticleQuery) (int64, error) {
	query, args, err := articleCountSQL(q)
	if err != nil {
		return 0, err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	var n int64
	if err := gdb.Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, translate(err, "count articles")
	}
	return n, nil
}

func (p *Pool) UpdateArticle(ctx context.Context, id string, u store.ArticleUpdate) error {
	return p.BatchUpdateArticles(ctx, []store.ArticlePatch{{ID: id, Update: u}})
}

// BatchUpdateArticles locks each target row, applies the patch in Go so the
// same clamping and validation as the memory store hold, and commits once.
func (p *Pool) BatchUpdateArticles(ctx context.Context, patches []store.ArticlePatch) error {
	if len(patches) == 0 {
		return nil
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	return gdb.Transaction(func(tx *gorm.DB) error {
		for _, patch := range patches {
			var row ArticleRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", patch.ID).
				Take(&row).Error
			if err != nil {
				return translate(err, "update article "+patch.ID)
			}
			a, err := row.toArticle()
			if err != nil {
				return err
			}
			patch.Update.Apply(&a)
			if err := a.Validate(); err != nil {
				return err
			}
			next, err := articleToRow(a)
			if err != nil {
				return err
			}
			if err := tx.Save(&next).Error; err != nil {
				return translate(err, "update article "+patch.ID)
			}
		}
		return nil
	})
}

func (p *Pool) DeleteArticles(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	res := gdb.Where("id IN ?", ids).Delete(&ArticleRow{})
	if res.Error != nil {
		return 0, translate(res.Error, "delete articles")
	}
	return int(res.RowsAffected), nil
}

func articleSelectSQL(q store.ArticleQuery) (string, []any, error) {
	b := applyArticleFilters(sq.Select("*").From(ArticleRow{}.TableName()), q).
		OrderBy(articleOrderBy(q.Order)...)
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build article query: %w", err)
	}
	return query, args, nil
}

func articleCountSQL(q store.ArticleQuery) (string, []any, error) {
	query, args, err := applyArticleFilters(sq.Select("COUNT(*)").From(ArticleRow{}.TableName()), q).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build article count: %w", err)
	}
	return query, args, nil
}

func applyArticleFilters(b sq.SelectBuilder, q store.ArticleQuery) sq.SelectBuilder {
	if q.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": q.SourceID})
	}
	if q.NormalizedURL != "" {
		b = b.Where(sq.Eq{"normalized_url": q.NormalizedURL})
	}
	if q.ContentHash != "" {
		b = b.Where(sq.Eq{"content_hash": q.ContentHash})
	}
	if q.KeyTermsHash != "" {
		b = b.Where(sq.Eq{"key_terms_hash": q.KeyTermsHash})
	}
	if !q.PublishedAfter.IsZero() {
		b = b.Where(sq.GtOrEq{"published_at": q.PublishedAfter.UTC()})
	}
	if !q.IngestedAfter.IsZero() {
		b = b.Where(sq.GtOrEq{"ingested_at": q.IngestedAfter.UTC()})
	}
	if !q.IngestedBefore.IsZero() {
		b = b.Where(sq.Lt{"ingested_at": q.IngestedBefore.UTC()})
	}
	if q.ExcludeDuplicates {
		b = b.Where(sq.Eq{"is_duplicate": false})
	}
	if q.OnlyDuplicates {
		b = b.Where(sq.Eq{"is_duplicate": true})
	}
	if !q.DuplicateMarkedBefore.IsZero() {
		b = b.Where(sq.Lt{"duplicate_marked_at": q.DuplicateMarkedBefore.UTC()})
	}
	return b
}

func articleOrderBy(order store.ArticleOrder) []string {
	switch order {
	case store.OrderScoreDesc:
		return []string{"score DESC", "published_at DESC"}
	case store.OrderIngestedAsc:
		return []string{"ingested_at ASC", "id ASC"}
	case store.OrderIngestedDesc:
		return []string{"ingested_at DESC", "id DESC"}
	default:
		return []string{"published_at DESC", "id ASC"}
	}
}
