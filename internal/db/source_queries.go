package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/carriersignal/internal/store"
)

// sourceConfigColumns are the registry-owned columns. Fetch counters are left
// alone on conflict.
var sourceConfigColumns = []string{"name", "url", "type", "trust_score", "active", "item_selector"}

func (p *Pool) UpsertSource(ctx context.Context, s store.Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	row := sourceToRow(s)
	gdb, cancel := p.session(ctx)
	defer cancel()

	err := gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(sourceConfigColumns),
	}).Create(&row).Error
	return translate(err, "upsert source "+s.ID)
}

func (p *Pool) GetSource(ctx context.Context, id string) (store.Source, error) {
	gdb, cancel := p.session(ctx)
	defer cancel()

	var row SourceRow
	if err := gdb.Where("id = ?", id).Take(&row).Error; err != nil {
		return store.Source{}, translate(err, "get source "+id)
	}
	return row.toSource()
}

func (p *Pool) ListSources(ctx context.Context, activeOnly bool) ([]store.Source, error) {
	gdb, cancel := p.session(ctx)
	defer cancel()

	query := gdb.Model(&SourceRow{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []SourceRow
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, translate(err, "list sources")
	}
	out := make([]store.Source, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSource()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Pool) RecordFetch(ctx context.Context, o store.FetchOutcome) error {
	gdb, cancel := p.session(ctx)
	defer cancel()

	return gdb.Transaction(func(tx *gorm.DB) error {
		var row SourceRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", o.SourceID).
			Take(&row).Error
		if err != nil {
			return translate(err, "record fetch for source "+o.SourceID)
		}
		s, err := row.toSource()
		if err != nil {
			return err
		}
		s.Apply(o)
		next := sourceToRow(s)
		return translate(tx.Save(&next).Error, "record fetch for source "+o.SourceID)
	})
}
