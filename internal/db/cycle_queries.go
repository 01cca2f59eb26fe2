package db

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"horse.fit/carriersignal/internal/store"
)

func (p *Pool) InsertCycle(ctx context.Context, c store.Cycle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row, err := cycleToRow(c)
	if err != nil {
		return err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()
	return translate(gdb.Create(&row).Error, "insert cycle "+c.ID)
}

func (p *Pool) GetCycle(ctx context.Context, id string) (store.Cycle, error) {
	gdb, cancel := p.session(ctx)
	defer cancel()

	var row CycleRow
	if err := gdb.Where("id = ?", id).Take(&row).Error; err != nil {
		return store.Cycle{}, translate(err, "get cycle "+id)
	}
	return row.toCycle()
}

// UpdateCycle writes c only while the stored status still equals expected.
func (p *Pool) UpdateCycle(ctx context.Context, c store.Cycle, expected store.CycleStatus) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row, err := cycleToRow(c)
	if err != nil {
		return err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	res := gdb.Model(&CycleRow{}).
		Where("id = ? AND status = ?", c.ID, string(expected)).
		Select("*").
		Updates(&row)
	if res.Error != nil {
		return translate(res.Error, "update cycle "+c.ID)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	current, err := p.GetCycle(ctx, c.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update cycle %s: %w", c.ID, err)
	}
	return fmt.Errorf("cycle %s is %s, expected %s: %w", c.ID, current.Status, expected, store.ErrStatusConflict)
}

func (p *Pool) ListCycles(ctx context.Context, q store.CycleQuery) ([]store.Cycle, error) {
	query, args, err := cycleSelectSQL(q)
	if err != nil {
		return nil, err
	}
	gdb, cancel := p.session(ctx)
	defer cancel()

	var rows []CycleRow
	if err := gdb.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, translate(err, "list cycles")
	}
	out := make([]store.Cycle, 0, len(rows))
	for _, row := range rows {
		c, err := row.toCycle()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func cycleSelectSQL(q store.CycleQuery) (string, []any, error) {
	b := sq.Select("*").From(CycleRow{}.TableName())
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			statuses = append(statuses, string(s))
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if !q.ScheduledBefore.IsZero() {
		b = b.Where(sq.Lt{"scheduled_at": q.ScheduledBefore.UTC()})
	}
	b = b.OrderBy("scheduled_at DESC", "id DESC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build cycle query: %w", err)
	}
	return query, args, nil
}
