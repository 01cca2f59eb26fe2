package db

import (
	"context"

	"horse.fit/carriersignal/internal/store"
)

func (p *Pool) InsertFallbackTask(ctx context.Context, t store.FallbackTask) error {
	row := FallbackTaskRow{
		ID:        t.ID,
		CycleID:   t.CycleID,
		Reason:    t.Reason,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt.UTC(),
	}
	gdb, cancel := p.session(ctx)
	defer cancel()
	return translate(gdb.Create(&row).Error, "insert fallback task "+t.ID)
}

func (p *Pool) ListFallbackTasks(ctx context.Context, q store.FallbackQuery) ([]store.FallbackTask, error) {
	gdb, cancel := p.session(ctx)
	defer cancel()

	query := gdb.Model(&FallbackTaskRow{})
	if q.CycleID != "" {
		query = query.Where("cycle_id = ?", q.CycleID)
	}
	if q.Status != "" {
		query = query.Where("status = ?", string(q.Status))
	}
	query = query.Order("created_at DESC").Order("id DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []FallbackTaskRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, translate(err, "list fallback tasks")
	}
	out := make([]store.FallbackTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTask())
	}
	return out, nil
}
