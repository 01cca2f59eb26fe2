package ingest

import (
	"context"
	"fmt"
	"time"

	"horse.fit/carriersignal/internal/dedup"
	"horse.fit/carriersignal/internal/globaltime"
)

const DefaultDuplicateRetention = 7 * 24 * time.Hour

type MaintenanceResult struct {
	Cleanup dedup.CleanupResult `json:"cleanup"`
	Purged  int                 `json:"purged"`
}

// Maintenance marks late duplicates and then purges duplicate records past
// their retention.
type Maintenance struct {
	dedup     *dedup.Engine
	retention time.Duration
	clock     globaltime.Clock
}

func NewMaintenance(engine *dedup.Engine, retention time.Duration) *Maintenance {
	if retention <= 0 {
		retention = DefaultDuplicateRetention
	}
	return &Maintenance{dedup: engine, retention: retention, clock: globaltime.UTC}
}

func (m *Maintenance) WithClock(clock globaltime.Clock) *Maintenance {
	m.clock = globaltime.OrDefault(clock)
	return m
}

func (m *Maintenance) Run(ctx context.Context) (MaintenanceResult, error) {
	now := m.clock()
	cleanup, err := m.dedup.Cleanup(ctx, now)
	if err != nil {
		return MaintenanceResult{}, fmt.Errorf("duplicate cleanup: %w", err)
	}
	purged, err := m.dedup.Purge(ctx, now, m.retention)
	if err != nil {
		return MaintenanceResult{Cleanup: cleanup, Purged: purged}, fmt.Errorf("purge duplicates: %w", err)
	}
	return MaintenanceResult{Cleanup: cleanup, Purged: purged}, nil
}
