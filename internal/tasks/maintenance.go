package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/BB13/algobot-public/internal/storage"
)

// Maintenance periodically reconciles the position store: stray CLOSED
// entries are migrated out of the open partition and the closed partition
// is deduplicated.
type Maintenance struct {
	store    *storage.PositionStore
	interval time.Duration
}

// NewMaintenance wires a maintenance task. A non-positive interval falls
// back to hourly.
func NewMaintenance(store *storage.PositionStore, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Maintenance{store: store, interval: interval}
}

// Run executes the maintenance loop until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	// Stagger behind the safety monitor's startup delay.
	select {
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Second):
	}

	slog.Info("Maintenance task started", "interval", m.interval)

	for {
		m.runOnce()

		select {
		case <-ctx.Done():
			slog.Info("Maintenance task stopped")
			return
		case <-time.After(m.interval):
		}
	}
}

// RunOnce performs a single reconcile pass, for startup and tests.
func (m *Maintenance) RunOnce() {
	m.runOnce()
}

func (m *Maintenance) runOnce() {
	if err := m.store.Reload(); err != nil {
		slog.Error("Maintenance reload failed", "err", err)
		return
	}

	conflicts, err := m.store.Reconcile()
	if err != nil {
		slog.Error("Store reconciliation failed", "err", err)
		return
	}
	if conflicts > 0 {
		slog.Warn("Store reconciliation resolved conflicts", "count", conflicts)
	} else {
		slog.Debug("Store reconciliation clean")
	}
}
