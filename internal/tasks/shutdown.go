package tasks

import (
	"context"
	"log/slog"

	"github.com/BB13/algobot-public/internal/engine"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/storage"
)

// ShutdownSweep closes open positions when the application exits, honoring
// the shutdown policy: whether to close at all, and whether to close on the
// exchange or only locally ("virtual").
type ShutdownSweep struct {
	service *engine.Service
	policy  infra.PolicyProvider
}

// NewShutdownSweep wires a shutdown sweep.
func NewShutdownSweep(service *engine.Service, policy infra.PolicyProvider) *ShutdownSweep {
	return &ShutdownSweep{service: service, policy: policy}
}

// CloseAllPositions runs the sweep. Each position is handled independently;
// one failure never aborts the rest. Returns how many positions were
// closed.
func (s *ShutdownSweep) CloseAllPositions(ctx context.Context) int {
	if !s.policy.ShutdownClosePositions() {
		slog.Info("Shutdown sweep disabled by policy, leaving positions open")
		return 0
	}

	if err := s.service.Store().Reload(); err != nil {
		slog.Error("Shutdown sweep could not reload store", "err", err)
		return 0
	}

	positions := s.service.Store().GetOpenPositions(storage.Filter{})
	if len(positions) == 0 {
		slog.Info("Shutdown sweep found no open positions")
		return 0
	}

	method := s.policy.ShutdownCloseMethod()
	slog.Info("Shutdown sweep closing open positions",
		"count", len(positions), "method", method)

	closed := 0
	for _, p := range positions {
		var err error
		if method == "market" {
			_, _, err = s.service.ClosePosition(ctx, p.ID, "Closed due to application shutdown")
		} else {
			err = s.service.CloseVirtually(ctx, p.ID, "Closed due to application shutdown (virtual)")
		}
		if err != nil {
			slog.Error("Shutdown close failed", "id", p.ID, "err", err)
			continue
		}
		closed++
	}

	slog.Info("Shutdown sweep complete", "closed", closed, "total", len(positions))
	return closed
}
