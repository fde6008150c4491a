package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/engine"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/notify"
	"github.com/BB13/algobot-public/internal/storage"
)

// SafetyMonitor walks open positions on an interval and closes the ones
// that breached the stop-loss or have been open past the long-term limit.
type SafetyMonitor struct {
	service  *engine.Service
	policy   infra.PolicyProvider
	notifier notify.Sink
}

// NewSafetyMonitor wires a safety monitor.
func NewSafetyMonitor(service *engine.Service, policy infra.PolicyProvider, notifier notify.Sink) *SafetyMonitor {
	return &SafetyMonitor{service: service, policy: policy, notifier: notifier}
}

// Run executes the monitor loop until ctx is cancelled. A sweep failure is
// logged and the loop continues; the monitor itself never exits on error.
func (m *SafetyMonitor) Run(ctx context.Context) {
	// Let the rest of the app finish bootstrapping first.
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	slog.Info("Safety monitor started", "interval", m.policy.SafetyCheckInterval())

	iteration := 0
	for {
		iteration++
		closed := m.sweep(ctx)

		if iteration%10 == 0 {
			slog.Info("Safety monitor heartbeat", "iteration", iteration, "closed_this_sweep", closed)
		} else {
			slog.Debug("Safety sweep complete", "iteration", iteration, "closed", closed)
		}

		// Interval is re-read each cycle so policy changes apply live.
		interval := m.policy.SafetyCheckInterval()
		if interval <= 0 {
			interval = 60 * time.Second
		}

		select {
		case <-ctx.Done():
			slog.Info("Safety monitor stopped")
			return
		case <-time.After(interval):
		}
	}
}

// sweep examines every open position once and returns how many it closed.
func (m *SafetyMonitor) sweep(ctx context.Context) int {
	if err := m.service.Store().Reload(); err != nil {
		slog.Error("Safety sweep could not reload store", "err", err)
		return 0
	}

	positions := m.service.Store().GetOpenPositions(storage.Filter{})
	if len(positions) == 0 {
		return 0
	}

	stopLoss := m.policy.StopLossPercentage()
	maxStopLoss := m.policy.MaxStopLossPercentage()
	longTermHours := m.policy.LongTermTradeHours()

	closed := 0
	for _, p := range positions {
		select {
		case <-ctx.Done():
			return closed
		default:
		}

		price, err := m.service.Exchange().GetCurrentPrice(ctx, p.Asset)
		if err != nil {
			slog.Warn("Safety check skipping position, price unavailable",
				"id", p.ID, "symbol", p.Asset.Symbol, "err", err)
			continue
		}

		if m.checkStopLoss(ctx, p.ID, price, stopLoss, maxStopLoss) {
			closed++
			continue
		}
		if m.checkLongTerm(ctx, p.ID, longTermHours) {
			closed++
		}
	}
	return closed
}

// checkStopLoss closes the position when its loss is at or past the
// stop-loss threshold but NOT past the max threshold. A drop beyond the max
// is treated as a flash crash or bad price and only warned about, since
// selling into it would realize the worst possible fill.
func (m *SafetyMonitor) checkStopLoss(ctx context.Context, id string, price, stopLoss, maxStopLoss decimal.Decimal) bool {
	p, err := m.service.Store().GetByID(id)
	if err != nil {
		return false
	}

	pnlPct := p.PnLPercentage(price)
	if pnlPct.GreaterThan(stopLoss.Neg()) {
		return false
	}

	if pnlPct.LessThan(maxStopLoss.Neg()) {
		slog.Warn("Loss beyond max stop-loss, NOT closing (possible flash crash or bad price)",
			"id", p.ID, "symbol", p.Asset.Symbol,
			"pnl_pct", pnlPct.String(), "max_stop_loss", maxStopLoss.String())
		return false
	}

	slog.Warn("STOP_LOSS triggered",
		"id", p.ID, "symbol", p.Asset.Symbol,
		"pnl_pct", pnlPct.String(), "threshold", stopLoss.Neg().String())

	reason := fmt.Sprintf("Stop-loss triggered at %s%%", pnlPct.Round(2))
	closed, _, err := m.service.ClosePosition(ctx, p.ID, reason)
	if err != nil {
		slog.Error("Stop-loss close failed", "id", p.ID, "err", err)
		return false
	}

	notify.Dispatch(ctx, m.notifier, notify.Event{
		Type: notify.EventStopLoss, Position: closed, Price: price,
		Reason: reason, LossPct: pnlPct,
	})
	return true
}

// checkLongTerm closes positions that have been open longer than the
// configured limit, regardless of PnL.
func (m *SafetyMonitor) checkLongTerm(ctx context.Context, id string, limitHours int) bool {
	if limitHours <= 0 {
		return false
	}
	p, err := m.service.Store().GetByID(id)
	if err != nil {
		return false
	}

	age := time.Since(p.Timestamp)
	if age < time.Duration(limitHours)*time.Hour {
		return false
	}

	slog.Info("Closing long-term position",
		"id", p.ID, "symbol", p.Asset.Symbol, "age_hours", int(age.Hours()))

	reason := fmt.Sprintf("Long-term trade limit reached (%dh)", limitHours)
	if _, _, err := m.service.ClosePosition(ctx, p.ID, reason); err != nil {
		slog.Error("Long-term close failed", "id", p.ID, "err", err)
		return false
	}
	return true
}
