package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/metrics"
	"github.com/BB13/algobot-public/internal/storage"
)

// Result is the structured outcome of processing one signal. Processing
// never surfaces an unhandled fault: hard failures come back as
// Success=false with a message, and policy-disallowed signals as
// successful no-ops with ActionTaken "ignored".
type Result struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ActionTaken    string `json:"action_taken,omitempty"`
	ClosedOpposite bool   `json:"closed_opposite,omitempty"`
	PositionID     string `json:"position_id,omitempty"`
}

// Processor interprets inbound signals into position operations. It keeps
// no state of its own; policy is re-read per signal so operators can change
// it live.
type Processor struct {
	service *Service
	policy  infra.PolicyProvider
}

// NewProcessor wires a signal processor.
func NewProcessor(service *Service, policy infra.PolicyProvider) *Processor {
	return &Processor{service: service, policy: policy}
}

// Process parses and dispatches one signal payload.
func (pr *Processor) Process(ctx context.Context, raw map[string]string) Result {
	sig, err := domain.ParseSignal(raw)
	if err != nil {
		metrics.SignalsFailed.WithLabelValues(raw["command"]).Inc()
		slog.Warn("Signal rejected", "err", err)
		return Result{Success: false, Message: err.Error()}
	}
	metrics.SignalsReceived.WithLabelValues(sig.RawCommand).Inc()

	// Act on current disk state; another process may have written it.
	if err := pr.service.Store().Reload(); err != nil {
		metrics.SignalsFailed.WithLabelValues(sig.RawCommand).Inc()
		return Result{Success: false, Message: fmt.Sprintf("store reload failed: %v", err)}
	}

	var res Result
	switch sig.Command.Kind {
	case domain.CmdEntry:
		res = pr.handleEntry(ctx, sig)
	case domain.CmdTakeProfit:
		res = pr.handleTakeProfit(ctx, sig)
	case domain.CmdStop:
		res = pr.handleStop(ctx, sig)
	default:
		res = Result{Success: false, Message: "unknown command kind"}
	}

	if !res.Success {
		metrics.SignalsFailed.WithLabelValues(sig.RawCommand).Inc()
	}
	return res
}

// handleEntry opens a position in the signalled direction, closing any
// opposite-direction positions under the same composite key first.
func (pr *Processor) handleEntry(ctx context.Context, sig *domain.Signal) Result {
	direction := sig.Command.Direction

	closedOpposite := pr.closeOpposites(ctx, sig, direction.Opposite())

	// Policy check happens AFTER the implicit reversal: a disallowed
	// direction still closes opposite positions, it just opens nothing.
	allowed := pr.policy.AllowLong()
	if direction == domain.Short {
		allowed = pr.policy.AllowShort()
	}
	if !allowed {
		metrics.SignalsIgnored.Inc()
		slog.Info("Entry signal ignored by direction policy",
			"direction", string(direction), "asset", sig.Asset)
		return Result{
			Success:        true,
			Message:        fmt.Sprintf("%s trades are disabled by policy.", direction),
			ActionTaken:    "ignored",
			ClosedOpposite: closedOpposite,
		}
	}

	amount := pr.policy.DefaultTradeAmount()
	if sig.Amount.IsPositive() && sig.Amount.LessThanOrEqual(pr.policy.MaxTradeAmount()) {
		amount = sig.Amount
	}

	p, err := pr.service.OpenPosition(ctx, OpenRequest{
		Symbol:      sig.Asset,
		Direction:   direction,
		QuoteAmount: amount,
		Strategy:    sig.BotStrategy,
		Timeframe:   sig.Interval,
		Settings:    sig.BotSettings,
		MaxTP:       sig.MaxTP,
	})
	if err != nil {
		return Result{
			Success:        false,
			Message:        fmt.Sprintf("failed to open %s position: %v", direction, err),
			ClosedOpposite: closedOpposite,
		}
	}

	return Result{
		Success:        true,
		Message:        fmt.Sprintf("Opened %s position for %s.", direction, sig.Asset),
		ActionTaken:    "opened",
		ClosedOpposite: closedOpposite,
		PositionID:     p.ID,
	}
}

// closeOpposites closes every open position under the signal's composite
// key in the given direction. Each closure is independent; failures are
// logged and do not abort the flow.
func (pr *Processor) closeOpposites(ctx context.Context, sig *domain.Signal, direction domain.Direction) bool {
	matches := pr.service.Store().GetOpenPositions(pr.filterFor(sig, direction))
	closedAny := false
	for _, p := range matches {
		slog.Info("Closing opposite-direction position before entry",
			"id", p.ID, "direction", string(direction))
		if _, _, err := pr.service.ClosePosition(ctx, p.ID, fmt.Sprintf("Opposite %s signal received", sig.Command.Direction)); err != nil {
			slog.Error("Failed to close opposite position", "id", p.ID, "err", err)
			continue
		}
		closedAny = true
	}
	return closedAny
}

// handleTakeProfit resolves the best candidate position for the requested
// level, gap-fills any skipped intermediate levels, then executes the
// requested one.
func (pr *Processor) handleTakeProfit(ctx context.Context, sig *domain.Signal) Result {
	level := sig.Command.Level
	direction := sig.Command.Direction

	p, err := pr.selectTPCandidate(sig, direction, level)
	if err != nil {
		// Expected for duplicate or late signals, not a system fault.
		slog.Info("No candidate for take-profit signal",
			"asset", sig.Asset, "level", level, "err", err)
		return Result{Success: false, Message: err.Error()}
	}

	pcts := pr.resolveTPTable(sig, p.TakeProfitMax)

	// Gap-fill: execute skipped intermediate levels in order first.
	for missing := p.LastTPLevel() + 1; missing < level; missing++ {
		slog.Info("Gap-filling skipped take-profit level",
			"id", p.ID, "level", missing, "requested", level)
		updated, _, err := pr.service.ExecuteTakeProfit(ctx, p.ID, missing, pcts)
		if err != nil {
			return Result{Success: false, Message: fmt.Sprintf("gap-fill of level %d failed: %v", missing, err)}
		}
		p = updated
		if p.IsClosed() {
			return Result{
				Success:     true,
				Message:     fmt.Sprintf("Position closed during gap-fill at level %d.", missing),
				ActionTaken: "closed",
				PositionID:  p.ID,
			}
		}
	}

	updated, _, err := pr.service.ExecuteTakeProfit(ctx, p.ID, level, pcts)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("take-profit %d failed: %v", level, err)}
	}
	p = updated

	// Defensive: the final level (or a drained position) must be closed.
	if (level >= p.TakeProfitMax || !p.RemainingQuantity.IsPositive()) && p.IsOpen() {
		slog.Warn("Position still open after final take-profit, forcing close", "id", p.ID)
		if closed, _, err := pr.service.ClosePosition(ctx, p.ID, "Forced close after final take-profit"); err == nil {
			p = closed
		} else {
			slog.Error("Defensive close failed", "id", p.ID, "err", err)
		}
	}

	action := "take_profit"
	if p.IsClosed() {
		action = "closed"
	}
	return Result{
		Success:     true,
		Message:     fmt.Sprintf("Executed TP%d for %s.", level, sig.Asset),
		ActionTaken: action,
		PositionID:  p.ID,
	}
}

// selectTPCandidate picks the open position to receive a take-profit
// signal: among matches without any executed level at or above the
// requested one, prefer the most take-profits already executed (closest to
// completion), ties broken by oldest first.
func (pr *Processor) selectTPCandidate(sig *domain.Signal, direction domain.Direction, level int) (*domain.Position, error) {
	matches := pr.service.Store().GetOpenPositions(pr.filterFor(sig, direction))

	candidates := matches[:0]
	for _, p := range matches {
		if !p.HasTPLevelAtOrAbove(level) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no open %s position awaiting TP%d for %s: %w",
			direction, level, sig.Asset, domain.ErrNoMatchingPosition)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].TakeProfitCount() != candidates[j].TakeProfitCount() {
			return candidates[i].TakeProfitCount() > candidates[j].TakeProfitCount()
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})
	return candidates[0], nil
}

// resolveTPTable returns the percentage table for this signal: the altTP
// override when present and well-formed, else the policy default.
func (pr *Processor) resolveTPTable(sig *domain.Signal, maxTP int) map[int]decimal.Decimal {
	if sig.AltTP != "" {
		table, err := domain.ParseAltTP(sig.AltTP, maxTP)
		if err == nil {
			return table
		}
		slog.Warn("Malformed altTP override, falling back to default table",
			"altTP", sig.AltTP, "err", err)
	}
	return pr.policy.TakeProfitTable(maxTP)
}

// handleStop closes every open position matching the signal's key and
// direction. Each closure is independent; the signal succeeds even with
// zero matches.
func (pr *Processor) handleStop(ctx context.Context, sig *domain.Signal) Result {
	direction := sig.Command.Direction
	matches := pr.service.Store().GetOpenPositions(pr.filterFor(sig, direction))

	if len(matches) == 0 {
		return Result{
			Success: true,
			Message: fmt.Sprintf("No open %s positions found to close.", direction),
		}
	}

	closed := 0
	var failures []string
	for _, p := range matches {
		if _, _, err := pr.service.ClosePosition(ctx, p.ID, fmt.Sprintf("STOP %s signal", direction)); err != nil {
			slog.Error("Stop signal failed to close position", "id", p.ID, "err", err)
			failures = append(failures, p.ID)
			continue
		}
		closed++
	}

	msg := fmt.Sprintf("Closed %d %s position(s) for %s.", closed, direction, sig.Asset)
	if len(failures) > 0 {
		msg += fmt.Sprintf(" %d closure(s) failed.", len(failures))
	}
	return Result{Success: true, Message: msg, ActionTaken: "stopped"}
}

func (pr *Processor) filterFor(sig *domain.Signal, direction domain.Direction) storage.Filter {
	return storage.Filter{
		Symbol:    sig.Asset,
		Direction: direction,
		Strategy:  sig.BotStrategy,
		Timeframe: sig.Interval,
		Settings:  sig.BotSettings,
	}
}
