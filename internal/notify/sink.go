package notify

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// EventType classifies position lifecycle events.
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventTakeProfit     EventType = "take_profit"
	EventPositionClosed EventType = "position_closed"
	EventVirtualClose   EventType = "virtual_close"
	EventStopLoss       EventType = "stop_loss"
)

// Event carries a full position snapshot plus event-specific fields.
type Event struct {
	Type     EventType
	Position *domain.Position
	Level    int             // take_profit only
	Price    decimal.Decimal // fill or current price
	Quantity decimal.Decimal // take_profit only
	Reason   string          // position_closed / virtual_close
	LossPct  decimal.Decimal // stop_loss only
}

// Sink receives lifecycle events. Richer implementations (chat bots,
// webhooks) plug in here; delivery failures must be handled by the
// caller, never allowed to fail the triggering operation.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log. The default sink.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, ev Event) error {
	attrs := []any{
		"type", string(ev.Type),
		"id", ev.Position.ID,
		"symbol", ev.Position.Asset.Symbol,
		"direction", string(ev.Position.Direction),
	}
	switch ev.Type {
	case EventTakeProfit:
		attrs = append(attrs, "level", ev.Level, "price", ev.Price.String(), "qty", ev.Quantity.String())
	case EventPositionClosed, EventVirtualClose:
		attrs = append(attrs, "reason", ev.Reason, "price", ev.Price.String())
	case EventStopLoss:
		attrs = append(attrs, "price", ev.Price.String(), "loss_pct", ev.LossPct.String())
	}
	slog.Info("NOTIFY", attrs...)
	return nil
}

// Dispatch delivers an event to the sink, catching and logging any failure.
func Dispatch(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, ev); err != nil {
		slog.Error("Notification delivery failed", "type", string(ev.Type), "err", err)
	}
}
