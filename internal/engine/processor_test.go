package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/execution"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/storage"
)

func newTestProcessor(t *testing.T) (*Processor, *Service, *execution.MockAdapter, *infra.StaticPolicy) {
	t.Helper()

	store, err := storage.NewPositionStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewPositionStore failed: %v", err)
	}

	mock := execution.NewMockAdapter()
	mock.Assets["BTCUSDT"] = engineTestAsset()
	mock.Prices["BTCUSDT"] = decimal.NewFromInt(50_000)

	policy := infra.NewStaticPolicy()
	svc := NewService(store, mock, policy, nil)
	return NewProcessor(svc, policy), svc, mock, policy
}

func longSignal(command string) map[string]string {
	return map[string]string{
		"command":  command,
		"asset":    "BTCUSDT",
		"interval": "1h",
		"bot":      "supertrend_fast",
	}
}

func TestProcessEntryOpensPosition(t *testing.T) {
	pr, svc, _, _ := newTestProcessor(t)

	res := pr.Process(context.Background(), longSignal("LONG"))
	if !res.Success {
		t.Fatalf("Process failed: %s", res.Message)
	}
	if res.ActionTaken != "opened" {
		t.Errorf("ActionTaken = %q, want opened", res.ActionTaken)
	}
	if res.PositionID == "" {
		t.Error("expected a position id")
	}

	open := svc.Store().GetOpenPositions(storage.Filter{})
	if len(open) != 1 {
		t.Fatalf("got %d open positions, want 1", len(open))
	}
	p := open[0]
	if p.BotStrategy != "supertrend" || p.BotSettings != "fast" {
		t.Errorf("bot split = (%q, %q), want (supertrend, fast)", p.BotStrategy, p.BotSettings)
	}
}

func TestProcessInvalidSignal(t *testing.T) {
	pr, _, _, _ := newTestProcessor(t)

	res := pr.Process(context.Background(), map[string]string{"command": "LONG"})
	if res.Success {
		t.Error("missing required fields should fail")
	}
}

func TestProcessEntryClosesOppositeFirst(t *testing.T) {
	pr, svc, _, _ := newTestProcessor(t)

	if res := pr.Process(context.Background(), longSignal("SHORT")); !res.Success {
		t.Fatalf("short entry failed: %s", res.Message)
	}

	res := pr.Process(context.Background(), longSignal("LONG"))
	if !res.Success {
		t.Fatalf("long entry failed: %s", res.Message)
	}
	if !res.ClosedOpposite {
		t.Error("ClosedOpposite should be true")
	}

	open := svc.Store().GetOpenPositions(storage.Filter{})
	if len(open) != 1 || open[0].Direction != domain.Long {
		t.Fatalf("expected exactly one LONG open position, got %d", len(open))
	}
}

func TestProcessEntryDisallowedStillClosesOpposite(t *testing.T) {
	// Scenario: SHORT open, shorts later disabled and a LONG arrives. The
	// reversal close still happens; only the new entry is skipped.
	pr, svc, _, policy := newTestProcessor(t)

	if res := pr.Process(context.Background(), longSignal("SHORT")); !res.Success {
		t.Fatalf("short entry failed: %s", res.Message)
	}

	policy.Long = false
	res := pr.Process(context.Background(), longSignal("LONG"))
	if !res.Success {
		t.Fatalf("disallowed entry should still succeed as ignored: %s", res.Message)
	}
	if res.ActionTaken != "ignored" {
		t.Errorf("ActionTaken = %q, want ignored", res.ActionTaken)
	}
	if !res.ClosedOpposite {
		t.Error("ClosedOpposite should be true")
	}
	if got := len(svc.Store().GetOpenPositions(storage.Filter{})); got != 0 {
		t.Errorf("got %d open positions, want 0", got)
	}
}

func TestProcessEntryAmountSelection(t *testing.T) {
	pr, _, mock, _ := newTestProcessor(t)

	tests := []struct {
		name     string
		amount   string
		wantQty  string
	}{
		{"within max uses signal amount", "500", "0.01"},     // 500/50000
		{"above max falls back to default", "5000", "0.02"},  // 1000/50000
		{"absent uses default", "", "0.02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.PlacedOrders = nil
			sig := longSignal("LONG")
			if tt.amount != "" {
				sig["amount"] = tt.amount
			}

			if res := pr.Process(context.Background(), sig); !res.Success {
				t.Fatalf("Process failed: %s", res.Message)
			}
			got := mock.PlacedOrders[0].Quantity
			if !got.Equal(decimal.RequireFromString(tt.wantQty)) {
				t.Errorf("order quantity = %s, want %s", got, tt.wantQty)
			}
		})
	}
}

func TestProcessTakeProfitGapFill(t *testing.T) {
	// A TP3 arriving with no prior levels executes TP1 and TP2 first.
	pr, svc, _, _ := newTestProcessor(t)

	if res := pr.Process(context.Background(), longSignal("LONG")); !res.Success {
		t.Fatal(res.Message)
	}

	res := pr.Process(context.Background(), longSignal("TP3"))
	if !res.Success {
		t.Fatalf("TP3 failed: %s", res.Message)
	}
	if res.ActionTaken != "closed" {
		t.Errorf("ActionTaken = %q, want closed (final level)", res.ActionTaken)
	}

	closed, err := svc.Store().GetClosedPositions(storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 {
		t.Fatalf("got %d closed positions, want 1", len(closed))
	}
	p := closed[0]
	if p.TakeProfitCount() != 3 {
		t.Errorf("TakeProfitCount = %d, want 3 (levels 1 and 2 gap-filled)", p.TakeProfitCount())
	}
	if p.LastTPLevel() != 3 {
		t.Errorf("LastTPLevel = %d, want 3", p.LastTPLevel())
	}
}

func TestProcessTakeProfitNoMatch(t *testing.T) {
	pr, _, _, _ := newTestProcessor(t)

	res := pr.Process(context.Background(), longSignal("TP1"))
	if res.Success {
		t.Error("TP with no open position should not succeed")
	}
	if !strings.Contains(res.Message, "no open") {
		t.Errorf("Message = %q, want a no-match explanation", res.Message)
	}
}

func TestProcessTakeProfitPicksMostAdvanced(t *testing.T) {
	pr, svc, _, _ := newTestProcessor(t)
	ctx := context.Background()

	if res := pr.Process(ctx, longSignal("LONG")); !res.Success {
		t.Fatal(res.Message)
	}
	if res := pr.Process(ctx, longSignal("TP1")); !res.Success {
		t.Fatal(res.Message)
	}
	advanced := svc.Store().GetOpenPositions(storage.Filter{})[0]

	// Second position with no executed levels.
	if res := pr.Process(ctx, longSignal("LONG")); !res.Success {
		t.Fatal(res.Message)
	}

	res := pr.Process(ctx, longSignal("TP2"))
	if !res.Success {
		t.Fatalf("TP2 failed: %s", res.Message)
	}
	if res.PositionID != advanced.ID {
		t.Errorf("TP2 went to %s, want the position with TP1 done (%s)", res.PositionID, advanced.ID)
	}
}

func TestProcessTakeProfitAltTPOverride(t *testing.T) {
	pr, _, mock, _ := newTestProcessor(t)
	ctx := context.Background()

	if res := pr.Process(ctx, longSignal("LONG")); !res.Success {
		t.Fatal(res.Message)
	}

	sig := longSignal("TP1")
	sig["altTP"] = "50-75-100"
	mock.PlacedOrders = nil

	if res := pr.Process(ctx, sig); !res.Success {
		t.Fatalf("TP1 failed: %s", res.Message)
	}

	// 50% of 0.02 = 0.01 instead of the default 33%.
	got := mock.PlacedOrders[0].Quantity
	if !got.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("order quantity = %s, want 0.01 from altTP", got)
	}
}

func TestProcessTakeProfitMalformedAltTPFallsBack(t *testing.T) {
	pr, _, mock, _ := newTestProcessor(t)
	ctx := context.Background()

	if res := pr.Process(ctx, longSignal("LONG")); !res.Success {
		t.Fatal(res.Message)
	}

	sig := longSignal("TP1")
	sig["altTP"] = "50-banana-100"
	mock.PlacedOrders = nil

	if res := pr.Process(ctx, sig); !res.Success {
		t.Fatalf("TP1 failed: %s", res.Message)
	}

	// Default table: 33% of 0.02 truncated to 0.006.
	got := mock.PlacedOrders[0].Quantity
	if !got.Equal(decimal.RequireFromString("0.006")) {
		t.Errorf("order quantity = %s, want 0.006 from the default table", got)
	}
}

func TestProcessStopClosesAllMatches(t *testing.T) {
	pr, svc, _, _ := newTestProcessor(t)
	ctx := context.Background()

	// Two LONG positions under the same key; a SHORT under the same key
	// must be untouched by STOP L.
	for i := 0; i < 2; i++ {
		if res := pr.Process(ctx, longSignal("LONG")); !res.Success {
			t.Fatal(res.Message)
		}
	}
	short, err := svc.OpenPosition(ctx, OpenRequest{
		Symbol: "BTCUSDT", Direction: domain.Short,
		QuoteAmount: decimal.NewFromInt(1000),
		Strategy:    "supertrend", Timeframe: "1h", Settings: "fast",
	})
	if err != nil {
		t.Fatal(err)
	}

	res := pr.Process(ctx, longSignal("STOP L"))
	if !res.Success {
		t.Fatalf("STOP L failed: %s", res.Message)
	}
	if res.ActionTaken != "stopped" {
		t.Errorf("ActionTaken = %q, want stopped", res.ActionTaken)
	}

	open := svc.Store().GetOpenPositions(storage.Filter{})
	if len(open) != 1 || open[0].ID != short.ID {
		t.Errorf("expected only the SHORT to survive, got %d open", len(open))
	}
}

func TestProcessStopNoMatchesStillSucceeds(t *testing.T) {
	pr, _, _, _ := newTestProcessor(t)

	res := pr.Process(context.Background(), longSignal("STOP L"))
	if !res.Success {
		t.Fatalf("STOP with no matches must succeed: %s", res.Message)
	}
	if res.Message != "No open LONG positions found to close." {
		t.Errorf("Message = %q", res.Message)
	}
}
