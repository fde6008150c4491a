package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestPosition(direction Direction, qty, entry string) *Position {
	return NewPosition(testAsset(), direction,
		decimal.RequireFromString(qty), decimal.RequireFromString(entry),
		"supertrend", "1h")
}

func TestNewPositionDefaults(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")

	if p.ID == "" {
		t.Error("expected a generated id")
	}
	if p.Status != StatusOpen {
		t.Errorf("Status = %s, want OPEN", p.Status)
	}
	if p.BotSettings != "default" {
		t.Errorf("BotSettings = %q, want %q", p.BotSettings, "default")
	}
	if p.TakeProfitMax != 3 {
		t.Errorf("TakeProfitMax = %d, want 3", p.TakeProfitMax)
	}
	if p.Leverage != 1 {
		t.Errorf("Leverage = %d, want 1", p.Leverage)
	}
	if !p.RemainingQuantity.Equal(p.InitialQuantity) {
		t.Errorf("RemainingQuantity = %s, want %s", p.RemainingQuantity, p.InitialQuantity)
	}
}

func TestCompositeKey(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")
	want := "supertrend_default_1h_BTCUSDT"
	if got := p.CompositeKey(); got != want {
		t.Errorf("CompositeKey() = %q, want %q", got, want)
	}
}

func TestAddTakeProfitReducesRemaining(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")

	if err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("0.33")); err != nil {
		t.Fatalf("AddTakeProfit(1) failed: %v", err)
	}

	want := decimal.RequireFromString("0.67")
	if !p.RemainingQuantity.Equal(want) {
		t.Errorf("RemainingQuantity = %s, want %s", p.RemainingQuantity, want)
	}
	if !p.IsOpen() {
		t.Error("position should remain OPEN after a partial take-profit")
	}
	if got := p.LastTPLevel(); got != 1 {
		t.Errorf("LastTPLevel() = %d, want 1", got)
	}
}

func TestAddTakeProfitDuplicateLevel(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")

	if err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("0.33")); err != nil {
		t.Fatalf("first AddTakeProfit failed: %v", err)
	}
	err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("0.1"))
	if !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("duplicate level error = %v, want ErrInvalidLevel", err)
	}
}

func TestAddTakeProfitAboveMax(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")
	err := p.AddTakeProfit(4, decimal.RequireFromString("51000"), decimal.RequireFromString("0.1"))
	if !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("level above max error = %v, want ErrInvalidLevel", err)
	}
}

func TestAddTakeProfitMaxLevelAutoCloses(t *testing.T) {
	// The final level closes the position even with quantity left over.
	p := newTestPosition(Long, "1", "50000")

	if err := p.AddTakeProfit(3, decimal.RequireFromString("55000"), decimal.RequireFromString("0.5")); err != nil {
		t.Fatalf("AddTakeProfit(3) failed: %v", err)
	}

	if !p.IsClosed() {
		t.Fatal("position should be CLOSED after the max take-profit level")
	}
	if !p.RemainingQuantity.IsZero() {
		t.Errorf("RemainingQuantity = %s, want 0", p.RemainingQuantity)
	}
	if p.ClosedAt.IsZero() {
		t.Error("ClosedAt should be stamped")
	}
	if p.CloseData == nil {
		t.Fatal("CloseData should be recorded")
	}
	if p.CloseData.Reason != "All take-profits executed" {
		t.Errorf("CloseData.Reason = %q, want %q", p.CloseData.Reason, "All take-profits executed")
	}
	// The leftover was never sold; the closing fill itself is zero.
	if !p.CloseData.Quantity.IsZero() {
		t.Errorf("CloseData.Quantity = %s, want 0", p.CloseData.Quantity)
	}
}

func TestAddTakeProfitDrainAutoCloses(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")

	// Level 1 takes everything; position must close without reaching max.
	if err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("1")); err != nil {
		t.Fatalf("AddTakeProfit(1) failed: %v", err)
	}
	if !p.IsClosed() {
		t.Error("position should close once no quantity remains")
	}
}

func TestAddTakeProfitOnClosed(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")
	if err := p.Close(decimal.RequireFromString("49000"), decimal.RequireFromString("1"), "test", ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("0.1"))
	if !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("take-profit on closed error = %v, want ErrAlreadyClosed", err)
	}
}

func TestClosePartialStaysOpen(t *testing.T) {
	// Unlike the max take-profit level, a partial Close never forces the
	// CLOSED transition.
	p := newTestPosition(Long, "1", "50000")

	if err := p.Close(decimal.RequireFromString("51000"), decimal.RequireFromString("0.4"), "partial", ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !p.IsOpen() {
		t.Error("partial close should leave the position OPEN")
	}
	want := decimal.RequireFromString("0.6")
	if !p.RemainingQuantity.Equal(want) {
		t.Errorf("RemainingQuantity = %s, want %s", p.RemainingQuantity, want)
	}
}

func TestCloseFullDrain(t *testing.T) {
	p := newTestPosition(Long, "1", "50000")

	// Quantity above remaining is clamped, drains exactly.
	if err := p.Close(decimal.RequireFromString("51000"), decimal.RequireFromString("5"), "full", "ord-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !p.IsClosed() {
		t.Fatal("position should be CLOSED")
	}
	if !p.RemainingQuantity.IsZero() {
		t.Errorf("RemainingQuantity = %s, want exactly 0", p.RemainingQuantity)
	}
	if p.CloseData == nil {
		t.Fatal("CloseData should be recorded")
	}
	if !p.CloseData.Quantity.Equal(decimal.RequireFromString("1")) {
		t.Errorf("CloseData.Quantity = %s, want 1 (clamped)", p.CloseData.Quantity)
	}
	if p.CloseData.ExternalID != "ord-1" {
		t.Errorf("CloseData.ExternalID = %q, want %q", p.CloseData.ExternalID, "ord-1")
	}

	if err := p.Close(decimal.RequireFromString("51000"), decimal.RequireFromString("1"), "again", ""); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second close error = %v, want ErrAlreadyClosed", err)
	}
}

func TestPnL(t *testing.T) {
	t.Run("long unrealized", func(t *testing.T) {
		p := newTestPosition(Long, "2", "100")
		got := p.UnrealizedPnL(decimal.RequireFromString("110"))
		if !got.Equal(decimal.RequireFromString("20")) {
			t.Errorf("UnrealizedPnL = %s, want 20", got)
		}
	})

	t.Run("short unrealized sign flips", func(t *testing.T) {
		p := newTestPosition(Short, "2", "100")
		got := p.UnrealizedPnL(decimal.RequireFromString("90"))
		if !got.Equal(decimal.RequireFromString("20")) {
			t.Errorf("UnrealizedPnL = %s, want 20", got)
		}
	})

	t.Run("realized from take-profits and close", func(t *testing.T) {
		p := newTestPosition(Long, "1", "100")
		if err := p.AddTakeProfit(1, decimal.RequireFromString("110"), decimal.RequireFromString("0.5")); err != nil {
			t.Fatal(err)
		}
		if err := p.Close(decimal.RequireFromString("120"), decimal.RequireFromString("0.5"), "done", ""); err != nil {
			t.Fatal(err)
		}
		// 0.5*(110-100) + 0.5*(120-100) = 15
		got := p.RealizedPnL()
		if !got.Equal(decimal.RequireFromString("15")) {
			t.Errorf("RealizedPnL = %s, want 15", got)
		}
	})

	t.Run("short realized sign flips", func(t *testing.T) {
		p := newTestPosition(Short, "1", "100")
		if err := p.Close(decimal.RequireFromString("90"), decimal.RequireFromString("1"), "done", ""); err != nil {
			t.Fatal(err)
		}
		got := p.RealizedPnL()
		if !got.Equal(decimal.RequireFromString("10")) {
			t.Errorf("RealizedPnL = %s, want 10", got)
		}
	})

	t.Run("percentage", func(t *testing.T) {
		p := newTestPosition(Long, "1", "100")
		got := p.PnLPercentage(decimal.RequireFromString("103"))
		if !got.Equal(decimal.RequireFromString("3")) {
			t.Errorf("PnLPercentage = %s, want 3", got)
		}
	})
}

func TestPositionJSONRoundTrip(t *testing.T) {
	p := newTestPosition(Long, "1.5", "50000.25")
	if err := p.AddTakeProfit(1, decimal.RequireFromString("51000"), decimal.RequireFromString("0.5")); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Position
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.ID != p.ID {
		t.Errorf("ID = %q, want %q", got.ID, p.ID)
	}
	if !got.RemainingQuantity.Equal(p.RemainingQuantity) {
		t.Errorf("RemainingQuantity = %s, want %s", got.RemainingQuantity, p.RemainingQuantity)
	}
	if !got.EntryPrice.Equal(p.EntryPrice) {
		t.Errorf("EntryPrice = %s, want %s", got.EntryPrice, p.EntryPrice)
	}
	if len(got.TakeProfits) != 1 {
		t.Fatalf("TakeProfits = %d, want 1", len(got.TakeProfits))
	}
}
