package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Status of a position. CLOSED is terminal.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// MarginType of a margin trade. Empty for plain spot.
type MarginType string

const (
	MarginCrossed  MarginType = "CROSSED"
	MarginIsolated MarginType = "ISOLATED"
)

// TakeProfit records one executed partial-exit level.
type TakeProfit struct {
	Level     int             `json:"level"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// CloseData records the final (or partial) closing fill of a position.
type CloseData struct {
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Value      decimal.Decimal `json:"value"`
	Reason     string          `json:"reason"`
	ExternalID string          `json:"external_id,omitempty"`
}

// Position is a tracked holding of an asset, progressing through partial
// take-profits to closure. All monetary values are exact decimals and are
// serialized as strings.
type Position struct {
	ID                string          `json:"id"`
	ExternalID        string          `json:"external_id,omitempty"`
	Asset             Asset           `json:"asset"`
	Direction         Direction       `json:"direction"`
	InitialQuantity   decimal.Decimal `json:"initial_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	BotStrategy       string          `json:"bot_strategy"`
	BotSettings       string          `json:"bot_settings"`
	Timeframe         string          `json:"timeframe"`
	Leverage          int             `json:"leverage"`
	MarginType        MarginType      `json:"margin_type,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	TakeProfitMax     int             `json:"take_profit_max"`
	Status            Status          `json:"status"`
	TakeProfits       []TakeProfit    `json:"take_profits"`
	CloseData         *CloseData      `json:"close_data,omitempty"`
	ClosedAt          time.Time       `json:"closed_at"`
}

// NewPosition creates an OPEN position with a fresh id. Defaults:
// BotSettings "default", TakeProfitMax 3, Leverage 1.
func NewPosition(asset Asset, direction Direction, qty, entryPrice decimal.Decimal, strategy, timeframe string) *Position {
	return &Position{
		ID:                uuid.NewString(),
		Asset:             asset,
		Direction:         direction,
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		EntryPrice:        entryPrice,
		BotStrategy:       strategy,
		BotSettings:       "default",
		Timeframe:         timeframe,
		Leverage:          1,
		Timestamp:         time.Now().UTC(),
		TakeProfitMax:     3,
		Status:            StatusOpen,
		TakeProfits:       []TakeProfit{},
	}
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// IsClosed reports whether the position reached its terminal state.
func (p *Position) IsClosed() bool { return p.Status == StatusClosed }

// CompositeKey groups positions for signal matching:
// {strategy}_{settings}_{timeframe}_{symbol}.
func (p *Position) CompositeKey() string {
	return CompositeKey(p.BotStrategy, p.BotSettings, p.Timeframe, p.Asset.Symbol)
}

// CompositeKey builds the store grouping key from its parts.
func CompositeKey(strategy, settings, timeframe, symbol string) string {
	return fmt.Sprintf("%s_%s_%s_%s", strategy, settings, timeframe, symbol)
}

// AddTakeProfit records an executed take-profit fill at the given level.
// The quantity is clamped to the remaining quantity. When level equals
// TakeProfitMax, or no quantity remains afterwards, the position is
// auto-closed. The auto-close at the max level fires regardless of
// remaining quantity.
func (p *Position) AddTakeProfit(level int, price, qty decimal.Decimal) error {
	if p.IsClosed() {
		return fmt.Errorf("add take-profit %d to %s: %w", level, p.ID, ErrAlreadyClosed)
	}
	if level > p.TakeProfitMax {
		return fmt.Errorf("level %d exceeds max %d: %w", level, p.TakeProfitMax, ErrInvalidLevel)
	}
	for _, tp := range p.TakeProfits {
		if tp.Level == level {
			return fmt.Errorf("level %d already executed: %w", level, ErrInvalidLevel)
		}
	}

	if qty.GreaterThan(p.RemainingQuantity) {
		qty = p.RemainingQuantity
	}
	if !qty.IsPositive() {
		return fmt.Errorf("take-profit %d on %s: %w", level, p.ID, ErrNoQuantity)
	}

	p.TakeProfits = append(p.TakeProfits, TakeProfit{
		Level:     level,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now().UTC(),
	})
	p.RemainingQuantity = p.RemainingQuantity.Sub(qty)

	if level == p.TakeProfitMax || !p.RemainingQuantity.IsPositive() {
		// The max level closes unconditionally; leftover quantity is
		// forfeited from tracking, not sold.
		p.RemainingQuantity = decimal.Zero
		return p.Close(price, decimal.Zero, "All take-profits executed", "")
	}
	return nil
}

// Close records a closing fill. The quantity is clamped to the remaining
// quantity. The position transitions to CLOSED only when the remaining
// quantity is fully drained (then forced to exactly zero); a smaller
// quantity is a partial close that leaves the position OPEN.
func (p *Position) Close(price, qty decimal.Decimal, reason, externalID string) error {
	if p.IsClosed() {
		return fmt.Errorf("close %s: %w", p.ID, ErrAlreadyClosed)
	}

	if qty.GreaterThan(p.RemainingQuantity) {
		qty = p.RemainingQuantity
	}

	p.CloseData = &CloseData{
		Timestamp:  time.Now().UTC(),
		Price:      price,
		Quantity:   qty,
		Value:      price.Mul(qty),
		Reason:     reason,
		ExternalID: externalID,
	}
	p.RemainingQuantity = p.RemainingQuantity.Sub(qty)

	if !p.RemainingQuantity.IsPositive() {
		p.RemainingQuantity = decimal.Zero
		p.Status = StatusClosed
		p.ClosedAt = time.Now().UTC()
	}
	return nil
}

// InitialValue is the notional at entry.
func (p *Position) InitialValue() decimal.Decimal {
	return p.EntryPrice.Mul(p.InitialQuantity)
}

// TakeProfitCount is the number of executed take-profit levels.
func (p *Position) TakeProfitCount() int { return len(p.TakeProfits) }

// LastTPLevel returns the highest executed take-profit level, 0 if none.
func (p *Position) LastTPLevel() int {
	last := 0
	for _, tp := range p.TakeProfits {
		if tp.Level > last {
			last = tp.Level
		}
	}
	return last
}

// HasTPLevelAtOrAbove reports whether any executed take-profit is at or
// above the given level.
func (p *Position) HasTPLevelAtOrAbove(level int) bool {
	for _, tp := range p.TakeProfits {
		if tp.Level >= level {
			return true
		}
	}
	return false
}

// UnrealizedPnL is the direction-signed open profit at the given price:
// LONG gains when price rises, SHORT when it falls.
func (p *Position) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	diff := currentPrice.Sub(p.EntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.RemainingQuantity)
}

// RealizedPnL is the value of all fills (take-profits plus close) minus the
// cost basis of that same quantity at the entry price, direction-signed.
func (p *Position) RealizedPnL() decimal.Decimal {
	exitValue := decimal.Zero
	exitQty := decimal.Zero
	for _, tp := range p.TakeProfits {
		exitValue = exitValue.Add(tp.Price.Mul(tp.Quantity))
		exitQty = exitQty.Add(tp.Quantity)
	}
	if p.CloseData != nil {
		exitValue = exitValue.Add(p.CloseData.Value)
		exitQty = exitQty.Add(p.CloseData.Quantity)
	}

	pnl := exitValue.Sub(p.EntryPrice.Mul(exitQty))
	if p.Direction == Short {
		pnl = pnl.Neg()
	}
	return pnl
}

// TotalPnL is realized plus unrealized PnL at the given price.
func (p *Position) TotalPnL(currentPrice decimal.Decimal) decimal.Decimal {
	return p.RealizedPnL().Add(p.UnrealizedPnL(currentPrice))
}

// PnLPercentage is TotalPnL relative to the initial notional, in percent.
func (p *Position) PnLPercentage(currentPrice decimal.Decimal) decimal.Decimal {
	iv := p.InitialValue()
	if iv.IsZero() {
		return decimal.Zero
	}
	return p.TotalPnL(currentPrice).Div(iv).Mul(decimal.NewFromInt(100))
}

// DurationHours is the position age in hours, up to close time for closed
// positions.
func (p *Position) DurationHours() decimal.Decimal {
	end := time.Now().UTC()
	if p.IsClosed() && !p.ClosedAt.IsZero() {
		end = p.ClosedAt
	}
	return decimal.NewFromFloat(end.Sub(p.Timestamp).Hours())
}
