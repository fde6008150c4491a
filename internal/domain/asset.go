package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Asset describes a tradable instrument and its exchange constraints.
// All numeric constraints are exact decimals; quantities submitted to an
// exchange must respect MinQuantity, MaxQuantity and StepSize exactly.
type Asset struct {
	Symbol         string          `json:"symbol"`
	AssetType      string          `json:"asset_type"`
	ExchangeID     string          `json:"exchange_id"`
	MinQuantity    decimal.Decimal `json:"min_quantity"`
	MaxQuantity    decimal.Decimal `json:"max_quantity"`
	StepSize       decimal.Decimal `json:"step_size"`
	PricePrecision int32           `json:"price_precision"`
	QuotePrecision int32           `json:"quote_precision"`
}

// EnsureValidQuantity adjusts a desired quantity to one the exchange will
// accept: clamped to [MinQuantity, MaxQuantity], then truncated DOWN to an
// exact multiple of StepSize. Truncation never rounds up, so the result can
// never over-order. Returns exactly zero when no valid quantity exists
// (result below the exchange minimum); callers must treat zero as
// unfillable. Idempotent.
func (a Asset) EnsureValidQuantity(desired decimal.Decimal) decimal.Decimal {
	q := desired

	if a.MinQuantity.IsPositive() && q.LessThan(a.MinQuantity) {
		q = a.MinQuantity
	}
	if a.MaxQuantity.IsPositive() && q.GreaterThan(a.MaxQuantity) {
		q = a.MaxQuantity
	}

	if a.StepSize.IsPositive() {
		// Exact remainder subtraction; Div rounds at the division
		// precision and can land on the next multiple up.
		q = q.Sub(q.Mod(a.StepSize))
	}

	if a.MinQuantity.IsPositive() && q.LessThan(a.MinQuantity) {
		return decimal.Zero
	}
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}

// QuantityPrecision derives the decimal precision implied by StepSize,
// round(-log10(step)). A step of 0.001 yields 3.
func (a Asset) QuantityPrecision() int32 {
	if !a.StepSize.IsPositive() {
		return 8
	}
	f, _ := a.StepSize.Float64()
	return int32(math.Round(-math.Log10(f)))
}

// FormatQuantity renders a quantity at the exact precision implied by
// StepSize, for exchange submission.
func (a Asset) FormatQuantity(q decimal.Decimal) string {
	return q.StringFixed(a.QuantityPrecision())
}

// FormatPrice renders a price at the asset's price precision.
func (a Asset) FormatPrice(p decimal.Decimal) string {
	return p.StringFixed(a.PricePrecision)
}
