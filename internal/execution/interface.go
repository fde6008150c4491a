package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// Margin side-effect types understood by the exchange.
const (
	SideEffectNone            = "NO_SIDE_EFFECT"
	SideEffectMarginBuy       = "MARGIN_BUY"
	SideEffectAutoRepay       = "AUTO_REPAY"
	SideEffectAutoBorrowRepay = "AUTO_BORROW_REPAY"
)

// MarginOptions carries the structured margin parameters for an order.
// Nil for plain spot orders.
type MarginOptions struct {
	IsIsolated     bool
	SideEffectType string
}

// Fill is a single execution of an order.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderResult is the reconciled outcome of an order placement.
type OrderResult struct {
	OrderID     string
	ExecutedQty decimal.Decimal
	Price       decimal.Decimal // requested or ticker price at submission
	Fills       []Fill
}

// AverageFillPrice returns the fill-weighted average price, preferring the
// actual fills over the submission price.
func (r *OrderResult) AverageFillPrice() decimal.Decimal {
	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for _, f := range r.Fills {
		totalQty = totalQty.Add(f.Quantity)
		totalValue = totalValue.Add(f.Price.Mul(f.Quantity))
	}
	if totalQty.IsPositive() {
		return totalValue.Div(totalQty)
	}
	return r.Price
}

// OrderBookLevel is one price level of an order book side.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Bids []OrderBookLevel
	Asks []OrderBookLevel
}

// Trade is a recent public trade.
type Trade struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// Kline is one historical candle.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// ExchangePosition is a position as reported by the exchange itself.
type ExchangePosition struct {
	Symbol   string
	Quantity decimal.Decimal
}

// ExchangeAdapter is the capability contract the core composes against.
// Concrete implementations own the wire protocol, authentication, rate
// limiting and retries; the core performs no adapter-level retry and
// treats every adapter failure as an operation failure to surface.
type ExchangeAdapter interface {
	// GetAssetInfo returns the exchange constraints for a symbol.
	// Fails with domain.ErrNotFound when the symbol is not tradeable.
	GetAssetInfo(ctx context.Context, symbol string) (domain.Asset, error)

	// GetCurrentPrice returns the latest price for the asset. May be
	// served from a short-lived cache.
	GetCurrentPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, error)

	// GetBalance returns the free balance of a currency.
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)

	// CalculateOptimalQuantity converts a desired notional spend into an
	// exchange-valid base-asset quantity.
	CalculateOptimalQuantity(ctx context.Context, asset domain.Asset, quoteAmount decimal.Decimal, direction domain.Direction) (decimal.Decimal, error)

	// PlaceMarketOrder submits a market order. margin is nil for plain
	// spot longs.
	PlaceMarketOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty decimal.Decimal, margin *MarginOptions) (*OrderResult, error)

	// PlaceLimitOrder submits a limit order.
	PlaceLimitOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty, price decimal.Decimal, margin *MarginOptions) (*OrderResult, error)

	// GetOpenPositions lists positions as the exchange sees them.
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)

	// GetOrderBook returns a depth snapshot.
	GetOrderBook(ctx context.Context, asset domain.Asset, depth int) (*OrderBook, error)

	// CheckOrderStatus returns the exchange-side status of an order.
	CheckOrderStatus(ctx context.Context, asset domain.Asset, orderID string) (string, error)

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, asset domain.Asset, orderID string) error

	// GetRecentTrades lists recent public trades.
	GetRecentTrades(ctx context.Context, asset domain.Asset, limit int) ([]Trade, error)

	// GetHistoricalKlines lists historical candles.
	GetHistoricalKlines(ctx context.Context, asset domain.Asset, interval string, limit int) ([]Kline, error)
}
