package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// PriceSource supplies live prices, typically the websocket ticker cache.
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// PaperAdapter simulates an exchange with virtual balances and immediate
// full fills at the cached price. Used for paper trading and tests.
type PaperAdapter struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	assets   map[string]domain.Asset
	prices   map[string]decimal.Decimal
	source   PriceSource // optional live feed, consulted before the manual price map
}

// NewPaperAdapter creates a paper exchange seeded with an initial quote
// balance.
func NewPaperAdapter(quoteCurrency string, initialBalance decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		balances: map[string]decimal.Decimal{quoteCurrency: initialBalance},
		assets:   make(map[string]domain.Asset),
		prices:   make(map[string]decimal.Decimal),
	}
}

// SetPriceSource attaches a live price feed.
func (p *PaperAdapter) SetPriceSource(src PriceSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src
}

// RegisterAsset makes a symbol tradeable on the paper exchange.
func (p *PaperAdapter) RegisterAsset(a domain.Asset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[a.Symbol] = a
}

// SetPrice sets the manual price for a symbol.
func (p *PaperAdapter) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Deposit credits the virtual account.
func (p *PaperAdapter) Deposit(currency string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] = p.balances[currency].Add(amount)
}

func (p *PaperAdapter) GetAssetInfo(ctx context.Context, symbol string) (domain.Asset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.assets[strings.ToUpper(symbol)]
	if !ok {
		return domain.Asset{}, fmt.Errorf("asset %s: %w", symbol, domain.ErrNotFound)
	}
	return a, nil
}

func (p *PaperAdapter) GetCurrentPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priceLocked(asset.Symbol)
}

func (p *PaperAdapter) priceLocked(symbol string) (decimal.Decimal, error) {
	if p.source != nil {
		if price, ok := p.source.Price(symbol); ok {
			return price, nil
		}
	}
	if price, ok := p.prices[symbol]; ok {
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("no price available for %s: %w", symbol, domain.ErrExchange)
}

func (p *PaperAdapter) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[currency], nil
}

// CalculateOptimalQuantity converts a notional quote amount into a valid
// base quantity at the current price.
func (p *PaperAdapter) CalculateOptimalQuantity(ctx context.Context, asset domain.Asset, quoteAmount decimal.Decimal, direction domain.Direction) (decimal.Decimal, error) {
	price, err := p.GetCurrentPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price for %s: %w", asset.Symbol, domain.ErrExchange)
	}
	return asset.EnsureValidQuantity(quoteAmount.Div(price)), nil
}

// PlaceMarketOrder fills the full quantity immediately at the cached price
// and adjusts virtual balances. Margin orders skip the balance check since
// the paper account borrows freely.
func (p *PaperAdapter) PlaceMarketOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty decimal.Decimal, margin *MarginOptions) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.priceLocked(asset.Symbol)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("order quantity must be positive: %w", domain.ErrZeroQuantity)
	}

	base, quote := splitSymbol(asset.Symbol)
	cost := price.Mul(qty)

	if direction == domain.Long {
		if margin == nil && p.balances[quote].LessThan(cost) {
			return nil, fmt.Errorf("insufficient %s balance: need %s, have %s: %w",
				quote, cost, p.balances[quote], domain.ErrExchange)
		}
		p.balances[quote] = p.balances[quote].Sub(cost)
		p.balances[base] = p.balances[base].Add(qty)
	} else {
		if margin == nil && p.balances[base].LessThan(qty) {
			return nil, fmt.Errorf("insufficient %s balance: need %s, have %s: %w",
				base, qty, p.balances[base], domain.ErrExchange)
		}
		p.balances[base] = p.balances[base].Sub(qty)
		p.balances[quote] = p.balances[quote].Add(cost)
	}

	result := &OrderResult{
		OrderID:     uuid.NewString(),
		ExecutedQty: qty,
		Price:       price,
		Fills:       []Fill{{Price: price, Quantity: qty}},
	}

	slog.Info("PAPER EXECUTION: Order Filled",
		"order_id", result.OrderID,
		"symbol", asset.Symbol,
		"direction", string(direction),
		"price", price.String(),
		"qty", qty.String())

	return result, nil
}

// PlaceLimitOrder fills like a market order at the limit price. The paper
// exchange keeps no resting book.
func (p *PaperAdapter) PlaceLimitOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty, price decimal.Decimal, margin *MarginOptions) (*OrderResult, error) {
	p.SetPrice(asset.Symbol, price)
	return p.PlaceMarketOrder(ctx, asset, direction, qty, margin)
}

func (p *PaperAdapter) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ExchangePosition
	for symbol := range p.assets {
		base, _ := splitSymbol(symbol)
		if bal := p.balances[base]; bal.IsPositive() {
			out = append(out, ExchangePosition{Symbol: symbol, Quantity: bal})
		}
	}
	return out, nil
}

// GetOrderBook synthesizes a one-level book around the cached price.
func (p *PaperAdapter) GetOrderBook(ctx context.Context, asset domain.Asset, depth int) (*OrderBook, error) {
	price, err := p.GetCurrentPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	one := decimal.NewFromInt(1)
	return &OrderBook{
		Bids: []OrderBookLevel{{Price: price, Quantity: one}},
		Asks: []OrderBookLevel{{Price: price, Quantity: one}},
	}, nil
}

func (p *PaperAdapter) CheckOrderStatus(ctx context.Context, asset domain.Asset, orderID string) (string, error) {
	return "FILLED", nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, asset domain.Asset, orderID string) error {
	return fmt.Errorf("paper orders fill immediately, nothing to cancel: %w", domain.ErrNotFound)
}

func (p *PaperAdapter) GetRecentTrades(ctx context.Context, asset domain.Asset, limit int) ([]Trade, error) {
	price, err := p.GetCurrentPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return []Trade{{Price: price, Quantity: decimal.NewFromInt(1), Timestamp: time.Now().UTC()}}, nil
}

func (p *PaperAdapter) GetHistoricalKlines(ctx context.Context, asset domain.Asset, interval string, limit int) ([]Kline, error) {
	price, err := p.GetCurrentPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return []Kline{{
		OpenTime: time.Now().UTC(),
		Open:     price, High: price, Low: price, Close: price,
		Volume: decimal.Zero,
	}}, nil
}

// splitSymbol derives base and quote currencies from a concatenated pair
// symbol like BTCUSDT.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "KRW"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 3 {
		return symbol[:3], symbol[3:]
	}
	return symbol, "USDT"
}
