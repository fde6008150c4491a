package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// MockAdapter is a scriptable ExchangeAdapter for tests. Every operation
// can be forced to fail, and placed orders are captured for inspection.
type MockAdapter struct {
	mu sync.Mutex

	Assets map[string]domain.Asset
	Prices map[string]decimal.Decimal

	// Err, when set, is returned by every operation.
	Err error
	// OrderErr, when set, fails only order placement.
	OrderErr error

	// PlacedOrders captures every market order in submission order.
	PlacedOrders []PlacedOrder
}

// PlacedOrder is one captured order submission.
type PlacedOrder struct {
	Symbol    string
	Direction domain.Direction
	Quantity  decimal.Decimal
	Margin    *MarginOptions
}

// NewMockAdapter creates an empty mock.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Assets: make(map[string]domain.Asset),
		Prices: make(map[string]decimal.Decimal),
	}
}

func (m *MockAdapter) GetAssetInfo(ctx context.Context, symbol string) (domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.Asset{}, m.Err
	}
	a, ok := m.Assets[symbol]
	if !ok {
		return domain.Asset{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *MockAdapter) GetCurrentPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return decimal.Zero, m.Err
	}
	price, ok := m.Prices[asset.Symbol]
	if !ok {
		return decimal.Zero, domain.ErrExchange
	}
	return price, nil
}

func (m *MockAdapter) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if m.Err != nil {
		return decimal.Zero, m.Err
	}
	return decimal.NewFromInt(1_000_000), nil
}

func (m *MockAdapter) CalculateOptimalQuantity(ctx context.Context, asset domain.Asset, quoteAmount decimal.Decimal, direction domain.Direction) (decimal.Decimal, error) {
	price, err := m.GetCurrentPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return asset.EnsureValidQuantity(quoteAmount.Div(price)), nil
}

func (m *MockAdapter) PlaceMarketOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty decimal.Decimal, margin *MarginOptions) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}

	m.PlacedOrders = append(m.PlacedOrders, PlacedOrder{
		Symbol:    asset.Symbol,
		Direction: direction,
		Quantity:  qty,
		Margin:    margin,
	})

	price := m.Prices[asset.Symbol]
	return &OrderResult{
		OrderID:     uuid.NewString(),
		ExecutedQty: qty,
		Price:       price,
		Fills:       []Fill{{Price: price, Quantity: qty}},
	}, nil
}

func (m *MockAdapter) PlaceLimitOrder(ctx context.Context, asset domain.Asset, direction domain.Direction, qty, price decimal.Decimal, margin *MarginOptions) (*OrderResult, error) {
	return m.PlaceMarketOrder(ctx, asset, direction, qty, margin)
}

func (m *MockAdapter) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	return nil, m.Err
}

func (m *MockAdapter) GetOrderBook(ctx context.Context, asset domain.Asset, depth int) (*OrderBook, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &OrderBook{}, nil
}

func (m *MockAdapter) CheckOrderStatus(ctx context.Context, asset domain.Asset, orderID string) (string, error) {
	return "FILLED", m.Err
}

func (m *MockAdapter) CancelOrder(ctx context.Context, asset domain.Asset, orderID string) error {
	return m.Err
}

func (m *MockAdapter) GetRecentTrades(ctx context.Context, asset domain.Asset, limit int) ([]Trade, error) {
	return nil, m.Err
}

func (m *MockAdapter) GetHistoricalKlines(ctx context.Context, asset domain.Asset, interval string, limit int) ([]Kline, error) {
	return nil, m.Err
}
