package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/execution"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/metrics"
	"github.com/BB13/algobot-public/internal/notify"
	"github.com/BB13/algobot-public/internal/storage"
)

// Service orchestrates the position lifecycle on top of the store and the
// exchange adapter: it computes order parameters, places orders, reconciles
// fills into position state, persists, and emits lifecycle events.
//
// Every operation reloads the store before acting and holds a per-position
// mutex, so concurrent signals for the same position serialize while
// different positions proceed in parallel.
type Service struct {
	store    *storage.PositionStore
	exchange execution.ExchangeAdapter
	policy   infra.PolicyProvider
	notifier notify.Sink

	locks sync.Map // position id -> *sync.Mutex
}

// NewService wires a position service.
func NewService(store *storage.PositionStore, exchange execution.ExchangeAdapter, policy infra.PolicyProvider, notifier notify.Sink) *Service {
	return &Service{
		store:    store,
		exchange: exchange,
		policy:   policy,
		notifier: notifier,
	}
}

// Store exposes the backing position store.
func (s *Service) Store() *storage.PositionStore { return s.store }

// Exchange exposes the adapter, for collaborators that need price lookups.
func (s *Service) Exchange() execution.ExchangeAdapter { return s.exchange }

func (s *Service) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// OpenRequest carries the parameters of a new position.
type OpenRequest struct {
	Symbol      string
	Direction   domain.Direction
	QuoteAmount decimal.Decimal
	Strategy    string
	Timeframe   string
	Settings    string
	MaxTP       int
}

// OpenPosition computes an exchange-valid quantity for the requested
// notional, places the entry order, and persists the resulting position.
// A failed order aborts before any position is created.
func (s *Service) OpenPosition(ctx context.Context, req OpenRequest) (*domain.Position, error) {
	asset, err := s.exchange.GetAssetInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, err)
	}

	qty, err := s.exchange.CalculateOptimalQuantity(ctx, asset, req.QuoteAmount, req.Direction)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, err)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("open %s with amount %s: %w", req.Symbol, req.QuoteAmount, domain.ErrZeroQuantity)
	}

	params := deriveOpenMarginParams(req.Direction, s.policy)

	res, err := s.exchange.PlaceMarketOrder(ctx, asset, req.Direction, qty, params.Options)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", req.Symbol, domain.ErrExchange, err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(req.Direction)).Inc()

	// Prefer the fill-weighted average over the submission price.
	entryPrice := res.AverageFillPrice()
	if !entryPrice.IsPositive() {
		if current, perr := s.exchange.GetCurrentPrice(ctx, asset); perr == nil {
			entryPrice = current
		}
	}

	execQty := res.ExecutedQty
	if !execQty.IsPositive() {
		execQty = qty
	}

	p := domain.NewPosition(asset, req.Direction, execQty, entryPrice, req.Strategy, req.Timeframe)
	if req.Settings != "" {
		p.BotSettings = req.Settings
	}
	if req.MaxTP > 0 {
		p.TakeProfitMax = req.MaxTP
	}
	p.Leverage = params.Leverage
	p.MarginType = params.MarginType
	p.ExternalID = res.OrderID

	if err := s.store.Save(p); err != nil {
		return nil, fmt.Errorf("persist new position %s: %w", p.ID, err)
	}

	metrics.PositionsOpened.WithLabelValues(string(req.Direction)).Inc()
	slog.Info("Position opened",
		"id", p.ID, "symbol", p.Asset.Symbol, "direction", string(p.Direction),
		"qty", p.InitialQuantity.String(), "entry", p.EntryPrice.String(),
		"leverage", p.Leverage)

	s.emit(ctx, notify.Event{Type: notify.EventPositionOpened, Position: p, Price: entryPrice})
	return p, nil
}

// ExecuteTakeProfit executes one take-profit level against a position. The
// level quantity is the incremental percentage of the initial quantity,
// clamped to remaining and truncated to the exchange step. A quantity
// below the exchange minimum closes the position outright on the final
// level and is a logged no-op otherwise.
func (s *Service) ExecuteTakeProfit(ctx context.Context, positionID string, level int, pcts map[int]decimal.Decimal) (*domain.Position, *execution.OrderResult, error) {
	mu := s.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.Reload(); err != nil {
		return nil, nil, err
	}

	p, err := s.store.GetByID(positionID)
	if err != nil {
		return nil, nil, err
	}
	if p.IsClosed() {
		return nil, nil, fmt.Errorf("take-profit %d on %s: %w", level, positionID, domain.ErrAlreadyClosed)
	}
	if p.HasTPLevelAtOrAbove(level) {
		return nil, nil, fmt.Errorf("take-profit level %d or higher already executed on %s: %w", level, positionID, domain.ErrInvalidLevel)
	}

	pct, ok := pcts[level]
	if !ok || !pct.IsPositive() {
		return nil, nil, fmt.Errorf("no percentage configured for level %d: %w", level, domain.ErrValidation)
	}
	incremental := pct.Sub(pcts[level-1])
	if !incremental.IsPositive() {
		return nil, nil, fmt.Errorf("non-increasing percentage at level %d: %w", level, domain.ErrValidation)
	}

	qty := incremental.Div(decimal.NewFromInt(100)).Mul(p.InitialQuantity)
	if qty.GreaterThan(p.RemainingQuantity) {
		qty = p.RemainingQuantity
	}

	// Refresh constraints before the precision-sensitive truncation.
	asset, err := s.exchange.GetAssetInfo(ctx, p.Asset.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh asset %s: %w", p.Asset.Symbol, err)
	}

	adjQty := asset.EnsureValidQuantity(qty)
	if !adjQty.IsPositive() {
		if level == p.TakeProfitMax {
			slog.Info("Final take-profit below minimum quantity, closing position instead",
				"id", p.ID, "level", level)
			return s.closeLocked(ctx, p, "Final take-profit below minimum quantity")
		}
		slog.Info("Take-profit quantity below exchange minimum, skipping",
			"id", p.ID, "level", level, "qty", qty.String())
		return p, nil, nil
	}

	res, err := s.exchange.PlaceMarketOrder(ctx, asset, p.Direction.Opposite(), adjQty, deriveReduceMarginParams(p))
	if err != nil {
		return nil, nil, fmt.Errorf("take-profit %d order on %s: %w: %v", level, p.ID, domain.ErrExchange, err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(p.Direction.Opposite())).Inc()

	fillPrice := res.AverageFillPrice()
	if !fillPrice.IsPositive() {
		if current, perr := s.exchange.GetCurrentPrice(ctx, asset); perr == nil {
			fillPrice = current
		} else {
			fillPrice = p.EntryPrice
		}
	}
	fillQty := res.ExecutedQty
	if !fillQty.IsPositive() {
		fillQty = adjQty
	}

	if err := p.AddTakeProfit(level, fillPrice, fillQty); err != nil {
		return nil, nil, err
	}
	metrics.TakeProfitsExecuted.Inc()

	// AddTakeProfit auto-closes at the max level; re-verify in case the
	// invariant did not hold and force the close.
	if (level == p.TakeProfitMax || !p.RemainingQuantity.IsPositive()) && p.IsOpen() {
		slog.Warn("Position should be closed after final take-profit, forcing close", "id", p.ID)
		if err := p.Close(fillPrice, p.RemainingQuantity, "Forced close after final take-profit", ""); err != nil {
			return nil, nil, err
		}
	}

	if err := s.store.Update(p); err != nil {
		return nil, nil, err
	}

	slog.Info("Take-profit executed",
		"id", p.ID, "level", level, "price", fillPrice.String(),
		"qty", fillQty.String(), "remaining", p.RemainingQuantity.String())

	s.emit(ctx, notify.Event{
		Type: notify.EventTakeProfit, Position: p,
		Level: level, Price: fillPrice, Quantity: fillQty,
	})
	if p.IsClosed() {
		metrics.PositionsClosed.Inc()
		s.emit(ctx, notify.Event{
			Type: notify.EventPositionClosed, Position: p,
			Price: fillPrice, Reason: "All take-profits executed",
		})
	}
	return p, res, nil
}

// ClosePosition closes a position at market. Closing an already-closed
// position is a no-op. Exchange failures degrade to a local "virtual"
// close annotated with the failure, so the position never remains
// silently open after a close attempt.
func (s *Service) ClosePosition(ctx context.Context, positionID, reason string) (*domain.Position, *execution.OrderResult, error) {
	mu := s.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.Reload(); err != nil {
		return nil, nil, err
	}

	p, err := s.store.GetByID(positionID)
	if err != nil {
		// A position already migrated to the closed partition makes a
		// repeated close an idempotent no-op.
		if closed := s.findClosed(positionID); closed != nil {
			return closed, nil, nil
		}
		return nil, nil, err
	}
	if p.IsClosed() {
		return p, nil, nil
	}

	return s.closeLocked(ctx, p, reason)
}

func (s *Service) findClosed(positionID string) *domain.Position {
	closed, err := s.store.GetClosedPositions(storage.Filter{})
	if err != nil {
		return nil
	}
	for _, c := range closed {
		if c.ID == positionID {
			return c
		}
	}
	return nil
}

// CloseVirtually marks a position closed locally without placing any
// exchange order. Used when policy wants book-keeping closure only, such as
// a shutdown sweep with the virtual close method.
func (s *Service) CloseVirtually(ctx context.Context, positionID, reason string) error {
	mu := s.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.Reload(); err != nil {
		return err
	}

	p, err := s.store.GetByID(positionID)
	if err != nil {
		return err
	}
	if p.IsClosed() {
		return nil
	}

	_, _, err = s.closeLocally(ctx, p, reason, notify.EventPositionClosed)
	return err
}

// closeLocked runs the close flow for an OPEN position. Caller holds the
// per-position mutex.
func (s *Service) closeLocked(ctx context.Context, p *domain.Position, reason string) (*domain.Position, *execution.OrderResult, error) {
	// Nothing left to sell: mark closed locally, no exchange order.
	if !p.RemainingQuantity.IsPositive() {
		return s.closeLocally(ctx, p, reason, notify.EventPositionClosed)
	}

	asset, err := s.exchange.GetAssetInfo(ctx, p.Asset.Symbol)
	if err != nil {
		slog.Warn("Asset refresh failed during close, using stored constraints",
			"id", p.ID, "err", err)
		asset = p.Asset
	}

	adjQty := asset.EnsureValidQuantity(p.RemainingQuantity)
	if !adjQty.IsPositive() {
		return s.closeLocally(ctx, p, reason+" (Below minimum quantity)", notify.EventPositionClosed)
	}

	res, err := s.exchange.PlaceMarketOrder(ctx, asset, p.Direction.Opposite(), adjQty, deriveReduceMarginParams(p))
	if err != nil {
		slog.Error("VIRTUAL_CLOSE: exchange order failed, closing locally",
			"id", p.ID, "err", err)
		metrics.VirtualCloses.Inc()
		return s.closeLocally(ctx, p, fmt.Sprintf("%s (Exchange Failed: %v)", reason, err), notify.EventVirtualClose)
	}
	metrics.OrdersPlaced.WithLabelValues(string(p.Direction.Opposite())).Inc()

	fillPrice := res.AverageFillPrice()
	if !fillPrice.IsPositive() {
		fillPrice = s.bestEffortPrice(ctx, p)
	}
	fillQty := res.ExecutedQty
	if !fillQty.IsPositive() {
		fillQty = adjQty
	}

	if err := p.Close(fillPrice, fillQty, reason, res.OrderID); err != nil {
		return nil, nil, err
	}
	if err := s.store.Update(p); err != nil {
		return nil, nil, err
	}

	slog.Info("Position closed",
		"id", p.ID, "price", fillPrice.String(), "reason", reason,
		"pnl", p.RealizedPnL().String())

	if p.IsClosed() {
		metrics.PositionsClosed.Inc()
		s.emit(ctx, notify.Event{Type: notify.EventPositionClosed, Position: p, Price: fillPrice, Reason: reason})
	}
	return p, res, nil
}

// closeLocally marks the position closed without an exchange order, at the
// best-effort current price.
func (s *Service) closeLocally(ctx context.Context, p *domain.Position, reason string, eventType notify.EventType) (*domain.Position, *execution.OrderResult, error) {
	price := s.bestEffortPrice(ctx, p)

	if err := p.Close(price, p.RemainingQuantity, reason, ""); err != nil {
		return nil, nil, err
	}
	if err := s.store.Update(p); err != nil {
		return nil, nil, err
	}

	metrics.PositionsClosed.Inc()
	slog.Info("Position closed locally",
		"id", p.ID, "price", price.String(), "reason", reason)

	s.emit(ctx, notify.Event{Type: eventType, Position: p, Price: price, Reason: reason})
	return p, nil, nil
}

func (s *Service) bestEffortPrice(ctx context.Context, p *domain.Position) decimal.Decimal {
	if price, err := s.exchange.GetCurrentPrice(ctx, p.Asset); err == nil && price.IsPositive() {
		return price
	}
	return p.EntryPrice
}

// PositionDetails is a position with its live (or final) PnL.
type PositionDetails struct {
	Position      *domain.Position
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	TotalPnL      decimal.Decimal
	PnLPercentage decimal.Decimal
	// PriceError is set when the live price lookup failed; PnL fields
	// derived from it are then zero rather than silently omitted.
	PriceError string
}

// GetPositionDetails returns a position with computed PnL. Open positions
// use the live price; closed positions report final realized PnL.
func (s *Service) GetPositionDetails(ctx context.Context, positionID string) (*PositionDetails, error) {
	p, err := s.store.GetByID(positionID)
	if err != nil {
		if p = s.findClosed(positionID); p == nil {
			return nil, err
		}
	}

	details := &PositionDetails{Position: p, RealizedPnL: p.RealizedPnL()}

	if p.IsClosed() {
		details.TotalPnL = details.RealizedPnL
		if iv := p.InitialValue(); !iv.IsZero() {
			details.PnLPercentage = details.RealizedPnL.Div(iv).Mul(decimal.NewFromInt(100))
		}
		return details, nil
	}

	price, err := s.exchange.GetCurrentPrice(ctx, p.Asset)
	if err != nil {
		details.PriceError = err.Error()
		return details, nil
	}

	details.CurrentPrice = price
	details.UnrealizedPnL = p.UnrealizedPnL(price)
	details.TotalPnL = p.TotalPnL(price)
	details.PnLPercentage = p.PnLPercentage(price)
	return details, nil
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	notify.Dispatch(ctx, s.notifier, ev)
}
