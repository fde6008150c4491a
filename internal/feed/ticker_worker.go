package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/infra"
)

// PriceCache holds the latest ticker price per symbol. Entries older than
// the staleness window are not served, so a dead feed degrades to "no
// price" instead of a frozen one.
type PriceCache struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	updated  map[string]time.Time
	maxAge   time.Duration
}

// NewPriceCache creates a cache serving prices no older than maxAge.
func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{
		prices:  make(map[string]decimal.Decimal),
		updated: make(map[string]time.Time),
		maxAge:  maxAge,
	}
}

// Set records a fresh price for a symbol.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	c.updated[symbol] = time.Now()
}

// Price returns the cached price if present and fresh.
func (c *PriceCache) Price(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if c.maxAge > 0 && time.Since(c.updated[symbol]) > c.maxAge {
		return decimal.Zero, false
	}
	return price, true
}

// TickerHandler defines exchange-specific stream logic for the worker.
type TickerHandler interface {
	GetURL() string
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	ID() string
}

// Worker manages a ticker WebSocket connection: reconnection with
// exponential backoff, read timeouts and thread-safe writes.
type Worker struct {
	handler TickerHandler
	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewWorker creates a ticker worker for the given handler.
func NewWorker(handler TickerHandler) *Worker {
	return &Worker{
		handler:      handler,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Start initiates the connection loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("Feed connection failed", "id", w.handler.ID(), "err", err, "retry", retry)
			delay := infra.CalculateBackoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0 // Reset on successful connect
		w.process(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}

	if w.PingInterval > 0 {
		go w.pingLoop(ctx)
	}

	slog.Info("Feed connected", "id", w.handler.ID())
	return nil
}

func (w *Worker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			slog.Warn("Feed read error", "id", w.handler.ID(), "err", err)
			w.close()
			return
		}

		w.handler.OnMessage(ctx, msg)
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			w.mu.RUnlock()
			if c == nil {
				return
			}
			if err := w.handler.OnPing(ctx, c); err != nil {
				slog.Warn("Feed ping error", "id", w.handler.ID(), "err", err)
				w.close()
				return
			}
		}
	}
}

func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// MiniTickerHandler consumes a Binance-style combined miniTicker stream
// and feeds the price cache.
type MiniTickerHandler struct {
	baseURL string
	symbols []string
	cache   *PriceCache
}

// NewMiniTickerHandler subscribes the given symbols on the combined
// stream endpoint.
func NewMiniTickerHandler(baseURL string, symbols []string, cache *PriceCache) *MiniTickerHandler {
	return &MiniTickerHandler{baseURL: baseURL, symbols: symbols, cache: cache}
}

func (h *MiniTickerHandler) GetURL() string {
	streams := make([]string, 0, len(h.symbols))
	for _, s := range h.symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	return h.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

func (h *MiniTickerHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return nil // combined streams subscribe via URL
}

type miniTickerMsg struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func (h *MiniTickerHandler) OnMessage(ctx context.Context, msg []byte) {
	var m miniTickerMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		slog.Debug("Skipping unparseable ticker message", "err", err)
		return
	}
	if m.Data.Symbol == "" {
		return
	}

	price, err := decimal.NewFromString(m.Data.Close)
	if err != nil {
		slog.Debug("Skipping bad ticker price", "symbol", m.Data.Symbol, "value", m.Data.Close)
		return
	}
	h.cache.Set(m.Data.Symbol, price)
}

func (h *MiniTickerHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (h *MiniTickerHandler) ID() string {
	return "ticker-feed"
}
