package feed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriceCache(t *testing.T) {
	c := NewPriceCache(time.Minute)

	if _, ok := c.Price("BTCUSDT"); ok {
		t.Error("empty cache should report no price")
	}

	c.Set("BTCUSDT", decimal.NewFromInt(50_000))
	got, ok := c.Price("BTCUSDT")
	if !ok {
		t.Fatal("expected a cached price")
	}
	if !got.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("price = %s, want 50000", got)
	}
}

func TestPriceCacheStaleness(t *testing.T) {
	c := NewPriceCache(10 * time.Millisecond)
	c.Set("BTCUSDT", decimal.NewFromInt(50_000))

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Price("BTCUSDT"); ok {
		t.Error("stale price should not be served")
	}
}

func TestMiniTickerHandlerURL(t *testing.T) {
	h := NewMiniTickerHandler("wss://stream.example.com:9443", []string{"BTCUSDT", "ETHUSDT"}, nil)

	want := "wss://stream.example.com:9443/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if got := h.GetURL(); got != want {
		t.Errorf("GetURL() = %q, want %q", got, want)
	}
}

func TestMiniTickerHandlerOnMessage(t *testing.T) {
	cache := NewPriceCache(time.Minute)
	h := NewMiniTickerHandler("wss://x", []string{"BTCUSDT"}, cache)
	ctx := context.Background()

	h.OnMessage(ctx, []byte(`{"stream":"btcusdt@miniTicker","data":{"s":"BTCUSDT","c":"50123.45"}}`))

	got, ok := cache.Price("BTCUSDT")
	if !ok {
		t.Fatal("expected the ticker price in the cache")
	}
	if !got.Equal(decimal.RequireFromString("50123.45")) {
		t.Errorf("price = %s, want 50123.45", got)
	}

	// Garbage and empty messages are dropped silently.
	h.OnMessage(ctx, []byte(`not json`))
	h.OnMessage(ctx, []byte(`{"data":{"s":"","c":""}}`))
	h.OnMessage(ctx, []byte(`{"data":{"s":"ETHUSDT","c":"bad"}}`))
	if _, ok := cache.Price("ETHUSDT"); ok {
		t.Error("bad price should not be cached")
	}
}
