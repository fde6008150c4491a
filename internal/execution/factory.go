package execution

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/infra"
)

// Mode represents the trading execution mode
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// AdapterFactory creates the ExchangeAdapter for the configured mode.
type AdapterFactory struct {
	config *infra.Config
}

// NewAdapterFactory creates a new factory
func NewAdapterFactory(cfg *infra.Config) *AdapterFactory {
	return &AdapterFactory{config: cfg}
}

// CreateAdapter returns the appropriate ExchangeAdapter implementation.
func (f *AdapterFactory) CreateAdapter() (ExchangeAdapter, error) {
	mode := Mode(f.config.Trading.Mode)

	slog.Info("Initializing Exchange Adapter", "mode", mode)

	switch mode {
	case ModePaper:
		// Paper trading: 1M quote-currency virtual balance
		initialBalance := decimal.NewFromInt(1_000_000)
		return NewPaperAdapter(f.config.Trading.QuoteCurrency, initialBalance), nil

	case ModeReal:
		// Real trading: SAFETY LATCH CHECK
		if os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, fmt.Errorf("SAFETY_GUARD: Real trading requires 'CONFIRM_REAL_MONEY=true' environment variable")
		}
		// The wire client lives outside this module; nothing to construct.
		return nil, fmt.Errorf("no real exchange client is wired into this build")

	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}
}
