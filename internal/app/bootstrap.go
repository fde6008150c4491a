package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/engine"
	"github.com/BB13/algobot-public/internal/execution"
	"github.com/BB13/algobot-public/internal/feed"
	"github.com/BB13/algobot-public/internal/infra"
	"github.com/BB13/algobot-public/internal/notify"
	"github.com/BB13/algobot-public/internal/storage"
	"github.com/BB13/algobot-public/internal/tasks"
)

// Bootstrap wires the application: config, storage, exchange adapter,
// position service, signal processor and background tasks.
type Bootstrap struct {
	Config    *infra.Config
	Policy    infra.PolicyProvider
	Store     *storage.PositionStore
	Outcomes  *storage.OutcomeStore
	Exchange  execution.ExchangeAdapter
	Service   *engine.Service
	Processor *engine.Processor

	Safety      *tasks.SafetyMonitor
	Maintenance *tasks.Maintenance
	Shutdown    *tasks.ShutdownSweep

	FeedWorker *feed.Worker
	PriceCache *feed.PriceCache

	unlock func()
}

// NewBootstrap creates an empty Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs the full startup sequence.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Algobot...")

	// 1. Load Config (Dynamic Path Resolution)
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Data Isolation: _workspace/data/{mode}/
	mode := strings.ToLower(cfg.Trading.Mode)
	workDir := infra.GetWorkspaceDir()
	dataDir := filepath.Join(workDir, "data", mode)

	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// 3.1 Singleton instance lock. The stores' flocks handle cooperating
	// external tools; this only blocks a duplicate bot process.
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	// 4. Trade outcome ledger (WAL-mode SQLite)
	outcomes, err := storage.NewOutcomeStore(filepath.Join(dataDir, "outcomes.db"))
	if err != nil {
		return err
	}
	b.Outcomes = outcomes
	slog.Info("✅ Outcome ledger initialized (WAL-mode)", "mode", mode)

	// 5. Position store (JSON partitions with cross-process locking)
	store, err := storage.NewPositionStore(dataDir, outcomes)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("✅ Position store initialized", "dir", dataDir)

	// 6. Live policy (user_config.yaml, reloads on change)
	policy, err := infra.NewViperPolicy(cfg.Policy.Path)
	if err != nil {
		return err
	}
	b.Policy = policy

	// 7. Exchange adapter for the configured mode
	adapter, err := execution.NewAdapterFactory(cfg).CreateAdapter()
	if err != nil {
		return err
	}
	b.Exchange = adapter

	// 8. Optional ticker feed; paper adapters price from the cache
	if cfg.Feed.Enabled {
		b.PriceCache = feed.NewPriceCache(2 * time.Minute)
		handler := feed.NewMiniTickerHandler(cfg.Feed.WSURL, cfg.Trading.Symbols, b.PriceCache)
		b.FeedWorker = feed.NewWorker(handler)
		b.FeedWorker.Start(ctx)
		slog.Info("✅ Ticker feed started", "symbols", len(cfg.Trading.Symbols))
	}

	if paper, ok := adapter.(*execution.PaperAdapter); ok {
		if b.PriceCache != nil {
			paper.SetPriceSource(b.PriceCache)
		}
		for _, symbol := range cfg.Trading.Symbols {
			paper.RegisterAsset(defaultPaperAsset(symbol))
		}
	}

	// 9. Position service, signal processor and tasks
	sink := notify.LogSink{}
	b.Service = engine.NewService(store, adapter, policy, sink)
	b.Processor = engine.NewProcessor(b.Service, policy)

	b.Safety = tasks.NewSafetyMonitor(b.Service, policy, sink)
	b.Maintenance = tasks.NewMaintenance(store, time.Hour)
	b.Shutdown = tasks.NewShutdownSweep(b.Service, policy)

	// 10. Startup reconciliation before any signal is accepted
	b.Maintenance.RunOnce()

	slog.Info("✅ Algobot initialized", "mode", cfg.Trading.Mode)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (b *Bootstrap) Close() {
	if b.FeedWorker != nil {
		b.FeedWorker.Stop()
	}
	if b.Outcomes != nil {
		if err := b.Outcomes.Close(); err != nil {
			slog.Warn("Outcome ledger close failed", "err", err)
		}
	}
	if b.unlock != nil {
		b.unlock()
	}
}

// defaultPaperAsset returns permissive constraints for paper trading.
func defaultPaperAsset(symbol string) domain.Asset {
	return domain.Asset{
		Symbol:         strings.ToUpper(symbol),
		AssetType:      "SPOT",
		ExchangeID:     "paper",
		MinQuantity:    decimal.RequireFromString("0.00001"),
		MaxQuantity:    decimal.NewFromInt(1_000_000),
		StepSize:       decimal.RequireFromString("0.00001"),
		PricePrecision: 8,
		QuotePrecision: 8,
	}
}
