package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BB13/algobot-public/internal/app"
	"github.com/BB13/algobot-public/internal/engine"
	"github.com/BB13/algobot-public/internal/infra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	cfg := bootstrap.Config
	infra.PrintBanner(cfg)

	// Metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("📊 Metrics server started", "addr", cfg.Server.MetricsAddr)
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	// Signal ingestion server
	signalServer := &http.Server{
		Addr:         cfg.Server.SignalAddr,
		Handler:      signalHandler(bootstrap.Processor),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		slog.Info("📡 Signal server started", "addr", cfg.Server.SignalAddr)
		if err := signalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Signal server failed", slog.Any("error", err))
			stop()
		}
	}()

	// Background tasks
	go bootstrap.Safety.Run(ctx)
	go bootstrap.Maintenance.Run(ctx)

	slog.InfoContext(ctx, "✨ Algobot fully operational. Press Ctrl+C to exit.")

	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Signal server shutdown failed", "err", err)
	}

	bootstrap.Shutdown.CloseAllPositions(shutdownCtx)
}

// signalHandler accepts flat JSON signal payloads on POST /signal and
// returns the processing result as JSON. Processing errors come back as
// structured failures with HTTP 200; only transport-level problems get
// error status codes.
func signalHandler(processor *engine.Processor) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload map[string]string
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		result := processor.Process(r.Context(), payload)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			slog.Warn("Failed to write signal response", "err", err)
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}
