// Package main is the entry point for the aigate gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workmesh/aigate"
	"github.com/workmesh/aigate/internal/api"
	"github.com/workmesh/aigate/internal/config"
	redisstore "github.com/workmesh/aigate/internal/store/redis"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting aigate gateway", "version", version, "addr", cfg.Server.ListenAddr)

	client, err := buildClient(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	mux := http.NewServeMux()
	api.NewHandler(client, logger).Routes(mux)
	if cfg.Server.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildClient wires the gateway client from file configuration.
func buildClient(cfg *config.Config, logger *slog.Logger) (*aigate.Client, error) {
	opts := []aigate.Option{
		aigate.WithLogger(logger),
		aigate.WithCooldown(cfg.Credentials.Cooldown),
		aigate.WithMaxTurns(cfg.Context.MaxTurns),
		aigate.WithCallTimeout(cfg.Server.CallTimeout),
		aigate.WithSystemPrompt(cfg.Server.SystemPrompt),
		aigate.WithAttachmentBudgets(aigate.AttachmentConfig{
			TextBudgetChars:    cfg.Attachments.TextBudgetChars,
			PDFTextBudgetChars: cfg.Attachments.PDFTextBudgetChars,
			MaxFetchBytes:      cfg.Attachments.MaxFetchBytes,
		}),
		aigate.WithRateLimit(aigate.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}),
	}

	for _, p := range cfg.Providers {
		opts = append(opts, aigate.WithProvider(aigate.ProviderConfig{
			Name:    p.Name,
			Type:    p.Type,
			APIKeys: p.APIKeys,
			BaseURL: p.BaseURL,
			Models:  p.Models,
			Headers: p.Headers,
		}))
	}

	if len(cfg.Pricing) > 0 {
		opts = append(opts, aigate.WithPricingOverlay(cfg.Pricing))
	}

	if cfg.Store.Type == "redis" {
		st, err := redisstore.New(cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		opts = append(opts, aigate.WithStore(st))
	}

	return aigate.New(opts...)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}
