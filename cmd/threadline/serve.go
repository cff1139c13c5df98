package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/agent/protocols"
	"github.com/threadline-ai/threadline/internal/channels/whatsapp"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/tools"
	"github.com/threadline-ai/threadline/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Threadline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("THREADLINE_CONFIG")
			}
			if configPath == "" {
				configPath = "threadline.yaml"
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	objects, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	registry := tools.NewRegistry()
	engine := tools.NewEngine(registry, objects, m, logger)

	protocolRegistry := protocols.NewRegistry(st, objects, nil, logger)

	sender := whatsapp.NewSender(cfg.WhatsApp, objects, m, logger)

	loop := agent.NewLoop(st, engine, protocolRegistry.ForAgent, sender, m, agent.Config{
		MaxIterations:         cfg.Agent.MaxIterations,
		HistoryLimit:          cfg.Agent.HistoryLimit,
		AnnotationWaitTimeout: cfg.Agent.AnnotationWaitTimeout,
		TypingInterval:        cfg.Agent.TypingInterval,
	}, logger)

	var transcriber whatsapp.Transcriber
	if cfg.Transcription.Enabled {
		transcriber = whatsapp.NewOpenAITranscriber(cfg.Transcription.APIKey, cfg.Transcription.BaseURL, cfg.Transcription.Model)
	}

	onMessage := func(ctx context.Context, trigger *models.Message) {
		if err := loop.HandleTurn(ctx, trigger); err != nil {
			logger.Error("turn failed", "trigger", trigger.ID, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	if cfg.WhatsApp.Enabled {
		webhook := whatsapp.NewWebhook(cfg.WhatsApp, st, objects, transcriber, sender, onMessage, m, logger)
		mux.Handle("/webhooks/whatsapp", webhook)
	} else {
		logger.Warn("whatsapp channel disabled; no inbound messages will arrive")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown", "error", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Store(ctx, &cfg.Storage.S3)
	default:
		return storage.NewMemoryStore(), nil
	}
}
