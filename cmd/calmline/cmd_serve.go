package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/mockprovider"
	"github.com/calmline/calmline/internal/provider"
	"github.com/calmline/calmline/internal/redact"
	"github.com/calmline/calmline/internal/server"
)

var serveFlags struct {
	addr         string
	mockProvider bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway and emergency log endpoints",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "HTTP listen address (overrides config)")
	f.BoolVar(&serveFlags.mockProvider, "mock-provider", false, "Answer chat with a local mock Gemini server instead of the real API")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serveFlags.addr != "" {
		addr = serveFlags.addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := buildTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownWithTimeout(cfg.Server.ShutdownTimeout, tel.Shutdown)

	det, err := loadDetector(cfg)
	if err != nil {
		return err
	}
	logger, err := buildLogger(ctx, cfg, tel, true)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(cfg.Server.ShutdownTimeout, logger.Close)

	var collector *emergency.SQLiteSink
	if cfg.Collector.Enabled {
		collector, err = emergency.OpenSQLiteSink(cfg.Collector.SQLitePath)
		if err != nil {
			return fmt.Errorf("open collector: %w", err)
		}
		defer collector.Close(context.Background())
	}

	if n := logger.ClearOldLogs(ctx, emergency.DefaultRetentionDays); n > 0 {
		redact.Logf("pruned %d entries older than %d days at startup", n, emergency.DefaultRetentionDays)
	}

	var llm provider.Provider
	if !serveFlags.mockProvider {
		llm = buildProvider(cfg.Provider)
	} else {
		stopMock, baseURL, err := mockprovider.Start("")
		if err != nil {
			return fmt.Errorf("mock provider: %w", err)
		}
		defer shutdownWithTimeout(cfg.Server.ShutdownTimeout, func(ctx context.Context) { _ = stopMock(ctx) })
		llm = provider.NewGemini(provider.GeminiConfig{BaseURL: baseURL, Model: cfg.Provider.Model, APIKey: "mock"})
	}

	srv := server.New(cfg, server.Deps{
		Detector:  det,
		Logger:    logger,
		Provider:  llm,
		Collector: collector,
		Telemetry: tel,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	redact.Logf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func shutdownWithTimeout(d time.Duration, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}
