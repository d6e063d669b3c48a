package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/calmline/calmline/internal/config"
	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/logstore"
	"github.com/calmline/calmline/internal/provider"
	"github.com/calmline/calmline/internal/redact"
	"github.com/calmline/calmline/internal/telemetry"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDetector(cfg *config.Config) (*crisis.Detector, error) {
	if cfg.Catalogue.Path == "" {
		return crisis.Default(), nil
	}
	cat, err := crisis.LoadCatalogue(cfg.Catalogue.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	d, err := crisis.NewDetector(cat, crisis.Options{})
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}
	redact.Logf("loaded phrase catalogue from %s", cfg.Catalogue.Path)
	return d, nil
}

// openStores returns the general and critical stores for the configured
// backend. Closing them is left to the Logger.
func openStores(ctx context.Context, s config.StorageConfig) (logstore.Store, logstore.Store, error) {
	switch s.Backend {
	case "", "memory":
		return logstore.NewMemory(logstore.GeneralName, logstore.GeneralCap),
			logstore.NewMemory(logstore.CriticalName, logstore.CriticalCap), nil
	case "file":
		general, err := logstore.NewFile(s.Dir, logstore.GeneralName, logstore.GeneralCap)
		if err != nil {
			return nil, nil, err
		}
		critical, err := logstore.NewFile(s.Dir, logstore.CriticalName, logstore.CriticalCap)
		if err != nil {
			return nil, nil, err
		}
		return general, critical, nil
	case "redis":
		opts := &redis.Options{Addr: s.Redis.Addr, DB: s.Redis.DB}
		if s.Redis.PasswordEnv != "" {
			opts.Password = os.Getenv(s.Redis.PasswordEnv)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", s.Redis.Addr, err)
		}
		return logstore.NewRedis(client, s.Redis.Prefix, logstore.GeneralName, logstore.GeneralCap),
			logstore.NewRedis(client, s.Redis.Prefix, logstore.CriticalName, logstore.CriticalCap), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

// buildLogger wires stores and sinks. withSinks is false for offline
// commands that only read or prune the stores.
func buildLogger(ctx context.Context, cfg *config.Config, tel *telemetry.Provider, withSinks bool) (*emergency.Logger, error) {
	general, critical, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	lc := emergency.Config{
		General:         general,
		Critical:        critical,
		QueueSize:       cfg.Logger.QueueSize,
		Workers:         cfg.Logger.Workers,
		ShutdownTimeout: cfg.Logger.ShutdownTimeout,
	}
	if !withSinks {
		return emergency.New(lc), nil
	}

	var errs []error
	if cfg.Remote.URL != "" {
		remote, err := emergency.NewRemoteSink(cfg.Remote.URL, cfg.Remote.Timeout)
		if err != nil {
			errs = append(errs, err)
		} else {
			lc.Remote = remote
		}
	}
	if cfg.Storage.SQLitePath != "" {
		sq, err := emergency.OpenSQLiteSink(cfg.Storage.SQLitePath)
		if err != nil {
			errs = append(errs, err)
		} else {
			lc.Secondary = append(lc.Secondary, sq)
		}
	}
	if cfg.Audit.Path != "" {
		fs, err := emergency.NewFileSink(cfg.Audit.Path)
		if err != nil {
			errs = append(errs, err)
		} else {
			lc.Secondary = append(lc.Secondary, fs)
		}
	}
	if tel != nil && tel.Enabled {
		ms, err := emergency.NewMonitorSink(tel)
		if err != nil {
			errs = append(errs, err)
		} else {
			lc.Secondary = append(lc.Secondary, ms)
		}
	}
	if len(errs) > 0 {
		closeSinks(ctx, lc)
		_ = general.Close()
		_ = critical.Close()
		return nil, fmt.Errorf("configure sinks: %w", errors.Join(errs...))
	}
	return emergency.New(lc), nil
}

func closeSinks(ctx context.Context, lc emergency.Config) {
	if lc.Remote != nil {
		_ = lc.Remote.Close(ctx)
	}
	for _, s := range lc.Secondary {
		_ = s.Close(ctx)
	}
}

func buildProvider(cfg config.ProviderConfig) provider.Provider {
	switch strings.ToLower(cfg.Type) {
	case "fake":
		return provider.NewEcho()
	default:
		key := ""
		if cfg.APIKeyEnv != "" {
			key = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
		}
		if key == "" {
			redact.Logf("provider: %s is not set; chat replies will fail until it is", cfg.APIKeyEnv)
		}
		return provider.NewGemini(provider.GeminiConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  key,
			Timeout: cfg.Timeout,
		})
	}
}

func buildTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	return telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Enabled,
		Endpoint: cfg.Endpoint,
		Protocol: cfg.Protocol,
		Service:  "calmline",
		Version:  version,
	})
}
