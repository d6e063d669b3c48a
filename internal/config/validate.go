package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if err := validateProviderConfig(cfg.Provider); err != nil {
		return err
	}
	if err := validateStorageConfig(cfg.Storage); err != nil {
		return err
	}
	if err := validateRemoteConfig(cfg.Remote); err != nil {
		return err
	}
	if cfg.Collector.Enabled && strings.TrimSpace(cfg.Collector.SQLitePath) == "" {
		return errors.New("collector enabled but collector.sqlite_path is empty")
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}
	return nil
}

func validateProviderConfig(p ProviderConfig) error {
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "gemini":
		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return errors.New("provider gemini missing api_key_env")
		}
		if strings.TrimSpace(p.Model) == "" {
			return errors.New("provider gemini missing model")
		}
	case "fake":
		return nil
	default:
		return fmt.Errorf("provider.type must be gemini or fake, got %q", p.Type)
	}
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("provider has invalid base_url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("provider base_url must be http or https")
		}
		if err := blockPrivateHost(u.Host, p.AllowPrivateNetworks); err != nil {
			return fmt.Errorf("provider base_url blocked: %w", err)
		}
	}
	return nil
}

func validateStorageConfig(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "memory":
	case "file":
		if strings.TrimSpace(s.Dir) == "" {
			return errors.New("storage backend file requires storage.dir")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("storage backend redis requires storage.redis.addr")
		}
		if s.Redis.DB < 0 {
			return fmt.Errorf("storage.redis.db must be >= 0, got %d", s.Redis.DB)
		}
	default:
		return fmt.Errorf("storage.backend must be memory, file or redis, got %q", s.Backend)
	}
	return nil
}

func validateRemoteConfig(r RemoteConfig) error {
	if strings.TrimSpace(r.URL) == "" {
		return nil
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("remote.url is invalid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("remote.url must be http or https")
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return errors.New("private network host localhost blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("private network IP %s blocked", ip.String())
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
