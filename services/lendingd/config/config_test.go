package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if !cfg.TLS.AllowInsecure {
		t.Fatalf("expected allow_insecure to propagate")
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.EngineConfig != "lending.toml" {
		t.Fatalf("unexpected engine config default: %q", cfg.EngineConfig)
	}
	if cfg.Shutdown != 5*time.Second {
		t.Fatalf("unexpected shutdown timeout: %s", cfg.Shutdown)
	}
	if cfg.RateLimits.Preview.RequestsPerMinute != 600 || cfg.RateLimits.Liquidate.Burst != 10 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimits)
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected sample ratio default: %v", cfg.Telemetry.SampleRatio)
	}
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
tls:
  cert: "server.crt"
  key: "server.key"
auth: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no authenticators are configured")
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
tls:
  cert: "server.crt"
auth:
  api_tokens:
    - token
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls key is missing")
	}
}

func TestLoadConfigValidatesMTLSDependencies(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
tls:
  cert: "server.crt"
  key: "server.key"
auth:
  mtls:
    allowed_common_names: [client]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when mtls is configured without api tokens or client ca")
	}
}

func TestLoadConfigRequiresTLSMaterialUnlessInsecure(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
auth:
  api_tokens: [token]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls material missing without allow_insecure")
	}
}

func TestLoadConfigFullDocument(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9000"
environment: " Dev "
log_level: debug
engine_config: /etc/lendguard/lending.toml
shutdown_timeout: 12s
tls:
  allow_insecure: true
auth:
  api_tokens: [keeper]
rate_limits:
  preview:
    requests_per_minute: 30
    burst: 3
  liquidate:
    requests_per_minute: 0
telemetry:
  endpoint: " https://otel.internal:4318 "
  traces: true
  sample_ratio: 0.25
  headers:
    authorization: Bearer abc
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment not normalised: %q", cfg.Environment)
	}
	if cfg.EngineConfig != "/etc/lendguard/lending.toml" {
		t.Fatalf("unexpected engine config: %q", cfg.EngineConfig)
	}
	if cfg.Shutdown != 12*time.Second {
		t.Fatalf("unexpected shutdown timeout: %s", cfg.Shutdown)
	}
	if cfg.RateLimits.Preview.RequestsPerMinute != 30 || cfg.RateLimits.Preview.Burst != 3 {
		t.Fatalf("unexpected preview limit: %+v", cfg.RateLimits.Preview)
	}
	if cfg.RateLimits.Liquidate.RequestsPerMinute != 0 {
		t.Fatalf("expected liquidate limit to be disabled")
	}
	if cfg.Telemetry.Endpoint != "https://otel.internal:4318" || !cfg.Telemetry.Traces || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Headers["authorization"] != "Bearer abc" {
		t.Fatalf("telemetry headers not decoded")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
grpc_port: 50053
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadConfigValidatesLimits(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
rate_limits:
  preview:
    burst: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative burst")
	}

	path = writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
telemetry:
  sample_ratio: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for sample ratio above one")
	}
}
