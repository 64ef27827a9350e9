package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
)

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if !cfg.IsPaperTrading() {
		t.Error("Expected example config to run in paper mode")
	}
	if cfg.Strategy.Quantity != 50 {
		t.Errorf("Expected quantity 50, got %d", cfg.Strategy.Quantity)
	}
	if cfg.Monitor.Interval != 15*time.Second {
		t.Errorf("Expected 15s interval, got %v", cfg.Monitor.Interval)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("environment:\n  mode: paper\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Storage.Cache != storage.CacheMemory || cfg.Storage.Log != storage.LogFile {
		t.Errorf("Expected memory cache and file log, got %s/%s", cfg.Storage.Cache, cfg.Storage.Log)
	}
	if cfg.Strategy.Band != 0.05 {
		t.Errorf("Expected default band 0.05, got %v", cfg.Strategy.Band)
	}
	h, m, err := cfg.Cutoff()
	if err != nil || h != 15 || m != 31 {
		t.Errorf("Expected 15:31 cutoff, got %d:%d (%v)", h, m, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location failed: %v", err)
	}
	_, offset := time.Date(2026, 10, 19, 10, 0, 0, 0, loc).Zone()
	if offset != 5*3600+1800 {
		t.Errorf("Expected IST offset, got %d", offset)
	}
	if !cfg.LoggingConfig().Console {
		t.Error("Expected console logging on by default")
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_KITE_KEY", "abc123")
	t.Setenv("TEST_KITE_CREDS", "/tmp/kite.json")
	data := "environment:\n  mode: live\nbroker:\n  api_key: ${TEST_KITE_KEY}\n  credentials_file: ${TEST_KITE_CREDS}\n"
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Broker.APIKey != "abc123" {
		t.Errorf("Expected expanded api key, got %q", cfg.Broker.APIKey)
	}
	if cfg.RequestTemplate(models.IndexNifty, 50).CredentialsFile != "/tmp/kite.json" {
		t.Error("Expected credentials file to flow into requests")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("environment:\n  mode: paper\n  log_level: info\n"))
	if err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad mode", "environment:\n  mode: sandbox\n", "environment.mode"},
		{"live without key", "environment:\n  mode: live\n", "api_key"},
		{"live without credentials", "environment:\n  mode: live\nbroker:\n  api_key: k\n", "credentials_file"},
		{"redis without addr", "storage:\n  cache: redis\n", "redis.addr"},
		{"unknown cache", "storage:\n  cache: memcached\n", "storage.cache"},
		{"postgres without dsn", "storage:\n  log: postgres\n", "postgres.dsn"},
		{"sqlite without path", "storage:\n  log: sqlite\n", "storage.path"},
		{"fast monitor", "monitor:\n  interval: 100ms\n", "monitor.interval"},
		{"band too wide", "strategy:\n  band: 1.5\n", "strategy.band"},
		{"odd lot", "strategy:\n  quantity: 30\n", "lot size"},
		{"bad book profit", "strategy:\n  book_profit: 1.2\n", "book_profit"},
		{"bad cutoff", "schedule:\n  cutoff: \"3pm\"\n", "schedule.cutoff"},
		{"bad timezone", "schedule:\n  timezone: Mars/Olympus\n", "schedule.timezone"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad paper index", "paper:\n  spots:\n    DOW: 40000\n", "paper.spots"},
		{"bad failure ratio", "broker:\n  circuit_breaker:\n    failure_ratio: 2\n", "failure_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAccessors(t *testing.T) {
	data := `
storage:
  cache: redis
  redis:
    addr: localhost:6379
    ttl: 1h
  log: sqlite
  path: data/straddles.db
monitor:
  interval: 5s
  max_exit_attempts: 7
orders:
  fill_timeout: 30s
retry:
  max_retries: 2
strategy:
  quantity: 100
  same_premium: true
  pnl_display_interval: 30s
paper:
  spots:
    nifty: 21000
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	opts := cfg.StorageOptions()
	if opts.Cache != storage.CacheRedis || opts.Redis.TTL != time.Hour || opts.Log != storage.LogSQLite {
		t.Errorf("Unexpected storage options: %+v", opts)
	}
	if got := cfg.EngineConfig().MaxExitAttempts; got != 7 {
		t.Errorf("Expected 7 exit attempts, got %d", got)
	}
	if got := cfg.MonitorConfig(); got.Interval != 5*time.Second || got.PnLDisplayInterval != 30*time.Second {
		t.Errorf("Unexpected monitor config: %+v", got)
	}
	if got := cfg.OrdersConfig().Timeout; got != 30*time.Second {
		t.Errorf("Expected 30s fill timeout, got %v", got)
	}
	if got := cfg.RetryConfig().MaxRetries; got != 2 {
		t.Errorf("Expected 2 retries, got %d", got)
	}
	req := cfg.RequestTemplate(models.IndexBankNifty, 0)
	if req.Quantity != 100 || !req.SamePremium {
		t.Errorf("Unexpected request template: %+v", req)
	}
	if got := cfg.FeedConfig().Spots[models.IndexNifty]; got != 21000 {
		t.Errorf("Expected lower-case spot key to resolve, got %v", got)
	}
	if cfg.CircuitBreakerSettings().FailureRatio != 0.6 {
		t.Errorf("Expected default failure ratio")
	}
}

func TestLoad_WritesThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("environment:\n  mode: paper\nlogging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LoggingConfig().Level != "debug" {
		t.Errorf("Expected debug level, got %q", cfg.LoggingConfig().Level)
	}
}
