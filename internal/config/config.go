// Package config provides configuration management for the straddle bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
	"github.com/eddiefleurent/straddle_bot/internal/logging"
	"github.com/eddiefleurent/straddle_bot/internal/mock"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/monitor"
	"github.com/eddiefleurent/straddle_bot/internal/orders"
	"github.com/eddiefleurent/straddle_bot/internal/retry"
	"github.com/eddiefleurent/straddle_bot/internal/storage"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

const (
	defaultTimezone = "Asia/Kolkata"
	defaultCutoff   = "15:31"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Paper       PaperConfig       `yaml:"paper"`
	Storage     StorageConfig     `yaml:"storage"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Orders      OrdersConfig      `yaml:"orders"`
	Retry       RetryConfig       `yaml:"retry"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode string `yaml:"mode"` // paper | live
}

// BrokerConfig defines Kite Connect settings.
type BrokerConfig struct {
	APIKey string `yaml:"api_key"`
	// CredentialsFile holds the access token issued by the login flow.
	CredentialsFile string               `yaml:"credentials_file"`
	Product         string               `yaml:"product"`
	OrdersPerSec    float64              `yaml:"orders_per_sec"`
	QuotesPerSec    float64              `yaml:"quotes_per_sec"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors broker.CircuitBreakerSettings.
type CircuitBreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// PaperConfig shapes the simulated market used in paper mode.
type PaperConfig struct {
	Spots        map[string]float64 `yaml:"spots"`
	IV           float64            `yaml:"iv"`
	DaysToExpiry float64            `yaml:"days_to_expiry"`
	Step         time.Duration      `yaml:"step"`
	StepVol      float64            `yaml:"step_vol"`
}

// StorageConfig selects the snapshot cache and durable log.
type StorageConfig struct {
	Cache    string         `yaml:"cache"` // memory | redis
	Redis    RedisConfig    `yaml:"redis"`
	Log      string         `yaml:"log"` // file | sqlite | postgres
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig defines the Redis cache connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig defines the Postgres log connection.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MonitorConfig defines the risk loop timing.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	QuoteMaxAge     time.Duration `yaml:"quote_max_age"`
	SlowTickFactor  float64       `yaml:"slow_tick_factor"`
	MaxExitAttempts int           `yaml:"max_exit_attempts"`
}

// OrdersConfig defines order status polling.
type OrdersConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	FillTimeout  time.Duration `yaml:"fill_timeout"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// RetryConfig defines bounded retry of transient broker errors.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// StrategyConfig holds defaults for new straddle requests.
type StrategyConfig struct {
	Quantity           int           `yaml:"quantity"`
	SLFactor           float64       `yaml:"sl_factor"`
	Target             float64       `yaml:"target"`
	TargetMTM          float64       `yaml:"target_mtm"`
	BookProfit         float64       `yaml:"book_profit"`
	SamePremium        bool          `yaml:"same_premium"`
	PremiumTolerance   float64       `yaml:"premium_tolerance"`
	MaxStrikeSteps     int           `yaml:"max_strike_steps"`
	PnLDisplayInterval time.Duration `yaml:"pnl_display_interval"`
	// Band is the premium drop that fires the trailing rule.
	Band float64 `yaml:"band"`
}

// ScheduleConfig defines the trading day.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"`
	Cutoff   string `yaml:"cutoff"` // "HH:MM"
}

// LoggingConfig defines log level and sinks.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Console    *bool  `yaml:"console"`
	File       bool   `yaml:"file"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables, then validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate normalizes defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if !c.IsPaperTrading() {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.CredentialsFile == "" {
			return fmt.Errorf("broker.credentials_file is required in live mode")
		}
	}
	if c.Broker.OrdersPerSec <= 0 || c.Broker.QuotesPerSec <= 0 {
		return fmt.Errorf("broker.orders_per_sec and broker.quotes_per_sec must be > 0")
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
	}
	for name := range c.Paper.Spots {
		if _, err := models.ParseIndex(name); err != nil {
			return fmt.Errorf("paper.spots: %w", err)
		}
	}

	switch c.Storage.Cache {
	case storage.CacheMemory:
	case storage.CacheRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("storage.cache must be 'memory' or 'redis', got %q", c.Storage.Cache)
	}
	switch c.Storage.Log {
	case storage.LogFile, storage.LogSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s log", c.Storage.Log)
		}
	case storage.LogPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres log")
		}
	default:
		return fmt.Errorf("storage.log must be 'file', 'sqlite' or 'postgres', got %q", c.Storage.Log)
	}

	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be at least 1s")
	}
	if c.Monitor.MaxExitAttempts <= 0 {
		return fmt.Errorf("monitor.max_exit_attempts must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Strategy.Band <= 0 || c.Strategy.Band >= 1 {
		return fmt.Errorf("strategy.band must be in (0,1)")
	}
	if c.Strategy.Quantity < 0 {
		return fmt.Errorf("strategy.quantity must be >= 0")
	}
	probe := c.RequestTemplate(models.IndexNifty, 0)
	if probe.Quantity == 0 {
		spec, _ := models.IndexNifty.Spec()
		probe.Quantity = spec.LotSize
	}
	probe.InstanceID = "config_check"
	if _, err := strategy.NewRequest(probe); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, _, err := c.Cutoff(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Broker.Product == "" {
		c.Broker.Product = "MIS"
	}
	if c.Broker.OrdersPerSec == 0 {
		c.Broker.OrdersPerSec = 8
	}
	if c.Broker.QuotesPerSec == 0 {
		c.Broker.QuotesPerSec = 3
	}
	cb := broker.DefaultCircuitBreakerSettings()
	if c.Broker.CircuitBreaker.MaxRequests == 0 {
		c.Broker.CircuitBreaker.MaxRequests = cb.MaxRequests
	}
	if c.Broker.CircuitBreaker.Interval == 0 {
		c.Broker.CircuitBreaker.Interval = cb.Interval
	}
	if c.Broker.CircuitBreaker.Timeout == 0 {
		c.Broker.CircuitBreaker.Timeout = cb.Timeout
	}
	if c.Broker.CircuitBreaker.MinRequests == 0 {
		c.Broker.CircuitBreaker.MinRequests = cb.MinRequests
	}
	if c.Broker.CircuitBreaker.FailureRatio == 0 {
		c.Broker.CircuitBreaker.FailureRatio = cb.FailureRatio
	}

	if c.Storage.Cache == "" {
		c.Storage.Cache = storage.CacheMemory
	}
	if c.Storage.Log == "" {
		c.Storage.Log = storage.LogFile
	}
	if c.Storage.Path == "" && c.Storage.Log == storage.LogFile {
		c.Storage.Path = "data/straddles.json"
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = monitor.DefaultConfig.Interval
	}
	if c.Monitor.SlowTickFactor == 0 {
		c.Monitor.SlowTickFactor = monitor.DefaultConfig.SlowTickFactor
	}
	if c.Monitor.MaxExitAttempts == 0 {
		c.Monitor.MaxExitAttempts = strategy.DefaultConfig().MaxExitAttempts
	}
	if c.Orders.PollInterval == 0 {
		c.Orders.PollInterval = orders.DefaultConfig.PollInterval
	}
	if c.Orders.FillTimeout == 0 {
		c.Orders.FillTimeout = orders.DefaultConfig.Timeout
	}
	if c.Orders.CallTimeout == 0 {
		c.Orders.CallTimeout = orders.DefaultConfig.CallTimeout
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = retry.DefaultConfig.MaxRetries
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = retry.DefaultConfig.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = retry.DefaultConfig.MaxBackoff
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = retry.DefaultConfig.Timeout
	}
	if c.Strategy.Band == 0 {
		c.Strategy.Band = strategy.DefaultConfig().Band
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.Cutoff == "" {
		c.Schedule.Cutoff = defaultCutoff
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Path == "" {
		c.Logging.Path = logging.DefaultConfig().FilePath
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange time zone, falling back to a fixed IST
// offset on hosts without tzdata.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err == nil {
		return loc, nil
	}
	if c.Schedule.Timezone == defaultTimezone {
		return time.FixedZone("IST", 5*3600+1800), nil
	}
	return nil, fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
}

// Cutoff returns the hour and minute at which every instance squares off.
func (c *Config) Cutoff() (int, int, error) {
	t, err := time.Parse("15:04", c.Schedule.Cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.cutoff must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// EngineConfig returns the settings shared by every strategy engine.
func (c *Config) EngineConfig() strategy.Config {
	loc, _ := c.Location()
	h, m, _ := c.Cutoff()
	return strategy.Config{
		Location:        loc,
		CutoffHour:      h,
		CutoffMinute:    m,
		Band:            c.Strategy.Band,
		MaxExitAttempts: c.Monitor.MaxExitAttempts,
	}
}

// RequestTemplate builds a straddle request from the strategy defaults.
func (c *Config) RequestTemplate(index models.Index, quantity int) strategy.Request {
	if quantity == 0 {
		quantity = c.Strategy.Quantity
	}
	return strategy.Request{
		Index:              index,
		Quantity:           quantity,
		SLFactor:           c.Strategy.SLFactor,
		Target:             c.Strategy.Target,
		TargetMTM:          c.Strategy.TargetMTM,
		BookProfit:         c.Strategy.BookProfit,
		SamePremium:        c.Strategy.SamePremium,
		PremiumTolerance:   c.Strategy.PremiumTolerance,
		MaxStrikeSteps:     c.Strategy.MaxStrikeSteps,
		PnLDisplayInterval: c.Strategy.PnLDisplayInterval,
		CredentialsFile:    c.Broker.CredentialsFile,
	}
}

// MonitorConfig returns the monitor timing.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:           c.Monitor.Interval,
		PnLDisplayInterval: c.Strategy.PnLDisplayInterval,
		SlowTickFactor:     c.Monitor.SlowTickFactor,
	}
}

// OrdersConfig returns the order polling settings.
func (c *Config) OrdersConfig() orders.Config {
	return orders.Config{
		PollInterval: c.Orders.PollInterval,
		Timeout:      c.Orders.FillTimeout,
		CallTimeout:  c.Orders.CallTimeout,
	}
}

// RetryConfig returns the retry settings.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
		Timeout:        c.Retry.Timeout,
	}
}

// StorageOptions returns the settings for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Cache: c.Storage.Cache,
		Redis: storage.RedisConfig{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			TTL:      c.Storage.Redis.TTL,
		},
		Log:  c.Storage.Log,
		Path: c.Storage.Path,
		Postgres: storage.PostgresConfig{
			DSN:             c.Storage.Postgres.DSN,
			MaxOpenConns:    c.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    c.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: c.Storage.Postgres.ConnMaxLifetime,
		},
	}
}

// CircuitBreakerSettings returns the gateway breaker settings.
func (c *Config) CircuitBreakerSettings() broker.CircuitBreakerSettings {
	cb := c.Broker.CircuitBreaker
	return broker.CircuitBreakerSettings{
		MaxRequests:  cb.MaxRequests,
		Interval:     cb.Interval,
		Timeout:      cb.Timeout,
		MinRequests:  cb.MinRequests,
		FailureRatio: cb.FailureRatio,
	}
}

// KiteConfig returns the live gateway settings.
func (c *Config) KiteConfig() broker.KiteConfig {
	loc, _ := c.Location()
	return broker.KiteConfig{
		Product:     c.Broker.Product,
		QuoteMaxAge: c.Monitor.QuoteMaxAge,
		Location:    loc,
	}
}

// FeedConfig returns the paper market settings.
func (c *Config) FeedConfig() mock.FeedConfig {
	spots := make(map[models.Index]float64, len(c.Paper.Spots))
	for name, s := range c.Paper.Spots {
		if idx, err := models.ParseIndex(name); err == nil {
			spots[idx] = s
		}
	}
	def := mock.DefaultFeedConfig()
	stepVol := c.Paper.StepVol
	if stepVol == 0 {
		stepVol = def.StepVol
	}
	return mock.FeedConfig{
		Spots:        spots,
		IV:           c.Paper.IV,
		DaysToExpiry: c.Paper.DaysToExpiry,
		Step:         c.Paper.Step,
		StepVol:      stepVol,
	}
}

// LoggingConfig returns the logger settings. Console logging is on unless disabled.
func (c *Config) LoggingConfig() logging.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	def := logging.DefaultConfig()
	maxSize, backups, age := c.Logging.MaxSizeMB, c.Logging.MaxBackups, c.Logging.MaxAgeDays
	if maxSize == 0 {
		maxSize = def.MaxSizeMB
	}
	if backups == 0 {
		backups = def.MaxBackups
	}
	if age == 0 {
		age = def.MaxAgeDays
	}
	return logging.Config{
		Level:      c.Logging.Level,
		Console:    console,
		File:       c.Logging.File,
		FilePath:   c.Logging.Path,
		MaxSizeMB:  maxSize,
		MaxBackups: backups,
		MaxAgeDays: age,
	}
}
