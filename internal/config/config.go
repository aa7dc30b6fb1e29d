// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trananhduc/apexbot/internal/auth"
	"github.com/trananhduc/apexbot/internal/bracket"
	"github.com/trananhduc/apexbot/internal/broker/projectx"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/histdata"
	"github.com/trananhduc/apexbot/internal/risk"
	"github.com/trananhduc/apexbot/internal/stream"
	"github.com/trananhduc/apexbot/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Auth        AuthConfig                   `yaml:"auth"`
	Gateway     GatewayConfig                `yaml:"gateway"`
	Stream      StreamConfig                 `yaml:"stream"`
	Cache       CacheConfig                  `yaml:"cache"`
	Execution   ExecutionConfig              `yaml:"execution"`
	Risk        RiskConfig                   `yaml:"risk"`
	Bracket     BracketConfig                `yaml:"bracket"`
	Persistence PersistenceConfig            `yaml:"persistence"`
	Alerting    AlertingConfig               `yaml:"alerting"`
	Metrics     MetricsConfig                `yaml:"metrics"`
	Strategies  map[string]map[string]string `yaml:"strategies"`
}

// AuthConfig holds credential settings. Username and API key normally
// arrive via ${VAR} expansion so secrets stay out of the file.
type AuthConfig struct {
	Username       string `yaml:"username"`
	APIKey         string `yaml:"api_key"`
	AccountID      string `yaml:"account_id"`
	BootstrapToken string `yaml:"bootstrap_token"`
}

// GatewayConfig holds REST gateway settings. DryRun swaps the live
// gateway for an in-memory simulation; no order leaves the process.
type GatewayConfig struct {
	DryRun            bool    `yaml:"dry_run"`
	BaseURL           string  `yaml:"base_url"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StreamConfig holds market data stream settings.
type StreamConfig struct {
	HubURL              string `yaml:"hub_url"`
	InitialDelaySec     int    `yaml:"initial_delay_sec"`
	MaxDelaySec         int    `yaml:"max_delay_sec"`
	MaxAttempts         int    `yaml:"max_attempts"`
	KeepAliveSec        int    `yaml:"keep_alive_sec"`
	MinHealthyUptimeSec int    `yaml:"min_healthy_uptime_sec"`
}

// CacheConfig holds historical data cache settings.
type CacheConfig struct {
	Dir            string `yaml:"dir"`
	Format         string `yaml:"format"` // parquet | gob
	MemoryCapacity int    `yaml:"memory_capacity"`
}

// ExecutionConfig holds order execution settings.
type ExecutionConfig struct {
	HotEnabled   bool   `yaml:"hot_enabled"`
	HotBaseURL   string `yaml:"hot_base_url"`
	HotTimeoutMs int    `yaml:"hot_timeout_ms"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryDelayMs int    `yaml:"retry_delay_ms"`
}

// RiskConfig holds pre-trade limit settings. A zero limit disables
// that check.
type RiskConfig struct {
	MaxOrderQuantity     int `yaml:"max_order_quantity"`
	MaxPositionPerSymbol int `yaml:"max_position_per_symbol"`
	MaxOpenSymbols       int `yaml:"max_open_symbols"`
}

// BracketConfig holds protective bracket settings.
type BracketConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	StopTicks   int `yaml:"stop_ticks"`
	TargetTicks int `yaml:"target_ticks"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// AlertingConfig holds operator notification settings.
type AlertingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram channel credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoadDotEnv loads .env files into the process environment so ${VAR}
// references in the YAML resolve. Missing files are not an error.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Auth validation
	if c.Auth.AccountID == "" {
		errs = append(errs, "auth.account_id is required")
	}
	if !c.Gateway.DryRun && c.Auth.BootstrapToken == "" && (c.Auth.Username == "" || c.Auth.APIKey == "") {
		errs = append(errs, "auth requires username and api_key, or a bootstrap_token")
	}

	// Stream validation
	if c.Stream.InitialDelaySec < 0 {
		errs = append(errs, "stream.initial_delay_sec must not be negative")
	}
	if c.Stream.MaxDelaySec > 0 && c.Stream.InitialDelaySec > c.Stream.MaxDelaySec {
		errs = append(errs, "stream.initial_delay_sec must not exceed stream.max_delay_sec")
	}
	if c.Stream.MaxAttempts < 0 {
		errs = append(errs, "stream.max_attempts must not be negative")
	}

	// Cache validation
	if c.Cache.Format != "" && c.Cache.Format != histdata.FormatParquet && c.Cache.Format != histdata.FormatGob {
		errs = append(errs, fmt.Sprintf("cache.format %q must be 'parquet' or 'gob'", c.Cache.Format))
	}
	if c.Cache.MemoryCapacity < 0 {
		errs = append(errs, "cache.memory_capacity must not be negative")
	}

	// Execution validation
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must not be negative")
	}
	if c.Execution.HotEnabled && c.Execution.HotTimeoutMs < 0 {
		errs = append(errs, "execution.hot_timeout_ms must not be negative")
	}

	// Risk validation
	if c.Risk.MaxOrderQuantity < 0 || c.Risk.MaxPositionPerSymbol < 0 || c.Risk.MaxOpenSymbols < 0 {
		errs = append(errs, "risk limits must not be negative")
	}

	// Bracket validation
	if c.Bracket.StopTicks < 0 || c.Bracket.TargetTicks < 0 {
		errs = append(errs, "bracket tick offsets must not be negative")
	}

	// Strategy options validation happens when each strategy is
	// configured; here only the symbol lists are sanity checked.
	for name, opts := range c.Strategies {
		if symbols, ok := opts["symbols"]; ok {
			for _, sym := range strings.Split(symbols, ",") {
				sym = strings.ToUpper(strings.TrimSpace(sym))
				if sym == "" {
					continue
				}
				if _, known := types.GetInstrumentSpec(sym); !known {
					errs = append(errs, fmt.Sprintf("strategies.%s: instrument %q is not supported", name, sym))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToAuthConfig converts to auth.Config, applying defaults.
func (c *Config) ToAuthConfig() auth.Config {
	out := auth.DefaultConfig()
	if c.Gateway.BaseURL != "" {
		out.BaseURL = c.Gateway.BaseURL
	}
	out.Username = c.Auth.Username
	out.APIKey = c.Auth.APIKey
	out.AccountID = c.Auth.AccountID
	out.BootstrapToken = c.Auth.BootstrapToken
	return out
}

// ToGatewayConfig converts to projectx.Config, applying defaults.
func (c *Config) ToGatewayConfig() projectx.Config {
	out := projectx.DefaultConfig()
	if c.Gateway.BaseURL != "" {
		out.BaseURL = c.Gateway.BaseURL
	}
	if c.Gateway.RequestTimeoutSec > 0 {
		out.RequestTimeout = time.Duration(c.Gateway.RequestTimeoutSec) * time.Second
	}
	if c.Gateway.RequestsPerSecond > 0 {
		out.RequestsPerSecond = c.Gateway.RequestsPerSecond
	}
	if c.Gateway.Burst > 0 {
		out.Burst = c.Gateway.Burst
	}
	return out
}

// ToStreamConfig converts to stream.Config, applying defaults.
func (c *Config) ToStreamConfig() stream.Config {
	out := stream.DefaultConfig()
	if c.Stream.HubURL != "" {
		out.HubURL = c.Stream.HubURL
	}
	if c.Stream.InitialDelaySec > 0 {
		out.InitialDelay = time.Duration(c.Stream.InitialDelaySec) * time.Second
	}
	if c.Stream.MaxDelaySec > 0 {
		out.MaxDelay = time.Duration(c.Stream.MaxDelaySec) * time.Second
	}
	if c.Stream.MaxAttempts > 0 {
		out.MaxAttempts = c.Stream.MaxAttempts
	}
	if c.Stream.KeepAliveSec > 0 {
		out.KeepAliveInterval = time.Duration(c.Stream.KeepAliveSec) * time.Second
	}
	if c.Stream.MinHealthyUptimeSec > 0 {
		out.MinHealthyUptime = time.Duration(c.Stream.MinHealthyUptimeSec) * time.Second
	}
	return out
}

// ToCacheConfig converts to histdata.Config, applying defaults.
func (c *Config) ToCacheConfig() histdata.Config {
	out := histdata.DefaultConfig()
	out.Dir = c.Cache.Dir
	if c.Cache.Format != "" {
		out.Format = c.Cache.Format
	}
	if c.Cache.MemoryCapacity > 0 {
		out.MemoryCapacity = c.Cache.MemoryCapacity
	}
	return out
}

// ToExecutionConfig converts to execution.Config, applying defaults.
func (c *Config) ToExecutionConfig() execution.Config {
	out := execution.DefaultConfig()
	out.AccountID = c.Auth.AccountID
	out.HotEnabled = c.Execution.HotEnabled
	if c.Execution.MaxRetries > 0 {
		out.MaxRetries = c.Execution.MaxRetries
	}
	if c.Execution.RetryDelayMs > 0 {
		out.RetryDelay = time.Duration(c.Execution.RetryDelayMs) * time.Millisecond
	}
	return out
}

// ToHotConfig converts to execution.HotConfig, applying defaults.
func (c *Config) ToHotConfig() execution.HotConfig {
	out := execution.DefaultHotConfig()
	if c.Execution.HotBaseURL != "" {
		out.BaseURL = c.Execution.HotBaseURL
	} else if c.Gateway.BaseURL != "" {
		out.BaseURL = c.Gateway.BaseURL
	}
	if c.Execution.HotTimeoutMs > 0 {
		out.RequestTimeout = time.Duration(c.Execution.HotTimeoutMs) * time.Millisecond
	}
	return out
}

// ToRiskConfig converts to risk.Config, applying defaults. Explicit
// zeroes in the file cannot be told apart from omissions, so disabling
// a single check means setting it high instead.
func (c *Config) ToRiskConfig() risk.Config {
	out := risk.DefaultConfig()
	if c.Risk.MaxOrderQuantity > 0 {
		out.MaxOrderQuantity = c.Risk.MaxOrderQuantity
	}
	if c.Risk.MaxPositionPerSymbol > 0 {
		out.MaxPositionPerSymbol = c.Risk.MaxPositionPerSymbol
	}
	if c.Risk.MaxOpenSymbols > 0 {
		out.MaxOpenSymbols = c.Risk.MaxOpenSymbols
	}
	return out
}

// ToBracketConfig converts to bracket.Config, applying defaults.
func (c *Config) ToBracketConfig() bracket.Config {
	out := bracket.DefaultConfig()
	if c.Bracket.IntervalSec > 0 {
		out.Interval = time.Duration(c.Bracket.IntervalSec) * time.Second
	}
	if c.Bracket.StopTicks > 0 {
		out.StopTicks = c.Bracket.StopTicks
	}
	if c.Bracket.TargetTicks > 0 {
		out.TargetTicks = c.Bracket.TargetTicks
	}
	return out
}

// StrategyEnv flattens the strategies section into the environment
// style key set the lifecycle manager consumes ("<NAME>_ENABLED",
// "<NAME>_SYMBOLS"), merged over the actual process environment so OS
// variables still win for operators who prefer them. Extra names cover
// registered strategies with no YAML stanza, whose declarations exist
// only in the environment.
func (c *Config) StrategyEnv(extra ...string) map[string]string {
	env := make(map[string]string)
	for name, opts := range c.Strategies {
		prefix := strings.ToUpper(name)
		if v, ok := opts["enabled"]; ok {
			env[prefix+"_ENABLED"] = v
		}
		if v, ok := opts["symbols"]; ok {
			env[prefix+"_SYMBOLS"] = v
		}
	}

	names := make(map[string]bool, len(c.Strategies)+len(extra))
	for name := range c.Strategies {
		names[name] = true
	}
	for _, name := range extra {
		names[name] = true
	}
	for name := range names {
		prefix := strings.ToUpper(name)
		for _, suffix := range []string{"_ENABLED", "_SYMBOLS"} {
			if v, ok := os.LookupEnv(prefix + suffix); ok {
				env[prefix+suffix] = v
			}
		}
	}
	return env
}

// StrategyOptions returns the option overrides for one strategy,
// excluding the lifecycle keys handled by the manager.
func (c *Config) StrategyOptions(name string) map[string]string {
	opts, ok := c.Strategies[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		if k == "enabled" || k == "symbols" {
			continue
		}
		out[k] = v
	}
	return out
}
