// Package config defines all configuration for mercury. Config is loaded
// from a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via MERCURY_* environment variables, following the same
// viper wiring the teacher uses for POLY_* overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly to the §6
// configuration surface.
type Config struct {
	Mercury    MercuryConfig             `mapstructure:"mercury"`
	Wallet     WalletConfig              `mapstructure:"wallet"`
	API        APIConfig                 `mapstructure:"api"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Execution  ExecutionConfig           `mapstructure:"execution"`
	Settlement SettlementConfig          `mapstructure:"settlement"`
	Strategies map[string]StrategyEntry  `mapstructure:"strategies"`
	Retry      RetryConfig               `mapstructure:"retry"`
	Store      StoreConfig               `mapstructure:"store"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Health     HealthConfig              `mapstructure:"health"`
}

// MercuryConfig holds top-level runtime toggles (§6 mercury.* keys).
type MercuryConfig struct {
	DryRun                 bool `mapstructure:"dry_run"`
	ShutdownTimeoutSeconds int  `mapstructure:"shutdown_timeout_seconds"`
	DrainTimeoutSeconds    int  `mapstructure:"drain_timeout_seconds"`
}

// WalletConfig holds the Ethereum wallet used for claim-backend signing.
// The CLOB trading transport's own auth is an abstract collaborator
// (§1 non-goals); this wallet is only used by the live claim adapter to
// authorize the redeem() call.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int    `mapstructure:"chain_id"`
}

// APIConfig holds endpoints for the abstract transport/oracle/claim
// adapters (§6 External Interfaces).
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ClaimRPCURL  string `mapstructure:"claim_rpc_url"`
}

// RiskConfig configures the pre-trade gate and circuit breaker (§4.E).
type RiskConfig struct {
	MaxDailyLossUSD               float64 `mapstructure:"max_daily_loss_usd"`
	MaxPositionSizeUSD             float64 `mapstructure:"max_position_size_usd"`
	MaxUnhedgedExposureUSD         float64 `mapstructure:"max_unhedged_exposure_usd"`
	CircuitBreakerWarningFailures  int     `mapstructure:"circuit_breaker_warning_failures"`
	CircuitBreakerCautionFailures  int     `mapstructure:"circuit_breaker_caution_failures"`
	CircuitBreakerHaltFailures     int     `mapstructure:"circuit_breaker_halt_failures"`
	CircuitBreakerWarningLoss      float64 `mapstructure:"circuit_breaker_warning_loss"`
	CircuitBreakerCautionLoss      float64 `mapstructure:"circuit_breaker_caution_loss"`
	CircuitBreakerHaltLoss         float64 `mapstructure:"circuit_breaker_halt_loss"`
	CooldownMinutes                int     `mapstructure:"cooldown_minutes"`
}

// ExecutionConfig configures the dual-leg execution engine (§4.F).
type ExecutionConfig struct {
	MaxLiquidityConsumptionPct float64 `mapstructure:"max_liquidity_consumption_pct"`
	Parallel                   bool    `mapstructure:"parallel"`
}

// SettlementConfig configures resolution polling and claim retry (§4.G).
type SettlementConfig struct {
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
	MaxClaimAttempts     int `mapstructure:"max_claim_attempts"`
}

// StrategyEntry is one entry of the strategies.<name>.* configuration
// namespace; Params holds strategy-specific keys like
// min_spread_threshold, max_trade_size_usd and markets for gabagool.
type StrategyEntry struct {
	Enabled bool                   `mapstructure:"enabled"`
	Params  map[string]interface{} `mapstructure:",remain"`
}

// RetryConfig is the default retry policy used by failsafe-go at adapter
// boundaries (§6 retry.* keys).
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	MinWaitSeconds float64 `mapstructure:"min_wait_seconds"`
	MaxWaitSeconds float64 `mapstructure:"max_wait_seconds"`
	Jitter         float64 `mapstructure:"jitter"`
}

// StoreConfig sets where the SQLite-backed state store lives.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	DBFile  string `mapstructure:"db_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig controls the /health and /metrics HTTP surface (§6).
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: MERCURY_WALLET_PRIVATE_KEY, MERCURY_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MERCURY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MERCURY_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if dr := os.Getenv("MERCURY_DRY_RUN"); dr == "true" || dr == "1" {
		cfg.Mercury.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mercury.shutdown_timeout_seconds", 30)
	v.SetDefault("mercury.drain_timeout_seconds", 15)
	v.SetDefault("risk.cooldown_minutes", 15)
	v.SetDefault("execution.max_liquidity_consumption_pct", 0.50)
	v.SetDefault("execution.parallel", true)
	v.SetDefault("settlement.check_interval_seconds", 60)
	v.SetDefault("settlement.max_claim_attempts", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.min_wait_seconds", 1)
	v.SetDefault("retry.max_wait_seconds", 30)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.db_file", "mercury.db")
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 9090)
}

// ShutdownTimeout returns the configured shutdown phase timeout as a
// duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Mercury.ShutdownTimeoutSeconds) * time.Second
}

// DrainTimeout returns the configured order-drain timeout as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Mercury.DrainTimeoutSeconds) * time.Second
}

// CooldownAfterHalt returns the circuit-breaker cooldown as a duration.
func (c *RiskConfig) CooldownAfterHalt() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be > 0")
	}
	if c.Risk.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("risk.max_position_size_usd must be > 0")
	}
	if c.Risk.CircuitBreakerHaltFailures <= c.Risk.CircuitBreakerWarningFailures {
		return fmt.Errorf("risk.circuit_breaker_halt_failures must exceed warning_failures")
	}
	if c.Execution.MaxLiquidityConsumptionPct <= 0 || c.Execution.MaxLiquidityConsumptionPct > 1 {
		return fmt.Errorf("execution.max_liquidity_consumption_pct must be in (0,1]")
	}
	if c.Settlement.MaxClaimAttempts <= 0 {
		return fmt.Errorf("settlement.max_claim_attempts must be > 0")
	}
	return nil
}
