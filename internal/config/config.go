// Package config defines all configuration for the strategy orchestrator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Symbols    []string         `mapstructure:"symbols"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	RateBudget RateBudgetConfig `mapstructure:"rate_budget"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Risk       RiskConfig       `mapstructure:"risk"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// Unused holds config keys present in the file but not recognized by any
	// section. They are reported as warnings at startup, never silently dropped.
	Unused []string `mapstructure:"-"`
}

// ExchangeConfig holds the perp venue endpoints and API credentials.
// Credentials authenticate REST calls and the private WebSocket channel.
type ExchangeConfig struct {
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	WSPublicURL    string        `mapstructure:"ws_public_url"`
	WSPrivateURL   string        `mapstructure:"ws_private_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	APIPassphrase  string        `mapstructure:"api_passphrase"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TradingConfig tunes the live trading rules shared by the main trader and
// all paper variants.
//
//   - InitialSLRoi / InitialTPRoi: stop-loss and take-profit distance as ROI
//     percent on margin (leveraged).
//   - BreakEvenBuffer: ROI percent added on top of the fee-covering threshold
//     before the stop is moved to break-even.
//   - TrailingStepPercent: staircase step size in ROI percent.
//   - TrailingMode: only "staircase" is implemented; "atr" and "dynamic" are
//     reserved and rejected at validation.
//   - PositionSizePercent: percent of account balance used as margin per trade.
//   - StopUpdateMinIntervalMs / StopMinMoveTicks: debounce on stop replacement.
//   - SlippageBufferPercent: widens the stop slightly past the computed price
//     so a trigger at the venue clears the intended level.
type TradingConfig struct {
	InitialSLRoi            float64 `mapstructure:"initial_sl_roi"`
	InitialTPRoi            float64 `mapstructure:"initial_tp_roi"`
	BreakEvenBuffer         float64 `mapstructure:"break_even_buffer"`
	TrailingStepPercent     float64 `mapstructure:"trailing_step_percent"`
	TrailingMode            string  `mapstructure:"trailing_mode"`
	PositionSizePercent     float64 `mapstructure:"position_size_percent"`
	DefaultLeverage         int     `mapstructure:"default_leverage"`
	StopPriceType           string  `mapstructure:"stop_price_type"`
	StopUpdateMinIntervalMs int     `mapstructure:"stop_update_min_interval_ms"`
	StopMinMoveTicks        int     `mapstructure:"stop_min_move_ticks"`
	MakerFee                float64 `mapstructure:"maker_fee"`
	TakerFee                float64 `mapstructure:"taker_fee"`
	SlippagePercent         float64 `mapstructure:"slippage_percent"`
	SlippageBufferPercent   float64 `mapstructure:"slippage_buffer_percent"`
	StopMaxRetries          int     `mapstructure:"stop_max_retries"`
}

// TrailingConfig holds staircase trailing parameters.
// TrailingMovePercent is the fraction of ROI progress given back when a new
// staircase stop is computed (retention = 1 - move/100).
type TrailingConfig struct {
	TrailingMovePercent float64 `mapstructure:"trailing_move_percent"`
}

// RateBudgetConfig sets per-priority-class REST budgets in tokens per second
// plus the global 429 backoff envelope. Headroom is the fraction of the
// configured rate held in reserve: effective rate = rate * (1 - headroom).
type RateBudgetConfig struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
	Low      float64 `mapstructure:"low"`

	Headroom          float64 `mapstructure:"headroom"`
	QueueSize         int     `mapstructure:"queue_size"`
	RefillIntervalMs  int     `mapstructure:"refill_interval_ms"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// ProfileConfig is one named strategy parameterization. The optimizer emits a
// default variant per profile plus one-dimension ablations drawn from the
// variation lists.
type ProfileConfig struct {
	Name                string  `mapstructure:"name"`
	Leverage            int     `mapstructure:"leverage"`
	PositionSizePercent float64 `mapstructure:"position_size_percent"`
	EntryThreshold      float64 `mapstructure:"entry_threshold"`
}

// VariationsConfig is a list of candidate values for one ablation dimension.
type VariationsConfig struct {
	Variations []float64 `mapstructure:"variations"`
}

// PromotionConfig is the statistical gate a variant must pass before its
// parameters are eligible for production.
type PromotionConfig struct {
	MinSampleSize   int     `mapstructure:"min_sample_size"`
	MinWinRate      float64 `mapstructure:"min_win_rate"`
	MinAvgROI       float64 `mapstructure:"min_avg_roi"`
	MinSharpeRatio  float64 `mapstructure:"min_sharpe_ratio"`
	ConfidenceLevel float64 `mapstructure:"confidence_level"`
}

// ErrorHandlingConfig isolates misbehaving variants.
type ErrorHandlingConfig struct {
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int `mapstructure:"circuit_breaker_reset_ms"`
	MaxRetries              int `mapstructure:"max_retries"`
	RetryBackoffMs          int `mapstructure:"retry_backoff_ms"`
}

// OptimizerConfig controls variant generation, paper trading and promotion.
type OptimizerConfig struct {
	Enabled               bool                `mapstructure:"enabled"`
	PaperTrading          bool                `mapstructure:"paper_trading"`
	MaxConcurrentVariants int                 `mapstructure:"max_concurrent_variants"`
	StartingBalance       float64             `mapstructure:"starting_balance"`
	PublishIntervalMs     int                 `mapstructure:"publish_interval_ms"`
	Profiles              []ProfileConfig     `mapstructure:"profiles"`
	Leverage              VariationsConfig    `mapstructure:"leverage"`
	PositionSize          VariationsConfig    `mapstructure:"position_size"`
	Threshold             VariationsConfig    `mapstructure:"threshold"`
	Promotion             PromotionConfig     `mapstructure:"promotion"`
	ErrorHandling         ErrorHandlingConfig `mapstructure:"error_handling"`
}

// ReconcilerConfig sets how often local state is compared to exchange truth.
type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RiskConfig bounds the live account. MaxDailyLoss of 0 disables the check.
type RiskConfig struct {
	MaxDailyLoss float64 `mapstructure:"max_daily_loss"`
}

// APIConfig controls the operator HTTP server (status, events, metrics).
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PERP_API_KEY, PERP_API_SECRET, PERP_API_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	var md mapstructure.Metadata
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &md
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Unused = md.Unused

	// Override sensitive fields from env
	if key := os.Getenv("PERP_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("PERP_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if pass := os.Getenv("PERP_API_PASSPHRASE"); pass != "" {
		cfg.Exchange.APIPassphrase = pass
	}
	if os.Getenv("PERP_DRY_RUN") == "true" || os.Getenv("PERP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults applies the documented defaults so a minimal config file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.request_timeout", "10s")

	v.SetDefault("trading.initial_sl_roi", 0.5)
	v.SetDefault("trading.initial_tp_roi", 2.0)
	v.SetDefault("trading.break_even_buffer", 0.1)
	v.SetDefault("trading.trailing_step_percent", 0.15)
	v.SetDefault("trading.trailing_mode", "staircase")
	v.SetDefault("trading.position_size_percent", 0.5)
	v.SetDefault("trading.default_leverage", 10)
	v.SetDefault("trading.stop_price_type", "MP")
	v.SetDefault("trading.stop_update_min_interval_ms", 1500)
	v.SetDefault("trading.stop_min_move_ticks", 2)
	v.SetDefault("trading.maker_fee", 0.0002)
	v.SetDefault("trading.taker_fee", 0.0006)
	v.SetDefault("trading.slippage_percent", 0.02)
	v.SetDefault("trading.slippage_buffer_percent", 0.05)
	v.SetDefault("trading.stop_max_retries", 5)

	v.SetDefault("trailing.trailing_move_percent", 0.05)

	v.SetDefault("rate_budget.critical", 10)
	v.SetDefault("rate_budget.high", 5)
	v.SetDefault("rate_budget.medium", 3)
	v.SetDefault("rate_budget.low", 1)
	v.SetDefault("rate_budget.headroom", 0.3)
	v.SetDefault("rate_budget.queue_size", 64)
	v.SetDefault("rate_budget.refill_interval_ms", 100)
	v.SetDefault("rate_budget.backoff_initial_ms", 1000)
	v.SetDefault("rate_budget.backoff_max_ms", 60000)
	v.SetDefault("rate_budget.backoff_multiplier", 2)

	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.paper_trading", true)
	v.SetDefault("optimizer.max_concurrent_variants", 12)
	v.SetDefault("optimizer.starting_balance", 10000)
	v.SetDefault("optimizer.publish_interval_ms", 30000)
	v.SetDefault("optimizer.promotion.min_sample_size", 20)
	v.SetDefault("optimizer.promotion.min_win_rate", 0.55)
	v.SetDefault("optimizer.promotion.min_avg_roi", 1.0)
	v.SetDefault("optimizer.promotion.min_sharpe_ratio", 1.0)
	v.SetDefault("optimizer.promotion.confidence_level", 0.95)
	v.SetDefault("optimizer.error_handling.circuit_breaker_threshold", 5)
	v.SetDefault("optimizer.error_handling.circuit_breaker_reset_ms", 300000)
	v.SetDefault("optimizer.error_handling.max_retries", 5)
	v.SetDefault("optimizer.error_handling.retry_backoff_ms", 1000)

	v.SetDefault("reconciler.interval", "30s")

	v.SetDefault("risk.max_daily_loss", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one contract")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if !c.DryRun && c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required outside dry-run (set PERP_API_KEY)")
	}
	if c.Trading.StopPriceType != "MP" {
		return fmt.Errorf("trading.stop_price_type must be \"MP\", got %q", c.Trading.StopPriceType)
	}
	switch c.Trading.TrailingMode {
	case "staircase":
	case "atr", "dynamic":
		return fmt.Errorf("trading.trailing_mode %q is reserved and not implemented", c.Trading.TrailingMode)
	default:
		return fmt.Errorf("trading.trailing_mode must be \"staircase\", got %q", c.Trading.TrailingMode)
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > 100 {
		return fmt.Errorf("trading.default_leverage must be in [1, 100]")
	}
	if c.Trading.PositionSizePercent <= 0 || c.Trading.PositionSizePercent > 100 {
		return fmt.Errorf("trading.position_size_percent must be in (0, 100]")
	}
	if c.Trading.InitialSLRoi <= 0 {
		return fmt.Errorf("trading.initial_sl_roi must be > 0")
	}
	if c.Trading.TrailingStepPercent <= 0 {
		return fmt.Errorf("trading.trailing_step_percent must be > 0")
	}
	if c.RateBudget.Headroom < 0 || c.RateBudget.Headroom >= 1 {
		return fmt.Errorf("rate_budget.headroom must be in [0, 1)")
	}
	for _, class := range []struct {
		name string
		rate float64
	}{
		{"critical", c.RateBudget.Critical},
		{"high", c.RateBudget.High},
		{"medium", c.RateBudget.Medium},
		{"low", c.RateBudget.Low},
	} {
		if class.rate <= 0 {
			return fmt.Errorf("rate_budget.%s must be > 0 tokens/sec", class.name)
		}
	}
	if c.RateBudget.BackoffMultiplier < 1 {
		return fmt.Errorf("rate_budget.backoff_multiplier must be >= 1")
	}
	if c.Optimizer.Enabled {
		if c.Optimizer.MaxConcurrentVariants <= 0 {
			return fmt.Errorf("optimizer.max_concurrent_variants must be > 0")
		}
		if len(c.Optimizer.Profiles) == 0 {
			return fmt.Errorf("optimizer.profiles must list at least one profile")
		}
		if c.Optimizer.StartingBalance <= 0 {
			return fmt.Errorf("optimizer.starting_balance must be > 0")
		}
	}
	return nil
}
