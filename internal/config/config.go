// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DERIV_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BrokerConfig holds the broker endpoint and credentials.
// Endpoint is derived from AppID when left empty.
type BrokerConfig struct {
	AppID       string        `mapstructure:"app_id"`
	Token       string        `mapstructure:"token"`
	Endpoint    string        `mapstructure:"endpoint"`
	Symbol      string        `mapstructure:"symbol"`
	Currency    string        `mapstructure:"currency"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// TradeConfig holds the fixed-size contract inputs sent with proposals.
//
//   - StakeAmount: stake for the fixed-size variant (risk sizing may override).
//   - Multiplier: broker multiplier for MULTUP/MULTDOWN contracts.
//   - TakeProfitMultiplier / StopLossMultiplier: fractions of stake used to
//     build the broker-enforced limit_order block. Zero disables the block,
//     in which case the engine's point-based TP/SL applies instead.
type TradeConfig struct {
	StakeAmount          float64 `mapstructure:"stake_amount"`
	Multiplier           int     `mapstructure:"multiplier"`
	TakeProfitMultiplier float64 `mapstructure:"take_profit_multiplier"`
	StopLossMultiplier   float64 `mapstructure:"stop_loss_multiplier"`
	UseRiskSizing        bool    `mapstructure:"use_risk_sizing"`
}

// StrategyConfig tunes the entry/exit state machine.
//
//   - Variant: "sma" (default, SMA-cluster spike short) or "squeeze"
//     (Bollinger-bandwidth breakout on the tick buffer).
//   - SpikeDelta: single-tick rise that qualifies as an entry spike.
//   - TakeProfitPoints / StopLossPoints: engine-side exit distances,
//     active only when the broker limit_order block is disabled.
//   - TickLimit: rolling tick buffer length for the squeeze variant.
//   - SqueezeThreshold: bandwidth threshold that arms the squeeze entry.
type StrategyConfig struct {
	Variant           string        `mapstructure:"variant"`
	SpikeDelta        float64       `mapstructure:"spike_delta"`
	TakeProfitPoints  float64       `mapstructure:"take_profit_points"`
	StopLossPoints    float64       `mapstructure:"stop_loss_points"`
	TickLimit         int           `mapstructure:"tick_limit"`
	SqueezeThreshold  float64       `mapstructure:"squeeze_threshold"`
	CrossoverCooldown time.Duration `mapstructure:"crossover_cooldown"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
}

// RiskConfig sets the hard guards every entry must pass.
type RiskConfig struct {
	DailyCap            float64       `mapstructure:"daily_cap"`
	TrainDelta          float64       `mapstructure:"train_delta"`
	TrainPause          time.Duration `mapstructure:"train_pause"`
	KillswitchThreshold float64       `mapstructure:"killswitch_threshold"`
	KillswitchDuration  time.Duration `mapstructure:"killswitch_duration"`
	SessionStartUTCHour int           `mapstructure:"session_start_utc_hour"`
	SessionEndUTCHour   int           `mapstructure:"session_end_utc_hour"`
	RiskFraction        float64       `mapstructure:"risk_fraction"`
	MinStake            float64       `mapstructure:"min_stake"`
}

// StoreConfig sets where the trade journal is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the status HTTP / broadcast WebSocket server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: DERIV_APP_ID, DERIV_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DERIV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials always win from the environment.
	if appID := os.Getenv("DERIV_APP_ID"); appID != "" {
		cfg.Broker.AppID = appID
	}
	if token := os.Getenv("DERIV_TOKEN"); token != "" {
		cfg.Broker.Token = token
	}

	if cfg.Broker.Endpoint == "" {
		cfg.Broker.Endpoint = fmt.Sprintf("wss://ws.derivws.com/websockets/v3?app_id=%s", cfg.Broker.AppID)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.symbol", "R_100")
	v.SetDefault("broker.currency", "USD")
	v.SetDefault("broker.call_timeout", 5*time.Second)

	v.SetDefault("trade.stake_amount", 1.0)
	v.SetDefault("trade.multiplier", 100)
	v.SetDefault("trade.take_profit_multiplier", 0.0)
	v.SetDefault("trade.stop_loss_multiplier", 0.0)
	v.SetDefault("trade.use_risk_sizing", true)

	v.SetDefault("strategy.variant", "sma")
	v.SetDefault("strategy.spike_delta", 4.0)
	v.SetDefault("strategy.take_profit_points", 15.0)
	v.SetDefault("strategy.stop_loss_points", 5.0)
	v.SetDefault("strategy.tick_limit", 50)
	v.SetDefault("strategy.squeeze_threshold", 0.02)
	v.SetDefault("strategy.crossover_cooldown", 5*time.Minute)
	v.SetDefault("strategy.rate_limit_cooldown", 60*time.Second)

	v.SetDefault("risk.daily_cap", 8.0)
	v.SetDefault("risk.train_delta", 4.0)
	v.SetDefault("risk.train_pause", 15*time.Minute)
	v.SetDefault("risk.killswitch_threshold", 0.045)
	v.SetDefault("risk.killswitch_duration", 24*time.Hour)
	v.SetDefault("risk.session_start_utc_hour", 8)
	v.SetDefault("risk.session_end_utc_hour", 21)
	v.SetDefault("risk.risk_fraction", 0.015)
	v.SetDefault("risk.min_stake", 0.10)

	v.SetDefault("store.path", "data/trades.db")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.AppID == "" {
		return fmt.Errorf("broker.app_id is required (set DERIV_APP_ID)")
	}
	if c.Broker.Token == "" {
		return fmt.Errorf("broker.token is required (set DERIV_TOKEN)")
	}
	if c.Broker.Symbol == "" {
		return fmt.Errorf("broker.symbol is required")
	}
	if c.Trade.StakeAmount <= 0 {
		return fmt.Errorf("trade.stake_amount must be > 0")
	}
	if c.Trade.Multiplier <= 0 {
		return fmt.Errorf("trade.multiplier must be > 0")
	}
	switch c.Strategy.Variant {
	case "sma", "squeeze":
	default:
		return fmt.Errorf("strategy.variant must be one of: sma, squeeze")
	}
	if c.Strategy.TickLimit <= 1 {
		return fmt.Errorf("strategy.tick_limit must be > 1")
	}
	if c.Risk.SessionStartUTCHour < 0 || c.Risk.SessionStartUTCHour > 23 {
		return fmt.Errorf("risk.session_start_utc_hour must be in [0,23]")
	}
	if c.Risk.SessionEndUTCHour < 1 || c.Risk.SessionEndUTCHour > 24 {
		return fmt.Errorf("risk.session_end_utc_hour must be in [1,24]")
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction > 0.05 {
		return fmt.Errorf("risk.risk_fraction must be in (0, 0.05]")
	}
	return nil
}
