// Package config loads service configuration from YAML and AUTODEPOSIT_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/roach88/autodeposit/internal/plan"
)

// EnvPrefix prefixes every environment override, e.g.
// AUTODEPOSIT_SERVER_HTTP_ADDR.
const EnvPrefix = "AUTODEPOSIT"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LedgerConfig struct {
	MinDeposit   string        `mapstructure:"min_deposit"`
	MinFrequency time.Duration `mapstructure:"min_frequency"`
	MaxFrequency time.Duration `mapstructure:"max_frequency"`
	Pool         string        `mapstructure:"pool"`
	YieldPool    string        `mapstructure:"yield_pool"`
}

type GatewayConfig struct {
	TriggerCooldown time.Duration `mapstructure:"trigger_cooldown"`
	SourceChain     string        `mapstructure:"source_chain"`
	SourceContract  string        `mapstructure:"source_contract"`
	Asset           string        `mapstructure:"asset"`
	Identity        string        `mapstructure:"identity"`
}

type RegistryConfig struct {
	Admin       string   `mapstructure:"admin"`
	YieldSource string   `mapstructure:"yield_source"`
	Agents      []string `mapstructure:"agents"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
	Keeper  string `mapstructure:"keeper"`
}

type NotifyConfig struct {
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
	WebhookURL   string `mapstructure:"webhook_url"`
	// LogLimit bounds the records kept in memory; the audit log keeps all.
	LogLimit int `mapstructure:"log_limit"`
}

// Load reads path (YAML) and applies environment overrides. With envOnly
// the file is skipped and only defaults and the environment are used.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("store.path", "autodeposit.db")

	v.SetDefault("ledger.min_deposit", plan.DefaultMinDeposit.String())
	v.SetDefault("ledger.min_frequency", plan.DefaultMinFrequency.String())
	v.SetDefault("ledger.max_frequency", plan.DefaultMaxFrequency.String())
	v.SetDefault("ledger.pool", "pool")
	v.SetDefault("ledger.yield_pool", "yield-pool")

	v.SetDefault("gateway.trigger_cooldown", "5m")
	v.SetDefault("gateway.source_chain", "")
	v.SetDefault("gateway.source_contract", "")
	v.SetDefault("gateway.asset", "")
	v.SetDefault("gateway.identity", "gateway")

	v.SetDefault("registry.admin", "")
	v.SetDefault("registry.yield_source", "")
	v.SetDefault("registry.agents", []string{})

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "0 * * * * *")
	v.SetDefault("scheduler.keeper", "keeper")

	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_channel", "autodeposit:notifications")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.log_limit", 1024)
}

// Validate checks cross-field constraints that decoding cannot express.
func (c Config) Validate() error {
	if _, err := c.Ledger.Limits(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Limits converts the ledger section to plan creation limits.
func (l LedgerConfig) Limits() (plan.Limits, error) {
	minDeposit, err := decimal.NewFromString(l.MinDeposit)
	if err != nil {
		return plan.Limits{}, fmt.Errorf("ledger.min_deposit: %w", err)
	}
	if !minDeposit.IsPositive() {
		return plan.Limits{}, fmt.Errorf("ledger.min_deposit must be positive, got %s", l.MinDeposit)
	}
	if l.MinFrequency <= 0 || l.MaxFrequency < l.MinFrequency {
		return plan.Limits{}, fmt.Errorf("ledger frequency bounds invalid: min=%s max=%s", l.MinFrequency, l.MaxFrequency)
	}
	return plan.Limits{
		MinDeposit:   minDeposit,
		MinFrequency: l.MinFrequency,
		MaxFrequency: l.MaxFrequency,
	}, nil
}
