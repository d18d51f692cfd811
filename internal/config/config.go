// Package config loads the daemon configuration from YAML files and
// RISKGATE_-prefixed environment variables, with validation and hot-reload
// of operational knobs.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/velocimex/riskgate/internal/capitalflow"
	"github.com/velocimex/riskgate/internal/deadman"
	"github.com/velocimex/riskgate/internal/execution"
	"github.com/velocimex/riskgate/internal/governance"
	"github.com/velocimex/riskgate/internal/risk"
	"github.com/velocimex/riskgate/internal/venue"
)

// Config is the full daemon configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	Logging    LoggingConfig    `mapstructure:"logging"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	Risk        RiskConfig               `mapstructure:"risk"`
	CapitalFlow capitalflow.Config       `mapstructure:"capital_flow"`
	Venue       VenueConfig              `mapstructure:"venue"`
	Execution   execution.ExecutorConfig `mapstructure:"execution"`
	Deadman     deadman.Config           `mapstructure:"deadman"`
	Governance  GovernanceConfig         `mapstructure:"governance"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type MonitoringConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RiskConfig nests the engine limits with its starting equity and the
// invariant checker's cadence.
type RiskConfig struct {
	Limits            risk.Limits     `mapstructure:"limits"`
	InitialEquity     decimal.Decimal `mapstructure:"initial_equity"`
	InvariantInterval time.Duration   `mapstructure:"invariant_interval"`
}

type VenueConfig struct {
	Trust  venue.TrustConfig  `mapstructure:"trust"`
	Router venue.RouterConfig `mapstructure:"router"`
}

type GovernanceConfig struct {
	RequiredSignatures int                       `mapstructure:"required_signatures"`
	ProposalTTL        time.Duration             `mapstructure:"proposal_ttl"`
	SweepInterval      time.Duration             `mapstructure:"sweep_interval"`
	Timelock           governance.TimeLockConfig `mapstructure:"timelock"`
}

// Load reads the first existing path, merges RISKGATE_-prefixed environment
// variables, applies defaults and validates. A missing config file is not an
// error; env vars and defaults carry a bare deployment.
func Load(paths ...string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RISKGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(paths) == 0 {
		paths = []string{"./riskgate.yaml", "/etc/riskgate/riskgate.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// stringToDecimalHookFunc decodes "0.25"-style YAML/env values into exact
// decimals. Floats never pass through binary representation.
func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case float64:
			return decimal.NewFromString(fmt.Sprintf("%v", val))
		default:
			return data, nil
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "./data/journal"
	}
	if cfg.Monitoring.MetricsAddr == "" {
		cfg.Monitoring.MetricsAddr = ":9090"
	}

	if cfg.Risk.InvariantInterval <= 0 {
		cfg.Risk.InvariantInterval = 30 * time.Second
	}

	if cfg.CapitalFlow.RetainFor <= 0 {
		cfg.CapitalFlow.RetainFor = 24 * time.Hour
	}

	if cfg.Venue.Trust == (venue.TrustConfig{}) {
		cfg.Venue.Trust = venue.DefaultTrustConfig()
	}
	if cfg.Venue.Router.AttemptTimeout <= 0 {
		cfg.Venue.Router.AttemptTimeout = 5 * time.Second
	}
	if cfg.Venue.Router.Retry == (venue.RetryPolicy{}) {
		cfg.Venue.Router.Retry = venue.DefaultRetryPolicy()
	}

	if cfg.Execution.Interval <= 0 {
		cfg.Execution.Interval = time.Second
	}
	if cfg.Execution.MaxActiveOrders <= 0 {
		cfg.Execution.MaxActiveOrders = 256
	}

	if cfg.Deadman.Name == "" {
		cfg.Deadman.Name = "strategy"
	}
	if cfg.Deadman.Timeout <= 0 {
		cfg.Deadman.Timeout = 30 * time.Second
	}
	if cfg.Deadman.MaxMissedBeats <= 0 {
		cfg.Deadman.MaxMissedBeats = 3
	}

	if cfg.Governance.RequiredSignatures <= 0 {
		cfg.Governance.RequiredSignatures = 2
	}
	if cfg.Governance.ProposalTTL <= 0 {
		cfg.Governance.ProposalTTL = 24 * time.Hour
	}
	if cfg.Governance.SweepInterval <= 0 {
		cfg.Governance.SweepInterval = time.Minute
	}
	if cfg.Governance.Timelock.MinDelay <= 0 {
		cfg.Governance.Timelock.MinDelay = time.Hour
	}
	if cfg.Governance.Timelock.MaxDelay <= 0 {
		cfg.Governance.Timelock.MaxDelay = 7 * 24 * time.Hour
	}
}

// Validate rejects configurations that would make the control plane
// unenforceable rather than merely unusual.
func (c *Config) Validate() error {
	if !c.Risk.Limits.MaxPositionSize.IsPositive() {
		return fmt.Errorf("config: risk.limits.max_position_size must be positive")
	}
	if !c.Risk.Limits.MaxLeverage.IsPositive() {
		return fmt.Errorf("config: risk.limits.max_leverage must be positive")
	}
	if !c.Risk.Limits.MaxExposure.IsPositive() {
		return fmt.Errorf("config: risk.limits.max_exposure must be positive")
	}
	if c.Risk.Limits.MaxDrawdown.IsNegative() || c.Risk.Limits.MaxDrawdown.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: risk.limits.max_drawdown must be in [0,1]")
	}
	if !c.Risk.InitialEquity.IsPositive() {
		return fmt.Errorf("config: risk.initial_equity must be positive")
	}

	if !c.CapitalFlow.TotalCapital.IsPositive() {
		return fmt.Errorf("config: capital_flow.total_capital must be positive")
	}
	for _, wl := range c.CapitalFlow.Limits {
		if wl.Name == "" {
			return fmt.Errorf("config: capital_flow window limit missing name")
		}
		if wl.Window <= 0 {
			return fmt.Errorf("config: capital_flow limit %q window must be positive", wl.Name)
		}
		if wl.Window > c.CapitalFlow.RetainFor {
			return fmt.Errorf("config: capital_flow limit %q window exceeds retention %s", wl.Name, c.CapitalFlow.RetainFor)
		}
	}

	if c.Venue.Trust.Min >= c.Venue.Trust.Max {
		return fmt.Errorf("config: venue.trust min must be below max")
	}
	if c.Venue.Trust.Default < c.Venue.Trust.Min || c.Venue.Trust.Default > c.Venue.Trust.Max {
		return fmt.Errorf("config: venue.trust default outside [min,max]")
	}

	if c.Governance.Timelock.MinDelay > c.Governance.Timelock.MaxDelay {
		return fmt.Errorf("config: governance.timelock min_delay exceeds max_delay")
	}
	return nil
}
