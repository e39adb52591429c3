package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	System      SystemConfig           `mapstructure:"system" validate:"required"`
	Venues      map[string]VenueConfig `mapstructure:"venues" validate:"required,dive"`
	Aggregator  AggregatorConfig       `mapstructure:"aggregator" validate:"required"`
	Executor    ExecutorConfig         `mapstructure:"executor" validate:"required"`
	Basis       BasisConfig            `mapstructure:"basis"`
	Monitoring  MonitoringConfig       `mapstructure:"monitoring"`
	Persistence PersistenceConfig      `mapstructure:"persistence" validate:"required"`
	Runtime     RuntimeConfig          `mapstructure:"runtime"`
}

type SystemConfig struct {
	InstanceID string `mapstructure:"instance_id" validate:"required"`
	LogLevel   string `mapstructure:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Timezone   string `mapstructure:"timezone" validate:"required"`
}

type VenueConfig struct {
	Enabled    bool                       `mapstructure:"enabled"`
	RestURL    string                     `mapstructure:"rest_url" validate:"omitempty,url"`
	WsURL      string                     `mapstructure:"ws_url" validate:"omitempty,url"`
	Sandbox    bool                       `mapstructure:"sandbox"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

type RateLimitConfig struct {
	Capacity        int `mapstructure:"capacity" validate:"required,gt=0"`
	RefillPerSecond int `mapstructure:"refill_per_second" validate:"required,gt=0"`
}

type AggregatorConfig struct {
	CacheTTLSeconds int             `mapstructure:"cache_ttl_seconds" validate:"required,gt=0"`
	MinSpreadAPR    decimal.Decimal `mapstructure:"min_spread_apr"`
	MinYieldAPR     decimal.Decimal `mapstructure:"min_yield_apr"`
}

func (c AggregatorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type ExecutorConfig struct {
	MonitorIntervalSeconds int             `mapstructure:"monitor_interval_seconds" validate:"required,gt=0"`
	MaxCapitalUSDT         decimal.Decimal `mapstructure:"max_capital_usdt" validate:"required"`
	VenueTimeoutSeconds    int             `mapstructure:"venue_timeout_seconds" validate:"gt=0"`
	HaltFile               string          `mapstructure:"halt_file"`
}

func (c ExecutorConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func (c ExecutorConfig) VenueTimeout() time.Duration {
	return time.Duration(c.VenueTimeoutSeconds) * time.Second
}

type BasisConfig struct {
	Enabled                bool            `mapstructure:"enabled"`
	Symbols                []string        `mapstructure:"symbols"`
	DeltaThresholdRatio    decimal.Decimal `mapstructure:"delta_threshold_ratio"`
	UpdateIntervalSeconds  int             `mapstructure:"update_interval_seconds" validate:"gt=0"`
}

func (c BasisConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

type MonitoringConfig struct {
	MetricsAddr   string   `mapstructure:"metrics_addr"`
	AlertChannels []string `mapstructure:"alert_channels"`
}

type PersistenceConfig struct {
	HotStoreDB        string `mapstructure:"hot_store_db" validate:"required"`
	ColdStoreDSN      string `mapstructure:"cold_store_dsn"`
	ColdStorePoolSize int    `mapstructure:"cold_store_pool_size" validate:"gt=0"`
	RetentionDays     int    `mapstructure:"retention_days" validate:"gt=0"`
}

func (c PersistenceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type RuntimeConfig struct {
	GoMaxProcs int    `mapstructure:"gomaxprocs"`
	GOGC       int    `mapstructure:"gogc"`
	GoMemLimit string `mapstructure:"gomemlimit"`
}
