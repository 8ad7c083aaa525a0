// Package config loads runtime configuration for the sync core.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	megabyte = int64(1024 * 1024)

	// EnvPrefix prefixes every environment override, e.g. SYNCCORE_QUEUE_MAX_SIZE.
	EnvPrefix = "SYNCCORE"
)

// Config represents the runtime configuration of the sync core.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Server       ServerConfig       `mapstructure:"server"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	CacheBackend string `mapstructure:"cache_backend"` // sqlite or file
}

// CacheConfig tunes the local cache store.
type CacheConfig struct {
	DefaultTTL time.Duration            `mapstructure:"default_ttl"`
	TTL        map[string]time.Duration `mapstructure:"ttl"`
	Compress   bool                     `mapstructure:"compress"`
	HotEntries int                      `mapstructure:"hot_entries"`
	Limits     map[string]int64         `mapstructure:"limits"`
}

// QueueConfig tunes the mutation queue.
type QueueConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxRetries int  `mapstructure:"max_retries"`
	Durable    bool `mapstructure:"durable"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	ReplayInterval    time.Duration `mapstructure:"replay_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	CycleTimeout      time.Duration `mapstructure:"cycle_timeout"`
	Workers           int           `mapstructure:"workers"`
	ConflictStrategy  string        `mapstructure:"conflict_strategy"`
	ReplayOnEnqueue   bool          `mapstructure:"replay_on_enqueue"`
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	DefaultDelay time.Duration `mapstructure:"default_delay"`
	NetworkDelay time.Duration `mapstructure:"network_delay"`
	BusyMinDelay time.Duration `mapstructure:"busy_min_delay"`
	BusyMaxDelay time.Duration `mapstructure:"busy_max_delay"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
}

// RemoteConfig selects the remote store implementation.
type RemoteConfig struct {
	Driver string   `mapstructure:"driver"` // memory or s3
	S3     S3Config `mapstructure:"s3"`
}

// S3Config configures the S3-compatible remote store.
type S3Config struct {
	Provider  string `mapstructure:"provider"` // aws, minio or r2
	Endpoint  string `mapstructure:"endpoint"`
	AccountID string `mapstructure:"account_id"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ConnectivityConfig configures the reachability probe.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// MaintenanceConfig holds cron specifications for background cache maintenance.
type MaintenanceConfig struct {
	ExpirySchedule  string `mapstructure:"expiry_schedule"`
	SizeSchedule    string `mapstructure:"size_schedule"`
	MetricsSchedule string `mapstructure:"metrics_schedule"`
}

// ServerConfig configures the local status API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TelemetryConfig toggles the local metrics endpoint.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load initialises configuration using Viper with defaults.
// A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", path, err)
	}
	return decode(v)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// Defaults are static; a decode failure is a programming error.
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_backend", "sqlite")

	v.SetDefault("cache.default_ttl", "168h")
	v.SetDefault("cache.compress", true)
	v.SetDefault("cache.hot_entries", 1024)
	v.SetDefault("cache.limits", map[string]int64{
		"orders":    100 * megabyte,
		"partners":  100 * megabyte,
		"products":  100 * megabyte,
		"users":     100 * megabyte,
		"analytics": 100 * megabyte,
		"fallback":  100 * megabyte,
		"images":    50 * megabyte,
	})

	v.SetDefault("queue.max_size", 10000)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.durable", true)

	v.SetDefault("sync.replay_interval", "30s")
	v.SetDefault("sync.reconcile_interval", "5m")
	v.SetDefault("sync.cycle_timeout", "5m")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.conflict_strategy", "timestamp_based")
	v.SetDefault("sync.replay_on_enqueue", true)

	v.SetDefault("retry.default_delay", "5s")
	v.SetDefault("retry.network_delay", "15s")
	v.SetDefault("retry.busy_min_delay", "30s")
	v.SetDefault("retry.busy_max_delay", "60s")
	v.SetDefault("retry.backoff_cap", "1h")

	v.SetDefault("remote.driver", "memory")
	v.SetDefault("remote.s3.provider", "aws")
	v.SetDefault("remote.s3.region", "us-east-1")
	v.SetDefault("remote.s3.prefix", "entities")

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", "10s")
	v.SetDefault("connectivity.probe_timeout", "3s")

	v.SetDefault("maintenance.expiry_schedule", "@every 5m")
	v.SetDefault("maintenance.size_schedule", "@every 10m")
	v.SetDefault("maintenance.metrics_schedule", "@every 1m")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetDefault("telemetry.enabled", false)
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}
