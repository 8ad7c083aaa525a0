package config

import (
	"fmt"

	"go.uber.org/multierr"
)

var (
	cacheBackends      = map[string]bool{"sqlite": true, "file": true}
	remoteDrivers      = map[string]bool{"memory": true, "s3": true}
	s3Providers        = map[string]bool{"aws": true, "minio": true, "r2": true}
	conflictStrategies = map[string]bool{
		"client_wins":     true,
		"server_wins":     true,
		"timestamp_based": true,
		"merge":           true,
	}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error

	if !cacheBackends[c.Storage.CacheBackend] {
		errs = multierr.Append(errs, fmt.Errorf("config: storage.cache_backend %q must be sqlite or file", c.Storage.CacheBackend))
	}
	if c.Storage.DataDir == "" {
		errs = multierr.Append(errs, fmt.Errorf("config: storage.data_dir is required"))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: cache.default_ttl must be positive"))
	}
	for category, limit := range c.Cache.Limits {
		if limit <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("config: cache.limits.%s must be positive", category))
		}
	}
	if c.Queue.MaxSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: queue.max_size must be positive"))
	}
	if c.Queue.MaxRetries <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: queue.max_retries must be positive"))
	}
	if c.Sync.Workers <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: sync.workers must be positive"))
	}
	if c.Sync.ReplayInterval <= 0 || c.Sync.ReconcileInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: sync intervals must be positive"))
	}
	if !conflictStrategies[c.Sync.ConflictStrategy] {
		errs = multierr.Append(errs, fmt.Errorf("config: sync.conflict_strategy %q is not supported", c.Sync.ConflictStrategy))
	}
	if c.Retry.BusyMinDelay > c.Retry.BusyMaxDelay {
		errs = multierr.Append(errs, fmt.Errorf("config: retry.busy_min_delay exceeds retry.busy_max_delay"))
	}
	if !remoteDrivers[c.Remote.Driver] {
		errs = multierr.Append(errs, fmt.Errorf("config: remote.driver %q must be memory or s3", c.Remote.Driver))
	}
	if c.Remote.Driver == "s3" {
		if !s3Providers[c.Remote.S3.Provider] {
			errs = multierr.Append(errs, fmt.Errorf("config: remote.s3.provider %q is not supported", c.Remote.S3.Provider))
		}
		if c.Remote.S3.Bucket == "" {
			errs = multierr.Append(errs, fmt.Errorf("config: remote.s3.bucket is required"))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("config: server.port %d out of range", c.Server.Port))
	}

	return errs
}
