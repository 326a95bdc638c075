package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "flywheel.db")

	// Queue defaults
	v.SetDefault("queue.retry_delay_ms", 1000)               // 1 second base retry delay
	v.SetDefault("queue.backoff_factor", 2.0)                // Double the delay each retry
	v.SetDefault("queue.max_retry_delay_ms", 300000)         // Cap retries at 5 minutes
	v.SetDefault("queue.persistence_interval_seconds", 5)    // Flush dirty jobs every 5s
	v.SetDefault("queue.event_buffer", 100)                  // Per-subscriber channel buffer

	// Processor defaults
	v.SetDefault("processor.max_concurrent_jobs", 5)
	v.SetDefault("processor.job_timeout_seconds", 300) // 5 minute job timeout
	v.SetDefault("processor.dispatch_interval_ms", 1000)
	v.SetDefault("processor.shutdown_timeout_seconds", 30)

	// Scheduler defaults
	v.SetDefault("scheduler.check_interval_seconds", 60)

	// Worker pool defaults
	v.SetDefault("pool.workers", 2)
	v.SetDefault("pool.max_jobs_per_worker", 5)
	v.SetDefault("pool.health_check_interval_seconds", 30)
	v.SetDefault("pool.graceful_shutdown_timeout_seconds", 30)
	v.SetDefault("pool.strategy", "least-loaded")
	v.SetDefault("pool.autoscale", true)

	// Monitor defaults
	v.SetDefault("monitor.interval_seconds", 60)
	v.SetDefault("monitor.alert_check_interval_seconds", 30)
	v.SetDefault("monitor.history_size", 1440) // 24 hours at one point per minute
	v.SetDefault("monitor.stuck_after_minutes", 30)

	// Log defaults
	v.SetDefault("log.theme", "everforest")
}

// BindSensitiveEnvVars explicitly binds selected configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Database path
	v.BindEnv("database.path", "FLYWHEEL_DATABASE_PATH")

	// Log theme, shared with the logger's direct env lookup
	v.BindEnv("log.theme", "FLYWHEEL_LOG_THEME")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "flywheel.db" // Fallback default
	}
	return c.Database.Path
}

// GetLogTheme returns the log theme (default: everforest)
func (c *Config) GetLogTheme() string {
	if c.Log.Theme == "" {
		return "everforest"
	}
	return c.Log.Theme
}

// GetPoolStrategy returns the load balancing strategy (default: least-loaded)
func (c *Config) GetPoolStrategy() string {
	if c.Pool.Strategy == "" {
		return "least-loaded"
	}
	return c.Pool.Strategy
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Processor: {MaxConcurrent: %d}, Pool: {Workers: %d, Strategy: %s}}",
		c.Database.Path, c.Processor.MaxConcurrentJobs, c.Pool.Workers, c.GetPoolStrategy())
}
