package config

import "time"

// Config represents the core flywheel configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures job queueing and retry behavior
type QueueConfig struct {
	RetryDelayMS               int     `mapstructure:"retry_delay_ms"`               // Base delay before first retry (default: 1000)
	BackoffFactor              float64 `mapstructure:"backoff_factor"`               // Exponential backoff multiplier (default: 2.0)
	MaxRetryDelayMS            int     `mapstructure:"max_retry_delay_ms"`           // Cap on computed retry delay (default: 300000)
	PersistenceIntervalSeconds int     `mapstructure:"persistence_interval_seconds"` // Dirty-job flush interval, 0 = write-through only (default: 5)
	EventBuffer                int     `mapstructure:"event_buffer"`                 // Per-subscriber event channel buffer (default: 100)
}

// ProcessorConfig configures job execution
type ProcessorConfig struct {
	MaxConcurrentJobs      int `mapstructure:"max_concurrent_jobs"`      // Concurrent job slots, 0 = processing paused (default: 5)
	JobTimeoutSeconds      int `mapstructure:"job_timeout_seconds"`      // Per-job execution timeout, 0 = no timeout (default: 300)
	DispatchIntervalMS     int `mapstructure:"dispatch_interval_ms"`     // Queue poll interval, 0 = polling disabled (default: 1000)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"` // Grace period for in-flight jobs on shutdown (default: 30)
}

// SchedulerConfig configures recurring job scheduling
type SchedulerConfig struct {
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"` // How often to check for due schedules, 0 = disabled (default: 60)
}

// PoolConfig configures the worker pool manager
type PoolConfig struct {
	Workers                        int    `mapstructure:"workers"`                           // Initial worker count (default: 2)
	MaxJobsPerWorker               int    `mapstructure:"max_jobs_per_worker"`               // Concurrent jobs per worker (default: 5)
	HealthCheckIntervalSeconds     int    `mapstructure:"health_check_interval_seconds"`     // Worker health sweep interval (default: 30)
	GracefulShutdownTimeoutSeconds int    `mapstructure:"graceful_shutdown_timeout_seconds"` // Wait for worker drain on removal (default: 30)
	Strategy                       string `mapstructure:"strategy"`                          // Load balancing: round-robin, least-loaded, job-type-affinity
	Autoscale                      bool   `mapstructure:"autoscale"`                         // Enable queue-depth based scaling (default: true)
}

// MonitorConfig configures metrics collection and alerting
type MonitorConfig struct {
	IntervalSeconds           int `mapstructure:"interval_seconds"`             // Metrics snapshot interval (default: 60)
	AlertCheckIntervalSeconds int `mapstructure:"alert_check_interval_seconds"` // Alert rule evaluation interval (default: 30)
	HistorySize               int `mapstructure:"history_size"`                 // Metrics points retained in memory (default: 1440)
	StuckAfterMinutes         int `mapstructure:"stuck_after_minutes"`          // Running longer than this flags a health error (default: 30)
}

// LogConfig configures log output
type LogConfig struct {
	Theme string `mapstructure:"theme"` // Color theme: gruvbox, everforest
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// RetryDelay returns the base retry delay as a duration
func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}

// MaxRetryDelay returns the retry delay cap as a duration
func (q QueueConfig) MaxRetryDelay() time.Duration {
	return time.Duration(q.MaxRetryDelayMS) * time.Millisecond
}

// PersistenceInterval returns the dirty-job flush interval as a duration
func (q QueueConfig) PersistenceInterval() time.Duration {
	return time.Duration(q.PersistenceIntervalSeconds) * time.Second
}

// JobTimeout returns the per-job timeout as a duration
func (p ProcessorConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

// DispatchInterval returns the queue poll interval as a duration
func (p ProcessorConfig) DispatchInterval() time.Duration {
	return time.Duration(p.DispatchIntervalMS) * time.Millisecond
}

// ShutdownTimeout returns the shutdown grace period as a duration
func (p ProcessorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

// CheckInterval returns the schedule check interval as a duration
func (s SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// HealthCheckInterval returns the worker health sweep interval as a duration
func (p PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalSeconds) * time.Second
}

// GracefulShutdownTimeout returns the worker drain grace period as a duration
func (p PoolConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(p.GracefulShutdownTimeoutSeconds) * time.Second
}

// Interval returns the metrics snapshot interval as a duration
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// AlertCheckInterval returns the alert evaluation interval as a duration
func (m MonitorConfig) AlertCheckInterval() time.Duration {
	return time.Duration(m.AlertCheckIntervalSeconds) * time.Second
}

// StuckAfter returns the running-job age past which health reports an error
func (m MonitorConfig) StuckAfter() time.Duration {
	return time.Duration(m.StuckAfterMinutes) * time.Minute
}
