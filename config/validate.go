package config

import "github.com/teranos/flywheel/errors"

// Valid load balancing strategies for pool.strategy
var validStrategies = map[string]bool{
	"round-robin":       true,
	"least-loaded":      true,
	"job-type-affinity": true,
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "flywheel.db" per defaults.go
	// No validation needed here

	// Queue retry settings: 0 = immediate retry / no cap, negative = invalid
	if c.Queue.RetryDelayMS < 0 {
		return errors.Newf("queue.retry_delay_ms must be >= 0, got %d", c.Queue.RetryDelayMS)
	}
	if c.Queue.BackoffFactor < 0 {
		return errors.Newf("queue.backoff_factor must be >= 0, got %f", c.Queue.BackoffFactor)
	}
	if c.Queue.MaxRetryDelayMS < 0 {
		return errors.Newf("queue.max_retry_delay_ms must be >= 0, got %d", c.Queue.MaxRetryDelayMS)
	}
	if c.Queue.PersistenceIntervalSeconds < 0 {
		return errors.Newf("queue.persistence_interval_seconds must be >= 0, got %d", c.Queue.PersistenceIntervalSeconds)
	}
	if c.Queue.EventBuffer < 0 {
		return errors.Newf("queue.event_buffer must be >= 0, got %d", c.Queue.EventBuffer)
	}

	// Processor: 0 concurrent jobs = processing paused, negative = invalid
	if c.Processor.MaxConcurrentJobs < 0 {
		return errors.Newf("processor.max_concurrent_jobs must be >= 0, got %d", c.Processor.MaxConcurrentJobs)
	}
	if c.Processor.JobTimeoutSeconds < 0 {
		return errors.Newf("processor.job_timeout_seconds must be >= 0, got %d", c.Processor.JobTimeoutSeconds)
	}
	if c.Processor.DispatchIntervalMS < 0 {
		return errors.Newf("processor.dispatch_interval_ms must be >= 0, got %d", c.Processor.DispatchIntervalMS)
	}
	if c.Processor.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("processor.shutdown_timeout_seconds must be >= 0, got %d", c.Processor.ShutdownTimeoutSeconds)
	}

	// Scheduler check interval: 0 = no periodic checking, negative = invalid
	if c.Scheduler.CheckIntervalSeconds < 0 {
		return errors.Newf("scheduler.check_interval_seconds must be >= 0, got %d", c.Scheduler.CheckIntervalSeconds)
	}

	// Pool workers: 0 = no managed workers, negative = invalid
	if c.Pool.Workers < 0 {
		return errors.Newf("pool.workers must be >= 0, got %d", c.Pool.Workers)
	}
	if c.Pool.MaxJobsPerWorker < 0 {
		return errors.Newf("pool.max_jobs_per_worker must be >= 0, got %d", c.Pool.MaxJobsPerWorker)
	}
	if c.Pool.HealthCheckIntervalSeconds < 0 {
		return errors.Newf("pool.health_check_interval_seconds must be >= 0, got %d", c.Pool.HealthCheckIntervalSeconds)
	}
	if c.Pool.GracefulShutdownTimeoutSeconds < 0 {
		return errors.Newf("pool.graceful_shutdown_timeout_seconds must be >= 0, got %d", c.Pool.GracefulShutdownTimeoutSeconds)
	}
	if c.Pool.Strategy != "" && !validStrategies[c.Pool.Strategy] {
		return errors.Newf("pool.strategy must be one of round-robin, least-loaded, job-type-affinity; got %q", c.Pool.Strategy)
	}

	// Monitor intervals: 0 = disabled, negative = invalid
	if c.Monitor.IntervalSeconds < 0 {
		return errors.Newf("monitor.interval_seconds must be >= 0, got %d", c.Monitor.IntervalSeconds)
	}
	if c.Monitor.AlertCheckIntervalSeconds < 0 {
		return errors.Newf("monitor.alert_check_interval_seconds must be >= 0, got %d", c.Monitor.AlertCheckIntervalSeconds)
	}
	if c.Monitor.HistorySize < 0 {
		return errors.Newf("monitor.history_size must be >= 0, got %d", c.Monitor.HistorySize)
	}
	if c.Monitor.StuckAfterMinutes < 0 {
		return errors.Newf("monitor.stuck_after_minutes must be >= 0, got %d", c.Monitor.StuckAfterMinutes)
	}

	// Log theme: empty = default, otherwise must be a known theme
	if c.Log.Theme != "" && c.Log.Theme != "gruvbox" && c.Log.Theme != "everforest" {
		return errors.Newf("log.theme must be gruvbox or everforest, got %q", c.Log.Theme)
	}

	return nil
}
