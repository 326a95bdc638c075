package workerpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/teranos/flywheel/processor"
	"github.com/teranos/flywheel/queue"
)

// Health thresholds. A worker is unhealthy when it has shown no activity
// for three health intervals or when its recent-error ring holds more than
// maxRecentErrors entries younger than recentErrorWindow.
const (
	staleActivityFactor = 3
	maxRecentErrors     = 5
	recentErrorWindow   = 5 * time.Minute
)

// WorkerConfig describes one worker instance. An empty SupportedJobTypes
// means the worker accepts every job type.
type WorkerConfig struct {
	ID                      string          `json:"id"`
	MaxJobs                 int             `json:"max_jobs"`
	SupportedJobTypes       []queue.JobType `json:"supported_job_types,omitempty"`
	Enabled                 bool            `json:"enabled"`
	HealthCheckInterval     time.Duration   `json:"health_check_interval"`
	GracefulShutdownTimeout time.Duration   `json:"graceful_shutdown_timeout"`
}

// WorkerStatus is a point-in-time snapshot of one worker. Readers may see
// a slightly stale view; only the owning worker's loops mutate the
// underlying record.
type WorkerStatus struct {
	ID                string                  `json:"id"`
	Healthy           bool                    `json:"healthy"`
	Enabled           bool                    `json:"enabled"`
	Auto              bool                    `json:"auto"`
	ActiveJobs        int                     `json:"active_jobs"`
	MaxJobs           int                     `json:"max_jobs"`
	TotalProcessed    int                     `json:"total_processed"`
	LastActivity      time.Time               `json:"last_activity"`
	RecentErrors      []processor.ErrorRecord `json:"recent_errors,omitempty"`
	SupportedJobTypes []queue.JobType         `json:"supported_job_types,omitempty"`
}

// Worker wraps one Processor with a type filter, a health record, and a
// health-check loop owned by the manager. Workers claim jobs through the
// manager's strategy gate, never directly from the queue.
type Worker struct {
	cfg  WorkerConfig
	proc *processor.Processor
	auto bool

	// healthStop ends the health loop; closed exactly once by the
	// manager during removal or pool shutdown.
	healthStop chan struct{}
	stopOnce   sync.Once

	mu      sync.Mutex
	healthy bool
	enabled bool
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Auto reports whether the autoscaler created this worker. Auto workers
// are eligible for scale-down removal; manual workers are not.
func (w *Worker) Auto() bool {
	return w.auto
}

// Config returns a copy of the worker's configuration.
func (w *Worker) Config() WorkerConfig {
	cfg := w.cfg
	cfg.SupportedJobTypes = append([]queue.JobType(nil), w.cfg.SupportedJobTypes...)
	return cfg
}

// Status snapshots the worker's health and its processor's counters.
func (w *Worker) Status() WorkerStatus {
	stats := w.proc.Stats()

	w.mu.Lock()
	healthy := w.healthy
	enabled := w.enabled
	w.mu.Unlock()

	return WorkerStatus{
		ID:                w.cfg.ID,
		Healthy:           healthy,
		Enabled:           enabled,
		Auto:              w.auto,
		ActiveJobs:        stats.ActiveJobs,
		MaxJobs:           w.cfg.MaxJobs,
		TotalProcessed:    stats.TotalProcessed,
		LastActivity:      stats.LastActivity,
		RecentErrors:      stats.RecentErrors,
		SupportedJobTypes: append([]queue.JobType(nil), w.cfg.SupportedJobTypes...),
	}
}

// SetEnabled toggles whether the worker may claim new jobs. In-flight jobs
// are unaffected.
func (w *Worker) SetEnabled(enabled bool) {
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

func (w *Worker) isEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

func (w *Worker) isHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// setHealthy records a new health value and reports whether it changed.
func (w *Worker) setHealthy(healthy bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.healthy == healthy {
		return false
	}
	w.healthy = healthy
	return true
}

// supports reports whether the worker accepts the given job type. An
// empty filter accepts everything.
func (w *Worker) supports(jobType queue.JobType) bool {
	if len(w.cfg.SupportedJobTypes) == 0 {
		return true
	}
	for _, t := range w.cfg.SupportedJobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// specialist reports whether the worker names the job type explicitly in
// its filter. The affinity strategy prefers specialists over workers that
// accept everything.
func (w *Worker) specialist(jobType queue.JobType) bool {
	for _, t := range w.cfg.SupportedJobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// evaluateHealth applies the staleness and error-burst rules against the
// processor's counters. Returns the verdict and, when unhealthy, why.
func (w *Worker) evaluateHealth(now time.Time) (bool, string) {
	stats := w.proc.Stats()

	if idle := now.Sub(stats.LastActivity); idle > staleActivityFactor*w.cfg.HealthCheckInterval {
		return false, fmt.Sprintf("no activity for %s", idle.Round(time.Second))
	}

	var burst int
	for _, rec := range stats.RecentErrors {
		if now.Sub(rec.Time) <= recentErrorWindow {
			burst++
		}
	}
	if burst > maxRecentErrors {
		return false, fmt.Sprintf("%d errors within %s", burst, recentErrorWindow)
	}

	return true, ""
}

// stopHealthLoop ends the health loop. Safe to call more than once.
func (w *Worker) stopHealthLoop() {
	w.stopOnce.Do(func() {
		close(w.healthStop)
	})
}
