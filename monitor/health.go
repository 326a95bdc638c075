package monitor

import (
	"fmt"
	"time"

	"github.com/teranos/flywheel/queue"
	"github.com/teranos/flywheel/workerpool"
)

// Health thresholds. Backlog and failure pileups warn; stuck jobs and
// unhealthy workers are errors because work is actively not moving.
const (
	healthQueueBacklog   = 1000
	healthFailedJobs     = 100
	healthMinSuccessRate = 90.0
)

// HealthStatus is an operator-facing summary. Healthy is true exactly when
// Errors is empty; Warnings flag degradation worth a look but not an
// outage.
type HealthStatus struct {
	Healthy          bool                      `json:"healthy"`
	QueueLength      int                       `json:"queue_length"`
	ActiveJobs       int                       `json:"active_jobs"`
	FailedJobs       int                       `json:"failed_jobs"`
	OldestPendingJob *time.Time                `json:"oldest_pending_job,omitempty"`
	Workers          []workerpool.WorkerStatus `json:"workers,omitempty"`
	LastProcessedJob *time.Time                `json:"last_processed_job,omitempty"`
	Errors           []string                  `json:"errors,omitempty"`
	Warnings         []string                  `json:"warnings,omitempty"`
	CheckedAt        time.Time                 `json:"checked_at"`
}

// Health assembles a point-in-time health report from the queue, the pool,
// and the store. Store lookup failures are logged and leave the optional
// fields empty rather than failing the whole report.
func (m *Monitor) Health() HealthStatus {
	metrics := m.snapshot()
	now := m.timeNow()

	status := HealthStatus{
		QueueLength: metrics.QueueLength,
		ActiveJobs:  metrics.RunningJobs,
		FailedJobs:  metrics.FailedJobs,
		CheckedAt:   now,
	}

	if metrics.QueueLength > healthQueueBacklog {
		status.Warnings = append(status.Warnings,
			fmt.Sprintf("queue backlog at %d jobs", metrics.QueueLength))
	}
	if metrics.FailedJobs > healthFailedJobs {
		status.Warnings = append(status.Warnings,
			fmt.Sprintf("%d failed jobs accumulated", metrics.FailedJobs))
	}
	finished := metrics.CompletedJobs + metrics.FailedJobs
	if finished > 0 && metrics.SuccessRate < healthMinSuccessRate {
		status.Warnings = append(status.Warnings,
			fmt.Sprintf("success rate at %.1f%%", metrics.SuccessRate))
	}

	if m.store != nil {
		cutoff := now.Add(-m.stuckAfter)
		stuck, err := m.store.Count(queue.Filter{
			Statuses:      []queue.JobStatus{queue.StatusRunning},
			StartedBefore: &cutoff,
		})
		if err != nil {
			m.log.Errorw("Failed to count stuck jobs for health check", "error", err)
		} else if stuck > 0 {
			status.Errors = append(status.Errors,
				fmt.Sprintf("%d jobs running longer than %s", stuck, m.stuckAfter))
		}

		waiting := []queue.JobStatus{queue.StatusPending, queue.StatusQueued}
		if job, err := m.store.FindFirst(queue.Filter{Statuses: waiting}, queue.OrderCreatedAsc); err != nil {
			m.log.Errorw("Failed to look up oldest pending job", "error", err)
		} else if job != nil {
			created := job.CreatedAt
			status.OldestPendingJob = &created
		}

		done := []queue.JobStatus{queue.StatusCompleted, queue.StatusFailed}
		if job, err := m.store.FindFirst(queue.Filter{Statuses: done}, queue.OrderFinishedDesc); err != nil {
			m.log.Errorw("Failed to look up last processed job", "error", err)
		} else if job != nil && job.FinishedAt != nil {
			finishedAt := *job.FinishedAt
			status.LastProcessedJob = &finishedAt
		}
	}

	if m.pool != nil {
		status.Workers = m.pool.WorkerStatuses()
		for _, w := range status.Workers {
			if !w.Healthy {
				status.Errors = append(status.Errors,
					fmt.Sprintf("worker %s is unhealthy", w.ID))
			}
		}
	}

	status.Healthy = len(status.Errors) == 0
	return status
}
