package queue

import "time"

// Metrics is a point-in-time summary of queue state. Rates cover the jobs
// currently tracked in memory; cleaned-up history does not count.
type Metrics struct {
	TotalJobs     int `json:"total_jobs"`
	PendingJobs   int `json:"pending_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
	RetryingJobs  int `json:"retrying_jobs"`

	// QueueLength is the number of jobs eligible for dispatch.
	QueueLength int `json:"queue_length"`

	// ActiveWorkers is the running-job count as the queue sees it. The
	// monitor overwrites this with the healthy worker count when a pool
	// is attached.
	ActiveWorkers int `json:"active_workers"`

	// SuccessRate is completed/(completed+failed) as a percentage, 0
	// when nothing has finished yet.
	SuccessRate float64 `json:"success_rate"`

	// AverageProcessingTimeMS averages finishedAt-startedAt over
	// completed jobs.
	AverageProcessingTimeMS float64 `json:"average_processing_time_ms"`

	LastUpdated time.Time `json:"last_updated"`
}

// GetMetrics computes a metrics snapshot from the in-memory index.
func (q *Queue) GetMetrics() Metrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending, retrying int
	for _, job := range q.scheduled {
		if job.Status == StatusPending {
			pending++
		} else {
			retrying++
		}
	}

	completed := len(q.completed)
	failed := len(q.failed)
	cancelled := len(q.jobs) - len(q.queued) - len(q.running) -
		completed - failed - len(q.scheduled)

	var totalMS float64
	var timed int
	for _, job := range q.completed {
		if job.StartedAt == nil || job.FinishedAt == nil {
			continue
		}
		totalMS += float64(job.FinishedAt.Sub(*job.StartedAt).Milliseconds())
		timed++
	}
	var avgMS float64
	if timed > 0 {
		avgMS = totalMS / float64(timed)
	}

	var successRate float64
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed) * 100
	}

	return Metrics{
		TotalJobs:               len(q.jobs),
		PendingJobs:             pending,
		QueuedJobs:              len(q.queued),
		RunningJobs:             len(q.running),
		CompletedJobs:           completed,
		FailedJobs:              failed,
		CancelledJobs:           cancelled,
		RetryingJobs:            retrying,
		QueueLength:             len(q.queued),
		ActiveWorkers:           len(q.running),
		SuccessRate:             successRate,
		AverageProcessingTimeMS: avgMS,
		LastUpdated:             q.timeNow(),
	}
}
