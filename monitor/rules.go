package monitor

import "time"

// Condition selects which metric an alert rule watches.
type Condition string

const (
	// ConditionQueueLength triggers when the dispatchable backlog exceeds
	// the threshold.
	ConditionQueueLength Condition = "queue_length"

	// ConditionFailedRate triggers when the success rate drops below
	// 100 - threshold. A threshold of 10 fires once fewer than 90% of
	// finished jobs completed.
	ConditionFailedRate Condition = "failed_rate"

	// ConditionProcessingTime triggers when the average completed-job
	// duration exceeds the threshold in milliseconds.
	ConditionProcessingTime Condition = "processing_time"

	// ConditionStuckJobs triggers when any job has been running longer
	// than the threshold in minutes.
	ConditionStuckJobs Condition = "stuck_jobs"

	// ConditionWorkerDown triggers when the healthy worker count falls
	// below the threshold.
	ConditionWorkerDown Condition = "worker_down"
)

// IsValidCondition reports whether s names a known condition.
func IsValidCondition(s string) bool {
	switch Condition(s) {
	case ConditionQueueLength, ConditionFailedRate, ConditionProcessingTime,
		ConditionStuckJobs, ConditionWorkerDown:
		return true
	}
	return false
}

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertRule is one condition the alert loop checks. Threshold units depend
// on the condition: jobs for queue_length, percent for failed_rate,
// milliseconds for processing_time, minutes for stuck_jobs, workers for
// worker_down.
type AlertRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Condition Condition `json:"condition"`
	Threshold float64   `json:"threshold"`

	// Duration is how long the condition must hold before triggering.
	// Reserved for sustained-breach evaluation; current evaluation is
	// point-in-time.
	Duration time.Duration `json:"duration"`

	Enabled    bool     `json:"enabled"`
	Recipients []string `json:"recipients,omitempty"`

	// LastTriggered spaces consecutive firings: while the rule is within
	// CooldownMinutes of it, evaluation skips the rule entirely.
	LastTriggered   *time.Time `json:"last_triggered,omitempty"`
	CooldownMinutes int        `json:"cooldown_minutes"`
}

// Cooldown returns the minimum gap between consecutive triggers.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Clone returns a deep copy safe to hand to callers.
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		c.LastTriggered = &t
	}
	if r.Recipients != nil {
		c.Recipients = append([]string(nil), r.Recipients...)
	}
	return &c
}

// RuleUpdate is a patch for UpdateRule. Nil fields are left unchanged.
type RuleUpdate struct {
	Name            *string
	Condition       *Condition
	Threshold       *float64
	Duration        *time.Duration
	Enabled         *bool
	Recipients      []string
	CooldownMinutes *int
}

// ActiveAlert is one triggered rule instance. It stays in the active table
// until an operator resolves it; acknowledging marks it seen without
// removing it.
type ActiveAlert struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	Message        string         `json:"message"`
	Severity       Severity       `json:"severity"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (a *ActiveAlert) Clone() *ActiveAlert {
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// severityFor maps a triggering rule to alert severity. Worker loss and
// stuck jobs always need immediate attention; a failed-rate rule with a
// lax threshold only fires once most work is failing, which is worse than
// a warning.
func severityFor(rule *AlertRule) Severity {
	switch rule.Condition {
	case ConditionWorkerDown, ConditionStuckJobs:
		return SeverityCritical
	case ConditionFailedRate:
		if rule.Threshold > 50 {
			return SeverityError
		}
	}
	return SeverityWarning
}
