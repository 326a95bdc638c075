// Package monitor watches a running queue and worker pool: it keeps a
// bounded history of metrics snapshots, evaluates alert rules against the
// live numbers, and answers operator health checks. The monitor only
// observes; it never mutates queue or pool state.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
	"github.com/teranos/flywheel/workerpool"
)

// defaultHistorySize keeps a day of snapshots at the default one-minute
// collection interval.
const defaultHistorySize = 1440

// MetricsPoint is one timestamped metrics snapshot in the history ring.
type MetricsPoint struct {
	Timestamp time.Time     `json:"timestamp"`
	Metrics   queue.Metrics `json:"metrics"`
}

// Monitor runs two independent tickers: metrics collection and alert
// evaluation. Pool and store may be nil; rules that need the missing
// collaborator report an evaluation error instead of firing.
type Monitor struct {
	queue    *queue.Queue
	pool     *workerpool.Manager
	store    *queue.Store
	log      *zap.SugaredLogger
	watchLog *zap.SugaredLogger

	mu          sync.Mutex
	rules       map[string]*AlertRule
	alerts      map[string]*ActiveAlert
	history     []MetricsPoint
	subscribers []chan Event
	notifier    Notifier
	running     bool
	stopLoop    context.CancelFunc

	// intervals and bounds are resolved from cfg at construction; tests
	// shorten them.
	metricsInterval time.Duration
	alertInterval   time.Duration
	historySize     int
	stuckAfter      time.Duration

	wg      sync.WaitGroup
	timeNow func() time.Time
}

// New creates a monitor observing q. Pool supplies worker health when
// non-nil; store enables stuck-job detection and the health check's oldest
// pending / last processed lookups. A nil logger disables logging.
func New(q *queue.Queue, pool *workerpool.Manager, store *queue.Store, cfg config.MonitorConfig, log *zap.SugaredLogger) *Monitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("monitor")

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	stuckAfter := cfg.StuckAfter()
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}

	m := &Monitor{
		queue:           q,
		pool:            pool,
		store:           store,
		log:             log,
		watchLog:        logger.AddWatchSymbol(log),
		rules:           make(map[string]*AlertRule),
		alerts:          make(map[string]*ActiveAlert),
		metricsInterval: cfg.Interval(),
		alertInterval:   cfg.AlertCheckInterval(),
		historySize:     historySize,
		stuckAfter:      stuckAfter,
		timeNow:         time.Now,
	}
	m.notifier = &logNotifier{log: m.watchLog}
	return m
}

// SetNotifier replaces alert delivery. Notify is called from inside the
// alert loop and should return promptly; pass nil to restore the default
// log notifier.
func (m *Monitor) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n == nil {
		n = &logNotifier{log: m.watchLog}
	}
	m.notifier = n
}

// Start launches the metrics and alert tickers. A loop whose interval is
// not configured stays dormant; rules and alerts can still be managed and
// Health answered.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.log.Warnw("Monitor already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stopLoop = cancel
	m.running = true

	if m.metricsInterval > 0 {
		m.wg.Add(1)
		go m.metricsLoop(ctx, m.metricsInterval)
	} else {
		m.log.Warnw("Metrics interval not configured, collection disabled")
	}
	if m.alertInterval > 0 {
		m.wg.Add(1)
		go m.alertLoop(ctx, m.alertInterval)
	} else {
		m.log.Warnw("Alert check interval not configured, evaluation disabled")
	}

	logger.AddSpinUpSymbol(m.log).Infow("Monitor started",
		"metrics_interval", m.metricsInterval,
		"alert_check_interval", m.alertInterval,
		"history_size", m.historySize)
}

// Stop halts both tickers and waits for in-flight work to finish. Safe to
// call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopLoop()
	m.mu.Unlock()

	m.wg.Wait()
	logger.AddSpinDownSymbol(m.log).Infow("Monitor stopped")
}

func (m *Monitor) metricsLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

func (m *Monitor) alertLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateRules()
		}
	}
}

// snapshot reads queue metrics with ActiveWorkers overwritten by the pool's
// healthy count when a pool is attached.
func (m *Monitor) snapshot() queue.Metrics {
	metrics := m.queue.GetMetrics()
	if m.pool != nil {
		metrics.ActiveWorkers = m.pool.HealthyWorkerCount()
	}
	return metrics
}

// Collect takes one metrics snapshot and appends it to the history ring.
// The ticker calls this every metrics interval; tests call it directly.
func (m *Monitor) Collect() {
	metrics := m.snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, MetricsPoint{
		Timestamp: m.timeNow(),
		Metrics:   metrics,
	})
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}

	m.log.Debugw("Metrics collected",
		logger.FieldQueueLength, metrics.QueueLength,
		"running", metrics.RunningJobs,
		"workers", metrics.ActiveWorkers,
		"success_rate", metrics.SuccessRate)
	m.notifyLocked(EventMetricsCollected, "", map[string]any{
		"queue_length":   metrics.QueueLength,
		"running_jobs":   metrics.RunningJobs,
		"active_workers": metrics.ActiveWorkers,
	})
}

// EvaluateRules checks every enabled rule against the current metrics and
// triggers alerts for breaches outside their cooldown window. One rule's
// evaluation failure never affects the others. The ticker calls this every
// alert check interval; tests call it directly.
func (m *Monitor) EvaluateRules() {
	metrics := m.snapshot()
	now := m.timeNow()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		if rule.LastTriggered != nil && now.Sub(*rule.LastTriggered) < rule.Cooldown() {
			m.log.Debugw("Alert rule inside cooldown window, skipping",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"since_last_trigger", now.Sub(*rule.LastTriggered))
			continue
		}

		value, breached, err := m.evaluateRule(rule, metrics, now)
		if err != nil {
			m.log.Errorw("Alert rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"condition", rule.Condition,
				"error", err)
			continue
		}
		if !breached {
			continue
		}
		m.triggerLocked(rule, value, now)
	}
}

// evaluateRule computes the current value for a rule's condition and
// whether it breaches the threshold.
func (m *Monitor) evaluateRule(rule *AlertRule, metrics queue.Metrics, now time.Time) (float64, bool, error) {
	switch rule.Condition {
	case ConditionQueueLength:
		v := float64(metrics.QueueLength)
		return v, v > rule.Threshold, nil

	case ConditionFailedRate:
		return metrics.SuccessRate, metrics.SuccessRate < 100-rule.Threshold, nil

	case ConditionProcessingTime:
		v := metrics.AverageProcessingTimeMS
		return v, v > rule.Threshold, nil

	case ConditionStuckJobs:
		if m.store == nil {
			return 0, false, errors.New("stuck job detection requires a store")
		}
		cutoff := now.Add(-time.Duration(rule.Threshold) * time.Minute)
		count, err := m.store.Count(queue.Filter{
			Statuses:      []queue.JobStatus{queue.StatusRunning},
			StartedBefore: &cutoff,
		})
		if err != nil {
			return 0, false, errors.Wrap(err, "failed to count stuck jobs")
		}
		return float64(count), count > 0, nil

	case ConditionWorkerDown:
		if m.pool == nil {
			return 0, false, errors.New("worker health requires a pool")
		}
		v := float64(m.pool.HealthyWorkerCount())
		return v, v < rule.Threshold, nil
	}
	return 0, false, errors.Newf("unknown alert condition %q", rule.Condition)
}

// triggerLocked records an active alert for a breached rule, stamps the
// rule's lastTriggered, and fans out one notification per recipient.
// Requires m.mu held.
func (m *Monitor) triggerLocked(rule *AlertRule, value float64, now time.Time) {
	alert := &ActiveAlert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Message:     alertMessage(rule, value),
		Severity:    severityFor(rule),
		TriggeredAt: now,
		Metadata: map[string]any{
			"rule_name": rule.Name,
			"condition": string(rule.Condition),
			"threshold": rule.Threshold,
			"value":     value,
		},
	}
	m.alerts[alert.ID] = alert
	triggered := now
	rule.LastTriggered = &triggered

	m.watchLog.Warnw("Alert triggered",
		logger.FieldAlertID, alert.ID,
		"rule_name", rule.Name,
		"condition", rule.Condition,
		"severity", alert.Severity,
		"message", alert.Message)
	m.notifyLocked(EventAlertTriggered, alert.ID, map[string]any{
		"rule_id":  rule.ID,
		"severity": string(alert.Severity),
		"message":  alert.Message,
	})

	for _, recipient := range rule.Recipients {
		if err := m.notifier.Notify(recipient, alert.Clone()); err != nil {
			m.log.Errorw("Alert notification failed",
				logger.FieldAlertID, alert.ID,
				"recipient", recipient,
				"error", err)
		}
	}
}

func alertMessage(rule *AlertRule, value float64) string {
	switch rule.Condition {
	case ConditionQueueLength:
		return fmt.Sprintf("queue length %.0f exceeds %.0f", value, rule.Threshold)
	case ConditionFailedRate:
		return fmt.Sprintf("success rate %.1f%% dropped below %.1f%%", value, 100-rule.Threshold)
	case ConditionProcessingTime:
		return fmt.Sprintf("average processing time %.0fms exceeds %.0fms", value, rule.Threshold)
	case ConditionStuckJobs:
		return fmt.Sprintf("%.0f jobs running longer than %.0f minutes", value, rule.Threshold)
	case ConditionWorkerDown:
		return fmt.Sprintf("%.0f healthy workers, below minimum %.0f", value, rule.Threshold)
	}
	return fmt.Sprintf("%s breached threshold %.2f (value %.2f)", rule.Condition, rule.Threshold, value)
}

// AddRule validates and registers an alert rule. An empty ID gets a
// generated one. The returned rule is a snapshot.
func (m *Monitor) AddRule(rule AlertRule) (*AlertRule, error) {
	if rule.Name == "" {
		return nil, errors.NewInvalidRequestError("alert rule name is required")
	}
	if !IsValidCondition(string(rule.Condition)) {
		return nil, errors.NewInvalidRequestError("unknown alert condition %q", rule.Condition)
	}
	if rule.CooldownMinutes < 0 {
		return nil, errors.NewInvalidRequestError("alert cooldown must not be negative")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.ID]; exists {
		return nil, errors.Wrapf(errors.ErrConflict, "alert rule %s already exists", rule.ID)
	}

	stored := rule.Clone()
	m.rules[rule.ID] = stored

	m.watchLog.Infow("Alert rule added",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"condition", rule.Condition,
		"threshold", rule.Threshold,
		"enabled", rule.Enabled)
	return stored.Clone(), nil
}

// UpdateRule applies a patch to a rule. Changing the condition or
// threshold does not reset lastTriggered; the cooldown window carries
// over.
func (m *Monitor) UpdateRule(id string, upd RuleUpdate) (*AlertRule, error) {
	if upd.Condition != nil && !IsValidCondition(string(*upd.Condition)) {
		return nil, errors.NewInvalidRequestError("unknown alert condition %q", *upd.Condition)
	}
	if upd.CooldownMinutes != nil && *upd.CooldownMinutes < 0 {
		return nil, errors.NewInvalidRequestError("alert cooldown must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, errors.NewNotFoundError("alert rule %s", id)
	}

	if upd.Name != nil {
		rule.Name = *upd.Name
	}
	if upd.Condition != nil {
		rule.Condition = *upd.Condition
	}
	if upd.Threshold != nil {
		rule.Threshold = *upd.Threshold
	}
	if upd.Duration != nil {
		rule.Duration = *upd.Duration
	}
	if upd.Enabled != nil {
		rule.Enabled = *upd.Enabled
	}
	if upd.Recipients != nil {
		rule.Recipients = append([]string(nil), upd.Recipients...)
	}
	if upd.CooldownMinutes != nil {
		rule.CooldownMinutes = *upd.CooldownMinutes
	}

	m.watchLog.Infow("Alert rule updated",
		"rule_id", id,
		"rule_name", rule.Name,
		"enabled", rule.Enabled)
	return rule.Clone(), nil
}

// RemoveRule deletes a rule. Alerts it already raised stay active until
// resolved.
func (m *Monitor) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return errors.NewNotFoundError("alert rule %s", id)
	}
	delete(m.rules, id)

	m.watchLog.Infow("Alert rule removed",
		"rule_id", id,
		"rule_name", rule.Name)
	return nil
}

// GetRules returns snapshots of every rule, ordered by name then ID for
// stable display.
func (m *Monitor) GetRules() []*AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := make([]*AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule.Clone())
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// ActiveAlerts returns snapshots of unresolved alerts, oldest first.
func (m *Monitor) ActiveAlerts() []*ActiveAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*ActiveAlert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		alerts = append(alerts, alert.Clone())
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts
}

// AcknowledgeAlert marks an active alert as seen by an operator. The alert
// stays active until resolved. Acknowledging twice is a no-op.
func (m *Monitor) AcknowledgeAlert(id, by string) (*ActiveAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, errors.NewNotFoundError("alert %s", id)
	}
	if alert.Acknowledged {
		return alert.Clone(), nil
	}

	now := m.timeNow()
	alert.Acknowledged = true
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now

	m.watchLog.Infow("Alert acknowledged",
		logger.FieldAlertID, id,
		"acknowledged_by", by)
	m.notifyLocked(EventAlertAcknowledged, id, map[string]any{
		"acknowledged_by": by,
	})
	return alert.Clone(), nil
}

// ResolveAlert stamps resolution and removes the alert from the active
// table. The returned snapshot is the alert's final state.
func (m *Monitor) ResolveAlert(id string) (*ActiveAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, errors.NewNotFoundError("alert %s", id)
	}

	now := m.timeNow()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(m.alerts, id)

	m.watchLog.Infow("Alert resolved",
		logger.FieldAlertID, id,
		"rule_id", alert.RuleID)
	m.notifyLocked(EventAlertResolved, id, map[string]any{
		"rule_id": alert.RuleID,
	})
	return alert.Clone(), nil
}

// History returns the most recent metrics points, oldest first. A limit of
// zero or less returns the full retained history.
func (m *Monitor) History(limit int) []MetricsPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]MetricsPoint, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}
