package workerpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/processor"
	"github.com/teranos/flywheel/queue"
)

// Autoscale thresholds. Scaling is evaluated on job-created events, rate
// limited to one decision per second.
const (
	scaleUpQueueThreshold   = 100
	scaleUpWorkerCeiling    = 10
	scaleDownQueueThreshold = 10
	scaleDownWorkerFloor    = 2
	autoWorkerMaxJobs       = 5
)

const (
	defaultMaxJobsPerWorker        = 5
	defaultHealthCheckInterval     = 30 * time.Second
	defaultGracefulShutdownTimeout = 30 * time.Second
	drainPollInterval              = time.Second
)

// forcedShutdownMessage is recorded on jobs cut off by worker removal,
// including graceful removals whose drain window ran out.
const forcedShutdownMessage = "worker forcefully shut down"

// PoolStats is a snapshot of the whole pool, including queue depth and
// system memory so one call serves dashboards and the CLI.
type PoolStats struct {
	WorkersTotal   int      `json:"workers_total"`
	WorkersHealthy int      `json:"workers_healthy"`
	ActiveJobs     int      `json:"active_jobs"`
	TotalProcessed int      `json:"total_processed"`
	JobsQueued     int      `json:"jobs_queued"`
	JobsRunning    int      `json:"jobs_running"`
	Strategy       Strategy `json:"strategy"`
	Autoscale      bool     `json:"autoscale"`
	MemoryUsedGB   float64  `json:"memory_used_gb"`
	MemoryTotalGB  float64  `json:"memory_total_gb"`
	MemoryPercent  float64  `json:"memory_percent"`
	MemoryWarning  string   `json:"memory_warning,omitempty"`
}

// Manager owns the worker roster and arbitrates claims between workers.
// Every worker's processor pulls through the manager, which peeks the next
// eligible job and hands it over only when the dispatch strategy picks the
// asking worker; the chosen worker collects the job on its own next tick.
type Manager struct {
	queue    *queue.Queue
	registry *processor.Registry
	cfg      *config.Config
	log      *zap.SugaredLogger
	crewLog  *zap.SugaredLogger

	mu          sync.Mutex
	workers     map[string]*Worker
	order       []string // insertion order, drives round-robin and ties
	strategy    Strategy
	rrNext      int
	subscribers []chan Event
	running     bool
	stopped     bool
	queueEvents chan queue.Event

	scaleLimiter *rate.Limiter
	scaleWG      sync.WaitGroup
	healthWG     sync.WaitGroup

	// drainPoll is how often a graceful removal rechecks the drain;
	// tests shorten it.
	drainPoll time.Duration

	timeNow func() time.Time
}

// NewManager creates a pool dispatching jobs from q. The registry is
// shared across all workers: every handler registered with the pool is
// visible to each worker's processor before its dispatch starts. A nil
// logger disables logging.
func NewManager(q *queue.Queue, registry *processor.Registry, cfg *config.Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = processor.NewRegistry()
	}
	log = log.Named("workerpool")

	strategy := Strategy(cfg.Pool.Strategy)
	if !ValidStrategy(strategy) {
		strategy = StrategyLeastLoaded
	}

	return &Manager{
		queue:        q,
		registry:     registry,
		cfg:          cfg,
		log:          log,
		crewLog:      logger.AddCrewSymbol(log),
		workers:      make(map[string]*Worker),
		strategy:     strategy,
		scaleLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		drainPoll:    drainPollInterval,
		timeNow:      time.Now,
	}
}

// Registry returns the shared handler registry.
func (m *Manager) Registry() *processor.Registry {
	return m.registry
}

// RegisterHandler adds a handler visible to every worker.
func (m *Manager) RegisterHandler(h processor.Handler) error {
	return m.registry.Register(h)
}

// Start seeds the configured workers and, when enabled, launches the
// autoscaler. Workers added manually before Start keep running.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "worker pool is stopped")
	}
	if m.running {
		m.mu.Unlock()
		m.log.Warnw("Worker pool already running")
		return nil
	}
	m.running = true
	seed := m.cfg.Pool.Workers
	m.mu.Unlock()

	for i := 1; i <= seed; i++ {
		if _, err := m.AddWorker(WorkerConfig{
			ID:      fmt.Sprintf("worker_%d", i),
			Enabled: true,
		}); err != nil {
			return errors.Wrapf(err, "failed to seed worker %d", i)
		}
	}

	if m.cfg.Pool.Autoscale {
		m.mu.Lock()
		m.queueEvents = m.queue.Subscribe()
		m.scaleWG.Add(1)
		go m.autoscaleLoop()
		m.mu.Unlock()
	}

	if warning := m.checkMemoryPressure(); warning != "" {
		m.log.Warnw("Memory pressure warning", "warning", warning)
	}

	logger.AddSpinUpSymbol(m.log).Infow("Worker pool started",
		logger.FieldCount, seed,
		"strategy", m.strategy,
		"autoscale", m.cfg.Pool.Autoscale)
	return nil
}

// Stop halts scaling, then drains and shuts down every worker in
// parallel. Jobs still running past each worker's grace period are failed
// as cancelled by shutdown. The pool cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.running = false
	events := m.queueEvents
	m.queueEvents = nil
	m.mu.Unlock()

	if events != nil {
		// Closes the channel, which ends the autoscale loop.
		m.queue.Unsubscribe(events)
	}
	m.scaleWG.Wait()

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, id := range m.order {
		workers = append(workers, m.workers[id])
	}
	m.workers = make(map[string]*Worker)
	m.order = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			m.drainWorker(w, true, "cancelled due to system shutdown")
		}(w)
	}
	wg.Wait()
	m.healthWG.Wait()

	logger.AddSpinDownSymbol(m.log).Infow("Worker pool stopped",
		logger.FieldCount, len(workers))
}

// AddWorker validates the config, fills defaults from the pool config,
// and starts the worker's processor. The worker claims jobs through the
// manager's strategy gate from its first tick.
func (m *Manager) AddWorker(cfg WorkerConfig) (*Worker, error) {
	w, err := m.newWorker(cfg, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertWorkerLocked(w); err != nil {
		return nil, err
	}
	return w, nil
}

// newWorker builds a worker and its processor without touching the
// roster.
func (m *Manager) newWorker(cfg WorkerConfig, auto bool) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.NewInvalidRequestError("worker id is required")
	}
	for _, t := range cfg.SupportedJobTypes {
		if !queue.IsValidType(string(t)) {
			return nil, errors.NewInvalidRequestError("unknown job type %q", t)
		}
	}

	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = m.cfg.Pool.MaxJobsPerWorker
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = defaultMaxJobsPerWorker
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = m.cfg.Pool.HealthCheckInterval()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = m.cfg.Pool.GracefulShutdownTimeout()
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaultGracefulShutdownTimeout
	}

	procCfg := m.cfg.Processor
	procCfg.MaxConcurrentJobs = cfg.MaxJobs

	w := &Worker{
		cfg:        cfg,
		auto:       auto,
		healthy:    true,
		enabled:    cfg.Enabled,
		healthStop: make(chan struct{}),
	}
	w.proc = processor.NewWithSource(m.queue, workerSource{m: m, w: w}, m.registry,
		procCfg, m.log.With(logger.FieldWorkerID, cfg.ID))
	return w, nil
}

// insertWorkerLocked adds a built worker to the roster and starts its
// processor and health loop. Requires m.mu held.
func (m *Manager) insertWorkerLocked(w *Worker) error {
	if m.stopped {
		return errors.Wrap(errors.ErrShuttingDown, "worker pool is stopped")
	}
	if _, exists := m.workers[w.cfg.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "worker %s already exists", w.cfg.ID)
	}

	m.workers[w.cfg.ID] = w
	m.order = append(m.order, w.cfg.ID)

	m.healthWG.Add(1)
	go m.healthLoop(w)
	w.proc.StartProcessing(0)

	m.crewLog.Infow("Worker added",
		logger.FieldWorkerID, w.cfg.ID,
		"auto", w.auto,
		"max_jobs", w.cfg.MaxJobs,
		"job_types", w.cfg.SupportedJobTypes,
		"enabled", w.cfg.Enabled)
	m.notifyLocked(EventWorkerAdded, w.cfg.ID, map[string]any{
		"auto":     w.auto,
		"max_jobs": w.cfg.MaxJobs,
	})
	return nil
}

// RemoveWorker detaches a worker from the roster and shuts it down. A
// graceful removal polls until the worker's active jobs drain or its
// grace period elapses; a forceful removal cuts running jobs off
// immediately and fails them.
func (m *Manager) RemoveWorker(id string, graceful bool) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("worker %s", id)
	}
	delete(m.workers, id)
	for i, wid := range m.order {
		if wid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.notifyLocked(EventWorkerRemoved, id, map[string]any{
		"graceful": graceful,
		"auto":     w.auto,
	})
	m.mu.Unlock()

	m.crewLog.Infow("Removing worker",
		logger.FieldWorkerID, id,
		"graceful", graceful,
		"active_jobs", w.proc.Stats().ActiveJobs)
	m.drainWorker(w, graceful, forcedShutdownMessage)
	m.crewLog.Infow("Worker removed", logger.FieldWorkerID, id)
	return nil
}

// drainWorker stops a worker already detached from the roster. With
// graceful set, it waits for active jobs up to the worker's grace period
// before cutting off whatever remains.
func (m *Manager) drainWorker(w *Worker, graceful bool, reason string) {
	w.stopHealthLoop()
	w.SetEnabled(false)
	w.proc.StopProcessing()

	if graceful {
		deadline := time.Now().Add(w.cfg.GracefulShutdownTimeout)
		for w.proc.Stats().ActiveJobs > 0 && time.Now().Before(deadline) {
			time.Sleep(m.drainPoll)
		}
	}
	_ = w.proc.ShutdownWithReason(0, reason)
}

// GetWorker returns the worker with the given id, or ErrNotFound.
func (m *Manager) GetWorker(id string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return nil, errors.NewNotFoundError("worker %s", id)
	}
	return w, nil
}

// ListWorkers returns the roster in insertion order.
func (m *Manager) ListWorkers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Worker, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.workers[id])
	}
	return out
}

// WorkerStatuses returns a status snapshot per worker in insertion order.
func (m *Manager) WorkerStatuses() []WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkerStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.workers[id].Status())
	}
	return out
}

// HealthyWorkerCount returns how many workers currently pass health
// checks.
func (m *Manager) HealthyWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyCountLocked()
}

func (m *Manager) healthyCountLocked() int {
	count := 0
	for _, w := range m.workers {
		if w.isHealthy() {
			count++
		}
	}
	return count
}

// SetStrategy switches the dispatch strategy for subsequent claims.
func (m *Manager) SetStrategy(s Strategy) error {
	if !ValidStrategy(s) {
		return errors.NewInvalidRequestError("unknown strategy %q", s)
	}

	m.mu.Lock()
	m.strategy = s
	m.rrNext = 0
	m.mu.Unlock()

	m.crewLog.Infow("Dispatch strategy changed", "strategy", s)
	return nil
}

// Stats snapshots the pool, the queue depth, and system memory.
func (m *Manager) Stats() PoolStats {
	metrics := m.queue.GetMetrics()

	m.mu.Lock()
	stats := PoolStats{
		WorkersTotal: len(m.workers),
		Strategy:     m.strategy,
		Autoscale:    m.cfg.Pool.Autoscale,
	}
	for _, id := range m.order {
		st := m.workers[id].Status()
		if st.Healthy {
			stats.WorkersHealthy++
		}
		stats.ActiveJobs += st.ActiveJobs
		stats.TotalProcessed += st.TotalProcessed
	}
	m.mu.Unlock()

	stats.JobsQueued = metrics.QueueLength
	stats.JobsRunning = metrics.RunningJobs

	if used, total, percent, err := memorySnapshot(); err == nil {
		stats.MemoryUsedGB = used
		stats.MemoryTotalGB = total
		stats.MemoryPercent = percent
	}
	stats.MemoryWarning = m.checkMemoryPressure()
	return stats
}

// workerSource adapts the manager into a processor.JobSource for one
// worker. The dispatch loop's type filter is ignored; the worker's own
// filter applies.
type workerSource struct {
	m *Manager
	w *Worker
}

func (s workerSource) GetNextJob(types ...queue.JobType) *queue.Job {
	return s.m.claimFor(s.w)
}

// claimFor is the strategy gate. The claim succeeds only when the
// strategy picks the asking worker; otherwise the job stays queued for
// the chosen worker's own next tick.
func (m *Manager) claimFor(w *Worker) *queue.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || !w.isEnabled() {
		return nil
	}
	next := m.queue.PeekNextJob(w.cfg.SupportedJobTypes...)
	if next == nil {
		return nil
	}
	eligible := m.eligibleLocked(next.Type)
	if len(eligible) == 0 {
		return nil
	}
	if m.pickLocked(next.Type, eligible) != w {
		return nil
	}

	job := m.queue.GetNextJob(w.cfg.SupportedJobTypes...)
	if job != nil && m.strategy == StrategyRoundRobin {
		m.rrNext++
	}
	return job
}

// eligibleLocked returns workers able to take a job of the given type:
// enabled, spare capacity, matching filter. Health does not gate
// dispatch; an unhealthy worker that still claims is working again.
// Requires m.mu held.
func (m *Manager) eligibleLocked(jobType queue.JobType) []*Worker {
	var out []*Worker
	for _, id := range m.order {
		w := m.workers[id]
		if !w.isEnabled() || !w.supports(jobType) {
			continue
		}
		if w.proc.Stats().ActiveJobs >= w.cfg.MaxJobs {
			continue
		}
		out = append(out, w)
	}
	return out
}

// healthLoop re-evaluates one worker's health on its interval until the
// worker is removed or the pool stops.
func (m *Manager) healthLoop(w *Worker) {
	defer m.healthWG.Done()

	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.healthStop:
			return
		case <-ticker.C:
			m.checkWorkerHealth(w)
		}
	}
}

// checkWorkerHealth applies the health rules and emits
// worker_health_changed on a transition, in either direction.
func (m *Manager) checkWorkerHealth(w *Worker) {
	now := m.timeNow()
	healthy, reason := w.evaluateHealth(now)
	if !w.setHealthy(healthy) {
		return
	}

	if healthy {
		m.crewLog.Infow("Worker recovered",
			logger.FieldWorkerID, w.cfg.ID,
			logger.FieldHealthy, true)
	} else {
		m.crewLog.Warnw("Worker unhealthy",
			logger.FieldWorkerID, w.cfg.ID,
			logger.FieldHealthy, false,
			"reason", reason)
	}

	m.mu.Lock()
	m.notifyLocked(EventWorkerHealthChanged, w.cfg.ID, map[string]any{
		"healthy": healthy,
		"reason":  reason,
	})
	m.mu.Unlock()
}

// autoscaleLoop watches job-created events and evaluates scaling, at most
// once per second. Exits when the subscription closes.
func (m *Manager) autoscaleLoop() {
	defer m.scaleWG.Done()

	for ev := range m.queueEvents {
		if ev.Type != queue.EventCreated {
			continue
		}
		if !m.scaleLimiter.Allow() {
			continue
		}
		m.evaluateScale()
	}
}

// evaluateScale adds an auto worker when the queue is deep and workers
// are few, and gracefully retires the least-loaded auto worker when the
// queue is shallow. Manual workers are never scaled away.
func (m *Manager) evaluateScale() {
	metrics := m.queue.GetMetrics()

	m.mu.Lock()
	if m.stopped || !m.running {
		m.mu.Unlock()
		return
	}
	healthy := m.healthyCountLocked()

	if metrics.QueueLength > scaleUpQueueThreshold && healthy < scaleUpWorkerCeiling {
		id := fmt.Sprintf("auto_worker_%s", uuid.NewString()[:8])
		w, err := m.newWorker(WorkerConfig{ID: id, MaxJobs: autoWorkerMaxJobs, Enabled: true}, true)
		if err != nil {
			m.mu.Unlock()
			m.log.Errorw("Autoscale could not build worker", "error", err)
			return
		}
		if err := m.insertWorkerLocked(w); err != nil {
			m.mu.Unlock()
			m.log.Errorw("Autoscale could not add worker",
				logger.FieldWorkerID, id,
				"error", err)
			return
		}
		m.notifyLocked(EventScaledUp, id, map[string]any{
			"queue_length":    metrics.QueueLength,
			"healthy_workers": healthy,
		})
		m.mu.Unlock()

		m.crewLog.Infow("Scaled up",
			logger.FieldWorkerID, id,
			logger.FieldQueueLength, metrics.QueueLength,
			"healthy_workers", healthy)
		return
	}

	if metrics.QueueLength < scaleDownQueueThreshold && healthy > scaleDownWorkerFloor {
		victim := m.leastLoadedAutoLocked()
		if victim == nil {
			m.mu.Unlock()
			return
		}
		id := victim.cfg.ID
		m.notifyLocked(EventScaledDown, id, map[string]any{
			"queue_length":    metrics.QueueLength,
			"healthy_workers": healthy,
		})
		m.mu.Unlock()

		m.crewLog.Infow("Scaling down",
			logger.FieldWorkerID, id,
			logger.FieldQueueLength, metrics.QueueLength,
			"healthy_workers", healthy)

		// The drain can take the full grace period; keep it off the
		// event loop so scaling decisions keep flowing.
		m.scaleWG.Add(1)
		go func() {
			defer m.scaleWG.Done()
			if err := m.RemoveWorker(id, true); err != nil {
				m.log.Warnw("Scale-down removal failed",
					logger.FieldWorkerID, id,
					"error", err)
			}
		}()
		return
	}

	m.mu.Unlock()
}

// leastLoadedAutoLocked returns the auto worker with the smallest load
// ratio, or nil when only manual workers remain. Requires m.mu held.
func (m *Manager) leastLoadedAutoLocked() *Worker {
	var autos []*Worker
	for _, id := range m.order {
		if w := m.workers[id]; w.auto {
			autos = append(autos, w)
		}
	}
	if len(autos) == 0 {
		return nil
	}
	return pickLeastLoaded(autos)
}
