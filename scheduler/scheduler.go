package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
)

// Stats is a snapshot of scheduler activity since construction.
type Stats struct {
	Schedules   int       `json:"schedules"`
	Enabled     int       `json:"enabled"`
	Running     bool      `json:"running"`
	Ticks       int64     `json:"ticks"`
	JobsCreated int64     `json:"jobs_created"`
	Errors      int64     `json:"errors"`
	LastTickAt  time.Time `json:"last_tick_at"`
}

// Scheduler owns the id → definition mapping and the ticker that scans it.
// All definition state lives in memory; the store mirrors interval
// definitions so they come back after a restart.
type Scheduler struct {
	queue    *queue.Queue
	store    *Store // nil disables persistence
	cfg      config.SchedulerConfig
	log      *zap.SugaredLogger
	clockLog *zap.SugaredLogger

	mu          sync.Mutex
	schedules   map[string]*Definition
	subscribers []chan Event
	running     bool
	stopLoop    context.CancelFunc
	ticks       int64
	jobsCreated int64
	tickErrors  int64
	lastTickAt  time.Time

	// interval is resolved from cfg at construction; tests shorten it.
	interval time.Duration

	wg      sync.WaitGroup
	timeNow func() time.Time
}

// New creates a scheduler producing into q. When store is non-nil, persisted
// interval definitions are loaded back with FixedInterval advancement. A nil
// logger disables logging.
func New(q *queue.Queue, store *Store, cfg config.SchedulerConfig, log *zap.SugaredLogger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("scheduler")

	s := &Scheduler{
		queue:     q,
		store:     store,
		cfg:       cfg,
		log:       log,
		clockLog:  logger.AddClockSymbol(log),
		schedules: make(map[string]*Definition),
		interval:  cfg.CheckInterval(),
		timeNow:   time.Now,
	}

	if store != nil {
		defs, err := store.List()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load persisted schedules")
		}
		for _, def := range defs {
			s.schedules[def.ID] = def
		}
		if len(defs) > 0 {
			s.clockLog.Infow("Restored persisted schedules", logger.FieldCount, len(defs))
		}
	}

	return s, nil
}

// AddSchedule validates and registers a definition. A zero NextRun makes
// the schedule due on the next tick; an empty ID gets a generated one. The
// returned Definition is a snapshot.
func (s *Scheduler) AddSchedule(def Definition) (*Definition, error) {
	if def.JobType == "" {
		return nil, errors.NewInvalidRequestError("schedule job type is required")
	}
	if !queue.IsValidType(string(def.JobType)) {
		return nil, errors.NewInvalidRequestError("unknown job type %q", def.JobType)
	}
	if def.Priority < 0 {
		return nil, errors.NewInvalidRequestError("schedule priority must not be negative")
	}
	if def.MaxRetries < 0 {
		return nil, errors.NewInvalidRequestError("schedule max retries must not be negative")
	}
	if def.Cooldown < 0 {
		return nil, errors.NewInvalidRequestError("schedule cooldown must not be negative")
	}
	if def.Advance == nil && def.Interval <= 0 {
		return nil, errors.NewInvalidRequestError("schedule needs a positive interval or an advance function")
	}

	def.customAdvance = def.Advance != nil
	if def.Advance == nil {
		def.Advance = FixedInterval(def.Interval)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	now := s.timeNow()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.NextRun.IsZero() {
		def.NextRun = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[def.ID]; exists {
		return nil, errors.Wrapf(errors.ErrConflict, "schedule %s already exists", def.ID)
	}
	if !def.customAdvance && s.store != nil {
		if err := s.store.Upsert(&def); err != nil {
			return nil, err
		}
	}

	stored := def.Clone()
	s.schedules[def.ID] = stored

	s.clockLog.Infow("Schedule added",
		logger.FieldScheduleID, def.ID,
		"schedule_name", def.Name,
		logger.FieldJobType, def.JobType,
		"interval", def.Interval,
		"enabled", def.Enabled,
		"next_run_at", def.NextRun)
	return stored.Clone(), nil
}

// UpdateSchedule applies a patch to a definition. Interval changes take
// effect from the next firing; NextRun must be patched explicitly to move
// an already-planned run.
func (s *Scheduler) UpdateSchedule(id string, upd Update) (*Definition, error) {
	if upd.Priority != nil && *upd.Priority < 0 {
		return nil, errors.NewInvalidRequestError("schedule priority must not be negative")
	}
	if upd.MaxRetries != nil && *upd.MaxRetries < 0 {
		return nil, errors.NewInvalidRequestError("schedule max retries must not be negative")
	}
	if upd.Interval != nil && *upd.Interval <= 0 {
		return nil, errors.NewInvalidRequestError("schedule interval must be positive")
	}
	if upd.Cooldown != nil && *upd.Cooldown < 0 {
		return nil, errors.NewInvalidRequestError("schedule cooldown must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}

	if upd.Name != nil {
		def.Name = *upd.Name
	}
	if upd.Params != nil {
		def.Params = upd.Params
	}
	if upd.Priority != nil {
		def.Priority = *upd.Priority
	}
	if upd.Enabled != nil {
		def.Enabled = *upd.Enabled
	}
	if upd.MaxRetries != nil {
		def.MaxRetries = *upd.MaxRetries
	}
	if upd.Cooldown != nil {
		def.Cooldown = *upd.Cooldown
	}
	if upd.NextRun != nil {
		def.NextRun = *upd.NextRun
	}
	if upd.Interval != nil {
		def.Interval = *upd.Interval
		if !def.customAdvance {
			def.Advance = FixedInterval(def.Interval)
		}
	}
	if upd.Advance != nil {
		def.Advance = upd.Advance
		if !def.customAdvance && s.store != nil {
			// The persisted row would come back as a fixed-interval
			// schedule and shadow the custom advance after a restart.
			if err := s.store.Delete(id); err != nil {
				s.log.Warnw("Failed to remove persisted schedule",
					logger.FieldScheduleID, id,
					"error", err)
			}
		}
		def.customAdvance = true
	}
	def.UpdatedAt = s.timeNow()

	if !def.customAdvance && s.store != nil {
		if err := s.store.Upsert(def); err != nil {
			return nil, err
		}
	}

	s.clockLog.Infow("Schedule updated",
		logger.FieldScheduleID, id,
		"schedule_name", def.Name,
		"enabled", def.Enabled,
		"next_run_at", def.NextRun)
	return def.Clone(), nil
}

// RemoveSchedule deletes a definition from the scheduler and the store.
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return errors.NewNotFoundError("schedule %s", id)
	}
	delete(s.schedules, id)
	if !def.customAdvance && s.store != nil {
		if err := s.store.Delete(id); err != nil {
			return err
		}
	}

	s.clockLog.Infow("Schedule removed",
		logger.FieldScheduleID, id,
		"schedule_name", def.Name)
	return nil
}

// GetSchedule returns a snapshot of a definition, or ErrNotFound.
func (s *Scheduler) GetSchedule(id string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	return def.Clone(), nil
}

// GetAllSchedules returns snapshots of every definition, ordered by name
// then ID for stable display.
func (s *Scheduler) GetAllSchedules() []*Definition {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]*Definition, 0, len(s.schedules))
	for _, def := range s.schedules {
		defs = append(defs, def.Clone())
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].ID < defs[j].ID
	})
	return defs
}

// TriggerSchedule forces an immediate run regardless of Enabled, cooldown,
// or the planned NextRun, which stays untouched. LastRun is stamped so the
// cooldown window still spaces the next automatic firing.
func (s *Scheduler) TriggerSchedule(id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.schedules[id]
	if !ok {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	return s.runLocked(def, s.timeNow(), true)
}

// Start launches the ticker loop. A scheduler without a configured check
// interval stays dormant; schedules can still be managed and triggered.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Warnw("Scheduler already running")
		return
	}
	if s.interval <= 0 {
		s.log.Warnw("Scheduler check interval not configured, not starting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopLoop = cancel
	s.running = true

	s.wg.Add(1)
	go s.run(ctx, s.interval)

	logger.AddSpinUpSymbol(s.log).Infow("Scheduler started",
		"check_interval", s.interval,
		logger.FieldCount, len(s.schedules))
}

// Stop halts the ticker loop and waits for an in-flight tick to finish.
// Safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopLoop()
	s.mu.Unlock()

	s.wg.Wait()
	logger.AddSpinDownSymbol(s.log).Infow("Scheduler stopped")
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	for _, def := range s.schedules {
		if def.Enabled {
			enabled++
		}
	}
	return Stats{
		Schedules:   len(s.schedules),
		Enabled:     enabled,
		Running:     s.running,
		Ticks:       s.ticks,
		JobsCreated: s.jobsCreated,
		Errors:      s.tickErrors,
		LastTickAt:  s.lastTickAt,
	}
}

// run is the ticker loop.
func (s *Scheduler) run(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.tick(tickTime)
		}
	}
}

// tick fires every due schedule. Due schedules run oldest planned first so
// a backlog drains deterministically.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticks++
	s.lastTickAt = now

	var due []*Definition
	var soonest time.Time
	for _, def := range s.schedules {
		if !def.Enabled {
			continue
		}
		if now.Before(def.NextRun) {
			if soonest.IsZero() || def.NextRun.Before(soonest) {
				soonest = def.NextRun
			}
			continue
		}
		if def.Cooldown > 0 && def.LastRun != nil && now.Sub(*def.LastRun) < def.Cooldown {
			s.log.Debugw("Schedule inside cooldown window, skipping",
				logger.FieldScheduleID, def.ID,
				"cooldown", def.Cooldown,
				"since_last_run", now.Sub(*def.LastRun))
			continue
		}
		due = append(due, def)
	}

	if len(due) == 0 {
		if !soonest.IsZero() {
			s.log.Debugw("No schedules due",
				"next_due_in", soonest.Sub(now).Round(time.Second))
		}
		return
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return due[i].ID < due[j].ID
	})
	for _, def := range due {
		// Failures are counted and logged inside; the tick moves on so
		// one broken schedule cannot starve the rest.
		_, _ = s.runLocked(def, now, false)
	}
}

// runLocked creates the job for a firing and advances the schedule. On
// creation failure lastRun and nextRun stay untouched, so the firing is
// retried on the next tick. Requires s.mu held.
func (s *Scheduler) runLocked(def *Definition, now time.Time, forced bool) (*queue.Job, error) {
	var params map[string]any
	if len(def.Params) > 0 {
		params = make(map[string]any, len(def.Params))
		for k, v := range def.Params {
			params[k] = v
		}
	}

	job, err := s.queue.CreateJob(queue.CreateOptions{
		Type:        def.JobType,
		Priority:    def.Priority,
		Params:      params,
		MaxRetries:  def.MaxRetries,
		CreatedByID: "scheduler:" + def.ID,
	})
	if err != nil {
		s.tickErrors++
		s.clockLog.Errorw("Failed to create job for schedule",
			logger.FieldScheduleID, def.ID,
			"schedule_name", def.Name,
			logger.FieldJobType, def.JobType,
			"error", err)
		s.notifyLocked(EventScheduleError, def, map[string]any{"error": err.Error()})
		return nil, errors.Wrapf(err, "failed to run schedule %s", def.ID)
	}

	s.jobsCreated++
	lastRun := now
	def.LastRun = &lastRun
	if !forced {
		def.NextRun = def.Advance(now)
	}
	def.UpdatedAt = now

	if !def.customAdvance && s.store != nil {
		if err := s.store.MarkExecuted(def.ID, now, def.NextRun); err != nil {
			s.log.Warnw("Failed to persist schedule execution",
				logger.FieldScheduleID, def.ID,
				"error", err)
		}
	}

	s.clockLog.Infow("Schedule produced job",
		logger.FieldScheduleID, def.ID,
		"schedule_name", def.Name,
		logger.FieldJobID, job.ID,
		logger.FieldJobType, def.JobType,
		"forced", forced,
		"next_run_at", def.NextRun)
	s.notifyLocked(EventScheduleTriggered, def, map[string]any{
		"job_id": job.ID,
		"forced": forced,
	})
	return job, nil
}
