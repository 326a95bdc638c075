package queue

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/db"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
)

const defaultEventBuffer = 100

// Queue is the central job registry. Live jobs are indexed in memory and
// partitioned into status buckets; every mutation is mirrored to SQLite,
// write-through where the caller may block and via the background flusher
// on the dispatch path.
//
// Lock order: q.mu before q.dirtyMu. Store I/O never happens under q.mu.
type Queue struct {
	store *Store
	cfg   config.QueueConfig
	log   *zap.SugaredLogger

	mu         sync.RWMutex
	jobs       map[string]*Job // all live jobs by ID
	queued     map[string]*Job // eligible for dispatch
	running    map[string]*Job
	completed  map[string]*Job
	failed     map[string]*Job
	scheduled  map[string]*Job // pending and retrying, gated on ScheduleTime
	byPriority []*Job          // queued jobs in dispatch order
	nextSeq    uint64

	subscribers []chan Event

	// dirty tracks jobs whose in-memory state is ahead of the store. The
	// generation number lets a flush clear the flag only when no newer
	// mutation raced the write.
	dirtyMu  sync.Mutex
	dirty    map[string]uint64
	dirtySeq uint64

	// writeMu serializes store upserts so the row always converges to the
	// latest in-memory state.
	writeMu sync.Mutex

	flushCancel context.CancelFunc
	flushWG     sync.WaitGroup

	timeNow func() time.Time
}

// QueryFilter selects jobs from the in-memory index. Zero fields match
// everything.
type QueryFilter struct {
	Status      JobStatus
	Type        JobType
	Tag         string
	CreatedByID string
	Limit       int
}

// NewQueue creates a queue backed by the store and recovers persisted
// non-terminal jobs: interrupted Running jobs are demoted to Queued so
// they run again, schedule-gated jobs whose time has passed are promoted.
func NewQueue(store *Store, cfg config.QueueConfig, log *zap.SugaredLogger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	q := &Queue{
		store:     store,
		cfg:       cfg,
		log:       log.Named("queue"),
		jobs:      make(map[string]*Job),
		queued:    make(map[string]*Job),
		running:   make(map[string]*Job),
		completed: make(map[string]*Job),
		failed:    make(map[string]*Job),
		scheduled: make(map[string]*Job),
		dirty:     make(map[string]uint64),
		timeNow:   time.Now,
	}

	if err := q.recoverPersisted(); err != nil {
		return nil, err
	}

	if interval := cfg.PersistenceInterval(); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		q.flushCancel = cancel
		q.flushWG.Add(1)
		go q.flushLoop(ctx, interval)
	}

	return q, nil
}

// recoverPersisted loads non-terminal jobs from the store into memory.
func (q *Queue) recoverPersisted() error {
	jobs, err := q.store.FindMany(Filter{
		Statuses: []JobStatus{StatusPending, StatusQueued, StatusRunning, StatusRetrying},
	})
	if err != nil {
		return errors.Wrap(err, "failed to recover persisted jobs")
	}
	if len(jobs) == 0 {
		return nil
	}

	now := q.timeNow()
	demoted := 0

	q.mu.Lock()
	for _, job := range jobs {
		job.seq = q.nextSeq
		q.nextSeq++

		switch job.Status {
		case StatusRunning:
			// The previous process died mid-flight; run it again.
			job.Status = StatusQueued
			job.StartedAt = nil
			job.Progress = 0
			job.UpdatedAt = now
			demoted++
			q.markDirty(job.ID)
		case StatusPending, StatusRetrying:
			if job.ScheduleTime == nil || !job.ScheduleTime.After(now) {
				job.Status = StatusQueued
				job.UpdatedAt = now
				q.markDirty(job.ID)
			}
		}

		q.jobs[job.ID] = job
		switch job.Status {
		case StatusQueued:
			q.queued[job.ID] = job
			q.insertQueuedLocked(job)
		case StatusPending, StatusRetrying:
			q.scheduled[job.ID] = job
		}
	}
	q.mu.Unlock()

	logger.AddWheelSymbol(q.log).Infow("Recovered persisted jobs",
		logger.FieldCount, len(jobs),
		"demoted_running", demoted)
	return nil
}

// CreateJob validates, registers, and persists a new job. The returned Job
// is a snapshot; further changes are visible through GetJob and events.
func (q *Queue) CreateJob(opts CreateOptions) (*Job, error) {
	if opts.Type == "" {
		return nil, errors.NewInvalidRequestError("job type is required")
	}
	if !IsValidType(string(opts.Type)) {
		return nil, errors.NewInvalidRequestError("unknown job type %q", opts.Type)
	}
	if opts.Priority < 0 {
		return nil, errors.NewInvalidRequestError("job priority must not be negative")
	}

	// Digest references are checked up front so a dangling reference
	// degrades to a warning instead of a failed insert later.
	if opts.DigestID != "" {
		exists, err := q.store.DigestExists(opts.DigestID)
		if err != nil {
			q.log.Warnw("Failed to verify digest reference, keeping it",
				"digest_id", opts.DigestID,
				"error", err)
		} else if !exists {
			q.log.Warnw("Digest does not exist, creating job without reference",
				"digest_id", opts.DigestID)
			opts.DigestID = ""
		}
	}

	now := q.timeNow()
	job := newJob(opts, now)

	q.mu.Lock()
	for _, dep := range job.Dependencies {
		if _, ok := q.jobs[dep]; !ok {
			q.mu.Unlock()
			return nil, errors.NewInvalidDependencyError("job depends on unknown job %s", dep)
		}
	}

	job.seq = q.nextSeq
	q.nextSeq++

	if job.ScheduleTime != nil && job.ScheduleTime.After(now) {
		job.Status = StatusPending
		q.scheduled[job.ID] = job
	} else {
		job.Status = StatusQueued
		q.queued[job.ID] = job
		q.insertQueuedLocked(job)
	}
	q.jobs[job.ID] = job

	snapshot := job.Clone()
	q.notifyLocked(EventCreated, job, nil)
	q.mu.Unlock()

	q.persistJob(job.ID)

	q.log.Debugw("Job created",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldPriority, job.Priority,
		logger.FieldStatus, snapshot.Status)
	return snapshot, nil
}

// GetNextJob atomically claims the highest-priority dispatchable job and
// marks it Running, or returns nil when nothing is eligible. An empty type
// list matches all types. This path never blocks on store I/O; the claim
// is persisted by the background flusher.
func (q *Queue) GetNextJob(types ...JobType) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.timeNow()
	q.promoteDueLocked(now)

	job := q.selectNextLocked(types)
	if job == nil {
		return nil
	}

	q.applyStatusLocked(job, StatusRunning, now)
	q.markDirty(job.ID)
	q.notifyLocked(EventStarted, job, nil)
	return job.Clone()
}

// PeekNextJob returns the job GetNextJob would dispatch, without claiming
// it. Due schedule-gated jobs are still promoted so peek and claim agree.
func (q *Queue) PeekNextJob(types ...JobType) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked(q.timeNow())
	job := q.selectNextLocked(types)
	if job == nil {
		return nil
	}
	return job.Clone()
}

// promoteDueLocked moves schedule-gated jobs whose time has arrived into
// the dispatch order. Requires q.mu held.
func (q *Queue) promoteDueLocked(now time.Time) {
	for _, job := range q.scheduled {
		if job.ScheduleTime != nil && job.ScheduleTime.After(now) {
			continue
		}
		q.applyStatusLocked(job, StatusQueued, now)
		q.markDirty(job.ID)
	}
}

// selectNextLocked scans the dispatch order for the first job matching the
// type filter whose dependencies are all resolved. Requires q.mu held.
func (q *Queue) selectNextLocked(types []JobType) *Job {
	for _, job := range q.byPriority {
		if len(types) > 0 && !typeIn(types, job.Type) {
			continue
		}
		if !q.dependenciesMetLocked(job) {
			continue
		}
		return job
	}
	return nil
}

// dependenciesMetLocked reports whether every dependency has completed. A
// dependency that is no longer tracked was cleaned up after finishing and
// counts as resolved; a tracked dependency blocks until it is Completed.
func (q *Queue) dependenciesMetLocked(job *Job) bool {
	for _, dep := range job.Dependencies {
		if _, done := q.completed[dep]; done {
			continue
		}
		if _, present := q.jobs[dep]; present {
			return false
		}
	}
	return true
}

// UpdateJob applies a patch to a job and persists the result. Status
// changes move the job between buckets and stamp transition times; the
// corresponding lifecycle event is emitted.
func (q *Queue) UpdateJob(id string, upd Update) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, errors.NewNotFoundError("job %s", id)
	}
	// Terminal states are final. A handler finishing after its job was
	// cancelled must not resurrect it; only RetryJob reopens a Failed job.
	if upd.Status != nil && *upd.Status != job.Status && job.Status.IsTerminal() {
		q.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, job.Status)
	}

	now := q.timeNow()
	var event EventType
	var payload map[string]any

	if upd.Priority != nil && *upd.Priority != job.Priority {
		inQueue := job.Status == StatusQueued
		if inQueue {
			q.removeQueuedLocked(job)
		}
		job.Priority = *upd.Priority
		if inQueue {
			q.insertQueuedLocked(job)
		}
	}
	if upd.Params != nil {
		job.Params = upd.Params
	}
	if upd.Tags != nil {
		job.Tags = upd.Tags
	}
	if upd.Metadata != nil {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			job.Metadata[k] = v
		}
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}

	if upd.Status != nil && *upd.Status != job.Status {
		q.applyStatusLocked(job, *upd.Status, now)
		switch *upd.Status {
		case StatusRunning:
			event = EventStarted
		case StatusCompleted:
			event = EventCompleted
		case StatusFailed:
			event = EventFailed
			// finalFailure means no retry will follow: the budget is spent
			// or the processor flagged the failure permanent.
			payload = map[string]any{
				"error":        job.Error,
				"finalFailure": job.RetryCount >= job.MaxRetries || job.Metadata["permanent_failure"] == true,
			}
		case StatusCancelled:
			event = EventCancelled
		case StatusRetrying:
			event = EventRetrying
		}
	}

	if upd.Progress != nil {
		p := clampProgress(*upd.Progress)
		if p != job.Progress {
			job.Progress = p
			if event == "" {
				event = EventProgressUpdated
				payload = map[string]any{"progress": p}
			}
		}
	}

	job.UpdatedAt = now
	snapshot := job.Clone()
	if event != "" {
		q.notifyLocked(event, job, payload)
	}
	q.mu.Unlock()

	q.persistJob(id)
	return snapshot, nil
}

// GetJob returns a snapshot of a job, or ErrNotFound.
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job.Clone(), nil
}

// QueryJobs returns snapshots of jobs matching the filter, newest first.
func (q *Queue) QueryJobs(f QueryFilter) []*Job {
	q.mu.RLock()
	var matched []*Job
	for _, job := range q.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.CreatedByID != "" && job.CreatedByID != f.CreatedByID {
			continue
		}
		if f.Tag != "" && !tagIn(job.Tags, f.Tag) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// CancelJob cancels a job in any non-terminal state. Returns false when
// the job is unknown or already terminal. Cancelling a Running job marks
// the queue state; interrupting the handler is the processor's side.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}

	q.applyStatusLocked(job, StatusCancelled, q.timeNow())
	if job.Error == "" {
		job.Error = "job cancelled"
	}
	q.notifyLocked(EventCancelled, job, nil)
	q.mu.Unlock()

	q.persistJob(id)
	q.log.Infow("Job cancelled", logger.FieldJobID, id)
	return true
}

// RetryJob re-schedules a Failed (or already Retrying) job with
// exponential backoff, consuming one retry. Returns false when the job is
// unknown, not retryable, or its retry budget is exhausted.
func (q *Queue) RetryJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if job.Status != StatusFailed && job.Status != StatusRetrying {
		q.mu.Unlock()
		return false
	}
	if job.RetryCount >= job.MaxRetries {
		q.mu.Unlock()
		return false
	}

	now := q.timeNow()
	delay := q.retryDelay(job.RetryCount)
	job.RetryCount++
	next := now.Add(delay)
	job.ScheduleTime = &next
	job.Error = ""

	q.applyStatusLocked(job, StatusRetrying, now)
	q.notifyLocked(EventRetrying, job, map[string]any{
		"delay_ms":     delay.Milliseconds(),
		"next_attempt": next,
		"retry_count":  job.RetryCount,
	})
	q.mu.Unlock()

	q.persistJob(id)
	q.log.Infow("Job scheduled for retry",
		logger.FieldJobID, id,
		logger.FieldRetries, job.RetryCount,
		"delay", delay)
	return true
}

// retryDelay computes the backoff before attempt retryCount+1, capped at
// the configured maximum.
func (q *Queue) retryDelay(retryCount int) time.Duration {
	base := q.cfg.RetryDelay()
	if base <= 0 {
		base = time.Second
	}
	factor := q.cfg.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(base) * math.Pow(factor, float64(retryCount))
	if max := q.cfg.MaxRetryDelay(); max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Cleanup removes terminal jobs that finished at or before now-olderThan
// from memory and the store, returning the number removed. A zero
// duration sweeps every terminal job.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	cutoff := q.timeNow().Add(-olderThan)

	q.mu.Lock()
	var removed []string
	for id, job := range q.jobs {
		if !job.Status.IsTerminal() || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.After(cutoff) {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		delete(q.jobs, id)
		delete(q.completed, id)
		delete(q.failed, id)
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.dirtyMu.Lock()
		delete(q.dirty, id)
		q.dirtyMu.Unlock()

		if err := q.store.Delete(id); err != nil {
			q.log.Warnw("Failed to delete job during cleanup",
				logger.FieldJobID, id,
				"error", err)
		}
	}

	if len(removed) > 0 {
		q.log.Infow("Cleaned up terminal jobs",
			logger.FieldCount, len(removed),
			"older_than", olderThan)
	}
	return len(removed)
}

// Shutdown stops the persistence flusher and writes out any state the
// store has not seen yet. The queue must not be used afterwards.
func (q *Queue) Shutdown() {
	if q.flushCancel != nil {
		q.flushCancel()
		q.flushWG.Wait()
	}
	q.flushDirty()
	logger.AddSpinDownSymbol(q.log).Infow("Job queue shut down")
}

// applyStatusLocked moves a job between buckets and stamps transition
// times. Requires q.mu held; does not emit events or persist.
func (q *Queue) applyStatusLocked(job *Job, status JobStatus, now time.Time) {
	if job.Status == status {
		return
	}

	switch job.Status {
	case StatusQueued:
		delete(q.queued, job.ID)
		q.removeQueuedLocked(job)
	case StatusRunning:
		delete(q.running, job.ID)
	case StatusCompleted:
		delete(q.completed, job.ID)
	case StatusFailed:
		delete(q.failed, job.ID)
	case StatusPending, StatusRetrying:
		delete(q.scheduled, job.ID)
	}

	job.Status = status
	job.UpdatedAt = now

	switch status {
	case StatusQueued:
		job.StartedAt = nil
		q.queued[job.ID] = job
		q.insertQueuedLocked(job)
	case StatusRunning:
		t := now
		job.StartedAt = &t
		job.Progress = 0
		q.running[job.ID] = job
	case StatusCompleted:
		t := now
		job.FinishedAt = &t
		job.Progress = 100
		q.completed[job.ID] = job
	case StatusFailed:
		t := now
		job.FinishedAt = &t
		q.failed[job.ID] = job
	case StatusCancelled:
		t := now
		job.FinishedAt = &t
		// terminal without a bucket; reachable via jobs and QueryJobs
	case StatusPending:
		q.scheduled[job.ID] = job
	case StatusRetrying:
		job.StartedAt = nil
		job.FinishedAt = nil
		q.scheduled[job.ID] = job
	}
}

// insertQueuedLocked places a job into the dispatch order. Requires q.mu.
func (q *Queue) insertQueuedLocked(job *Job) {
	i := sort.Search(len(q.byPriority), func(i int) bool {
		return job.before(q.byPriority[i])
	})
	q.byPriority = append(q.byPriority, nil)
	copy(q.byPriority[i+1:], q.byPriority[i:])
	q.byPriority[i] = job
}

// removeQueuedLocked drops a job from the dispatch order. Requires q.mu.
func (q *Queue) removeQueuedLocked(job *Job) {
	for i, queued := range q.byPriority {
		if queued.ID == job.ID {
			q.byPriority = append(q.byPriority[:i], q.byPriority[i+1:]...)
			return
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func typeIn(types []JobType, t JobType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func tagIn(tags []string, tag string) bool {
	for _, candidate := range tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// markDirty flags a job for the background flusher.
func (q *Queue) markDirty(id string) {
	q.dirtyMu.Lock()
	q.dirtySeq++
	q.dirty[id] = q.dirtySeq
	q.dirtyMu.Unlock()
}

// persistJob writes the current state of a job through to the store.
// Failures leave the job dirty so the flusher retries; a dropped digest
// reference is mirrored back into memory.
func (q *Queue) persistJob(id string) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.dirtyMu.Lock()
	gen := q.dirty[id]
	q.dirtyMu.Unlock()

	q.mu.RLock()
	job, ok := q.jobs[id]
	var snapshot *Job
	if ok {
		snapshot = job.Clone()
	}
	q.mu.RUnlock()

	if !ok {
		// Removed from memory (cleanup); nothing left to write.
		q.dirtyMu.Lock()
		delete(q.dirty, id)
		q.dirtyMu.Unlock()
		return
	}

	hadDigest := snapshot.DigestID != ""
	if err := q.store.Upsert(snapshot); err != nil {
		if db.IsDatabaseClosed(err) {
			q.log.Debugw("Skipping job persistence, database closed",
				logger.FieldJobID, id)
		} else {
			q.log.Warnw("Failed to persist job, will retry on next flush",
				logger.FieldJobID, id,
				"error", err)
		}
		q.markDirty(id)
		return
	}

	if hadDigest && snapshot.DigestID == "" {
		// Upsert dropped a dangling digest reference; mirror it in memory.
		q.mu.Lock()
		if live, stillHere := q.jobs[id]; stillHere {
			live.DigestID = ""
		}
		q.mu.Unlock()
	}

	// Clear the dirty flag unless a newer mutation raced this write.
	q.dirtyMu.Lock()
	if cur, dirty := q.dirty[id]; dirty && cur == gen {
		delete(q.dirty, id)
	}
	q.dirtyMu.Unlock()
}

// flushLoop periodically writes dirty jobs to the store.
func (q *Queue) flushLoop(ctx context.Context, interval time.Duration) {
	defer q.flushWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.flushDirty()
		}
	}
}

// flushDirty persists every job currently flagged dirty.
func (q *Queue) flushDirty() {
	q.dirtyMu.Lock()
	ids := make([]string, 0, len(q.dirty))
	for id := range q.dirty {
		ids = append(ids, id)
	}
	q.dirtyMu.Unlock()

	for _, id := range ids {
		q.persistJob(id)
	}
	if len(ids) > 0 {
		q.log.Debugw("Flushed dirty jobs", logger.FieldCount, len(ids))
	}
}
