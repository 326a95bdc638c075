package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
)

// JobSource supplies claimed jobs to the dispatch loop. *queue.Queue is the
// canonical source; the worker pool manager substitutes itself so it can
// arbitrate claims between workers.
type JobSource interface {
	GetNextJob(types ...queue.JobType) *queue.Job
}

// errorRingSize bounds the recent-error ring kept in Stats.
const errorRingSize = 10

// ErrorRecord is one failed execution in the recent-error ring.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	JobID   string    `json:"job_id"`
	Message string    `json:"message"`
}

// Stats is a point-in-time snapshot of processor activity. Counters are
// attempt-level: a job that fails twice and then succeeds contributes two
// failures and one success.
type Stats struct {
	ActiveJobs     int           `json:"active_jobs"`
	TotalProcessed int           `json:"total_processed"`
	TotalSucceeded int           `json:"total_succeeded"`
	TotalFailed    int           `json:"total_failed"`
	Processing     bool          `json:"processing"`
	LastActivity   time.Time     `json:"last_activity"`
	RecentErrors   []ErrorRecord `json:"recent_errors"`
}

// Processor pulls claimed jobs from its source and drives each through its
// handler under the concurrency ceiling and per-job timeout. The queue owns
// every state transition; the processor decides which transition to ask for.
type Processor struct {
	queue    *queue.Queue
	source   JobSource
	registry *Registry
	cfg      config.ProcessorConfig
	log      *zap.SugaredLogger

	// ctx fires only on Shutdown; every job token derives from it so a
	// forced shutdown cancels all in-flight work at once.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	active         map[string]context.CancelFunc // job id -> cancel token
	loopCancel     context.CancelFunc
	processing     bool
	shuttingDown   bool
	shutdownReason string
	totalProcessed int
	totalSucceeded int
	totalFailed    int
	lastActivity   time.Time
	recentErrors   []ErrorRecord

	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup

	timeNow func() time.Time
}

// New creates a processor that claims jobs directly from the queue.
func New(q *queue.Queue, registry *Registry, cfg config.ProcessorConfig, log *zap.SugaredLogger) *Processor {
	return NewWithSource(q, q, registry, cfg, log)
}

// NewWithSource creates a processor that claims jobs from a custom source
// while still recording state transitions against the queue. The worker
// pool manager uses this to gate claims through its dispatch strategy.
func NewWithSource(q *queue.Queue, source JobSource, registry *Registry, cfg config.ProcessorConfig, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:        q,
		source:       source,
		registry:     registry,
		cfg:          cfg,
		log:          log.Named("processor"),
		ctx:          ctx,
		cancel:       cancel,
		active:       make(map[string]context.CancelFunc),
		lastActivity: time.Now(),
		timeNow:      time.Now,
	}
}

// Registry returns the handler registry backing this processor.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// RegisterHandler adds a handler for its job type.
func (p *Processor) RegisterHandler(h Handler) error {
	return p.registry.Register(h)
}

// UnregisterHandler removes the handler for a job type.
func (p *Processor) UnregisterHandler(jobType queue.JobType) bool {
	return p.registry.Unregister(jobType)
}

// StartProcessing launches the dispatch loop. A non-positive interval falls
// back to the configured dispatch interval; if both are unset the loop is
// not started. Safe to call again after StopProcessing.
func (p *Processor) StartProcessing(interval time.Duration) {
	if interval <= 0 {
		interval = p.cfg.DispatchInterval()
	}
	if interval <= 0 {
		p.log.Warnw("Dispatch loop not started, no poll interval configured")
		return
	}

	p.mu.Lock()
	if p.processing || p.shuttingDown {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(p.ctx)
	p.loopCancel = cancel
	p.processing = true
	p.mu.Unlock()

	p.loopWG.Add(1)
	go p.dispatchLoop(loopCtx, interval)

	logger.AddSpinUpSymbol(p.log).Infow("Processing started",
		"interval", interval,
		"max_concurrent", p.cfg.MaxConcurrentJobs)
}

// StopProcessing halts the dispatch loop. Jobs already executing continue;
// use Shutdown to drain them.
func (p *Processor) StopProcessing() {
	p.mu.Lock()
	cancel := p.loopCancel
	p.loopCancel = nil
	p.processing = false
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.loopWG.Wait()
	p.log.Infow("Processing stopped, in-flight jobs continue")
}

func (p *Processor) dispatchLoop(ctx context.Context, interval time.Duration) {
	defer p.loopWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dispatchOnce()
		}
	}
}

// dispatchOnce fills free slots with ready jobs. Jobs whose type has no
// registered handler are failed inside executeJob so they cannot wedge the
// head of the queue.
func (p *Processor) dispatchOnce() {
	p.mu.Lock()
	p.lastActivity = p.timeNow()
	slots := p.cfg.MaxConcurrentJobs - len(p.active)
	draining := p.shuttingDown
	p.mu.Unlock()

	if draining {
		return
	}

	for i := 0; i < slots; i++ {
		job := p.source.GetNextJob()
		if job == nil {
			return
		}
		p.jobWG.Add(1)
		go func(job *queue.Job) {
			defer p.jobWG.Done()
			// The outcome is recorded on the job itself; nothing to do
			// with the error here.
			_ = p.executeJob(job)
		}(job)
	}
}

// ProcessJob executes a single job synchronously, outside the dispatch
// loop, through the same validation, timeout, and retry path. The job must
// already exist in the queue.
func (p *Processor) ProcessJob(job *queue.Job) error {
	if job == nil {
		return errors.NewInvalidRequestError("job is required")
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "processor is draining")
	}
	p.mu.Unlock()

	p.jobWG.Add(1)
	defer p.jobWG.Done()
	return p.executeJob(job)
}

type handlerOutcome struct {
	result Result
	err    error
}

// executeJob drives one job to a terminal state or a scheduled retry.
func (p *Processor) executeJob(job *queue.Job) error {
	jobCtx, cancelToken := context.WithCancel(p.ctx)
	defer cancelToken()

	p.mu.Lock()
	if _, dup := p.active[job.ID]; dup {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrConflict, "job %s is already executing", job.ID)
	}
	p.active[job.ID] = cancelToken
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, job.ID)
		p.mu.Unlock()
	}()

	handler := p.registry.Get(job.Type)
	if handler == nil {
		msg := fmt.Sprintf("no handler registered for job type %s", job.Type)
		p.failPermanently(job, msg)
		return errors.Wrapf(errors.ErrHandlerMissing, "job type %s", job.Type)
	}

	// Dispatched jobs arrive Running from the claim; jobs handed to
	// ProcessJob directly may not. An error here means the job went
	// terminal before execution began.
	if job.Status != queue.StatusRunning {
		running := queue.StatusRunning
		if _, err := p.queue.UpdateJob(job.ID, queue.Update{Status: &running}); err != nil {
			return errors.Wrapf(err, "job %s could not start", job.ID)
		}
	}

	if v, ok := handler.(Validator); ok && !v.Validate(job.Params) {
		p.failPermanently(job, "parameter validation failed")
		return errors.NewInvalidRequestError("parameter validation failed for job %s", job.ID)
	}

	runCtx := jobCtx
	if timeout := p.cfg.JobTimeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(jobCtx, timeout)
		defer cancelTimeout()
	}

	p.log.Debugw("Executing job",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldRetries, job.RetryCount)

	// The handler runs in its own goroutine so a handler that ignores its
	// context cannot hold the slot past the deadline. The buffered channel
	// lets a late return complete without leaking the send.
	outcome := make(chan handlerOutcome, 1)
	go func() {
		result, err := handler.Handle(runCtx, job)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	var result Result
	var handleErr error
	select {
	case out := <-outcome:
		result, handleErr = out.result, out.err
	case <-runCtx.Done():
		handleErr = runCtx.Err()
	}

	switch {
	case handleErr == nil:
		return p.completeJob(job, result)

	case p.ctx.Err() != nil:
		// Forced shutdown fired every token.
		p.mu.Lock()
		reason := p.shutdownReason
		p.mu.Unlock()
		if reason == "" {
			reason = "cancelled due to system shutdown"
		}
		p.failPermanently(job, reason)
		return errors.Wrap(errors.ErrShuttingDown, reason)

	case jobCtx.Err() != nil:
		// The job's own token fired. CancelJob marked the queue before
		// firing; the call here is a no-op unless we raced it.
		p.queue.CancelJob(job.ID)
		p.noteCancelled(job.ID)
		return errors.Newf("job %s cancelled", job.ID)

	default:
		msg := handleErr.Error()
		if errors.Is(handleErr, context.DeadlineExceeded) {
			msg = "job timed out"
		}
		p.handleFailure(job, msg)
		return handleErr
	}
}

// completeJob marks a job Completed, merging handler result data into its
// metadata. Losing the race against a concurrent cancellation is not an
// error; the terminal state stands.
func (p *Processor) completeJob(job *queue.Job, result Result) error {
	completed := queue.StatusCompleted
	upd := queue.Update{Status: &completed}
	if len(result.Data) > 0 {
		upd.Metadata = result.Data
	}

	if _, err := p.queue.UpdateJob(job.ID, upd); err != nil {
		p.log.Debugw("Completion superseded by terminal state",
			logger.FieldJobID, job.ID,
			"error", err)
		p.noteCancelled(job.ID)
		return err
	}

	p.noteSuccess(job.ID)
	p.log.Infow("Job completed",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type)
	return nil
}

// handleFailure applies the retry policy: mark Failed, then re-schedule
// through the queue while the retry budget lasts.
func (p *Processor) handleFailure(job *queue.Job, msg string) {
	failed := queue.StatusFailed
	updated, err := p.queue.UpdateJob(job.ID, queue.Update{Status: &failed, Error: &msg})
	if err != nil {
		// Cancelled while failing; the terminal state stands.
		p.log.Debugw("Failure superseded by terminal state",
			logger.FieldJobID, job.ID,
			"error", err)
		p.noteCancelled(job.ID)
		return
	}
	p.noteFailure(job.ID, msg)

	if updated.RetryCount < updated.MaxRetries {
		if p.queue.RetryJob(job.ID) {
			return
		}
	}

	p.log.Warnw("Job failed terminally",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldRetries, updated.RetryCount,
		"error", msg)
}

// failPermanently marks a job Failed with no retry to follow, whatever its
// retry budget says.
func (p *Processor) failPermanently(job *queue.Job, msg string) {
	failed := queue.StatusFailed
	if _, err := p.queue.UpdateJob(job.ID, queue.Update{
		Status:   &failed,
		Error:    &msg,
		Metadata: map[string]any{"permanent_failure": true},
	}); err != nil {
		p.log.Debugw("Permanent failure superseded by terminal state",
			logger.FieldJobID, job.ID,
			"error", err)
		p.noteCancelled(job.ID)
		return
	}
	p.noteFailure(job.ID, msg)
	p.log.Warnw("Job failed permanently",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		"error", msg)
}

// CancelJob cancels a job wherever it is, still queued or mid-execution.
// The queue is marked first so a waking handler finds the terminal state,
// then the job's token is fired. Reports whether anything was cancelled.
func (p *Processor) CancelJob(id string) bool {
	marked := p.queue.CancelJob(id)

	p.mu.Lock()
	token, running := p.active[id]
	p.mu.Unlock()
	if running {
		token()
	}
	return marked || running
}

// Shutdown stops dispatch and waits up to timeout for active jobs to
// drain. Past the deadline, every outstanding token fires and the affected
// jobs are failed as cancelled by shutdown. A non-positive timeout uses the
// configured grace period.
func (p *Processor) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.ShutdownTimeout()
	}
	return p.ShutdownWithReason(timeout, "cancelled due to system shutdown")
}

// ShutdownWithReason is Shutdown with a custom failure message for jobs cut
// off at the deadline. A zero timeout skips the grace period entirely; the
// pool manager uses this for forceful worker removal.
func (p *Processor) ShutdownWithReason(timeout time.Duration, reason string) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	p.shutdownReason = reason
	loopCancel := p.loopCancel
	p.loopCancel = nil
	p.processing = false
	active := len(p.active)
	p.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
		p.loopWG.Wait()
	}

	done := make(chan struct{})
	go func() {
		p.jobWG.Wait()
		close(done)
	}()

	if timeout <= 0 {
		p.cancel()
		<-done
		logger.AddSpinDownSymbol(p.log).Infow("Processor stopped forcefully",
			logger.FieldCount, active)
		return nil
	}

	logger.AddSpinDownSymbol(p.log).Infow("Processor draining",
		"active_jobs", active,
		"timeout", timeout)

	select {
	case <-done:
		p.cancel()
		logger.AddSpinDownSymbol(p.log).Infow("Processor drained cleanly")
		return nil
	case <-time.After(timeout):
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()

		p.log.Warnw("Shutdown deadline reached, cancelling active jobs",
			logger.FieldCount, remaining)
		p.cancel()
		<-done
		return errors.Wrapf(errors.ErrTimeout, "shutdown cut off %d active jobs after %s", remaining, timeout)
	}
}

// Stats returns a snapshot of processor activity.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	recent := make([]ErrorRecord, len(p.recentErrors))
	copy(recent, p.recentErrors)
	return Stats{
		ActiveJobs:     len(p.active),
		TotalProcessed: p.totalProcessed,
		TotalSucceeded: p.totalSucceeded,
		TotalFailed:    p.totalFailed,
		Processing:     p.processing,
		LastActivity:   p.lastActivity,
		RecentErrors:   recent,
	}
}

func (p *Processor) noteSuccess(id string) {
	p.mu.Lock()
	p.totalProcessed++
	p.totalSucceeded++
	p.lastActivity = p.timeNow()
	p.mu.Unlock()
}

func (p *Processor) noteFailure(id, msg string) {
	p.mu.Lock()
	p.totalProcessed++
	p.totalFailed++
	p.lastActivity = p.timeNow()
	p.recentErrors = append(p.recentErrors, ErrorRecord{
		Time:    p.lastActivity,
		JobID:   id,
		Message: msg,
	})
	if len(p.recentErrors) > errorRingSize {
		p.recentErrors = p.recentErrors[len(p.recentErrors)-errorRingSize:]
	}
	p.mu.Unlock()
}

// noteCancelled counts a cancelled execution: processed, but neither
// succeeded nor failed.
func (p *Processor) noteCancelled(id string) {
	p.mu.Lock()
	p.totalProcessed++
	p.lastActivity = p.timeNow()
	p.mu.Unlock()
}
