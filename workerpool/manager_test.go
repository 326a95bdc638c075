package workerpool

// ============================================================================
// The Voyage of the Argo Test Universe
// ============================================================================
//
// The worker pool is the Argo: a crew of rowers (workers) pulling jobs
// through the strategy gate at the helm. Tiphys the helmsman decides which
// rower takes the next stroke, Lynceus the lookout watches for rowers who
// have gone still or keep catching crabs, and in rough seas the quartermaster
// hires extra oarsmen that are paid off again when the water calms.
//
// Characters:
//   - The Argo: the pool manager
//   - The rowers: workers, each with a bench (processor) and an oar filter
//   - Tiphys: the dispatch strategy at the helm
//   - Lynceus: the health checks, sharpest eyes aboard
//   - Hired oarsmen: auto workers, recruited and retired by queue depth
//
// ============================================================================

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/errors"
	flytest "github.com/teranos/flywheel/internal/testing"
	"github.com/teranos/flywheel/processor"
	"github.com/teranos/flywheel/queue"
)

// crewConfig returns a pool configuration with fast dispatch for runtime
// tests. Strategy tests zero out DispatchIntervalMS so claims only happen
// when the test makes them.
func crewConfig() *config.Config {
	return &config.Config{
		Processor: config.ProcessorConfig{
			MaxConcurrentJobs:      5,
			JobTimeoutSeconds:      300,
			DispatchIntervalMS:     10,
			ShutdownTimeoutSeconds: 5,
		},
		Pool: config.PoolConfig{
			Workers:                        2,
			MaxJobsPerWorker:               5,
			HealthCheckIntervalSeconds:     30,
			GracefulShutdownTimeoutSeconds: 5,
			Strategy:                       "least-loaded",
			Autoscale:                      false,
		},
	}
}

func newHarborQueue(t *testing.T) *queue.Queue {
	t.Helper()

	store := queue.NewStore(flytest.CreateMigratedTestDB(t), zap.NewNop().Sugar())
	q, err := queue.NewQueue(store, config.QueueConfig{
		RetryDelayMS:    1,
		BackoffFactor:   2.0,
		MaxRetryDelayMS: 1000,
		EventBuffer:     100,
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	t.Cleanup(q.Shutdown)
	return q
}

func newArgo(t *testing.T, q *queue.Queue, cfg *config.Config) *Manager {
	t.Helper()

	m := NewManager(q, processor.NewRegistry(), cfg, zap.NewNop().Sugar())
	m.drainPoll = 10 * time.Millisecond
	t.Cleanup(m.Stop)
	return m
}

// setSail marks the pool running without seeding workers, for tests that
// drive scaling decisions directly.
func setSail(m *Manager) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", desc)
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want queue.JobStatus) *queue.Job {
	t.Helper()

	var last *queue.Job
	waitUntil(t, string(want)+" for job "+id, func() bool {
		job, err := q.GetJob(id)
		if err != nil {
			return false
		}
		last = job
		return job.Status == want
	})
	return last
}

// drainPoolEvents empties the subscription buffer.
func drainPoolEvents(events <-chan Event) []Event {
	var got []Event
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			return got
		}
	}
}

func countEvents(got []Event, want EventType) int {
	n := 0
	for _, ev := range got {
		if ev.Type == want {
			n++
		}
	}
	return n
}

// rower is a scripted crew member: it can fail its first N strokes, block
// mid-stroke for choreography, and reports how often it pulled.
type rower struct {
	jobType  queue.JobType
	failures int
	failMsg  string

	block   chan struct{} // when non-nil, Handle waits for close (or ctx)
	started chan string   // when non-nil, receives the job ID at entry

	mu    sync.Mutex
	calls int
}

func (r *rower) Type() queue.JobType { return r.jobType }

func (r *rower) Handle(ctx context.Context, job *queue.Job) (processor.Result, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()

	if r.started != nil {
		r.started <- job.ID
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return processor.Result{}, ctx.Err()
		}
	}
	if call <= r.failures {
		return processor.Result{}, errors.New(r.failMsg)
	}
	return processor.Result{}, nil
}

func (r *rower) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// TestArgoLaunchSeedsCrew tests that Start seeds the configured workers,
// healthy and enabled, with worker_added events for each.
func TestArgoLaunchSeedsCrew(t *testing.T) {
	t.Log("⛵ The Argo slips her moorings with two rowers aboard...")

	q := newHarborQueue(t)
	m := newArgo(t, q, crewConfig())

	events := m.Subscribe()
	t.Cleanup(func() { m.Unsubscribe(events) })

	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	workers := m.ListWorkers()
	if len(workers) != 2 {
		t.Fatalf("Expected 2 seed workers, got %d", len(workers))
	}
	if workers[0].ID() != "worker_1" || workers[1].ID() != "worker_2" {
		t.Errorf("Unexpected seed worker ids: %s, %s", workers[0].ID(), workers[1].ID())
	}

	for _, st := range m.WorkerStatuses() {
		if !st.Healthy || !st.Enabled {
			t.Errorf("Seed worker %s should start healthy and enabled: %+v", st.ID, st)
		}
		if st.MaxJobs != 5 {
			t.Errorf("Seed worker %s should inherit max_jobs_per_worker, got %d", st.ID, st.MaxJobs)
		}
		if st.Auto {
			t.Errorf("Seed worker %s should not be marked auto", st.ID)
		}
	}
	if m.HealthyWorkerCount() != 2 {
		t.Errorf("Expected 2 healthy workers, got %d", m.HealthyWorkerCount())
	}

	if got := countEvents(drainPoolEvents(events), EventWorkerAdded); got != 2 {
		t.Errorf("Expected 2 worker_added events, got %d", got)
	}

	t.Log("✓ Two rowers at their benches, both fit to pull")
}

// TestCrewRowsJobsToCompletion tests the full path: jobs claimed through
// the strategy gate, executed, completed, counted.
func TestCrewRowsJobsToCompletion(t *testing.T) {
	t.Log("🚣 The crew takes the first strokes...")

	q := newHarborQueue(t)
	m := newArgo(t, q, crewConfig())
	m.RegisterHandler(&rower{jobType: queue.TypeDigest})

	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
		if err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		waitForStatus(t, q, id, queue.StatusCompleted)
	}

	waitUntil(t, "the benches to empty", func() bool {
		return m.Stats().ActiveJobs == 0
	})
	stats := m.Stats()
	if stats.TotalProcessed != 6 {
		t.Errorf("Expected 6 processed across the crew, got %d", stats.TotalProcessed)
	}
	if stats.WorkersTotal != 2 || stats.WorkersHealthy != 2 {
		t.Errorf("Expected 2/2 healthy workers, got %d/%d", stats.WorkersHealthy, stats.WorkersTotal)
	}

	t.Log("✓ Six strokes, six jobs ashore")
}

// TestRowersKeepToTheirBenches tests the type filter: a job is only ever
// dispatched to a worker whose filter contains its type, and a job no
// worker supports stays queued.
func TestRowersKeepToTheirBenches(t *testing.T) {
	t.Log("🪑 Port bench rows digests, starboard rows notifications...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)
	m.RegisterHandler(&rower{jobType: queue.TypeDigest})
	m.RegisterHandler(&rower{jobType: queue.TypeNotification})

	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if _, err := m.AddWorker(WorkerConfig{
		ID:                "port",
		SupportedJobTypes: []queue.JobType{queue.TypeDigest},
		Enabled:           true,
	}); err != nil {
		t.Fatalf("Failed to add port worker: %v", err)
	}
	if _, err := m.AddWorker(WorkerConfig{
		ID:                "starboard",
		SupportedJobTypes: []queue.JobType{queue.TypeNotification},
		Enabled:           true,
	}); err != nil {
		t.Fatalf("Failed to add starboard worker: %v", err)
	}

	digest, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	note, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeNotification})
	stray, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeCleanup})

	waitForStatus(t, q, digest.ID, queue.StatusCompleted)
	waitForStatus(t, q, note.ID, queue.StatusCompleted)

	port, _ := m.GetWorker("port")
	starboard, _ := m.GetWorker("starboard")
	if port.Status().TotalProcessed != 1 {
		t.Errorf("Port bench should have rowed exactly its digest, got %d", port.Status().TotalProcessed)
	}
	if starboard.Status().TotalProcessed != 1 {
		t.Errorf("Starboard bench should have rowed exactly its notification, got %d", starboard.Status().TotalProcessed)
	}

	// No bench rows cleanups; the stray stays queued.
	time.Sleep(50 * time.Millisecond)
	strayJob, _ := q.GetJob(stray.ID)
	if strayJob.Status != queue.StatusQueued {
		t.Errorf("Unsupported job should stay queued, got %s", strayJob.Status)
	}

	t.Log("✓ Every rower kept to their own bench; the stray oar never moved")
}

// TestTiphysRoundRobin tests the rotating helm: the cursor advances only
// when a claim lands, so a job waits for its chosen rower.
func TestTiphysRoundRobin(t *testing.T) {
	t.Log("🧭 Tiphys calls strokes in strict rotation...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0 // claims only through the test
	cfg.Pool.Strategy = "round-robin"
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	first, _ := m.AddWorker(WorkerConfig{ID: "first_oar", Enabled: true})
	second, _ := m.AddWorker(WorkerConfig{ID: "second_oar", Enabled: true})

	one, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	two, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})

	claimed := m.claimFor(first)
	if claimed == nil || claimed.ID != one.ID {
		t.Fatalf("First rower should claim the first job, got %+v", claimed)
	}

	// The helm now points at the second rower; the first is refused and
	// the job waits.
	if job := m.claimFor(first); job != nil {
		t.Errorf("First rower claimed out of turn: %s", job.ID)
	}
	claimed = m.claimFor(second)
	if claimed == nil || claimed.ID != two.ID {
		t.Fatalf("Second rower should claim the second job, got %+v", claimed)
	}

	t.Log("✓ Stroke, stroke: the rotation held")
}

// TestTiphysLeastLoaded tests the default strategy: the emptier bench gets
// the stroke, with insertion order breaking ties.
func TestTiphysLeastLoaded(t *testing.T) {
	t.Log("⚖️ Tiphys eyes the benches and picks the freshest back...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	busyOar := &rower{jobType: queue.TypeDigest, block: make(chan struct{}), started: make(chan string, 1)}
	m.RegisterHandler(busyOar)

	busy, _ := m.AddWorker(WorkerConfig{ID: "busy", Enabled: true})
	idle, _ := m.AddWorker(WorkerConfig{ID: "idle", Enabled: true})

	// Occupy the first bench with a stroke that does not finish.
	held, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	claimed := m.queue.GetNextJob()
	if claimed == nil || claimed.ID != held.ID {
		t.Fatalf("Setup claim failed: %+v", claimed)
	}
	go busy.proc.ProcessJob(claimed)
	<-busyOar.started

	next, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})

	if job := m.claimFor(busy); job != nil {
		t.Errorf("Loaded rower should be passed over, claimed %s", job.ID)
	}
	claimed = m.claimFor(idle)
	if claimed == nil || claimed.ID != next.ID {
		t.Fatalf("Idle rower should take the stroke, got %+v", claimed)
	}

	// The held stroke lands; both benches read empty and the tie falls
	// to the earlier bench.
	close(busyOar.block)
	waitUntil(t, "the busy bench to drain", func() bool {
		return busy.Status().ActiveJobs == 0
	})

	tie, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	if job := m.claimFor(idle); job != nil {
		t.Errorf("Tie should fall to the earlier bench, but idle claimed %s", job.ID)
	}
	claimed = m.claimFor(busy)
	if claimed == nil || claimed.ID != tie.ID {
		t.Fatalf("Earlier bench should win the tie, got %+v", claimed)
	}

	t.Log("✓ The freshest back pulled, and ties fell forward")
}

// TestTiphysJobTypeAffinity tests that specialists beat generalists for
// their own job types, while generalists still cover the rest.
func TestTiphysJobTypeAffinity(t *testing.T) {
	t.Log("🎯 The digest specialist claims her own cargo...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	cfg.Pool.Strategy = "job-type-affinity"
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	general, _ := m.AddWorker(WorkerConfig{ID: "general", Enabled: true})
	specialist, _ := m.AddWorker(WorkerConfig{
		ID:                "digest_hand",
		SupportedJobTypes: []queue.JobType{queue.TypeDigest},
		Enabled:           true,
	})

	digest, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})

	if job := m.claimFor(general); job != nil {
		t.Errorf("Generalist should yield the digest to the specialist, claimed %s", job.ID)
	}
	claimed := m.claimFor(specialist)
	if claimed == nil || claimed.ID != digest.ID {
		t.Fatalf("Specialist should claim the digest, got %+v", claimed)
	}

	// Cargo outside the specialist's filter falls to the generalist.
	note, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeNotification})
	claimed = m.claimFor(general)
	if claimed == nil || claimed.ID != note.ID {
		t.Fatalf("Generalist should claim the notification, got %+v", claimed)
	}

	t.Log("✓ Affinity honoured: specialists first, generalists for the rest")
}

// TestLynceusSpotsIdleRower tests the staleness rule: a worker with no
// activity for three health intervals goes unhealthy, and recovers when
// activity resumes.
func TestLynceusSpotsIdleRower(t *testing.T) {
	t.Log("👁 Lynceus watches a rower slump over the oar...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	events := m.Subscribe()
	t.Cleanup(func() { m.Unsubscribe(events) })

	w, err := m.AddWorker(WorkerConfig{ID: "dozer", Enabled: true})
	if err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}
	if !w.Status().Healthy {
		t.Fatal("Fresh worker should start healthy")
	}

	// Two hours pass in a blink. Three 30s intervals is the limit.
	m.timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.checkWorkerHealth(w)

	if w.Status().Healthy {
		t.Error("Worker idle past three intervals should be unhealthy")
	}
	if m.HealthyWorkerCount() != 0 {
		t.Errorf("Expected 0 healthy workers, got %d", m.HealthyWorkerCount())
	}

	got := drainPoolEvents(events)
	if countEvents(got, EventWorkerHealthChanged) != 1 {
		t.Fatalf("Expected one health transition event, got %v", got)
	}
	if got[len(got)-1].Payload["healthy"] != false {
		t.Errorf("Health event should report unhealthy: %v", got[len(got)-1].Payload)
	}

	// The rower stirs: the clock returns to the present, where the
	// processor's last activity is recent again.
	m.timeNow = time.Now
	m.checkWorkerHealth(w)

	if !w.Status().Healthy {
		t.Error("Worker with recent activity should recover")
	}
	got = drainPoolEvents(events)
	if countEvents(got, EventWorkerHealthChanged) != 1 {
		t.Fatalf("Expected a recovery transition event, got %v", got)
	}
	if got[len(got)-1].Payload["healthy"] != true {
		t.Errorf("Recovery event should report healthy: %v", got[len(got)-1].Payload)
	}

	// A repeated check without a transition stays silent.
	m.checkWorkerHealth(w)
	if extra := drainPoolEvents(events); len(extra) != 0 {
		t.Errorf("Steady health should not emit events, got %v", extra)
	}

	t.Log("✓ Lynceus called the slump and the recovery, once each")
}

// TestLynceusSpotsErrorBurst tests the error rule: more than five failed
// strokes inside five minutes flags the rower.
func TestLynceusSpotsErrorBurst(t *testing.T) {
	t.Log("🦀 One rower keeps catching crabs...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)
	m.RegisterHandler(&rower{jobType: queue.TypeCleanup, failures: 100, failMsg: "caught a crab"})

	w, _ := m.AddWorker(WorkerConfig{ID: "crabber", Enabled: true})

	var ids []string
	for i := 0; i < 6; i++ {
		job, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeCleanup, MaxRetries: 0})
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, q, id, queue.StatusFailed)
	}

	m.checkWorkerHealth(w)
	st := w.Status()
	if st.Healthy {
		t.Error("Six errors in five minutes should flag the worker")
	}
	if len(st.RecentErrors) != 6 {
		t.Errorf("Expected 6 entries in the error ring, got %d", len(st.RecentErrors))
	}

	t.Log("✓ Six crabs in one glass: Lynceus flagged the rower")
}

// TestGracefulRemovalDrainsFirst tests that a graceful removal waits for
// the active stroke to finish before stopping the bench.
func TestGracefulRemovalDrainsFirst(t *testing.T) {
	t.Log("🌊 A rower is paid off, but finishes the stroke first...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	oar := &rower{jobType: queue.TypeDigest, block: make(chan struct{}), started: make(chan string, 1)}
	m.RegisterHandler(oar)

	if _, err := m.AddWorker(WorkerConfig{ID: "leaver", Enabled: true}); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	job, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	<-oar.started

	removed := make(chan error, 1)
	go func() { removed <- m.RemoveWorker("leaver", true) }()

	// The removal is draining; the roster no longer lists the worker.
	waitUntil(t, "roster to drop the leaver", func() bool {
		_, err := m.GetWorker("leaver")
		return errors.IsNotFoundError(err)
	})

	close(oar.block)
	if err := <-removed; err != nil {
		t.Fatalf("Graceful removal failed: %v", err)
	}

	done := waitForStatus(t, q, job.ID, queue.StatusCompleted)
	if done.Error != "" {
		t.Errorf("Drained job should complete cleanly, got error %q", done.Error)
	}

	t.Log("✓ The stroke landed before the bench emptied")
}

// TestForcefulRemovalCutsTheStroke tests that a forceful removal fails
// in-flight jobs with the forced-shutdown message.
func TestForcefulRemovalCutsTheStroke(t *testing.T) {
	t.Log("🪓 The bosun cuts a rower loose mid-stroke...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	oar := &rower{jobType: queue.TypeDigest, block: make(chan struct{}), started: make(chan string, 1)}
	m.RegisterHandler(oar)
	t.Cleanup(func() { close(oar.block) })

	if _, err := m.AddWorker(WorkerConfig{ID: "cutloose", Enabled: true}); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	job, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
	<-oar.started

	if err := m.RemoveWorker("cutloose", false); err != nil {
		t.Fatalf("Forceful removal failed: %v", err)
	}

	failed := waitForStatus(t, q, job.ID, queue.StatusFailed)
	if failed.Error != "worker forcefully shut down" {
		t.Errorf("Expected forced-shutdown message, got %q", failed.Error)
	}
	if failed.Metadata["permanent_failure"] != true {
		t.Errorf("Cut-off job should be terminally failed: %v", failed.Metadata)
	}

	if err := m.RemoveWorker("cutloose", false); !errors.IsNotFoundError(err) {
		t.Errorf("Removing a removed worker should be ErrNotFound, got %v", err)
	}

	t.Log("✓ The oar went overboard and the job was marked lost")
}

// TestRoughSeasHireOarsmen tests the scale-up decision directly: deep
// queue plus few workers adds an auto worker, and the ceiling holds.
func TestRoughSeasHireOarsmen(t *testing.T) {
	t.Log("⛈ The water rises past the hundredth wave...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)
	setSail(m)

	events := m.Subscribe()
	t.Cleanup(func() { m.Unsubscribe(events) })

	if _, err := m.AddWorker(WorkerConfig{ID: "veteran", Enabled: true}); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	for i := 0; i < 101; i++ {
		if _, err := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest}); err != nil {
			t.Fatalf("Failed to create job %d: %v", i, err)
		}
	}

	m.evaluateScale()

	workers := m.ListWorkers()
	if len(workers) != 2 {
		t.Fatalf("Expected a hired oarsman, got %d workers", len(workers))
	}
	hired := workers[1]
	if !hired.Auto() {
		t.Error("Hired oarsman should be marked auto")
	}
	if !strings.HasPrefix(hired.ID(), "auto_worker_") {
		t.Errorf("Hired oarsman id should carry the auto prefix, got %s", hired.ID())
	}
	if hired.Config().MaxJobs != 5 {
		t.Errorf("Hired oarsman should take 5 jobs, got %d", hired.Config().MaxJobs)
	}
	if len(hired.Config().SupportedJobTypes) != 0 {
		t.Errorf("Hired oarsman should row every cargo, got %v", hired.Config().SupportedJobTypes)
	}

	got := drainPoolEvents(events)
	if countEvents(got, EventScaledUp) != 1 {
		t.Errorf("Expected one pool_scaled_up event, got %v", got)
	}

	// Fill the roster to the ceiling; the next rough wave hires no one.
	for i := 0; i < 8; i++ {
		if _, err := m.AddWorker(WorkerConfig{ID: "extra_" + string(rune('a'+i)), Enabled: true}); err != nil {
			t.Fatalf("Failed to fill roster: %v", err)
		}
	}
	if m.HealthyWorkerCount() != 10 {
		t.Fatalf("Expected the roster at the ceiling, got %d", m.HealthyWorkerCount())
	}
	m.evaluateScale()
	if got := len(m.ListWorkers()); got != 10 {
		t.Errorf("Ceiling should hold at 10 workers, got %d", got)
	}

	t.Log("✓ One oarsman hired, and the ceiling held at ten")
}

// TestCalmSeasRetireOarsmen tests the scale-down decision: shallow queue
// with spare crew retires the least-loaded auto worker, never a manual
// one.
func TestCalmSeasRetireOarsmen(t *testing.T) {
	t.Log("🌅 The water flattens and the paymaster counts the benches...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)
	setSail(m)

	m.AddWorker(WorkerConfig{ID: "jason", Enabled: true})
	m.AddWorker(WorkerConfig{ID: "orpheus", Enabled: true})

	hired, err := m.newWorker(WorkerConfig{ID: "auto_worker_hired01", MaxJobs: 5, Enabled: true}, true)
	if err != nil {
		t.Fatalf("Failed to build auto worker: %v", err)
	}
	m.mu.Lock()
	if err := m.insertWorkerLocked(hired); err != nil {
		m.mu.Unlock()
		t.Fatalf("Failed to insert auto worker: %v", err)
	}
	m.mu.Unlock()

	m.evaluateScale()

	waitUntil(t, "the hired oarsman to be paid off", func() bool {
		return len(m.ListWorkers()) == 2
	})
	if _, err := m.GetWorker("auto_worker_hired01"); !errors.IsNotFoundError(err) {
		t.Error("The auto worker should be the one retired")
	}
	for _, id := range []string{"jason", "orpheus"} {
		if _, err := m.GetWorker(id); err != nil {
			t.Errorf("Manual worker %s should survive the calm: %v", id, err)
		}
	}

	// With only sworn crew left, calm water retires no one.
	m.AddWorker(WorkerConfig{ID: "heracles", Enabled: true})
	m.evaluateScale()
	time.Sleep(50 * time.Millisecond)
	if got := len(m.ListWorkers()); got != 3 {
		t.Errorf("Manual crew should never be auto-retired, got %d workers", got)
	}

	t.Log("✓ The hired oar went home; the sworn crew stayed")
}

// TestAutoscaleLoopReactsToCreatedEvents tests the wired path: created
// events drive scaling through the rate limiter.
func TestAutoscaleLoopReactsToCreatedEvents(t *testing.T) {
	t.Log("📯 Every new wave sounds the horn at most once a second...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Pool.Autoscale = true
	cfg.Pool.GracefulShutdownTimeoutSeconds = 1
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	oar := &rower{jobType: queue.TypeDigest, block: make(chan struct{})}
	m.RegisterHandler(oar)
	t.Cleanup(func() { close(oar.block) })

	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	for i := 0; i < 110; i++ {
		if _, err := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest}); err != nil {
			t.Fatalf("Failed to create job %d: %v", i, err)
		}
	}

	// The first created event lands before the queue is deep; the
	// limiter then passes one decision per second, so keep events
	// flowing until the pool reacts.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for m.Stats().WorkersTotal == 0 {
		select {
		case <-deadline:
			t.Fatal("Autoscaler never hired a worker")
		case <-tick.C:
			q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
		}
	}

	hired := m.ListWorkers()[0]
	if !hired.Auto() || !strings.HasPrefix(hired.ID(), "auto_worker_") {
		t.Errorf("Expected a hired auto worker, got %s (auto=%v)", hired.ID(), hired.Auto())
	}

	t.Log("✓ The horn sounded and an oarsman came aboard")
}

// TestSetStrategyValidation tests strategy switching and rejection of
// unknown names.
func TestSetStrategyValidation(t *testing.T) {
	t.Log("🧭 Only three helm orders exist...")

	q := newHarborQueue(t)
	m := newArgo(t, q, crewConfig())

	if err := m.SetStrategy("zigzag"); !errors.IsInvalidRequestError(err) {
		t.Errorf("Unknown strategy should be rejected, got %v", err)
	}
	if err := m.SetStrategy(StrategyRoundRobin); err != nil {
		t.Fatalf("Known strategy rejected: %v", err)
	}
	if got := m.Stats().Strategy; got != StrategyRoundRobin {
		t.Errorf("Expected round-robin at the helm, got %s", got)
	}

	t.Log("✓ The helm takes real orders only")
}

// TestAddWorkerValidation tests id and type checks plus config defaults.
func TestAddWorkerValidation(t *testing.T) {
	t.Log("📜 The muster roll takes no blank or double names...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	if _, err := m.AddWorker(WorkerConfig{Enabled: true}); !errors.IsInvalidRequestError(err) {
		t.Errorf("Blank id should be rejected, got %v", err)
	}
	if _, err := m.AddWorker(WorkerConfig{
		ID:                "galley_cook",
		SupportedJobTypes: []queue.JobType{"soup"},
		Enabled:           true,
	}); !errors.IsInvalidRequestError(err) {
		t.Errorf("Unknown job type should be rejected, got %v", err)
	}

	w, err := m.AddWorker(WorkerConfig{ID: "argus", Enabled: true})
	if err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}
	got := w.Config()
	if got.MaxJobs != 5 {
		t.Errorf("MaxJobs should default from pool config, got %d", got.MaxJobs)
	}
	if got.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval should default from pool config, got %s", got.HealthCheckInterval)
	}
	if got.GracefulShutdownTimeout != 5*time.Second {
		t.Errorf("GracefulShutdownTimeout should default from pool config, got %s", got.GracefulShutdownTimeout)
	}

	if _, err := m.AddWorker(WorkerConfig{ID: "argus", Enabled: true}); !errors.Is(err, errors.ErrConflict) {
		t.Errorf("Duplicate id should be ErrConflict, got %v", err)
	}

	t.Log("✓ One Argus on the roll, fully fitted out")
}

// TestDisabledWorkerClaimsNothing tests that disabling a worker stops its
// claims without touching in-flight work.
func TestDisabledWorkerClaimsNothing(t *testing.T) {
	t.Log("🛑 A rower ships the oar and waits...")

	cfg := crewConfig()
	cfg.Pool.Workers = 0
	cfg.Processor.DispatchIntervalMS = 0
	q := newHarborQueue(t)
	m := newArgo(t, q, cfg)

	w, _ := m.AddWorker(WorkerConfig{ID: "resting", Enabled: true})
	q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})

	w.SetEnabled(false)
	if job := m.claimFor(w); job != nil {
		t.Errorf("Disabled worker claimed %s", job.ID)
	}
	w.SetEnabled(true)
	if job := m.claimFor(w); job == nil {
		t.Error("Re-enabled worker should claim again")
	}

	t.Log("✓ Shipped oars pull nothing")
}

// TestArgoStopDrainsCrew tests shutdown: every worker drained and
// removed, the pool refuses new workers, and a second Stop is a no-op.
func TestArgoStopDrainsCrew(t *testing.T) {
	t.Log("⚓ The voyage ends and every oar comes inboard...")

	q := newHarborQueue(t)
	m := newArgo(t, q, crewConfig())
	m.RegisterHandler(&rower{jobType: queue.TypeDigest})

	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	var ids []string
	for i := 0; i < 4; i++ {
		job, _ := q.CreateJob(queue.CreateOptions{Type: queue.TypeDigest})
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, q, id, queue.StatusCompleted)
	}

	m.Stop()

	if got := len(m.ListWorkers()); got != 0 {
		t.Errorf("Expected an empty roster after Stop, got %d", got)
	}
	if _, err := m.AddWorker(WorkerConfig{ID: "latecomer", Enabled: true}); !errors.Is(err, errors.ErrShuttingDown) {
		t.Errorf("AddWorker after Stop should be ErrShuttingDown, got %v", err)
	}

	// Second Stop is harmless.
	m.Stop()

	t.Log("✓ Oars inboard, hatches down, no late boarders")
}
