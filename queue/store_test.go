package queue

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	flytest "github.com/teranos/flywheel/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(flytest.CreateMigratedTestDB(t), zap.NewNop().Sugar())
}

// TestStoreUpsertRoundTrip verifies persist → load → persist produces an
// equivalent record, envelope fields included.
func TestStoreUpsertRoundTrip(t *testing.T) {
	store := newTestStore(t)

	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	scheduled := created.Add(time.Hour)

	job := &Job{
		ID:           "job-roundtrip",
		Type:         TypeWebhookDelivery,
		Status:       StatusRunning,
		Priority:     PriorityHigh,
		Params:       map[string]any{"url": "https://example.com/hook", "attempts": float64(2)},
		Progress:     40,
		Error:        "previous attempt: connection refused",
		RetryCount:   1,
		MaxRetries:   3,
		ScheduleTime: &scheduled,
		Dependencies: []string{"job-upstream"},
		Tags:         []string{"external", "webhook"},
		Metadata:     map[string]any{"origin": "api"},
		CreatedByID:  "operator-7",
		CreatedAt:    created,
		StartedAt:    &started,
	}

	if err := store.Upsert(job); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	loaded, err := store.GetByID(job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if loaded.Type != job.Type || loaded.Status != job.Status {
		t.Errorf("Type/status mismatch: got %s/%s", loaded.Type, loaded.Status)
	}
	if loaded.Priority != job.Priority {
		t.Errorf("Priority lost in envelope: got %d", loaded.Priority)
	}
	if loaded.RetryCount != 1 || loaded.MaxRetries != 3 {
		t.Errorf("Retry fields lost: got %d/%d", loaded.RetryCount, loaded.MaxRetries)
	}
	if len(loaded.Dependencies) != 1 || loaded.Dependencies[0] != "job-upstream" {
		t.Errorf("Dependencies lost: got %v", loaded.Dependencies)
	}
	if len(loaded.Tags) != 2 {
		t.Errorf("Tags lost: got %v", loaded.Tags)
	}
	if loaded.Metadata["origin"] != "api" {
		t.Errorf("Metadata lost: got %v", loaded.Metadata)
	}
	if loaded.Params["url"] != "https://example.com/hook" {
		t.Errorf("Params lost: got %v", loaded.Params)
	}
	if loaded.ScheduleTime == nil || !loaded.ScheduleTime.Equal(scheduled) {
		t.Errorf("ScheduleTime lost: got %v", loaded.ScheduleTime)
	}
	if loaded.StartedAt == nil || !loaded.StartedAt.Equal(started) {
		t.Errorf("StartedAt lost: got %v", loaded.StartedAt)
	}
	if loaded.Error != job.Error {
		t.Errorf("Error lost: got %q", loaded.Error)
	}

	// Upsert again with new state; the row converges, no duplicate.
	finished := started.Add(time.Minute)
	job.Status = StatusCompleted
	job.Progress = 100
	job.Error = ""
	job.FinishedAt = &finished
	if err := store.Upsert(job); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	count, err := store.Count(Filter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row after re-upsert, got %d", count)
	}

	reloaded, err := store.GetByID(job.ID)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.Status != StatusCompleted || reloaded.Progress != 100 {
		t.Errorf("Update not applied: %s progress=%d", reloaded.Status, reloaded.Progress)
	}
	if reloaded.FinishedAt == nil || !reloaded.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt not applied: %v", reloaded.FinishedAt)
	}
}

// TestStoreDigestFallback verifies that a dangling digest reference is
// dropped with a retried insert instead of failing the write.
func TestStoreDigestFallback(t *testing.T) {
	store := newTestStore(t)

	job := &Job{
		ID:          "job-dangling-digest",
		Type:        TypeDigest,
		Status:      StatusQueued,
		MaxRetries:  3,
		CreatedByID: "system",
		CreatedAt:   time.Now().UTC(),
		DigestID:    "digest-that-never-was",
	}

	if err := store.Upsert(job); err != nil {
		t.Fatalf("Upsert should survive a dangling digest reference: %v", err)
	}
	if job.DigestID != "" {
		t.Errorf("Expected digest reference cleared on the job, got %q", job.DigestID)
	}

	loaded, err := store.GetByID(job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if loaded.DigestID != "" {
		t.Errorf("Expected null digest_id in the row, got %q", loaded.DigestID)
	}

	// A valid reference survives intact.
	if _, err := store.db.Exec(
		`INSERT INTO digests (id, title, content, created_by_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		"digest-real", "Evening Digest", "content", "system", time.Now()); err != nil {
		t.Fatalf("Failed to insert digest: %v", err)
	}
	linked := &Job{
		ID: "job-linked", Type: TypeDigest, Status: StatusQueued,
		MaxRetries: 3, CreatedByID: "system", CreatedAt: time.Now().UTC(),
		DigestID: "digest-real",
	}
	if err := store.Upsert(linked); err != nil {
		t.Fatalf("Upsert with valid digest failed: %v", err)
	}
	if linked.DigestID != "digest-real" {
		t.Errorf("Valid digest reference should be kept, got %q", linked.DigestID)
	}

	exists, err := store.DigestExists("digest-real")
	if err != nil || !exists {
		t.Errorf("DigestExists(digest-real) = %v, %v; want true, nil", exists, err)
	}
	exists, err = store.DigestExists("digest-that-never-was")
	if err != nil || exists {
		t.Errorf("DigestExists(missing) = %v, %v; want false, nil", exists, err)
	}
}

// TestStoreFindFilters covers FindMany/FindFirst/Count with status, type,
// and started-before filters.
func TestStoreFindFilters(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	longAgo := base.Add(-2 * time.Hour)
	recently := base.Add(-time.Minute)

	seed := []*Job{
		{ID: "q1", Type: TypeDigest, Status: StatusQueued, MaxRetries: 3, CreatedByID: "system", CreatedAt: base},
		{ID: "q2", Type: TypeBackup, Status: StatusQueued, MaxRetries: 3, CreatedByID: "scheduler:daily", CreatedAt: base.Add(time.Second)},
		{ID: "r1", Type: TypeDigest, Status: StatusRunning, MaxRetries: 3, CreatedByID: "system", CreatedAt: base.Add(2 * time.Second), StartedAt: &longAgo},
		{ID: "r2", Type: TypeDigest, Status: StatusRunning, MaxRetries: 3, CreatedByID: "system", CreatedAt: base.Add(3 * time.Second), StartedAt: &recently},
		{ID: "c1", Type: TypeDigest, Status: StatusCompleted, MaxRetries: 3, CreatedByID: "system", CreatedAt: base.Add(4 * time.Second), StartedAt: &recently, FinishedAt: &base},
	}
	for _, job := range seed {
		if err := store.Upsert(job); err != nil {
			t.Fatalf("Failed to seed %s: %v", job.ID, err)
		}
	}

	queued, err := store.FindMany(Filter{Statuses: []JobStatus{StatusQueued}})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("Expected 2 queued jobs, got %d", len(queued))
	}
	// Oldest first.
	if queued[0].ID != "q1" {
		t.Errorf("Expected q1 first (created_at ASC), got %s", queued[0].ID)
	}

	digests, err := store.FindMany(Filter{Type: TypeDigest, Statuses: []JobStatus{StatusQueued, StatusRunning}})
	if err != nil {
		t.Fatalf("FindMany by type failed: %v", err)
	}
	if len(digests) != 3 {
		t.Errorf("Expected 3 active digest jobs, got %d", len(digests))
	}

	byCreator, err := store.FindMany(Filter{CreatedByID: "scheduler:daily"})
	if err != nil {
		t.Fatalf("FindMany by creator failed: %v", err)
	}
	if len(byCreator) != 1 || byCreator[0].ID != "q2" {
		t.Errorf("Expected only q2 for scheduler:daily, got %d jobs", len(byCreator))
	}

	// Stuck-job shape: running jobs started before a cutoff.
	cutoff := base.Add(-30 * time.Minute)
	stuck, err := store.Count(Filter{Statuses: []JobStatus{StatusRunning}, StartedBefore: &cutoff})
	if err != nil {
		t.Fatalf("Count stuck failed: %v", err)
	}
	if stuck != 1 {
		t.Errorf("Expected 1 stuck running job, got %d", stuck)
	}

	oldest, err := store.FindFirst(Filter{Statuses: []JobStatus{StatusQueued}}, OrderCreatedAsc)
	if err != nil {
		t.Fatalf("FindFirst failed: %v", err)
	}
	if oldest == nil || oldest.ID != "q1" {
		t.Errorf("Expected oldest queued q1, got %+v", oldest)
	}

	latestDone, err := store.FindFirst(Filter{Statuses: []JobStatus{StatusCompleted, StatusFailed}}, OrderFinishedDesc)
	if err != nil {
		t.Fatalf("FindFirst finished failed: %v", err)
	}
	if latestDone == nil || latestDone.ID != "c1" {
		t.Errorf("Expected latest finished c1, got %+v", latestDone)
	}

	none, err := store.FindFirst(Filter{Statuses: []JobStatus{StatusCancelled}}, OrderCreatedAsc)
	if err != nil {
		t.Fatalf("FindFirst empty failed: %v", err)
	}
	if none != nil {
		t.Errorf("Expected nil for no match, got %+v", none)
	}
}

// TestStoreDeleteFinishedBefore covers the offline terminal sweep.
func TestStoreDeleteFinishedBefore(t *testing.T) {
	store := newTestStore(t)

	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	seed := []*Job{
		{ID: "old-done", Type: TypeCleanup, Status: StatusCompleted, MaxRetries: 3, CreatedByID: "system", CreatedAt: old, FinishedAt: &old},
		{ID: "old-failed", Type: TypeCleanup, Status: StatusFailed, MaxRetries: 3, CreatedByID: "system", CreatedAt: old, FinishedAt: &old},
		{ID: "new-done", Type: TypeCleanup, Status: StatusCompleted, MaxRetries: 3, CreatedByID: "system", CreatedAt: now, FinishedAt: &now},
		{ID: "still-queued", Type: TypeCleanup, Status: StatusQueued, MaxRetries: 3, CreatedByID: "system", CreatedAt: old},
	}
	for _, job := range seed {
		if err := store.Upsert(job); err != nil {
			t.Fatalf("Failed to seed %s: %v", job.ID, err)
		}
	}

	removed, err := store.DeleteFinishedBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 old terminal rows removed, got %d", removed)
	}

	remaining, err := store.Count(Filter{})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("Expected 2 rows remaining, got %d", remaining)
	}
	if _, err := store.GetByID("still-queued"); err != nil {
		t.Errorf("Non-terminal row should survive the sweep: %v", err)
	}
}

// --- Sqlmock Tests ---
// Minimal sqlmock tests to verify SQL structure and the error paths a real
// database will not produce on demand.

func TestStoreUpsert_Sqlmock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, zap.NewNop().Sugar())

	job := &Job{
		ID: "job-1", Type: TypeDigest, Status: StatusQueued,
		MaxRetries: 3, CreatedByID: "system", CreatedAt: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(
			job.ID,
			string(job.Type),
			string(job.Status),
			job.Progress,
			sqlmock.AnyArg(), // params_json
			nil,              // error
			nil,              // started_at
			nil,              // finished_at
			job.CreatedAt,
			job.CreatedByID,
			nil, // digest_id
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Upsert(job); err != nil {
		t.Errorf("Upsert failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestStoreUpsertForeignKeyRetry_Sqlmock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, zap.NewNop().Sugar())

	job := &Job{
		ID: "job-fk", Type: TypeDigest, Status: StatusQueued,
		MaxRetries: 3, CreatedByID: "system", CreatedAt: time.Now(),
		DigestID: "gone-digest",
	}

	// First insert trips the constraint; the retry writes digest_id null.
	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey})
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(
			job.ID, string(job.Type), string(job.Status), job.Progress,
			sqlmock.AnyArg(), nil, nil, nil, job.CreatedAt, job.CreatedByID,
			nil, // digest_id dropped
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Upsert(job); err != nil {
		t.Errorf("Upsert should recover from the constraint: %v", err)
	}
	if job.DigestID != "" {
		t.Errorf("Expected digest reference cleared, got %q", job.DigestID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestStoreUpsertError_Sqlmock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, zap.NewNop().Sugar())

	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnError(errDiskFull{})

	job := &Job{
		ID: "job-err", Type: TypeDigest, Status: StatusQueued,
		MaxRetries: 3, CreatedByID: "system", CreatedAt: time.Now(),
	}
	if err := store.Upsert(job); err == nil {
		t.Error("Expected a non-FK store error to surface")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

type errDiskFull struct{}

func (errDiskFull) Error() string { return "disk I/O error" }
