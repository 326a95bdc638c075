package scheduler

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/flywheel/errors"
	flytest "github.com/teranos/flywheel/internal/testing"
	"github.com/teranos/flywheel/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(flytest.CreateMigratedTestDB(t), zap.NewNop().Sugar())
}

func ptr[T any](v T) *T {
	return &v
}

func TestScheduleStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	lastRun := created.Add(30 * time.Minute)
	def := &Definition{
		ID:         "sched_roundtrip",
		Name:       "hourly digest",
		JobType:    queue.TypeDigest,
		Params:     map[string]any{"window": "1h", "limit": float64(50)},
		Priority:   3,
		Enabled:    true,
		MaxRetries: 2,
		Interval:   time.Hour,
		Cooldown:   10 * time.Minute,
		LastRun:    &lastRun,
		NextRun:    created.Add(time.Hour),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, store.Upsert(def))

	got, err := store.GetByID(def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.JobType, got.JobType)
	assert.Equal(t, def.Params, got.Params)
	assert.Equal(t, def.Priority, got.Priority)
	assert.True(t, got.Enabled)
	assert.Equal(t, def.MaxRetries, got.MaxRetries)
	assert.Equal(t, time.Hour, got.Interval)
	assert.Equal(t, 10*time.Minute, got.Cooldown)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, lastRun, *got.LastRun, time.Second)
	assert.WithinDuration(t, def.NextRun, got.NextRun, time.Second)

	// Loaded definitions must come back runnable: the advance function is
	// rebuilt from the stored interval.
	require.NotNil(t, got.Advance)
	fired := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, fired.Add(time.Hour), got.Advance(fired))
}

func TestScheduleStoreUpsertReplaces(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	def := &Definition{
		ID:        "sched_replace",
		Name:      "before",
		JobType:   queue.TypeCleanup,
		Interval:  time.Hour,
		NextRun:   now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Upsert(def))

	def.Name = "after"
	def.Interval = 2 * time.Hour
	def.Enabled = true
	require.NoError(t, store.Upsert(def))

	defs, err := store.List()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "after", defs[0].Name)
	assert.Equal(t, 2*time.Hour, defs[0].Interval)
	assert.True(t, defs[0].Enabled)
}

func TestScheduleStoreListOrdersByCreation(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"sched_first", "sched_second", "sched_third"} {
		created := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Upsert(&Definition{
			ID:        id,
			Name:      id,
			JobType:   queue.TypeDigest,
			Interval:  time.Hour,
			NextRun:   created.Add(time.Hour),
			CreatedAt: created,
			UpdatedAt: created,
		}))
	}

	defs, err := store.List()
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "sched_first", defs[0].ID)
	assert.Equal(t, "sched_second", defs[1].ID)
	assert.Equal(t, "sched_third", defs[2].ID)
}

func TestScheduleStoreMarkExecuted(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.Upsert(&Definition{
		ID:        "sched_mark",
		Name:      "mark me",
		JobType:   queue.TypeDigest,
		Interval:  time.Hour,
		NextRun:   now,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	fired := now.Add(5 * time.Minute)
	next := fired.Add(time.Hour)
	require.NoError(t, store.MarkExecuted("sched_mark", fired, next))

	got, err := store.GetByID("sched_mark")
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, fired, *got.LastRun, time.Second)
	assert.WithinDuration(t, next, got.NextRun, time.Second)
	assert.WithinDuration(t, fired, got.UpdatedAt, time.Second)

	err = store.MarkExecuted("sched_ghost", fired, next)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestScheduleStoreDelete(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.Upsert(&Definition{
		ID:        "sched_gone",
		Name:      "short lived",
		JobType:   queue.TypeDigest,
		Interval:  time.Hour,
		NextRun:   now,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, store.Delete("sched_gone"))

	_, err := store.GetByID("sched_gone")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// Deleting a missing row is not an error.
	assert.NoError(t, store.Delete("sched_gone"))
}
