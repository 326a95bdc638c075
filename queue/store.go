package queue

import (
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/flywheel/errors"
)

// Store persists job records to SQLite. It is safe for concurrent use; all
// serialization happens in the database driver.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a job store backed by the given database. A nil logger
// disables store logging.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying database handle for callers that share the
// connection (schedule store, CLI inspection).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Filter selects job rows. Zero fields are not applied.
type Filter struct {
	Statuses      []JobStatus
	Type          JobType
	CreatedByID   string
	StartedBefore *time.Time
	Limit         int
}

// OrderBy is a whitelisted ORDER BY clause for job queries.
type OrderBy string

const (
	OrderCreatedAsc   OrderBy = "created_at ASC"
	OrderCreatedDesc  OrderBy = "created_at DESC"
	OrderFinishedDesc OrderBy = "finished_at DESC"
)

// Upsert writes a job record, inserting or replacing by ID. When the job
// references a digest row that no longer exists, the reference is dropped
// with a warning and the write is retried once so a missing digest never
// loses the job itself.
func (s *Store) Upsert(job *Job) error {
	if err := s.upsertOnce(job); err != nil {
		if isForeignKeyViolation(err) && job.DigestID != "" {
			s.log.Warnw("Job references missing digest, persisting without reference",
				"job_id", job.ID,
				"digest_id", job.DigestID)
			job.DigestID = ""
			return s.upsertOnce(job)
		}
		return err
	}
	return nil
}

func (s *Store) upsertOnce(job *Job) error {
	paramsJSON, err := encodeParams(job)
	if err != nil {
		return err
	}

	var errorMsg any
	if job.Error != "" {
		errorMsg = job.Error
	}
	var digestID any
	if job.DigestID != "" {
		digestID = job.DigestID
	}
	var startedAt, finishedAt any
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, status, progress, params_json, error, started_at, finished_at, created_at, created_by_id, digest_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			progress = excluded.progress,
			params_json = excluded.params_json,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			created_by_id = excluded.created_by_id,
			digest_id = excluded.digest_id`,
		job.ID, string(job.Type), string(job.Status), job.Progress, paramsJSON,
		errorMsg, startedAt, finishedAt, job.CreatedAt, job.CreatedByID, digestID)
	if err != nil {
		return errors.Wrapf(err, "failed to persist job %s", job.ID)
	}
	return nil
}

// FindMany returns jobs matching the filter, oldest first.
func (s *Store) FindMany(f Filter) ([]*Job, error) {
	return s.FindManyOrdered(f, OrderCreatedAsc)
}

// FindManyOrdered returns jobs matching the filter under the given order.
func (s *Store) FindManyOrdered(f Filter, order OrderBy) ([]*Job, error) {
	query, args := buildJobQuery(f, order)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	return scanJobRows(rows)
}

// FindFirst returns the first job matching the filter under the given
// order, or nil when no row matches.
func (s *Store) FindFirst(f Filter, order OrderBy) (*Job, error) {
	f.Limit = 1
	query, args := buildJobQuery(f, order)
	job, err := scanJobRow(s.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// Count returns the number of jobs matching the filter.
func (s *Store) Count(f Filter) (int, error) {
	where, args := buildJobWhere(f)
	query := "SELECT COUNT(*) FROM jobs" + where

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return count, nil
}

// GetByID returns a single job record, or ErrNotFound.
func (s *Store) GetByID(id string) (*Job, error) {
	query := "SELECT " + jobSelectColumns + " FROM jobs WHERE id = ?"
	job, err := scanJobRow(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return job, nil
}

// Delete removes a job record. Deleting a missing row is not an error.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	return nil
}

// DeleteFinishedBefore removes terminal job records that finished at or
// before the cutoff. Used by offline cleanup; the live queue deletes
// per-job so memory and disk stay in sync.
func (s *Store) DeleteFinishedBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at <= ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete finished jobs")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted jobs")
	}
	return int(affected), nil
}

// DigestExists reports whether a digest row exists.
func (s *Store) DigestExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM digests WHERE id = ?", id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to look up digest %s", id)
	}
	return true, nil
}

// buildJobQuery assembles a SELECT for the filter and order.
func buildJobQuery(f Filter, order OrderBy) (string, []any) {
	where, args := buildJobWhere(f)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(jobSelectColumns)
	b.WriteString(" FROM jobs")
	b.WriteString(where)
	b.WriteString(" ORDER BY ")
	b.WriteString(string(order))
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return b.String(), args
}

// buildJobWhere assembles the WHERE clause shared by queries and counts.
func buildJobWhere(f Filter) (string, []any) {
	var conditions []string
	var args []any

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, status := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.CreatedByID != "" {
		conditions = append(conditions, "created_by_id = ?")
		args = append(args, f.CreatedByID)
	}
	if f.StartedBefore != nil {
		conditions = append(conditions, "started_at IS NOT NULL AND started_at < ?")
		args = append(args, *f.StartedBefore)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// isForeignKeyViolation detects SQLite foreign key constraint failures.
func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	// go-sqlmock and wrapped drivers surface the message only
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
