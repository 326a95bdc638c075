package scheduler

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/queue"
)

// Store persists interval schedule definitions to SQLite so they survive
// restarts. Definitions with a custom advance function never reach it.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a schedule store backed by the given database. A nil
// logger disables store logging.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, log: log}
}

const scheduleSelectColumns = `id, name, job_type, params_json, priority, enabled, interval_seconds, cooldown_seconds, max_retries, last_run_at, next_run_at, created_at, updated_at`

// Upsert writes a definition, inserting or replacing by ID.
func (s *Store) Upsert(def *Definition) error {
	var paramsJSON any
	if len(def.Params) > 0 {
		data, err := json.Marshal(def.Params)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal params for schedule %s", def.ID)
		}
		paramsJSON = string(data)
	}
	var lastRun any
	if def.LastRun != nil {
		lastRun = *def.LastRun
	}

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, job_type, params_json, priority, enabled, interval_seconds, cooldown_seconds, max_retries, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			job_type = excluded.job_type,
			params_json = excluded.params_json,
			priority = excluded.priority,
			enabled = excluded.enabled,
			interval_seconds = excluded.interval_seconds,
			cooldown_seconds = excluded.cooldown_seconds,
			max_retries = excluded.max_retries,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		def.ID, def.Name, string(def.JobType), paramsJSON, def.Priority, def.Enabled,
		int64(def.Interval/time.Second), int64(def.Cooldown/time.Second), def.MaxRetries,
		lastRun, def.NextRun, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to persist schedule %s", def.ID)
	}
	return nil
}

// List returns all persisted definitions, oldest first. Loaded definitions
// carry a FixedInterval advance function.
func (s *Store) List() ([]*Definition, error) {
	rows, err := s.db.Query("SELECT " + scheduleSelectColumns + " FROM schedules ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedule rows")
	}
	return defs, nil
}

// GetByID returns a single definition, or ErrNotFound.
func (s *Store) GetByID(id string) (*Definition, error) {
	row := s.db.QueryRow("SELECT "+scheduleSelectColumns+" FROM schedules WHERE id = ?", id)
	def, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("schedule %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load schedule %s", id)
	}
	return def, nil
}

// MarkExecuted records a firing: last run, the recomputed next run, and the
// update stamp.
func (s *Store) MarkExecuted(id string, lastRun, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		lastRun, nextRun, lastRun, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to check update of schedule %s", id)
	}
	if affected == 0 {
		return errors.NewNotFoundError("schedule %s", id)
	}
	return nil
}

// Delete removes a definition. Deleting a missing row is not an error.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSchedule reads one schedules row into a Definition.
func scanSchedule(row scanner) (*Definition, error) {
	def := &Definition{}
	var jobType string
	var paramsJSON sql.NullString
	var intervalSeconds, cooldownSeconds int64
	var lastRun sql.NullTime

	err := row.Scan(
		&def.ID,
		&def.Name,
		&jobType,
		&paramsJSON,
		&def.Priority,
		&def.Enabled,
		&intervalSeconds,
		&cooldownSeconds,
		&def.MaxRetries,
		&lastRun,
		&def.NextRun,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	def.JobType = queue.JobType(jobType)
	def.Interval = time.Duration(intervalSeconds) * time.Second
	def.Cooldown = time.Duration(cooldownSeconds) * time.Second
	if lastRun.Valid {
		t := lastRun.Time
		def.LastRun = &t
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &def.Params); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal params for schedule %s", def.ID)
		}
	}
	def.Advance = FixedInterval(def.Interval)
	return def, nil
}
