package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/flywheel/errors"
)

// paramsEnvelope is the JSON document stored in the jobs.params_json
// column. The table keeps hot query columns (status, type, timestamps)
// relational and folds the rest of the job record into this envelope.
type paramsEnvelope struct {
	Params       map[string]any `json:"params,omitempty"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ScheduleTime *time.Time     `json:"scheduleTime,omitempty"`
}

// encodeParams marshals the envelope fields of a job.
func encodeParams(job *Job) (string, error) {
	env := paramsEnvelope{
		Params:       job.Params,
		Priority:     job.Priority,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		Dependencies: job.Dependencies,
		Tags:         job.Tags,
		Metadata:     job.Metadata,
		ScheduleTime: job.ScheduleTime,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal params for job %s", job.ID)
	}
	return string(data), nil
}

// jobScanArgs holds the nullable column targets for scanning a job row.
type jobScanArgs struct {
	ParamsJSON sql.NullString
	ErrorMsg   sql.NullString
	DigestID   sql.NullString
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime
}

// jobSelectColumns is the column list every job SELECT uses, in the order
// scanTargets expects.
const jobSelectColumns = `id, type, status, progress, params_json, error, started_at, finished_at, created_at, created_by_id, digest_id`

// scanTargets returns Scan destinations matching jobSelectColumns.
func scanTargets(job *Job, args *jobScanArgs) []any {
	return []any{
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Progress,
		&args.ParamsJSON,
		&args.ErrorMsg,
		&args.StartedAt,
		&args.FinishedAt,
		&job.CreatedAt,
		&job.CreatedByID,
		&args.DigestID,
	}
}

// applyScanArgs copies nullable columns into the job and unpacks the
// params envelope.
func applyScanArgs(job *Job, args *jobScanArgs) error {
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.DigestID.Valid {
		job.DigestID = args.DigestID.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.FinishedAt.Valid {
		t := args.FinishedAt.Time
		job.FinishedAt = &t
	}
	job.UpdatedAt = job.CreatedAt
	if job.FinishedAt != nil {
		job.UpdatedAt = *job.FinishedAt
	} else if job.StartedAt != nil {
		job.UpdatedAt = *job.StartedAt
	}

	if args.ParamsJSON.Valid && args.ParamsJSON.String != "" {
		var env paramsEnvelope
		if err := json.Unmarshal([]byte(args.ParamsJSON.String), &env); err != nil {
			return errors.Wrapf(err, "failed to unmarshal params for job %s", job.ID)
		}
		job.Params = env.Params
		job.Priority = env.Priority
		job.RetryCount = env.RetryCount
		job.MaxRetries = env.MaxRetries
		job.Dependencies = env.Dependencies
		job.Tags = env.Tags
		job.Metadata = env.Metadata
		job.ScheduleTime = env.ScheduleTime
	}
	return nil
}

// scanJobRow scans a single row positioned by the caller.
func scanJobRow(row *sql.Row) (*Job, error) {
	job := &Job{}
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(job, args)...); err != nil {
		return nil, err
	}
	if err := applyScanArgs(job, args); err != nil {
		return nil, err
	}
	return job, nil
}

// scanJobRows drains a result set into jobs.
func scanJobRows(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		args := &jobScanArgs{}
		if err := rows.Scan(scanTargets(job, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		if err := applyScanArgs(job, args); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job rows")
	}
	return jobs, nil
}
