package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job is a derivation discovered by an evaluation. Tries counts the runs
// created for the job so far.
type Job struct {
	ID           int64
	Dist         bool
	Drv          string
	EvaluationID int64
	Name         string
	Out          string
	System       string
	Tries        int64
}

// NewJob is the insertable shape of a job.
type NewJob struct {
	Dist   bool
	Drv    string
	Name   string
	Out    string
	System string
}

const jobColumns = `id, dist, drv, evaluation_id, name, out, system, tries`

func scanJob(scan func(dest ...any) error) (Job, error) {
	var j Job
	err := scan(&j.ID, &j.Dist, &j.Drv, &j.EvaluationID, &j.Name, &j.Out, &j.System, &j.Tries)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// InsertJob inserts one job within an existing transaction.
func InsertJob(ctx context.Context, tx *sql.Tx, evaluationID int64, j NewJob) (Job, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (dist, drv, evaluation_id, name, out, system, tries)
		VALUES (?, ?, ?, ?, ?, ?, 0);`,
		j.Dist, j.Drv, evaluationID, j.Name, j.Out, j.System)
	if err != nil {
		return Job{}, fmt.Errorf("insert job %s.%s: %w", j.System, j.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("job id: %w", err)
	}
	return Job{
		ID:           id,
		Dist:         j.Dist,
		Drv:          j.Drv,
		EvaluationID: evaluationID,
		Name:         j.Name,
		Out:          j.Out,
		System:       j.System,
	}, nil
}

// GetJob looks a job up by evaluation, system and name.
func (s *Store) GetJob(ctx context.Context, evaluationID int64, system, name string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE evaluation_id = ? AND system = ? AND name = ?;`,
		evaluationID, system, name)
	return scanJob(row.Scan)
}

// ListJobs returns all jobs of an evaluation.
func (s *Store) ListJobs(ctx context.Context, evaluationID int64) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE evaluation_id = ? ORDER BY system, name;`,
		evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertRun increments the job's tries and inserts the corresponding run
// within an existing transaction. The run number equals the new tries value.
func InsertRun(ctx context.Context, tx *sql.Tx, jobID int64) (Run, error) {
	var tries int64
	if err := tx.QueryRowContext(ctx,
		`SELECT tries FROM jobs WHERE id = ?;`, jobID,
	).Scan(&tries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("read job %d tries: %w", jobID, err)
	}
	num := tries + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET tries = ? WHERE id = ?;`, num, jobID,
	); err != nil {
		return Run{}, fmt.Errorf("update job %d tries: %w", jobID, err)
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (job_id, num, time_created) VALUES (?, ?, ?);`,
		jobID, num, now.Unix())
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Run{}, fmt.Errorf("run id: %w", err)
	}
	return Run{ID: id, JobID: jobID, Num: num, TimeCreated: now.Truncate(time.Second)}, nil
}

// CreateRun is InsertRun in its own transaction.
func (s *Store) CreateRun(ctx context.Context, jobID int64) (Run, error) {
	var run Run
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = InsertRun(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}
