package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one attempt at materializing a job: begin action, build, end action.
// The id references are set at most once, by the run pipeline.
type Run struct {
	ID          int64
	BeginID     *int64
	BuildID     *int64
	EndID       *int64
	JobID       int64
	Num         int64
	TimeCreated time.Time
}

const runColumns = `id, begin_id, build_id, end_id, job_id, num, time_created`

func scanRun(scan func(dest ...any) error) (Run, error) {
	var (
		r                 Run
		begin, build, end sql.NullInt64
		created           int64
	)
	err := scan(&r.ID, &begin, &build, &end, &r.JobID, &r.Num, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if begin.Valid {
		r.BeginID = &begin.Int64
	}
	if build.Valid {
		r.BuildID = &build.Int64
	}
	if end.Valid {
		r.EndID = &end.Int64
	}
	r.TimeCreated = time.Unix(created, 0).UTC()
	return r, nil
}

// GetRun looks a run up by job and number.
func (s *Store) GetRun(ctx context.Context, jobID, num int64) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_id = ? AND num = ?;`, jobID, num)
	return scanRun(row.Scan)
}

// LatestRun returns the newest run of a job.
func (s *Store) LatestRun(ctx context.Context, jobID int64) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_id = ? ORDER BY num DESC LIMIT 1;`, jobID)
	return scanRun(row.Scan)
}

// SetRunBegin records the begin action and the build the run is waiting on.
func (s *Store) SetRunBegin(ctx context.Context, runID, beginID, buildID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET begin_id = ?, build_id = ? WHERE id = ?;`,
			beginID, buildID, runID)
		if err != nil {
			return fmt.Errorf("update run %d begin: %w", runID, err)
		}
		return nil
	})
}

// SetRunEnd records the end action.
func (s *Store) SetRunEnd(ctx context.Context, runID, endID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET end_id = ? WHERE id = ?;`, endID, runID)
		if err != nil {
			return fmt.Errorf("update run %d end: %w", runID, err)
		}
		return nil
	})
}
