package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task is the persistent status envelope of one asynchronous unit of work.
type Task struct {
	ID           int64
	LogID        int64
	Status       StatusKind
	TimeStarted  *time.Time
	TimeFinished *time.Time
}

// TaskStatus assembles the full status from the persisted fields.
func (t Task) TaskStatus() TaskStatus {
	return t.Status.Status(t.TimeStarted, t.TimeFinished)
}

// CreateTask inserts a fresh Pending task together with its empty log row.
// Must run inside the transaction that creates the owning record.
func CreateTask(ctx context.Context, tx *sql.Tx) (Task, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO logs (stderr) VALUES (NULL);`)
	if err != nil {
		return Task{}, fmt.Errorf("insert log: %w", err)
	}
	logID, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("log id: %w", err)
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (log_id, status) VALUES (?, ?);`,
		logID, int(StatusPending),
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("task id: %w", err)
	}
	return Task{ID: taskID, LogID: logID, Status: StatusPending}, nil
}

func scanTask(row *sql.Row) (Task, error) {
	var (
		t                 Task
		status            int
		started, finished sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.LogID, &status, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	kind, err := KindFromInt(status)
	if err != nil {
		return Task{}, err
	}
	t.Status = kind
	t.TimeStarted = timePtr(started)
	t.TimeFinished = timePtr(finished)
	return t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, log_id, status, time_started, time_finished FROM tasks WHERE id = ?;`, id))
}

// SetTaskStatus persists a status transition.
func (s *Store) SetTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, time_started = ?, time_finished = ? WHERE id = ?;`,
			int(status.Kind), nullTime(status.Started), nullTime(status.Finished), id)
		if err != nil {
			return fmt.Errorf("update task %d status: %w", id, err)
		}
		return nil
	})
}

// FinishTask atomically records the final status and drains the live log into
// the task's persistent log row.
func (s *Store) FinishTask(ctx context.Context, id int64, status TaskStatus, stderr *string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, time_started = ?, time_finished = ? WHERE id = ?;`,
			int(status.Kind), nullTime(status.Started), nullTime(status.Finished), id,
		); err != nil {
			return fmt.Errorf("finish task %d: %w", id, err)
		}
		if stderr != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE logs SET stderr = ? WHERE id = (SELECT log_id FROM tasks WHERE id = ?);`,
				*stderr, id,
			); err != nil {
				return fmt.Errorf("persist log for task %d: %w", id, err)
			}
		}
		return nil
	})
}

// LogStderr returns the persisted stderr of the task's log, nil while the
// task is still running.
func (s *Store) LogStderr(ctx context.Context, taskID int64) (*string, error) {
	var stderr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT l.stderr FROM logs l JOIN tasks t ON t.log_id = l.id WHERE t.id = ?;`,
		taskID,
	).Scan(&stderr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read log for task %d: %w", taskID, err)
	}
	if !stderr.Valid {
		return nil, nil
	}
	return &stderr.String, nil
}
