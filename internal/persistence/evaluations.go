package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Evaluation records the act of turning a jobset at a locked url into a set
// of jobs. ActionsPath snapshots the owning project's actions path at
// creation time.
type Evaluation struct {
	ID          int64
	ActionsPath string
	Flake       bool
	JobsetName  string
	ProjectID   int64
	TaskID      int64
	TimeCreated time.Time
	URL         string
	UUID        uuid.UUID
}

const evaluationColumns = `id, actions_path, flake, jobset_name, project_id,
	task_id, time_created, uuid, url`

func scanEvaluation(scan func(dest ...any) error) (Evaluation, error) {
	var (
		e       Evaluation
		created int64
		rawUUID string
	)
	err := scan(&e.ID, &e.ActionsPath, &e.Flake, &e.JobsetName, &e.ProjectID,
		&e.TaskID, &created, &rawUUID, &e.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return Evaluation{}, ErrNotFound
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("scan evaluation: %w", err)
	}
	e.TimeCreated = time.Unix(created, 0).UTC()
	e.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("parse evaluation uuid: %w", err)
	}
	return e, nil
}

// CreateEvaluation inserts a new evaluation together with its task, in one
// transaction. The UUID is v7, so evaluations sort by creation time.
func (s *Store) CreateEvaluation(ctx context.Context, projectID int64, jobsetName, lockedURL, actionsPath string, flake bool) (Evaluation, Task, error) {
	var (
		eval Evaluation
		task Task
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = CreateTask(ctx, tx)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("evaluation uuid: %w", err)
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations (actions_path, flake, jobset_name, project_id, task_id, time_created, url, uuid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			actionsPath, flake, jobsetName, projectID, task.ID, now.Unix(), lockedURL, id.String())
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("evaluation id: %w", err)
		}
		eval = Evaluation{
			ID:          rowID,
			ActionsPath: actionsPath,
			Flake:       flake,
			JobsetName:  jobsetName,
			ProjectID:   projectID,
			TaskID:      task.ID,
			TimeCreated: now.Truncate(time.Second),
			URL:         lockedURL,
			UUID:        id,
		}
		return nil
	})
	if err != nil {
		return Evaluation{}, Task{}, err
	}
	return eval, task, nil
}

// GetEvaluation looks an evaluation up by UUID.
func (s *Store) GetEvaluation(ctx context.Context, id uuid.UUID) (Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE uuid = ?;`, id.String())
	return scanEvaluation(row.Scan)
}

// FindEvaluation returns the most recent evaluation of (jobset, locked url),
// or ErrNotFound. Used to reuse evaluations when force is false.
func (s *Store) FindEvaluation(ctx context.Context, jobsetName, lockedURL string) (Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE jobset_name = ? AND url = ? ORDER BY id DESC LIMIT 1;`,
		jobsetName, lockedURL)
	return scanEvaluation(row.Scan)
}

// ListEvaluations pages a project's evaluations, newest first.
func (s *Store) ListEvaluations(ctx context.Context, projectID int64, jobsetName string, limit, offset int) ([]Evaluation, int64, error) {
	where := `project_id = ?`
	args := []any{projectID}
	if jobsetName != "" {
		where += ` AND jobset_name = ?`
		args = append(args, jobsetName)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE `+where+
			` ORDER BY id DESC LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM evaluations WHERE `+where+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evaluations: %w", err)
	}
	return out, total, nil
}
