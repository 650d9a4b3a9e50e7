package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is one sandboxed invocation of a project-supplied executable.
// Input holds the JSON payload handed to the script on stdin.
type Action struct {
	ID          int64
	Input       string
	Name        string
	Path        string
	ProjectID   int64
	TaskID      int64
	TimeCreated time.Time
	UUID        uuid.UUID
}

const actionColumns = `id, input, name, path, project_id, task_id, time_created, uuid`

func scanAction(scan func(dest ...any) error) (Action, error) {
	var (
		a       Action
		created int64
		rawUUID string
	)
	err := scan(&a.ID, &a.Input, &a.Name, &a.Path, &a.ProjectID, &a.TaskID, &created, &rawUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, fmt.Errorf("scan action: %w", err)
	}
	a.TimeCreated = time.Unix(created, 0).UTC()
	a.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return Action{}, fmt.Errorf("parse action uuid: %w", err)
	}
	return a, nil
}

// CreateAction inserts a new action and its task in one transaction.
func (s *Store) CreateAction(ctx context.Context, projectID int64, path, name, input string) (Action, Task, error) {
	var (
		action Action
		task   Task
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = CreateTask(ctx, tx)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("action uuid: %w", err)
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (input, name, path, project_id, task_id, time_created, uuid)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			input, name, path, projectID, task.ID, now.Unix(), id.String())
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("action id: %w", err)
		}
		action = Action{
			ID:          rowID,
			Input:       input,
			Name:        name,
			Path:        path,
			ProjectID:   projectID,
			TaskID:      task.ID,
			TimeCreated: now.Truncate(time.Second),
			UUID:        id,
		}
		return nil
	})
	if err != nil {
		return Action{}, Task{}, err
	}
	return action, task, nil
}

// GetAction looks an action up by UUID.
func (s *Store) GetAction(ctx context.Context, id uuid.UUID) (Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE uuid = ?;`, id.String())
	return scanAction(row.Scan)
}

// GetActionByID looks an action up by row id.
func (s *Store) GetActionByID(ctx context.Context, id int64) (Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = ?;`, id)
	return scanAction(row.Scan)
}

// ListActions pages a project's actions, newest first.
func (s *Store) ListActions(ctx context.Context, projectID int64, limit, offset int) ([]Action, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE project_id = ? ORDER BY id DESC LIMIT ? OFFSET ?;`,
		projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM actions WHERE project_id = ?;`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count actions: %w", err)
	}
	return out, total, nil
}
