package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Build is one materialization of a derivation. Identity is the drv path:
// the build manager guarantees at most one in-flight build per drv.
type Build struct {
	ID          int64
	Drv         string
	TaskID      int64
	TimeCreated time.Time
	UUID        uuid.UUID
}

const buildColumns = `id, drv, task_id, time_created, uuid`

func scanBuild(scan func(dest ...any) error) (Build, error) {
	var (
		b       Build
		created int64
		rawUUID string
	)
	err := scan(&b.ID, &b.Drv, &b.TaskID, &created, &rawUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, fmt.Errorf("scan build: %w", err)
	}
	b.TimeCreated = time.Unix(created, 0).UTC()
	b.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return Build{}, fmt.Errorf("parse build uuid: %w", err)
	}
	return b, nil
}

// CreateBuild inserts a new build and its task in one transaction.
func (s *Store) CreateBuild(ctx context.Context, drv string) (Build, Task, error) {
	var (
		build Build
		task  Task
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = CreateTask(ctx, tx)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("build uuid: %w", err)
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO builds (drv, task_id, time_created, uuid) VALUES (?, ?, ?, ?);`,
			drv, task.ID, now.Unix(), id.String())
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("build id: %w", err)
		}
		build = Build{ID: rowID, Drv: drv, TaskID: task.ID, TimeCreated: now.Truncate(time.Second), UUID: id}
		return nil
	})
	if err != nil {
		return Build{}, Task{}, err
	}
	return build, task, nil
}

// GetBuild looks a build up by UUID.
func (s *Store) GetBuild(ctx context.Context, id uuid.UUID) (Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE uuid = ?;`, id.String())
	return scanBuild(row.Scan)
}

// GetBuildByID looks a build up by row id.
func (s *Store) GetBuildByID(ctx context.Context, id int64) (Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = ?;`, id)
	return scanBuild(row.Scan)
}

// LastBuild returns the most recent build of a derivation together with its
// task, or ErrNotFound.
func (s *Store) LastBuild(ctx context.Context, drv string) (Build, Task, error) {
	var (
		b                 Build
		t                 Task
		created           int64
		rawUUID           string
		status            int
		started, finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.drv, b.task_id, b.time_created, b.uuid,
		       t.id, t.log_id, t.status, t.time_started, t.time_finished
		FROM builds b JOIN tasks t ON t.id = b.task_id
		WHERE b.drv = ? ORDER BY b.id DESC LIMIT 1;`,
		drv,
	).Scan(&b.ID, &b.Drv, &b.TaskID, &created, &rawUUID,
		&t.ID, &t.LogID, &status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, Task{}, ErrNotFound
	}
	if err != nil {
		return Build{}, Task{}, fmt.Errorf("last build of %s: %w", drv, err)
	}
	b.TimeCreated = time.Unix(created, 0).UTC()
	if b.UUID, err = uuid.Parse(rawUUID); err != nil {
		return Build{}, Task{}, fmt.Errorf("parse build uuid: %w", err)
	}
	kind, err := KindFromInt(status)
	if err != nil {
		return Build{}, Task{}, err
	}
	t.Status = kind
	t.TimeStarted = timePtr(started)
	t.TimeFinished = timePtr(finished)
	return b, t, nil
}

// ListBuilds pages builds, newest first, optionally filtered by drv.
func (s *Store) ListBuilds(ctx context.Context, drv string, limit, offset int) ([]Build, int64, error) {
	where := `1=1`
	args := []any{}
	if drv != "" {
		where = `drv = ?`
		args = append(args, drv)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE `+where+` ORDER BY id DESC LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM builds WHERE `+where+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count builds: %w", err)
	}
	return out, total, nil
}
