package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Project is a declared CI project. Key holds the X25519 identity generated
// at creation time; ActionsPath is the snapshot of the last refreshed actions
// derivation output ("" when the project declares no actions).
type Project struct {
	ID                int64
	ActionsPath       string
	Description       string
	Flake             bool
	Homepage          string
	Key               string
	LastRefreshTaskID *int64
	Name              string
	Title             string
	URL               string
	URLLocked         string
}

const projectColumns = `id, actions_path, description, flake, homepage, key,
	last_refresh_task_id, name, title, url, url_locked`

func scanProject(scan func(dest ...any) error) (Project, error) {
	var (
		p       Project
		refresh sql.NullInt64
	)
	err := scan(&p.ID, &p.ActionsPath, &p.Description, &p.Flake, &p.Homepage,
		&p.Key, &refresh, &p.Name, &p.Title, &p.URL, &p.URLLocked)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	if refresh.Valid {
		p.LastRefreshTaskID = &refresh.Int64
	}
	return p, nil
}

// CreateProject inserts a new project with its generated private key.
func (s *Store) CreateProject(ctx context.Context, name, url string, flake bool, key string) (Project, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, url, flake, key) VALUES (?, ?, ?, ?);`,
		name, url, flake, key)
	if err != nil {
		return Project{}, fmt.Errorf("insert project %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, fmt.Errorf("project id: %w", err)
	}
	return Project{ID: id, Name: name, URL: url, Flake: flake, Key: key}, nil
}

// GetProject looks a project up by name.
func (s *Store) GetProject(ctx context.Context, name string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?;`, name)
	return scanProject(row.Scan)
}

// GetProjectByID looks a project up by id.
func (s *Store) GetProjectByID(ctx context.Context, id int64) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?;`, id)
	return scanProject(row.Scan)
}

// SetProjectDecl updates the declared url/flake pair.
func (s *Store) SetProjectDecl(ctx context.Context, id int64, url string, flake bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET url = ?, flake = ? WHERE id = ?;`, url, flake, id)
	if err != nil {
		return fmt.Errorf("update project %d decl: %w", id, err)
	}
	return nil
}

// SetProjectRefreshTask points the project at its latest refresh task.
func (s *Store) SetProjectRefreshTask(ctx context.Context, tx *sql.Tx, id, taskID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET last_refresh_task_id = ? WHERE id = ?;`, taskID, id)
	if err != nil {
		return fmt.Errorf("update project %d refresh task: %w", id, err)
	}
	return nil
}

// SetProjectRefreshed stores the outcome of a successful refresh: locked url,
// metadata and the built actions path.
func (s *Store) SetProjectRefreshed(ctx context.Context, id int64, urlLocked, title, description, homepage, actionsPath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET url_locked = ?, title = ?, description = ?, homepage = ?, actions_path = ?
		WHERE id = ?;`,
		urlLocked, title, description, homepage, actionsPath, id)
	if err != nil {
		return fmt.Errorf("update project %d refresh result: %w", id, err)
	}
	return nil
}

// ListProjects returns a page of projects ordered by name, plus the total.
func (s *Store) ListProjects(ctx context.Context, limit, offset int) ([]Project, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY name LIMIT ? OFFSET ?;`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}
	return out, total, nil
}
