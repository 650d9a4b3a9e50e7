package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Jobset is a named evaluation target within a project.
type Jobset struct {
	ID        int64
	Flake     bool
	Name      string
	ProjectID int64
	URL       string
}

// JobsetDecl is the declared shape of a jobset, as produced by the `jobsets`
// action.
type JobsetDecl struct {
	Flake bool   `json:"flake"`
	URL   string `json:"url"`
}

func (j Jobset) Decl() JobsetDecl {
	return JobsetDecl{Flake: j.Flake, URL: j.URL}
}

// GetJobset looks a jobset up by project and name.
func (s *Store) GetJobset(ctx context.Context, projectID int64, name string) (Jobset, error) {
	var j Jobset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flake, name, project_id, url FROM jobsets WHERE project_id = ? AND name = ?;`,
		projectID, name,
	).Scan(&j.ID, &j.Flake, &j.Name, &j.ProjectID, &j.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return Jobset{}, ErrNotFound
	}
	if err != nil {
		return Jobset{}, fmt.Errorf("get jobset %q: %w", name, err)
	}
	return j, nil
}

// ListJobsets returns all jobsets of a project ordered by name.
func (s *Store) ListJobsets(ctx context.Context, projectID int64) ([]Jobset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flake, name, project_id, url FROM jobsets WHERE project_id = ? ORDER BY name;`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list jobsets: %w", err)
	}
	defer rows.Close()

	var out []Jobset
	for rows.Next() {
		var j Jobset
		if err := rows.Scan(&j.ID, &j.Flake, &j.Name, &j.ProjectID, &j.URL); err != nil {
			return nil, fmt.Errorf("scan jobset: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CreateJobset inserts a jobset.
func (s *Store) CreateJobset(ctx context.Context, projectID int64, name string, decl JobsetDecl) (Jobset, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobsets (project_id, name, flake, url) VALUES (?, ?, ?, ?);`,
		projectID, name, decl.Flake, decl.URL)
	if err != nil {
		return Jobset{}, fmt.Errorf("insert jobset %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Jobset{}, fmt.Errorf("jobset id: %w", err)
	}
	return Jobset{ID: id, Flake: decl.Flake, Name: name, ProjectID: projectID, URL: decl.URL}, nil
}

// DeleteJobset removes a jobset by id.
func (s *Store) DeleteJobset(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobsets WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete jobset %d: %w", id, err)
	}
	return nil
}

// SyncJobsets replaces a project's jobset population with the declared set:
// jobsets whose declaration is unchanged are kept, the rest are deleted, and
// missing names are created. Runs in one transaction.
func (s *Store) SyncJobsets(ctx context.Context, projectID int64, decls map[string]JobsetDecl) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, flake, name, url FROM jobsets WHERE project_id = ?;`, projectID)
		if err != nil {
			return fmt.Errorf("load jobsets: %w", err)
		}
		current := make([]Jobset, 0)
		for rows.Next() {
			var j Jobset
			if err := rows.Scan(&j.ID, &j.Flake, &j.Name, &j.URL); err != nil {
				rows.Close()
				return fmt.Errorf("scan jobset: %w", err)
			}
			current = append(current, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		kept := make(map[string]bool)
		for _, j := range current {
			if decl, ok := decls[j.Name]; ok && decl == j.Decl() {
				kept[j.Name] = true
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM jobsets WHERE id = ?;`, j.ID); err != nil {
				return fmt.Errorf("delete jobset %d: %w", j.ID, err)
			}
		}
		for name, decl := range decls {
			if kept[name] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO jobsets (project_id, name, flake, url) VALUES (?, ?, ?, ?);`,
				projectID, name, decl.Flake, decl.URL,
			); err != nil {
				return fmt.Errorf("insert jobset %q: %w", name, err)
			}
		}
		return nil
	})
}
