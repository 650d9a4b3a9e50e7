package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobsetRef names a jobset across projects.
type JobsetRef struct {
	Project string
	Name    string
}

// RunRef names a run with everything a client needs to address it.
type RunRef struct {
	Project     string
	Evaluation  uuid.UUID
	System      string
	Job         string
	Num         int64
	TimeCreated time.Time
}

// SearchJobsets pages jobsets, optionally restricted to one project.
func (s *Store) SearchJobsets(ctx context.Context, projectName string, limit, offset int) ([]JobsetRef, int64, error) {
	where := `1=1`
	args := []any{}
	if projectName != "" {
		where = `p.name = ?`
		args = append(args, projectName)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, j.name
		FROM jobsets j JOIN projects p ON p.id = j.project_id
		WHERE `+where+` ORDER BY p.name, j.name LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search jobsets: %w", err)
	}
	defer rows.Close()

	var out []JobsetRef
	for rows.Next() {
		var ref JobsetRef
		if err := rows.Scan(&ref.Project, &ref.Name); err != nil {
			return nil, 0, fmt.Errorf("scan jobset ref: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobsets j JOIN projects p ON p.id = j.project_id
		WHERE `+where+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobsets: %w", err)
	}
	return out, total, nil
}

// SearchEvaluations pages evaluations newest first, optionally restricted to
// a project and jobset.
func (s *Store) SearchEvaluations(ctx context.Context, projectName, jobsetName string, limit, offset int) ([]Evaluation, int64, error) {
	where := `1=1`
	args := []any{}
	if projectName != "" {
		where += ` AND p.name = ?`
		args = append(args, projectName)
	}
	if jobsetName != "" {
		where += ` AND e.jobset_name = ?`
		args = append(args, jobsetName)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.actions_path, e.flake, e.jobset_name, e.project_id,
		       e.task_id, e.time_created, e.uuid, e.url
		FROM evaluations e JOIN projects p ON p.id = e.project_id
		WHERE `+where+` ORDER BY e.id DESC LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search evaluations: %w", err)
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
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM evaluations e JOIN projects p ON p.id = e.project_id
		WHERE `+where+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evaluations: %w", err)
	}
	return out, total, nil
}

// SearchActions pages actions newest first, optionally restricted to a
// project.
func (s *Store) SearchActions(ctx context.Context, projectName string, limit, offset int) ([]Action, int64, error) {
	where := `1=1`
	args := []any{}
	if projectName != "" {
		where = `p.name = ?`
		args = append(args, projectName)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.input, a.name, a.path, a.project_id, a.task_id, a.time_created, a.uuid
		FROM actions a JOIN projects p ON p.id = a.project_id
		WHERE `+where+` ORDER BY a.id DESC LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search actions: %w", err)
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
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM actions a JOIN projects p ON p.id = a.project_id
		WHERE `+where+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count actions: %w", err)
	}
	return out, total, nil
}

// SearchRuns pages runs newest first with optional project, jobset and job
// name filters.
func (s *Store) SearchRuns(ctx context.Context, projectName, jobsetName, jobName string, limit, offset int) ([]RunRef, int64, error) {
	where := `1=1`
	args := []any{}
	if projectName != "" {
		where += ` AND p.name = ?`
		args = append(args, projectName)
	}
	if jobsetName != "" {
		where += ` AND e.jobset_name = ?`
		args = append(args, jobsetName)
	}
	if jobName != "" {
		where += ` AND j.name = ?`
		args = append(args, jobName)
	}
	base := `
		FROM runs r
		JOIN jobs j ON j.id = r.job_id
		JOIN evaluations e ON e.id = j.evaluation_id
		JOIN projects p ON p.id = e.project_id
		WHERE ` + where
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, e.uuid, j.system, j.name, r.num, r.time_created `+base+`
		ORDER BY r.id DESC LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search runs: %w", err)
	}
	defer rows.Close()

	var out []RunRef
	for rows.Next() {
		var (
			ref     RunRef
			rawUUID string
			created int64
		)
		if err := rows.Scan(&ref.Project, &rawUUID, &ref.System, &ref.Job, &ref.Num, &created); err != nil {
			return nil, 0, fmt.Errorf("scan run ref: %w", err)
		}
		if ref.Evaluation, err = uuid.Parse(rawUUID); err != nil {
			return nil, 0, fmt.Errorf("parse evaluation uuid: %w", err)
		}
		ref.TimeCreated = time.Unix(created, 0).UTC()
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) `+base+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	return out, total, nil
}
