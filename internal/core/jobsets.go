package core

import (
	"context"
	"errors"

	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
)

func (a *App) getJobset(ctx context.Context, handle handles.Jobset) (persistence.Project, persistence.Jobset, error) {
	project, err := a.getProject(ctx, handle.Project)
	if err != nil {
		return persistence.Project{}, persistence.Jobset{}, err
	}
	jobset, err := a.Store.GetJobset(ctx, project.ID, handle.Name)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Project{}, persistence.Jobset{}, notFound("jobset", handle)
	}
	if err != nil {
		return persistence.Project{}, persistence.Jobset{}, err
	}
	return project, jobset, nil
}

// JobsetInfo returns a jobset's declaration.
func (a *App) JobsetInfo(ctx context.Context, handle handles.Jobset) (JobsetInfoResp, error) {
	_, jobset, err := a.getJobset(ctx, handle)
	if err != nil {
		return JobsetInfoResp{}, err
	}
	return JobsetInfoResp{Handle: handle, Flake: jobset.Flake, URL: jobset.URL}, nil
}

// NewJobset creates or replaces one jobset declaration.
func (a *App) NewJobset(ctx context.Context, handle handles.Jobset, decl persistence.JobsetDecl) error {
	project, err := a.getProject(ctx, handle.Project)
	if err != nil {
		return err
	}
	if existing, err := a.Store.GetJobset(ctx, project.ID, handle.Name); err == nil {
		if err := a.Store.DeleteJobset(ctx, existing.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	if _, err := a.Store.CreateJobset(ctx, project.ID, handle.Name, decl); err != nil {
		return err
	}
	a.Bus.Log(bus.ProjectUpdated(handle.Project))
	return nil
}

// DeleteJobset removes one jobset.
func (a *App) DeleteJobset(ctx context.Context, handle handles.Jobset) error {
	_, jobset, err := a.getJobset(ctx, handle)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteJobset(ctx, jobset.ID); err != nil {
		return err
	}
	a.Bus.Log(bus.ProjectUpdated(handle.Project))
	return nil
}

// EvaluateJobset locks the jobset's url and evaluates it. Unless force is
// set, a preexisting evaluation of the same (jobset, locked url) is reused.
func (a *App) EvaluateJobset(ctx context.Context, handle handles.Jobset, force bool) (handles.Evaluation, error) {
	project, jobset, err := a.getJobset(ctx, handle)
	if err != nil {
		return handles.Evaluation{}, err
	}

	lockedURL, err := a.Nix.Lock(ctx, jobset.URL)
	if err != nil {
		return handles.Evaluation{}, err
	}

	if !force {
		if existing, err := a.Store.FindEvaluation(ctx, jobset.Name, lockedURL); err == nil {
			return handles.Evaluation{UUID: existing.UUID}, nil
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return handles.Evaluation{}, err
		}
	}

	return a.newEvaluation(ctx, project, jobset, lockedURL)
}
