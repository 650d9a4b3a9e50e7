package core

import (
	"context"
	"errors"

	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
)

func (a *App) getJob(ctx context.Context, handle handles.Job) (persistence.Project, persistence.Evaluation, persistence.Job, error) {
	eval, err := a.getEvaluation(ctx, handle.Evaluation)
	if err != nil {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, err
	}
	project, err := a.Store.GetProjectByID(ctx, eval.ProjectID)
	if err != nil {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, err
	}
	job, err := a.Store.GetJob(ctx, eval.ID, handle.System, handle.Name)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, notFound("job", handle)
	}
	return project, eval, job, err
}

// JobInfo assembles a job with its latest run.
func (a *App) JobInfo(ctx context.Context, handle handles.Job) (JobInfoResp, error) {
	_, _, job, err := a.getJob(ctx, handle)
	if err != nil {
		return JobInfoResp{}, err
	}
	return a.jobInfo(ctx, handle.Evaluation, job)
}

func (a *App) jobInfo(ctx context.Context, evalHandle handles.Evaluation, job persistence.Job) (JobInfoResp, error) {
	jobHandle := handles.Job{Evaluation: evalHandle, System: job.System, Name: job.Name}
	resp := JobInfoResp{
		Handle:   jobHandle,
		Dist:     job.Dist,
		Drv:      job.Drv,
		Out:      job.Out,
		System:   job.System,
		RunCount: job.Tries,
	}
	run, err := a.Store.LatestRun(ctx, job.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return resp, nil
	}
	if err != nil {
		return JobInfoResp{}, err
	}
	eval, err := a.Store.GetEvaluation(ctx, evalHandle.UUID)
	if err != nil {
		return JobInfoResp{}, err
	}
	project, err := a.Store.GetProjectByID(ctx, eval.ProjectID)
	if err != nil {
		return JobInfoResp{}, err
	}
	runHandle := handles.Run{Job: jobHandle, Num: run.Num}
	resp.LastRun, err = a.runInfo(ctx, runHandle, handles.Project{Name: project.Name}, run)
	if err != nil {
		return JobInfoResp{}, err
	}
	return resp, nil
}

// RerunJob creates a fresh run of the job and triggers its pipeline. Fails
// with a conflict while any piece of the latest run is still pending.
func (a *App) RerunJob(ctx context.Context, handle handles.Job) error {
	project, eval, job, err := a.getJob(ctx, handle)
	if err != nil {
		return err
	}

	if latest, err := a.Store.LatestRun(ctx, job.ID); err == nil {
		running, err := a.runPending(ctx, latest)
		if err != nil {
			return err
		}
		if running {
			return conflict("job %s is already running", handle)
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	run, err := a.Store.CreateRun(ctx, job.ID)
	if err != nil {
		return err
	}
	a.Bus.Log(bus.RunNew(handles.Run{Job: handle, Num: run.Num}))
	return a.startRun(ctx, project, eval, job, run)
}

// runPending reports whether any task referenced by the run has not reached
// a terminal status.
func (a *App) runPending(ctx context.Context, run persistence.Run) (bool, error) {
	for _, id := range []*int64{run.BeginID, run.BuildID, run.EndID} {
		if id == nil {
			continue
		}
		taskID, err := a.ownedTaskID(ctx, run, id)
		if err != nil {
			return false, err
		}
		task, err := a.Store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if !task.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// ownedTaskID resolves a run reference to its task: build_id points at a
// build, the other two at actions.
func (a *App) ownedTaskID(ctx context.Context, run persistence.Run, id *int64) (int64, error) {
	if run.BuildID != nil && id == run.BuildID {
		build, err := a.Store.GetBuildByID(ctx, *id)
		if err != nil {
			return 0, err
		}
		return build.TaskID, nil
	}
	action, err := a.Store.GetActionByID(ctx, *id)
	if err != nil {
		return 0, err
	}
	return action.TaskID, nil
}
