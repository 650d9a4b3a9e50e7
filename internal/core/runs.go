package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrel-ci/petrel/internal/actions"
	"github.com/petrel-ci/petrel/internal/builds"
	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/taskman"
)

// runInput is the payload handed to the begin and end actions of a run.
type runInput struct {
	Drv        string `json:"drv"`
	Evaluation string `json:"evaluation"`
	Flake      bool   `json:"flake"`
	Job        string `json:"job"`
	Jobset     string `json:"jobset"`
	Out        string `json:"out"`
	Project    string `json:"project"`
	Status     string `json:"status"`
	System     string `json:"system"`
	URL        string `json:"url"`
}

func mkRunInput(project persistence.Project, eval persistence.Evaluation, job persistence.Job, status persistence.StatusKind) json.RawMessage {
	data, _ := json.Marshal(runInput{
		Drv:        job.Drv,
		Evaluation: eval.UUID.String(),
		Flake:      eval.Flake,
		Job:        job.Name,
		Jobset:     eval.JobsetName,
		Out:        job.Out,
		Project:    project.Name,
		Status:     status.String(),
		System:     job.System,
		URL:        eval.URL,
	})
	return data
}

// startRun drives one run: request the build, spawn the begin action, then
// wait for both and spawn the end action with the final status. The waiting
// itself is a task in the runs manager, so canceling the run releases every
// awaited piece.
func (a *App) startRun(ctx context.Context, project persistence.Project, eval persistence.Evaluation, job persistence.Job, run persistence.Run) error {
	runHandle := handles.Run{
		Job: handles.Job{
			Evaluation: handles.Evaluation{UUID: eval.UUID},
			System:     job.System,
			Name:       job.Name,
		},
		Num: run.Num,
	}

	buildHandle := a.Builds.Request(job.Drv)

	begin, err := a.spawnAction(ctx, project, actions.NameBegin,
		mkRunInput(project, eval, job, persistence.StatusPending),
		func(output *string, err error) persistence.StatusKind {
			if err != nil {
				return persistence.StatusFailure
			}
			if output == nil {
				return persistence.StatusCanceled
			}
			return persistence.StatusSuccess
		})
	if err != nil {
		buildHandle.Abort()
		return err
	}

	if err := a.Store.SetRunBegin(ctx, run.ID, begin.ID, buildHandle.Build.ID); err != nil {
		buildHandle.Abort()
		return err
	}
	a.Bus.Log(bus.RunUpdated(runHandle))

	beginTaskID := begin.TaskID
	body := func(ctx context.Context) any {
		a.Tasks.Wait(ctx, beginTaskID)
		switch buildHandle.Wait(ctx) {
		case builds.OutcomeSuccess:
			return persistence.StatusSuccess
		case builds.OutcomeFailure:
			return persistence.StatusFailure
		default:
			return persistence.StatusCanceled
		}
	}
	finish := func(res any, ok bool) taskman.Task {
		if !ok {
			// The run was canceled while waiting; the build handle is
			// released and no end action is spawned.
			buildHandle.Abort()
			return nil
		}
		status := res.(persistence.StatusKind)
		end, err := a.spawnAction(context.Background(), project, actions.NameEnd,
			mkRunInput(project, eval, job, status),
			func(output *string, err error) persistence.StatusKind {
				if err != nil {
					return persistence.StatusFailure
				}
				if output == nil {
					return persistence.StatusCanceled
				}
				return persistence.StatusSuccess
			})
		if err != nil {
			a.logger.Error("spawning end action failed", "run", runHandle.String(), "error", err)
			return nil
		}
		if err := a.Store.SetRunEnd(context.Background(), run.ID, end.ID); err != nil {
			a.logger.Error("recording end action failed", "run", runHandle.String(), "error", err)
			return nil
		}
		a.Bus.Log(bus.RunUpdated(runHandle))
		return nil
	}
	a.Runs.Run(run.ID, taskman.Func{Body: body, Finish: finish})
	return nil
}

// CancelRun cancels the run's waiter task.
func (a *App) CancelRun(runID int64) {
	a.Runs.Cancel(runID)
}

func (a *App) getRun(ctx context.Context, handle handles.Run) (persistence.Project, persistence.Evaluation, persistence.Job, persistence.Run, error) {
	eval, err := a.getEvaluation(ctx, handle.Job.Evaluation)
	if err != nil {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, persistence.Run{}, err
	}
	project, err := a.Store.GetProjectByID(ctx, eval.ProjectID)
	if err != nil {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, persistence.Run{}, err
	}
	job, err := a.Store.GetJob(ctx, eval.ID, handle.Job.System, handle.Job.Name)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, persistence.Run{}, notFound("job", handle.Job)
	}
	if err != nil {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, persistence.Run{}, err
	}
	run, err := a.Store.GetRun(ctx, job.ID, handle.Num)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Project{}, persistence.Evaluation{}, persistence.Job{}, persistence.Run{}, notFound("run", handle)
	}
	return project, eval, job, run, err
}

// RunInfo assembles a run's begin/build/end references.
func (a *App) RunInfo(ctx context.Context, handle handles.Run) (RunInfoResp, error) {
	project, _, _, run, err := a.getRun(ctx, handle)
	if err != nil {
		return RunInfoResp{}, err
	}
	return a.runInfo(ctx, handle, handles.Project{Name: project.Name}, run)
}

func (a *App) runInfo(ctx context.Context, handle handles.Run, project handles.Project, run persistence.Run) (RunInfoResp, error) {
	resp := RunInfoResp{Handle: handle}
	loadAction := func(id *int64) (*ActionInfoResp, error) {
		if id == nil {
			return nil, nil
		}
		action, err := a.Store.GetActionByID(ctx, *id)
		if err != nil {
			return nil, err
		}
		info, err := a.actionInfo(ctx, action, project)
		if err != nil {
			return nil, err
		}
		return &info, nil
	}
	var err error
	if resp.Begin, err = loadAction(run.BeginID); err != nil {
		return RunInfoResp{}, err
	}
	if resp.End, err = loadAction(run.EndID); err != nil {
		return RunInfoResp{}, err
	}
	if run.BuildID != nil {
		build, err := a.Store.GetBuildByID(ctx, *run.BuildID)
		if err != nil {
			return RunInfoResp{}, err
		}
		info, err := a.buildInfo(ctx, build)
		if err != nil {
			return RunInfoResp{}, err
		}
		resp.Build = &info
	}
	return resp, nil
}

func (a *App) actionInfo(ctx context.Context, action persistence.Action, project handles.Project) (ActionInfoResp, error) {
	task, err := a.Store.GetTask(ctx, action.TaskID)
	if err != nil {
		return ActionInfoResp{}, err
	}
	return ActionInfoResp{
		Handle:  handles.Action{UUID: action.UUID},
		Project: project,
		Input:   action.Input,
		Name:    action.Name,
		Path:    action.Path,
		Status:  task.TaskStatus(),
	}, nil
}

func (a *App) buildInfo(ctx context.Context, build persistence.Build) (BuildInfoResp, error) {
	task, err := a.Store.GetTask(ctx, build.TaskID)
	if err != nil {
		return BuildInfoResp{}, err
	}
	return BuildInfoResp{
		Handle: handles.Build{UUID: build.UUID},
		Drv:    build.Drv,
		Status: task.TaskStatus(),
	}, nil
}

// BuildInfo resolves a build by UUID.
func (a *App) BuildInfo(ctx context.Context, handle handles.Build) (BuildInfoResp, error) {
	build, err := a.Store.GetBuild(ctx, handle.UUID)
	if errors.Is(err, persistence.ErrNotFound) {
		return BuildInfoResp{}, notFound("build", handle)
	}
	if err != nil {
		return BuildInfoResp{}, err
	}
	return a.buildInfo(ctx, build)
}

// BuildLog streams a build task's log.
func (a *App) BuildLog(ctx context.Context, handle handles.Build) (<-chan string, error) {
	build, err := a.Store.GetBuild(ctx, handle.UUID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("build", handle)
	}
	if err != nil {
		return nil, err
	}
	return a.taskLog(ctx, build.TaskID, fmt.Sprintf("build %s", handle))
}

// ActionInfo resolves an action by UUID.
func (a *App) ActionInfo(ctx context.Context, handle handles.Action) (ActionInfoResp, error) {
	action, err := a.Store.GetAction(ctx, handle.UUID)
	if errors.Is(err, persistence.ErrNotFound) {
		return ActionInfoResp{}, notFound("action", handle)
	}
	if err != nil {
		return ActionInfoResp{}, err
	}
	project, err := a.Store.GetProjectByID(ctx, action.ProjectID)
	if err != nil {
		return ActionInfoResp{}, err
	}
	return a.actionInfo(ctx, action, handles.Project{Name: project.Name})
}

// ActionLog streams an action task's log.
func (a *App) ActionLog(ctx context.Context, handle handles.Action) (<-chan string, error) {
	action, err := a.Store.GetAction(ctx, handle.UUID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound("action", handle)
	}
	if err != nil {
		return nil, err
	}
	return a.taskLog(ctx, action.TaskID, fmt.Sprintf("action %s", handle))
}

func (a *App) taskLog(ctx context.Context, taskID int64, what string) (<-chan string, error) {
	lines, err := a.Tasks.LogStream(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		return nil, &NotFoundError{Resource: "log of", Handle: what}
	}
	return lines, nil
}
