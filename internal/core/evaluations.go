package core

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/nix"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/tasks"
)

// newEvaluation creates the evaluation record and starts its task: evaluate
// the jobset, then materialize jobs and runs from the result.
func (a *App) newEvaluation(ctx context.Context, project persistence.Project, jobset persistence.Jobset, lockedURL string) (handles.Evaluation, error) {
	eval, task, err := a.Store.CreateEvaluation(ctx, project.ID, jobset.Name, lockedURL, project.ActionsPath, jobset.Flake)
	if err != nil {
		return handles.Evaluation{}, err
	}
	handle := handles.Evaluation{UUID: eval.UUID}
	a.Bus.Log(bus.EvaluationNew(handle))

	body := func(ctx context.Context, logc chan<- string) (nix.NewJobs, error) {
		jobs, err := a.Nix.EvalJobs(ctx, eval.URL, eval.Flake)
		if err != nil {
			for _, line := range strings.Split(err.Error(), "\n") {
				logc <- line
			}
			return nil, err
		}
		return jobs, nil
	}
	finish := func(res *nix.NewJobs, err error) (persistence.StatusKind, *bus.Event) {
		status := tasks.StatusFromOutcome(res, err)
		if res != nil {
			if cerr := a.createJobsAndRuns(context.Background(), project, eval, *res); cerr != nil {
				a.logger.Error("materializing evaluation failed",
					"evaluation", handle.String(), "error", cerr)
				status = persistence.StatusFailure
			}
		}
		ev := bus.EvaluationFinished(handle)
		return status, &ev
	}
	if err := tasks.Start(ctx, a.Tasks, task, body, finish); err != nil {
		return handles.Evaluation{}, err
	}
	return handle, nil
}

// createJobsAndRuns inserts all discovered jobs and their first runs in one
// transaction, then triggers the run pipelines outside it.
func (a *App) createJobsAndRuns(ctx context.Context, project persistence.Project, eval persistence.Evaluation, newJobs nix.NewJobs) error {
	type created struct {
		job persistence.Job
		run persistence.Run
	}
	var createdRuns []created
	err := a.Store.WithTx(ctx, func(tx *sql.Tx) error {
		for key, spec := range newJobs {
			job, err := persistence.InsertJob(ctx, tx, eval.ID, persistence.NewJob{
				Dist:   spec.Dist,
				Drv:    spec.Drv.Path,
				Name:   key.Name,
				Out:    spec.Drv.DefaultOutput(),
				System: key.System,
			})
			if err != nil {
				return err
			}
			run, err := persistence.InsertRun(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			createdRuns = append(createdRuns, created{job: job, run: run})
		}
		return nil
	})
	if err != nil {
		return err
	}

	evalHandle := handles.Evaluation{UUID: eval.UUID}
	for _, c := range createdRuns {
		runHandle := handles.Run{
			Job: handles.Job{Evaluation: evalHandle, System: c.job.System, Name: c.job.Name},
			Num: c.run.Num,
		}
		a.Bus.Log(bus.RunNew(runHandle))
		if err := a.startRun(ctx, project, eval, c.job, c.run); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) getEvaluation(ctx context.Context, handle handles.Evaluation) (persistence.Evaluation, error) {
	eval, err := a.Store.GetEvaluation(ctx, handle.UUID)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Evaluation{}, notFound("evaluation", handle)
	}
	return eval, err
}

// EvaluationInfo assembles an evaluation's status and, once it succeeded,
// its jobs with their latest runs.
func (a *App) EvaluationInfo(ctx context.Context, handle handles.Evaluation) (EvaluationInfoResp, error) {
	eval, err := a.getEvaluation(ctx, handle)
	if err != nil {
		return EvaluationInfoResp{}, err
	}
	task, err := a.Store.GetTask(ctx, eval.TaskID)
	if err != nil {
		return EvaluationInfoResp{}, err
	}
	project, err := a.Store.GetProjectByID(ctx, eval.ProjectID)
	if err != nil {
		return EvaluationInfoResp{}, err
	}

	resp := EvaluationInfoResp{
		Handle:      handle,
		Project:     handles.Project{Name: project.Name},
		ActionsPath: eval.ActionsPath,
		Flake:       eval.Flake,
		JobsetName:  eval.JobsetName,
		Status:      task.TaskStatus(),
		TimeCreated: eval.TimeCreated,
		URL:         eval.URL,
		Jobs:        map[JobSystemName]JobInfoResp{},
	}
	if task.Status != persistence.StatusSuccess {
		return resp, nil
	}

	jobs, err := a.Store.ListJobs(ctx, eval.ID)
	if err != nil {
		return EvaluationInfoResp{}, err
	}
	for _, job := range jobs {
		info, err := a.jobInfo(ctx, handle, job)
		if err != nil {
			return EvaluationInfoResp{}, err
		}
		resp.Jobs[JobSystemName{System: job.System, Name: job.Name}] = info
	}
	return resp, nil
}

// CancelEvaluation cancels the evaluation's task, which prevents job and run
// creation.
func (a *App) CancelEvaluation(ctx context.Context, handle handles.Evaluation) error {
	eval, err := a.getEvaluation(ctx, handle)
	if err != nil {
		return err
	}
	a.Tasks.Cancel(eval.TaskID)
	return nil
}

// EvaluationLog streams the evaluation task's log.
func (a *App) EvaluationLog(ctx context.Context, handle handles.Evaluation) (<-chan string, error) {
	eval, err := a.getEvaluation(ctx, handle)
	if err != nil {
		return nil, err
	}
	lines, err := a.Tasks.LogStream(ctx, eval.TaskID)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		return nil, notFound("log of evaluation", handle)
	}
	return lines, nil
}
