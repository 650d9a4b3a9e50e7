package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrel-ci/petrel/internal/actions"
	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/secrets"
	"github.com/petrel-ci/petrel/internal/tasks"
)

// projectDeclAttr is the flake attribute a refresh evaluates for project
// metadata and actions.
const projectDeclAttr = "petrelProject"

// CreateProject registers a new project and generates its secrets key pair.
func (a *App) CreateProject(ctx context.Context, name string, decl ProjectDecl) error {
	handle := handles.Project{Name: name}
	if !handle.Legal() {
		return badRequest("illegal project name %q: legal names are sequences of alphanumerical characters, dashes and underscores", name)
	}
	if _, err := a.Store.GetProject(ctx, name); err == nil {
		return conflict("project %s already exists", name)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	key, err := secrets.GenerateKey()
	if err != nil {
		return err
	}
	if _, err := a.Store.CreateProject(ctx, name, decl.URL, decl.Flake, key); err != nil {
		return err
	}
	a.Bus.Log(bus.ProjectNew(handle))
	return nil
}

func (a *App) getProject(ctx context.Context, handle handles.Project) (persistence.Project, error) {
	project, err := a.Store.GetProject(ctx, handle.Name)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Project{}, notFound("project", handle)
	}
	return project, err
}

// ProjectInfo assembles the public view of a project.
func (a *App) ProjectInfo(ctx context.Context, handle handles.Project) (ProjectInfoResp, error) {
	project, err := a.getProject(ctx, handle)
	if err != nil {
		return ProjectInfoResp{}, err
	}
	jobsets, err := a.Store.ListJobsets(ctx, project.ID)
	if err != nil {
		return ProjectInfoResp{}, err
	}
	names := make([]string, 0, len(jobsets))
	for _, jobset := range jobsets {
		names = append(names, jobset.Name)
	}
	publicKey, err := secrets.PublicKey(project.Key)
	if err != nil {
		return ProjectInfoResp{}, err
	}
	var lastRefresh *persistence.TaskStatus
	if project.LastRefreshTaskID != nil {
		task, err := a.Store.GetTask(ctx, *project.LastRefreshTaskID)
		if err == nil {
			status := task.TaskStatus()
			lastRefresh = &status
		}
	}
	return ProjectInfoResp{
		Handle:      handle,
		ActionsPath: project.ActionsPath,
		Decl:        ProjectDecl{URL: project.URL, Flake: project.Flake},
		URLLocked:   project.URLLocked,
		Jobsets:     names,
		LastRefresh: lastRefresh,
		Metadata: ProjectMetadata{
			Title:       project.Title,
			Description: project.Description,
			Homepage:    project.Homepage,
		},
		PublicKey: publicKey,
	}, nil
}

// SetProjectDecl updates the declared source of a project.
func (a *App) SetProjectDecl(ctx context.Context, handle handles.Project, decl ProjectDecl) error {
	project, err := a.getProject(ctx, handle)
	if err != nil {
		return err
	}
	if err := a.Store.SetProjectDecl(ctx, project.ID, decl.URL, decl.Flake); err != nil {
		return err
	}
	a.Bus.Log(bus.ProjectUpdated(handle))
	return nil
}

// projectDecl is the shape of the petrelProject flake attribute.
type projectDecl struct {
	Actions map[string]string `json:"actions"`
	Meta    ProjectMetadata   `json:"meta"`
}

// refreshResult is what a successful refresh hands to its finisher.
type refreshResult struct {
	lockedURL   string
	meta        ProjectMetadata
	actionsPath string
}

// RefreshProject re-reads the project declaration: it locks the url,
// evaluates metadata, and builds the actions derivation for the local
// system. The work runs as a recorded task referenced by the project.
func (a *App) RefreshProject(ctx context.Context, handle handles.Project) error {
	project, err := a.getProject(ctx, handle)
	if err != nil {
		return err
	}

	var task persistence.Task
	err = a.Store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = persistence.CreateTask(ctx, tx)
		if err != nil {
			return err
		}
		return a.Store.SetProjectRefreshTask(ctx, tx, project.ID, task.ID)
	})
	if err != nil {
		return err
	}
	a.Bus.Log(bus.ProjectUpdated(handle))

	system := a.System(ctx)
	body := func(ctx context.Context, logc chan<- string) (refreshResult, error) {
		lockedURL, err := a.Nix.Lock(ctx, project.URL)
		if err != nil {
			return refreshResult{}, err
		}
		raw, err := a.Nix.Eval(ctx, lockedURL, projectDeclAttr, project.Flake)
		if err != nil {
			return refreshResult{}, err
		}
		var decl projectDecl
		if err := json.Unmarshal(raw, &decl); err != nil {
			return refreshResult{}, badRequest("bad project declaration: %v", err)
		}
		res := refreshResult{lockedURL: lockedURL, meta: decl.Meta}
		if path, ok := decl.Actions[system]; ok {
			drv, err := a.Nix.Derivation(ctx, path)
			if err != nil {
				return refreshResult{}, err
			}
			outputs, err := a.Nix.Build(ctx, drv.Path, logc)
			if err != nil {
				return refreshResult{}, err
			}
			res.actionsPath = outputs["out"]
		}
		return res, nil
	}
	finish := func(res *refreshResult, err error) (persistence.StatusKind, *bus.Event) {
		if res != nil {
			if perr := a.Store.SetProjectRefreshed(context.Background(), project.ID,
				res.lockedURL, res.meta.Title, res.meta.Description, res.meta.Homepage,
				res.actionsPath); perr != nil {
				a.logger.Error("persisting refresh failed", "project", handle.Name, "error", perr)
				err = perr
				res = nil
			}
		} else if err != nil {
			a.logger.Warn("project refresh failed", "project", handle.Name, "error", err)
		}
		ev := bus.ProjectUpdated(handle)
		return tasks.StatusFromOutcome(res, err), &ev
	}
	return tasks.Start(ctx, a.Tasks, task, body, finish)
}

// spawnAction creates an action record and runs its script as a recorded
// task. finish classifies the script's stdout; it runs after the script
// exits (or is canceled) and before the action's terminal status persists.
func (a *App) spawnAction(
	ctx context.Context,
	project persistence.Project,
	name string,
	input json.RawMessage,
	finish func(output *string, err error) persistence.StatusKind,
) (persistence.Action, error) {
	action, task, err := a.Store.CreateAction(ctx, project.ID, project.ActionsPath, name, string(input))
	if err != nil {
		return persistence.Action{}, err
	}
	handle := handles.Action{UUID: action.UUID}
	a.Bus.Log(bus.ActionNew(handle))

	body := func(ctx context.Context, logc chan<- string) (string, error) {
		return a.Actions.Exec(ctx, actions.Invocation{
			ProjectKey: project.Key,
			Path:       action.Path,
			Name:       name,
			Input:      input,
		}, logc)
	}
	wrap := func(output *string, err error) (persistence.StatusKind, *bus.Event) {
		status := finish(output, err)
		ev := bus.ActionFinished(handle)
		return status, &ev
	}
	if err := tasks.Start(ctx, a.Tasks, task, body, wrap); err != nil {
		return persistence.Action{}, err
	}
	return action, nil
}

// UpdateJobsets runs the project's `jobsets` action and replaces the jobset
// population with its output. Returns the resulting jobset names.
func (a *App) UpdateJobsets(ctx context.Context, handle handles.Project) ([]string, error) {
	project, err := a.getProject(ctx, handle)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		names []string
		err   error
	}
	done := make(chan outcome, 1)
	finish := func(output *string, err error) persistence.StatusKind {
		result := func() outcome {
			if err != nil {
				return outcome{err: err}
			}
			if output == nil {
				return outcome{err: badRequest("jobsets action canceled")}
			}
			decls, err := actions.ParseJobsets(*output)
			if err != nil {
				return outcome{err: badRequest("bad jobsets declaration: %v", err)}
			}
			if err := a.Store.SyncJobsets(context.Background(), project.ID, decls); err != nil {
				return outcome{err: err}
			}
			names := make([]string, 0, len(decls))
			for name := range decls {
				names = append(names, name)
			}
			return outcome{names: names}
		}()
		done <- result
		a.Bus.Log(bus.ProjectUpdated(handle))
		if result.err != nil {
			return persistence.StatusFailure
		}
		return persistence.StatusSuccess
	}

	if _, err := a.spawnAction(ctx, project, actions.NameJobsets, json.RawMessage("null"), finish); err != nil {
		return nil, err
	}

	select {
	case result := <-done:
		return result.names, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Webhook runs the project's `webhook` action on an incoming payload and
// lifts its commands to top-level requests for the caller to execute.
func (a *App) Webhook(ctx context.Context, handle handles.Project, input actions.WebhookInput) ([]Request, error) {
	project, err := a.getProject(ctx, handle)
	if err != nil {
		return nil, err
	}
	rawInput, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode webhook input: %w", err)
	}

	type outcome struct {
		commands []actions.Command
		err      error
	}
	done := make(chan outcome, 1)
	finish := func(output *string, err error) persistence.StatusKind {
		if err != nil {
			done <- outcome{err: err}
			return persistence.StatusFailure
		}
		if output == nil {
			done <- outcome{err: badRequest("webhook action canceled")}
			return persistence.StatusCanceled
		}
		commands, perr := actions.ParseWebhook(*output)
		if perr != nil {
			done <- outcome{err: badRequest("bad webhook output: %v", perr)}
			return persistence.StatusFailure
		}
		done <- outcome{commands: commands}
		return persistence.StatusSuccess
	}

	if _, err := a.spawnAction(ctx, project, actions.NameWebhook, rawInput, finish); err != nil {
		return nil, err
	}

	var result outcome
	select {
	case result = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.err != nil {
		return nil, result.err
	}

	requests := make([]Request, 0, len(result.commands))
	for _, cmd := range result.commands {
		jobset := handles.Jobset{Project: handle, Name: cmd.Name}
		switch cmd.Command {
		case actions.CommandEvaluateJobset:
			requests = append(requests, JobsetEvaluateReq{Jobset: jobset, Force: true})
		case actions.CommandNewJobset:
			requests = append(requests, NewJobsetReq{Jobset: jobset, Decl: *cmd.Decl})
		case actions.CommandDeleteJobset:
			requests = append(requests, DeleteJobsetReq{Jobset: jobset})
		}
	}
	return requests, nil
}
