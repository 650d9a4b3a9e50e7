package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
)

// ProjectDecl is the declared source of a project.
type ProjectDecl struct {
	URL   string `json:"url"`
	Flake bool   `json:"flake"`
}

// Request is the tagged union of controller operations. The outer API layer
// translates transport requests into these values.
type Request interface {
	isRequest()
	fmt.Stringer
}

// SearchKind selects what a SearchReq enumerates.
type SearchKind string

const (
	SearchProjects    SearchKind = "projects"
	SearchJobsets     SearchKind = "jobsets"
	SearchEvaluations SearchKind = "evaluations"
	SearchBuilds      SearchKind = "builds"
	SearchActions     SearchKind = "actions"
	SearchRuns        SearchKind = "runs"
)

type SearchReq struct {
	Kind    SearchKind
	Limit   int
	Offset  int
	Project string
	Jobset  string
	Job     string
	Drv     string
}

func (SearchReq) isRequest() {}
func (r SearchReq) String() string {
	return fmt.Sprintf("search %s", r.Kind)
}

type CreateProjectReq struct {
	Name string
	Decl ProjectDecl
}

func (CreateProjectReq) isRequest() {}
func (r CreateProjectReq) String() string {
	return fmt.Sprintf("create project %s", r.Name)
}

type ProjectInfoReq struct{ Project handles.Project }

func (ProjectInfoReq) isRequest() {}
func (r ProjectInfoReq) String() string { return fmt.Sprintf("project %s info", r.Project) }

type ProjectRefreshReq struct{ Project handles.Project }

func (ProjectRefreshReq) isRequest() {}
func (r ProjectRefreshReq) String() string { return fmt.Sprintf("project %s refresh", r.Project) }

type ProjectSetDeclReq struct {
	Project handles.Project
	Decl    ProjectDecl
}

func (ProjectSetDeclReq) isRequest() {}
func (r ProjectSetDeclReq) String() string { return fmt.Sprintf("project %s set-decl", r.Project) }

type ProjectUpdateJobsetsReq struct{ Project handles.Project }

func (ProjectUpdateJobsetsReq) isRequest() {}
func (r ProjectUpdateJobsetsReq) String() string {
	return fmt.Sprintf("project %s update-jobsets", r.Project)
}

type JobsetInfoReq struct{ Jobset handles.Jobset }

func (JobsetInfoReq) isRequest() {}
func (r JobsetInfoReq) String() string { return fmt.Sprintf("jobset %s info", r.Jobset) }

type JobsetEvaluateReq struct {
	Jobset handles.Jobset
	Force  bool
}

func (JobsetEvaluateReq) isRequest() {}
func (r JobsetEvaluateReq) String() string { return fmt.Sprintf("jobset %s evaluate", r.Jobset) }

// NewJobsetReq creates or replaces one jobset declaration. Lifted from
// webhook output.
type NewJobsetReq struct {
	Jobset handles.Jobset
	Decl   persistence.JobsetDecl
}

func (NewJobsetReq) isRequest() {}
func (r NewJobsetReq) String() string { return fmt.Sprintf("jobset %s create", r.Jobset) }

// DeleteJobsetReq removes one jobset. Lifted from webhook output.
type DeleteJobsetReq struct{ Jobset handles.Jobset }

func (DeleteJobsetReq) isRequest() {}
func (r DeleteJobsetReq) String() string { return fmt.Sprintf("jobset %s delete", r.Jobset) }

type EvaluationInfoReq struct{ Evaluation handles.Evaluation }

func (EvaluationInfoReq) isRequest() {}
func (r EvaluationInfoReq) String() string { return fmt.Sprintf("evaluation %s info", r.Evaluation) }

type EvaluationCancelReq struct{ Evaluation handles.Evaluation }

func (EvaluationCancelReq) isRequest() {}
func (r EvaluationCancelReq) String() string {
	return fmt.Sprintf("evaluation %s cancel", r.Evaluation)
}

type EvaluationLogReq struct{ Evaluation handles.Evaluation }

func (EvaluationLogReq) isRequest() {}
func (r EvaluationLogReq) String() string { return fmt.Sprintf("evaluation %s log", r.Evaluation) }

type JobInfoReq struct{ Job handles.Job }

func (JobInfoReq) isRequest() {}
func (r JobInfoReq) String() string { return fmt.Sprintf("job %s info", r.Job) }

type JobRerunReq struct{ Job handles.Job }

func (JobRerunReq) isRequest() {}
func (r JobRerunReq) String() string { return fmt.Sprintf("job %s rerun", r.Job) }

type RunInfoReq struct{ Run handles.Run }

func (RunInfoReq) isRequest() {}
func (r RunInfoReq) String() string { return fmt.Sprintf("run %s info", r.Run) }

type BuildInfoReq struct{ Build handles.Build }

func (BuildInfoReq) isRequest() {}
func (r BuildInfoReq) String() string { return fmt.Sprintf("build %s info", r.Build) }

type BuildLogReq struct{ Build handles.Build }

func (BuildLogReq) isRequest() {}
func (r BuildLogReq) String() string { return fmt.Sprintf("build %s log", r.Build) }

type ActionInfoReq struct{ Action handles.Action }

func (ActionInfoReq) isRequest() {}
func (r ActionInfoReq) String() string { return fmt.Sprintf("action %s info", r.Action) }

type ActionLogReq struct{ Action handles.Action }

func (ActionLogReq) isRequest() {}
func (r ActionLogReq) String() string { return fmt.Sprintf("action %s log", r.Action) }

// HandleRequest dispatches one request against the application context.
func (a *App) HandleRequest(ctx context.Context, req Request) (Response, error) {
	ctx, span := a.span(ctx, "handle_request", attribute.String("request", req.String()))
	defer span.End()

	resp, err := a.handleRequest(ctx, req)
	if err != nil {
		if IsUserError(err) {
			a.logger.Debug("request rejected", "request", req.String(), "error", err)
		} else {
			a.logger.Error("request failed", "request", req.String(), "error", err)
		}
		return nil, err
	}
	return resp, nil
}

func (a *App) handleRequest(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case SearchReq:
		return a.search(ctx, r)
	case CreateProjectReq:
		if err := a.CreateProject(ctx, r.Name, r.Decl); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case ProjectInfoReq:
		info, err := a.ProjectInfo(ctx, r.Project)
		if err != nil {
			return nil, err
		}
		return info, nil
	case ProjectRefreshReq:
		if err := a.RefreshProject(ctx, r.Project); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case ProjectSetDeclReq:
		if err := a.SetProjectDecl(ctx, r.Project, r.Decl); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case ProjectUpdateJobsetsReq:
		names, err := a.UpdateJobsets(ctx, r.Project)
		if err != nil {
			return nil, err
		}
		return ProjectUpdateJobsetsResp{Jobsets: names}, nil
	case JobsetInfoReq:
		return a.JobsetInfo(ctx, r.Jobset)
	case JobsetEvaluateReq:
		eval, err := a.EvaluateJobset(ctx, r.Jobset, r.Force)
		if err != nil {
			return nil, err
		}
		return JobsetEvaluateResp{Evaluation: eval}, nil
	case NewJobsetReq:
		if err := a.NewJobset(ctx, r.Jobset, r.Decl); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case DeleteJobsetReq:
		if err := a.DeleteJobset(ctx, r.Jobset); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case EvaluationInfoReq:
		return a.EvaluationInfo(ctx, r.Evaluation)
	case EvaluationCancelReq:
		if err := a.CancelEvaluation(ctx, r.Evaluation); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case EvaluationLogReq:
		lines, err := a.EvaluationLog(ctx, r.Evaluation)
		if err != nil {
			return nil, err
		}
		return LogResp{Lines: lines}, nil
	case JobInfoReq:
		return a.JobInfo(ctx, r.Job)
	case JobRerunReq:
		if err := a.RerunJob(ctx, r.Job); err != nil {
			return nil, err
		}
		return OkResp{}, nil
	case RunInfoReq:
		return a.RunInfo(ctx, r.Run)
	case BuildInfoReq:
		return a.BuildInfo(ctx, r.Build)
	case BuildLogReq:
		lines, err := a.BuildLog(ctx, r.Build)
		if err != nil {
			return nil, err
		}
		return LogResp{Lines: lines}, nil
	case ActionInfoReq:
		return a.ActionInfo(ctx, r.Action)
	case ActionLogReq:
		lines, err := a.ActionLog(ctx, r.Action)
		if err != nil {
			return nil, err
		}
		return LogResp{Lines: lines}, nil
	default:
		return nil, badRequest("unsupported request %T", req)
	}
}
