package core

import (
	"context"

	"github.com/petrel-ci/petrel/internal/handles"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// search enumerates resources of one kind with limit/offset paging.
func (a *App) search(ctx context.Context, req SearchReq) (SearchResp, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	resp := SearchResp{Kind: req.Kind}
	switch req.Kind {
	case SearchProjects:
		projects, total, err := a.Store.ListProjects(ctx, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, p := range projects {
			resp.Results.Projects = append(resp.Results.Projects, ProjectSearchResult{
				Handle: handles.Project{Name: p.Name},
				Metadata: ProjectMetadata{
					Title:       p.Title,
					Description: p.Description,
					Homepage:    p.Homepage,
				},
			})
		}
		resp.Total = total
	case SearchJobsets:
		refs, total, err := a.Store.SearchJobsets(ctx, req.Project, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, ref := range refs {
			resp.Results.Jobsets = append(resp.Results.Jobsets, handles.Jobset{
				Project: handles.Project{Name: ref.Project},
				Name:    ref.Name,
			})
		}
		resp.Total = total
	case SearchEvaluations:
		evals, total, err := a.Store.SearchEvaluations(ctx, req.Project, req.Jobset, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, e := range evals {
			resp.Results.Evaluations = append(resp.Results.Evaluations, handles.Evaluation{UUID: e.UUID})
		}
		resp.Total = total
	case SearchBuilds:
		builds, total, err := a.Store.ListBuilds(ctx, req.Drv, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, b := range builds {
			resp.Results.Builds = append(resp.Results.Builds, handles.Build{UUID: b.UUID})
		}
		resp.Total = total
	case SearchActions:
		actions, total, err := a.Store.SearchActions(ctx, req.Project, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, action := range actions {
			resp.Results.Actions = append(resp.Results.Actions, handles.Action{UUID: action.UUID})
		}
		resp.Total = total
	case SearchRuns:
		runs, total, err := a.Store.SearchRuns(ctx, req.Project, req.Jobset, req.Job, limit, offset)
		if err != nil {
			return SearchResp{}, err
		}
		for _, run := range runs {
			resp.Results.Runs = append(resp.Results.Runs, handles.Run{
				Job: handles.Job{
					Evaluation: handles.Evaluation{UUID: run.Evaluation},
					System:     run.System,
					Name:       run.Job,
				},
				Num: run.Num,
			})
		}
		resp.Total = total
	default:
		return SearchResp{}, badRequest("unknown search kind %q", req.Kind)
	}
	return resp, nil
}
