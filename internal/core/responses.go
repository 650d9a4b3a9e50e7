package core

import (
	"time"

	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/persistence"
)

// Response is the tagged union of request results.
type Response interface{ isResponse() }

type OkResp struct{}

func (OkResp) isResponse() {}

// LogResp streams a task's log: the live feed while it runs, the persisted
// stderr afterwards.
type LogResp struct {
	Lines <-chan string
}

func (LogResp) isResponse() {}

// ProjectMetadata is the descriptive part of a project declaration.
type ProjectMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
}

type ProjectInfoResp struct {
	Handle      handles.Project
	ActionsPath string
	Decl        ProjectDecl
	URLLocked   string
	Jobsets     []string
	LastRefresh *persistence.TaskStatus
	Metadata    ProjectMetadata
	PublicKey   string
}

func (ProjectInfoResp) isResponse() {}

type ProjectUpdateJobsetsResp struct {
	Jobsets []string
}

func (ProjectUpdateJobsetsResp) isResponse() {}

type JobsetInfoResp struct {
	Handle handles.Jobset
	Flake  bool
	URL    string
}

func (JobsetInfoResp) isResponse() {}

type JobsetEvaluateResp struct {
	Evaluation handles.Evaluation
}

func (JobsetEvaluateResp) isResponse() {}

// JobSystemName keys the jobs map of an evaluation.
type JobSystemName struct {
	System string
	Name   string
}

type BuildInfoResp struct {
	Handle handles.Build
	Drv    string
	Status persistence.TaskStatus
}

func (BuildInfoResp) isResponse() {}

type ActionInfoResp struct {
	Handle  handles.Action
	Project handles.Project
	Input   string
	Name    string
	Path    string
	Status  persistence.TaskStatus
}

func (ActionInfoResp) isResponse() {}

type RunInfoResp struct {
	Handle handles.Run
	Begin  *ActionInfoResp
	Build  *BuildInfoResp
	End    *ActionInfoResp
}

func (RunInfoResp) isResponse() {}

type JobInfoResp struct {
	Handle   handles.Job
	Dist     bool
	Drv      string
	Out      string
	System   string
	LastRun  RunInfoResp
	RunCount int64
}

func (JobInfoResp) isResponse() {}

type EvaluationInfoResp struct {
	Handle      handles.Evaluation
	Project     handles.Project
	ActionsPath string
	Flake       bool
	JobsetName  string
	Status      persistence.TaskStatus
	TimeCreated time.Time
	URL         string
	// Jobs is populated only once the evaluation succeeded.
	Jobs map[JobSystemName]JobInfoResp
}

func (EvaluationInfoResp) isResponse() {}

// SearchResults is the union payload of a SearchResp.
type SearchResults struct {
	Projects    []ProjectSearchResult
	Jobsets     []handles.Jobset
	Evaluations []handles.Evaluation
	Builds      []handles.Build
	Actions     []handles.Action
	Runs        []handles.Run
}

type ProjectSearchResult struct {
	Handle   handles.Project
	Metadata ProjectMetadata
}

type SearchResp struct {
	Kind    SearchKind
	Results SearchResults
	Total   int64
}

func (SearchResp) isResponse() {}
