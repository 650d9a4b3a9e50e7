// Package handles defines the stable identifiers clients use to name
// resources: project names, jobset names scoped to a project, and UUIDs for
// evaluations, builds and actions.
package handles

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// nameRE matches legal project names: non-empty sequences of alphanumerical
// characters, dashes and underscores.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Project names a project.
type Project struct {
	Name string `json:"name"`
}

// Legal reports whether the project name is well-formed.
func (p Project) Legal() bool {
	return nameRE.MatchString(p.Name)
}

func (p Project) String() string {
	return p.Name
}

// Jobset names a jobset within a project.
type Jobset struct {
	Project Project `json:"project"`
	Name    string  `json:"name"`
}

func (j Jobset) String() string {
	return fmt.Sprintf("%s:%s", j.Project, j.Name)
}

// Evaluation names an evaluation by its UUID.
type Evaluation struct {
	UUID uuid.UUID `json:"uuid"`
}

func (e Evaluation) String() string {
	return e.UUID.String()
}

// Job names a job within an evaluation.
type Job struct {
	Evaluation Evaluation `json:"evaluation"`
	System     string     `json:"system"`
	Name       string     `json:"name"`
}

func (j Job) String() string {
	return fmt.Sprintf("%s:%s:%s", j.Evaluation, j.System, j.Name)
}

// Run names a run of a job by its 1-based number.
type Run struct {
	Job Job   `json:"job"`
	Num int64 `json:"num"`
}

func (r Run) String() string {
	return fmt.Sprintf("%s:%d", r.Job, r.Num)
}

// Build names a build by its UUID.
type Build struct {
	UUID uuid.UUID `json:"uuid"`
}

func (b Build) String() string {
	return b.UUID.String()
}

// Action names an action by its UUID.
type Action struct {
	UUID uuid.UUID `json:"uuid"`
}

func (a Action) String() string {
	return a.UUID.String()
}
