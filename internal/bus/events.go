package bus

import (
	"encoding/json"
	"fmt"

	"github.com/petrel-ci/petrel/internal/handles"
)

// Kind discriminates the event union.
type Kind string

const (
	KindPing               Kind = "ping"
	KindProjectNew         Kind = "project_new"
	KindProjectUpdated     Kind = "project_updated"
	KindEvaluationNew      Kind = "evaluation_new"
	KindEvaluationFinished Kind = "evaluation_finished"
	KindBuildNew           Kind = "build_new"
	KindBuildFinished      Kind = "build_finished"
	KindActionNew          Kind = "action_new"
	KindActionFinished     Kind = "action_finished"
	KindRunNew             Kind = "run_new"
	KindRunUpdated         Kind = "run_updated"
)

// Event is a domain event broadcast to listeners. Exactly one of the handle
// fields is set, matching Kind; Ping carries none.
type Event struct {
	Kind       Kind
	Project    *handles.Project
	Evaluation *handles.Evaluation
	Build      *handles.Build
	Action     *handles.Action
	Run        *handles.Run
}

func Ping() Event                                  { return Event{Kind: KindPing} }
func ProjectNew(h handles.Project) Event           { return Event{Kind: KindProjectNew, Project: &h} }
func ProjectUpdated(h handles.Project) Event       { return Event{Kind: KindProjectUpdated, Project: &h} }
func EvaluationNew(h handles.Evaluation) Event     { return Event{Kind: KindEvaluationNew, Evaluation: &h} }
func EvaluationFinished(h handles.Evaluation) Event {
	return Event{Kind: KindEvaluationFinished, Evaluation: &h}
}
func BuildNew(h handles.Build) Event       { return Event{Kind: KindBuildNew, Build: &h} }
func BuildFinished(h handles.Build) Event  { return Event{Kind: KindBuildFinished, Build: &h} }
func ActionNew(h handles.Action) Event     { return Event{Kind: KindActionNew, Action: &h} }
func ActionFinished(h handles.Action) Event {
	return Event{Kind: KindActionFinished, Action: &h}
}
func RunNew(h handles.Run) Event     { return Event{Kind: KindRunNew, Run: &h} }
func RunUpdated(h handles.Run) Event { return Event{Kind: KindRunUpdated, Run: &h} }

// wireEvent is the external line-oriented representation: one JSON object per
// event, tagged on "event".
type wireEvent struct {
	Event      Kind                `json:"event"`
	Project    *handles.Project    `json:"project,omitempty"`
	Evaluation *handles.Evaluation `json:"evaluation,omitempty"`
	Build      *handles.Build      `json:"build,omitempty"`
	Action     *handles.Action     `json:"action,omitempty"`
	Run        *handles.Run        `json:"run,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Event:      e.Kind,
		Project:    e.Project,
		Evaluation: e.Evaluation,
		Build:      e.Build,
		Action:     e.Action,
		Run:        e.Run,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Kind:       w.Event,
		Project:    w.Project,
		Evaluation: w.Evaluation,
		Build:      w.Build,
		Action:     w.Action,
		Run:        w.Run,
	}
	return nil
}

func (e Event) String() string {
	switch {
	case e.Project != nil:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Project)
	case e.Evaluation != nil:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Evaluation)
	case e.Build != nil:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Build)
	case e.Action != nil:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Action)
	case e.Run != nil:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Run)
	default:
		return string(e.Kind)
	}
}
