package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petrel-ci/petrel/internal/actions"
	"github.com/petrel-ci/petrel/internal/builds"
	"github.com/petrel-ci/petrel/internal/bus"
	"github.com/petrel-ci/petrel/internal/handles"
	"github.com/petrel-ci/petrel/internal/nix"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/sandbox"
)

// fakeDriver scripts every Nix interaction for the pipeline tests.
type fakeDriver struct {
	mu sync.Mutex
	// projectDecl is returned when the project declaration attribute is
	// evaluated.
	projectDecl json.RawMessage
	// jobs is returned by EvalJobs.
	jobs nix.NewJobs
	// actionsOut is the store path the actions derivation "builds" to.
	actionsOut string
	// buildBlocks holds builds the test wants to gate.
	buildBlocks map[string]chan error
	buildCount  map[string]int
}

func newCoreDriver() *fakeDriver {
	return &fakeDriver{
		projectDecl: json.RawMessage(`{}`),
		jobs:        nix.NewJobs{},
		buildBlocks: make(map[string]chan error),
		buildCount:  make(map[string]int),
	}
}

func (d *fakeDriver) Lock(ctx context.Context, url string) (string, error) {
	return url + "?locked", nil
}

func (d *fakeDriver) Eval(ctx context.Context, url, attr string, flake bool) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if attr == "petrelProject" {
		return d.projectDecl, nil
	}
	return json.RawMessage("null"), nil
}

func (d *fakeDriver) EvalJobs(ctx context.Context, url string, flake bool) (nix.NewJobs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs, nil
}

func (d *fakeDriver) Derivation(ctx context.Context, expr string) (nix.Derivation, error) {
	return nix.Derivation{Path: expr + ".drv", Outputs: map[string]string{"out": expr}}, nil
}

func (d *fakeDriver) DerivationJSON(ctx context.Context, drv string) (json.RawMessage, error) {
	doc := map[string]any{drv: map[string]any{"inputDrvs": map[string]any{}}}
	return json.Marshal(doc)
}

func (d *fakeDriver) Build(ctx context.Context, drv string, logc chan<- string) (map[string]string, error) {
	d.mu.Lock()
	d.buildCount[drv]++
	block := d.buildBlocks[drv]
	out := d.actionsOut
	d.mu.Unlock()
	if block != nil {
		select {
		case err := <-block:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	logc <- "building " + drv
	return map[string]string{"out": out}, nil
}

func (d *fakeDriver) IsCached(ctx context.Context, drv string) (bool, error) {
	return true, nil
}

func (d *fakeDriver) IsBuilt(ctx context.Context, drv string) (bool, error) {
	return false, nil
}

func (d *fakeDriver) CurrentSystem(ctx context.Context) (string, error) {
	return "x86_64-linux", nil
}

func writeActions(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			t.Fatalf("write action %s: %v", name, err)
		}
	}
	return dir
}

func testApp(t *testing.T) (*App, *fakeDriver) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	driver := newCoreDriver()
	app := New(Config{
		Store:  store,
		Nix:    driver,
		Runner: sandbox.Local{},
		System: "x86_64-linux",
	})
	t.Cleanup(func() {
		app.Shutdown(context.Background())
		_ = store.Close()
	})
	return app, driver
}

func must[T any](t *testing.T, v T, err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

// poll retries f until it returns true or the deadline passes.
func poll(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProjectNameValidation(t *testing.T) {
	app, _ := testApp(t)
	ctx := context.Background()

	for _, name := range []string{"", " ", "a b", "project/x", "ü"} {
		err := app.CreateProject(ctx, name, ProjectDecl{URL: "github:foo/bar", Flake: true})
		var br *BadRequestError
		if !errors.As(err, &br) {
			t.Errorf("CreateProject(%q) error = %v, want BadRequestError", name, err)
		}
	}
	if err := app.CreateProject(ctx, "A-b_0", ProjectDecl{URL: "github:foo/bar", Flake: true}); err != nil {
		t.Fatalf("CreateProject(A-b_0): %v", err)
	}
}

func TestCreateProjectConflict(t *testing.T) {
	app, _ := testApp(t)
	ctx := context.Background()

	if err := app.CreateProject(ctx, "test", ProjectDecl{URL: "u", Flake: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := app.CreateProject(ctx, "test", ProjectDecl{URL: "u", Flake: true})
	var cf *ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("duplicate create error = %v, want ConflictError", err)
	}
}

func TestCreateProjectAppearsInSearch(t *testing.T) {
	app, _ := testApp(t)
	ctx := context.Background()

	resp := must(t, app.HandleRequest(ctx, CreateProjectReq{
		Name: "test",
		Decl: ProjectDecl{URL: "path:./fixtures/empty", Flake: true},
	}))
	if _, ok := resp.(OkResp); !ok {
		t.Fatalf("response = %T, want OkResp", resp)
	}

	search := must(t, app.HandleRequest(ctx, SearchReq{Kind: SearchProjects})).(SearchResp)
	found := false
	for _, p := range search.Results.Projects {
		if p.Handle.Name == "test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("search results %v do not contain test", search.Results.Projects)
	}
}

// setupProject creates a project and refreshes it so its actions directory
// is in place.
func setupProject(t *testing.T, app *App, driver *fakeDriver, scripts map[string]string) handles.Project {
	t.Helper()
	ctx := context.Background()
	dir := writeActions(t, scripts)
	driver.mu.Lock()
	driver.projectDecl = json.RawMessage(fmt.Sprintf(
		`{"actions":{"x86_64-linux":"%s"},"meta":{"title":"Test","description":"d","homepage":"h"}}`, dir))
	driver.actionsOut = dir
	driver.mu.Unlock()

	if err := app.CreateProject(ctx, "test", ProjectDecl{URL: "path:./fixtures/empty", Flake: true}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := app.RefreshProject(ctx, handles.Project{Name: "test"}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	handle := handles.Project{Name: "test"}
	poll(t, "refresh to finish", func() bool {
		info, err := app.ProjectInfo(ctx, handle)
		return err == nil && info.LastRefresh != nil &&
			info.LastRefresh.Kind == persistence.StatusSuccess
	})
	info := must(t, app.ProjectInfo(ctx, handle))
	if info.ActionsPath != dir {
		t.Fatalf("actions path = %q, want %q", info.ActionsPath, dir)
	}
	if info.Metadata.Title != "Test" {
		t.Fatalf("metadata = %+v", info.Metadata)
	}
	if info.PublicKey == "" {
		t.Fatal("project info misses public key")
	}
	return handle
}

func TestHappyPath(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	project := setupProject(t, app, driver, map[string]string{
		"jobsets": `echo '{"main":{"flake":true,"url":"path:./fixtures/empty"}}'`,
	})

	names, err := app.UpdateJobsets(ctx, project)
	if err != nil {
		t.Fatalf("update jobsets: %v", err)
	}
	if len(names) != 1 || names[0] != "main" {
		t.Fatalf("jobset names = %v, want [main]", names)
	}

	jobset := handles.Jobset{Project: project, Name: "main"}
	evalHandle, err := app.EvaluateJobset(ctx, jobset, true)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	poll(t, "evaluation to succeed", func() bool {
		info, err := app.EvaluationInfo(ctx, evalHandle)
		return err == nil && info.Status.Kind == persistence.StatusSuccess
	})
	info := must(t, app.EvaluationInfo(ctx, evalHandle))
	if len(info.Jobs) != 0 {
		t.Fatalf("empty fixture should yield no jobs, got %v", info.Jobs)
	}
}

func TestEvaluationReuseWithoutForce(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	project := setupProject(t, app, driver, map[string]string{
		"jobsets": `echo '{"main":{"flake":true,"url":"path:./x"}}'`,
	})
	_, _ = app.UpdateJobsets(ctx, project)
	jobset := handles.Jobset{Project: project, Name: "main"}

	first := must(t, app.EvaluateJobset(ctx, jobset, true))
	second := must(t, app.EvaluateJobset(ctx, jobset, false))
	if first != second {
		t.Fatalf("re-evaluation without force created %s, want %s", second, first)
	}
	third := must(t, app.EvaluateJobset(ctx, jobset, true))
	if third == first {
		t.Fatal("forced evaluation should create a fresh record")
	}
}

func TestRunPipeline(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	project := setupProject(t, app, driver, map[string]string{
		"jobsets": `echo '{"main":{"flake":true,"url":"path:./x"}}'`,
		"begin":   `cat >&2; true`,
		"end":     `cat >&2; true`,
	})
	// Subscribe before the jobsets action, then drain its events so the
	// stream below contains only the run pipeline.
	sub := app.Bus.Listen()
	_, _ = app.UpdateJobsets(ctx, project)
	drainUntil(t, sub, bus.KindActionFinished)

	driver.mu.Lock()
	driver.jobs = nix.NewJobs{
		{System: "x86_64-linux", Name: "hello"}: {
			Drv: nix.Derivation{
				Path:    "/nix/store/aaa-hello.drv",
				Outputs: map[string]string{"out": "/nix/store/aaa-hello"},
			},
		},
	}
	driver.mu.Unlock()

	jobset := handles.Jobset{Project: project, Name: "main"}
	evalHandle := must(t, app.EvaluateJobset(ctx, jobset, true))

	jobHandle := handles.Job{Evaluation: evalHandle, System: "x86_64-linux", Name: "hello"}
	runHandle := handles.Run{Job: jobHandle, Num: 1}
	poll(t, "run to complete", func() bool {
		info, err := app.RunInfo(ctx, runHandle)
		return err == nil && info.End != nil &&
			info.End.Status.Kind.Terminal()
	})

	info := must(t, app.RunInfo(ctx, runHandle))
	if info.Begin == nil || info.Begin.Status.Kind != persistence.StatusSuccess {
		t.Fatalf("begin = %+v", info.Begin)
	}
	if info.Build == nil || info.Build.Status.Kind != persistence.StatusSuccess {
		t.Fatalf("build = %+v", info.Build)
	}
	if info.End == nil || info.End.Status.Kind != persistence.StatusSuccess {
		t.Fatalf("end = %+v", info.End)
	}
	if info.Build.Drv != "/nix/store/aaa-hello.drv" {
		t.Fatalf("build drv = %q", info.Build.Drv)
	}

	// The end action's input carries the build's final status.
	endInfo := must(t, app.ActionInfo(ctx, info.End.Handle))
	var input map[string]any
	if err := json.Unmarshal([]byte(endInfo.Input), &input); err != nil {
		t.Fatalf("end input: %v", err)
	}
	if input["status"] != "success" || input["job"] != "hello" || input["project"] != "test" {
		t.Fatalf("end input = %v", input)
	}

	assertRunEventOrder(t, sub)

	// The job's info reflects the completed run.
	jobInfo := must(t, app.JobInfo(ctx, jobHandle))
	if jobInfo.RunCount != 1 || jobInfo.LastRun.End == nil {
		t.Fatalf("job info = %+v", jobInfo)
	}
}

// drainUntil consumes events until one of the given kind arrives.
func drainUntil(t *testing.T, sub *bus.Subscription, kind bus.Kind) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				t.Fatal("bus closed while draining")
			}
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("never saw %s while draining", kind)
		}
	}
}

// assertRunEventOrder drains the subscription and checks the pipeline's
// event sequencing: begin precedes end, every new precedes its finished, and
// the first run update follows the run's creation. Action #1 is begin, #2 is
// end.
func assertRunEventOrder(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	needed := []string{
		string(bus.KindEvaluationNew),
		string(bus.KindRunNew),
		string(bus.KindRunUpdated),
		string(bus.KindBuildNew),
		string(bus.KindBuildFinished),
		"action_new#1", "action_finished#1",
		"action_new#2", "action_finished#2",
	}
	pos := map[string]int{}
	have := func() bool {
		for _, key := range needed {
			if _, ok := pos[key]; !ok {
				return false
			}
		}
		return true
	}
	var events []bus.Event
	deadline := time.After(2 * time.Second)
	for !have() {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				t.Fatalf("bus closed after %v", events)
			}
			events = append(events, ev)
			key := string(ev.Kind)
			switch ev.Kind {
			case bus.KindActionNew, bus.KindActionFinished:
				// Two actions fire per run; keep first and second sightings
				// apart.
				key = fmt.Sprintf("%s#%d", ev.Kind, countKind(events, ev.Kind))
			}
			if _, seen := pos[key]; !seen {
				pos[key] = len(events) - 1
			}
		case <-deadline:
			t.Fatalf("incomplete event stream: %v", events)
		}
	}

	order := func(a, b string) {
		t.Helper()
		if pos[a] > pos[b] {
			t.Fatalf("event %s at %d after %s at %d: %v", a, pos[a], b, pos[b], events)
		}
	}
	order(string(bus.KindBuildNew), string(bus.KindBuildFinished))
	order("action_new#1", "action_finished#1")
	order("action_finished#1", "action_new#2")
	order("action_new#2", "action_finished#2")
	order(string(bus.KindRunNew), string(bus.KindRunUpdated))
	order(string(bus.KindEvaluationNew), string(bus.KindBuildNew))
}

func countKind(events []bus.Event, kind bus.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestRerunJob(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	project := setupProject(t, app, driver, map[string]string{
		"jobsets": `echo '{"main":{"flake":true,"url":"path:./x"}}'`,
		"begin":   "true",
		"end":     "true",
	})
	_, _ = app.UpdateJobsets(ctx, project)
	driver.mu.Lock()
	driver.jobs = nix.NewJobs{
		{System: "x86_64-linux", Name: "hello"}: {
			Drv: nix.Derivation{Path: "/nix/store/bbb-hello.drv"},
		},
	}
	driver.mu.Unlock()

	evalHandle := must(t, app.EvaluateJobset(ctx, handles.Jobset{Project: project, Name: "main"}, true))
	jobHandle := handles.Job{Evaluation: evalHandle, System: "x86_64-linux", Name: "hello"}
	runHandle := handles.Run{Job: jobHandle, Num: 1}
	poll(t, "first run to complete", func() bool {
		info, err := app.RunInfo(ctx, runHandle)
		return err == nil && info.End != nil && info.End.Status.Kind.Terminal()
	})

	if err := app.RerunJob(ctx, jobHandle); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	second := handles.Run{Job: jobHandle, Num: 2}
	poll(t, "second run to complete", func() bool {
		info, err := app.RunInfo(ctx, second)
		return err == nil && info.End != nil && info.End.Status.Kind.Terminal()
	})
	jobInfo := must(t, app.JobInfo(ctx, jobHandle))
	if jobInfo.RunCount != 2 {
		t.Fatalf("run count = %d, want 2", jobInfo.RunCount)
	}
}

func TestWebhookLifting(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	project := setupProject(t, app, driver, map[string]string{
		"webhook": `echo '[{"command":"new_jobset","name":"dev","decl":{"flake":true,"url":"path:./dev"}},{"command":"evaluate_jobset","name":"dev"}]'`,
	})

	requests, err := app.Webhook(ctx, project, actions.WebhookInput{
		Headers: map[string]string{"x-event": "push"},
		Body:    "{}",
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("requests = %v", requests)
	}
	if _, ok := requests[0].(NewJobsetReq); !ok {
		t.Fatalf("first request = %T, want NewJobsetReq", requests[0])
	}
	evalReq, ok := requests[1].(JobsetEvaluateReq)
	if !ok || !evalReq.Force || evalReq.Jobset.Name != "dev" {
		t.Fatalf("second request = %+v", requests[1])
	}

	// Executing the lifted NewJobset makes the jobset addressable.
	if _, err := app.HandleRequest(ctx, requests[0]); err != nil {
		t.Fatalf("lifted new_jobset: %v", err)
	}
	jsInfo := must(t, app.JobsetInfo(ctx, handles.Jobset{Project: project, Name: "dev"}))
	if jsInfo.URL != "path:./dev" {
		t.Fatalf("jobset info = %+v", jsInfo)
	}
}

func TestWebhookBadOutput(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()
	project := setupProject(t, app, driver, map[string]string{
		"webhook": `echo 'not json'`,
	})
	_, err := app.Webhook(ctx, project, actions.WebhookInput{})
	var br *BadRequestError
	if !errors.As(err, &br) {
		t.Fatalf("error = %v, want BadRequestError", err)
	}
}

func TestJobsetSyncReplacesPopulation(t *testing.T) {
	app, driver := testApp(t)
	ctx := context.Background()

	dir := writeActions(t, map[string]string{
		"jobsets": `echo '{}'`,
	})
	driver.mu.Lock()
	driver.projectDecl = json.RawMessage(fmt.Sprintf(`{"actions":{"x86_64-linux":"%s"}}`, dir))
	driver.actionsOut = dir
	driver.mu.Unlock()

	_ = app.CreateProject(ctx, "test", ProjectDecl{URL: "u", Flake: true})
	_ = app.RefreshProject(ctx, handles.Project{Name: "test"})
	project := handles.Project{Name: "test"}
	poll(t, "refresh", func() bool {
		info, err := app.ProjectInfo(ctx, project)
		return err == nil && info.ActionsPath != ""
	})

	// First declared set: {alpha}.
	writeJobsetsScript(t, dir, `{"alpha":{"flake":true,"url":"path:./a"}}`)
	names, err := app.UpdateJobsets(ctx, project)
	if err != nil || len(names) != 1 || names[0] != "alpha" {
		t.Fatalf("first update = %v %v", names, err)
	}

	// Second declared set: {beta}; alpha disappears.
	writeJobsetsScript(t, dir, `{"beta":{"flake":false,"url":"path:./b"}}`)
	names, err = app.UpdateJobsets(ctx, project)
	if err != nil || len(names) != 1 || names[0] != "beta" {
		t.Fatalf("second update = %v %v", names, err)
	}
	info := must(t, app.ProjectInfo(ctx, project))
	if len(info.Jobsets) != 1 || info.Jobsets[0] != "beta" {
		t.Fatalf("jobsets = %v, want [beta]", info.Jobsets)
	}
}

func writeJobsetsScript(t *testing.T, dir, output string) {
	t.Helper()
	body := fmt.Sprintf("#!/bin/sh\necho '%s'\n", output)
	if err := os.WriteFile(filepath.Join(dir, "jobsets"), []byte(body), 0o755); err != nil {
		t.Fatalf("write jobsets script: %v", err)
	}
}

func TestShutdownDuringBuild(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	driver := newCoreDriver()
	app := New(Config{Store: store, Nix: driver, Runner: sandbox.Local{}, System: "x86_64-linux"})

	drv := "/nix/store/ccc-slow.drv"
	driver.mu.Lock()
	driver.buildBlocks[drv] = make(chan error) // never released
	driver.mu.Unlock()

	handle := app.Builds.Request(drv)
	poll(t, "build to start", func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return driver.buildCount[drv] > 0
	})

	sub := app.Bus.Listen()
	app.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got := handle.Wait(ctx); got != builds.OutcomeCanceled {
		t.Fatalf("outcome = %v, want canceled", got)
	}

	_, task, err := store.LastBuild(context.Background(), drv)
	if err != nil {
		t.Fatalf("last build: %v", err)
	}
	if task.Status != persistence.StatusCanceled {
		t.Fatalf("build task status = %v, want canceled", task.Status)
	}
	// The live buffer was drained into the persistent log.
	if stderr, err := store.LogStderr(context.Background(), task.ID); err != nil || stderr == nil {
		t.Fatalf("log stderr: %v %v", stderr, err)
	}

	// The bus emits nothing further: the subscription channel is closed.
	for {
		if _, ok := <-sub.Ch(); !ok {
			break
		}
	}
}
