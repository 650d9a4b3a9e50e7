package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(t *testing.T, s *Store) Task {
	t.Helper()
	var task Task
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		task, err = CreateTask(context.Background(), tx)
		return err
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s.Close()
}

func TestStatusKindOrdinalRoundTrip(t *testing.T) {
	for _, k := range []StatusKind{StatusPending, StatusSuccess, StatusFailure, StatusCanceled} {
		got, err := KindFromInt(int(k))
		if err != nil {
			t.Fatalf("KindFromInt(%d): %v", int(k), err)
		}
		if got != k {
			t.Fatalf("round-trip %v -> %v", k, got)
		}
	}
	if _, err := KindFromInt(4); err == nil {
		t.Fatal("KindFromInt(4) should fail")
	}
	if _, err := KindFromInt(-1); err == nil {
		t.Fatal("KindFromInt(-1) should fail")
	}
}

func TestTaskStatusInvariants(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	cases := []struct {
		name   string
		status TaskStatus
		valid  bool
	}{
		{"queued", StatusPending.Status(nil, nil), true},
		{"running", StatusPending.Status(&now, nil), true},
		{"pending finished", StatusPending.Status(&now, &later), false},
		{"success", StatusSuccess.Status(&now, &later), true},
		{"success no times", StatusSuccess.Status(nil, nil), false},
		{"failure", StatusFailure.Status(&now, &later), true},
		{"failure no end", StatusFailure.Status(&now, nil), false},
		{"canceled before start", StatusCanceled.Status(nil, nil), true},
		{"canceled while running", StatusCanceled.Status(&now, &later), true},
		{"canceled half", StatusCanceled.Status(&now, nil), false},
	}
	for _, tc := range cases {
		if got := tc.status.Valid(); got != tc.valid {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(t, s)
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusPending || got.TimeStarted != nil {
		t.Fatalf("fresh task = %+v, want queued pending", got)
	}

	start := time.Now().UTC().Truncate(time.Second)
	if err := s.SetTaskStatus(ctx, task.ID, StatusPending.Status(&start, nil)); err != nil {
		t.Fatalf("set running: %v", err)
	}
	end := start.Add(2 * time.Second)
	stderr := "line1\nline2"
	if err := s.FinishTask(ctx, task.ID, StatusSuccess.Status(&start, &end), &stderr); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	got, err = s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get finished task: %v", err)
	}
	if got.Status != StatusSuccess || got.TimeStarted == nil || got.TimeFinished == nil {
		t.Fatalf("finished task = %+v", got)
	}
	if !got.TaskStatus().Valid() {
		t.Fatalf("persisted status violates invariant: %+v", got)
	}

	persisted, err := s.LogStderr(ctx, task.ID)
	if err != nil {
		t.Fatalf("log stderr: %v", err)
	}
	if persisted == nil || *persisted != stderr {
		t.Fatalf("stderr = %v, want %q", persisted, stderr)
	}
}

func TestProjectCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "test", "github:foo/bar", true, "AGE-SECRET-KEY-1TEST")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := s.CreateProject(ctx, "test", "x", true, "k"); err == nil {
		t.Fatal("duplicate project name should fail")
	}

	got, err := s.GetProject(ctx, "test")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.ID != p.ID || got.URL != "github:foo/bar" || !got.Flake {
		t.Fatalf("project = %+v", got)
	}

	if err := s.SetProjectRefreshed(ctx, p.ID, "github:foo/bar?rev=abc", "Title", "Desc", "https://x", "/nix/store/actions"); err != nil {
		t.Fatalf("set refreshed: %v", err)
	}
	got, _ = s.GetProject(ctx, "test")
	if got.URLLocked != "github:foo/bar?rev=abc" || got.ActionsPath != "/nix/store/actions" {
		t.Fatalf("refreshed project = %+v", got)
	}

	if _, err := s.GetProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project error = %v, want ErrNotFound", err)
	}

	projects, total, err := s.ListProjects(ctx, 10, 0)
	if err != nil || total != 1 || len(projects) != 1 {
		t.Fatalf("list projects = %v %d %v", projects, total, err)
	}
}

func TestSyncJobsets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "p", "url", true, "k")

	decls := map[string]JobsetDecl{
		"main": {Flake: true, URL: "github:foo/bar/main"},
		"dev":  {Flake: true, URL: "github:foo/bar/dev"},
	}
	if err := s.SyncJobsets(ctx, p.ID, decls); err != nil {
		t.Fatalf("sync: %v", err)
	}
	jobsets, _ := s.ListJobsets(ctx, p.ID)
	if len(jobsets) != 2 {
		t.Fatalf("jobsets = %v", jobsets)
	}

	// A changed declaration replaces the row; a missing one deletes it.
	decls = map[string]JobsetDecl{
		"main": {Flake: false, URL: "github:foo/bar/main"},
	}
	if err := s.SyncJobsets(ctx, p.ID, decls); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	jobsets, _ = s.ListJobsets(ctx, p.ID)
	if len(jobsets) != 1 || jobsets[0].Name != "main" || jobsets[0].Flake {
		t.Fatalf("jobsets after resync = %+v", jobsets)
	}

	if _, err := s.GetJobset(ctx, p.ID, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted jobset error = %v", err)
	}
}

func TestEvaluationReuseKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "p", "url", true, "k")

	eval, task, err := s.CreateEvaluation(ctx, p.ID, "main", "locked-url", "/actions", true)
	if err != nil {
		t.Fatalf("create evaluation: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("evaluation task status = %v", task.Status)
	}

	found, err := s.FindEvaluation(ctx, "main", "locked-url")
	if err != nil {
		t.Fatalf("find evaluation: %v", err)
	}
	if found.UUID != eval.UUID {
		t.Fatalf("found %s, want %s", found.UUID, eval.UUID)
	}

	if _, err := s.FindEvaluation(ctx, "main", "other-url"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find mismatch error = %v", err)
	}

	// A second evaluation of the same key wins the most-recent lookup.
	eval2, _, err := s.CreateEvaluation(ctx, p.ID, "main", "locked-url", "/actions", true)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	found, _ = s.FindEvaluation(ctx, "main", "locked-url")
	if found.UUID != eval2.UUID {
		t.Fatalf("most recent = %s, want %s", found.UUID, eval2.UUID)
	}
}

func TestJobsAndRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "p", "url", true, "k")
	eval, _, _ := s.CreateEvaluation(ctx, p.ID, "main", "locked", "", true)

	var job Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = InsertJob(ctx, tx, eval.ID, NewJob{
			Drv: "/nix/store/aaa-x.drv", Name: "x", Out: "/nix/store/aaa-x", System: "x86_64-linux",
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}

	run1, err := s.CreateRun(ctx, job.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run1.Num != 1 {
		t.Fatalf("first run num = %d, want 1", run1.Num)
	}
	run2, _ := s.CreateRun(ctx, job.ID)
	if run2.Num != 2 {
		t.Fatalf("second run num = %d, want 2", run2.Num)
	}

	got, _ := s.GetJob(ctx, eval.ID, "x86_64-linux", "x")
	if got.Tries != 2 {
		t.Fatalf("tries = %d, want 2", got.Tries)
	}

	// Run references are set once by the pipeline.
	build, _, _ := s.CreateBuild(ctx, job.Drv)
	action, _, _ := s.CreateAction(ctx, p.ID, "/actions", "begin", "{}")
	if err := s.SetRunBegin(ctx, run1.ID, action.ID, build.ID); err != nil {
		t.Fatalf("set begin: %v", err)
	}
	r, _ := s.GetRun(ctx, job.ID, 1)
	if r.BeginID == nil || *r.BeginID != action.ID || r.BuildID == nil || *r.BuildID != build.ID {
		t.Fatalf("run after begin = %+v", r)
	}
	if r.EndID != nil {
		t.Fatal("end_id set prematurely")
	}
}

func TestLastBuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	drv := "/nix/store/bbb-y.drv"
	if _, _, err := s.LastBuild(ctx, drv); !errors.Is(err, ErrNotFound) {
		t.Fatalf("last build of unknown drv = %v", err)
	}

	b1, task1, _ := s.CreateBuild(ctx, drv)
	start := time.Now().UTC()
	end := start.Add(time.Second)
	_ = s.FinishTask(ctx, task1.ID, StatusSuccess.Status(&start, &end), nil)

	b2, _, _ := s.CreateBuild(ctx, drv)

	last, lastTask, err := s.LastBuild(ctx, drv)
	if err != nil {
		t.Fatalf("last build: %v", err)
	}
	if last.UUID != b2.UUID {
		t.Fatalf("last build = %s, want %s (not %s)", last.UUID, b2.UUID, b1.UUID)
	}
	if lastTask.Status != StatusPending {
		t.Fatalf("last build task = %v", lastTask.Status)
	}
}
