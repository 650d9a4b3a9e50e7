package cron

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrel-ci/petrel/internal/core"
	"github.com/petrel-ci/petrel/internal/nix"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/sandbox"
)

type stubDriver struct{}

func (stubDriver) Lock(ctx context.Context, url string) (string, error) { return url, nil }
func (stubDriver) Eval(ctx context.Context, url, attr string, flake bool) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}
func (stubDriver) EvalJobs(ctx context.Context, url string, flake bool) (nix.NewJobs, error) {
	return nix.NewJobs{}, nil
}
func (stubDriver) Derivation(ctx context.Context, expr string) (nix.Derivation, error) {
	return nix.Derivation{Path: expr}, nil
}
func (stubDriver) DerivationJSON(ctx context.Context, drv string) (json.RawMessage, error) {
	return json.RawMessage("{}"), nil
}
func (stubDriver) Build(ctx context.Context, drv string, logc chan<- string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (stubDriver) IsCached(ctx context.Context, drv string) (bool, error) { return true, nil }
func (stubDriver) IsBuilt(ctx context.Context, drv string) (bool, error) { return false, nil }
func (stubDriver) CurrentSystem(ctx context.Context) (string, error) {
	return "x86_64-linux", nil
}

func TestBadScheduleRejected(t *testing.T) {
	if _, err := NewScheduler(Config{Schedule: "not a cron line"}); err == nil {
		t.Fatal("bad schedule should be rejected")
	}
	if _, err := NewScheduler(Config{Schedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestFireEvaluatesAllJobsets(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	app := core.New(core.Config{
		Store: store, Nix: stubDriver{}, Runner: sandbox.Local{}, System: "x86_64-linux",
	})
	defer app.Shutdown(context.Background())

	ctx := context.Background()
	if err := app.CreateProject(ctx, "p", core.ProjectDecl{URL: "path:./x", Flake: true}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	project, _ := store.GetProject(ctx, "p")
	if err := store.SyncJobsets(ctx, project.ID, map[string]persistence.JobsetDecl{
		"main": {Flake: true, URL: "path:./x"},
		"dev":  {Flake: true, URL: "path:./y"},
	}); err != nil {
		t.Fatalf("sync jobsets: %v", err)
	}

	s, err := NewScheduler(Config{App: app, Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.fire(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evals, total, err := store.SearchEvaluations(ctx, "p", "", 10, 0)
		if err != nil {
			t.Fatalf("search evaluations: %v", err)
		}
		if total == 2 && len(evals) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("poll did not evaluate both jobsets")
}
