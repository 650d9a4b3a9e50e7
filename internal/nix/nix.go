// Package nix drives the Nix CLI: locking flake refs, evaluating jobsets,
// inspecting derivations and running builds with structured log capture.
package nix

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Derivation is the partial shape of `nix derivation show` output the
// controller cares about: the .drv path and its outputs.
type Derivation struct {
	Path    string
	Outputs map[string]string
}

// DefaultOutput picks the conventional output path: "out" when present,
// otherwise any.
func (d Derivation) DefaultOutput() string {
	if out, ok := d.Outputs["out"]; ok {
		return out
	}
	for _, path := range d.Outputs {
		return path
	}
	return ""
}

// JobKey identifies a job inside a jobset evaluation.
type JobKey struct {
	System string
	Name   string
}

// JobSpec is a discovered job: its derivation and whether it is marked for
// distribution.
type JobSpec struct {
	Drv  Derivation
	Dist bool
}

// NewJobs is the result of evaluating a jobset.
type NewJobs map[JobKey]JobSpec

// Driver is the Nix interface the controller consumes. Tests substitute an
// instrumented fake.
type Driver interface {
	// Lock pins a flake url to its locked form.
	Lock(ctx context.Context, url string) (string, error)
	// Eval evaluates url#attr and returns the raw JSON value.
	Eval(ctx context.Context, url, attr string, flake bool) (json.RawMessage, error)
	// EvalJobs discovers the jobs declared by a jobset.
	EvalJobs(ctx context.Context, url string, flake bool) (NewJobs, error)
	// Derivation resolves an expression that evaluates to one derivation.
	Derivation(ctx context.Context, expr string) (Derivation, error)
	// DerivationJSON returns the raw `nix derivation show` output for a
	// store path.
	DerivationJSON(ctx context.Context, drv string) (json.RawMessage, error)
	// Build realises a derivation, streaming its build log lines, and
	// returns the output name/path map.
	Build(ctx context.Context, drv string, logc chan<- string) (map[string]string, error)
	// IsCached reports whether the derivation needs no local build.
	IsCached(ctx context.Context, drv string) (bool, error)
	// IsBuilt reports whether the derivation's outputs are all present.
	IsBuilt(ctx context.Context, drv string) (bool, error)
	// CurrentSystem returns the local Nix system string.
	CurrentSystem(ctx context.Context) (string, error)
}

// CommandError is a failed Nix invocation with its captured output.
type CommandError struct {
	Cmd    string
	Stdout string
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("nix command failed: %s: %s", e.Cmd, strings.TrimSpace(e.Stderr))
}

// jobsAttr is the flake attribute a jobset evaluation reads.
const jobsAttr = "petrelJobs"

// CLI is the production Driver backed by the nix binary.
type CLI struct{}

var _ Driver = CLI{}

func runNix(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "nix", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), &CommandError{
			Cmd:    "nix " + strings.Join(args, " "),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}
	return stdout.String(), stderr.String(), nil
}

// Lock resolves a flake url to its locked form via the flake metadata.
func (CLI) Lock(ctx context.Context, url string) (string, error) {
	stdout, _, err := runNix(ctx, "flake", "metadata", "--json", url)
	if err != nil {
		return "", err
	}
	var meta struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(stdout), &meta); err != nil {
		return "", fmt.Errorf("parse flake metadata for %s: %w", url, err)
	}
	if meta.URL == "" {
		return "", fmt.Errorf("flake metadata for %s carries no locked url", url)
	}
	return meta.URL, nil
}

func (CLI) Eval(ctx context.Context, url, attr string, flake bool) (json.RawMessage, error) {
	var args []string
	if flake {
		args = []string{"eval", "--json", fmt.Sprintf("%s#%s", url, attr)}
	} else {
		args = []string{"eval", "--json", "--file", url, attr}
	}
	stdout, _, err := runNix(ctx, args...)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(stdout), nil
}

func (c CLI) EvalJobs(ctx context.Context, url string, flake bool) (NewJobs, error) {
	raw, err := c.Eval(ctx, url, jobsAttr, flake)
	if err != nil {
		return nil, err
	}
	var tree map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse %s of %s: %w", jobsAttr, url, err)
	}
	jobs := make(NewJobs)
	for system, names := range tree {
		for name := range names {
			attr := fmt.Sprintf("%s.%s.%s", jobsAttr, system, name)
			drv, err := c.Derivation(ctx, fmt.Sprintf("%s#%s", url, attr))
			if err != nil {
				return nil, err
			}
			dist := false
			if distRaw, err := c.Eval(ctx, url, attr+".passthru.petrelDist", flake); err == nil {
				_ = json.Unmarshal(distRaw, &dist)
			}
			jobs[JobKey{System: system, Name: name}] = JobSpec{Drv: drv, Dist: dist}
		}
	}
	return jobs, nil
}

func (c CLI) Derivation(ctx context.Context, expr string) (Derivation, error) {
	raw, err := c.DerivationJSON(ctx, expr)
	if err != nil {
		return Derivation{}, err
	}
	return ParseDerivation(raw)
}

func (CLI) DerivationJSON(ctx context.Context, drv string) (json.RawMessage, error) {
	stdout, _, err := runNix(ctx, "derivation", "show", drv)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(stdout), nil
}

// Build runs `nix build` with internal-json logging, forwarding the
// derivation's own log lines to logc.
func (CLI) Build(ctx context.Context, drv string, logc chan<- string) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "nix",
		"build", "--log-format", "internal-json", "--json", "--no-link", drv+"^*")
	var stdout strings.Builder
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe nix build stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start nix build: %w", err)
	}

	forwardBuildLog(drv, bufio.NewScanner(stderr), logc)

	if err := cmd.Wait(); err != nil {
		return nil, &CommandError{Cmd: "nix build " + drv, Stdout: stdout.String()}
	}
	return ParseBuildOutputs([]byte(stdout.String()))
}

// forwardBuildLog filters the internal-json stream down to the lines of the
// derivation being built.
func forwardBuildLog(drv string, scanner *bufio.Scanner, logc chan<- string) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var drvID uint64
	for scanner.Scan() {
		msg, ok := ParseMessage(scanner.Text())
		if !ok {
			continue
		}
		switch msg.Kind {
		case MessageStart:
			if msg.Drv == drv {
				drvID = msg.ID
			}
		case MessagePhase:
			if drvID != 0 && msg.ID == drvID {
				logc <- fmt.Sprintf("entering phase %q", msg.Phase)
			}
		case MessageBuildLogLine:
			if drvID != 0 && msg.ID == drvID {
				logc <- msg.Line
			}
		}
	}
}

func (CLI) IsCached(ctx context.Context, drv string) (bool, error) {
	_, stderr, err := runNix(ctx, "build", "--dry-run", drv+"^*")
	if err != nil {
		return false, err
	}
	// The dry run names every derivation it would build locally.
	return !strings.Contains(stderr, drv), nil
}

func (CLI) IsBuilt(ctx context.Context, drv string) (bool, error) {
	_, stderr, err := runNix(ctx, "build", "--dry-run", drv+"^*")
	if err != nil {
		return false, err
	}
	// Nothing to build, nothing to fetch.
	return strings.TrimSpace(stderr) == "", nil
}

func (CLI) CurrentSystem(ctx context.Context) (string, error) {
	stdout, _, err := runNix(ctx, "eval", "--impure", "--raw", "--expr", "builtins.currentSystem")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// ParseDerivation extracts the single derivation from `nix derivation show`
// output. Fails if the expression resolved to zero or several derivations.
func ParseDerivation(raw json.RawMessage) (Derivation, error) {
	var byPath map[string]struct {
		Outputs map[string]struct {
			Path string `json:"path"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &byPath); err != nil {
		return Derivation{}, fmt.Errorf("parse derivation json: %w", err)
	}
	if len(byPath) != 1 {
		return Derivation{}, fmt.Errorf("expected exactly one derivation, got %d", len(byPath))
	}
	for path, d := range byPath {
		outputs := make(map[string]string, len(d.Outputs))
		for name, o := range d.Outputs {
			outputs[name] = o.Path
		}
		return Derivation{Path: path, Outputs: outputs}, nil
	}
	return Derivation{}, nil
}

// InputDrvs lists the input derivation paths of drv from its `nix derivation
// show` JSON.
func InputDrvs(drv string, raw json.RawMessage) ([]string, error) {
	var byPath map[string]struct {
		InputDrvs map[string]json.RawMessage `json:"inputDrvs"`
	}
	if err := json.Unmarshal(raw, &byPath); err != nil {
		return nil, fmt.Errorf("parse derivation json: %w", err)
	}
	entry, ok := byPath[drv]
	if !ok {
		return nil, fmt.Errorf("derivation %s missing from its own json", drv)
	}
	inputs := make([]string, 0, len(entry.InputDrvs))
	for input := range entry.InputDrvs {
		inputs = append(inputs, input)
	}
	return inputs, nil
}

// ParseBuildOutputs extracts the output map from `nix build --json` stdout.
func ParseBuildOutputs(stdout []byte) (map[string]string, error) {
	var results []struct {
		Outputs map[string]string `json:"outputs"`
	}
	if err := json.Unmarshal(stdout, &results); err != nil {
		return nil, fmt.Errorf("parse nix build output: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("expected exactly one built derivation, got %d", len(results))
	}
	return results[0].Outputs, nil
}
