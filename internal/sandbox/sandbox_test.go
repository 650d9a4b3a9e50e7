package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLocalExec(t *testing.T) {
	script := writeScript(t, `
read input
echo "got: $input"
echo "progress" >&2
`)
	stderrc := make(chan string, 8)
	stdout, err := Local{}.Exec(context.Background(), script, []byte("hello\n"), stderrc)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if string(stdout) != "got: hello\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	close(stderrc)
	var lines []string
	for line := range stderrc {
		lines = append(lines, line)
	}
	if len(lines) != 1 || lines[0] != "progress" {
		t.Fatalf("stderr lines = %v", lines)
	}
}

func TestLocalExecExitError(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	_, err := Local{}.Exec(context.Background(), script, nil, nil)
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("error = %v, want ExitError{3}", err)
	}
}

func TestLocalExecLaunchError(t *testing.T) {
	_, err := Local{}.Exec(context.Background(), "/nonexistent/script", nil, nil)
	var launch *LaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("error = %v, want LaunchError", err)
	}
}

func TestLocalExecNonUTF8(t *testing.T) {
	script := writeScript(t, `printf '\377\376'`)
	_, err := Local{}.Exec(context.Background(), script, nil, nil)
	if !errors.Is(err, ErrNonUTF8) {
		t.Fatalf("error = %v, want ErrNonUTF8", err)
	}
}
