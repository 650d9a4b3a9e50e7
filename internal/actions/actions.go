// Package actions invokes project-supplied action scripts inside the sandbox
// with a JSON stdin payload and decrypted secrets, and checks their stdout
// against the per-action output contracts.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petrel-ci/petrel/internal/sandbox"
	"github.com/petrel-ci/petrel/internal/secrets"
)

// ErrScriptNotFound means the project declares no script with the requested
// name under its actions path.
var ErrScriptNotFound = errors.New("action script not found")

// ErrInvalidSecrets means the secrets file decrypted but is not a JSON
// object.
var ErrInvalidSecrets = errors.New("secrets are not a JSON object")

// Executor runs action scripts.
type Executor struct {
	Runner  sandbox.Runner
	Decoder secrets.Decoder
}

// Invocation describes one action run.
type Invocation struct {
	// ProjectKey is the project's private X25519 identity.
	ProjectKey string
	// Path is the project's actions directory; "" means the project has no
	// actions.
	Path string
	// Name is the script name under Path.
	Name string
	// Input is the action-specific payload.
	Input json.RawMessage
}

// payload is the JSON handed to every action on stdin.
type payload struct {
	Input   json.RawMessage `json:"input"`
	Secrets json.RawMessage `json:"secrets"`
}

// Exec runs the action and returns its raw stdout. Stderr lines stream into
// stderrc while the script runs.
func (e *Executor) Exec(ctx context.Context, inv Invocation, stderrc chan<- string) (string, error) {
	script := filepath.Join(inv.Path, inv.Name)
	if inv.Path == "" {
		return "", ErrScriptNotFound
	}
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, script)
	}

	decrypted, err := e.loadSecrets(inv)
	if err != nil {
		return "", err
	}

	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	stdin, err := json.Marshal(payload{Input: input, Secrets: decrypted})
	if err != nil {
		return "", fmt.Errorf("encode action payload: %w", err)
	}

	stdout, err := e.Runner.Exec(ctx, script, stdin, stderrc)
	if err != nil {
		return "", err
	}
	return string(stdout), nil
}

// loadSecrets reads and decrypts Path/secrets, defaulting to an empty object
// when the file does not exist.
func (e *Executor) loadSecrets(inv Invocation) (json.RawMessage, error) {
	encrypted, err := os.ReadFile(filepath.Join(inv.Path, "secrets"))
	if errors.Is(err, os.ErrNotExist) {
		return json.RawMessage("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	plain, err := e.Decoder.Decrypt(encrypted, inv.ProjectKey)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(plain, &obj); err != nil {
		return nil, ErrInvalidSecrets
	}
	return json.RawMessage(plain), nil
}
