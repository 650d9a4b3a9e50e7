package actions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petrel-ci/petrel/internal/persistence"
)

// Well-known action names with an output contract.
const (
	NameJobsets = "jobsets"
	NameBegin   = "begin"
	NameEnd     = "end"
	NameWebhook = "webhook"
)

const jobsetsSchemaText = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"properties": {
			"flake": {"type": "boolean"},
			"url": {"type": "string"}
		},
		"required": ["flake", "url"],
		"additionalProperties": false
	}
}`

const webhookSchemaText = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"command": {"enum": ["evaluate_jobset", "new_jobset", "delete_jobset"]},
			"name": {"type": "string"},
			"decl": {
				"type": "object",
				"properties": {
					"flake": {"type": "boolean"},
					"url": {"type": "string"}
				},
				"required": ["flake", "url"],
				"additionalProperties": false
			}
		},
		"required": ["command", "name"],
		"additionalProperties": false
	}
}`

var (
	jobsetsSchema = mustCompile("jobsets.json", jobsetsSchemaText)
	webhookSchema = mustCompile("webhook.json", webhookSchemaText)
)

func mustCompile(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

func validate(schema *jsonschema.Schema, output string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(output))
	if err != nil {
		return fmt.Errorf("action output is not JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("action output violates contract: %w", err)
	}
	return nil
}

// ParseJobsets decodes the `jobsets` action output: the declared jobset
// population keyed by name.
func ParseJobsets(output string) (map[string]persistence.JobsetDecl, error) {
	if err := validate(jobsetsSchema, output); err != nil {
		return nil, err
	}
	var decls map[string]persistence.JobsetDecl
	if err := json.Unmarshal([]byte(output), &decls); err != nil {
		return nil, fmt.Errorf("decode jobsets output: %w", err)
	}
	return decls, nil
}

// CommandKind tags a webhook command.
type CommandKind string

const (
	CommandEvaluateJobset CommandKind = "evaluate_jobset"
	CommandNewJobset      CommandKind = "new_jobset"
	CommandDeleteJobset   CommandKind = "delete_jobset"
)

// Command is one instruction emitted by the `webhook` action, lifted by the
// caller to an equivalent top-level request.
type Command struct {
	Command CommandKind             `json:"command"`
	Name    string                  `json:"name"`
	Decl    *persistence.JobsetDecl `json:"decl,omitempty"`
}

// ParseWebhook decodes the `webhook` action output.
func ParseWebhook(output string) ([]Command, error) {
	if err := validate(webhookSchema, output); err != nil {
		return nil, err
	}
	var commands []Command
	if err := json.Unmarshal([]byte(output), &commands); err != nil {
		return nil, fmt.Errorf("decode webhook output: %w", err)
	}
	for _, cmd := range commands {
		if cmd.Command == CommandNewJobset && cmd.Decl == nil {
			return nil, fmt.Errorf("webhook command new_jobset %q carries no declaration", cmd.Name)
		}
	}
	return commands, nil
}

// WebhookInput is the payload handed to the `webhook` action: the raw
// request as received by the outer API layer.
type WebhookInput struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}
