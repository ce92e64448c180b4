// Package taskspec reads task definition files (JSON or YAML) for the CLI and
// validates them against an embedded JSON Schema before they reach the store.
package taskspec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/schedule"
	"github.com/basket/clawtask/internal/shared"
)

//go:embed task.schema.json
var schemaJSON []byte

// ValidationError is returned when a definition is malformed or does not
// satisfy the schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid task definition: " + e.Message
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func taskSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("task.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("task.schema.json")
	})
	return compiled, compileErr
}

// SchemaJSON returns the raw embedded schema.
func SchemaJSON() []byte {
	return append([]byte(nil), schemaJSON...)
}

type file struct {
	Type           string        `json:"type"`
	Name           string        `json:"name"`
	Prompt         string        `json:"prompt"`
	SystemPrompt   string        `json:"systemPrompt"`
	ConversationID string        `json:"conversationId"`
	ToolAllow      []string      `json:"toolAllow"`
	ToolDeny       []string      `json:"toolDeny"`
	ResultRoute    string        `json:"resultRoute"`
	SkillID        string        `json:"skillId"`
	Priority       int           `json:"priority"`
	MaxRetries     *int          `json:"maxRetries"`
	Schedule       schedule.Spec `json:"schedule"`
	Budget         budget.Budget `json:"budget"`
}

// Decode reads one JSON task definition.
func Decode(r io.Reader) (persistence.CreateTaskInput, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return persistence.CreateTaskInput{}, fmt.Errorf("read task definition: %w", err)
	}
	return decode(raw)
}

// DecodeYAML reads one YAML task definition. Keys are the same as the JSON form.
func DecodeYAML(r io.Reader) (persistence.CreateTaskInput, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return persistence.CreateTaskInput{}, &ValidationError{Message: "empty document"}
		}
		return persistence.CreateTaskInput{}, &ValidationError{Message: fmt.Sprintf("invalid YAML: %s", err)}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return persistence.CreateTaskInput{}, &ValidationError{Message: fmt.Sprintf("convert YAML: %s", err)}
	}
	return decode(raw)
}

// DecodeFile picks the decoder from the file extension. "-" reads stdin as JSON.
func DecodeFile(path string) (persistence.CreateTaskInput, error) {
	if path == "-" {
		return Decode(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return persistence.CreateTaskInput{}, fmt.Errorf("open task definition: %w", err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(f)
	default:
		return Decode(f)
	}
}

func decode(raw []byte) (persistence.CreateTaskInput, error) {
	sch, err := taskSchema()
	if err != nil {
		return persistence.CreateTaskInput{}, err
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer checks.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return persistence.CreateTaskInput{}, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := sch.Validate(parsed); err != nil {
		return persistence.CreateTaskInput{}, &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err)}
	}

	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return persistence.CreateTaskInput{}, &ValidationError{Message: err.Error()}
	}
	if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.Prompt) == "" {
		return persistence.CreateTaskInput{}, &ValidationError{Message: "name and prompt must not be blank"}
	}
	if err := f.Schedule.Validate(); err != nil {
		return persistence.CreateTaskInput{}, &ValidationError{Message: err.Error()}
	}

	taskType := persistence.TaskType(f.Type)
	if taskType == "" {
		taskType = persistence.TaskTypeOneShot
	}
	return persistence.CreateTaskInput{
		Definition: persistence.Definition{
			Type:           taskType,
			Name:           strings.TrimSpace(f.Name),
			Prompt:         f.Prompt,
			SystemPrompt:   f.SystemPrompt,
			ConversationID: f.ConversationID,
			ToolAllow:      f.ToolAllow,
			ToolDeny:       f.ToolDeny,
			ResultRoute:    shared.ParseResultRoute(f.ResultRoute),
			SkillID:        f.SkillID,
		},
		Schedule:   f.Schedule,
		Budget:     f.Budget,
		Priority:   f.Priority,
		MaxRetries: f.MaxRetries,
	}, nil
}
