// Package plan loads YAML test plans and turns them into descriptors whose
// bodies run external commands.
//
// A plan is the CLI's discovery source: each entry under tests becomes one
// descriptor, fixtures become setup/teardown command pairs, and data rows
// become fixed data sources.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"
)

//go:embed plan.schema.json
var schemaSource string

const schemaURL = "plan.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString(schemaURL, schemaSource)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile plan schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// File is a decoded plan.
type File struct {
	Version int `json:"version,omitempty"`
	// Assembly is the default assembly for every test.
	Assembly string `json:"assembly,omitempty"`
	// Dir is the default working directory for commands.
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Fixtures []Fixture         `json:"fixtures,omitempty"`
	Tests    []Test            `json:"tests"`
}

// Fixture is a shared resource built by a setup command. The trimmed stdout
// of setup is the fixture value.
type Fixture struct {
	Name     string   `json:"name"`
	Scope    string   `json:"scope,omitempty"`
	Key      string   `json:"key,omitempty"`
	Setup    []string `json:"setup"`
	Teardown []string `json:"teardown,omitempty"`
}

// Test is one declared test.
type Test struct {
	Name             string            `json:"name"`
	Class            string            `json:"class,omitempty"`
	Assembly         string            `json:"assembly,omitempty"`
	DisplayName      string            `json:"display_name,omitempty"`
	Order            *int              `json:"order,omitempty"`
	NotInParallel    []string          `json:"not_in_parallel,omitempty"`
	ClassConstraints []string          `json:"class_constraints,omitempty"`
	Timeout          string            `json:"timeout,omitempty"`
	Repeat           int               `json:"repeat,omitempty"`
	Retry            int               `json:"retry,omitempty"`
	Skip             string            `json:"skip,omitempty"`
	ExplicitFor      string            `json:"explicit_for,omitempty"`
	Categories       []string          `json:"categories,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	ClassData        []any             `json:"class_data,omitempty"`
	MethodData       []any             `json:"method_data,omitempty"`
	Fixtures         []string          `json:"fixtures,omitempty"`
	Command          []string          `json:"command,omitempty"`
	Dir              string            `json:"dir,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// Load reads and validates a plan file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates YAML (or JSON) plan data against the plan schema and
// decodes it.
func Parse(data []byte) (*File, error) {
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &f, nil
}
