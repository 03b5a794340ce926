package config

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tipburn.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// ValidateDocument checks a YAML config document against the embedded
// schema. Unknown keys are rejected.
func ValidateDocument(data []byte) error {
	raw, err := toJSONValue(data)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := s.Validate(raw); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// toJSONValue decodes YAML and round-trips it through JSON so that numbers
// and maps have the types a JSON decoder would produce.
func toJSONValue(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	buf, err := sonic.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise config: %w", err)
	}
	var out any
	if err := sonic.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("normalise config: %w", err)
	}
	return out, nil
}
