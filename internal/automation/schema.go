package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/rcmflow/internal/config"
)

// CompileOutputSchemas builds the output schema of every agent endpoint that
// declares one. Schemas use the OpenAPI 3 dialect of JSON Schema.
func CompileOutputSchemas(endpoints map[string]config.AgentConfig) (map[string]*openapi3.Schema, error) {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make(map[string]*openapi3.Schema)
	for _, name := range names {
		raw := endpoints[name].OutputSchema
		if len(raw) == 0 {
			continue
		}
		s, err := CompileSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("automation: output schema for %s: %w", name, err)
		}
		schemas[name] = s
	}
	return schemas, nil
}

// CompileSchema converts a decoded YAML/JSON schema document into a validated
// openapi3.Schema.
func CompileSchema(raw map[string]any) (*openapi3.Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	s := openapi3.NewSchema()
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}

// validateOutput checks agent result data against schema. The data is passed
// through JSON first so that Go numeric types match the schema's number rules.
func validateOutput(schema *openapi3.Schema, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return schema.VisitJSON(doc, openapi3.MultiErrors())
}
