package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
)

// SchemaValidationService checks structured agent output against compiled
// JSON Schemas. Phases use it to enforce the output contract of each agent
// call; after the bounded repair attempts are exhausted the failure is
// validation-classified and blocks the run.
type SchemaValidationService struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidationService compiles the given schemas, keyed by contract
// name.
func NewSchemaValidationService(raw map[string]json.RawMessage) (*SchemaValidationService, error) {
	s := &SchemaValidationService{schemas: make(map[string]*jsonschema.Schema, len(raw))}
	for name, schemaJSON := range raw {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
		if err != nil {
			return nil, fmt.Errorf("schema %s: unmarshal: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("schema %s: add resource: %w", name, err)
		}
		compiled, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: compile: %w", name, err)
		}
		s.schemas[name] = compiled
	}
	return s, nil
}

// Validate extracts the JSON document from responseText and validates it
// against the named contract. Returns the extracted JSON on success.
func (s *SchemaValidationService) Validate(contract, responseText string) (json.RawMessage, error) {
	schema, ok := s.schemas[contract]
	if !ok {
		return nil, fcerr.Newf(fcerr.KindFatal, "unknown output contract %q", contract)
	}

	jsonStr := ExtractJSON(responseText)
	if jsonStr == "" {
		return nil, fcerr.New(fcerr.KindValidation, "response contains no JSON document")
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fcerr.Wrap(fcerr.KindValidation, "response JSON is malformed", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fcerr.Wrap(fcerr.KindValidation, "response violates the "+contract+" contract", err)
	}
	return json.RawMessage(jsonStr), nil
}

// ExtractJSON finds a JSON object or array in free-form agent text: a
// ```json fence first, then a generic fence, then the first balanced
// document.
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	var closer byte
	switch s[0] {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == s[0]:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
