package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiled holds schemas keyed by their source text. Rule schemas are constants, so the cache
// stays small.
var compiled sync.Map

// CompileSchema compiles a JSON schema string, reusing an earlier compilation of the same text.
func CompileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	if sch, ok := compiled.Load(schemaJSON); ok {
		return sch.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	compiled.Store(schemaJSON, sch)
	return sch, nil
}

// ValidateJSONWithSchema validates a JSON document against a JSON schema. An empty schema
// accepts anything.
func ValidateJSONWithSchema(schemaJSON string, dataJSON string) error {
	if schemaJSON == "" {
		return nil
	}
	sch, err := CompileSchema(schemaJSON)
	if err != nil {
		return err
	}

	var data interface{}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w", err)
	}
	if err := sch.Validate(data); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("JSON data failed validation against schema: %v", ve)
		}
		return fmt.Errorf("JSON data failed validation: %w", err)
	}
	return nil
}
