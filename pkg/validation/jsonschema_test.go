package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}, "age": {"type": "integer", "minimum": 0}},
	"required": ["name", "age"]
}`

func TestValidateJSONWithSchema_Valid(t *testing.T) {
	assert.NoError(t, ValidateJSONWithSchema(personSchema, `{"name": "Jane Doe", "age": 30}`))
	assert.NoError(t, ValidateJSONWithSchema("", `{"anything": true}`))
}

func TestValidateJSONWithSchema_Invalid(t *testing.T) {
	cases := map[string]string{
		`{"name": "Test"}`:             "missing properties: 'age'",
		`{"name": "Test", "age": "x"}`: "expected integer, but got string",
		`{"name": "Test", "age": -5}`:  "must be >= 0 but found -5",
		``:                             "failed to unmarshal JSON data",
	}
	for data, want := range cases {
		err := ValidateJSONWithSchema(personSchema, data)
		require.Error(t, err, data)
		assert.Contains(t, err.Error(), want, data)
	}
}

func TestCompileSchema(t *testing.T) {
	first, err := CompileSchema(personSchema)
	require.NoError(t, err)
	second, err := CompileSchema(personSchema)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = CompileSchema(`{"type": "object", "properties": {"name": {"type": "str"}}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile JSON schema")

	_, err = CompileSchema(AutomatorConditionSchema)
	assert.NoError(t, err)
}
