package validation

import "fmt"

// AutomatorConditionSchema describes the condition_logic language of automator rules.
const AutomatorConditionSchema = `{
	"$ref": "#/$defs/node",
	"$defs": {
		"node": {
			"oneOf": [
				{"type": "object", "required": ["all"], "additionalProperties": false,
				 "properties": {"all": {"type": "array", "items": {"$ref": "#/$defs/node"}}}},
				{"type": "object", "required": ["any"], "additionalProperties": false,
				 "properties": {"any": {"type": "array", "items": {"$ref": "#/$defs/node"}}}},
				{"type": "object", "required": ["not"], "additionalProperties": false,
				 "properties": {"not": {"$ref": "#/$defs/node"}}},
				{"type": "object", "required": ["field", "op", "value"], "additionalProperties": false,
				 "properties": {
					"field": {"enum": ["task.status", "task.section"]},
					"op": {"enum": ["eq", "ne", "in"]},
					"value": {"oneOf": [{"type": "string"}, {"type": "array", "items": {"type": "string"}}]}
				 }},
				{"type": "object", "required": ["count", "op", "value"], "additionalProperties": false,
				 "properties": {
					"count": {"type": "object", "additionalProperties": false,
						"properties": {"section": {"type": "string"}, "status": {"type": "string"}}},
					"op": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte"]},
					"value": {"oneOf": [{"type": "integer", "minimum": 0}, {"const": "total"}]}
				 }}
			]
		}
	}
}`

const taskSelectorSchema = `{
	"type": "object",
	"required": ["target"],
	"additionalProperties": false,
	"properties": {
		"target": {"enum": ["trigger", "section", "title"]},
		"section": {"type": "string"},
		"title": {"type": "string"},
		"status": {"type": "string"}
	}
}`

// ActionParamSchemas maps each automator action type to the schema of its action_params.
var ActionParamSchemas = map[string]string{
	"CHANGE_WORK_STATUS": `{
		"type": "object",
		"required": ["status"],
		"properties": {"status": {"type": "string", "minLength": 1}}
	}`,
	"CHANGE_TASK_STATUS": `{
		"type": "object",
		"required": ["selector", "status"],
		"properties": {
			"selector": ` + taskSelectorSchema + `,
			"status": {"type": "string", "minLength": 1}
		}
	}`,
	"CHANGE_TASK_ASSIGNEE": `{
		"type": "object",
		"required": ["selector"],
		"oneOf": [{"required": ["user_id"]}, {"required": ["role"]}],
		"properties": {
			"selector": ` + taskSelectorSchema + `,
			"user_id": {"type": "integer", "minimum": 1},
			"role": {"type": "string", "minLength": 1}
		}
	}`,
}

// ValidateAutomatorRule checks a rule's condition and action params against their schemas.
func ValidateAutomatorRule(actionType, conditionJSON, paramsJSON string) error {
	schema, ok := ActionParamSchemas[actionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", actionType)
	}
	if conditionJSON != "" && conditionJSON != "null" {
		if err := ValidateJSONWithSchema(AutomatorConditionSchema, conditionJSON); err != nil {
			return fmt.Errorf("invalid condition_logic: %w", err)
		}
	}
	if err := ValidateJSONWithSchema(schema, paramsJSON); err != nil {
		return fmt.Errorf("invalid action_params for %s: %w", actionType, err)
	}
	return nil
}
