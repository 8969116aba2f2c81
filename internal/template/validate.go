package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/steadyline/proactor/pkg/schema"
)

// Input schemas, one per workflow type, validated before any step is
// generated. The generic schema is deliberately permissive: unknown workflow
// types must stay actionable.
const scheduleAppointmentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contact_name"],
  "properties": {
    "contact_name": { "type": "string", "minLength": 1 },
    "contact_email": { "type": "string" },
    "preferred_date": { "type": "string" },
    "duration_minutes": { "type": "integer", "minimum": 5, "maximum": 480 },
    "message": { "type": "string" },
    "timeout_hours": { "type": "number", "exclusiveMinimum": 0 },
    "user_request": { "type": "string" }
  },
  "additionalProperties": true
}`

const followUpEmailSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contact_email"],
  "properties": {
    "contact_email": { "type": "string", "minLength": 3 },
    "context": { "type": "string" },
    "custom_message": { "type": "string" },
    "user_request": { "type": "string" }
  },
  "additionalProperties": true
}`

const genericSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "user_request": { "type": "string" }
  },
  "additionalProperties": true
}`

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

// validateInput checks input data against the workflow type's embedded
// schema. Violations return VALIDATION_ERROR with per-field detail.
func validateInput(workflowType string, input map[string]any) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return schema.NewError(schema.ErrCodeInternal, "input schemas failed to compile").WithCause(compileErr)
	}

	s, ok := compiled[workflowType]
	if !ok {
		s = compiled[schema.WorkflowTypeGeneric]
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
	}

	if err := s.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

func compileSchemas() {
	sources := map[string]string{
		schema.WorkflowTypeScheduleAppointment: scheduleAppointmentSchema,
		schema.WorkflowTypeFollowUpEmail:       followUpEmailSchema,
		schema.WorkflowTypeGeneric:             genericSchema,
	}

	compiled = make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal %s input schema: %w", name, err)
			return
		}
		url := "proactor://input-schema/" + name
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("add %s input schema: %w", name, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("compile %s input schema: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error with per-field violation messages.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "input validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
