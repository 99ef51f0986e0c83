// Package validate implements the default action parameter validator
// described in spec §4.4: before an action is enqueued, its params are
// checked against a schema bundle. This implementation is schema-driven,
// built on github.com/google/jsonschema-go, resolving one
// *jsonschema.Schema per known action name and reusing the resolved
// form for every call — the same resolve-once-validate-many pattern
// the modelcontextprotocol-go-sdk uses for tool input schemas.
package validate

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ninchat/ninchat-go/internal/actionspec"
)

// UnknownActionError is returned when the action name has no entry in
// the schema bundle.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// UnknownParamError is returned when params contains a key the bundle
// does not declare for the given action.
type UnknownParamError struct {
	Action string
	Param  string
}

func (e *UnknownParamError) Error() string {
	return fmt.Sprintf("unknown parameter %q in %q action", e.Param, e.Action)
}

// SchemaValidator validates outgoing action params against a resolved
// JSON Schema per action name, built from an actionspec.Bundle.
type SchemaValidator struct {
	bundle   actionspec.Bundle
	resolved map[string]*jsonschema.Resolved
}

// New builds a SchemaValidator from bundle, resolving every action's
// schema up front so that Validate does no compilation work per call.
func New(bundle actionspec.Bundle) (*SchemaValidator, error) {
	v := &SchemaValidator{
		bundle:   bundle,
		resolved: make(map[string]*jsonschema.Resolved, len(bundle)),
	}
	for name, spec := range bundle {
		schema := schemaForAction(spec)
		resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			return nil, fmt.Errorf("validate: resolve schema for %q: %w", name, err)
		}
		v.resolved[name] = resolved
	}
	return v, nil
}

// NewDefault builds a SchemaValidator from the bundle embedded in
// internal/actionspec.
func NewDefault() (*SchemaValidator, error) {
	bundle, err := actionspec.Default()
	if err != nil {
		return nil, err
	}
	return New(bundle)
}

// schemaForAction translates an actionspec.ActionSpec into a JSON
// Schema object describing its accepted params.
func schemaForAction(spec actionspec.ActionSpec) *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(spec.Params))
	var required []string
	for name, p := range spec.Params {
		props[name] = schemaForType(p.Type)
		if p.Required {
			required = append(required, name)
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func schemaForType(t string) *jsonschema.Schema {
	switch t {
	case actionspec.TypeBool:
		return &jsonschema.Schema{Type: "boolean"}
	case actionspec.TypeInt:
		return &jsonschema.Schema{Type: "integer"}
	case actionspec.TypeFloat:
		return &jsonschema.Schema{Type: "number"}
	case actionspec.TypeString:
		return &jsonschema.Schema{Type: "string"}
	case actionspec.TypeStringArray:
		return &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}
	case actionspec.TypeObject:
		return &jsonschema.Schema{Type: "object"}
	case actionspec.TypeTime:
		return &jsonschema.Schema{Type: "integer"}
	default:
		return &jsonschema.Schema{}
	}
}

// Validate checks params against the schema declared for name. It
// rejects unknown action names, unknown parameters, missing required
// parameters, and parameters of the wrong type. Time-typed parameters
// are additionally checked for non-negativity, since the schema
// vocabulary used here does not encode that constraint.
func (v *SchemaValidator) Validate(name string, params map[string]any) error {
	spec, ok := v.bundle.Lookup(name)
	if !ok {
		return &UnknownActionError{Name: name}
	}

	for key := range params {
		if _, known := spec.Params[key]; !known {
			return &UnknownParamError{Action: name, Param: key}
		}
	}

	resolved := v.resolved[name]
	data := params
	if data == nil {
		data = map[string]any{}
	}
	if err := resolved.Validate(&data); err != nil {
		return fmt.Errorf("validate %q: %w", name, err)
	}

	for key, p := range spec.Params {
		if p.Type != actionspec.TypeTime {
			continue
		}
		v, ok := params[key]
		if !ok {
			continue
		}
		if !isNonNegative(v) {
			return fmt.Errorf("validate %q: %q must be a non-negative timestamp", name, key)
		}
	}

	return nil
}

func isNonNegative(v any) bool {
	switch n := v.(type) {
	case int:
		return n >= 0
	case int32:
		return n >= 0
	case int64:
		return n >= 0
	case float64:
		return n >= 0
	case float32:
		return n >= 0
	default:
		return false
	}
}
