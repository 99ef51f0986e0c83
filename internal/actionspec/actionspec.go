// Package actionspec describes the ninchat action parameter schema: the
// external, versionable bundle the validator checks outgoing actions
// against. It is a direct generalization of the original Python client's
// ninchat.api package, which loaded the same shape of data
// (paramtypes.json, actions.json) from a spec directory or zip file.
package actionspec

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed actions.json paramtypes.json
var embedded embed.FS

// ParamSpec describes one parameter accepted by an action.
type ParamSpec struct {
	// Name is the parameter key.
	Name string
	// Type is one of the Type* constants below.
	Type string
	// Required reports whether the parameter must be present.
	Required bool
}

// Known parameter type names, matching ninchat.api.typechecks in the
// original Python package.
const (
	TypeBool        = "bool"
	TypeFloat       = "float"
	TypeInt         = "int"
	TypeObject      = "object"
	TypeString      = "string"
	TypeStringArray = "string array"
	TypeTime        = "time"
)

// ActionSpec describes the parameters one action name accepts.
type ActionSpec struct {
	Name   string
	Params map[string]ParamSpec
}

// Bundle is a resolved set of action specs, keyed by action name.
type Bundle map[string]ActionSpec

// rawActionEntry is either `true` (a required parameter of the
// paramtypes-declared type), or an object with explicit "type"
// and/or "optional" overrides — mirroring ninchat.api.Parameter's
// handling of bool-vs-dict specs.
type rawActionEntry struct {
	set   bool
	isObj bool
	Type  string `json:"type"`
	Opt   bool   `json:"optional"`
}

func (e *rawActionEntry) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		e.set = b
		return nil
	}
	type obj rawActionEntry
	var o obj
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}
	*e = rawActionEntry(o)
	e.isObj = true
	e.set = true
	return nil
}

// Default returns the bundle embedded in this package, built from
// actions.json and paramtypes.json.
func Default() (Bundle, error) {
	actionsRaw, err := embedded.ReadFile("actions.json")
	if err != nil {
		return nil, fmt.Errorf("actionspec: read actions.json: %w", err)
	}
	paramtypesRaw, err := embedded.ReadFile("paramtypes.json")
	if err != nil {
		return nil, fmt.Errorf("actionspec: read paramtypes.json: %w", err)
	}
	return Load(actionsRaw, paramtypesRaw)
}

// Load builds a Bundle from raw actions.json and paramtypes.json
// documents. Nothing in this module calls it with a bundle read from
// disk; internal/config's SchemaBundlePath is not wired to it.
func Load(actionsJSON, paramtypesJSON []byte) (Bundle, error) {
	var paramtypes map[string]string
	if err := json.Unmarshal(paramtypesJSON, &paramtypes); err != nil {
		return nil, fmt.Errorf("actionspec: parse paramtypes.json: %w", err)
	}

	var rawActions map[string]map[string]rawActionEntry
	if err := json.Unmarshal(actionsJSON, &rawActions); err != nil {
		return nil, fmt.Errorf("actionspec: parse actions.json: %w", err)
	}

	bundle := make(Bundle, len(rawActions))
	for name, rawParams := range rawActions {
		spec := ActionSpec{Name: name, Params: make(map[string]ParamSpec, len(rawParams))}
		for key, entry := range rawParams {
			typ := entry.Type
			if typ == "" {
				typ = paramtypes[key]
			}
			if typ == "" {
				return nil, fmt.Errorf("actionspec: %s.%s: no declared type in paramtypes.json", name, key)
			}
			spec.Params[key] = ParamSpec{
				Name:     key,
				Type:     typ,
				Required: entry.set && !entry.Opt,
			}
		}
		bundle[name] = spec
	}
	return bundle, nil
}

// Lookup returns the ActionSpec for name and whether it was found.
func (b Bundle) Lookup(name string) (ActionSpec, bool) {
	spec, ok := b[name]
	return spec, ok
}
