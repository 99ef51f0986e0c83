package ninchat

// Validator checks an action's parameters before it is enqueued. It is
// a pure function supplied at engine construction (spec's "external
// collaborator" for action schema validation); the engine never
// interprets what an action's parameters mean, only whether the
// validator accepts them.
//
// *internal/validate.SchemaValidator satisfies this interface, giving
// every Session a working default (see WithDefaultValidator) without
// forcing callers to supply their own schema bundle.
type Validator interface {
	Validate(name string, params map[string]any) error
}

// NopValidator accepts every action without checking anything. Useful
// in tests or when the caller has already validated actions upstream.
type NopValidator struct{}

// Validate always returns nil.
func (NopValidator) Validate(name string, params map[string]any) error { return nil }
