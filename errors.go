package ninchat

import "fmt"

// ParameterError is returned synchronously from Send/SendWithContext
// when an action fails validation: unknown action name, a missing
// required parameter, a parameter of the wrong type, or an unknown
// parameter. Param names the offending parameter when the validator
// reports an unknown parameter as a *validate.UnknownParamError (as the
// default validator does); for every other failure, including missing
// or mistyped parameters, Param is empty and the detail is in Err.
type ParameterError struct {
	Action string
	Param  string
	Err    error
}

func (e *ParameterError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("ninchat: action %q, parameter %q: %v", e.Action, e.Param, e.Err)
	}
	return fmt.Sprintf("ninchat: action %q: %v", e.Action, e.Err)
}

func (e *ParameterError) Unwrap() error { return e.Err }

// NotOpenError is returned when an operation is attempted in a state
// that does not allow it (e.g. calling Open twice).
type NotOpenError struct {
	State SessionState
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("ninchat: session not open (state=%s)", e.State)
}

// ClosedError is returned by Send/SendWithContext once the session has
// closed; no further actions can be sent.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "ninchat: session is closed" }
