package ninchat

import "encoding/json"

// Action is an outbound request: a parameter map, optional payload
// frames, an optional action identifier, and the bits the engine needs
// to decide whether the action survives a server-session reset.
//
// Retry bookkeeping (attempts, next retry deadline) lives on the
// engine's pending-set entry, not here, so an Action stays an
// immutable value from the caller's perspective once handed to Send.
type Action struct {
	// Name is the action name, e.g. "send_message". Must be a known
	// action per the configured Validator.
	Name string

	// Params holds the action's parameters. Do not set "action",
	// "action_id", "event_id", or "frames" here — the engine injects
	// those into the wire header itself.
	Params map[string]any

	// Payload is the ordered sequence of payload frames following the
	// action's header frame.
	Payload [][]byte

	// ID is the action_id assigned by the engine. Zero means the
	// action is fire-and-forget: no reply is expected and it is never
	// added to the pending set. Action ids are positive and strictly
	// increasing for the lifetime of one engine instance.
	ID int64

	// TransientFor, if non-empty, names the server_session_id this
	// action is only valid for. If the engine's current
	// server_session_id does not match at send time, the action is
	// dropped rather than resent.
	TransientFor string

	// ackEventID is the event_id to attach when this action is sent,
	// computed by the engine immediately before transmission (send-loop
	// step e). Not part of the caller-visible contract.
	ackEventID *int64
}

// ActionID implements pending.Keyed so *Action can be tracked directly
// by the pending set without a wrapper type.
func (a *Action) ActionID() int64 { return a.ID }

// header builds the wire header document for this action: the param
// map plus "action", and optionally "action_id", "event_id", and
// "frames".
func (a *Action) header() map[string]any {
	h := make(map[string]any, len(a.Params)+4)
	for k, v := range a.Params {
		h[k] = v
	}
	h["action"] = a.Name
	if a.ID != 0 {
		h["action_id"] = a.ID
	}
	if a.ackEventID != nil {
		h["event_id"] = *a.ackEventID
	}
	if len(a.Payload) > 0 {
		h["frames"] = len(a.Payload)
	}
	return h
}

// frames renders the action as the wire frames to send: a compact
// JSON header frame followed by the payload frames in order.
// encoding/json.Marshal already produces the required "," / ":"
// separators with no insignificant whitespace.
func (a *Action) frames() ([][]byte, error) {
	headerBytes, err := json.Marshal(a.header())
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, 1+len(a.Payload))
	out = append(out, headerBytes)
	out = append(out, a.Payload...)
	return out, nil
}

// isMultiReply reports whether name is an action whose replies arrive
// as a run of interim events followed by a terminator, per the reply
// registry's multi-reply contract. load_history is the one known
// multi-reply action.
func isMultiReply(name string) bool {
	return name == "load_history"
}
