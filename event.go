package ninchat

// Event is an inbound message: a parameter map, a known number of
// payload frames, and an event sequence number when present.
type Event struct {
	// Name is the event name, e.g. "message_received", taken from the
	// header's "event" key.
	Name string

	// Params holds the event's header fields, including Name under
	// the "event" key, as received.
	Params map[string]any

	// Payload is the ordered sequence of payload frames the transport
	// reassembled for this event.
	Payload [][]byte

	// EventID is the event's sequence number, or nil if the header had
	// none.
	EventID *int64

	// ActionID correlates this event to the action it replies to, or
	// zero if the event is not a reply.
	ActionID int64

	// HistoryLength is present on load_history's interim replies and
	// absent on its terminator; it is the engine's signal for which
	// reply in a multi-reply sequence is final.
	HistoryLength *int64
}

// DeliveredEvent is the payload of Session.Events(), pairing an Event
// with whether it was the final reply for its action (mirroring the
// last_reply argument of the callback facade's OnEvent signal).
type DeliveredEvent struct {
	Event     Event
	LastReply bool
}

// newEventFromHeader builds an Event from a decoded header document
// and its payload frames.
func newEventFromHeader(header map[string]any, payload [][]byte) Event {
	e := Event{Params: header, Payload: payload}

	if name, ok := header["event"].(string); ok {
		e.Name = name
	}
	if id, ok := IntParam(header, "event_id"); ok {
		e.EventID = &id
	}
	if id, ok := IntParam(header, "action_id"); ok {
		e.ActionID = id
	}
	if hl, ok := IntParam(header, "history_length"); ok {
		e.HistoryLength = &hl
	}
	return e
}

// isSessionLifecycleEvent reports whether name is one the engine's
// state machine reacts to directly (session_created, error), as
// opposed to a generic reply/broadcast event delivered to OnEvent.
func isSessionLifecycleEvent(name string) bool {
	return name == "session_created" || name == "error"
}

// errorType extracts the "error_type" field from an error event's
// params, if present.
func errorType(params map[string]any) string {
	t, _ := StringParam(params, "error_type")
	return t
}

const errorTypeSessionNotFound = "session_not_found"
