package ninchat

import (
	"context"
	"errors"

	"github.com/ninchat/ninchat-go/internal/validate"
)

// Session is a client session: a single logical conversation with the
// server that survives transport reconnects. The zero value is not
// usable; construct one with New.
//
// OnSessionEvent, OnEvent, OnClose, OnConnState, and OnConnActive are
// the callback facade's four signals (OnConnState/OnConnActive share
// one underlying transition). Set them before calling Open — the engine
// reads them from its own goroutine without synchronization, so setting
// them concurrently with Open or after is a race. Every call is made
// from a single dispatch worker, one at a time and in the order the
// engine produced them, so two signals never race each other and a
// panicking callback is recovered and logged rather than taking the
// session down. Session.Events offers the same inbound events as
// OnEvent on a channel for callers who would rather select than
// register callbacks; session lifecycle events reach only
// OnSessionEvent.
type Session struct {
	// OnSessionEvent is called for session lifecycle events
	// (session_created, error) the engine itself reacts to.
	OnSessionEvent func(params map[string]any)

	// OnEvent is called for every other inbound event. lastReply is
	// only meaningful for events that are a reply to an action sent
	// with an on_reply callback, where Reply covers the same
	// information; it is included here too so OnEvent alone already
	// tells a generic event-log consumer which deliveries are terminal.
	OnEvent func(params map[string]any, payload [][]byte, lastReply bool)

	// OnClose is called exactly once, when the session has fully
	// terminated and will never reconnect.
	OnClose func()

	// OnConnState is called on every transport-level connectivity
	// transition (connecting, connected, disconnected).
	OnConnState func(state ConnState)

	// OnConnActive is called whenever the transport becomes connected,
	// a convenience for callers who only care about that one edge and
	// not the full ConnState enum.
	OnConnActive func()

	eng *engine
}

// New constructs a Session configured by opts. The session does not
// dial anything until Open is called.
func New(opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.validator == nil {
		WithDefaultValidator()(&cfg)
	}

	s := &Session{}
	s.eng = newEngine(cfg, s)
	return s
}

// SetParams sets the parameters create_session will send the next time
// the engine needs to establish a brand new server session (as opposed
// to resuming one). Call this before Open, or before a session reset
// if the caller wants different identity/credentials on the next
// create_session.
func (s *Session) SetParams(params map[string]any) {
	s.eng.paramsMu.Lock()
	s.eng.params = cloneParams(params)
	s.eng.paramsMu.Unlock()
}

// Open starts the session engine and blocks until the server confirms
// the session (session_created) or ctx is cancelled. Calling Open more
// than once, or after Close, returns a *NotOpenError.
func (s *Session) Open(ctx context.Context) error {
	return s.eng.open(ctx)
}

// Close asks the session to terminate: a close_session action is sent
// if the transport is connected, the transport is torn down, and
// OnClose fires once the engine has fully stopped. Close is idempotent
// — calling it more than once, or concurrently, still produces exactly
// one OnClose. Calling Close before Open returns a *NotOpenError.
func (s *Session) Close(ctx context.Context) error {
	if s.eng.State() == StateUninitialized {
		return &NotOpenError{State: StateUninitialized}
	}
	s.eng.requestClose()
	select {
	case <-s.eng.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState {
	return s.eng.State()
}

// Events returns a channel of the events the engine delivers to
// OnEvent, as an alternative to that callback. The channel closes once
// the session has fully terminated. Like OnEvent, it does not carry the
// session lifecycle events (session_created, error), which go only to
// OnSessionEvent. The channel is buffered; when it is full, further
// events are dropped from it (OnEvent still receives them).
func (s *Session) Events() <-chan DeliveredEvent {
	return s.eng.eventsCh
}

// Send enqueues an action for delivery and returns immediately, without
// waiting for the action to actually reach the wire. params must
// include an "action" key naming the action; it is removed before the
// remaining parameters are validated and sent. onReply, if non-nil, is
// invoked for every reply the action receives and causes an action_id
// to be assigned; if nil, the action is sent fire-and-forget with no
// action_id and is never retried.
//
// Send returns the assigned action_id (zero for fire-and-forget
// actions), or an error if params fails validation or the session is
// already closed.
func (s *Session) Send(params map[string]any, payload [][]byte, onReply Reply) (int64, error) {
	return s.doSend(context.Background(), params, payload, onReply, false)
}

// SendWithContext is Send, but ctx bounds how long the call will block
// waiting for the engine to accept the action onto its send queue (not
// how long delivery or replies take).
func (s *Session) SendWithContext(ctx context.Context, params map[string]any, payload [][]byte, onReply Reply) (int64, error) {
	return s.doSend(ctx, params, payload, onReply, false)
}

// SendTransient is Send for an action that is only meaningful within
// the server session active at the moment it is sent — typing
// indicators and similar. If a session-not-found reset happens before
// it is acknowledged, it is dropped rather than resent under the new
// session.
func (s *Session) SendTransient(params map[string]any, payload [][]byte, onReply Reply) (int64, error) {
	return s.doSend(context.Background(), params, payload, onReply, true)
}

func (s *Session) doSend(ctx context.Context, params map[string]any, payload [][]byte, onReply Reply, transient bool) (int64, error) {
	name, ok := StringParam(params, "action")
	if !ok || name == "" {
		return 0, &ParameterError{Err: errors.New(`missing required "action" parameter`)}
	}

	cleaned := make(map[string]any, len(params))
	for k, v := range params {
		if k == "action" {
			continue
		}
		cleaned[k] = v
	}

	if err := s.eng.cfg.validator.Validate(name, cleaned); err != nil {
		perr := &ParameterError{Action: name, Err: err}
		var unknown *validate.UnknownParamError
		if errors.As(err, &unknown) {
			perr.Param = unknown.Param
		}
		return 0, perr
	}

	act := &Action{Name: name, Params: cleaned, Payload: payload}
	if onReply != nil {
		act.ID = s.eng.nextActionID.next()
	}
	if transient {
		act.TransientFor = s.eng.currentServerSessionID()
	}

	if err := s.eng.enqueue(ctx, act, onReply); err != nil {
		return 0, err
	}
	return act.ID, nil
}
