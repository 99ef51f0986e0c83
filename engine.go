package ninchat

import (
	"context"
	"sync"
	"time"

	"github.com/ninchat/ninchat-go/internal/diag"
	"github.com/ninchat/ninchat-go/internal/pending"
	"github.com/ninchat/ninchat-go/internal/replyreg"
	"github.com/ninchat/ninchat-go/internal/transport"
)

// pendingSend pairs an outbound action with the reply callback supplied
// when it was handed to Send, so the engine can register the callback
// at the moment it first attempts delivery (not before — a resend of an
// already-pending action carries no callback of its own, and must not
// overwrite the one registered on first send).
type pendingSend struct {
	action  *Action
	onReply Reply
}

// connOutcome is what a connectionLoop invocation decided should happen
// next: reconnect with a fresh transport, or stop entirely.
type connOutcome int

const (
	outcomeNone connOutcome = iota - 1
	outcomeReconnect
	outcomeClosed
)

// inboundMsg is what the reader goroutine for one connection hands to
// the engine goroutine: either a decoded event or a terminal read
// error. gen ties the message to the connection generation that
// produced it, so the engine can discard messages from a connection it
// has already abandoned after a reconnect.
type inboundMsg struct {
	gen   uint64
	event *Event
	err   error
}

// engine is the session engine's single state-owning goroutine: the
// send loop of spec §4.2. Every field below that the send loop reads or
// writes is either touched only from that goroutine or guarded by
// stateMu/paramsMu, so the loop itself needs no locking around its own
// logic.
type engine struct {
	cfg     config
	session *Session

	outboundCh     chan pendingSend
	doneCh         chan struct{}
	closeRequested chan struct{}
	closeOnce      sync.Once

	readyCh   chan struct{}
	readyErr  error
	readyOnce sync.Once

	pendingSet *pending.Set[*Action]
	replies    *replyreg.Registry

	// multiReplyFlags and the action-id counter are owned by the engine
	// goroutine alone: the former is populated exactly once per action,
	// at the point pendingSend is first handed to trySend.
	multiReplyFlags map[int64]bool
	nextActionID    atomicCounter

	stateMu             sync.Mutex
	state               SessionState
	serverSessionID     string
	serverHost          string
	lastReceivedEventID *int64
	lastAckedEventID    *int64

	paramsMu sync.Mutex
	params   map[string]any

	eventsCh chan DeliveredEvent

	// dispatchCh serializes every callback-facade invocation
	// (OnSessionEvent, OnEvent, OnConnState, OnConnActive, OnClose)
	// through one worker goroutine, so they fire in the same order the
	// engine goroutine produced them — a goroutine-per-callback would
	// let two deliveries race. It is closed once, by finishClose, after
	// the final OnClose callback has been enqueued.
	dispatchCh chan func()
}

func newEngine(cfg config, session *Session) *engine {
	return &engine{
		cfg:             cfg,
		session:         session,
		outboundCh:      make(chan pendingSend, 64),
		doneCh:          make(chan struct{}),
		closeRequested:  make(chan struct{}),
		readyCh:         make(chan struct{}),
		pendingSet:      pending.New[*Action](),
		replies:         replyreg.New(cfg.logger),
		multiReplyFlags: make(map[int64]bool),
		serverHost:      cfg.serverHost,
		eventsCh:        make(chan DeliveredEvent, 64),
		dispatchCh:      make(chan func(), 256),
	}
}

// dispatchLoop is the single worker goroutine that runs every
// callback-facade invocation, in the order engine.run enqueued them,
// recovering any panic so that one broken callback can only ever lose
// itself, never the engine.
func (e *engine) dispatchLoop() {
	for fn := range e.dispatchCh {
		e.safeCall(fn)
	}
}

func (e *engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.logger.Error("ninchat: callback panicked", "panic", r)
		}
	}()
	fn()
}

// dispatch enqueues fn for the dispatch worker. Called only from the
// engine goroutine, always before dispatchCh is closed.
func (e *engine) dispatch(fn func()) {
	e.dispatchCh <- fn
}

// open transitions the engine from uninitialized to connecting, starts
// the send loop, and blocks until the first session_created arrives (or
// ctx is cancelled, or the engine closes before ever connecting).
func (e *engine) open(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != StateUninitialized {
		st := e.state
		e.stateMu.Unlock()
		return &NotOpenError{State: st}
	}
	e.state = StateConnecting
	e.stateMu.Unlock()

	go e.dispatchLoop()
	go e.run()

	select {
	case <-e.readyCh:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) State() SessionState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *engine) requestClose() {
	e.closeOnce.Do(func() { close(e.closeRequested) })
}

// enqueue hands an action to the send loop, blocking until it is
// accepted, ctx is done, or the engine has already finished.
func (e *engine) enqueue(ctx context.Context, act *Action, onReply Reply) error {
	if e.State() == StateClosed {
		return &ClosedError{}
	}
	select {
	case e.outboundCh <- pendingSend{action: act, onReply: onReply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneCh:
		return &ClosedError{}
	}
}

// run is the engine's top-level reconnect loop: dial, send a seed
// action (create_session or resume_session), hand the connection to
// connectionLoop, and either reconnect with backoff or terminate based
// on what it reports.
func (e *engine) run() {
	defer close(e.doneCh)
	defer e.replies.CloseAll()
	defer e.markReady(&ClosedError{})

	const initialBackoff = time.Second
	const maxBackoff = 30 * time.Second
	backoff := initialBackoff

	var gen uint64

	for {
		e.setState(StateConnecting)
		host := e.currentServerHost()
		e.publishDiag(diag.SourceEngine, diag.KindConnecting, map[string]any{"server_host": host})
		e.fireConnState(ConnConnecting)

		conn, err := e.cfg.dialer.Dial(context.Background(), host)
		if err != nil {
			e.cfg.logger.Warn("ninchat: dial failed", "server_host", host, "error", err)
			e.fireConnState(ConnDisconnected)
			if !e.sleepOrClose(backoff) {
				e.finishClose()
				return
			}
			backoff = growBackoff(backoff, maxBackoff)
			continue
		}

		seed := e.buildSeedAction()
		seedFrames, ferr := seed.frames()
		if ferr != nil {
			conn.Close()
			e.cfg.logger.Error("ninchat: failed to encode seed action", "action", seed.Name, "error", ferr)
			if !e.sleepOrClose(backoff) {
				e.finishClose()
				return
			}
			backoff = growBackoff(backoff, maxBackoff)
			continue
		}
		if err := conn.Send(seedFrames); err != nil {
			conn.Close()
			e.cfg.logger.Warn("ninchat: failed to send seed action", "action", seed.Name, "error", err)
			if !e.sleepOrClose(backoff) {
				e.finishClose()
				return
			}
			backoff = growBackoff(backoff, maxBackoff)
			continue
		}

		backoff = initialBackoff
		gen++
		myGen := gen
		inboundCh := make(chan inboundMsg, 16)
		go e.readLoop(conn, myGen, inboundCh)

		outcome := e.connectionLoop(conn, myGen, inboundCh)
		conn.Close()

		switch outcome {
		case outcomeClosed:
			e.finishClose()
			return
		default: // outcomeReconnect
			e.publishDiag(diag.SourceEngine, diag.KindReconnecting, map[string]any{"server_host": e.currentServerHost()})
			if !e.sleepOrClose(backoff) {
				e.finishClose()
				return
			}
			backoff = growBackoff(backoff, maxBackoff)
		}
	}
}

// connectionLoop drives one live connection: it resends due pending
// actions, forwards newly queued ones once connected, and reacts to
// inbound events, until the connection is lost, the engine is asked to
// close, or a fatal server error arrives before the session ever opens.
func (e *engine) connectionLoop(conn *transport.Conn, myGen uint64, inboundCh <-chan inboundMsg) connOutcome {
	connected := false
	var queuedWhileConnecting []pendingSend

	for {
		var due *Action
		var waitCh <-chan time.Time
		if act, dueNow, wait, ok := e.pendingSet.Peek(time.Now()); ok {
			if dueNow {
				due = act
			} else {
				waitCh = time.After(wait)
			}
		}

		if due != nil {
			if oc := e.trySend(conn, pendingSend{action: due}); oc != outcomeNone {
				return oc
			}
			continue
		}

		select {
		case <-e.closeRequested:
			e.setState(StateClosing)
			if oc := e.trySend(conn, pendingSend{action: &Action{Name: "close_session"}}); oc != outcomeNone {
				return oc
			}
			return e.drainUntilClosed(myGen, inboundCh)

		case ps := <-e.outboundCh:
			if !connected {
				queuedWhileConnecting = append(queuedWhileConnecting, ps)
				continue
			}
			if oc := e.trySend(conn, ps); oc != outcomeNone {
				return oc
			}

		case msg := <-inboundCh:
			if msg.gen != myGen {
				continue
			}
			if msg.err != nil {
				e.cfg.logger.Warn("ninchat: transport disconnected", "error", msg.err)
				e.fireConnState(ConnDisconnected)
				return outcomeReconnect
			}

			outcome, becameConnected := e.handleInbound(*msg.event)
			if outcome != outcomeNone {
				return outcome
			}
			if becameConnected && !connected {
				connected = true
				e.fireConnState(ConnConnected)
				e.markReady(nil)

				for _, p := range e.pendingSet.InOrder() {
					if oc := e.trySend(conn, pendingSend{action: p}); oc != outcomeNone {
						return oc
					}
				}
				for _, qa := range queuedWhileConnecting {
					if oc := e.trySend(conn, qa); oc != outcomeNone {
						return oc
					}
				}
				queuedWhileConnecting = nil
			}

		case <-waitCh:
			// The peeked action is now due; loop back around to send it.
		}
	}
}

// drainUntilClosed waits for the transport to actually hang up after a
// close_session has been sent, delivering any events that arrive in the
// meantime, then reports the connection (and the session) closed.
func (e *engine) drainUntilClosed(myGen uint64, inboundCh <-chan inboundMsg) connOutcome {
	const drainTimeout = 5 * time.Second
	deadline := time.After(drainTimeout)
	for {
		select {
		case msg := <-inboundCh:
			if msg.gen != myGen {
				continue
			}
			if msg.err != nil {
				return outcomeClosed
			}
			e.handleInbound(*msg.event)
		case <-deadline:
			return outcomeClosed
		}
	}
}

// trySend registers ps's reply callback on first delivery, then sends
// the action and tracks it for retry. Returns outcomeReconnect if the
// send failed (the connection is presumed dead), outcomeNone otherwise.
func (e *engine) trySend(conn *transport.Conn, ps pendingSend) connOutcome {
	act := ps.action
	if act.ID != 0 {
		if _, seen := e.multiReplyFlags[act.ID]; !seen {
			e.multiReplyFlags[act.ID] = isMultiReply(act.Name)
			e.replies.Register(act.ID, replyreg.Reply(ps.onReply))
		}
	}

	if err := e.sendAndTrack(conn, act); err != nil {
		e.cfg.logger.Warn("ninchat: send failed, reconnecting", "action", act.Name, "error", err)
		return outcomeReconnect
	}
	return outcomeNone
}

// sendAndTrack implements send-loop steps d-h of spec §4.2: drop
// transient actions the current session no longer matches, attach the
// ack event_id, write the frames, and record the send for retry.
func (e *engine) sendAndTrack(conn *transport.Conn, act *Action) error {
	sid := e.currentServerSessionID()
	if act.TransientFor != "" && act.TransientFor != sid {
		e.pendingSet.Drop(act)
		e.publishDiag(diag.SourceEngine, diag.KindActionDropped, map[string]any{"action": act.Name, "action_id": act.ID})
		return nil
	}

	last := e.currentLastReceivedEventID()
	acked := e.currentLastAckedEventID()
	if last != nil && !int64PtrEqual(last, acked) {
		v := *last
		act.ackEventID = &v
	} else {
		act.ackEventID = nil
	}

	frames, err := act.frames()
	if err != nil {
		return err
	}
	if err := conn.Send(frames); err != nil {
		return err
	}

	if act.ID != 0 {
		if stillPending := e.pendingSet.RecordSend(act, e.cfg.retryCount, e.cfg.retryTimeout, time.Now()); !stillPending {
			e.publishDiag(diag.SourceEngine, diag.KindRetryExhausted, map[string]any{"action": act.Name, "action_id": act.ID})
		}
	}

	if act.ackEventID != nil {
		e.setLastAckedEventID(*act.ackEventID)
	}
	return nil
}

// handleInbound applies one decoded event to engine state: ack
// bookkeeping, reply dispatch, and session-lifecycle reactions. It
// returns outcomeNone unless the event demands the connectionLoop end
// (a fatal pre-session error), plus whether this event is the one that
// brought the session into the connected state.
func (e *engine) handleInbound(event Event) (connOutcome, bool) {
	if event.EventID != nil {
		e.bumpLastReceivedEventID(*event.EventID)
	}

	final := true
	if event.ActionID != 0 {
		if multi, ok := e.multiReplyFlags[event.ActionID]; ok && multi {
			final = event.HistoryLength == nil
		}
		e.replies.Dispatch(event.ActionID, event.Params, event.Payload, final)
		if final {
			e.pendingSet.Ack(event.ActionID)
			delete(e.multiReplyFlags, event.ActionID)
		}
	}

	if !isSessionLifecycleEvent(event.Name) {
		e.deliverEvent(event, final)
		return outcomeNone, false
	}

	e.deliverSessionEvent(event.Params)

	switch event.Name {
	case "session_created":
		e.setServerSession(event)
		return outcomeNone, true

	case "error":
		sessionEstablished := e.currentServerSessionID() != ""

		if errorType(event.Params) == errorTypeSessionNotFound && sessionEstablished {
			oldSID := e.currentServerSessionID()
			e.resetSession()
			e.publishDiag(diag.SourceEngine, diag.KindSessionReset, map[string]any{"old_session_id": oldSID})
			return outcomeReconnect, false
		}

		if sessionEstablished {
			// The session is already up: this error answers one action
			// (or is otherwise non-fatal) and has already been handed to
			// OnSessionEvent (and to its action's reply callback, if it
			// carries an action_id); everything else keeps running.
			return outcomeNone, false
		}

		// A fatal error before the session has ever been established:
		// give up on this session entirely rather than retrying with a
		// seed action the server has already rejected.
		e.setState(StateClosing)
		return outcomeClosed, false
	}

	return outcomeNone, false
}

func (e *engine) readLoop(conn *transport.Conn, gen uint64, out chan<- inboundMsg) {
	for {
		header, payload, err := conn.ReadEvent()
		if err != nil {
			out <- inboundMsg{gen: gen, err: err}
			return
		}
		ev := newEventFromHeader(header, payload)
		out <- inboundMsg{gen: gen, event: &ev}
	}
}

// buildSeedAction returns the first action to send on a freshly dialed
// connection: resume_session if a server_session_id survives from a
// prior connection, create_session with the caller's params otherwise.
func (e *engine) buildSeedAction() *Action {
	e.stateMu.Lock()
	sid := e.serverSessionID
	lastReceived := e.lastReceivedEventID
	e.stateMu.Unlock()

	if sid != "" {
		params := map[string]any{"session_id": sid}
		if lastReceived != nil {
			params["event_id"] = *lastReceived
		}
		return &Action{Name: "resume_session", Params: params}
	}

	e.paramsMu.Lock()
	userParams := cloneParams(e.params)
	e.paramsMu.Unlock()
	return &Action{Name: "create_session", Params: userParams}
}

// setServerSession records session_id/session_host from a
// session_created event's params. It never touches
// lastReceivedEventID, so a second session_created for an already
// resumed session does not reset the resume point.
func (e *engine) setServerSession(event Event) {
	sid, _ := StringParam(event.Params, "session_id")
	host, _ := StringParam(event.Params, "session_host")

	e.stateMu.Lock()
	e.serverSessionID = sid
	if host != "" {
		e.serverHost = host
	}
	e.state = StateConnected
	e.stateMu.Unlock()
}

// resetSession clears the server session id after session_not_found and
// purges every action in the pending set that is transient for a
// session — it can never be valid again once the session it names is
// gone, regardless of what session replaces it.
func (e *engine) resetSession() {
	e.stateMu.Lock()
	e.serverSessionID = ""
	e.stateMu.Unlock()

	for _, act := range e.pendingSet.InOrder() {
		if act.TransientFor != "" {
			e.pendingSet.Ack(act.ID)
			delete(e.multiReplyFlags, act.ID)
		}
	}
}

func (e *engine) setState(s SessionState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *engine) currentServerHost() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.serverHost
}

func (e *engine) currentServerSessionID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.serverSessionID
}

func (e *engine) currentLastReceivedEventID() *int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastReceivedEventID
}

func (e *engine) currentLastAckedEventID() *int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastAckedEventID
}

func (e *engine) setLastAckedEventID(v int64) {
	e.stateMu.Lock()
	e.lastAckedEventID = &v
	e.stateMu.Unlock()
}

func (e *engine) bumpLastReceivedEventID(id int64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.lastReceivedEventID == nil || id > *e.lastReceivedEventID {
		v := id
		e.lastReceivedEventID = &v
	}
}

func (e *engine) markReady(err error) {
	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.readyCh)
	})
}

func (e *engine) finishClose() {
	e.setState(StateClosed)
	e.publishDiag(diag.SourceEngine, diag.KindClosed, nil)
	e.fireConnState(ConnDisconnected)
	close(e.eventsCh)
	if e.session.OnClose != nil {
		e.dispatch(e.session.OnClose)
	}
	close(e.dispatchCh)
}

func (e *engine) fireConnState(s ConnState) {
	if e.session.OnConnState != nil {
		e.dispatch(func() { e.session.OnConnState(s) })
	}
	if s == ConnConnected && e.session.OnConnActive != nil {
		e.dispatch(e.session.OnConnActive)
	}
}

func (e *engine) deliverSessionEvent(params map[string]any) {
	if e.session.OnSessionEvent != nil {
		e.dispatch(func() { e.session.OnSessionEvent(params) })
	}
}

func (e *engine) deliverEvent(event Event, final bool) {
	if e.session.OnEvent != nil {
		e.dispatch(func() { e.session.OnEvent(event.Params, event.Payload, final) })
	}
	select {
	case e.eventsCh <- DeliveredEvent{Event: event, LastReply: final}:
	default:
		e.cfg.logger.Warn("ninchat: events channel full, dropping event", "event", event.Name)
	}
}

func (e *engine) publishDiag(source, kind string, data map[string]any) {
	if e.cfg.diagBus == nil {
		return
	}
	e.cfg.diagBus.Publish(diag.Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// sleepOrClose waits out d, or returns early (reporting false) if the
// engine is asked to close first — used during connect backoff, where
// there is no connectionLoop select to catch closeRequested.
func (e *engine) sleepOrClose(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.closeRequested:
		return false
	}
}

func growBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// atomicCounter hands out strictly increasing positive action ids
// without needing a separate import for a one-field use of sync/atomic.
type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
