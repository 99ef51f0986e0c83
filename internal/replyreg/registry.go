// Package replyreg implements the reply callback registry described in
// spec §4.3: a map from action id to the callback supplied when the
// action was sent, generalizing the _on_replies dict in the original
// Python client package. Most actions receive exactly one reply and
// are removed from the registry as soon as it arrives; a handful
// (load_history chief among them) deliver a run of interim replies
// before a final one, and stay registered until that final reply is
// looked up.
package replyreg

import (
	"log/slog"
	"sync"
)

// Reply is invoked once per event that answers an action. final
// reports whether this is the last reply the action will ever
// receive — after a final reply, the registry forgets the action id.
type Reply func(params map[string]any, payload [][]byte, final bool)

// Registry tracks callbacks for actions awaiting a reply.
type Registry struct {
	logger *slog.Logger

	mu   sync.Mutex
	byID map[int64]Reply
}

// New returns an empty Registry. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, byID: make(map[int64]Reply)}
}

// invoke runs cb, recovering a panic so that a misbehaving
// caller-supplied callback logs and is dropped rather than taking
// down the engine goroutine that called Dispatch/CloseAll.
func (r *Registry) invoke(cb Reply, params map[string]any, payload [][]byte, final bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("replyreg: reply callback panicked", "panic", rec)
		}
	}()
	cb(params, payload, final)
}

// Register associates cb with actionID. A zero actionID or nil cb is a
// no-op, matching the facade's "send without on_reply" case.
func (r *Registry) Register(actionID int64, cb Reply) {
	if actionID == 0 || cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[actionID] = cb
}

// Dispatch looks up the callback registered for actionID and invokes
// it with params, payload, and final. If final is true, the callback
// is removed from the registry before being invoked — matching the
// Python client's pop-on-last-reply, peek-otherwise distinction, so a
// multi-reply action's callback keeps firing for every interim event
// until the terminating one arrives. Reports whether a callback was
// found.
func (r *Registry) Dispatch(actionID int64, params map[string]any, payload [][]byte, final bool) bool {
	r.mu.Lock()
	var cb Reply
	var ok bool
	if final {
		cb, ok = r.byID[actionID]
		if ok {
			delete(r.byID, actionID)
		}
	} else {
		cb, ok = r.byID[actionID]
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.invoke(cb, params, payload, final)
	return true
}

// Forget removes actionID from the registry without invoking its
// callback, for use when an action is dropped before any reply can
// arrive (e.g. a transient action discarded on session reset).
func (r *Registry) Forget(actionID int64) {
	if actionID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, actionID)
}

// CloseAll invokes every remaining registered callback with a nil
// params/payload and final=true, then clears the registry. This
// mirrors _handle_close's sweep over _on_replies when a session ends
// with outstanding replies never delivered.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	remaining := r.byID
	r.byID = make(map[int64]Reply)
	r.mu.Unlock()

	for _, cb := range remaining {
		r.invoke(cb, nil, nil, true)
	}
}

// Len reports how many actions currently have a registered callback.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
