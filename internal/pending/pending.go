// Package pending implements the ordered, retry-aware holding area for
// actions awaiting acknowledgment, generalizing the Pending class in
// the original Python client's session module: a list kept sorted by
// next-retry deadline for O(1) "what's due" queries, plus a map keyed
// by action id for O(1) lookup on acknowledgment (removing the entry
// from the sorted list is a linear scan).
package pending

import (
	"sort"
	"sync"
	"time"
)

// Keyed is the minimal surface the pending set needs from whatever
// type it holds. A zero action id means "not tracked" (fire-and-forget
// actions never enter the pending set, matching spec §3's invariant
// that the pending set contains only actions with a non-null
// action_id).
type Keyed interface {
	ActionID() int64
}

type entry[T Keyed] struct {
	value    T
	deadline time.Time
	attempts int
}

// Set holds actions awaiting acknowledgment or retry. Safe for
// concurrent use; in this implementation it is only ever touched by
// the session engine's single send-loop goroutine (which also makes the
// Ack calls for inbound replies), but the mutex makes that an
// implementation detail rather than a contract.
type Set[T Keyed] struct {
	mu   sync.Mutex
	list []*entry[T] // sorted by deadline, ascending
	byID map[int64]*entry[T]
}

// New returns an empty Set.
func New[T Keyed]() *Set[T] {
	return &Set[T]{byID: make(map[int64]*entry[T])}
}

// Peek reports the action at the front of the retry queue (the one
// with the nearest deadline), without removing it. If its deadline has
// already passed, dueNow is true and the caller should resend it. If
// not, wait reports how long until it will be due, for use as the
// outbound-queue receive timeout. An empty set reports ok=false.
func (s *Set[T]) Peek(now time.Time) (value T, dueNow bool, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.list) == 0 {
		return value, false, 0, false
	}
	e := s.list[0]
	remaining := e.deadline.Sub(now)
	if remaining <= 0 {
		return e.value, true, 0, true
	}
	return value, false, remaining, true
}

// RecordSend registers that v was just (re)sent. If this send brings v's
// total number of sends to retryCount, it is dropped from the set entirely and
// stillPending is false — the caller (the send loop) then treats it as
// exhausted. Otherwise its deadline is pushed out by retryTimeout and
// stillPending is true. Actions with a zero ActionID are ignored (they
// are fire-and-forget and never tracked).
func (s *Set[T]) RecordSend(v T, retryCount int, retryTimeout time.Duration, now time.Time) (stillPending bool) {
	id := v.ActionID()
	if id == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, existing := s.byID[id]
	if existing {
		s.removeFromList(e)
	} else {
		e = &entry[T]{value: v}
	}

	e.value = v
	e.attempts++
	if e.attempts >= retryCount {
		delete(s.byID, id)
		return false
	}

	e.deadline = now.Add(retryTimeout)
	s.insertSorted(e)
	s.byID[id] = e
	return true
}

// Ack removes the action identified by actionID from the set, as when
// an inbound event's action_id acknowledges it. Reports the removed
// value and true if it was present.
func (s *Set[T]) Ack(actionID int64) (value T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[actionID]
	if !ok {
		return value, false
	}
	s.removeFromList(e)
	delete(s.byID, actionID)
	return e.value, true
}

// Drop removes v from the set only if it is currently at the front of
// the retry queue — the case where the send loop peeked it via Peek
// and decided, before resending, that it is now obsolete (e.g. it is
// transient for a session that no longer exists). A v that is not at
// the front is left untouched, matching the original Pending.drop
// semantics: dropping only ever applies to the action the caller is
// actively considering for resend.
func (s *Set[T]) Drop(v T) {
	id := v.ActionID()
	if id == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.list) == 0 || s.list[0].value.ActionID() != id {
		return
	}
	s.list = s.list[1:]
	delete(s.byID, id)
}

// InOrder returns every currently pending action, sorted by action id
// ascending — the order spec §4.2's retry policy requires actions to
// be resent in after a reconnect.
func (s *Set[T]) InOrder() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]T, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID() < out[j].ActionID() })
	return out
}

// Len reports how many actions are currently pending.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// removeFromList deletes e from the sorted slice. Must be called with
// s.mu held.
func (s *Set[T]) removeFromList(e *entry[T]) {
	for i, cur := range s.list {
		if cur == e {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

// insertSorted inserts e into the sorted slice by deadline. Must be
// called with s.mu held.
func (s *Set[T]) insertSorted(e *entry[T]) {
	i := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].deadline.After(e.deadline)
	})
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = e
}
