package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/wire"
)

var (
	// ErrNotSynced signals a diff arriving before the first sync.
	ErrNotSynced = errors.New("diff received before first sync")
	// ErrDuplicateRequest signals a request id registered twice.
	ErrDuplicateRequest = errors.New("request id already pending")
)

// Outcome resolves one pending request: a typed response or an error frame.
type Outcome struct {
	Response *wire.ActionResponse
	Err      *wire.ErrorMessage
}

// Mirror maintains the client-side copy of a land's replicated state by
// applying server patches in arrival order.
type Mirror struct {
	mu     sync.RWMutex
	state  snapshot.Snapshot
	synced bool

	subs []*mapSubscription
}

type mapSubscription struct {
	segments []string
	fn       func(key string, value any, op snapshot.Op)
}

// NewMirror starts an empty, unsynced mirror.
func NewMirror() *Mirror {
	return &Mirror{state: make(snapshot.Snapshot)}
}

// Synced reports whether the first sync has been applied.
func (m *Mirror) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// Get reads one replicated leaf.
func (m *Mirror) Get(path string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[path]
	return v, ok
}

// State returns a copy of the mirrored snapshot.
func (m *Mirror) State() snapshot.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Apply folds one state update into the mirror.
func (m *Mirror) Apply(update *wire.StateUpdate) error {
	if update == nil {
		return fmt.Errorf("nil state update")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch update.Kind {
	case wire.UpdateNoChange:
		return nil
	case wire.UpdateFirstSync:
		//1.- First sync rebuilds from an empty baseline.
		m.state = make(snapshot.Snapshot)
		m.synced = true
	case wire.UpdateDiff:
		if !m.synced {
			return ErrNotSynced
		}
	default:
		return fmt.Errorf("unknown update kind %v", update.Kind)
	}
	next, err := snapshot.Apply(m.state, update.Patches)
	if err != nil {
		return err
	}
	m.state = next
	//2.- Map subscriptions observe each applied patch in order.
	for _, p := range update.Patches {
		m.notifyLocked(p)
	}
	return nil
}

// SubscribeMap watches a wildcard dotted pattern such as "players.*" or
// "players.*.hp"; the callback receives the first wildcard key of each
// matching patch.
func (m *Mirror) SubscribeMap(pattern string, fn func(key string, value any, op snapshot.Op)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, &mapSubscription{segments: strings.Split(pattern, "."), fn: fn})
}

func (m *Mirror) notifyLocked(p snapshot.Patch) {
	dotted, err := snapshot.DottedFromPointer(p.Path)
	if err != nil {
		return
	}
	segments := strings.Split(dotted, ".")
	for _, sub := range m.subs {
		key, ok := matchPattern(sub.segments, segments)
		if !ok {
			continue
		}
		sub.fn(key, p.Value, p.Op)
	}
}

func matchPattern(pattern, concrete []string) (string, bool) {
	if len(pattern) > len(concrete) {
		return "", false
	}
	key := ""
	for i, seg := range pattern {
		if seg == "*" {
			if key == "" {
				key = concrete[i]
			}
			continue
		}
		if seg != concrete[i] {
			return "", false
		}
	}
	return key, true
}

// Requests tracks in-flight request ids so responses and error frames can
// reject or resolve the matching caller.
type Requests struct {
	mu      sync.Mutex
	pending map[string]chan Outcome
}

// NewRequests starts an empty pending table.
func NewRequests() *Requests {
	return &Requests{pending: make(map[string]chan Outcome)}
}

// Register reserves a request id and returns its outcome channel.
func (r *Requests) Register(requestID string) (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[requestID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRequest, requestID)
	}
	ch := make(chan Outcome, 1)
	r.pending[requestID] = ch
	return ch, nil
}

// ResolveResponse completes the pending request named by the response.
func (r *Requests) ResolveResponse(resp *wire.ActionResponse) bool {
	if resp == nil {
		return false
	}
	return r.resolve(resp.RequestID, Outcome{Response: resp})
}

// ResolveError rejects the pending request named by the error frame; error
// frames with no matching request are dropped (the caller may fan them out).
func (r *Requests) ResolveError(msg *wire.ErrorMessage) bool {
	if msg == nil || msg.RequestID == "" {
		return false
	}
	return r.resolve(msg.RequestID, Outcome{Err: msg})
}

func (r *Requests) resolve(requestID string, outcome Outcome) bool {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome
	close(ch)
	return true
}

// DrainAll rejects every pending request, used on disconnect.
func (r *Requests) DrainAll(reason string) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan Outcome)
	r.mu.Unlock()
	for id, ch := range pending {
		ch <- Outcome{Err: &wire.ErrorMessage{RequestID: id, Code: wire.CodeInternalError, Message: reason}}
		close(ch)
	}
	return len(pending)
}

// Len reports the number of in-flight requests.
func (r *Requests) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Subscriptions dispatches typed server events to registered callbacks.
type Subscriptions struct {
	mu       sync.Mutex
	handlers map[string][]func(payload map[string]any)
	schemas  *wire.EventSchemas
}

// NewSubscriptions builds a dispatcher; system events decode without land
// schemas.
func NewSubscriptions(schemas *wire.EventSchemas) *Subscriptions {
	if schemas == nil {
		schemas = wire.SystemEventSchemas()
	}
	return &Subscriptions{handlers: make(map[string][]func(map[string]any)), schemas: schemas}
}

// Subscribe registers a callback for one event type.
func (s *Subscriptions) Subscribe(eventType string, fn func(payload map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], fn)
}

// Dispatch decodes and fans one server event out to its subscribers in
// registration order.
func (s *Subscriptions) Dispatch(event wire.EventMessage) error {
	payload, err := s.decode(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	handlers := append([]func(map[string]any){}, s.handlers[event.Type]...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
	return nil
}

func (s *Subscriptions) decode(event wire.EventMessage) (map[string]any, error) {
	//1.- Field-ordered arrays reconstruct through the declared schema.
	if len(event.Fields) > 0 {
		if !s.schemas.Registered(event.Type) {
			return nil, fmt.Errorf("event %q has array payload but no schema", event.Type)
		}
		return s.schemas.Unpack(event.Type, event.Fields)
	}
	if len(event.Payload) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
