package land

import (
	"encoding/json"
	"strings"
	"time"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/events"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/resolver"
	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/statetree"
	"landsync/runtime/internal/wire"
)

// HandlerContext is the world a synchronous handler body sees. The body runs
// inside the executor's critical section: it may mutate State freely and must
// not suspend. All non-deterministic inputs arrive through Outputs.
type HandlerContext struct {
	LandID    ident.LandID
	TickID    int64
	PlayerID  ident.PlayerID
	ClientID  ident.ClientID
	SessionID ident.SessionID

	State   *statetree.Document
	RNG     *determinism.RNG
	Outputs map[string]resolver.Output
	Payload any

	emit *emitter
}

// Emit queues a server event for every client.
func (c *HandlerContext) Emit(eventType string, payload any) error {
	return c.emit.emit(events.Pending{TickID: c.TickID, Type: eventType, Target: events.TargetAll}, payload)
}

// EmitToPlayer queues a server event for one player's connection.
func (c *HandlerContext) EmitToPlayer(playerID ident.PlayerID, eventType string, payload any) error {
	return c.emit.emit(events.Pending{TickID: c.TickID, Type: eventType, Target: events.TargetPlayer, PlayerID: playerID}, payload)
}

// EmitToClient queues a server event for one connection.
func (c *HandlerContext) EmitToClient(clientID ident.ClientID, eventType string, payload any) error {
	return c.emit.emit(events.Pending{TickID: c.TickID, Type: eventType, Target: events.TargetClient, ClientID: clientID}, payload)
}

// EmitToSession queues a server event for one transport session.
func (c *HandlerContext) EmitToSession(sessionID ident.SessionID, eventType string, payload any) error {
	return c.emit.emit(events.Pending{TickID: c.TickID, Type: eventType, Target: events.TargetSession, SessionID: sessionID}, payload)
}

// EmitToPlayers queues a server event for an explicit player list.
func (c *HandlerContext) EmitToPlayers(players []ident.PlayerID, eventType string, payload any) error {
	list := append([]ident.PlayerID(nil), players...)
	return c.emit.emit(events.Pending{TickID: c.TickID, Type: eventType, Target: events.TargetList, Players: list}, payload)
}

type emitter struct {
	queue  *events.Queue
	seq    func() uint64
	onEmit func(events.Pending)
}

func (e *emitter) emit(p events.Pending, payload any) error {
	data, err := encodeEventPayload(payload)
	if err != nil {
		return err
	}
	p.Payload = data
	p.Sequence = e.seq()
	e.queue.EmitStamped(p)
	//1.- The recorder observes every emission tied to the current handler.
	if e.onEmit != nil {
		e.onEmit(p)
	}
	return nil
}

func encodeEventPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// ActionHandler binds one action type to its resolvers and body.
type ActionHandler struct {
	// TypeName is the full declared action type, e.g. "cards.PlayCardAction".
	TypeName string
	// Decode parses the envelope payload into the declared type; when nil the
	// payload decodes into a generic map.
	Decode func([]byte) (any, error)
	// Resolvers run before the body and are the only place live I/O happens.
	Resolvers resolver.Set
	// Handle is the synchronous body; its return value answers the request.
	Handle func(ctx *HandlerContext) (any, error)
}

func (h *ActionHandler) decodePayload(data []byte) (any, error) {
	if h.Decode != nil {
		return h.Decode(data)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventHandler is one registered client-event callback.
type EventHandler struct {
	Handle func(ctx *HandlerContext) error
}

// JoinContext is what the admission predicate evaluates.
type JoinContext struct {
	LandID    ident.LandID
	State     snapshot.Snapshot
	PlayerID  ident.PlayerID
	Metadata  map[string]string
	IsGuest   bool
	Outputs   map[string]resolver.Output
	SessionID ident.SessionID
}

// JoinVerdict is the predicate's answer.
type JoinVerdict struct {
	Allowed  bool
	PlayerID ident.PlayerID
	Reason   string
}

// Allow admits the supplied player identity.
func Allow(playerID ident.PlayerID) JoinVerdict {
	return JoinVerdict{Allowed: true, PlayerID: playerID}
}

// Deny rejects the join with a client-visible reason.
func Deny(reason string) JoinVerdict {
	return JoinVerdict{Reason: reason}
}

// JoinPredicate gates admission; resolvers run before Evaluate.
type JoinPredicate struct {
	Resolvers resolver.Set
	Evaluate  func(ctx *JoinContext) JoinVerdict
}

// LifecycleHandler couples resolvers with a lifecycle body (join/leave).
type LifecycleHandler struct {
	Resolvers resolver.Set
	Handle    func(ctx *HandlerContext) error
}

// Definition declares one land type: its schema, cadences, limits and
// handler tables. Definitions are immutable once registered.
type Definition struct {
	Type string
	Spec *statetree.Spec

	TickInterval time.Duration
	// SyncInterval of zero auto-binds to the tick interval (with a warning).
	SyncInterval          time.Duration
	MaxPlayers            int
	DestroyWhenEmptyAfter time.Duration
	TrackDirty            bool

	OnInitialize       func(ctx *HandlerContext) error
	OnTick             func(ctx *HandlerContext) error
	OnSync             func(view snapshot.Snapshot)
	CanJoin            *JoinPredicate
	OnJoin             *LifecycleHandler
	OnLeave            *LifecycleHandler
	OnDestroyWhenEmpty func(ctx *HandlerContext) error
	OnFinalize         func(ctx *HandlerContext) error
	AfterFinalize      func() error

	Actions      []*ActionHandler
	ClientEvents map[string][]*EventHandler
	EventSchemas *wire.EventSchemas
}

// FindAction resolves an action handler by its wire type identifier, trying
// the four declared match variants in order.
func (d *Definition) FindAction(typeIdentifier string) (*ActionHandler, bool) {
	//1.- Exact type-name match.
	for _, h := range d.Actions {
		if h.TypeName == typeIdentifier {
			return h, true
		}
	}
	//2.- Last name component.
	for _, h := range d.Actions {
		if lastComponent(h.TypeName) == typeIdentifier {
			return h, true
		}
	}
	//3.- Schema action id: camelCase without the Action suffix.
	for _, h := range d.Actions {
		if actionID(h.TypeName) == typeIdentifier {
			return h, true
		}
	}
	//4.- Case-insensitive fallback against every variant.
	lowered := strings.ToLower(typeIdentifier)
	for _, h := range d.Actions {
		if strings.ToLower(h.TypeName) == lowered ||
			strings.ToLower(lastComponent(h.TypeName)) == lowered ||
			strings.ToLower(actionID(h.TypeName)) == lowered {
			return h, true
		}
	}
	return nil, false
}

func lastComponent(typeName string) string {
	if idx := strings.LastIndex(typeName, "."); idx >= 0 {
		return typeName[idx+1:]
	}
	return typeName
}

func actionID(typeName string) string {
	name := strings.TrimSuffix(lastComponent(typeName), "Action")
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}

// EventRegistered reports whether a client event type has handlers.
func (d *Definition) EventRegistered(eventType string) bool {
	_, ok := d.ClientEvents[eventType]
	return ok
}
