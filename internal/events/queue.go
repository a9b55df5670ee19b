package events

import (
	"sync"

	"landsync/runtime/internal/ident"
)

// Target selects which connections receive a server event.
type Target int

const (
	// TargetAll fans the event out to every connected client.
	TargetAll Target = iota
	// TargetPlayer delivers to whichever client currently represents a player.
	TargetPlayer
	// TargetClient delivers to one specific connection.
	TargetClient
	// TargetSession delivers to one transport session.
	TargetSession
	// TargetList delivers to an explicit set of players.
	TargetList
)

// Pending is one server-emitted event waiting for the next sync flush.
type Pending struct {
	Sequence uint64
	TickID   int64
	Type     string
	Payload  []byte
	Fields   []any

	Target    Target
	PlayerID  ident.PlayerID
	ClientID  ident.ClientID
	SessionID ident.SessionID
	Players   []ident.PlayerID
}

// DeliverableTo reports whether one connection should receive the event.
func (p Pending) DeliverableTo(clientID ident.ClientID, playerID ident.PlayerID, sessionID ident.SessionID) bool {
	switch p.Target {
	case TargetAll:
		return true
	case TargetPlayer:
		return p.PlayerID == playerID
	case TargetClient:
		return p.ClientID == clientID
	case TargetSession:
		return p.SessionID == sessionID
	case TargetList:
		for _, id := range p.Players {
			if id == playerID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Queue buffers server events between syncs, preserving emission order via a
// monotone sequence shared with the recorder.
type Queue struct {
	mu      sync.Mutex
	nextSeq uint64
	pending []Pending
}

// NewQueue starts an empty event queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Emit appends one event; the tick id is the handler's committed tick.
func (q *Queue) Emit(p Pending) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	//1.- Stamp the shared sequence so replay comparisons stay order-sensitive.
	p.Sequence = q.nextSeq
	q.nextSeq++
	q.pending = append(q.pending, p)
	return p.Sequence
}

// EmitStamped appends an event that already carries its sequence, used when
// the recorder owns the numbering.
func (q *Queue) EmitStamped(p Pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.Sequence >= q.nextSeq {
		q.nextSeq = p.Sequence + 1
	}
	q.pending = append(q.pending, p)
}

// EmitAll targets every client.
func (q *Queue) EmitAll(tickID int64, eventType string, payload []byte) uint64 {
	return q.Emit(Pending{TickID: tickID, Type: eventType, Payload: payload, Target: TargetAll})
}

// EmitToPlayer targets one player's current connection.
func (q *Queue) EmitToPlayer(tickID int64, playerID ident.PlayerID, eventType string, payload []byte) uint64 {
	return q.Emit(Pending{TickID: tickID, Type: eventType, Payload: payload, Target: TargetPlayer, PlayerID: playerID})
}

// EmitToClient targets one connection.
func (q *Queue) EmitToClient(tickID int64, clientID ident.ClientID, eventType string, payload []byte) uint64 {
	return q.Emit(Pending{TickID: tickID, Type: eventType, Payload: payload, Target: TargetClient, ClientID: clientID})
}

// EmitToSession targets one transport session.
func (q *Queue) EmitToSession(tickID int64, sessionID ident.SessionID, eventType string, payload []byte) uint64 {
	return q.Emit(Pending{TickID: tickID, Type: eventType, Payload: payload, Target: TargetSession, SessionID: sessionID})
}

// EmitToPlayers targets an explicit player list.
func (q *Queue) EmitToPlayers(tickID int64, players []ident.PlayerID, eventType string, payload []byte) uint64 {
	list := append([]ident.PlayerID(nil), players...)
	return q.Emit(Pending{TickID: tickID, Type: eventType, Payload: payload, Target: TargetList, Players: list})
}

// Len reports how many events await the next flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain removes and returns every pending event in emission order.
func (q *Queue) Drain() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Peek returns the pending events without consuming them; the recorder uses
// this to capture emissions tied to the current handler.
func (q *Queue) Peek() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Pending(nil), q.pending...)
}
