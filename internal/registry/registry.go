package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"landsync/runtime/internal/auth"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/land"
	"landsync/runtime/internal/logging"
	"landsync/runtime/internal/wire"
)

var (
	// ErrUnknownLandType signals a join for a type no definition covers.
	ErrUnknownLandType = errors.New("unknown land type")
	// ErrNotJoined signals an action or event from an unbound connection.
	ErrNotJoined = errors.New("connection has not joined a land")
)

// Conn is one outbound connection as the router sees it: already framed,
// already encoded by the transport layer.
type Conn interface {
	Send(frame wire.Frame)
	Kick()
}

type binding struct {
	landID   ident.LandID
	playerID ident.PlayerID
	session  ident.SessionID
}

// Router owns the land table and routes frames between connections and
// executors. Action and event frames carry no land id on the wire; the router
// infers the land from the connection's join binding.
type Router struct {
	mu       sync.RWMutex
	log      *logging.Logger
	defs     map[string]*land.Definition
	lands    map[string]*land.Executor
	conns    map[ident.ClientID]Conn
	bindings map[ident.ClientID]*binding
	verifier *auth.Verifier
	execOpts func(def *land.Definition, id ident.LandID) []land.Option
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithVerifier enables HMAC join-token admission.
func WithVerifier(v *auth.Verifier) RouterOption {
	return func(r *Router) { r.verifier = v }
}

// WithExecutorOptions supplies per-land executor options (clock, exporter).
func WithExecutorOptions(fn func(def *land.Definition, id ident.LandID) []land.Option) RouterOption {
	return func(r *Router) { r.execOpts = fn }
}

// NewRouter constructs an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		log:      logging.Nop(),
		defs:     make(map[string]*land.Definition),
		lands:    make(map[string]*land.Executor),
		conns:    make(map[ident.ClientID]Conn),
		bindings: make(map[ident.ClientID]*binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDefinition makes a land type joinable.
func (r *Router) RegisterDefinition(def *land.Definition) error {
	if def == nil || def.Type == "" {
		return fmt.Errorf("definition with a type must be provided")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("land type %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Connect registers a connection's outbound sink.
func (r *Router) Connect(clientID ident.ClientID, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[clientID] = conn
}

// Disconnect drops the connection, leaving its land if it had joined.
func (r *Router) Disconnect(ctx context.Context, clientID ident.ClientID) {
	r.mu.Lock()
	bind := r.bindings[clientID]
	delete(r.bindings, clientID)
	delete(r.conns, clientID)
	var exec *land.Executor
	if bind != nil {
		exec = r.lands[bind.landID.String()]
	}
	r.mu.Unlock()

	if exec != nil {
		//1.- A vanished connection is an implicit leave.
		if err := exec.Leave(ctx, bind.playerID, clientID); err != nil {
			r.log.Debug("disconnect leave skipped", logging.Error(err))
		}
	}
}

// LandCount reports how many executors are live.
func (r *Router) LandCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lands)
}

// Lands lists the live land identifiers.
func (r *Router) Lands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.lands))
	for id := range r.lands {
		out = append(out, id)
	}
	return out
}

// HandleFrame routes one decoded inbound frame for a connection. Responses
// and errors are pushed to the connection's sink.
func (r *Router) HandleFrame(ctx context.Context, clientID ident.ClientID, frame wire.Frame) {
	switch frame.Kind {
	case wire.KindJoin:
		r.handleJoin(ctx, clientID, frame.Join)
	case wire.KindAction:
		r.handleAction(ctx, clientID, frame.Action)
	case wire.KindEvent:
		r.handleEvent(ctx, clientID, frame.Event)
	default:
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: fmt.Sprintf("unexpected frame kind %v", frame.Kind)})
	}
}

func (r *Router) handleJoin(ctx context.Context, clientID ident.ClientID, req *wire.JoinRequest) {
	if req == nil {
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: "join without payload"})
		return
	}
	respond := func(resp wire.JoinResponse) {
		resp.RequestID = req.RequestID
		r.send(clientID, wire.Frame{Kind: wire.KindJoinResponse, JoinResponse: &resp})
	}

	playerID := ident.PlayerID(req.PlayerID)
	isGuest := true
	//1.- Token admission runs before the land's own predicate.
	if r.verifier != nil {
		claims, err := r.verifier.Verify(req.Token, req.LandType)
		if err != nil {
			respond(wire.JoinResponse{Success: false, Reason: err.Error()})
			return
		}
		playerID = ident.PlayerID(claims.PlayerID)
		isGuest = false
	}
	if playerID == "" {
		respond(wire.JoinResponse{Success: false, Reason: "player id required"})
		return
	}

	exec, err := r.findOrCreate(req.LandType, req.LandInstanceID)
	if err != nil {
		respond(wire.JoinResponse{Success: false, Reason: err.Error()})
		return
	}

	sessionID := ident.NewSessionID()
	result, err := exec.Join(ctx, land.JoinParams{
		PlayerID:  playerID,
		ClientID:  clientID,
		SessionID: sessionID,
		IsGuest:   isGuest,
		Metadata:  req.Metadata,
	})
	if err != nil {
		respond(wire.JoinResponse{Success: false, Reason: err.Error()})
		return
	}
	if !result.Success {
		respond(wire.JoinResponse{Success: false, Reason: result.Reason})
		return
	}

	r.mu.Lock()
	r.bindings[clientID] = &binding{landID: exec.ID(), playerID: result.PlayerID, session: sessionID}
	r.mu.Unlock()

	//2.- The response always carries the canonical full land id.
	id := exec.ID()
	respond(wire.JoinResponse{
		Success:        true,
		LandType:       id.Type,
		LandInstanceID: id.Instance,
		LandID:         id.String(),
		PlayerSlot:     result.PlayerSlot,
		Encoding:       req.Encoding,
	})
}

func (r *Router) findOrCreate(landType, instanceID string) (*land.Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[landType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLandType, landType)
	}
	var id ident.LandID
	if instanceID != "" {
		id = ident.LandID{Type: landType, Instance: instanceID}
		if exec, ok := r.lands[id.String()]; ok {
			return exec, nil
		}
		//2.- No exact instance match: reassign to a live land of the same type
		// before minting a fresh empty one, so a stale instance id keeps its
		// session continuity. The response carries the canonical id.
		if exec, ok := r.sameTypeLocked(landType); ok {
			r.log.Info("join reassigned to existing land",
				logging.String("requested", id.String()),
				logging.String("land_id", exec.ID().String()))
			return exec, nil
		}
	} else {
		//1.- No instance requested draws a fresh random one.
		var err error
		id, err = ident.NewLandID(landType)
		if err != nil {
			return nil, err
		}
	}

	opts := []land.Option{
		land.WithTransport(r),
		land.WithLogger(r.log),
	}
	if r.execOpts != nil {
		opts = append(opts, r.execOpts(def, id)...)
	}
	exec, err := land.New(def, id, opts...)
	if err != nil {
		return nil, err
	}
	r.lands[id.String()] = exec
	r.log.Info("land created", logging.String("land_id", id.String()))
	return exec, nil
}

// sameTypeLocked finds a live executor of the requested type; callers hold
// the router mutex. The lowest canonical id wins so repeated joins with the
// same stale instance land in the same place.
func (r *Router) sameTypeLocked(landType string) (*land.Executor, bool) {
	var best *land.Executor
	bestID := ""
	for id, exec := range r.lands {
		if exec.ID().Type != landType {
			continue
		}
		if best == nil || id < bestID {
			best = exec
			bestID = id
		}
	}
	return best, best != nil
}

func (r *Router) handleAction(ctx context.Context, clientID ident.ClientID, req *wire.ActionRequest) {
	if req == nil {
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: "action without payload"})
		return
	}
	exec, bind, err := r.executorFor(clientID)
	if err != nil {
		r.sendError(clientID, &wire.ErrorMessage{RequestID: req.RequestID, Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	result, frameErr, err := exec.HandleAction(ctx, bind.playerID, clientID, req.RequestID, *req)
	if err != nil {
		r.sendError(clientID, &wire.ErrorMessage{RequestID: req.RequestID, Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	if frameErr != nil {
		r.sendError(clientID, frameErr)
		return
	}
	r.send(clientID, wire.Frame{Kind: wire.KindActionResponse, ActionResponse: &wire.ActionResponse{
		RequestID: req.RequestID,
		Success:   true,
		Payload:   result.Payload,
	}})
}

func (r *Router) handleEvent(ctx context.Context, clientID ident.ClientID, event *wire.EventMessage) {
	if event == nil {
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: "event without payload"})
		return
	}
	exec, bind, err := r.executorFor(clientID)
	if err != nil {
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	frameErr, err := exec.HandleClientEvent(ctx, bind.playerID, clientID, *event)
	if err != nil {
		r.sendError(clientID, &wire.ErrorMessage{Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	if frameErr != nil {
		r.sendError(clientID, frameErr)
	}
}

func (r *Router) executorFor(clientID ident.ClientID) (*land.Executor, *binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bind, ok := r.bindings[clientID]
	if !ok {
		return nil, nil, ErrNotJoined
	}
	exec, ok := r.lands[bind.landID.String()]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotJoined, bind.landID)
	}
	return exec, bind, nil
}

func (r *Router) send(clientID ident.ClientID, frame wire.Frame) {
	r.mu.RLock()
	conn := r.conns[clientID]
	r.mu.RUnlock()
	if conn != nil {
		conn.Send(frame)
	}
}

func (r *Router) sendError(clientID ident.ClientID, msg *wire.ErrorMessage) {
	frame := wire.Frame{Kind: wire.KindError, Error: msg}
	r.mu.RLock()
	conn := r.conns[clientID]
	var fanout []Conn
	if conn == nil {
		//1.- Last resort: an error that cannot be attributed to one connection
		// fans out to every view so the failure is never silently lost.
		fanout = make([]Conn, 0, len(r.conns))
		for _, c := range r.conns {
			fanout = append(fanout, c)
		}
	}
	r.mu.RUnlock()

	if conn != nil {
		conn.Send(frame)
		return
	}
	for _, c := range fanout {
		c.Send(frame)
	}
}

// Deliver implements land.Transport.
func (r *Router) Deliver(clientID ident.ClientID, frame wire.Frame) {
	r.send(clientID, frame)
}

// Evict implements land.Transport: kick-old unbinds and closes the stale
// connection.
func (r *Router) Evict(clientID ident.ClientID) {
	r.mu.Lock()
	delete(r.bindings, clientID)
	conn := r.conns[clientID]
	delete(r.conns, clientID)
	r.mu.Unlock()
	if conn != nil {
		conn.Kick()
	}
}

// LandClosed implements land.Transport: a finalized land leaves the table.
func (r *Router) LandClosed(id ident.LandID) {
	r.mu.Lock()
	delete(r.lands, id.String())
	//1.- Drop every binding pointing at the closed land.
	for clientID, bind := range r.bindings {
		if bind.landID == id {
			delete(r.bindings, clientID)
		}
	}
	r.mu.Unlock()
	r.log.Info("land removed", logging.String("land_id", id.String()))
}

// CloseAll finalizes every land, used at server shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	lands := make([]*land.Executor, 0, len(r.lands))
	for _, exec := range r.lands {
		lands = append(lands, exec)
	}
	r.mu.Unlock()
	for _, exec := range lands {
		if err := exec.Close(); err != nil && !errors.Is(err, land.ErrLandClosed) {
			r.log.Warn("land close failed", logging.Error(err))
		}
	}
}
