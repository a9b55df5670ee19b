package land

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/events"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/logging"
	"landsync/runtime/internal/record"
	"landsync/runtime/internal/resolver"
	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/statetree"
	"landsync/runtime/internal/wire"
)

var (
	// ErrLandClosed is returned for operations against a finalized land.
	ErrLandClosed = errors.New("land closed")
	// ErrClientMismatch signals a leave whose client does not own the session.
	ErrClientMismatch = errors.New("client does not own the player session")
	// ErrNoSession signals an input from a connection with no live session.
	ErrNoSession = errors.New("no session for player")
)

// Transport is the outbound half of the duplex channel: the executor hands it
// frames and lifecycle notifications, never raw bytes.
type Transport interface {
	Deliver(clientID ident.ClientID, frame wire.Frame)
	Evict(clientID ident.ClientID)
	LandClosed(id ident.LandID)
}

// NopTransport discards everything; re-evaluation and tests run on it.
type NopTransport struct{}

func (NopTransport) Deliver(ident.ClientID, wire.Frame) {}
func (NopTransport) Evict(ident.ClientID)               {}
func (NopTransport) LandClosed(ident.LandID)            {}

// JoinParams carries everything the transport knows about a joining client.
type JoinParams struct {
	PlayerID  ident.PlayerID
	ClientID  ident.ClientID
	SessionID ident.SessionID
	DeviceID  ident.DeviceID
	IsGuest   bool
	Metadata  map[string]string
	Services  map[string]any
}

// JoinResult is the executor's answer to a join.
type JoinResult struct {
	Success    bool
	PlayerID   ident.PlayerID
	PlayerSlot int
	Reason     string
	Code       wire.ErrorCode
}

// ActionResult carries a handler's response payload back to the router.
type ActionResult struct {
	Payload []byte
}

type playerSession struct {
	playerID  ident.PlayerID
	clientID  ident.ClientID
	sessionID ident.SessionID
	deviceID  ident.DeviceID
	isGuest   bool
	metadata  map[string]string
	services  map[string]any
	slot      int
}

type mode int

const (
	modeLive mode = iota
	modeReevaluation
)

// Executor owns one land instance: its state, sessions, loops and recording.
// Every mutation runs on the single run goroutine (live) or the caller's
// goroutine (re-evaluation), so state needs no locking.
type Executor struct {
	def       *Definition
	id        ident.LandID
	log       *logging.Logger
	clock     determinism.Clock
	transport Transport
	mode      mode

	doc      *statetree.Document
	diff     *snapshot.Engine
	queue    *events.Queue
	rng      *determinism.RNG
	// resolverRNG feeds resolver sampling only; its draws are captured into
	// the record, so replay never consumes this stream.
	resolverRNG *determinism.RNG
	recorder *record.Recorder
	exporter *record.Exporter

	cmds    chan func()
	closed  chan struct{}
	stopped chan struct{}

	sessions map[ident.PlayerID]*playerSession
	nextSlot int

	nextTickID    int64
	lastCommitted int64

	tickInterval time.Duration
	syncInterval time.Duration
	tickTimer    determinism.Timer
	syncTimer    determinism.Timer
	destroyTimer determinism.Timer
	nextDeadline time.Time

	resolverSource resolver.Source
	recordPath     string
	finalized      bool
}

// Option configures an executor at construction time.
type Option func(*Executor)

// WithClock overrides the scheduling clock, enabling deterministic tests.
func WithClock(clock determinism.Clock) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithTransport attaches the outbound frame sink.
func WithTransport(t Transport) Option {
	return func(e *Executor) {
		if t != nil {
			e.transport = t
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithExporter streams one JSONL line per committed tick.
func WithExporter(exp *record.Exporter) Option {
	return func(e *Executor) { e.exporter = exp }
}

// WithRecordPath persists the finished recording at shutdown.
func WithRecordPath(path string) Option {
	return func(e *Executor) { e.recordPath = path }
}

// New constructs and starts a live executor for the supplied definition.
func New(def *Definition, id ident.LandID, opts ...Option) (*Executor, error) {
	if def == nil || def.Spec == nil {
		return nil, fmt.Errorf("land definition and spec must be provided")
	}
	if def.TickInterval <= 0 {
		return nil, fmt.Errorf("land %q declares no tick interval", def.Type)
	}
	e := newExecutor(def, id, modeLive)
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("land_id", id.String()))

	e.syncInterval = def.SyncInterval
	if e.syncInterval <= 0 {
		//1.- Auto-bind the sync cadence to the tick cadence when unspecified.
		e.syncInterval = def.TickInterval
		e.log.Warn("sync interval unset, binding to tick interval",
			logging.Duration("interval", e.syncInterval))
	}

	if err := e.initialize(); err != nil {
		return nil, err
	}

	//2.- Arm both loops before the run goroutine starts consuming them.
	now := e.clock.Now()
	e.nextDeadline = now.Add(e.tickInterval)
	e.tickTimer = e.clock.NewTimer(e.tickInterval)
	e.syncTimer = e.clock.NewTimer(e.syncInterval)
	go e.run()
	return e, nil
}

func newExecutor(def *Definition, id ident.LandID, m mode) *Executor {
	doc := statetree.NewDocument(def.Spec, def.TrackDirty)
	seed := determinism.SeedForLand(id)
	e := &Executor{
		def:            def,
		id:             id,
		log:            logging.Nop(),
		clock:          determinism.WallClock{},
		transport:      NopTransport{},
		mode:           m,
		doc:            doc,
		diff:           snapshot.NewEngine(doc),
		queue:          events.NewQueue(),
		rng:            determinism.NewRNG(seed),
		resolverRNG:    determinism.NewRNG(seed ^ 0xa5a5a5a5a5a5a5a5),
		cmds:           make(chan func(), 64),
		closed:         make(chan struct{}),
		stopped:        make(chan struct{}),
		sessions:       make(map[ident.PlayerID]*playerSession),
		nextSlot:       1,
		lastCommitted:  -1,
		tickInterval:   def.TickInterval,
		resolverSource: resolver.LiveSource{},
	}
	e.recorder = record.NewRecorder(record.Metadata{
		LandID:    id.String(),
		LandType:  def.Type,
		CreatedAt: e.clock.Now().UTC(),
		RngSeed:   seed,
	})
	return e
}

func (e *Executor) initialize() error {
	if e.def.OnInitialize != nil {
		ctx := e.handlerContext(e.nextTickID, "", "", "", nil, nil)
		if err := e.def.OnInitialize(ctx); err != nil {
			return fmt.Errorf("initialize land %s: %w", e.id, err)
		}
	}
	if hash, err := e.stateHash(); err == nil {
		e.recorder.SetInitialStateHash(hash)
	}
	return nil
}

// ID returns the land identifier.
func (e *Executor) ID() ident.LandID { return e.id }

// Definition exposes the immutable land definition.
func (e *Executor) Definition() *Definition { return e.def }

// run drains the command queue and loop timers until shutdown.
func (e *Executor) run() {
	defer close(e.stopped)
	for {
		var tickC, syncC, destroyC <-chan time.Time
		if e.tickTimer != nil {
			tickC = e.tickTimer.C()
		}
		if e.syncTimer != nil {
			syncC = e.syncTimer.C()
		}
		if e.destroyTimer != nil {
			destroyC = e.destroyTimer.C()
		}
		select {
		case <-e.closed:
			return
		case cmd := <-e.cmds:
			cmd()
		case <-tickC:
			e.onTickTimer()
		case <-syncC:
			e.runSync()
			if e.syncTimer != nil {
				e.syncTimer.Reset(e.syncInterval)
			}
		case <-destroyC:
			e.onDestroyTimer()
		}
	}
}

// do posts a command to the run loop and waits for completion.
func (e *Executor) do(fn func()) error {
	if e.mode == modeReevaluation {
		//1.- Re-evaluation is single-threaded; run inline.
		fn()
		return nil
	}
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.closed:
		return ErrLandClosed
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrLandClosed
	}
}

// onTickTimer runs one tick and re-arms the fixed-rate deadline.
func (e *Executor) onTickTimer() {
	e.runTick()
	now := e.clock.Now()
	//1.- Fixed-rate scheduling: advance the deadline by whole intervals,
	// dropping ticks rather than bunching them after an overrun.
	e.nextDeadline = e.nextDeadline.Add(e.tickInterval)
	for !e.nextDeadline.After(now) {
		e.nextDeadline = e.nextDeadline.Add(e.tickInterval)
	}
	if e.tickTimer != nil {
		e.tickTimer.Reset(e.nextDeadline.Sub(now))
	}
}

// runTick advances the land by one deterministic step.
func (e *Executor) runTick() {
	tickID := e.nextTickID
	e.nextTickID++
	if e.def.OnTick != nil {
		ctx := e.handlerContext(tickID, "", "", "", nil, nil)
		if err := e.def.OnTick(ctx); err != nil {
			e.log.Errorf("tick handler failed", logging.Int64("tick", tickID), logging.Error(err))
		}
	}
	e.lastCommitted = tickID
	e.commitTickRecord(tickID)
}

func (e *Executor) commitTickRecord(tickID int64) {
	hash, err := e.stateHash()
	if err != nil {
		e.log.Errorf("state hash failed", logging.Int64("tick", tickID), logging.Error(err))
		return
	}
	e.recorder.SetStateHash(tickID, hash)
	if e.exporter != nil {
		snap := snapshot.Extract(e.doc, snapshot.ModeAll, "")
		frame, _ := e.recorder.FrameSnapshot(tickID)
		if err := e.exporter.Append(tickID, snap, hash, frame.ServerEvents); err != nil {
			e.log.Errorf("export append failed", logging.Int64("tick", tickID), logging.Error(err))
		}
	}
}

func (e *Executor) stateHash() (string, error) {
	snap := snapshot.Extract(e.doc, snapshot.ModeAll, "")
	h, err := snap.Hash()
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// runSync pushes deltas and pending events to every connected client.
func (e *Executor) runSync() {
	if e.def.OnSync != nil {
		//1.- The sync callback observes a read-only view and may not mutate.
		e.def.OnSync(snapshot.Extract(e.doc, snapshot.ModeAll, ""))
	}
	deltas, err := e.diff.SyncAll(true)
	if err != nil {
		e.log.Errorf("sync diff failed", logging.Error(err))
		return
	}
	pending := e.queue.Drain()
	for _, d := range deltas {
		sess := e.sessionByClient(d.ClientID)
		if sess == nil {
			continue
		}
		var deliverable []wire.EventMessage
		for _, p := range pending {
			if p.DeliverableTo(sess.clientID, sess.playerID, sess.sessionID) {
				deliverable = append(deliverable, wire.EventMessage{
					Direction: wire.FromServer,
					Type:      p.Type,
					Payload:   p.Payload,
					Fields:    p.Fields,
				})
			}
		}
		frame, ok := updateFrame(d, deliverable)
		if !ok {
			continue
		}
		e.transport.Deliver(d.ClientID, frame)
	}
}

// syncBroadcastOnly diffs shared state only, the fast path after a leave.
func (e *Executor) syncBroadcastOnly() {
	deltas, err := e.diff.SyncBroadcast(false)
	if err != nil {
		e.log.Errorf("broadcast sync failed", logging.Error(err))
		return
	}
	for _, d := range deltas {
		frame, ok := updateFrame(d, nil)
		if !ok {
			continue
		}
		e.transport.Deliver(d.ClientID, frame)
	}
}

func updateFrame(d snapshot.ClientDelta, evts []wire.EventMessage) (wire.Frame, bool) {
	update := &wire.StateUpdate{Patches: d.Patches}
	switch d.Kind {
	case snapshot.FirstSync:
		update.Kind = wire.UpdateFirstSync
	case snapshot.DiffSync:
		update.Kind = wire.UpdateDiff
	case snapshot.NoChange:
		update.Kind = wire.UpdateNoChange
		//1.- Idle clients with no events receive nothing at all.
		if len(evts) == 0 {
			return wire.Frame{}, false
		}
	}
	if len(evts) > 0 {
		return wire.Frame{Kind: wire.KindStateUpdateWithEvents, Update: update, Events: evts}, true
	}
	return wire.Frame{Kind: wire.KindStateUpdate, Update: update}, true
}

func (e *Executor) sessionByClient(clientID ident.ClientID) *playerSession {
	for _, sess := range e.sessions {
		if sess.clientID == clientID {
			return sess
		}
	}
	return nil
}

func (e *Executor) handlerContext(tickID int64, playerID ident.PlayerID, clientID ident.ClientID, sessionID ident.SessionID, outputs map[string]resolver.Output, payload any) *HandlerContext {
	frameTick := tickID
	return &HandlerContext{
		LandID:    e.id,
		TickID:    tickID,
		PlayerID:  playerID,
		ClientID:  clientID,
		SessionID: sessionID,
		State:     e.doc,
		RNG:       e.rng,
		Outputs:   outputs,
		Payload:   payload,
		emit: &emitter{
			queue: e.queue,
			seq:   e.recorder.NextSequence,
			onEmit: func(p events.Pending) {
				e.recorder.RecordServerEvent(frameTick, record.ServerEventRecord{
					Sequence: p.Sequence,
					Type:     p.Type,
					Payload:  p.Payload,
				})
			},
		},
	}
}

func (e *Executor) resolverContext(playerID ident.PlayerID, actionPayload, eventPayload []byte) *resolver.Context {
	return &resolver.Context{
		LandID:        e.id,
		PlayerID:      playerID,
		TickID:        e.lastCommitted,
		ActionPayload: actionPayload,
		EventPayload:  eventPayload,
		State:         snapshot.Extract(e.doc, snapshot.ModeAll, ""),
		RNG:           e.resolverRNG,
		Now:           func() time.Time { return e.clock.Now().UTC() },
	}
}

// CurrentState returns the full-mode snapshot of the land.
func (e *Executor) CurrentState() (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	err := e.do(func() { snap = snapshot.Extract(e.doc, snapshot.ModeAll, "") })
	return snap, err
}

// TickIDs reports (nextTickId, lastCommittedTickId).
func (e *Executor) TickIDs() (int64, int64, error) {
	var next, last int64
	err := e.do(func() { next, last = e.nextTickID, e.lastCommitted })
	return next, last, err
}

// PlayerCount reports the number of live sessions.
func (e *Executor) PlayerCount() (int, error) {
	var n int
	err := e.do(func() { n = len(e.sessions) })
	return n, err
}

// Join admits a connection, applying admission, capacity and kick-old rules.
func (e *Executor) Join(ctx context.Context, params JoinParams) (JoinResult, error) {
	var result JoinResult
	err := e.do(func() { result = e.join(ctx, params) })
	return result, err
}

func (e *Executor) join(ctx context.Context, params JoinParams) JoinResult {
	playerID := params.PlayerID

	//1.- Admission predicate, resolvers first. Recorded joins were already
	// admitted, so re-evaluation skips the predicate.
	if e.def.CanJoin != nil && e.mode == modeLive {
		outputs, err := e.resolveFor(ctx, e.def.CanJoin.Resolvers, nil, params.PlayerID, nil, nil)
		if err != nil {
			e.log.Warn("join resolvers failed", logging.Error(err))
			return JoinResult{Reason: err.Error(), Code: wire.CodeResolverFailure}
		}
		verdict := e.def.CanJoin.Evaluate(&JoinContext{
			LandID:    e.id,
			State:     snapshot.Extract(e.doc, snapshot.ModeAll, ""),
			PlayerID:  params.PlayerID,
			Metadata:  params.Metadata,
			IsGuest:   params.IsGuest,
			Outputs:   outputs,
			SessionID: params.SessionID,
		})
		if !verdict.Allowed {
			return JoinResult{Reason: verdict.Reason, Code: wire.CodeJoinDenied}
		}
		if verdict.PlayerID != "" {
			playerID = verdict.PlayerID
		}
	}

	existing, rejoining := e.sessions[playerID]

	//2.- Capacity gate, skipped for a reconnecting player.
	if !rejoining && e.def.MaxPlayers > 0 && len(e.sessions) >= e.def.MaxPlayers {
		return JoinResult{Reason: "room full", Code: wire.CodeRoomFull}
	}

	//3.- Kick-old: a second connection for the player evicts the first.
	if rejoining && existing.clientID != params.ClientID {
		if err := e.leave(ctx, playerID, existing.clientID, true); err != nil {
			e.log.Warn("kick-old leave failed", logging.Error(err))
		}
		rejoining = false
	}

	//4.- Upsert the session and cancel any pending destroy.
	slot := e.nextSlot
	if rejoining {
		slot = existing.slot
	} else {
		e.nextSlot++
	}
	sess := &playerSession{
		playerID:  playerID,
		clientID:  params.ClientID,
		sessionID: params.SessionID,
		deviceID:  params.DeviceID,
		isGuest:   params.IsGuest,
		metadata:  params.Metadata,
		services:  params.Services,
		slot:      slot,
	}
	e.sessions[playerID] = sess
	e.diff.AddClient(params.ClientID, playerID)
	e.cancelDestroyTimer()

	if !rejoining {
		frameTick := e.nextTickID
		var outputs map[string]resolver.Output
		if e.def.OnJoin != nil {
			var err error
			outputs, err = e.resolveFor(ctx, e.def.OnJoin.Resolvers, lifecycleKey(record.LifecycleJoin, playerID), playerID, nil, nil)
			if err != nil {
				e.log.Warn("join lifecycle resolvers failed", logging.Error(err))
			} else {
				hctx := e.handlerContext(frameTick, playerID, params.ClientID, params.SessionID, outputs, nil)
				if err := e.def.OnJoin.Handle(hctx); err != nil {
					e.log.Errorf("join handler failed", logging.Error(err))
				}
			}
		}
		e.recorder.RecordLifecycle(frameTick, record.LifecycleRecord{
			Sequence:        e.recorder.NextSequence(),
			Kind:            record.LifecycleJoin,
			PlayerID:        string(playerID),
			ClientID:        string(params.ClientID),
			SessionID:       string(params.SessionID),
			ResolverOutputs: outputs,
			ResolvedAtTick:  e.lastCommitted,
		})
	}

	e.log.Info("player joined",
		logging.String("player_id", string(playerID)),
		logging.String("client_id", string(params.ClientID)),
		logging.Int("slot", sess.slot))
	return JoinResult{Success: true, PlayerID: playerID, PlayerSlot: sess.slot}
}

// Leave removes a client from the land; the client must own the session.
func (e *Executor) Leave(ctx context.Context, playerID ident.PlayerID, clientID ident.ClientID) error {
	var leaveErr error
	err := e.do(func() { leaveErr = e.leave(ctx, playerID, clientID, false) })
	if err != nil {
		return err
	}
	return leaveErr
}

func (e *Executor) leave(ctx context.Context, playerID ident.PlayerID, clientID ident.ClientID, evict bool) error {
	sess, ok := e.sessions[playerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, playerID)
	}
	if sess.clientID != clientID {
		return fmt.Errorf("%w: %s", ErrClientMismatch, clientID)
	}

	frameTick := e.nextTickID
	var outputs map[string]resolver.Output
	if e.def.OnLeave != nil {
		var err error
		outputs, err = e.resolveFor(ctx, e.def.OnLeave.Resolvers, lifecycleKey(record.LifecycleLeave, playerID), playerID, nil, nil)
		if err != nil {
			e.log.Warn("leave lifecycle resolvers failed", logging.Error(err))
		} else {
			hctx := e.handlerContext(frameTick, playerID, clientID, sess.sessionID, outputs, nil)
			if err := e.def.OnLeave.Handle(hctx); err != nil {
				e.log.Errorf("leave handler failed", logging.Error(err))
			}
		}
	}
	e.recorder.RecordLifecycle(frameTick, record.LifecycleRecord{
		Sequence:        e.recorder.NextSequence(),
		Kind:            record.LifecycleLeave,
		PlayerID:        string(playerID),
		ClientID:        string(clientID),
		SessionID:       string(sess.sessionID),
		ResolverOutputs: outputs,
		ResolvedAtTick:  e.lastCommitted,
	})

	delete(e.sessions, playerID)
	e.diff.RemoveClient(clientID)
	if evict {
		e.transport.Evict(clientID)
	}

	//1.- Only shared state can have changed for the remaining clients.
	e.syncBroadcastOnly()

	if len(e.sessions) == 0 && e.def.DestroyWhenEmptyAfter > 0 && e.mode == modeLive {
		e.armDestroyTimer()
	}

	e.log.Info("player left",
		logging.String("player_id", string(playerID)),
		logging.String("client_id", string(clientID)),
		logging.Bool("evicted", evict))
	return nil
}

// HandleAction dispatches one action envelope for a connected player.
func (e *Executor) HandleAction(ctx context.Context, playerID ident.PlayerID, clientID ident.ClientID, requestID string, envelope wire.ActionRequest) (ActionResult, *wire.ErrorMessage, error) {
	var result ActionResult
	var frameErr *wire.ErrorMessage
	err := e.do(func() { result, frameErr = e.handleAction(ctx, playerID, clientID, requestID, envelope) })
	return result, frameErr, err
}

func (e *Executor) handleAction(ctx context.Context, playerID ident.PlayerID, clientID ident.ClientID, requestID string, envelope wire.ActionRequest) (ActionResult, *wire.ErrorMessage) {
	handler, ok := e.def.FindAction(envelope.TypeIdentifier)
	if !ok {
		return ActionResult{}, &wire.ErrorMessage{RequestID: requestID, Code: wire.CodeActionNotRegistered, Message: envelope.TypeIdentifier}
	}
	payload, err := handler.decodePayload(envelope.Payload)
	if err != nil {
		return ActionResult{}, &wire.ErrorMessage{RequestID: requestID, Code: wire.CodeDecodeError, Message: err.Error()}
	}
	outputs, err := e.resolveFor(ctx, handler.Resolvers, actionKey(requestID), playerID, envelope.Payload, nil)
	if err != nil {
		return ActionResult{}, &wire.ErrorMessage{RequestID: requestID, Code: wire.CodeResolverFailure, Message: err.Error()}
	}

	frameTick := e.nextTickID
	sessionID := ident.SessionID("")
	if sess, ok := e.sessions[playerID]; ok {
		sessionID = sess.sessionID
	}
	e.recorder.RecordAction(frameTick, record.ActionRecord{
		Sequence:        e.recorder.NextSequence(),
		TypeIdentifier:  envelope.TypeIdentifier,
		Payload:         envelope.Payload,
		PlayerID:        string(playerID),
		ClientID:        string(clientID),
		RequestID:       requestID,
		ResolverOutputs: outputs,
		ResolvedAtTick:  e.lastCommitted,
	})

	hctx := e.handlerContext(frameTick, playerID, clientID, sessionID, outputs, payload)
	response, err := handler.Handle(hctx)
	if err != nil {
		return ActionResult{}, &wire.ErrorMessage{RequestID: requestID, Code: wire.CodeHandlerFailure, Message: err.Error()}
	}
	data, err := encodeEventPayload(response)
	if err != nil {
		return ActionResult{}, &wire.ErrorMessage{RequestID: requestID, Code: wire.CodeInternalError, Message: err.Error()}
	}
	return ActionResult{Payload: data}, nil
}

// HandleClientEvent dispatches one client event to every registered handler.
func (e *Executor) HandleClientEvent(ctx context.Context, playerID ident.PlayerID, clientID ident.ClientID, event wire.EventMessage) (*wire.ErrorMessage, error) {
	var frameErr *wire.ErrorMessage
	err := e.do(func() { frameErr = e.handleClientEvent(ctx, playerID, clientID, event) })
	return frameErr, err
}

func (e *Executor) handleClientEvent(_ context.Context, playerID ident.PlayerID, clientID ident.ClientID, event wire.EventMessage) *wire.ErrorMessage {
	if !e.def.EventRegistered(event.Type) {
		return &wire.ErrorMessage{Code: wire.CodeEventNotRegistered, Message: event.Type}
	}
	payload := event.Payload
	if len(event.Fields) > 0 && e.def.EventSchemas.Registered(event.Type) {
		obj, err := e.def.EventSchemas.Unpack(event.Type, event.Fields)
		if err != nil {
			return &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: err.Error()}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return &wire.ErrorMessage{Code: wire.CodeDecodeError, Message: err.Error()}
		}
		payload = data
	}

	frameTick := e.nextTickID
	sessionID := ident.SessionID("")
	if sess, ok := e.sessions[playerID]; ok {
		sessionID = sess.sessionID
	}
	e.recorder.RecordClientEvent(frameTick, record.ClientEventRecord{
		Sequence:       e.recorder.NextSequence(),
		Type:           event.Type,
		Payload:        payload,
		PlayerID:       string(playerID),
		ClientID:       string(clientID),
		ResolvedAtTick: e.lastCommitted,
	})

	var decoded any
	if len(payload) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err == nil {
			decoded = obj
		} else {
			decoded = payload
		}
	}

	//1.- All registered handlers run in order inside one mutation region.
	hctx := e.handlerContext(frameTick, playerID, clientID, sessionID, nil, decoded)
	for _, h := range e.def.ClientEvents[event.Type] {
		if err := h.Handle(hctx); err != nil {
			return &wire.ErrorMessage{Code: wire.CodeHandlerFailure, Message: err.Error()}
		}
	}
	return nil
}

// resolveFor obtains resolver outputs from the live pipeline or the record.
func (e *Executor) resolveFor(ctx context.Context, set resolver.Set, replayKey any, playerID ident.PlayerID, actionPayload, eventPayload []byte) (map[string]resolver.Output, error) {
	if len(set) == 0 {
		return nil, nil
	}
	rc := e.resolverContext(playerID, actionPayload, eventPayload)
	source := e.resolverSource
	if keyed, ok := source.(keyedSource); ok {
		return keyed.ResolveKeyed(ctx, set, rc, replayKey)
	}
	return source.Resolve(ctx, set, rc)
}

func actionKey(requestID string) any { return "action:" + requestID }

func lifecycleKey(kind record.LifecycleKind, playerID ident.PlayerID) any {
	return string(kind) + ":" + string(playerID)
}

// keyedSource lets the re-evaluator hand each input its own recorded outputs.
type keyedSource interface {
	ResolveKeyed(ctx context.Context, set resolver.Set, rc *resolver.Context, key any) (map[string]resolver.Output, error)
}

func (e *Executor) armDestroyTimer() {
	e.cancelDestroyTimer()
	e.destroyTimer = e.clock.NewTimer(e.def.DestroyWhenEmptyAfter)
	e.log.Info("destroy-when-empty armed", logging.Duration("after", e.def.DestroyWhenEmptyAfter))
}

func (e *Executor) cancelDestroyTimer() {
	if e.destroyTimer != nil {
		e.destroyTimer.Stop()
		e.destroyTimer = nil
	}
}

func (e *Executor) onDestroyTimer() {
	e.destroyTimer = nil
	if len(e.sessions) != 0 {
		return
	}
	e.shutdown(true)
}

// Close finalizes the land; safe to call once from the registry.
func (e *Executor) Close() error {
	return e.do(func() { e.shutdown(false) })
}

func (e *Executor) shutdown(viaEmpty bool) {
	if e.finalized {
		return
	}
	e.finalized = true

	//1.- Cancel the loops first so no tick may commit after finalization
	// starts.
	if e.tickTimer != nil {
		e.tickTimer.Stop()
		e.tickTimer = nil
	}
	if e.syncTimer != nil {
		e.syncTimer.Stop()
		e.syncTimer = nil
	}
	e.cancelDestroyTimer()

	ctx := e.handlerContext(e.lastCommitted, "", "", "", nil, nil)
	if viaEmpty && e.def.OnDestroyWhenEmpty != nil {
		if err := e.def.OnDestroyWhenEmpty(ctx); err != nil {
			e.log.Errorf("destroy-when-empty handler failed", logging.Error(err))
		}
	}
	if e.def.OnFinalize != nil {
		if err := e.def.OnFinalize(ctx); err != nil {
			e.log.Errorf("finalize handler failed", logging.Error(err))
		}
	}
	if e.def.AfterFinalize != nil {
		if err := e.def.AfterFinalize(); err != nil {
			e.log.Errorf("after-finalize hook failed", logging.Error(err))
		}
	}
	if e.exporter != nil {
		if err := e.exporter.Close(); err != nil {
			e.log.Errorf("exporter close failed", logging.Error(err))
		}
	}
	if e.recordPath != "" {
		//2.- Shutdown-phase persistence failures are logged, never blocking.
		if err := record.Save(e.recordPath, e.recorder.Finish()); err != nil {
			e.log.Errorf("record save failed", logging.Error(err))
		} else {
			e.log.Info("record saved", logging.String("path", e.recordPath))
		}
	}
	e.transport.LandClosed(e.id)
	e.log.Info("land finalized", logging.Bool("via_empty", viaEmpty))
	close(e.closed)
}

// Recording assembles the live recorder's artefact.
func (e *Executor) Recording() (record.Recording, error) {
	var rec record.Recording
	err := e.do(func() { rec = e.recorder.Finish() })
	if err != nil && errors.Is(err, ErrLandClosed) {
		//1.- The recorder outlives the run loop; finalized lands still export.
		return e.recorder.Finish(), nil
	}
	return rec, err
}
