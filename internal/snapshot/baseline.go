package snapshot

import (
	"sync"

	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/statetree"
)

// UpdateKind labels one replication emission.
type UpdateKind int

const (
	// NoChange reports the snapshot matched the baseline exactly.
	NoChange UpdateKind = iota
	// FirstSync marks the first delivery to a client; patches rebuild the
	// snapshot from an empty baseline.
	FirstSync
	// DiffSync carries incremental patches against the prior baseline.
	DiffSync
)

// ClientDelta is the replication payload computed for one client.
type ClientDelta struct {
	ClientID ident.ClientID
	PlayerID ident.PlayerID
	Kind     UpdateKind
	Patches  []Patch
}

type clientBaseline struct {
	playerID ident.PlayerID
	snapshot Snapshot
	synced   bool
}

// Engine owns the per-client baselines of one land and turns document state
// into ordered patch lists. It is driven from the land executor only.
type Engine struct {
	mu        sync.Mutex
	doc       *statetree.Document
	broadcast Snapshot
	clients   map[ident.ClientID]*clientBaseline
}

// NewEngine binds the diff engine to the land's document.
func NewEngine(doc *statetree.Document) *Engine {
	return &Engine{
		doc:     doc,
		clients: make(map[ident.ClientID]*clientBaseline),
	}
}

// AddClient registers a connected client and its viewing player. The first
// sync after registration is a FirstSync.
func (e *Engine) AddClient(clientID ident.ClientID, playerID ident.PlayerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[clientID] = &clientBaseline{playerID: playerID}
}

// RemoveClient drops a client's baseline; reconnects start from FirstSync.
func (e *Engine) RemoveClient(clientID ident.ClientID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, clientID)
}

// ClientCount reports the number of tracked baselines.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// SyncAll computes one delta per tracked client against its baseline and
// advances every baseline to the new snapshot. Deltas are returned in map
// iteration order, which is not deterministic; the caller fans them out
// independently per connection.
func (e *Engine) SyncAll(clearDirty bool) ([]ClientDelta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	//1.- Fast path: with dirty tracking enabled and nothing touched, every
	// already-synced client is a NoChange without re-extracting.
	dirtyIdle := e.doc.DirtyTracking() && len(e.doc.DirtyPaths()) == 0

	deltas := make([]ClientDelta, 0, len(e.clients))
	for clientID, base := range e.clients {
		if dirtyIdle && base.synced {
			deltas = append(deltas, ClientDelta{ClientID: clientID, PlayerID: base.playerID, Kind: NoChange})
			continue
		}
		current := Extract(e.doc, ModePerClient, base.playerID)
		delta, err := e.deltaLocked(clientID, base, current)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, delta)
	}
	//2.- Keep the shared broadcast baseline current so a later broadcast-only
	// sync diffs from the state clients actually hold.
	e.broadcast = Extract(e.doc, ModeBroadcast, "")
	if clearDirty {
		e.doc.ClearDirty()
	}
	return deltas, nil
}

// SyncBroadcast diffs only the shared broadcast view, the optimisation used
// after a leave when per-client slices cannot have changed.
func (e *Engine) SyncBroadcast(clearDirty bool) ([]ClientDelta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := Extract(e.doc, ModeBroadcast, "")
	patches, err := Diff(e.broadcast, current)
	if err != nil {
		return nil, err
	}
	e.broadcast = current

	deltas := make([]ClientDelta, 0, len(e.clients))
	for clientID, base := range e.clients {
		if !base.synced {
			//1.- A client that never received firstSync must not start from a
			// broadcast-only delta; leave it for the next full sync.
			continue
		}
		kind := DiffSync
		if len(patches) == 0 {
			kind = NoChange
		}
		//2.- Fold the broadcast edits into the stored per-client baseline so
		// the next full sync does not re-emit them.
		updated, err := Apply(base.snapshot, patches)
		if err != nil {
			return nil, err
		}
		base.snapshot = updated
		deltas = append(deltas, ClientDelta{ClientID: clientID, PlayerID: base.playerID, Kind: kind, Patches: patches})
	}
	if clearDirty {
		e.doc.ClearDirty()
	}
	return deltas, nil
}

// SyncClient computes a single client's delta, used for the join handshake.
func (e *Engine) SyncClient(clientID ident.ClientID) (ClientDelta, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base, ok := e.clients[clientID]
	if !ok {
		return ClientDelta{}, false, nil
	}
	current := Extract(e.doc, ModePerClient, base.playerID)
	delta, err := e.deltaLocked(clientID, base, current)
	if err != nil {
		return ClientDelta{}, false, err
	}
	return delta, true, nil
}

func (e *Engine) deltaLocked(clientID ident.ClientID, base *clientBaseline, current Snapshot) (ClientDelta, error) {
	patches, err := Diff(base.snapshot, current)
	if err != nil {
		return ClientDelta{}, err
	}
	kind := DiffSync
	switch {
	case !base.synced:
		kind = FirstSync
	case len(patches) == 0:
		kind = NoChange
	}
	base.snapshot = current
	base.synced = true
	return ClientDelta{ClientID: clientID, PlayerID: base.playerID, Kind: kind, Patches: patches}, nil
}
