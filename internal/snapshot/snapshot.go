package snapshot

import (
	"fmt"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/statetree"
)

// Mode selects which visibility classes a snapshot contains.
type Mode int

const (
	// ModeAll captures broadcast, per-client and server-only fields; it is the
	// recording and hashing view. Internal fields never appear.
	ModeAll Mode = iota
	// ModeBroadcast captures only fields every client shares.
	ModeBroadcast
	// ModePerClient captures broadcast fields plus the viewer's own slice of
	// per-client fields.
	ModePerClient
)

// String names the mode for logs.
func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeBroadcast:
		return "broadcast"
	case ModePerClient:
		return "perClient"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Snapshot is the canonical view of a state tree under one visibility mode:
// a map from concrete dotted field path to whole leaf value.
type Snapshot map[string]any

// Clone copies the top-level map; leaf values are treated as immutable.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Hash digests the snapshot with the canonical FNV-1a-64 contract.
func (s Snapshot) Hash() (determinism.StateHash, error) {
	return determinism.HashCanonical(map[string]any(s))
}

// Extract produces the canonical snapshot of a document under the supplied
// mode. The viewer is consulted only for ModePerClient.
func Extract(doc *statetree.Document, mode Mode, viewer ident.PlayerID) Snapshot {
	out := make(Snapshot)
	doc.Each(func(path string, field *statetree.FieldSpec, value any) {
		if field == nil {
			return
		}
		if !visible(doc.Spec(), field, path, mode, viewer) {
			return
		}
		out[path] = value
	})
	return out
}

func visible(spec *statetree.Spec, field *statetree.FieldSpec, path string, mode Mode, viewer ident.PlayerID) bool {
	switch field.Mode {
	case statetree.Internal:
		return false
	case statetree.ServerOnly:
		return mode == ModeAll
	case statetree.Broadcast:
		return true
	case statetree.PerClient:
		switch mode {
		case ModeAll:
			return true
		case ModeBroadcast:
			return false
		case ModePerClient:
			//1.- The first dynamic key names the owning player; only that
			// viewer receives the slice.
			keys, err := spec.DynamicKeys(field, path)
			if err != nil || len(keys) == 0 {
				return false
			}
			return keys[0] == string(viewer)
		}
	}
	return false
}
