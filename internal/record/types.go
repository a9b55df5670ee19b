package record

import (
	"time"

	"landsync/runtime/internal/resolver"
)

// LifecycleKind names the lifecycle transitions captured in a recording.
type LifecycleKind string

const (
	LifecycleJoin  LifecycleKind = "join"
	LifecycleLeave LifecycleKind = "leave"
)

// ActionRecord captures one handled action with everything replay needs to
// re-run the handler body without live I/O.
type ActionRecord struct {
	Sequence        uint64                     `json:"sequence"`
	TypeIdentifier  string                     `json:"typeIdentifier"`
	Payload         []byte                     `json:"payload,omitempty"`
	PlayerID        string                     `json:"playerId,omitempty"`
	ClientID        string                     `json:"clientId,omitempty"`
	RequestID       string                     `json:"requestId,omitempty"`
	ResolverOutputs map[string]resolver.Output `json:"resolverOutputs,omitempty"`
	ResolvedAtTick  int64                      `json:"resolvedAtTick"`
}

// ClientEventRecord captures one client-sent event.
type ClientEventRecord struct {
	Sequence        uint64                     `json:"sequence"`
	Type            string                     `json:"type"`
	Payload         []byte                     `json:"payload,omitempty"`
	PlayerID        string                     `json:"playerId,omitempty"`
	ClientID        string                     `json:"clientId,omitempty"`
	ResolverOutputs map[string]resolver.Output `json:"resolverOutputs,omitempty"`
	ResolvedAtTick  int64                      `json:"resolvedAtTick"`
}

// LifecycleRecord captures one join or leave, replayed before inputs.
type LifecycleRecord struct {
	Sequence        uint64                     `json:"sequence"`
	Kind            LifecycleKind              `json:"kind"`
	PlayerID        string                     `json:"playerId"`
	ClientID        string                     `json:"clientId,omitempty"`
	SessionID       string                     `json:"sessionId,omitempty"`
	ResolverOutputs map[string]resolver.Output `json:"resolverOutputs,omitempty"`
	ResolvedAtTick  int64                      `json:"resolvedAtTick"`
}

// ServerEventRecord captures one server emission for replay comparison.
type ServerEventRecord struct {
	Sequence uint64 `json:"sequence"`
	Type     string `json:"type"`
	Payload  []byte `json:"payload,omitempty"`
}

// TickFrame groups everything that happened within one tick.
type TickFrame struct {
	TickID       int64               `json:"tickId"`
	StateHash    string              `json:"stateHash,omitempty"`
	Actions      []ActionRecord      `json:"actions,omitempty"`
	ClientEvents []ClientEventRecord `json:"clientEvents,omitempty"`
	Lifecycle    []LifecycleRecord   `json:"lifecycleEvents,omitempty"`
	ServerEvents []ServerEventRecord `json:"serverEvents,omitempty"`
}

// Metadata describes the recorded land and the determinism anchors.
type Metadata struct {
	LandID           string    `json:"landId"`
	LandType         string    `json:"landType"`
	CreatedAt        time.Time `json:"createdAt"`
	RngSeed          uint64    `json:"rngSeed"`
	InitialStateHash string    `json:"initialStateHash,omitempty"`
	Version          string    `json:"version,omitempty"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
}

// Recording is the complete persisted artefact: metadata plus the ordered
// tick frames.
type Recording struct {
	Metadata Metadata    `json:"recordMetadata"`
	Frames   []TickFrame `json:"tickFrames"`
}

// MaxTickID returns the highest recorded tick, or -1 for an empty recording.
func (r *Recording) MaxTickID() int64 {
	max := int64(-1)
	for _, f := range r.Frames {
		if f.TickID > max {
			max = f.TickID
		}
	}
	return max
}

// Frame locates a tick frame by id.
func (r *Recording) Frame(tickID int64) (*TickFrame, bool) {
	for i := range r.Frames {
		if r.Frames[i].TickID == tickID {
			return &r.Frames[i], true
		}
	}
	return nil, false
}
