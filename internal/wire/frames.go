package wire

import (
	"landsync/runtime/internal/snapshot"
)

// ErrorCode enumerates the failure taxonomy surfaced to clients.
type ErrorCode string

const (
	CodeActionNotRegistered ErrorCode = "actionNotRegistered"
	CodeEventNotRegistered  ErrorCode = "eventNotRegistered"
	CodeJoinDenied          ErrorCode = "joinDenied"
	CodeRoomFull            ErrorCode = "roomFull"
	CodeDecodeError         ErrorCode = "decodeError"
	CodeHandlerFailure      ErrorCode = "handlerFailure"
	CodeResolverFailure     ErrorCode = "resolverFailure"
	CodeInternalError       ErrorCode = "internalError"
)

// JoinRequest asks the router to admit a connection into a land.
type JoinRequest struct {
	RequestID      string            `json:"requestId"`
	LandType       string            `json:"landType"`
	LandInstanceID string            `json:"landInstanceId,omitempty"`
	PlayerID       string            `json:"playerId"`
	Token          string            `json:"token,omitempty"`
	Encoding       string            `json:"encoding,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// JoinResponse answers a join; success carries the canonical land identity.
type JoinResponse struct {
	RequestID      string `json:"requestId"`
	Success        bool   `json:"success"`
	LandType       string `json:"landType,omitempty"`
	LandInstanceID string `json:"landInstanceId,omitempty"`
	LandID         string `json:"landId,omitempty"`
	PlayerSlot     int    `json:"playerSlot,omitempty"`
	Encoding       string `json:"encoding,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ActionRequest is a client intent envelope: a type identifier plus either
// base64-wrapped JSON or raw payload bytes.
type ActionRequest struct {
	RequestID      string `json:"requestId"`
	TypeIdentifier string `json:"typeIdentifier"`
	Payload        []byte `json:"payload,omitempty"`
}

// ActionResponse resolves one pending request on the client.
type ActionResponse struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Payload   []byte `json:"payload,omitempty"`
}

// EventMessage is one event crossing the wire in either direction. Payload
// carries an encoded object; Fields optionally carries the schema's
// field-ordered array form instead.
type EventMessage struct {
	Direction EventDirection `json:"direction"`
	Type      string         `json:"type"`
	Payload   []byte         `json:"payload,omitempty"`
	Fields    []any          `json:"fields,omitempty"`
}

// ErrorMessage reports a failure tied to the originating request, when known.
type ErrorMessage struct {
	RequestID string    `json:"requestId,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message,omitempty"`
}

// StateUpdate replicates a snapshot transition to one client.
type StateUpdate struct {
	Kind    UpdateOpcode     `json:"kind"`
	Patches []snapshot.Patch `json:"patches,omitempty"`
}

// Frame is the decoded form of one transport message. Exactly one payload
// pointer is populated, selected by Kind; KindStateUpdateWithEvents populates
// Update and Events together, and KindStateUpdate populates Update alone.
type Frame struct {
	Kind           MessageKind
	Join           *JoinRequest
	JoinResponse   *JoinResponse
	Action         *ActionRequest
	ActionResponse *ActionResponse
	Event          *EventMessage
	Error          *ErrorMessage
	Update         *StateUpdate
	Events         []EventMessage
}
