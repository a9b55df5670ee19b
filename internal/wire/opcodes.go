package wire

import "fmt"

// MessageKind is the numeric opcode of a transport frame in array framing.
type MessageKind int

const (
	// KindStateUpdate is an internal sentinel for standalone state-update
	// frames; those ride the wire as bare update arrays and never carry a
	// message opcode.
	KindStateUpdate MessageKind = 0

	KindAction                MessageKind = 101
	KindActionResponse        MessageKind = 102
	KindEvent                 MessageKind = 103
	KindJoin                  MessageKind = 104
	KindJoinResponse          MessageKind = 105
	KindError                 MessageKind = 106
	KindStateUpdateWithEvents MessageKind = 107
)

// String names the kind for the JSON object framing and for logs.
func (k MessageKind) String() string {
	switch k {
	case KindStateUpdate:
		return "stateUpdate"
	case KindAction:
		return "action"
	case KindActionResponse:
		return "actionResponse"
	case KindEvent:
		return "event"
	case KindJoin:
		return "join"
	case KindJoinResponse:
		return "joinResponse"
	case KindError:
		return "error"
	case KindStateUpdateWithEvents:
		return "stateUpdateWithEvents"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func kindFromName(name string) (MessageKind, bool) {
	switch name {
	case "action":
		return KindAction, true
	case "actionResponse":
		return KindActionResponse, true
	case "event":
		return KindEvent, true
	case "join":
		return KindJoin, true
	case "joinResponse":
		return KindJoinResponse, true
	case "error":
		return KindError, true
	case "stateUpdateWithEvents":
		return KindStateUpdateWithEvents, true
	default:
		return 0, false
	}
}

// UpdateOpcode is the numeric kind of a state-update frame.
type UpdateOpcode int

const (
	UpdateNoChange  UpdateOpcode = 0
	UpdateFirstSync UpdateOpcode = 1
	UpdateDiff      UpdateOpcode = 2
)

// String names the update kind for the JSON object framing.
func (u UpdateOpcode) String() string {
	switch u {
	case UpdateNoChange:
		return "noChange"
	case UpdateFirstSync:
		return "firstSync"
	case UpdateDiff:
		return "diff"
	default:
		return fmt.Sprintf("update(%d)", int(u))
	}
}

func updateFromName(name string) (UpdateOpcode, bool) {
	switch name {
	case "noChange":
		return UpdateNoChange, true
	case "firstSync":
		return UpdateFirstSync, true
	case "diff":
		return UpdateDiff, true
	default:
		return 0, false
	}
}

// PatchOpcode is the numeric form of a patch operation.
type PatchOpcode int

const (
	PatchReplace PatchOpcode = 1
	PatchRemove  PatchOpcode = 2
	PatchAdd     PatchOpcode = 3
)

// EventDirection distinguishes client-sent from server-sent events.
type EventDirection int

const (
	FromClient EventDirection = 0
	FromServer EventDirection = 1
)
