package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/statetree"
)

// Framing selects between self-describing JSON objects and opcode arrays.
type Framing int

const (
	FramingJSON Framing = iota
	FramingOpcode
)

// Channel selects the byte encoding the framing rides on.
type Channel int

const (
	ChannelText Channel = iota
	ChannelBinary
)

var (
	// ErrUnknownFrame signals bytes that decode to no recognised frame shape.
	ErrUnknownFrame = errors.New("unrecognised frame")
	// ErrBadPatch signals a patch array with an invalid shape.
	ErrBadPatch = errors.New("malformed patch")
)

// Codec encodes and decodes transport frames for one connection. The slot
// tables are per-connection state and must be discarded on disconnect.
type Codec struct {
	framing Framing
	channel Channel
	spec    *statetree.Spec
	slots   *SlotTable
	schemas *EventSchemas
}

// Option configures optional codec behaviour.
type Option func(*Codec)

// WithSpec enables path-hash patch compression against the land's field
// registry.
func WithSpec(spec *statetree.Spec) Option {
	return func(c *Codec) {
		c.spec = spec
		c.slots = NewSlotTable()
	}
}

// WithEventSchemas installs the field-order dictionary for array-form events.
func WithEventSchemas(schemas *EventSchemas) Option {
	return func(c *Codec) { c.schemas = schemas }
}

// NewCodec constructs a codec for the negotiated framing and channel.
func NewCodec(framing Framing, channel Channel, opts ...Option) *Codec {
	c := &Codec{framing: framing, channel: channel, schemas: SystemEventSchemas()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Framing reports the negotiated framing.
func (c *Codec) Framing() Framing { return c.framing }

// Channel reports the negotiated channel.
func (c *Codec) Channel() Channel { return c.channel }

// Schemas exposes the event field-order dictionary.
func (c *Codec) Schemas() *EventSchemas { return c.schemas }

// Encode serialises one frame.
func (c *Codec) Encode(frame Frame) ([]byte, error) {
	value, err := c.frameValue(frame)
	if err != nil {
		return nil, err
	}
	return c.marshal(value)
}

// Decode parses bytes back into a frame.
func (c *Codec) Decode(data []byte) (Frame, error) {
	value, err := c.unmarshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnknownFrame, err)
	}
	switch v := value.(type) {
	case []any:
		return c.decodeArray(v)
	case map[string]any:
		return c.decodeObject(v)
	default:
		return Frame{}, fmt.Errorf("%w: top-level %T", ErrUnknownFrame, value)
	}
}

func (c *Codec) marshal(value any) ([]byte, error) {
	if c.channel == ChannelBinary {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		//1.- Sorted map keys keep binary frames byte-identical across encodes.
		enc.SetSortMapKeys(true)
		if err := enc.Encode(value); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(value)
}

func (c *Codec) unmarshal(data []byte) (any, error) {
	if c.channel == ChannelBinary {
		var value any
		if err := msgpack.Unmarshal(data, &value); err != nil {
			return nil, err
		}
		return normalize(value), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return normalize(value), nil
}

// frameValue lowers a frame into the generic representation of the framing.
func (c *Codec) frameValue(frame Frame) (any, error) {
	if c.framing == FramingOpcode {
		return c.arrayValue(frame)
	}
	return c.objectValue(frame)
}

func (c *Codec) objectValue(frame Frame) (any, error) {
	if frame.Kind == KindStateUpdate {
		if frame.Update == nil {
			return nil, fmt.Errorf("state update frame without payload")
		}
		return c.updateObject(*frame.Update)
	}
	payload, err := c.payloadObject(frame)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kind": frame.Kind.String(), "payload": payload}, nil
}

func (c *Codec) payloadObject(frame Frame) (any, error) {
	switch frame.Kind {
	case KindJoin:
		j := frame.Join
		if j == nil {
			return nil, fmt.Errorf("join frame without payload")
		}
		m := map[string]any{"requestId": j.RequestID, "landType": j.LandType, "playerId": j.PlayerID}
		putNonEmpty(m, "landInstanceId", j.LandInstanceID)
		putNonEmpty(m, "token", j.Token)
		putNonEmpty(m, "encoding", j.Encoding)
		if len(j.Metadata) > 0 {
			meta := make(map[string]any, len(j.Metadata))
			for k, v := range j.Metadata {
				meta[k] = v
			}
			m["metadata"] = meta
		}
		return m, nil
	case KindJoinResponse:
		j := frame.JoinResponse
		if j == nil {
			return nil, fmt.Errorf("joinResponse frame without payload")
		}
		m := map[string]any{"requestId": j.RequestID, "success": j.Success}
		putNonEmpty(m, "landType", j.LandType)
		putNonEmpty(m, "landInstanceId", j.LandInstanceID)
		putNonEmpty(m, "landId", j.LandID)
		if j.Success {
			m["playerSlot"] = int64(j.PlayerSlot)
		}
		putNonEmpty(m, "encoding", j.Encoding)
		putNonEmpty(m, "reason", j.Reason)
		return m, nil
	case KindAction:
		a := frame.Action
		if a == nil {
			return nil, fmt.Errorf("action frame without payload")
		}
		m := map[string]any{"requestId": a.RequestID, "typeIdentifier": a.TypeIdentifier}
		if len(a.Payload) > 0 {
			m["payload"] = c.encodeBytes(a.Payload)
		}
		return m, nil
	case KindActionResponse:
		a := frame.ActionResponse
		if a == nil {
			return nil, fmt.Errorf("actionResponse frame without payload")
		}
		m := map[string]any{"requestId": a.RequestID, "success": a.Success}
		if len(a.Payload) > 0 {
			m["payload"] = c.encodeBytes(a.Payload)
		}
		return m, nil
	case KindEvent:
		e := frame.Event
		if e == nil {
			return nil, fmt.Errorf("event frame without payload")
		}
		return c.eventObject(*e), nil
	case KindError:
		e := frame.Error
		if e == nil {
			return nil, fmt.Errorf("error frame without payload")
		}
		m := map[string]any{"code": string(e.Code)}
		putNonEmpty(m, "requestId", e.RequestID)
		putNonEmpty(m, "message", e.Message)
		return m, nil
	case KindStateUpdateWithEvents:
		if frame.Update == nil {
			return nil, fmt.Errorf("stateUpdateWithEvents frame without update")
		}
		update, err := c.updateObject(*frame.Update)
		if err != nil {
			return nil, err
		}
		events := make([]any, 0, len(frame.Events))
		for _, e := range frame.Events {
			events = append(events, c.eventObject(e))
		}
		return map[string]any{"update": update, "events": events}, nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnknownFrame, frame.Kind)
	}
}

func (c *Codec) eventObject(e EventMessage) map[string]any {
	m := map[string]any{"direction": int64(e.Direction), "type": e.Type}
	if len(e.Fields) > 0 {
		m["fields"] = append([]any(nil), e.Fields...)
	} else if len(e.Payload) > 0 {
		m["payload"] = c.encodeBytes(e.Payload)
	}
	return m
}

func (c *Codec) updateObject(u StateUpdate) (map[string]any, error) {
	patches := make([]any, 0, len(u.Patches))
	for _, p := range u.Patches {
		obj := map[string]any{"path": p.Path, "op": string(p.Op)}
		if p.Op != snapshot.OpRemove {
			obj["value"] = p.Value
		}
		patches = append(patches, obj)
	}
	out := map[string]any{"type": u.Kind.String()}
	if len(patches) > 0 {
		out["patches"] = patches
	}
	return out, nil
}

// EncodeSnapshot emits the `{values}` object form of a full snapshot; it is
// only defined for the JSON object framing.
func (c *Codec) EncodeSnapshot(values snapshot.Snapshot) ([]byte, error) {
	if c.framing != FramingJSON {
		return nil, fmt.Errorf("snapshot object form requires json framing")
	}
	inner := make(map[string]any, len(values))
	for k, v := range values {
		inner[k] = v
	}
	return c.marshal(map[string]any{"values": inner})
}

func (c *Codec) arrayValue(frame Frame) (any, error) {
	switch frame.Kind {
	case KindStateUpdate:
		if frame.Update == nil {
			return nil, fmt.Errorf("state update frame without payload")
		}
		return c.updateArray(*frame.Update)
	case KindJoin:
		j := frame.Join
		if j == nil {
			return nil, fmt.Errorf("join frame without payload")
		}
		meta := map[string]any{}
		for k, v := range j.Metadata {
			meta[k] = v
		}
		return []any{int64(KindJoin), j.RequestID, j.LandType, j.LandInstanceID, j.PlayerID, j.Token, j.Encoding, meta}, nil
	case KindJoinResponse:
		j := frame.JoinResponse
		if j == nil {
			return nil, fmt.Errorf("joinResponse frame without payload")
		}
		return []any{int64(KindJoinResponse), j.RequestID, j.Success, j.LandType, j.LandInstanceID, j.LandID, int64(j.PlayerSlot), j.Encoding, j.Reason}, nil
	case KindAction:
		a := frame.Action
		if a == nil {
			return nil, fmt.Errorf("action frame without payload")
		}
		return []any{int64(KindAction), a.RequestID, a.TypeIdentifier, c.encodeBytes(a.Payload)}, nil
	case KindActionResponse:
		a := frame.ActionResponse
		if a == nil {
			return nil, fmt.Errorf("actionResponse frame without payload")
		}
		return []any{int64(KindActionResponse), a.RequestID, a.Success, c.encodeBytes(a.Payload)}, nil
	case KindEvent:
		e := frame.Event
		if e == nil {
			return nil, fmt.Errorf("event frame without payload")
		}
		return append([]any{int64(KindEvent)}, c.eventArray(*e)...), nil
	case KindError:
		e := frame.Error
		if e == nil {
			return nil, fmt.Errorf("error frame without payload")
		}
		return []any{int64(KindError), e.RequestID, string(e.Code), e.Message}, nil
	case KindStateUpdateWithEvents:
		if frame.Update == nil {
			return nil, fmt.Errorf("stateUpdateWithEvents frame without update")
		}
		update, err := c.updateArray(*frame.Update)
		if err != nil {
			return nil, err
		}
		events := make([]any, 0, len(frame.Events))
		for _, e := range frame.Events {
			events = append(events, c.eventArray(e))
		}
		return []any{int64(KindStateUpdateWithEvents), update, events}, nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnknownFrame, frame.Kind)
	}
}

func (c *Codec) eventArray(e EventMessage) []any {
	var fields any
	if len(e.Fields) > 0 {
		fields = append([]any(nil), e.Fields...)
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = c.encodeBytes(e.Payload)
	}
	return []any{int64(e.Direction), e.Type, payload, fields}
}

func (c *Codec) updateArray(u StateUpdate) ([]any, error) {
	out := []any{int64(u.Kind)}
	for _, p := range u.Patches {
		arr, err := c.patchArray(p)
		if err != nil {
			return nil, err
		}
		out = append(out, arr)
	}
	return out, nil
}

func (c *Codec) patchArray(p snapshot.Patch) ([]any, error) {
	op, err := patchOpcode(p.Op)
	if err != nil {
		return nil, err
	}
	//1.- With a field registry attached, emit the compressed 4-slot form.
	if c.spec != nil {
		dotted, err := snapshot.DottedFromPointer(p.Path)
		if err != nil {
			return nil, err
		}
		if field, ok := c.spec.Match(dotted); ok {
			keys, err := c.spec.DynamicKeys(field, dotted)
			if err != nil {
				return nil, err
			}
			dyn, err := c.encodeDynamicKey(keys)
			if err != nil {
				return nil, err
			}
			arr := []any{int64(field.Hash), dyn, int64(op)}
			if p.Op != snapshot.OpRemove {
				arr = append(arr, p.Value)
			}
			return arr, nil
		}
	}
	//2.- Fallback: plain JSON-Pointer path form.
	arr := []any{p.Path, int64(op)}
	if p.Op != snapshot.OpRemove {
		arr = append(arr, p.Value)
	}
	return arr, nil
}

func (c *Codec) encodeDynamicKey(keys []string) (any, error) {
	switch len(keys) {
	case 0:
		return nil, nil
	case 1:
		if c.slots == nil {
			return keys[0], nil
		}
		slot, defined := c.slots.Intern(keys[0])
		if defined {
			return []any{int64(slot), keys[0]}, nil
		}
		return int64(slot), nil
	default:
		//1.- Multi-wildcard paths always spell their keys out.
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
}

func patchOpcode(op snapshot.Op) (PatchOpcode, error) {
	switch op {
	case snapshot.OpReplace:
		return PatchReplace, nil
	case snapshot.OpRemove:
		return PatchRemove, nil
	case snapshot.OpAdd:
		return PatchAdd, nil
	default:
		return 0, fmt.Errorf("%w: op %q", ErrBadPatch, op)
	}
}

func patchOpFromOpcode(op int64) (snapshot.Op, error) {
	switch PatchOpcode(op) {
	case PatchReplace:
		return snapshot.OpReplace, nil
	case PatchRemove:
		return snapshot.OpRemove, nil
	case PatchAdd:
		return snapshot.OpAdd, nil
	default:
		return "", fmt.Errorf("%w: opcode %d", ErrBadPatch, op)
	}
}

func (c *Codec) encodeBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if c.channel == ChannelBinary {
		return append([]byte(nil), b...)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		if b == "" {
			return nil, nil
		}
		return base64.StdEncoding.DecodeString(b)
	default:
		return nil, fmt.Errorf("payload of type %T", v)
	}
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// SortedPatchPaths is a test helper returning the pointer paths of a patch
// list in sorted order.
func SortedPatchPaths(patches []snapshot.Patch) []string {
	out := make([]string, 0, len(patches))
	for _, p := range patches {
		out = append(out, p.Path)
	}
	sort.Strings(out)
	return out
}
