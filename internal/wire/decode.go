package wire

import (
	"encoding/json"
	"fmt"
	"sort"

	"landsync/runtime/internal/snapshot"
)

func (c *Codec) decodeArray(v []any) (Frame, error) {
	if len(v) == 0 {
		return Frame{}, fmt.Errorf("%w: empty array", ErrUnknownFrame)
	}
	opcode, ok := asInt(v[0])
	if !ok {
		return Frame{}, fmt.Errorf("%w: leading element %T", ErrUnknownFrame, v[0])
	}
	//1.- Opcodes below the message range are bare state-update frames.
	if opcode >= int64(UpdateNoChange) && opcode <= int64(UpdateDiff) {
		update, err := c.decodeUpdateArray(v)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindStateUpdate, Update: update}, nil
	}
	switch MessageKind(opcode) {
	case KindJoin:
		if len(v) < 8 {
			return Frame{}, fmt.Errorf("%w: join arity %d", ErrUnknownFrame, len(v))
		}
		meta, err := asStringMap(v[7])
		if err != nil {
			return Frame{}, err
		}
		join := &JoinRequest{
			RequestID:      asStringOr(v[1]),
			LandType:       asStringOr(v[2]),
			LandInstanceID: asStringOr(v[3]),
			PlayerID:       asStringOr(v[4]),
			Token:          asStringOr(v[5]),
			Encoding:       asStringOr(v[6]),
			Metadata:       meta,
		}
		return Frame{Kind: KindJoin, Join: join}, nil
	case KindJoinResponse:
		if len(v) < 9 {
			return Frame{}, fmt.Errorf("%w: joinResponse arity %d", ErrUnknownFrame, len(v))
		}
		success, _ := v[2].(bool)
		slot, _ := asInt(v[6])
		resp := &JoinResponse{
			RequestID:      asStringOr(v[1]),
			Success:        success,
			LandType:       asStringOr(v[3]),
			LandInstanceID: asStringOr(v[4]),
			LandID:         asStringOr(v[5]),
			PlayerSlot:     int(slot),
			Encoding:       asStringOr(v[7]),
			Reason:         asStringOr(v[8]),
		}
		return Frame{Kind: KindJoinResponse, JoinResponse: resp}, nil
	case KindAction:
		if len(v) < 4 {
			return Frame{}, fmt.Errorf("%w: action arity %d", ErrUnknownFrame, len(v))
		}
		payload, err := decodeBytes(v[3])
		if err != nil {
			return Frame{}, err
		}
		action := &ActionRequest{RequestID: asStringOr(v[1]), TypeIdentifier: asStringOr(v[2]), Payload: payload}
		return Frame{Kind: KindAction, Action: action}, nil
	case KindActionResponse:
		if len(v) < 4 {
			return Frame{}, fmt.Errorf("%w: actionResponse arity %d", ErrUnknownFrame, len(v))
		}
		success, _ := v[2].(bool)
		payload, err := decodeBytes(v[3])
		if err != nil {
			return Frame{}, err
		}
		resp := &ActionResponse{RequestID: asStringOr(v[1]), Success: success, Payload: payload}
		return Frame{Kind: KindActionResponse, ActionResponse: resp}, nil
	case KindEvent:
		event, err := c.decodeEventArray(v[1:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindEvent, Event: event}, nil
	case KindError:
		if len(v) < 4 {
			return Frame{}, fmt.Errorf("%w: error arity %d", ErrUnknownFrame, len(v))
		}
		msg := &ErrorMessage{RequestID: asStringOr(v[1]), Code: ErrorCode(asStringOr(v[2])), Message: asStringOr(v[3])}
		return Frame{Kind: KindError, Error: msg}, nil
	case KindStateUpdateWithEvents:
		if len(v) < 3 {
			return Frame{}, fmt.Errorf("%w: stateUpdateWithEvents arity %d", ErrUnknownFrame, len(v))
		}
		updateRaw, ok := v[1].([]any)
		if !ok {
			return Frame{}, fmt.Errorf("%w: update payload %T", ErrUnknownFrame, v[1])
		}
		update, err := c.decodeUpdateArray(updateRaw)
		if err != nil {
			return Frame{}, err
		}
		eventsRaw, ok := v[2].([]any)
		if !ok {
			return Frame{}, fmt.Errorf("%w: events payload %T", ErrUnknownFrame, v[2])
		}
		events := make([]EventMessage, 0, len(eventsRaw))
		for _, raw := range eventsRaw {
			arr, ok := raw.([]any)
			if !ok {
				return Frame{}, fmt.Errorf("%w: event entry %T", ErrUnknownFrame, raw)
			}
			e, err := c.decodeEventArray(arr)
			if err != nil {
				return Frame{}, err
			}
			events = append(events, *e)
		}
		return Frame{Kind: KindStateUpdateWithEvents, Update: update, Events: events}, nil
	default:
		return Frame{}, fmt.Errorf("%w: opcode %d", ErrUnknownFrame, opcode)
	}
}

func (c *Codec) decodeEventArray(v []any) (*EventMessage, error) {
	if len(v) < 2 {
		return nil, fmt.Errorf("%w: event arity %d", ErrUnknownFrame, len(v))
	}
	direction, ok := asInt(v[0])
	if !ok || (direction != int64(FromClient) && direction != int64(FromServer)) {
		return nil, fmt.Errorf("%w: event direction %v", ErrUnknownFrame, v[0])
	}
	event := &EventMessage{Direction: EventDirection(direction), Type: asStringOr(v[1])}
	if len(v) > 2 && v[2] != nil {
		payload, err := decodeBytes(v[2])
		if err != nil {
			return nil, err
		}
		event.Payload = payload
	}
	if len(v) > 3 && v[3] != nil {
		fields, ok := v[3].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: event fields %T", ErrUnknownFrame, v[3])
		}
		event.Fields = fields
	}
	return event, nil
}

func (c *Codec) decodeUpdateArray(v []any) (*StateUpdate, error) {
	opcode, ok := asInt(v[0])
	if !ok {
		return nil, fmt.Errorf("%w: update opcode %T", ErrUnknownFrame, v[0])
	}
	update := &StateUpdate{Kind: UpdateOpcode(opcode)}
	for _, raw := range v[1:] {
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: patch entry %T", ErrBadPatch, raw)
		}
		patch, err := c.decodePatchArray(arr)
		if err != nil {
			return nil, err
		}
		update.Patches = append(update.Patches, patch)
	}
	return update, nil
}

func (c *Codec) decodePatchArray(arr []any) (snapshot.Patch, error) {
	if len(arr) < 2 {
		return snapshot.Patch{}, fmt.Errorf("%w: arity %d", ErrBadPatch, len(arr))
	}
	//1.- A string head is the plain JSON-Pointer form.
	if path, ok := arr[0].(string); ok {
		opRaw, ok := asInt(arr[1])
		if !ok {
			return snapshot.Patch{}, fmt.Errorf("%w: op %T", ErrBadPatch, arr[1])
		}
		op, err := patchOpFromOpcode(opRaw)
		if err != nil {
			return snapshot.Patch{}, err
		}
		patch := snapshot.Patch{Path: path, Op: op}
		if op != snapshot.OpRemove {
			if len(arr) < 3 {
				return snapshot.Patch{}, fmt.Errorf("%w: missing value for %q", ErrBadPatch, path)
			}
			patch.Value = arr[2]
		}
		return patch, nil
	}
	//2.- A numeric head is the compressed [pathHash, dynamicKey, op, value?] form.
	hash, ok := asInt(arr[0])
	if !ok {
		return snapshot.Patch{}, fmt.Errorf("%w: head %T", ErrBadPatch, arr[0])
	}
	if c.spec == nil {
		return snapshot.Patch{}, fmt.Errorf("%w: compressed patch without field registry", ErrBadPatch)
	}
	if len(arr) < 3 {
		return snapshot.Patch{}, fmt.Errorf("%w: compressed arity %d", ErrBadPatch, len(arr))
	}
	field, ok := c.spec.ByHash(uint32(hash))
	if !ok {
		return snapshot.Patch{}, fmt.Errorf("%w: unknown path hash %#x", ErrBadPatch, uint64(hash))
	}
	keys, err := c.decodeDynamicKey(arr[1])
	if err != nil {
		return snapshot.Patch{}, err
	}
	concrete, err := c.spec.ConcretePath(field, keys)
	if err != nil {
		return snapshot.Patch{}, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	opRaw, ok := asInt(arr[2])
	if !ok {
		return snapshot.Patch{}, fmt.Errorf("%w: op %T", ErrBadPatch, arr[2])
	}
	op, err := patchOpFromOpcode(opRaw)
	if err != nil {
		return snapshot.Patch{}, err
	}
	patch := snapshot.Patch{Path: snapshot.PointerFromDotted(concrete), Op: op}
	if op != snapshot.OpRemove {
		if len(arr) < 4 {
			return snapshot.Patch{}, fmt.Errorf("%w: missing value for %q", ErrBadPatch, concrete)
		}
		patch.Value = arr[3]
	}
	return patch, nil
}

func (c *Codec) decodeDynamicKey(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		//1.- A [slot, key] pair defines the slot; an all-string array carries
		// multi-wildcard keys verbatim.
		if len(v) == 2 {
			if slot, ok := asInt(v[0]); ok {
				key, ok := v[1].(string)
				if !ok {
					return nil, fmt.Errorf("%w: slot definition key %T", ErrBadPatch, v[1])
				}
				if c.slots == nil {
					c.slots = NewSlotTable()
				}
				if err := c.slots.Define(int(slot), key); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrBadPatch, err)
				}
				return []string{key}, nil
			}
		}
		keys := make([]string, len(v))
		for i, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("%w: dynamic key element %T", ErrBadPatch, elem)
			}
			keys[i] = s
		}
		return keys, nil
	default:
		slot, ok := asInt(raw)
		if !ok {
			return nil, fmt.Errorf("%w: dynamic key %T", ErrBadPatch, raw)
		}
		if c.slots == nil {
			return nil, ErrSlotUndefined
		}
		key, err := c.slots.Resolve(int(slot))
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	}
}

func (c *Codec) decodeObject(v map[string]any) (Frame, error) {
	if raw, ok := v["values"]; ok {
		return decodeSnapshotObject(raw)
	}
	if raw, ok := v["type"]; ok {
		update, err := decodeUpdateObject(v, raw)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindStateUpdate, Update: update}, nil
	}
	kindName, _ := v["kind"].(string)
	kind, ok := kindFromName(kindName)
	if !ok {
		return Frame{}, fmt.Errorf("%w: kind %q", ErrUnknownFrame, kindName)
	}
	payload, _ := v["payload"].(map[string]any)
	if payload == nil {
		return Frame{}, fmt.Errorf("%w: %q without payload", ErrUnknownFrame, kindName)
	}
	switch kind {
	case KindJoin:
		meta, err := asStringMap(payload["metadata"])
		if err != nil {
			return Frame{}, err
		}
		join := &JoinRequest{
			RequestID:      asStringOr(payload["requestId"]),
			LandType:       asStringOr(payload["landType"]),
			LandInstanceID: asStringOr(payload["landInstanceId"]),
			PlayerID:       asStringOr(payload["playerId"]),
			Token:          asStringOr(payload["token"]),
			Encoding:       asStringOr(payload["encoding"]),
			Metadata:       meta,
		}
		return Frame{Kind: kind, Join: join}, nil
	case KindJoinResponse:
		success, _ := payload["success"].(bool)
		slot, _ := asInt(payload["playerSlot"])
		resp := &JoinResponse{
			RequestID:      asStringOr(payload["requestId"]),
			Success:        success,
			LandType:       asStringOr(payload["landType"]),
			LandInstanceID: asStringOr(payload["landInstanceId"]),
			LandID:         asStringOr(payload["landId"]),
			PlayerSlot:     int(slot),
			Encoding:       asStringOr(payload["encoding"]),
			Reason:         asStringOr(payload["reason"]),
		}
		return Frame{Kind: kind, JoinResponse: resp}, nil
	case KindAction:
		data, err := decodeBytes(payload["payload"])
		if err != nil {
			return Frame{}, err
		}
		action := &ActionRequest{RequestID: asStringOr(payload["requestId"]), TypeIdentifier: asStringOr(payload["typeIdentifier"]), Payload: data}
		return Frame{Kind: kind, Action: action}, nil
	case KindActionResponse:
		success, _ := payload["success"].(bool)
		data, err := decodeBytes(payload["payload"])
		if err != nil {
			return Frame{}, err
		}
		resp := &ActionResponse{RequestID: asStringOr(payload["requestId"]), Success: success, Payload: data}
		return Frame{Kind: kind, ActionResponse: resp}, nil
	case KindEvent:
		event, err := decodeEventObject(payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, Event: event}, nil
	case KindError:
		msg := &ErrorMessage{RequestID: asStringOr(payload["requestId"]), Code: ErrorCode(asStringOr(payload["code"])), Message: asStringOr(payload["message"])}
		return Frame{Kind: kind, Error: msg}, nil
	case KindStateUpdateWithEvents:
		updateRaw, ok := payload["update"].(map[string]any)
		if !ok {
			return Frame{}, fmt.Errorf("%w: missing update", ErrUnknownFrame)
		}
		update, err := decodeUpdateObject(updateRaw, updateRaw["type"])
		if err != nil {
			return Frame{}, err
		}
		var events []EventMessage
		if rawEvents, ok := payload["events"].([]any); ok {
			for _, raw := range rawEvents {
				obj, ok := raw.(map[string]any)
				if !ok {
					return Frame{}, fmt.Errorf("%w: event entry %T", ErrUnknownFrame, raw)
				}
				e, err := decodeEventObject(obj)
				if err != nil {
					return Frame{}, err
				}
				events = append(events, *e)
			}
		}
		return Frame{Kind: kind, Update: update, Events: events}, nil
	default:
		return Frame{}, fmt.Errorf("%w: kind %q", ErrUnknownFrame, kindName)
	}
}

func decodeEventObject(obj map[string]any) (*EventMessage, error) {
	direction, ok := asInt(obj["direction"])
	if !ok {
		return nil, fmt.Errorf("%w: event direction %v", ErrUnknownFrame, obj["direction"])
	}
	event := &EventMessage{Direction: EventDirection(direction), Type: asStringOr(obj["type"])}
	if fields, ok := obj["fields"].([]any); ok {
		event.Fields = fields
	} else if raw, ok := obj["payload"]; ok {
		payload, err := decodeBytes(raw)
		if err != nil {
			return nil, err
		}
		event.Payload = payload
	}
	return event, nil
}

func decodeUpdateObject(v map[string]any, typeRaw any) (*StateUpdate, error) {
	name, _ := typeRaw.(string)
	kind, ok := updateFromName(name)
	if !ok {
		return nil, fmt.Errorf("%w: update type %q", ErrUnknownFrame, name)
	}
	update := &StateUpdate{Kind: kind}
	rawPatches, _ := v["patches"].([]any)
	for _, raw := range rawPatches {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: patch entry %T", ErrBadPatch, raw)
		}
		opName, _ := obj["op"].(string)
		op := snapshot.Op(opName)
		if op != snapshot.OpReplace && op != snapshot.OpRemove && op != snapshot.OpAdd {
			return nil, fmt.Errorf("%w: op %q", ErrBadPatch, opName)
		}
		patch := snapshot.Patch{Path: asStringOr(obj["path"]), Op: op}
		if op != snapshot.OpRemove {
			patch.Value = obj["value"]
		}
		update.Patches = append(update.Patches, patch)
	}
	return update, nil
}

func decodeSnapshotObject(raw any) (Frame, error) {
	values, ok := raw.(map[string]any)
	if !ok {
		return Frame{}, fmt.Errorf("%w: values payload %T", ErrUnknownFrame, raw)
	}
	//1.- The snapshot object form lowers to a firstSync of add patches so the
	// rest of the pipeline has a single update representation.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	update := &StateUpdate{Kind: UpdateFirstSync}
	for _, k := range keys {
		update.Patches = append(update.Patches, snapshot.Patch{
			Path:  snapshot.PointerFromDotted(k),
			Op:    snapshot.OpAdd,
			Value: values[k],
		})
	}
	return Frame{Kind: KindStateUpdate, Update: update}, nil
}

// normalize collapses decoder-specific number and map types into the
// canonical representation shared by both channels.
func normalize(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case uint16:
		return int64(v)
	case uint8:
		return int64(v)
	case uint:
		return int64(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case float32:
		return float64(v)
	case []any:
		for i, elem := range v {
			v[i] = normalize(elem)
		}
		return v
	case map[string]any:
		for k, elem := range v {
			v[k] = normalize(elem)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalize(elem)
		}
		return out
	default:
		return value
	}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func asStringOr(v any) string {
	s, _ := v.(string)
	return s
}

func asStringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: metadata %T", ErrUnknownFrame, v)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for k, elem := range raw {
		s, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("%w: metadata value %T", ErrUnknownFrame, elem)
		}
		out[k] = s
	}
	return out, nil
}
