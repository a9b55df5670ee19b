package wire

import (
	"errors"
	"reflect"
	"testing"

	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/statetree"
)

func positionSpec(t *testing.T) *statetree.Spec {
	t.Helper()
	spec := statetree.NewSpec()
	spec.MustRegister("players.*.position", statetree.Broadcast)
	spec.MustRegister("players.*.items.*", statetree.Broadcast)
	spec.MustRegister("phase", statetree.Broadcast)
	return spec
}

func allCodecs() []struct {
	name    string
	framing Framing
	channel Channel
} {
	return []struct {
		name    string
		framing Framing
		channel Channel
	}{
		{"json-text", FramingJSON, ChannelText},
		{"json-binary", FramingJSON, ChannelBinary},
		{"opcode-text", FramingOpcode, ChannelText},
		{"opcode-binary", FramingOpcode, ChannelBinary},
	}
}

func sampleFrames() []Frame {
	return []Frame{
		{Kind: KindJoin, Join: &JoinRequest{RequestID: "r1", LandType: "arena", LandInstanceID: "alpha", PlayerID: "p1", Token: "tok", Encoding: "opcode", Metadata: map[string]string{"device": "test"}}},
		{Kind: KindJoinResponse, JoinResponse: &JoinResponse{RequestID: "r1", Success: true, LandType: "arena", LandInstanceID: "alpha", LandID: "arena:alpha", PlayerSlot: 2, Encoding: "opcode"}},
		{Kind: KindJoinResponse, JoinResponse: &JoinResponse{RequestID: "r2", Success: false, Reason: "roomFull"}},
		{Kind: KindAction, Action: &ActionRequest{RequestID: "r3", TypeIdentifier: "PlayCard", Payload: []byte(`{"card":"c7"}`)}},
		{Kind: KindActionResponse, ActionResponse: &ActionResponse{RequestID: "r3", Success: true, Payload: []byte(`{"ok":true}`)}},
		{Kind: KindEvent, Event: &EventMessage{Direction: FromServer, Type: "CardPlayed", Payload: []byte(`{"card":"c7"}`)}},
		{Kind: KindEvent, Event: &EventMessage{Direction: FromClient, Type: "Ping", Fields: []any{int64(7), "x"}}},
		{Kind: KindError, Error: &ErrorMessage{RequestID: "r4", Code: CodeActionNotRegistered, Message: "no handler"}},
		{Kind: KindStateUpdate, Update: &StateUpdate{Kind: UpdateNoChange}},
		{Kind: KindStateUpdate, Update: &StateUpdate{Kind: UpdateDiff, Patches: []snapshot.Patch{
			{Path: "/phase", Op: snapshot.OpReplace, Value: "battle"},
			{Path: "/players/p9/position", Op: snapshot.OpRemove},
		}}},
		{Kind: KindStateUpdateWithEvents,
			Update: &StateUpdate{Kind: UpdateFirstSync, Patches: []snapshot.Patch{{Path: "/phase", Op: snapshot.OpAdd, Value: "lobby"}}},
			Events: []EventMessage{{Direction: FromServer, Type: "Joined", Payload: []byte(`{}`)}}},
	}
}

func TestRoundTripEveryKindEveryFraming(t *testing.T) {
	for _, combo := range allCodecs() {
		for _, frame := range sampleFrames() {
			encoder := NewCodec(combo.framing, combo.channel)
			data, err := encoder.Encode(frame)
			if err != nil {
				t.Fatalf("%s: encode %v: %v", combo.name, frame.Kind, err)
			}
			decoder := NewCodec(combo.framing, combo.channel)
			decoded, err := decoder.Decode(data)
			if err != nil {
				t.Fatalf("%s: decode %v: %v", combo.name, frame.Kind, err)
			}
			if !reflect.DeepEqual(frame, decoded) {
				t.Fatalf("%s: %v round trip mismatch\n got %#v\nwant %#v", combo.name, frame.Kind, decoded, frame)
			}
			//1.- Re-encoding the decoded frame must reproduce identical bytes.
			again, err := NewCodec(combo.framing, combo.channel).Encode(decoded)
			if err != nil {
				t.Fatalf("%s: re-encode %v: %v", combo.name, frame.Kind, err)
			}
			if string(again) != string(data) {
				t.Fatalf("%s: %v bytes not stable:\n %s\n %s", combo.name, frame.Kind, data, again)
			}
		}
	}
}

func TestOpcodePatchDecodeWithDictionary(t *testing.T) {
	spec := positionSpec(t)
	codec := NewCodec(FramingOpcode, ChannelText, WithSpec(spec))
	//1.- Predefine slot 1 in the per-connection dictionary.
	if err := codec.slots.Define(1, "1"); err != nil {
		t.Fatalf("define slot: %v", err)
	}
	hash := statetree.PathHash("players.*.position")
	raw := []any{int64(UpdateDiff), []any{int64(hash), int64(1), int64(PatchReplace), int64(100)}}
	data, err := codec.marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Kind != KindStateUpdate || frame.Update.Kind != UpdateDiff {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if len(frame.Update.Patches) != 1 {
		t.Fatalf("expected one patch, got %d", len(frame.Update.Patches))
	}
	p := frame.Update.Patches[0]
	if p.Path != "/players/1/position" || p.Op != snapshot.OpReplace {
		t.Fatalf("unexpected patch %+v", p)
	}
	if v, _ := p.Value.(int64); v != 100 {
		t.Fatalf("unexpected value %v", p.Value)
	}
}

func TestSlotReferenceBeforeDefinitionFails(t *testing.T) {
	spec := positionSpec(t)
	codec := NewCodec(FramingOpcode, ChannelText, WithSpec(spec))
	hash := statetree.PathHash("players.*.position")
	raw := []any{int64(UpdateDiff), []any{int64(hash), int64(9), int64(PatchReplace), int64(1)}}
	data, err := codec.marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := codec.Decode(data); !errors.Is(err, ErrSlotUndefined) {
		t.Fatalf("expected slot error, got %v", err)
	}
}

func TestCompressedPatchesDefineThenReuseSlots(t *testing.T) {
	spec := positionSpec(t)
	update := StateUpdate{Kind: UpdateDiff, Patches: []snapshot.Patch{
		{Path: "/players/p1/position", Op: snapshot.OpReplace, Value: int64(10)},
		{Path: "/players/p1/position", Op: snapshot.OpReplace, Value: int64(20)},
	}}
	encoder := NewCodec(FramingOpcode, ChannelText, WithSpec(spec))
	data, err := encoder.Encode(Frame{Kind: KindStateUpdate, Update: &update})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	//1.- The first patch defines the slot, the second reuses the integer form.
	decoder := NewCodec(FramingOpcode, ChannelText, WithSpec(spec))
	frame, err := decoder.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, p := range frame.Update.Patches {
		if p.Path != "/players/p1/position" {
			t.Fatalf("unexpected path %q", p.Path)
		}
	}
	if decoder.slots.Len() != 1 {
		t.Fatalf("expected one defined slot, got %d", decoder.slots.Len())
	}

	//2.- A later frame on the same connection may reuse the dictionary.
	more := StateUpdate{Kind: UpdateDiff, Patches: []snapshot.Patch{
		{Path: "/players/p1/position", Op: snapshot.OpReplace, Value: int64(30)},
	}}
	data, err = encoder.Encode(Frame{Kind: KindStateUpdate, Update: &more})
	if err != nil {
		t.Fatalf("encode follow-up: %v", err)
	}
	if _, err := decoder.Decode(data); err != nil {
		t.Fatalf("decode follow-up: %v", err)
	}
}

func TestMultiWildcardKeysTravelAsArray(t *testing.T) {
	spec := positionSpec(t)
	update := StateUpdate{Kind: UpdateDiff, Patches: []snapshot.Patch{
		{Path: "/players/p1/items/sword", Op: snapshot.OpReplace, Value: int64(1)},
	}}
	encoder := NewCodec(FramingOpcode, ChannelBinary, WithSpec(spec))
	data, err := encoder.Encode(Frame{Kind: KindStateUpdate, Update: &update})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoder := NewCodec(FramingOpcode, ChannelBinary, WithSpec(spec))
	frame, err := decoder.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Update.Patches[0].Path != "/players/p1/items/sword" {
		t.Fatalf("unexpected path %q", frame.Update.Patches[0].Path)
	}
}

func TestSnapshotObjectFormLowersToFirstSync(t *testing.T) {
	codec := NewCodec(FramingJSON, ChannelText)
	data, err := codec.EncodeSnapshot(snapshot.Snapshot{"phase": "lobby", "players.p1.hp": int64(100)})
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if frame.Update == nil || frame.Update.Kind != UpdateFirstSync {
		t.Fatalf("expected firstSync lowering, got %+v", frame)
	}
	if len(frame.Update.Patches) != 2 || frame.Update.Patches[0].Op != snapshot.OpAdd {
		t.Fatalf("unexpected patches %+v", frame.Update.Patches)
	}
}

func TestEventSchemasPackUnpack(t *testing.T) {
	schemas := NewEventSchemas()
	schemas.Register("CardPlayed", []string{"card", "slot"})
	fields, err := schemas.Pack("CardPlayed", map[string]any{"card": "c7", "slot": int64(2)})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	obj, err := schemas.Unpack("CardPlayed", fields)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if obj["card"] != "c7" || obj["slot"] != int64(2) {
		t.Fatalf("unexpected payload %v", obj)
	}
	//1.- Undeclared fields must fail loudly rather than silently drop.
	if _, err := schemas.Pack("CardPlayed", map[string]any{"card": "c7", "slot": int64(2), "extra": true}); err == nil {
		t.Fatalf("expected error for undeclared field")
	}
}

func TestReplayTickDecodesWithoutLandSchema(t *testing.T) {
	codec := NewCodec(FramingOpcode, ChannelText)
	if !codec.Schemas().Registered(ReplayTickEvent) {
		t.Fatalf("system events must be preregistered")
	}
	frame := Frame{Kind: KindEvent, Event: &EventMessage{
		Direction: FromServer,
		Type:      ReplayTickEvent,
		Fields:    PackReplayTick(ReplayTick{TickID: 9, IsMatch: false, ExpectedHash: "00000000000000aa", ActualHash: "00000000000000ab"}),
	}}
	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := NewCodec(FramingOpcode, ChannelText).Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rt, err := UnpackReplayTick(decoded.Event.Fields)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if rt.TickID != 9 || rt.IsMatch || rt.ExpectedHash != "00000000000000aa" {
		t.Fatalf("unexpected replay tick %+v", rt)
	}
}
