package snapshot

import (
	"testing"

	"landsync/runtime/internal/statetree"
)

func cardSpec(t *testing.T) *statetree.Spec {
	t.Helper()
	spec := statetree.NewSpec()
	spec.MustRegister("phase", statetree.Broadcast)
	spec.MustRegister("players.*.hp", statetree.Broadcast)
	spec.MustRegister("players.*.hand", statetree.PerClient)
	spec.MustRegister("deck", statetree.ServerOnly)
	spec.MustRegister("scratch", statetree.Internal)
	return spec
}

func populatedDoc(t *testing.T) *statetree.Document {
	t.Helper()
	doc := statetree.NewDocument(cardSpec(t), true)
	for path, value := range map[string]any{
		"phase":           "battle",
		"players.p1.hp":   int64(100),
		"players.p2.hp":   int64(90),
		"players.p1.hand": []any{"c1", "c2"},
		"players.p2.hand": []any{"c9"},
		"deck":            []any{"c3", "c4"},
		"scratch":         "temp",
	} {
		if err := doc.Set(path, value); err != nil {
			t.Fatalf("set %q: %v", path, err)
		}
	}
	return doc
}

func TestExtractModes(t *testing.T) {
	doc := populatedDoc(t)

	all := Extract(doc, ModeAll, "")
	if _, ok := all["scratch"]; ok {
		t.Fatalf("internal field leaked into the all snapshot")
	}
	if _, ok := all["deck"]; !ok {
		t.Fatalf("server-only field missing from the all snapshot")
	}
	if len(all) != 6 {
		t.Fatalf("unexpected all snapshot size %d", len(all))
	}

	broadcast := Extract(doc, ModeBroadcast, "")
	if _, ok := broadcast["players.p1.hand"]; ok {
		t.Fatalf("per-client field leaked into broadcast")
	}
	if _, ok := broadcast["deck"]; ok {
		t.Fatalf("server-only field leaked into broadcast")
	}
	if len(broadcast) != 3 {
		t.Fatalf("unexpected broadcast snapshot size %d", len(broadcast))
	}

	//1.- A viewer sees broadcast fields plus only its own hand.
	p1 := Extract(doc, ModePerClient, "p1")
	if _, ok := p1["players.p1.hand"]; !ok {
		t.Fatalf("viewer lost its own per-client slice")
	}
	if _, ok := p1["players.p2.hand"]; ok {
		t.Fatalf("viewer observed another player's slice")
	}
}

func TestDiffSelfIsEmpty(t *testing.T) {
	doc := populatedDoc(t)
	s := Extract(doc, ModeAll, "")
	patches, err := Diff(s, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patches) != 0 {
		t.Fatalf("diff of a snapshot against itself produced %d patches", len(patches))
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	old := Snapshot{
		"phase":         "lobby",
		"players.p1.hp": int64(100),
		"deck":          []any{"a"},
	}
	new := Snapshot{
		"phase":         "battle",
		"players.p1.hp": int64(100),
		"players.p2.hp": int64(80),
	}
	patches, err := Diff(old, new)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	//1.- One replace, one remove, one add; equal values emit nothing.
	if len(patches) != 3 {
		t.Fatalf("unexpected patch count %d: %v", len(patches), patches)
	}
	applied, err := Apply(old, patches)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantHash, _ := new.Hash()
	appliedHash, _ := applied.Hash()
	if wantHash != appliedHash {
		t.Fatalf("apply(diff(old,new), old) diverged from new")
	}
}

func TestDiffReplacesNestedValuesAtomically(t *testing.T) {
	old := Snapshot{"players.p1.hand": map[string]any{"cards": []any{"a"}, "size": int64(1)}}
	new := Snapshot{"players.p1.hand": map[string]any{"cards": []any{"a", "b"}, "size": int64(2)}}
	patches, err := Diff(old, new)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patches) != 1 || patches[0].Op != OpReplace {
		t.Fatalf("nested change must be one whole-value replace, got %v", patches)
	}
	if patches[0].Path != "/players/p1/hand" {
		t.Fatalf("unexpected pointer %q", patches[0].Path)
	}
}

func TestPointerConversion(t *testing.T) {
	pointer := PointerFromDotted("players.p1.hp")
	if pointer != "/players/p1/hp" {
		t.Fatalf("unexpected pointer %q", pointer)
	}
	dotted, err := DottedFromPointer(pointer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dotted != "players.p1.hp" {
		t.Fatalf("unexpected dotted path %q", dotted)
	}
	//1.- Pointer special characters escape per RFC 6901.
	round := PointerFromDotted("a~b.c/d")
	if round != "/a~0b/c~1d" {
		t.Fatalf("unexpected escaped pointer %q", round)
	}
	back, err := DottedFromPointer(round)
	if err != nil || back != "a~b.c/d" {
		t.Fatalf("escape round trip failed: %q %v", back, err)
	}
}

func TestEngineFirstSyncThenDiff(t *testing.T) {
	doc := populatedDoc(t)
	engine := NewEngine(doc)
	engine.AddClient("c1", "p1")

	deltas, err := engine.SyncAll(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Kind != FirstSync {
		t.Fatalf("expected a firstSync delta, got %+v", deltas)
	}
	//1.- Applying firstSync patches to an empty baseline rebuilds the view.
	rebuilt, err := Apply(nil, deltas[0].Patches)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Extract(doc, ModePerClient, "p1")
	wantHash, _ := want.Hash()
	gotHash, _ := rebuilt.Hash()
	if wantHash != gotHash {
		t.Fatalf("firstSync patches did not rebuild the per-client snapshot")
	}

	//2.- An untouched document yields noChange on the next pass.
	deltas, err = engine.SyncAll(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deltas[0].Kind != NoChange || len(deltas[0].Patches) != 0 {
		t.Fatalf("expected noChange, got %+v", deltas[0])
	}

	//3.- A single mutation produces exactly one replace patch.
	if err := doc.Set("players.p1.hp", int64(95)); err != nil {
		t.Fatalf("set: %v", err)
	}
	deltas, err = engine.SyncAll(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deltas[0].Kind != DiffSync || len(deltas[0].Patches) != 1 {
		t.Fatalf("expected one diff patch, got %+v", deltas[0])
	}
	if deltas[0].Patches[0].Op != OpReplace {
		t.Fatalf("expected replace, got %q", deltas[0].Patches[0].Op)
	}
}

func TestEngineBroadcastOnlySync(t *testing.T) {
	doc := populatedDoc(t)
	engine := NewEngine(doc)
	engine.AddClient("c1", "p1")
	if _, err := engine.SyncAll(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	//1.- Mutate one broadcast field and one per-client field.
	_ = doc.Set("phase", "scoring")
	_ = doc.Set("players.p1.hand", []any{"c5"})

	deltas, err := engine.SyncBroadcast(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Kind != DiffSync {
		t.Fatalf("expected a broadcast diff, got %+v", deltas)
	}
	for _, p := range deltas[0].Patches {
		if p.Path == "/players/p1/hand" {
			t.Fatalf("broadcast-only sync leaked a per-client patch")
		}
	}

	//2.- The following full sync must still deliver the per-client change and
	// must not repeat the broadcast edit.
	full, err := engine.SyncAll(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawHand, sawPhase bool
	for _, p := range full[0].Patches {
		if p.Path == "/players/p1/hand" {
			sawHand = true
		}
		if p.Path == "/phase" {
			sawPhase = true
		}
	}
	if !sawHand {
		t.Fatalf("per-client change lost after broadcast-only sync")
	}
	if sawPhase {
		t.Fatalf("broadcast edit re-emitted after broadcast-only sync")
	}
}

func TestEngineRemoveClientForcesFirstSyncOnReconnect(t *testing.T) {
	doc := populatedDoc(t)
	engine := NewEngine(doc)
	engine.AddClient("c1", "p1")
	if _, err := engine.SyncAll(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	engine.RemoveClient("c1")
	engine.AddClient("c2", "p1")
	delta, ok, err := engine.SyncClient("c2")
	if err != nil || !ok {
		t.Fatalf("sync client failed: %v %v", ok, err)
	}
	if delta.Kind != FirstSync {
		t.Fatalf("reconnect must restart from firstSync, got %v", delta.Kind)
	}
}
