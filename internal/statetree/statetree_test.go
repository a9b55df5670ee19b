package statetree

import (
	"errors"
	"testing"
)

func arenaSpec(t *testing.T) *Spec {
	t.Helper()
	spec := NewSpec()
	for _, reg := range []struct {
		path string
		mode SyncMode
	}{
		{"phase", Broadcast},
		{"players.*.hp", Broadcast},
		{"players.*.hand", PerClient},
		{"deck", ServerOnly},
		{"scratch", Internal},
	} {
		if err := spec.Register(reg.path, reg.mode); err != nil {
			t.Fatalf("register %q: %v", reg.path, err)
		}
	}
	return spec
}

func TestSpecRejectsDuplicatesAndBlanks(t *testing.T) {
	spec := arenaSpec(t)
	if err := spec.Register("phase", Broadcast); !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := spec.Register("  ", Broadcast); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected empty path error, got %v", err)
	}
}

func TestSpecMatchResolvesWildcards(t *testing.T) {
	spec := arenaSpec(t)
	field, ok := spec.Match("players.p1.hp")
	if !ok {
		t.Fatalf("expected wildcard match")
	}
	if field.Path != "players.*.hp" {
		t.Fatalf("matched wrong field %q", field.Path)
	}
	keys, err := spec.DynamicKeys(field, "players.p1.hp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "p1" {
		t.Fatalf("unexpected dynamic keys %v", keys)
	}
	//1.- Substituting the keys back must reproduce the concrete path.
	concrete, err := spec.ConcretePath(field, keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if concrete != "players.p1.hp" {
		t.Fatalf("unexpected concrete path %q", concrete)
	}
	if _, ok := spec.Match("players.p1.unknown"); ok {
		t.Fatalf("unregistered path should not match")
	}
}

func TestSpecHashLookupAgrees(t *testing.T) {
	spec := arenaSpec(t)
	field, _ := spec.Lookup("players.*.hp")
	byHash, ok := spec.ByHash(field.Hash)
	if !ok || byHash != field {
		t.Fatalf("hash lookup disagreed with path lookup")
	}
	if field.Hash != PathHash("players.*.hp") {
		t.Fatalf("hash must derive from the registered path")
	}
}

func TestDocumentSetRequiresRegistration(t *testing.T) {
	doc := NewDocument(arenaSpec(t), true)
	if err := doc.Set("players.p1.hp", int64(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := doc.Set("players.p1.mana", int64(3)); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	v, ok := doc.Get("players.p1.hp")
	if !ok || v.(int64) != 100 {
		t.Fatalf("unexpected read back %v %v", v, ok)
	}
}

func TestDocumentDirtyTracking(t *testing.T) {
	doc := NewDocument(arenaSpec(t), true)
	if err := doc.Set("phase", "lobby"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := doc.Set("players.p1.hp", int64(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dirty := doc.DirtyPaths()
	if len(dirty) != 2 || dirty[0] != "phase" || dirty[1] != "players.p1.hp" {
		t.Fatalf("unexpected dirty set %v", dirty)
	}
	doc.ClearDirty()
	if len(doc.DirtyPaths()) != 0 {
		t.Fatalf("dirty marks survived the clear")
	}
	//1.- Deletions must re-dirty the path so diffs emit the removal.
	doc.Delete("phase")
	dirty = doc.DirtyPaths()
	if len(dirty) != 1 || dirty[0] != "phase" {
		t.Fatalf("unexpected dirty set after delete %v", dirty)
	}
	if _, ok := doc.Get("phase"); ok {
		t.Fatalf("deleted leaf still readable")
	}
}

func TestDocumentEachVisitsSorted(t *testing.T) {
	doc := NewDocument(arenaSpec(t), false)
	_ = doc.Set("players.p2.hp", int64(90))
	_ = doc.Set("players.p1.hp", int64(100))
	_ = doc.Set("phase", "battle")
	var visited []string
	doc.Each(func(path string, field *FieldSpec, value any) {
		visited = append(visited, path)
		if field == nil {
			t.Fatalf("leaf %q lost its registration", path)
		}
	})
	want := []string{"phase", "players.p1.hp", "players.p2.hp"}
	for i, p := range want {
		if visited[i] != p {
			t.Fatalf("visit order %v, want %v", visited, want)
		}
	}
}
