package snapshot

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"landsync/runtime/internal/determinism"
)

// Op is one JSON-Pointer patch operation kind.
type Op string

const (
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
	OpAdd     Op = "add"
)

// Patch is a single ordered edit against a snapshot. Paths use JSON-Pointer
// syntax; values replace whole leaves, never merge into them.
type Patch struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// PointerFromDotted converts a dotted field path to its JSON-Pointer form.
func PointerFromDotted(path string) string {
	if path == "" {
		return ""
	}
	segments := strings.Split(path, ".")
	var b strings.Builder
	for _, seg := range segments {
		b.WriteByte('/')
		b.WriteString(escapePointer(seg))
	}
	return b.String()
}

// DottedFromPointer converts a JSON-Pointer back to the dotted field path.
func DottedFromPointer(pointer string) (string, error) {
	if pointer == "" || pointer[0] != '/' {
		return "", fmt.Errorf("invalid json pointer %q", pointer)
	}
	segments := strings.Split(pointer[1:], "/")
	for i, seg := range segments {
		segments[i] = unescapePointer(seg)
	}
	return strings.Join(segments, "."), nil
}

func escapePointer(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}

func unescapePointer(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	return strings.ReplaceAll(seg, "~0", "~")
}

// Diff computes the minimal ordered patch list transforming old into new.
// Output order is deterministic: sorted by dotted path, removals and
// replacements first, additions after, mirroring the sorted-key walk.
func Diff(old, new Snapshot) ([]Patch, error) {
	oldKeys := make([]string, 0, len(old))
	for k := range old {
		oldKeys = append(oldKeys, k)
	}
	sort.Strings(oldKeys)
	newKeys := make([]string, 0, len(new))
	for k := range new {
		newKeys = append(newKeys, k)
	}
	sort.Strings(newKeys)

	var patches []Patch
	//1.- Walk old keys first: anything missing became a remove, anything
	// changed becomes a whole-value replace.
	for _, k := range oldKeys {
		newValue, exists := new[k]
		if !exists {
			patches = append(patches, Patch{Path: PointerFromDotted(k), Op: OpRemove})
			continue
		}
		equal, err := canonicallyEqual(old[k], newValue)
		if err != nil {
			return nil, err
		}
		if !equal {
			patches = append(patches, Patch{Path: PointerFromDotted(k), Op: OpReplace, Value: newValue})
		}
	}
	//2.- Walk new keys for additions.
	for _, k := range newKeys {
		if _, exists := old[k]; !exists {
			patches = append(patches, Patch{Path: PointerFromDotted(k), Op: OpAdd, Value: new[k]})
		}
	}
	return patches, nil
}

// Apply replays an ordered patch list onto a snapshot, returning the result.
// The input snapshot is not mutated.
func Apply(base Snapshot, patches []Patch) (Snapshot, error) {
	out := base.Clone()
	if out == nil {
		out = make(Snapshot)
	}
	for _, p := range patches {
		dotted, err := DottedFromPointer(p.Path)
		if err != nil {
			return nil, err
		}
		switch p.Op {
		case OpRemove:
			delete(out, dotted)
		case OpReplace, OpAdd:
			out[dotted] = p.Value
		default:
			return nil, fmt.Errorf("unknown patch op %q", p.Op)
		}
	}
	return out, nil
}

func canonicallyEqual(a, b any) (bool, error) {
	//1.- Compare canonical JSON bytes so equality matches the hash contract.
	aj, err := determinism.CanonicalJSON(a)
	if err != nil {
		return false, err
	}
	bj, err := determinism.CanonicalJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aj, bj), nil
}
