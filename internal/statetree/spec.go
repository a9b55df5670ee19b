package statetree

import (
	"errors"
	"fmt"
	"strings"
)

// SyncMode declares who may observe a registered field.
type SyncMode int

const (
	// Broadcast fields replicate identically to every connected client.
	Broadcast SyncMode = iota
	// PerClient fields are scoped by player; the first wildcard key of the
	// path names the owning player and only that viewer receives the slice.
	PerClient
	// ServerOnly fields are snapshotted for recording but never replicated.
	ServerOnly
	// Internal fields are excluded from both replication and recording.
	Internal
)

// String names the mode for logs and record metadata.
func (m SyncMode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case PerClient:
		return "perClient"
	case ServerOnly:
		return "serverOnly"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("syncMode(%d)", int(m))
	}
}

var (
	// ErrDuplicateField signals a second registration of the same path.
	ErrDuplicateField = errors.New("field path already registered")
	// ErrUnknownField is returned when a concrete path matches no registration.
	ErrUnknownField = errors.New("field path not registered")
	// ErrEmptyPath rejects blank registrations.
	ErrEmptyPath = errors.New("field path must not be empty")
)

// FieldSpec describes one registered leaf of the state tree.
type FieldSpec struct {
	Path     string
	Mode     SyncMode
	Hash     uint32
	segments []string
	wildcard int
}

// Wildcards reports how many dynamic segments the registered path carries.
func (f *FieldSpec) Wildcards() int {
	if f == nil {
		return 0
	}
	return f.wildcard
}

// Segments exposes the split path for codec reconstruction.
func (f *FieldSpec) Segments() []string {
	if f == nil {
		return nil
	}
	return f.segments
}

// Spec is the set of registered fields for one land type; it doubles as the
// schema provider for the wire codec's path-hash dictionary.
type Spec struct {
	fields []*FieldSpec
	byPath map[string]*FieldSpec
	byHash map[uint32]*FieldSpec
}

// NewSpec constructs an empty field registry.
func NewSpec() *Spec {
	return &Spec{
		byPath: make(map[string]*FieldSpec),
		byHash: make(map[uint32]*FieldSpec),
	}
}

// Register adds one field path, wildcards written as "*" segments.
func (s *Spec) Register(path string, mode SyncMode) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ErrEmptyPath
	}
	if _, ok := s.byPath[trimmed]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateField, trimmed)
	}
	segments := strings.Split(trimmed, ".")
	wildcards := 0
	for _, seg := range segments {
		if seg == "*" {
			wildcards++
		}
	}
	field := &FieldSpec{
		Path:     trimmed,
		Mode:     mode,
		Hash:     PathHash(trimmed),
		segments: segments,
		wildcard: wildcards,
	}
	//1.- Index by path and by hash so both wire directions resolve in O(1).
	s.fields = append(s.fields, field)
	s.byPath[trimmed] = field
	s.byHash[field.Hash] = field
	return nil
}

// MustRegister registers or panics; intended for land definition literals.
func (s *Spec) MustRegister(path string, mode SyncMode) *Spec {
	if err := s.Register(path, mode); err != nil {
		panic(err)
	}
	return s
}

// Fields returns every registration in declaration order.
func (s *Spec) Fields() []*FieldSpec {
	return s.fields
}

// Lookup finds the registration with the exact (wildcard) path.
func (s *Spec) Lookup(path string) (*FieldSpec, bool) {
	f, ok := s.byPath[path]
	return f, ok
}

// ByHash resolves a 32-bit path hash back to its registration.
func (s *Spec) ByHash(hash uint32) (*FieldSpec, bool) {
	f, ok := s.byHash[hash]
	return f, ok
}

// Match resolves a concrete dotted path against the registry, honouring
// wildcard segments.
func (s *Spec) Match(concrete string) (*FieldSpec, bool) {
	if f, ok := s.byPath[concrete]; ok && f.wildcard == 0 {
		return f, true
	}
	segments := strings.Split(concrete, ".")
	for _, f := range s.fields {
		if matchSegments(f.segments, segments) {
			return f, true
		}
	}
	return nil, false
}

// DynamicKeys extracts the concrete values of every wildcard segment, in order.
func (s *Spec) DynamicKeys(f *FieldSpec, concrete string) ([]string, error) {
	segments := strings.Split(concrete, ".")
	if f == nil || !matchSegments(f.segments, segments) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, concrete)
	}
	keys := make([]string, 0, f.wildcard)
	for i, seg := range f.segments {
		if seg == "*" {
			keys = append(keys, segments[i])
		}
	}
	return keys, nil
}

// ConcretePath substitutes dynamic keys back into the wildcard path.
func (s *Spec) ConcretePath(f *FieldSpec, keys []string) (string, error) {
	if f == nil {
		return "", ErrUnknownField
	}
	if len(keys) != f.wildcard {
		return "", fmt.Errorf("field %q expects %d dynamic keys, got %d", f.Path, f.wildcard, len(keys))
	}
	if f.wildcard == 0 {
		return f.Path, nil
	}
	out := make([]string, len(f.segments))
	next := 0
	for i, seg := range f.segments {
		if seg == "*" {
			out[i] = keys[next]
			next++
		} else {
			out[i] = seg
		}
	}
	return strings.Join(out, "."), nil
}

func matchSegments(pattern, concrete []string) bool {
	if len(pattern) != len(concrete) {
		return false
	}
	for i, seg := range pattern {
		if seg != "*" && seg != concrete[i] {
			return false
		}
	}
	return true
}

// PathHash digests a registered path with 32-bit FNV-1a, the identifier used
// by compressed patches on the wire.
func PathHash(path string) uint32 {
	const (
		offset32 uint32 = 0x811c9dc5
		prime32  uint32 = 0x01000193
	)
	h := offset32
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= prime32
	}
	return h
}
