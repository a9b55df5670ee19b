package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/snapshot"
)

// ErrMissingOutput signals a recorded replay that lacks an expected resolver
// output, meaning the record and the land definition disagree.
var ErrMissingOutput = errors.New("recorded resolver output missing")

// Output is one resolver's product, captured into the recording at live time
// so replays can skip the body entirely.
type Output struct {
	TypeID string `json:"typeId"`
	Value  any    `json:"value"`
}

// Context is the read-only world a resolver body may consult. Everything
// non-deterministic a handler needs must flow through here and nowhere else.
type Context struct {
	LandID        ident.LandID
	PlayerID      ident.PlayerID
	TickID        int64
	ActionPayload []byte
	EventPayload  []byte
	State         snapshot.Snapshot
	RNG           *determinism.RNG
	Now           func() time.Time
}

// Func is a resolver body; it may suspend on external I/O.
type Func func(ctx context.Context, rc *Context) (any, error)

// Resolver is one declared pre-handler executor.
type Resolver struct {
	Name   string
	TypeID string
	Run    Func
}

// Set is the ordered resolver list a handler declares.
type Set []Resolver

// Failure wraps a resolver error with the failing executor's name.
type Failure struct {
	Name string
	Err  error
}

// Error renders the failure with its resolver name.
func (f *Failure) Error() string {
	return fmt.Sprintf("resolver %q failed: %v", f.Name, f.Err)
}

// Unwrap exposes the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// Source yields resolver outputs for one handler invocation. Live sources run
// the bodies; recorded sources replay captured values.
type Source interface {
	Resolve(ctx context.Context, set Set, rc *Context) (map[string]Output, error)
}

// LiveSource executes resolver bodies in declaration order.
type LiveSource struct{}

// Resolve runs every executor and collects outputs keyed by resolver name.
func (LiveSource) Resolve(ctx context.Context, set Set, rc *Context) (map[string]Output, error) {
	if len(set) == 0 {
		return nil, nil
	}
	outputs := make(map[string]Output, len(set))
	for _, r := range set {
		//1.- Bodies run sequentially so later resolvers may rely on earlier
		// draws having advanced the RNG stream.
		value, err := r.Run(ctx, rc)
		if err != nil {
			return nil, &Failure{Name: r.Name, Err: err}
		}
		outputs[r.Name] = Output{TypeID: r.TypeID, Value: value}
	}
	return outputs, nil
}

// RecordedSource replays outputs captured at live time; bodies never run.
type RecordedSource struct {
	Outputs map[string]Output
}

// Resolve returns the recorded output for every declared resolver.
func (s RecordedSource) Resolve(_ context.Context, set Set, _ *Context) (map[string]Output, error) {
	if len(set) == 0 {
		return nil, nil
	}
	outputs := make(map[string]Output, len(set))
	for _, r := range set {
		out, ok := s.Outputs[r.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingOutput, r.Name)
		}
		outputs[r.Name] = out
	}
	return outputs, nil
}
