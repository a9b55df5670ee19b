package land

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/logging"
	"landsync/runtime/internal/record"
	"landsync/runtime/internal/resolver"
	"landsync/runtime/internal/snapshot"
	"landsync/runtime/internal/wire"
)

// EventMismatch reports one divergence between recorded and re-evaluated
// server events.
type EventMismatch struct {
	TickID   int64
	Index    int
	Expected string
	Actual   string
	Reason   string
}

// FieldDiff reports one snapshot divergence against a JSONL export baseline.
type FieldDiff struct {
	TickID int64
	Path   string
	Reason string
}

// ReevalResult summarises one re-evaluation run. Mismatches are data, not
// errors; only structural failures (bad record, unknown land type) error out.
type ReevalResult struct {
	MaxTickID             int64
	TickHashes            map[int64]string
	RecordedStateHashes   map[int64]string
	ServerEventMismatches []EventMismatch
	FieldDiffs            []FieldDiff
}

// HashMatches reports whether every recorded hash was reproduced and no
// server event mismatched.
func (r ReevalResult) HashMatches() bool {
	for tick, recorded := range r.RecordedStateHashes {
		if recorded == "" {
			continue
		}
		if r.TickHashes[tick] != recorded {
			return false
		}
	}
	return len(r.ServerEventMismatches) == 0
}

// Reevaluator steps a recorded timeline through a fresh executor with the
// auto loops disabled, comparing hashes and server events tick by tick.
type Reevaluator struct {
	exec      *Reevaluation
	recording record.Recording
	log       *logging.Logger
	baseline  map[int64]record.ExportLine
	emit      func(wire.Frame)
	source    *recordedOutputs
}

// Reevaluation wraps an executor constructed in re-evaluation mode.
type Reevaluation struct {
	*Executor
}

// ReevalOption configures a re-evaluation run.
type ReevalOption func(*Reevaluator)

// WithReevalLogger attaches a logger to the run.
func WithReevalLogger(log *logging.Logger) ReevalOption {
	return func(r *Reevaluator) {
		if log != nil {
			r.log = log
		}
	}
}

// WithExportBaseline enables field-level diffing against a JSONL export.
func WithExportBaseline(lines []record.ExportLine) ReevalOption {
	return func(r *Reevaluator) {
		r.baseline = make(map[int64]record.ExportLine, len(lines))
		for _, line := range lines {
			r.baseline[line.TickID] = line
		}
	}
}

// WithReplayTickSink receives one ReplayTick system event frame per stepped
// tick, for streaming progress to observers.
func WithReplayTickSink(emit func(wire.Frame)) ReevalOption {
	return func(r *Reevaluator) { r.emit = emit }
}

// NewReevaluator builds the re-evaluation executor for a recording.
func NewReevaluator(def *Definition, rec record.Recording, opts ...ReevalOption) (*Reevaluator, error) {
	if def == nil {
		return nil, fmt.Errorf("land definition must be provided")
	}
	landID, err := ident.ParseLandID(rec.Metadata.LandID)
	if err != nil {
		return nil, fmt.Errorf("record metadata: %w", err)
	}
	if def.Type != rec.Metadata.LandType {
		return nil, fmt.Errorf("definition %q does not match recorded land type %q", def.Type, rec.Metadata.LandType)
	}

	r := &Reevaluator{recording: rec, log: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}

	//1.- The seed always derives from the land id; a recorded mismatch is
	// logged and the derived value wins.
	derived := determinism.SeedForLand(landID)
	if rec.Metadata.RngSeed != 0 && rec.Metadata.RngSeed != derived {
		r.log.Warn("recorded rng seed disagrees with derived seed",
			logging.Uint64("recorded", rec.Metadata.RngSeed),
			logging.Uint64("derived", derived))
	}

	e := newExecutor(def, landID, modeReevaluation)
	e.log = r.log.With(logging.String("land_id", landID.String()))
	e.recorder = record.Disabled()
	r.source = newRecordedOutputs()
	e.resolverSource = r.source
	if err := e.initialize(); err != nil {
		return nil, err
	}
	r.exec = &Reevaluation{Executor: e}
	return r, nil
}

// Run steps every recorded tick and returns the comparison result.
func (r *Reevaluator) Run(ctx context.Context) (ReevalResult, error) {
	result := ReevalResult{
		MaxTickID:           r.recording.MaxTickID(),
		TickHashes:          make(map[int64]string),
		RecordedStateHashes: make(map[int64]string),
	}
	//1.- An empty record re-evaluates without stepping any ticks.
	for tick := int64(0); tick <= result.MaxTickID; tick++ {
		if err := r.StepTickOnce(ctx, tick, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// StepTickOnce replays one tick: lifecycle first, then inputs in sequence
// order, then the tick handler, then the comparisons.
func (r *Reevaluator) StepTickOnce(ctx context.Context, tick int64, result *ReevalResult) error {
	e := r.exec.Executor
	frame, _ := r.recording.Frame(tick)

	if frame != nil {
		//1.- Recorded lifecycle events apply before any input.
		lifecycle := append([]record.LifecycleRecord(nil), frame.Lifecycle...)
		sort.Slice(lifecycle, func(i, j int) bool { return lifecycle[i].Sequence < lifecycle[j].Sequence })
		for _, lc := range lifecycle {
			// Prime this input's recorded resolver outputs before applying.
			r.source.set(lifecycleKey(lc.Kind, ident.PlayerID(lc.PlayerID)), lc.ResolverOutputs)
			switch lc.Kind {
			case record.LifecycleJoin:
				e.join(ctx, JoinParams{
					PlayerID:  ident.PlayerID(lc.PlayerID),
					ClientID:  ident.ClientID(lc.ClientID),
					SessionID: ident.SessionID(lc.SessionID),
				})
			case record.LifecycleLeave:
				if err := e.leave(ctx, ident.PlayerID(lc.PlayerID), ident.ClientID(lc.ClientID), false); err != nil {
					r.log.Warn("replay leave failed", logging.Int64("tick", tick), logging.Error(err))
				}
			}
		}

		//2.- Actions and client events interleave by their recorded sequence.
		type input struct {
			seq    uint64
			action *record.ActionRecord
			event  *record.ClientEventRecord
		}
		inputs := make([]input, 0, len(frame.Actions)+len(frame.ClientEvents))
		for i := range frame.Actions {
			inputs = append(inputs, input{seq: frame.Actions[i].Sequence, action: &frame.Actions[i]})
		}
		for i := range frame.ClientEvents {
			inputs = append(inputs, input{seq: frame.ClientEvents[i].Sequence, event: &frame.ClientEvents[i]})
		}
		sort.Slice(inputs, func(i, j int) bool { return inputs[i].seq < inputs[j].seq })
		for _, in := range inputs {
			if in.action != nil {
				r.source.set(actionKey(in.action.RequestID), in.action.ResolverOutputs)
				_, frameErr := e.handleAction(ctx,
					ident.PlayerID(in.action.PlayerID),
					ident.ClientID(in.action.ClientID),
					in.action.RequestID,
					wire.ActionRequest{
						RequestID:      in.action.RequestID,
						TypeIdentifier: in.action.TypeIdentifier,
						Payload:        in.action.Payload,
					})
				if frameErr != nil {
					r.log.Warn("replay action failed",
						logging.Int64("tick", tick),
						logging.String("type", in.action.TypeIdentifier),
						logging.String("code", string(frameErr.Code)))
				}
				continue
			}
			frameErr := e.handleClientEvent(ctx,
				ident.PlayerID(in.event.PlayerID),
				ident.ClientID(in.event.ClientID),
				wire.EventMessage{Direction: wire.FromClient, Type: in.event.Type, Payload: in.event.Payload})
			if frameErr != nil {
				r.log.Warn("replay client event failed",
					logging.Int64("tick", tick),
					logging.String("type", in.event.Type),
					logging.String("code", string(frameErr.Code)))
			}
		}
	}

	//3.- The tick handler advances deterministic state.
	e.runTick()

	//4.- Hash the canonical full snapshot and compare against the record.
	hash, err := e.stateHash()
	if err != nil {
		return err
	}
	result.TickHashes[tick] = hash
	recordedHash := ""
	if frame != nil {
		recordedHash = frame.StateHash
		result.RecordedStateHashes[tick] = frame.StateHash
	}

	//5.- Compare emitted server events order- and content-sensitively.
	actual := e.queue.Drain()
	var recorded []record.ServerEventRecord
	if frame != nil {
		recorded = append(recorded, frame.ServerEvents...)
		sort.Slice(recorded, func(i, j int) bool { return recorded[i].Sequence < recorded[j].Sequence })
	}
	max := len(actual)
	if len(recorded) > max {
		max = len(recorded)
	}
	for i := 0; i < max; i++ {
		switch {
		case i >= len(recorded):
			result.ServerEventMismatches = append(result.ServerEventMismatches, EventMismatch{
				TickID: tick, Index: i, Actual: actual[i].Type, Reason: "event not present in recording",
			})
		case i >= len(actual):
			result.ServerEventMismatches = append(result.ServerEventMismatches, EventMismatch{
				TickID: tick, Index: i, Expected: recorded[i].Type, Reason: "recorded event not re-emitted",
			})
		case recorded[i].Type != actual[i].Type || !bytes.Equal(recorded[i].Payload, actual[i].Payload):
			result.ServerEventMismatches = append(result.ServerEventMismatches, EventMismatch{
				TickID: tick, Index: i, Expected: recorded[i].Type, Actual: actual[i].Type, Reason: "event content diverged",
			})
		}
	}

	//6.- Optional field-level diff against a streamed export baseline.
	if line, ok := r.baseline[tick]; ok {
		snap := snapshot.Extract(e.doc, snapshot.ModeAll, "")
		r.compareBaseline(tick, snap, line, result)
	}

	if r.emit != nil {
		r.emit(wire.Frame{Kind: wire.KindEvent, Event: &wire.EventMessage{
			Direction: wire.FromServer,
			Type:      wire.ReplayTickEvent,
			Fields: wire.PackReplayTick(wire.ReplayTick{
				TickID:       tick,
				IsMatch:      recordedHash == "" || recordedHash == hash,
				ExpectedHash: recordedHash,
				ActualHash:   hash,
			}),
		}})
	}
	return nil
}

func (r *Reevaluator) compareBaseline(tick int64, snap snapshot.Snapshot, line record.ExportLine, result *ReevalResult) {
	seen := make(map[string]struct{}, len(snap))
	for path, value := range snap {
		seen[path] = struct{}{}
		baseValue, ok := line.StateSnapshot[path]
		if !ok {
			result.FieldDiffs = append(result.FieldDiffs, FieldDiff{TickID: tick, Path: path, Reason: "missing from export"})
			continue
		}
		actualJSON, err1 := determinism.CanonicalJSON(value)
		baseJSON, err2 := determinism.CanonicalJSON(baseValue)
		if err1 != nil || err2 != nil || !bytes.Equal(actualJSON, baseJSON) {
			result.FieldDiffs = append(result.FieldDiffs, FieldDiff{TickID: tick, Path: path, Reason: "value diverged"})
		}
	}
	for path := range line.StateSnapshot {
		if _, ok := seen[path]; !ok {
			result.FieldDiffs = append(result.FieldDiffs, FieldDiff{TickID: tick, Path: path, Reason: "missing from re-evaluation"})
		}
	}
}

// recordedOutputs indexes every recorded resolver output by replay key.
type recordedOutputs struct {
	byKey map[any]map[string]resolver.Output
}

func newRecordedOutputs() *recordedOutputs {
	return &recordedOutputs{byKey: make(map[any]map[string]resolver.Output)}
}

func (r *recordedOutputs) set(key any, outputs map[string]resolver.Output) {
	if len(outputs) == 0 {
		delete(r.byKey, key)
		return
	}
	r.byKey[key] = outputs
}

// Resolve satisfies resolver.Source for callers without a replay key.
func (r *recordedOutputs) Resolve(ctx context.Context, set resolver.Set, rc *resolver.Context) (map[string]resolver.Output, error) {
	return nil, fmt.Errorf("recorded outputs require a replay key")
}

// ResolveKeyed returns the outputs captured for one specific input.
func (r *recordedOutputs) ResolveKeyed(_ context.Context, set resolver.Set, _ *resolver.Context, key any) (map[string]resolver.Output, error) {
	outputs, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %v", resolver.ErrMissingOutput, key)
	}
	return (resolver.RecordedSource{Outputs: outputs}).Resolve(context.Background(), set, nil)
}
