package wire

import (
	"fmt"
	"sort"
)

// ReplayTickEvent is the built-in system event reporting one re-evaluated
// tick; it is recognised by every codec without land schema registration.
const ReplayTickEvent = "ReplayTick"

// EventSchemas maps event types to their declared field order, enabling the
// compact array payload form.
type EventSchemas struct {
	order map[string][]string
}

// NewEventSchemas starts an empty dictionary.
func NewEventSchemas() *EventSchemas {
	return &EventSchemas{order: make(map[string][]string)}
}

// SystemEventSchemas returns the dictionary preloaded with the runtime's
// built-in events.
func SystemEventSchemas() *EventSchemas {
	s := NewEventSchemas()
	s.Register(ReplayTickEvent, []string{"tickId", "isMatch", "expectedHash", "actualHash"})
	return s
}

// Register declares the field order for one event type.
func (s *EventSchemas) Register(eventType string, fields []string) {
	s.order[eventType] = append([]string(nil), fields...)
}

// Registered reports whether a type has a declared field order.
func (s *EventSchemas) Registered(eventType string) bool {
	if s == nil {
		return false
	}
	_, ok := s.order[eventType]
	return ok
}

// Pack lowers an event payload object into its field-ordered array.
func (s *EventSchemas) Pack(eventType string, payload map[string]any) ([]any, error) {
	fields, ok := s.order[eventType]
	if !ok {
		return nil, fmt.Errorf("event type %q has no declared field order", eventType)
	}
	out := make([]any, len(fields))
	for i, name := range fields {
		out[i] = payload[name]
	}
	//1.- Reject stray keys so schema drift fails loudly instead of silently
	// dropping data.
	known := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		known[name] = struct{}{}
	}
	var extra []string
	for k := range payload {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("event type %q carries undeclared fields %v", eventType, extra)
	}
	return out, nil
}

// Unpack reconstructs the payload object from a field-ordered array.
func (s *EventSchemas) Unpack(eventType string, fields []any) (map[string]any, error) {
	order, ok := s.order[eventType]
	if !ok {
		return nil, fmt.Errorf("event type %q has no declared field order", eventType)
	}
	if len(fields) != len(order) {
		return nil, fmt.Errorf("event type %q expects %d fields, got %d", eventType, len(order), len(fields))
	}
	out := make(map[string]any, len(order))
	for i, name := range order {
		out[name] = fields[i]
	}
	return out, nil
}

// ReplayTick is the decoded form of the built-in re-evaluation event.
type ReplayTick struct {
	TickID       int64
	IsMatch      bool
	ExpectedHash string
	ActualHash   string
}

// PackReplayTick builds the array payload of a ReplayTick event.
func PackReplayTick(rt ReplayTick) []any {
	return []any{rt.TickID, rt.IsMatch, rt.ExpectedHash, rt.ActualHash}
}

// UnpackReplayTick parses a ReplayTick array payload.
func UnpackReplayTick(fields []any) (ReplayTick, error) {
	if len(fields) != 4 {
		return ReplayTick{}, fmt.Errorf("replay tick expects 4 fields, got %d", len(fields))
	}
	tickID, ok := asInt(fields[0])
	if !ok {
		return ReplayTick{}, fmt.Errorf("replay tick id %T", fields[0])
	}
	isMatch, ok := fields[1].(bool)
	if !ok {
		return ReplayTick{}, fmt.Errorf("replay tick isMatch %T", fields[1])
	}
	return ReplayTick{
		TickID:       tickID,
		IsMatch:      isMatch,
		ExpectedHash: asStringOr(fields[2]),
		ActualHash:   asStringOr(fields[3]),
	}, nil
}
