package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"landsync/runtime/internal/determinism"
	"landsync/runtime/internal/ident"
	"landsync/runtime/internal/land"
	"landsync/runtime/internal/statetree"
	"landsync/runtime/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Frame
	kicked bool
}

func (c *fakeConn) Send(frame wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *fakeConn) Kick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
}

func (c *fakeConn) lastOfKind(kind wire.MessageKind) (wire.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Kind == kind {
			return c.frames[i], true
		}
	}
	return wire.Frame{}, false
}

func counterDefinition() *land.Definition {
	spec := statetree.NewSpec()
	spec.MustRegister("counter", statetree.Broadcast)
	return &land.Definition{
		Type:         "counter",
		Spec:         spec,
		TickInterval: 50 * time.Millisecond,
		SyncInterval: 50 * time.Millisecond,
		OnInitialize: func(ctx *land.HandlerContext) error {
			return ctx.State.Set("counter", int64(0))
		},
		Actions: []*land.ActionHandler{{
			TypeName: "counter.IncrementAction",
			Handle: func(ctx *land.HandlerContext) (any, error) {
				v, _ := ctx.State.Get("counter")
				next := v.(int64) + 1
				if err := ctx.State.Set("counter", next); err != nil {
					return nil, err
				}
				return map[string]any{"counter": next}, nil
			},
		}},
	}
}

func testRouter(t *testing.T) (*Router, *determinism.ManualClock) {
	t.Helper()
	clock := determinism.NewManualClock(time.Unix(2000, 0))
	router := NewRouter(WithExecutorOptions(func(def *land.Definition, id ident.LandID) []land.Option {
		return []land.Option{land.WithClock(clock)}
	}))
	if err := router.RegisterDefinition(counterDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return router, clock
}

func joinFrame(requestID, landType, instance, playerID string) wire.Frame {
	return wire.Frame{Kind: wire.KindJoin, Join: &wire.JoinRequest{
		RequestID: requestID,
		LandType:  landType,
		LandInstanceID: instance,
		PlayerID:  playerID,
	}}
}

func TestJoinCreatesLandAndReturnsCanonicalID(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)

	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "counter", "", "p1"))
	resp, ok := conn.lastOfKind(wire.KindJoinResponse)
	if !ok {
		t.Fatalf("no join response delivered")
	}
	jr := resp.JoinResponse
	if !jr.Success || jr.RequestID != "r1" {
		t.Fatalf("unexpected response %+v", jr)
	}
	//1.- The canonical id combines the type with the drawn instance.
	if jr.LandType != "counter" || jr.LandInstanceID == "" || jr.LandID != "counter:"+jr.LandInstanceID {
		t.Fatalf("canonical id malformed: %+v", jr)
	}
	if router.LandCount() != 1 {
		t.Fatalf("expected one land, got %d", router.LandCount())
	}

	//2.- A second join naming the instance reuses the executor.
	conn2 := &fakeConn{}
	router.Connect("c2", conn2)
	router.HandleFrame(context.Background(), "c2", joinFrame("r2", "counter", jr.LandInstanceID, "p2"))
	resp2, ok := conn2.lastOfKind(wire.KindJoinResponse)
	if !ok || !resp2.JoinResponse.Success {
		t.Fatalf("second join failed: %+v", resp2)
	}
	if resp2.JoinResponse.LandID != jr.LandID {
		t.Fatalf("second join landed elsewhere: %q vs %q", resp2.JoinResponse.LandID, jr.LandID)
	}
	if router.LandCount() != 1 {
		t.Fatalf("router created a duplicate land")
	}
}

func TestJoinStaleInstanceReassignsToExistingLand(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "counter", "", "p1"))
	resp, _ := conn.lastOfKind(wire.KindJoinResponse)
	canonical := resp.JoinResponse.LandID

	//1.- A stale instance id must land in the live same-type executor instead
	// of minting an empty land.
	conn2 := &fakeConn{}
	router.Connect("c2", conn2)
	router.HandleFrame(context.Background(), "c2", joinFrame("r2", "counter", "gone-instance", "p2"))
	resp2, ok := conn2.lastOfKind(wire.KindJoinResponse)
	if !ok || !resp2.JoinResponse.Success {
		t.Fatalf("reassigned join failed: %+v", resp2)
	}
	if resp2.JoinResponse.LandID != canonical {
		t.Fatalf("join not reassigned: got %q, want %q", resp2.JoinResponse.LandID, canonical)
	}
	if router.LandCount() != 1 {
		t.Fatalf("stale instance minted a new land")
	}
}

func TestUnattributedErrorFansOutToAllViews(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	a := &fakeConn{}
	b := &fakeConn{}
	router.Connect("c1", a)
	router.Connect("c2", b)

	//1.- An error for a connection the router no longer knows reaches every
	// live view as a last resort.
	router.HandleFrame(context.Background(), "ghost", wire.Frame{Kind: wire.KindAction, Action: &wire.ActionRequest{
		RequestID:      "r1",
		TypeIdentifier: "increment",
	}})
	for name, conn := range map[string]*fakeConn{"c1": a, "c2": b} {
		if _, ok := conn.lastOfKind(wire.KindError); !ok {
			t.Fatalf("view %s did not receive the fanned-out error", name)
		}
	}
}

func TestJoinUnknownTypeFails(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "dungeon", "", "p1"))
	resp, ok := conn.lastOfKind(wire.KindJoinResponse)
	if !ok || resp.JoinResponse.Success {
		t.Fatalf("expected failed join, got %+v", resp)
	}
}

func TestActionRoutesThroughBinding(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "counter", "", "p1"))

	//1.- Action frames carry no land id; the binding resolves it.
	router.HandleFrame(context.Background(), "c1", wire.Frame{Kind: wire.KindAction, Action: &wire.ActionRequest{
		RequestID:      "r2",
		TypeIdentifier: "increment",
	}})
	resp, ok := conn.lastOfKind(wire.KindActionResponse)
	if !ok {
		t.Fatalf("no action response delivered")
	}
	if !resp.ActionResponse.Success || resp.ActionResponse.RequestID != "r2" {
		t.Fatalf("unexpected response %+v", resp.ActionResponse)
	}
}

func TestActionWithoutJoinIsRejected(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", wire.Frame{Kind: wire.KindAction, Action: &wire.ActionRequest{
		RequestID:      "r1",
		TypeIdentifier: "increment",
	}})
	resp, ok := conn.lastOfKind(wire.KindError)
	if !ok {
		t.Fatalf("expected an error frame")
	}
	if resp.Error.RequestID != "r1" {
		t.Fatalf("error frame lost the request id: %+v", resp.Error)
	}
}

func TestKickOldEvictsStaleConnection(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	old := &fakeConn{}
	router.Connect("c1", old)
	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "counter", "", "p1"))
	resp, _ := old.lastOfKind(wire.KindJoinResponse)

	fresh := &fakeConn{}
	router.Connect("c2", fresh)
	router.HandleFrame(context.Background(), "c2", joinFrame("r2", "counter", resp.JoinResponse.LandInstanceID, "p1"))

	//1.- The stale connection is kicked and unbound.
	old.mu.Lock()
	kicked := old.kicked
	old.mu.Unlock()
	if !kicked {
		t.Fatalf("old connection was not kicked")
	}
	resp2, ok := fresh.lastOfKind(wire.KindJoinResponse)
	if !ok || !resp2.JoinResponse.Success {
		t.Fatalf("replacement join failed: %+v", resp2)
	}
}

func TestDisconnectLeavesLand(t *testing.T) {
	router, _ := testRouter(t)
	defer router.CloseAll()
	conn := &fakeConn{}
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", joinFrame("r1", "counter", "", "p1"))
	ids := router.Lands()
	if len(ids) != 1 {
		t.Fatalf("expected one land")
	}
	router.Disconnect(context.Background(), "c1")
	//1.- The binding is gone, so further frames error out.
	router.Connect("c1", conn)
	router.HandleFrame(context.Background(), "c1", wire.Frame{Kind: wire.KindAction, Action: &wire.ActionRequest{RequestID: "r9", TypeIdentifier: "increment"}})
	if _, ok := conn.lastOfKind(wire.KindError); !ok {
		t.Fatalf("expected error after disconnect")
	}
}
