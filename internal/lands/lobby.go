package lands

import (
	"time"

	"landsync/runtime/internal/land"
	"landsync/runtime/internal/statetree"
)

// Lobby is the built-in land type: a presence lobby that counts occupants and
// lets them set a shared topic. Real deployments register their own
// definitions alongside it.
func Lobby() *land.Definition {
	spec := statetree.NewSpec()
	spec.MustRegister("topic", statetree.Broadcast)
	spec.MustRegister("occupants", statetree.Broadcast)
	spec.MustRegister("players.*.joinedTick", statetree.Broadcast)
	spec.MustRegister("players.*.note", statetree.PerClient)

	return &land.Definition{
		Type:                  "lobby",
		Spec:                  spec,
		TickInterval:          100 * time.Millisecond,
		SyncInterval:          100 * time.Millisecond,
		MaxPlayers:            64,
		DestroyWhenEmptyAfter: 30 * time.Second,
		TrackDirty:            true,
		OnInitialize: func(ctx *land.HandlerContext) error {
			if err := ctx.State.Set("topic", ""); err != nil {
				return err
			}
			return ctx.State.Set("occupants", int64(0))
		},
		OnJoin: &land.LifecycleHandler{
			Handle: func(ctx *land.HandlerContext) error {
				occupants, _ := ctx.State.Get("occupants")
				if err := ctx.State.Set("occupants", asInt(occupants)+1); err != nil {
					return err
				}
				if err := ctx.State.Set("players."+string(ctx.PlayerID)+".joinedTick", ctx.TickID); err != nil {
					return err
				}
				return ctx.Emit("PlayerJoined", map[string]any{"player": string(ctx.PlayerID)})
			},
		},
		OnLeave: &land.LifecycleHandler{
			Handle: func(ctx *land.HandlerContext) error {
				occupants, _ := ctx.State.Get("occupants")
				if err := ctx.State.Set("occupants", asInt(occupants)-1); err != nil {
					return err
				}
				ctx.State.Delete("players." + string(ctx.PlayerID) + ".joinedTick")
				ctx.State.Delete("players." + string(ctx.PlayerID) + ".note")
				return ctx.Emit("PlayerLeft", map[string]any{"player": string(ctx.PlayerID)})
			},
		},
		Actions: []*land.ActionHandler{
			{
				TypeName: "lobby.SetTopicAction",
				Handle: func(ctx *land.HandlerContext) (any, error) {
					obj, _ := ctx.Payload.(map[string]any)
					topic, _ := obj["topic"].(string)
					if err := ctx.State.Set("topic", topic); err != nil {
						return nil, err
					}
					return map[string]any{"topic": topic}, nil
				},
			},
			{
				TypeName: "lobby.SetNoteAction",
				Handle: func(ctx *land.HandlerContext) (any, error) {
					obj, _ := ctx.Payload.(map[string]any)
					note, _ := obj["note"].(string)
					path := "players." + string(ctx.PlayerID) + ".note"
					if err := ctx.State.Set(path, note); err != nil {
						return nil, err
					}
					return map[string]any{"note": note}, nil
				},
			},
		},
		ClientEvents: map[string][]*land.EventHandler{},
	}
}

// asInt tolerates the float64 form values take after a record reload.
func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
