package rules

import (
	"context"
	"errors"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/player"
)

const AILabel = "AI:Greedy"

// NewAI returns a player that, on every move step, marches all but one
// infantry out of each territory it holds into the first neighbor it does
// not own.
func NewAI(name string) *player.Scripted {
	return player.NewScripted(name, AILabel, func(ctx context.Context, b player.Bridge, stepName string) error {
		if !data.IsMoveStep(stepName) {
			return nil
		}
		for _, req := range plan(b.Data(), name) {
			_, err := b.CallDelegate(ctx, MethodMove, req)
			if err != nil && !errors.Is(err, ErrNotEnoughUnits) && !errors.Is(err, ErrNotNeighbor) {
				return err
			}
		}
		return nil
	})
}

func plan(gd *data.GameData, name string) []MoveRequest {
	u := gd.AcquireReadLock()
	defer u.Unlock()
	var out []MoveRequest
	for _, t := range gd.Territories() {
		if t.Owner() != name {
			continue
		}
		target := ""
		for _, n := range t.Neighbors() {
			if nt := gd.Territory(n); nt != nil && nt.Owner() != name {
				target = n
				break
			}
		}
		if target == "" {
			continue
		}
		if n := t.UnitCount("infantry", name) - 1; n > 0 {
			out = append(out, MoveRequest{From: t.Name(), To: target, Type: "infantry", Count: n})
		}
		if n := t.UnitCount("armour", name); n > 0 {
			out = append(out, MoveRequest{From: t.Name(), To: target, Type: "armour", Count: n})
		}
	}
	return out
}
