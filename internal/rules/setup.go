package rules

import (
	"context"
	"fmt"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
)

// Setup hands out the starting PUs once per game.
type Setup struct {
	delegate.Base
}

func (*Setup) TypeID() string             { return TypeSetup }
func (*Setup) RequiresUserInput() bool    { return false }
func (*Setup) End(context.Context) error  { return nil }
func (*Setup) SaveState() ([]byte, error) { return nil, nil }
func (*Setup) LoadState([]byte) error     { return nil }

func (s *Setup) Start(_ context.Context, b delegate.Bridge) error {
	gd := b.Data()
	u := gd.AcquireReadLock()
	if gd.PropertyBool(PropSetupDone) {
		u.Unlock()
		return nil
	}
	pus := gd.PropertyInt(PropStartingPUs, 0)
	players := gd.PlayerNames()
	territories := len(gd.Territories())
	comp := data.NewComposite(data.NewSetProperty(gd, PropSetupDone, "true"))
	u.Unlock()

	if pus > 0 {
		for _, p := range players {
			comp.Add(&data.ChangeResource{Player: p, Resource: Resource, Delta: pus})
		}
	}
	b.History().StartEvent(fmt.Sprintf("Game setup: %d players on %d territories", len(players), territories))
	return b.AddChange(comp)
}
