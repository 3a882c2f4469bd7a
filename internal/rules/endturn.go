package rules

import (
	"context"
	"fmt"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
)

// EndTurn pays the step's player PropIncome per owned territory. It ends the
// game once a single player has units left on the map, or after the last turn
// of round PropMaxRounds.
type EndTurn struct {
	delegate.Base
}

func (*EndTurn) TypeID() string             { return TypeEndTurn }
func (*EndTurn) RequiresUserInput() bool    { return false }
func (*EndTurn) End(context.Context) error  { return nil }
func (*EndTurn) SaveState() ([]byte, error) { return nil, nil }
func (*EndTurn) LoadState([]byte) error     { return nil }

func (e *EndTurn) Start(_ context.Context, b delegate.Bridge) error {
	player := b.Player()
	gd := b.Data()
	u := gd.AcquireReadLock()
	owned := 0
	for _, t := range gd.Territories() {
		if t.Owner() == player {
			owned++
		}
	}
	income := owned * gd.PropertyInt(PropIncome, 1)
	winner := soleOwner(gd)
	maxRounds := gd.PropertyInt(PropMaxRounds, 0)
	lastTurn := maxRounds > 0 && gd.Sequence().Round() >= maxRounds && gd.Sequence().TestWeAreOnLastStep()
	u.Unlock()

	if income > 0 {
		b.History().StartEvent(fmt.Sprintf("%s collects %d %s for %d territories", player, income, Resource, owned))
		if err := b.AddChange(&data.ChangeResource{Player: player, Resource: Resource, Delta: income}); err != nil {
			return err
		}
	}
	switch {
	case winner != "":
		b.History().StartEvent(winner + " controls the map")
		b.StopGame(winner)
	case lastTurn:
		b.History().StartEvent(fmt.Sprintf("Round %d was the last round", maxRounds))
		b.StopGame("")
	}
	return nil
}

// soleOwner returns the only player owning units on the map, or "".
func soleOwner(gd *data.GameData) string {
	owner := ""
	for _, t := range gd.Territories() {
		for _, unit := range t.Units() {
			switch owner {
			case "":
				owner = unit.Owner
			case unit.Owner:
			default:
				return ""
			}
		}
	}
	return owner
}
