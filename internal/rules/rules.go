// Package rules holds a small playable rule set: a one-off setup step, then
// per player a combat move, a battle and an end of turn with income.
package rules

import (
	"errors"
	"strings"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/messaging"
	"strategos.gg/internal/protocol"
)

// Delegate type ids, as written in save files.
const (
	TypeSetup   = "setup"
	TypeMove    = "move"
	TypeCombat  = "combat"
	TypeEndTurn = "end_turn"
)

// Property keys read by the delegates.
const (
	PropSetupDone      = "setup.done"
	PropStartingPUs    = "setup.starting_pus"
	PropIncome         = "income_per_territory"
	PropMaxRounds      = "max_rounds"
	PropAttackHit      = "combat.attack_hit"
	PropDefendHit      = "combat.defend_hit"
	PropCombatMaxTurns = "combat.max_turns"
)

const Resource = "PUs"

var (
	ErrUnknownTerritory = errors.New("unknown territory")
	ErrNotOwner         = errors.New("territory not owned by player")
	ErrNotNeighbor      = errors.New("territories are not neighbors")
	ErrNotEnoughUnits   = errors.New("not enough units")
)

func init() {
	messaging.RegisterCode(ErrUnknownTerritory, protocol.ErrInvalidTarget)
	messaging.RegisterCode(ErrNotOwner, protocol.ErrNotYourTurn)
	messaging.RegisterCode(ErrNotNeighbor, protocol.ErrInvalidTarget)
	messaging.RegisterCode(ErrNotEnoughUnits, protocol.ErrNoResource)
}

// Registry knows every delegate type of the rule set.
func Registry() *delegate.Registry {
	r := delegate.NewRegistry()
	r.Register(TypeSetup, func() delegate.Delegate { return &Setup{} })
	r.Register(TypeMove, func() delegate.Delegate { return &Move{} })
	r.Register(TypeCombat, func() delegate.Delegate { return &Combat{} })
	r.Register(TypeEndTurn, func() delegate.Delegate { return &EndTurn{} })
	return r
}

// Delegates builds the delegate set the steps of Demo refer to.
func Delegates() *delegate.Set {
	r := Registry()
	s := delegate.NewSet()
	for _, d := range []struct{ typeID, name, display string }{
		{TypeSetup, "setup", "Setup"},
		{TypeMove, "move", "Combat Move"},
		{TypeCombat, "battle", "Battle"},
		{TypeEndTurn, "endTurn", "End Turn"},
	} {
		del, err := r.Create(d.typeID, d.name, d.display)
		if err != nil {
			panic(err)
		}
		s.Add(del)
	}
	return s
}

// Steps returns the turn of one player.
func Steps(player string) []data.Step {
	lower := player
	if lower != "" {
		lower = strings.ToLower(lower[:1]) + lower[1:]
	}
	return []data.Step{
		{Name: lower + "CombatMove", DisplayName: player + " Combat Move", Delegate: "move", Player: player},
		{Name: lower + "Battle", DisplayName: player + " Battle", Delegate: "battle", Player: player},
		{Name: lower + "EndTurn", DisplayName: player + " End Turn", Delegate: "endTurn", Player: player},
	}
}

// Demo builds the two player sample game: Red and Blue keeps joined by a
// marsh and a ford.
func Demo() *savegame.Game {
	gd := data.New("Two Keeps")
	gd.AddPlayer("Red", "Human:Red", map[string]int{Resource: 0})
	gd.AddPlayer("Blue", "Human:Blue", map[string]int{Resource: 0})
	gd.AddTerritory("Red Keep", "Red", []string{"Marsh", "Ford"}, army("Red"))
	gd.AddTerritory("Marsh", "", []string{"Red Keep", "Blue Keep"}, nil)
	gd.AddTerritory("Ford", "", []string{"Red Keep", "Blue Keep"}, nil)
	gd.AddTerritory("Blue Keep", "Blue", []string{"Marsh", "Ford"}, army("Blue"))
	gd.SetInitialProperty(PropStartingPUs, "10")
	gd.SetInitialProperty(PropIncome, "3")
	gd.SetInitialProperty(PropMaxRounds, "12")

	seq := data.NewSequence(data.Step{Name: "gameSetup", DisplayName: "Setup", Delegate: "setup", MaxRunCount: 1})
	for _, p := range []string{"Red", "Blue"} {
		for _, st := range Steps(p) {
			seq.AddStep(st)
		}
	}
	gd.SetSequence(seq)
	return &savegame.Game{Data: gd, Delegates: Delegates()}
}

func army(owner string) []data.Unit {
	return append(data.NewUnits(4, "infantry", owner), data.NewUnits(2, "armour", owner)...)
}

// hitPoints of a unit type; types not listed die on the first hit.
func hitPoints(unitType string) int {
	if unitType == "armour" {
		return 2
	}
	return 1
}
