package rules

import (
	"context"
	"fmt"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
)

// Combat fights out every territory where the step's player stands next to
// someone else's units. Each combat turn both sides roll a die per unit;
// attackers hit on PropAttackHit or less, defenders on PropDefendHit or less.
type Combat struct {
	delegate.Base
}

func (*Combat) TypeID() string             { return TypeCombat }
func (*Combat) RequiresUserInput() bool    { return false }
func (*Combat) End(context.Context) error  { return nil }
func (*Combat) SaveState() ([]byte, error) { return nil, nil }
func (*Combat) LoadState([]byte) error     { return nil }

type battle struct {
	territory string
	owner     string
	attackers []data.Unit
	defenders []data.Unit
}

// defender is whoever owns the first defending unit.
func (bt battle) defender() string {
	if len(bt.defenders) == 0 {
		return ""
	}
	return bt.defenders[0].Owner
}

type combatRules struct {
	sides, attackHit, defendHit, maxTurns int
}

func (c *Combat) Start(ctx context.Context, b delegate.Bridge) error {
	player := b.Player()
	gd := b.Data()
	u := gd.AcquireReadLock()
	r := combatRules{
		sides:     gd.DiceSides(),
		attackHit: gd.PropertyInt(PropAttackHit, 3),
		defendHit: gd.PropertyInt(PropDefendHit, 2),
		maxTurns:  gd.PropertyInt(PropCombatMaxTurns, 16),
	}
	var battles []battle
	for _, t := range gd.Territories() {
		bt := battle{territory: t.Name(), owner: t.Owner()}
		for _, unit := range t.Units() {
			if unit.Owner == player {
				bt.attackers = append(bt.attackers, unit)
			} else {
				bt.defenders = append(bt.defenders, unit)
			}
		}
		if len(bt.attackers) > 0 && len(bt.defenders) > 0 {
			battles = append(battles, bt)
		}
	}
	u.Unlock()

	for _, bt := range battles {
		if err := c.fight(ctx, b, r, bt); err != nil {
			return fmt.Errorf("battle in %s: %w", bt.territory, err)
		}
	}
	return nil
}

func (c *Combat) fight(ctx context.Context, b delegate.Bridge, r combatRules, bt battle) error {
	player, enemy := b.Player(), bt.defender()
	w := b.History()
	w.StartEvent(fmt.Sprintf("%s attacks %s in %s", player, enemy, bt.territory))

	for turn := 1; turn <= r.maxTurns && len(bt.attackers) > 0 && len(bt.defenders) > 0; turn++ {
		ah, err := rollHits(ctx, b, r.sides, len(bt.attackers), r.attackHit, player,
			fmt.Sprintf("%s attack in %s, turn %d", player, bt.territory, turn))
		if err != nil {
			return err
		}
		dh, err := rollHits(ctx, b, r.sides, len(bt.defenders), r.defendHit, enemy,
			fmt.Sprintf("%s defense in %s, turn %d", enemy, bt.territory, turn))
		if err != nil {
			return err
		}

		comp := data.NewComposite()
		var lost []string
		bt.defenders, lost = casualties(comp, bt.territory, bt.defenders, ah)
		for _, l := range lost {
			w.AddChildToEvent(fmt.Sprintf("%s loses %s", enemy, l), nil)
		}
		bt.attackers, lost = casualties(comp, bt.territory, bt.attackers, dh)
		for _, l := range lost {
			w.AddChildToEvent(fmt.Sprintf("%s loses %s", player, l), nil)
		}
		if err := b.AddChange(comp); err != nil {
			return err
		}
	}

	switch {
	case len(bt.defenders) == 0 && len(bt.attackers) > 0:
		if bt.owner != player {
			gd := b.Data()
			u := gd.AcquireReadLock()
			take := data.NewChangeOwner(gd, bt.territory, player)
			u.Unlock()
			if err := b.AddChange(take); err != nil {
				return err
			}
		}
		w.AddChildToEvent(fmt.Sprintf("%s wins in %s", player, bt.territory), nil)
	case len(bt.attackers) == 0:
		w.AddChildToEvent(fmt.Sprintf("%s holds %s", enemy, bt.territory), nil)
	default:
		w.AddChildToEvent(fmt.Sprintf("Battle in %s is undecided", bt.territory), nil)
	}
	return nil
}

// rollHits rolls one die per unit and counts the faces at or below hitOn.
func rollHits(ctx context.Context, b delegate.Bridge, sides, dice, hitOn int, player, annotation string) (int, error) {
	values, err := b.Random(ctx, sides, dice, player, "combat", annotation)
	if err != nil {
		return 0, err
	}
	hits := 0
	for _, v := range values {
		if v+1 <= hitOn {
			hits++
		}
	}
	return hits, nil
}

// casualties spends hits on units front to back. A unit with hit points left
// takes damage; the rest are removed. It returns the survivors and a
// description of each removed unit.
func casualties(comp *data.CompositeChange, territory string, units []data.Unit, hits int) ([]data.Unit, []string) {
	var (
		removed  []data.Unit
		damaged  []data.UnitHit
		survived []data.Unit
		lost     []string
	)
	for _, unit := range units {
		if hits == 0 {
			survived = append(survived, unit)
			continue
		}
		left := hitPoints(unit.Type) - unit.Hits
		if hits >= left {
			hits -= left
			removed = append(removed, unit)
			lost = append(lost, unit.Type)
			continue
		}
		damaged = append(damaged, data.UnitHit{ID: unit.ID, Delta: hits})
		unit.Hits += hits
		hits = 0
		survived = append(survived, unit)
	}
	if len(removed) > 0 {
		comp.Add(&data.RemoveUnits{Territory: territory, Units: removed})
	}
	if len(damaged) > 0 {
		comp.Add(&data.UnitsHit{Territory: territory, Hits: damaged})
	}
	return survived, lost
}
