package data

import (
	"fmt"

	"github.com/google/uuid"
)

// Change is one invertible mutation of GameData. For any state s on which c
// applies, applying c then c.Invert() yields s again.
//
// Perform must be called with the write lock held; use GameData.PerformChange.
type Change interface {
	Kind() string
	Perform(d *GameData) error
	Invert() Change
}

const (
	KindAddUnits    = "add_units"
	KindRemoveUnits = "remove_units"
	KindOwner       = "owner"
	KindResource    = "resource"
	KindProperty    = "property"
	KindWhoAmI      = "who_am_i"
	KindUnitsHit    = "units_hit"
	KindComposite   = "composite"
)

// AddUnits appends Units to a territory. When At is set, Units[i] is inserted
// at index At[i] of the resulting unit list instead.
type AddUnits struct {
	Territory string `json:"territory"`
	Units     []Unit `json:"units"`
	At        []int  `json:"at,omitempty"`
}

func (c *AddUnits) Kind() string              { return KindAddUnits }
func (c *AddUnits) Perform(d *GameData) error { return d.addUnits(c.Territory, c.Units, c.At) }
func (c *AddUnits) Invert() Change {
	return &RemoveUnits{Territory: c.Territory, Units: append([]Unit(nil), c.Units...)}
}
func (c *AddUnits) String() string { return fmt.Sprintf("add %d units to %s", len(c.Units), c.Territory) }

// RemoveUnits takes Units out of a territory. Perform records the index each
// unit had in Indices so the inverse puts it back in place.
type RemoveUnits struct {
	Territory string `json:"territory"`
	Units     []Unit `json:"units"`
	Indices   []int  `json:"indices,omitempty"`
}

func (c *RemoveUnits) Kind() string { return KindRemoveUnits }
func (c *RemoveUnits) Perform(d *GameData) error {
	idx, err := d.removeUnits(c.Territory, c.Units)
	if err != nil {
		return err
	}
	c.Indices = idx
	return nil
}

// Invert re-inserts the units at their recorded indices. Without indices the
// units are appended.
func (c *RemoveUnits) Invert() Change {
	out := &AddUnits{Territory: c.Territory, Units: append([]Unit(nil), c.Units...)}
	if len(c.Indices) == len(c.Units) && len(c.Units) > 0 {
		out.At = append([]int(nil), c.Indices...)
	}
	return out
}
func (c *RemoveUnits) String() string {
	return fmt.Sprintf("remove %d units from %s", len(c.Units), c.Territory)
}

type ChangeOwner struct {
	Territory string `json:"territory"`
	Old       string `json:"old"`
	New       string `json:"new"`
}

func (c *ChangeOwner) Kind() string              { return KindOwner }
func (c *ChangeOwner) Perform(d *GameData) error { return d.setOwner(c.Territory, c.Old, c.New) }
func (c *ChangeOwner) Invert() Change {
	return &ChangeOwner{Territory: c.Territory, Old: c.New, New: c.Old}
}
func (c *ChangeOwner) String() string {
	return fmt.Sprintf("%s changes owner %q -> %q", c.Territory, c.Old, c.New)
}

type ChangeResource struct {
	Player   string `json:"player"`
	Resource string `json:"resource"`
	Delta    int    `json:"delta"`
}

func (c *ChangeResource) Kind() string { return KindResource }
func (c *ChangeResource) Perform(d *GameData) error {
	return d.addResource(c.Player, c.Resource, c.Delta)
}
func (c *ChangeResource) Invert() Change {
	return &ChangeResource{Player: c.Player, Resource: c.Resource, Delta: -c.Delta}
}

// SetProperty replaces a property value. OldSet/NewSet distinguish an absent
// property from an empty string.
type SetProperty struct {
	Key    string `json:"key"`
	Old    string `json:"old,omitempty"`
	OldSet bool   `json:"old_set"`
	New    string `json:"new,omitempty"`
	NewSet bool   `json:"new_set"`
}

func (c *SetProperty) Kind() string { return KindProperty }
func (c *SetProperty) Perform(d *GameData) error {
	d.setProperty(c.Key, c.New, c.NewSet)
	return nil
}
func (c *SetProperty) Invert() Change {
	return &SetProperty{Key: c.Key, Old: c.New, OldSet: c.NewSet, New: c.Old, NewSet: c.OldSet}
}

type ChangeWhoAmI struct {
	Player string `json:"player"`
	Old    string `json:"old"`
	New    string `json:"new"`
}

func (c *ChangeWhoAmI) Kind() string              { return KindWhoAmI }
func (c *ChangeWhoAmI) Perform(d *GameData) error { return d.setWhoAmI(c.Player, c.Old, c.New) }
func (c *ChangeWhoAmI) Invert() Change {
	return &ChangeWhoAmI{Player: c.Player, Old: c.New, New: c.Old}
}

type UnitHit struct {
	ID    uuid.UUID `json:"id"`
	Delta int       `json:"delta"`
}

type UnitsHit struct {
	Territory string    `json:"territory"`
	Hits      []UnitHit `json:"hits"`
}

func (c *UnitsHit) Kind() string { return KindUnitsHit }
func (c *UnitsHit) Perform(d *GameData) error {
	for i, h := range c.Hits {
		if err := d.addHits(c.Territory, h.ID, h.Delta); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = d.addHits(c.Territory, c.Hits[j].ID, -c.Hits[j].Delta)
			}
			return err
		}
	}
	return nil
}
func (c *UnitsHit) Invert() Change {
	out := &UnitsHit{Territory: c.Territory, Hits: make([]UnitHit, len(c.Hits))}
	for i, h := range c.Hits {
		out.Hits[len(c.Hits)-1-i] = UnitHit{ID: h.ID, Delta: -h.Delta}
	}
	return out
}

// CompositeChange applies its members in order. The empty composite is a no-op.
type CompositeChange struct {
	Changes []Change
}

func NewComposite(changes ...Change) *CompositeChange {
	c := &CompositeChange{}
	for _, ch := range changes {
		c.Add(ch)
	}
	return c
}

func (c *CompositeChange) Kind() string { return KindComposite }

// Add appends ch, dropping nil and empty composites.
func (c *CompositeChange) Add(ch Change) {
	if ch == nil {
		return
	}
	if cc, ok := ch.(*CompositeChange); ok && cc.IsEmpty() {
		return
	}
	c.Changes = append(c.Changes, ch)
}

func (c *CompositeChange) IsEmpty() bool {
	for _, ch := range c.Changes {
		if cc, ok := ch.(*CompositeChange); ok {
			if !cc.IsEmpty() {
				return false
			}
			continue
		}
		return false
	}
	return true
}

// Perform applies every member; if one fails the members already applied are
// rolled back in reverse order before the error is returned.
func (c *CompositeChange) Perform(d *GameData) error {
	for i, ch := range c.Changes {
		if err := ch.Perform(d); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := c.Changes[j].Invert().Perform(d); rerr != nil {
					panic(fmt.Sprintf("data: rollback of %s failed: %v (after %v)", c.Changes[j].Kind(), rerr, err))
				}
			}
			return fmt.Errorf("composite member %d (%s): %w", i, ch.Kind(), err)
		}
	}
	return nil
}

// Invert reverses the member order and inverts each member.
func (c *CompositeChange) Invert() Change {
	out := &CompositeChange{Changes: make([]Change, len(c.Changes))}
	for i, ch := range c.Changes {
		out.Changes[len(c.Changes)-1-i] = ch.Invert()
	}
	return out
}

// MoveUnits moves units between territories as one atomic change.
func MoveUnits(from, to string, units []Unit) Change {
	return NewComposite(
		&RemoveUnits{Territory: from, Units: append([]Unit(nil), units...)},
		&AddUnits{Territory: to, Units: append([]Unit(nil), units...)},
	)
}

// NewSetProperty captures the current value of key so the change can be inverted.
// The caller should hold at least the read lock.
func NewSetProperty(d *GameData, key, value string) *SetProperty {
	old, ok := d.properties[key]
	return &SetProperty{Key: key, Old: old, OldSet: ok, New: value, NewSet: true}
}

func NewChangeOwner(d *GameData, territory, owner string) *ChangeOwner {
	old := ""
	if t := d.territories[territory]; t != nil {
		old = t.owner
	}
	return &ChangeOwner{Territory: territory, Old: old, New: owner}
}

func NewChangeWhoAmI(d *GameData, player, whoAmI string) *ChangeWhoAmI {
	old := ""
	if p := d.players[player]; p != nil {
		old = p.whoAmI
	}
	return &ChangeWhoAmI{Player: player, Old: old, New: whoAmI}
}
