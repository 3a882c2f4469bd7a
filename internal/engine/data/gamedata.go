// Package data holds the shared game document and the invertible changes that
// are the only sanctioned way to mutate it once a game is running.
//
// Reads should happen under AcquireReadLock. Writes happen through
// PerformChange, which takes the write lock itself:
//
//	u := gd.AcquireReadLock()
//	defer u.Unlock()
//	owner := gd.Territory("Alsace").Owner()
package data

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Well known property keys.
const (
	PropEditMode         = "EditMode"
	PropGameHasBeenSaved = "GameHasBeenSaved"
	PropWinner           = "Winner"
)

var (
	ErrNoSuchTerritory = errors.New("no such territory")
	ErrNoSuchPlayer    = errors.New("no such player")
	ErrNoSuchUnit      = errors.New("no such unit")
	ErrDuplicateUnit   = errors.New("duplicate unit")
	ErrStaleChange     = errors.New("change does not match current state")
	ErrNegativeBalance = errors.New("resource balance would go negative")
)

// Unit is a single piece on the map. Units are values; the territory owns the
// authoritative copy.
type Unit struct {
	ID    uuid.UUID `json:"id"`
	Type  string    `json:"type"`
	Owner string    `json:"owner"`
	Hits  int       `json:"hits,omitempty"`
}

func NewUnit(unitType, owner string) Unit {
	return Unit{ID: uuid.New(), Type: unitType, Owner: owner}
}

func NewUnits(n int, unitType, owner string) []Unit {
	out := make([]Unit, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, NewUnit(unitType, owner))
	}
	return out
}

type Player struct {
	name      string
	whoAmI    string
	resources map[string]int
}

func (p *Player) Name() string   { return p.name }
func (p *Player) WhoAmI() string { return p.whoAmI }

// IsAI reports whether the player is currently driven by an AI ("AI:<label>").
func (p *Player) IsAI() bool {
	kind, _, _ := strings.Cut(p.whoAmI, ":")
	return strings.EqualFold(kind, "AI")
}

func (p *Player) Resource(name string) int { return p.resources[name] }

func (p *Player) Resources() map[string]int {
	out := make(map[string]int, len(p.resources))
	for k, v := range p.resources {
		out[k] = v
	}
	return out
}

type Territory struct {
	name      string
	owner     string
	neighbors []string
	units     []Unit
}

func (t *Territory) Name() string { return t.name }
func (t *Territory) Owner() string { return t.owner }

func (t *Territory) Neighbors() []string { return append([]string(nil), t.neighbors...) }

func (t *Territory) IsNeighbor(name string) bool {
	for _, n := range t.neighbors {
		if n == name {
			return true
		}
	}
	return false
}

func (t *Territory) Units() []Unit { return append([]Unit(nil), t.units...) }

// UnitsOwnedBy returns the units in the territory belonging to owner.
func (t *Territory) UnitsOwnedBy(owner string) []Unit {
	var out []Unit
	for _, u := range t.units {
		if u.Owner == owner {
			out = append(out, u)
		}
	}
	return out
}

func (t *Territory) UnitCount(unitType, owner string) int {
	n := 0
	for _, u := range t.units {
		if (unitType == "" || u.Type == unitType) && (owner == "" || u.Owner == owner) {
			n++
		}
	}
	return n
}

func (t *Territory) indexOf(id uuid.UUID) int {
	for i, u := range t.units {
		if u.ID == id {
			return i
		}
	}
	return -1
}

// GameData is the root aggregate shared by the engine, the delegates and the
// network layer.
type GameData struct {
	lock *rwLock

	name      string
	diceSides int

	players        map[string]*Player
	playerOrder    []string
	territories    map[string]*Territory
	territoryOrder []string
	properties     map[string]string
	sequence       *Sequence
}

func New(name string) *GameData {
	return &GameData{
		lock:        newRWLock(),
		name:        name,
		diceSides:   6,
		players:     map[string]*Player{},
		territories: map[string]*Territory{},
		properties:  map[string]string{},
		sequence:    NewSequence(),
	}
}

// AcquireReadLock blocks until no writer holds the lock. Read locks nest.
func (d *GameData) AcquireReadLock() Unlocker {
	d.lock.rlock()
	return &unlocker{fn: d.lock.runlock}
}

// AcquireWriteLock blocks until every reader and writer is gone. It is not
// reentrant; engine code should prefer PerformChange.
func (d *GameData) AcquireWriteLock() Unlocker {
	d.lock.lock()
	return &unlocker{fn: d.lock.unlock}
}

// WriteLockHeld reports whether some goroutine holds the write lock.
func (d *GameData) WriteLockHeld() bool { return d.lock.writeHeld() }

func (d *GameData) mustWrite() {
	if !d.lock.writeHeld() {
		panic("data: game data mutated without holding the write lock")
	}
}

// PerformChange applies c under the write lock. A failing composite change
// leaves the document as it was before the call.
func (d *GameData) PerformChange(c Change) error {
	if c == nil {
		return nil
	}
	u := d.AcquireWriteLock()
	defer u.Unlock()
	return c.Perform(d)
}

// PerformChangeLocked applies c for a caller that already holds the write lock.
func (d *GameData) PerformChangeLocked(c Change) error {
	d.mustWrite()
	if c == nil {
		return nil
	}
	return c.Perform(d)
}

func (d *GameData) Name() string   { return d.name }
func (d *GameData) DiceSides() int { return d.diceSides }

func (d *GameData) SetDiceSides(n int) {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	if n > 0 {
		d.diceSides = n
	}
}

// Sequence returns the turn sequence. Mutate it through AdvanceSequence,
// IncrementStepRunCount or SeekSequence so the write lock is held.
func (d *GameData) Sequence() *Sequence { return d.sequence }

func (d *GameData) SetSequence(s *Sequence) {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	if s == nil {
		s = NewSequence()
	}
	d.sequence = s
}

// AdvanceSequence moves to the next step and reports whether the round wrapped.
func (d *GameData) AdvanceSequence() bool {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	return d.sequence.Next()
}

func (d *GameData) IncrementStepRunCount() {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	if st := d.sequence.Step(); st != nil {
		st.IncrementRunCount()
	}
}

// SeekSequence forces the cursor to (round, stepName, player); see
// Sequence.SetRoundAndStep.
func (d *GameData) SeekSequence(round int, stepName, player string) bool {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	return d.sequence.SetRoundAndStep(round, stepName, player)
}

// CurrentRound reads the round under the read lock.
func (d *GameData) CurrentRound() int {
	u := d.AcquireReadLock()
	defer u.Unlock()
	return d.sequence.Round()
}

// CurrentStep returns a copy of the current step, or false for an empty sequence.
func (d *GameData) CurrentStep() (Step, bool) {
	u := d.AcquireReadLock()
	defer u.Unlock()
	st := d.sequence.Step()
	if st == nil {
		return Step{}, false
	}
	return *st, true
}

// AddPlayer registers a player during game construction or load.
func (d *GameData) AddPlayer(name, whoAmI string, resources map[string]int) {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	if whoAmI == "" {
		whoAmI = "Human:Client"
	}
	res := make(map[string]int, len(resources))
	for k, v := range resources {
		res[k] = v
	}
	if _, ok := d.players[name]; !ok {
		d.playerOrder = append(d.playerOrder, name)
	}
	d.players[name] = &Player{name: name, whoAmI: whoAmI, resources: res}
}

// AddTerritory registers a territory during game construction or load.
// Neighbor links are made symmetric.
func (d *GameData) AddTerritory(name, owner string, neighbors []string, units []Unit) {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	t, ok := d.territories[name]
	if !ok {
		t = &Territory{name: name}
		d.territories[name] = t
		d.territoryOrder = append(d.territoryOrder, name)
	}
	t.owner = owner
	t.units = append([]Unit(nil), units...)
	for _, n := range neighbors {
		if !t.IsNeighbor(n) {
			t.neighbors = append(t.neighbors, n)
		}
		if other := d.territories[n]; other != nil && !other.IsNeighbor(name) {
			other.neighbors = append(other.neighbors, name)
		}
	}
	for _, other := range d.territories {
		if other.IsNeighbor(name) && !t.IsNeighbor(other.name) {
			t.neighbors = append(t.neighbors, other.name)
		}
	}
}

func (d *GameData) Player(name string) *Player { return d.players[name] }

func (d *GameData) Players() []*Player {
	out := make([]*Player, 0, len(d.playerOrder))
	for _, n := range d.playerOrder {
		out = append(out, d.players[n])
	}
	return out
}

func (d *GameData) PlayerNames() []string { return append([]string(nil), d.playerOrder...) }

func (d *GameData) Territory(name string) *Territory { return d.territories[name] }

func (d *GameData) Territories() []*Territory {
	out := make([]*Territory, 0, len(d.territoryOrder))
	for _, n := range d.territoryOrder {
		out = append(out, d.territories[n])
	}
	return out
}

// FindUnit locates a unit anywhere on the map.
func (d *GameData) FindUnit(id uuid.UUID) (Unit, string, bool) {
	for _, name := range d.territoryOrder {
		t := d.territories[name]
		if i := t.indexOf(id); i >= 0 {
			return t.units[i], name, true
		}
	}
	return Unit{}, "", false
}

func (d *GameData) Property(key string) (string, bool) {
	v, ok := d.properties[key]
	return v, ok
}

func (d *GameData) PropertyBool(key string) bool {
	v, ok := d.properties[key]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func (d *GameData) PropertyInt(key string, def int) int {
	v, ok := d.properties[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (d *GameData) Properties() map[string]string {
	out := make(map[string]string, len(d.properties))
	for k, v := range d.properties {
		out[k] = v
	}
	return out
}

// PropertyKeys returns the property keys in sorted order.
func (d *GameData) PropertyKeys() []string {
	keys := make([]string, 0, len(d.properties))
	for k := range d.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetInitialProperty writes a property during construction or load, outside
// the change protocol.
func (d *GameData) SetInitialProperty(key, value string) {
	u := d.AcquireWriteLock()
	defer u.Unlock()
	d.properties[key] = value
}

// raw mutators; every one requires the write lock.

func (d *GameData) territoryOrErr(name string) (*Territory, error) {
	t := d.territories[name]
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTerritory, name)
	}
	return t, nil
}

func (d *GameData) playerOrErr(name string) (*Player, error) {
	p := d.players[name]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPlayer, name)
	}
	return p, nil
}

// uniqueUnits rejects a request naming the same unit twice.
func uniqueUnits(territory string, units []Unit) error {
	seen := make(map[uuid.UUID]struct{}, len(units))
	for _, u := range units {
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("%w: %s twice for %s", ErrDuplicateUnit, u.ID, territory)
		}
		seen[u.ID] = struct{}{}
	}
	return nil
}

func (d *GameData) addUnits(territory string, units []Unit, at []int) error {
	d.mustWrite()
	t, err := d.territoryOrErr(territory)
	if err != nil {
		return err
	}
	if err := uniqueUnits(territory, units); err != nil {
		return err
	}
	for _, u := range units {
		if t.indexOf(u.ID) >= 0 {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateUnit, u.ID, territory)
		}
	}
	if at == nil {
		t.units = append(t.units, units...)
		return nil
	}
	if len(at) != len(units) {
		return fmt.Errorf("%w: %d positions for %d units in %s", ErrStaleChange, len(at), len(units), territory)
	}

	// Inserting in ascending index order lands every unit at its index.
	order := make([]int, len(units))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return at[order[a]] < at[order[b]] })
	for k, i := range order {
		if at[i] < 0 || at[i] > len(t.units)+k || (k > 0 && at[i] == at[order[k-1]]) {
			return fmt.Errorf("%w: position %d out of range in %s", ErrStaleChange, at[i], territory)
		}
	}
	out := make([]Unit, 0, len(t.units)+len(units))
	rest := t.units
	for _, i := range order {
		n := at[i] - len(out)
		out = append(out, rest[:n]...)
		rest = rest[n:]
		out = append(out, units[i])
	}
	t.units = append(out, rest...)
	return nil
}

// removeUnits returns the index each unit had before the removal.
func (d *GameData) removeUnits(territory string, units []Unit) ([]int, error) {
	d.mustWrite()
	t, err := d.territoryOrErr(territory)
	if err != nil {
		return nil, err
	}
	if err := uniqueUnits(territory, units); err != nil {
		return nil, err
	}
	idx := make([]int, len(units))
	drop := make(map[int]struct{}, len(units))
	for i, u := range units {
		idx[i] = t.indexOf(u.ID)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: %s in %s", ErrNoSuchUnit, u.ID, territory)
		}
		drop[idx[i]] = struct{}{}
	}
	kept := make([]Unit, 0, len(t.units)-len(units))
	for i, u := range t.units {
		if _, ok := drop[i]; !ok {
			kept = append(kept, u)
		}
	}
	t.units = kept
	return idx, nil
}

func (d *GameData) setOwner(territory, expect, owner string) error {
	d.mustWrite()
	t, err := d.territoryOrErr(territory)
	if err != nil {
		return err
	}
	if t.owner != expect {
		return fmt.Errorf("%w: %s owned by %q, expected %q", ErrStaleChange, territory, t.owner, expect)
	}
	t.owner = owner
	return nil
}

func (d *GameData) addResource(player, resource string, delta int) error {
	d.mustWrite()
	p, err := d.playerOrErr(player)
	if err != nil {
		return err
	}
	next := p.resources[resource] + delta
	if next < 0 {
		return fmt.Errorf("%w: %s %s=%d", ErrNegativeBalance, player, resource, next)
	}
	if next == 0 {
		delete(p.resources, resource)
	} else {
		p.resources[resource] = next
	}
	return nil
}

func (d *GameData) setProperty(key string, value string, set bool) {
	d.mustWrite()
	if !set {
		delete(d.properties, key)
		return
	}
	d.properties[key] = value
}

func (d *GameData) setWhoAmI(player, expect, whoAmI string) error {
	d.mustWrite()
	p, err := d.playerOrErr(player)
	if err != nil {
		return err
	}
	if p.whoAmI != expect {
		return fmt.Errorf("%w: %s is %q, expected %q", ErrStaleChange, player, p.whoAmI, expect)
	}
	p.whoAmI = whoAmI
	return nil
}

func (d *GameData) addHits(territory string, id uuid.UUID, delta int) error {
	d.mustWrite()
	t, err := d.territoryOrErr(territory)
	if err != nil {
		return err
	}
	i := t.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s in %s", ErrNoSuchUnit, id, territory)
	}
	if t.units[i].Hits+delta < 0 {
		return fmt.Errorf("%w: unit %s hits would be negative", ErrStaleChange, id)
	}
	t.units[i].Hits += delta
	return nil
}
