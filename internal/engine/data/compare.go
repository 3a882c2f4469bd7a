package data

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Diff lists the differences between two documents: players, resources,
// territories, units, properties and the sequence cursor. An empty result
// means the documents are equivalent.
//
// Units in a territory compare as a set keyed by ID. Their order is cosmetic:
// no rule may depend on it, and an AddUnits inverted before it was performed
// appends rather than restoring positions.
func Diff(a, b *GameData) []string {
	ua := a.AcquireReadLock()
	defer ua.Unlock()
	ub := b.AcquireReadLock()
	defer ub.Unlock()

	var out []string
	add := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }

	if a.name != b.name {
		add("name %q != %q", a.name, b.name)
	}
	if fmt.Sprint(a.playerOrder) != fmt.Sprint(b.playerOrder) {
		add("players %v != %v", a.playerOrder, b.playerOrder)
	}
	for _, name := range a.playerOrder {
		pa, pb := a.players[name], b.players[name]
		if pb == nil {
			continue
		}
		if pa.whoAmI != pb.whoAmI {
			add("player %s whoAmI %q != %q", name, pa.whoAmI, pb.whoAmI)
		}
		if fmt.Sprint(sortedMap(pa.resources)) != fmt.Sprint(sortedMap(pb.resources)) {
			add("player %s resources %v != %v", name, pa.resources, pb.resources)
		}
	}
	if fmt.Sprint(a.territoryOrder) != fmt.Sprint(b.territoryOrder) {
		add("territories %v != %v", a.territoryOrder, b.territoryOrder)
	}
	for _, name := range a.territoryOrder {
		ta, tb := a.territories[name], b.territories[name]
		if tb == nil {
			continue
		}
		if ta.owner != tb.owner {
			add("territory %s owner %q != %q", name, ta.owner, tb.owner)
		}
		if !sameUnits(ta.units, tb.units) {
			add("territory %s units differ (%d vs %d)", name, len(ta.units), len(tb.units))
		}
	}
	if fmt.Sprint(sortedMap(a.properties)) != fmt.Sprint(sortedMap(b.properties)) {
		add("properties %v != %v", a.properties, b.properties)
	}
	sa, sb := a.sequence, b.sequence
	if sa.index != sb.index || sa.round != sb.round {
		add("sequence cursor (%d,r%d) != (%d,r%d)", sa.index, sa.round, sb.index, sb.round)
	}
	if fmt.Sprint(sa.Steps()) != fmt.Sprint(sb.Steps()) {
		add("sequence steps differ")
	}
	return out
}

func sameUnits(a, b []Unit) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[uuid.UUID]Unit, len(a))
	for _, u := range a {
		byID[u.ID] = u
	}
	for _, u := range b {
		if v, ok := byID[u.ID]; !ok || v != u {
			return false
		}
	}
	return true
}

type kv[V any] struct {
	K string
	V V
}

func sortedMap[V any](m map[string]V) []kv[V] {
	out := make([]kv[V], 0, len(m))
	for k, v := range m {
		out = append(out, kv[V]{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].K < out[j].K })
	return out
}
