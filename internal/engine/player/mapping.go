package player

import (
	"sort"
	"sync"
)

// Mapping records which network node plays each player.
type Mapping struct {
	mu     sync.RWMutex
	byName map[string]string
}

func NewMapping(initial map[string]string) *Mapping {
	m := &Mapping{byName: make(map[string]string, len(initial))}
	for p, n := range initial {
		m.byName[p] = n
	}
	return m
}

func (m *Mapping) Set(player, node string) {
	m.mu.Lock()
	m.byName[player] = node
	m.mu.Unlock()
}

func (m *Mapping) Remove(player string) {
	m.mu.Lock()
	delete(m.byName, player)
	m.mu.Unlock()
}

func (m *Mapping) Node(player string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byName[player]
	return n, ok
}

// Players returns the players owned by node, sorted.
func (m *Mapping) Players(node string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p, n := range m.byName {
		if n == node {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Nodes returns every distinct node, sorted.
func (m *Mapping) Nodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, n := range m.byName {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Mapping) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.byName))
	for p, n := range m.byName {
		out[p] = n
	}
	return out
}
