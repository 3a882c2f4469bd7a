// Package delegate defines the pluggable per-step game logic and the bridge
// through which it reaches the engine.
package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownType    = errors.New("unknown delegate type")
	ErrNoSuchMethod   = errors.New("no such delegate method")
	ErrNotRemote      = errors.New("delegate has no remote interface")
	ErrNoSuchDelegate = errors.New("no such delegate")
)

// Delegate is created once per game, initialized once, and then started and
// ended around every step bound to it.
type Delegate interface {
	Name() string
	DisplayName() string
	TypeID() string
	Initialize(name, displayName string)

	Start(ctx context.Context, b Bridge) error
	End(ctx context.Context) error

	// SaveState returns nil when the delegate has nothing to persist.
	SaveState() ([]byte, error)
	LoadState(b []byte) error

	// RequiresUserInput reports whether the engine must wait for the step's
	// player before ending the step.
	RequiresUserInput() bool
}

// Remote delegates accept calls from players while their step runs.
type Remote interface {
	HandleRemote(ctx context.Context, method string, payload json.RawMessage) (any, error)
}

// Persistent delegates are started once when the game starts and never ended.
type Persistent interface {
	PersistentDelegate()
}

// Base carries the name and display name shared by every delegate.
type Base struct {
	name        string
	displayName string
}

func (b *Base) Name() string        { return b.name }
func (b *Base) DisplayName() string { return b.displayName }

func (b *Base) Initialize(name, displayName string) {
	b.name = name
	b.displayName = displayName
}

type Factory func() Delegate

// Registry maps the type identifiers found in save files to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register panics on a duplicate type id.
func (r *Registry) Register(typeID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typeID]; dup {
		panic("delegate: type registered twice: " + typeID)
	}
	r.factories[typeID] = f
}

func (r *Registry) New(typeID string) (Delegate, error) {
	r.mu.RLock()
	f, ok := r.factories[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeID)
	}
	d := f()
	if d.TypeID() != typeID {
		return nil, fmt.Errorf("delegate factory for %q built %q", typeID, d.TypeID())
	}
	return d, nil
}

// Create builds and initializes a delegate in one call.
func (r *Registry) Create(typeID, name, displayName string) (Delegate, error) {
	d, err := r.New(typeID)
	if err != nil {
		return nil, err
	}
	d.Initialize(name, displayName)
	return d, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set is the ordered collection of a game's delegates, looked up by name.
type Set struct {
	order  []Delegate
	byName map[string]Delegate
}

func NewSet(ds ...Delegate) *Set {
	s := &Set{byName: make(map[string]Delegate)}
	for _, d := range ds {
		s.Add(d)
	}
	return s
}

// Add replaces any delegate with the same name.
func (s *Set) Add(d Delegate) {
	if old, ok := s.byName[d.Name()]; ok {
		for i, cur := range s.order {
			if cur == old {
				s.order[i] = d
			}
		}
	} else {
		s.order = append(s.order, d)
	}
	s.byName[d.Name()] = d
}

func (s *Set) Get(name string) (Delegate, bool) {
	d, ok := s.byName[name]
	return d, ok
}

func (s *Set) All() []Delegate { return append([]Delegate(nil), s.order...) }
func (s *Set) Len() int        { return len(s.order) }
