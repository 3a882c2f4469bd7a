// Package player holds the local objects that make decisions for a game
// player, and the mapping of players to the network nodes that own them.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"strategos.gg/internal/engine/data"
)

var ErrStopped = errors.New("player stopped")

// Bridge is what a player object sees of the game while it plays a step.
type Bridge interface {
	Data() *data.GameData
	StepName() string
	// CallDelegate invokes a remote method on the delegate of the current step.
	CallDelegate(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

type Player interface {
	Name() string
	// Label is the player type, "AI:<kind>" or "Human:<name>".
	Label() string
	IsAI() bool
	// Start plays stepName and returns once the player is done with it.
	Start(ctx context.Context, b Bridge, stepName string) error
	StopGame()
}

func isAILabel(label string) bool {
	kind, _, _ := strings.Cut(label, ":")
	return strings.EqualFold(kind, "AI")
}

// Scripted runs a callback for every step; AIs and tests use it.
type Scripted struct {
	name  string
	label string
	play  func(ctx context.Context, b Bridge, stepName string) error

	mu      sync.Mutex
	stopped bool
}

func NewScripted(name, label string, play func(ctx context.Context, b Bridge, stepName string) error) *Scripted {
	return &Scripted{name: name, label: label, play: play}
}

func (p *Scripted) Name() string  { return p.name }
func (p *Scripted) Label() string { return p.label }
func (p *Scripted) IsAI() bool    { return isAILabel(p.label) }

func (p *Scripted) Start(ctx context.Context, b Bridge, stepName string) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if p.play == nil {
		return nil
	}
	return p.play(ctx, b, stepName)
}

func (p *Scripted) StopGame() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Turn is handed to whoever drives a Manual player.
type Turn struct {
	Step   string
	Bridge Bridge
	done   chan struct{}
	once   sync.Once
}

// Done ends the turn.
func (t *Turn) Done() { t.once.Do(func() { close(t.done) }) }

// Manual publishes each step on Turns and waits for Done.
type Manual struct {
	name  string
	label string
	turns chan *Turn
	stop  chan struct{}
	once  sync.Once
}

func NewManual(name, label string) *Manual {
	return &Manual{name: name, label: label, turns: make(chan *Turn), stop: make(chan struct{})}
}

func (p *Manual) Name() string  { return p.name }
func (p *Manual) Label() string { return p.label }
func (p *Manual) IsAI() bool    { return isAILabel(p.label) }

func (p *Manual) Turns() <-chan *Turn { return p.turns }

func (p *Manual) Start(ctx context.Context, b Bridge, stepName string) error {
	t := &Turn{Step: stepName, Bridge: b, done: make(chan struct{})}
	select {
	case p.turns <- t:
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Manual) StopGame() { p.once.Do(func() { close(p.stop) }) }
