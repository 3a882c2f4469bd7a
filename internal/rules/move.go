package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
)

// Remote methods of Move.
const (
	MethodMove  = "move"
	MethodMoves = "moves"
)

type MoveRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type MoveResult struct {
	Moved     int  `json:"moved"`
	Conquered bool `json:"conquered,omitempty"`
}

// moveState is what a save taken mid-step keeps of the step.
type moveState struct {
	Step  string        `json:"step"`
	Round int           `json:"round"`
	Moves []MoveRequest `json:"moves,omitempty"`
}

// Move lets the step's player march units into neighboring territories.
// Entering an empty territory takes it; entering a defended one leaves a
// battle for the Combat step.
type Move struct {
	delegate.Base

	mu    sync.Mutex
	b     delegate.Bridge
	state moveState
}

func (*Move) TypeID() string          { return TypeMove }
func (*Move) RequiresUserInput() bool { return true }

func (m *Move) Start(_ context.Context, b delegate.Bridge) error {
	round := b.Data().CurrentRound()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.b = b
	if m.state.Step != b.StepName() || m.state.Round != round {
		m.state = moveState{Step: b.StepName(), Round: round}
	}
	return nil
}

func (m *Move) End(context.Context) error {
	m.mu.Lock()
	m.b = nil
	m.mu.Unlock()
	return nil
}

func (m *Move) SaveState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Step == "" {
		return nil, nil
	}
	return json.Marshal(m.state)
}

func (m *Move) LoadState(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(raw) == 0 {
		m.state = moveState{}
		return nil
	}
	return json.Unmarshal(raw, &m.state)
}

// Moves returns the moves made in the current step.
func (m *Move) Moves() []MoveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MoveRequest(nil), m.state.Moves...)
}

func (m *Move) HandleRemote(_ context.Context, method string, payload json.RawMessage) (any, error) {
	m.mu.Lock()
	b := m.b
	m.mu.Unlock()
	if b == nil {
		return nil, delegate.ErrNoSuchMethod
	}
	switch method {
	case MethodMoves:
		return m.Moves(), nil
	case MethodMove:
		var req MoveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("move request: %w", err)
		}
		return m.move(b, req)
	}
	return nil, delegate.ErrNoSuchMethod
}

func (m *Move) move(b delegate.Bridge, req MoveRequest) (MoveResult, error) {
	player := b.Player()
	if req.Type == "" {
		req.Type = "infantry"
	}
	gd := b.Data()
	u := gd.AcquireReadLock()
	from, to := gd.Territory(req.From), gd.Territory(req.To)
	switch {
	case from == nil:
		u.Unlock()
		return MoveResult{}, fmt.Errorf("%w: %s", ErrUnknownTerritory, req.From)
	case to == nil:
		u.Unlock()
		return MoveResult{}, fmt.Errorf("%w: %s", ErrUnknownTerritory, req.To)
	case !from.IsNeighbor(req.To):
		u.Unlock()
		return MoveResult{}, fmt.Errorf("%w: %s and %s", ErrNotNeighbor, req.From, req.To)
	}
	var units []data.Unit
	for _, unit := range from.UnitsOwnedBy(player) {
		if unit.Type == req.Type && len(units) < req.Count {
			units = append(units, unit)
		}
	}
	if req.Count <= 0 || len(units) < req.Count {
		u.Unlock()
		return MoveResult{}, fmt.Errorf("%w: %d %s of %s in %s", ErrNotEnoughUnits, req.Count, req.Type, player, req.From)
	}
	defended := false
	for _, unit := range to.Units() {
		if unit.Owner != player {
			defended = true
			break
		}
	}
	var take data.Change
	if to.Owner() != player && !defended {
		take = data.NewChangeOwner(gd, req.To, player)
	}
	u.Unlock()

	comp := data.NewComposite(data.MoveUnits(req.From, req.To, units))
	if take != nil {
		comp.Add(take)
	}
	b.History().StartEvent(fmt.Sprintf("%s moves %d %s from %s to %s", player, len(units), req.Type, req.From, req.To))
	if err := b.AddChange(comp); err != nil {
		return MoveResult{}, err
	}
	if take != nil {
		b.History().AddChildToEvent(fmt.Sprintf("%s takes %s", player, req.To), nil)
	}

	m.mu.Lock()
	m.state.Moves = append(m.state.Moves, req)
	m.mu.Unlock()
	return MoveResult{Moved: len(units), Conquered: take != nil}, nil
}
