// Package gamechan encodes the broadcasts that replicate a running game from
// the server to every other node.
package gamechan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/messaging"
)

// Channel carries every game modification.
const Channel = "game.modified"

const (
	OpGameDataChanged   = "game_data_changed"
	OpStartHistoryEvent = "start_history_event"
	OpAddChildToEvent   = "add_child_to_event"
	OpSetRenderingData  = "set_rendering_data"
	OpStepChanged       = "step_changed"
	OpShutDown          = "shut_down"
)

var ErrNotServer = errors.New("only server can change game data")

// StepChange announces the step the server is about to run.
type StepChange struct {
	StepName            string `json:"step_name"`
	DelegateName        string `json:"delegate_name"`
	Player              string `json:"player,omitempty"`
	Round               int    `json:"round"`
	DisplayName         string `json:"display_name,omitempty"`
	LoadedFromSavedGame bool   `json:"loaded_from_saved_game,omitempty"`
}

type Event struct {
	// Seq numbers the events of one Broadcaster from 1. A node installing a
	// snapshot taken at Seq n ignores every event up to n.
	Seq           uint64          `json:"seq"`
	Op            string          `json:"op"`
	Change        *data.Envelope  `json:"change,omitempty"`
	Event         string          `json:"event,omitempty"`
	Child         string          `json:"child,omitempty"`
	RenderingKind string          `json:"rendering_kind,omitempty"`
	Rendering     json.RawMessage `json:"rendering,omitempty"`
	Step          *StepChange     `json:"step,omitempty"`
}

func ChangeEvent(c data.Change) (Event, error) {
	env, err := data.ToEnvelope(c)
	if err != nil {
		return Event{}, err
	}
	return Event{Op: OpGameDataChanged, Change: &env}, nil
}

func renderingEvent(op, text string, r history.Rendering) (Event, error) {
	kind, body, err := history.EncodeRendering(r)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Op: op, RenderingKind: kind, Rendering: body}
	if op == OpStartHistoryEvent {
		ev.Event = text
	} else {
		ev.Child = text
	}
	return ev, nil
}

// Broadcaster publishes game modifications on Channel.
type Broadcaster struct {
	m messaging.Messenger

	mu  sync.Mutex
	seq uint64
}

func NewBroadcaster(m messaging.Messenger) *Broadcaster {
	return &Broadcaster{m: m}
}

// Seq returns the sequence number of the last event sent.
func (b *Broadcaster) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Broadcaster) send(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev.Seq = b.seq
	if err := b.m.Broadcast(Channel, ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Op, err)
	}
	return nil
}

func (b *Broadcaster) GameDataChanged(c data.Change) error {
	ev, err := ChangeEvent(c)
	if err != nil {
		return err
	}
	return b.send(ev)
}

func (b *Broadcaster) StartHistoryEvent(text string, r history.Rendering) error {
	ev, err := renderingEvent(OpStartHistoryEvent, text, r)
	if err != nil {
		return err
	}
	return b.send(ev)
}

func (b *Broadcaster) AddChildToEvent(title string, r history.Rendering) error {
	ev, err := renderingEvent(OpAddChildToEvent, title, r)
	if err != nil {
		return err
	}
	return b.send(ev)
}

func (b *Broadcaster) SetRenderingData(r history.Rendering) error {
	ev, err := renderingEvent(OpSetRenderingData, "", r)
	if err != nil {
		return err
	}
	return b.send(ev)
}

func (b *Broadcaster) StepChanged(s StepChange) error {
	return b.send(Event{Op: OpStepChanged, Step: &s})
}

func (b *Broadcaster) ShutDown() error {
	return b.send(Event{Op: OpShutDown})
}

// Handler receives decoded game modifications in broadcast order.
type Handler interface {
	GameDataChanged(c data.Change)
	StartHistoryEvent(text string, r history.Rendering)
	AddChildToEvent(title string, r history.Rendering)
	SetRenderingData(r history.Rendering)
	StepChanged(s StepChange)
	ShutDown()
}

// Subscribe decodes Channel for h. Messages not sent by the server node and
// messages that fail to decode are reported to onError and dropped.
func Subscribe(m messaging.Messenger, h Handler, onError func(error)) func() {
	if onError == nil {
		onError = func(error) {}
	}
	return m.Subscribe(Channel, func(msg messaging.Message) {
		if msg.Sender != m.ServerNode() {
			onError(fmt.Errorf("%w: sender %s", ErrNotServer, msg.Sender))
			return
		}
		if err := Dispatch(msg.Payload, h); err != nil {
			onError(err)
		}
	})
}

// Dispatch decodes one broadcast payload and calls the matching method of h.
func Dispatch(payload json.RawMessage, h Handler) error {
	ev, err := Decode(payload)
	if err != nil {
		return err
	}
	return ev.Apply(h)
}

func Decode(payload json.RawMessage) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode game event: %w", err)
	}
	return ev, nil
}

// Apply calls the method of h matching ev.
func (ev Event) Apply(h Handler) error {
	switch ev.Op {
	case OpGameDataChanged:
		if ev.Change == nil {
			return fmt.Errorf("%s without change", ev.Op)
		}
		c, err := data.FromEnvelope(*ev.Change)
		if err != nil {
			return err
		}
		h.GameDataChanged(c)
	case OpStartHistoryEvent, OpAddChildToEvent, OpSetRenderingData:
		r, err := history.DecodeRendering(ev.RenderingKind, ev.Rendering)
		if err != nil {
			return err
		}
		switch ev.Op {
		case OpStartHistoryEvent:
			h.StartHistoryEvent(ev.Event, r)
		case OpAddChildToEvent:
			h.AddChildToEvent(ev.Child, r)
		default:
			h.SetRenderingData(r)
		}
	case OpStepChanged:
		if ev.Step == nil {
			return fmt.Errorf("%s without step", ev.Op)
		}
		h.StepChanged(*ev.Step)
	case OpShutDown:
		h.ShutDown()
	default:
		return fmt.Errorf("unknown game event op %q", ev.Op)
	}
	return nil
}
