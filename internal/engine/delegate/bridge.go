package delegate

import (
	"context"
	"fmt"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/gate"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/random"
)

// HistoryWriter is the part of the history a delegate may write to.
type HistoryWriter interface {
	StartEvent(text string)
	AddChildToEvent(title string, r history.Rendering)
	SetRenderingData(r history.Rendering)
}

// Bridge is everything a running delegate may touch.
type Bridge interface {
	Data() *data.GameData
	// AddChange performs c on the game data and replicates it to every node.
	AddChange(c data.Change) error
	History() HistoryWriter
	// Random draws count values in [0,max) and records them in the history.
	Random(ctx context.Context, max, count int, player, diceType, annotation string) ([]int, error)
	StepName() string
	Player() string
	// StopGame ends the game, naming the winner when there is one.
	StopGame(winner string)
	// StopGameSequence halts stepping once the current step is done. The
	// game stays up until it is stopped or the sequence is resumed.
	StopGameSequence()
}

type ChangeSink interface {
	AddChange(c data.Change) error
}

type DefaultBridge struct {
	GameData *data.GameData
	Changes  ChangeSink
	Writer   HistoryWriter
	Source   random.Source
	Stats    *random.Stats
	Gate     *gate.Gate
	Step     string
	Owner    string
	Stop     func(winner string)
	Pause    func()
}

var _ Bridge = (*DefaultBridge)(nil)

func (b *DefaultBridge) Data() *data.GameData   { return b.GameData }
func (b *DefaultBridge) History() HistoryWriter { return b.Writer }
func (b *DefaultBridge) StepName() string       { return b.Step }
func (b *DefaultBridge) Player() string         { return b.Owner }

func (b *DefaultBridge) AddChange(c data.Change) error {
	if c == nil {
		return nil
	}
	if cc, ok := c.(*data.CompositeChange); ok && cc.IsEmpty() {
		return nil
	}
	return b.Changes.AddChange(c)
}

func (b *DefaultBridge) Random(ctx context.Context, max, count int, player, diceType, annotation string) ([]int, error) {
	var d random.Draw
	draw := func(ctx context.Context) error {
		var err error
		d, err = b.Source.Draw(ctx, max, count, annotation)
		return err
	}
	var err error
	if b.Gate != nil {
		err = b.Gate.Outbound(ctx, draw)
	} else {
		err = draw(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("random %q: %w", annotation, err)
	}
	res := random.NewVerifiedResult(player, diceType, annotation, max, d)
	if b.Writer != nil {
		b.Writer.AddChildToEvent(res.String(), res)
	}
	if b.Stats != nil {
		b.Stats.Add(res)
	}
	return append([]int(nil), d.Values...), nil
}

func (b *DefaultBridge) StopGame(winner string) {
	if b.Stop != nil {
		b.Stop(winner)
	}
}

func (b *DefaultBridge) StopGameSequence() {
	if b.Pause != nil {
		b.Pause()
	}
}
