package delegate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/gate"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/random"
)

type stub struct {
	Base
	typeID string
}

func (s *stub) TypeID() string                     { return s.typeID }
func (*stub) Start(context.Context, Bridge) error  { return nil }
func (*stub) End(context.Context) error            { return nil }
func (*stub) SaveState() ([]byte, error)           { return nil, nil }
func (*stub) LoadState([]byte) error               { return nil }
func (*stub) RequiresUserInput() bool              { return false }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func() Delegate { return &stub{typeID: "stub"} })
	assert.Panics(t, func() { r.Register("stub", func() Delegate { return &stub{typeID: "stub"} }) })

	d, err := r.Create("stub", "setup", "Game Setup")
	require.NoError(t, err)
	assert.Equal(t, "setup", d.Name())
	assert.Equal(t, "Game Setup", d.DisplayName())

	_, err = r.New("missing")
	require.ErrorIs(t, err, ErrUnknownType)

	r.Register("liar", func() Delegate { return &stub{typeID: "other"} })
	_, err = r.New("liar")
	require.Error(t, err)
	assert.Equal(t, []string{"liar", "stub"}, r.Types())
}

func TestSet_ReplacesByName(t *testing.T) {
	a := &stub{typeID: "a"}
	a.Initialize("move", "")
	b := &stub{typeID: "b"}
	b.Initialize("battle", "")
	s := NewSet(a, b)
	a2 := &stub{typeID: "a2"}
	a2.Initialize("move", "")
	s.Add(a2)

	require.Equal(t, 2, s.Len())
	got, ok := s.Get("move")
	require.True(t, ok)
	assert.Same(t, a2, got)
	assert.Same(t, a2, s.All()[0])
	_, ok = s.Get("nope")
	assert.False(t, ok)
}

type sink struct {
	gd      *data.GameData
	changes []data.Change
}

func (s *sink) AddChange(c data.Change) error {
	s.changes = append(s.changes, c)
	return s.gd.PerformChange(c)
}

func TestDefaultBridge_RandomRecordsResult(t *testing.T) {
	gd := data.New("bridge")
	gd.AddPlayer("Red", "", nil)
	h := history.New(gd)
	h.Writer().StartNextRound(1)
	h.Writer().StartNextStep("redBattle", "battle", "Red", "")
	h.Writer().StartEvent("battle")

	g := gate.New()
	stats := random.NewStats()
	b := &DefaultBridge{
		GameData: gd,
		Changes:  &sink{gd: gd},
		Writer:   h.Writer(),
		Source:   random.NewPlainSource(5),
		Stats:    stats,
		Gate:     g,
		Step:     "redBattle",
		Owner:    "Red",
	}

	ctx, leave, err := g.Enter(context.Background())
	require.NoError(t, err)
	vals, err := b.Random(ctx, 6, 3, "Red", "combat", "Red roll attack")
	leave()
	require.NoError(t, err)
	require.Len(t, vals, 3)

	ev := h.Tip()
	require.Equal(t, 1, ev.ChildCount())
	res, ok := ev.Child(0).Rendering().(*random.VerifiedResult)
	require.True(t, ok)
	assert.Equal(t, vals, res.Values)
	assert.Equal(t, 3, stats.Summaries()[0].Count)
}

func TestDefaultBridge_SkipsEmptyComposite(t *testing.T) {
	gd := data.New("bridge")
	s := &sink{gd: gd}
	b := &DefaultBridge{GameData: gd, Changes: s}
	require.NoError(t, b.AddChange(data.NewComposite()))
	require.NoError(t, b.AddChange(nil))
	assert.Empty(t, s.changes)
}

func TestDefaultBridge_RandomAfterGameOver(t *testing.T) {
	gd := data.New("bridge")
	g := gate.New()
	g.SetGameOver()
	b := &DefaultBridge{GameData: gd, Source: random.NewPlainSource(1), Gate: g}
	_, err := b.Random(context.Background(), 6, 1, "", "", "late")
	require.ErrorIs(t, err, gate.ErrGameOver)
}
