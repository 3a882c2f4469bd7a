package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/engine/data"
)

func newGame() *data.GameData {
	gd := data.New("test")
	gd.AddPlayer("Red", "", map[string]int{"PUs": 10})
	gd.AddPlayer("Blue", "", map[string]int{"PUs": 10})
	gd.AddTerritory("North", "Red", []string{"South"}, data.NewUnits(2, "infantry", "Red"))
	gd.AddTerritory("South", "Blue", []string{"North"}, nil)
	return gd
}

func apply(t *testing.T, gd *data.GameData, w *Writer, c data.Change) {
	t.Helper()
	require.NoError(t, gd.PerformChange(c))
	w.AddChange(c)
}

func TestWriter_BuildsTree(t *testing.T) {
	gd := newGame()
	h := New(gd)
	w := h.Writer()

	w.StartNextRound(1)
	w.StartNextStep("redMove", "move", "Red", "Red Combat Move")
	w.StartEvent("Red attacks South")
	w.AddChildToEvent("rolled 3", Note{Text: "3"})
	apply(t, gd, w, data.NewChangeOwner(gd, "South", "Red"))
	w.StartNextStep("blueMove", "move", "Blue", "")
	w.StartEvent("Blue buys")
	apply(t, gd, w, &data.ChangeResource{Player: "Blue", Resource: "PUs", Delta: -3})

	root := h.Root()
	require.Equal(t, 1, root.ChildCount())
	round := root.Child(0)
	assert.Equal(t, KindRound, round.Kind())
	require.Equal(t, 2, round.ChildCount())

	red := round.Child(0)
	assert.Equal(t, "Red Combat Move", red.String())
	assert.Equal(t, 1, red.RunCount())
	start, end := red.ChangeRange()
	assert.Equal(t, 0, start)
	assert.Equal(t, 1, end)

	ev := red.Child(0)
	assert.Equal(t, KindEvent, ev.Kind())
	require.Equal(t, 1, ev.ChildCount())
	assert.Equal(t, Note{Text: "3"}, ev.Child(0).Rendering())

	blue := round.Child(1)
	assert.Equal(t, "blueMove", blue.String())
	_, end = blue.ChangeRange()
	assert.Equal(t, -1, end, "current step stays open")
	assert.Equal(t, KindEvent, h.Tip().Kind())
	assert.Equal(t, 2, h.ChangeCount())
}

func TestWriter_RunCountPerRound(t *testing.T) {
	h := New(newGame())
	w := h.Writer()
	w.StartNextRound(1)
	w.StartNextStep("purchase", "purchase", "Red", "")
	w.StartNextStep("purchase", "purchase", "Red", "")
	assert.Equal(t, 2, h.Tip().RunCount())
	w.StartNextRound(2)
	w.StartNextStep("purchase", "purchase", "Red", "")
	assert.Equal(t, 1, h.Tip().RunCount())
}

func TestWriter_ChildWithoutEventStartsFiller(t *testing.T) {
	h := New(newGame())
	w := h.Writer()
	w.StartNextRound(1)
	w.StartNextStep("s", "d", "Red", "")
	w.AddChildToEvent("orphan", nil)
	ev := h.Tip()
	require.Equal(t, KindEvent, ev.Kind())
	assert.Contains(t, ev.Title(), "orphan")
	assert.Equal(t, 1, ev.ChildCount())
}

func TestGotoNode_RewindsAndReplays(t *testing.T) {
	gd := newGame()
	h := New(gd)
	w := h.Writer()
	w.StartNextRound(1)
	w.StartNextStep("redMove", "move", "Red", "")
	w.StartEvent("capture")
	apply(t, gd, w, data.NewChangeOwner(gd, "South", "Red"))
	captured := h.Tip()
	w.StartEvent("spend")
	apply(t, gd, w, &data.ChangeResource{Player: "Red", Resource: "PUs", Delta: -4})

	require.NoError(t, h.GotoNode(h.Root()))
	assert.Equal(t, "Blue", gd.Territory("South").Owner())
	assert.Equal(t, 10, gd.Player("Red").Resource("PUs"))
	assert.False(t, h.AtHead())
	assert.Panics(t, func() { w.AddChange(&data.ChangeResource{Player: "Red", Resource: "PUs", Delta: 1}) })

	require.NoError(t, h.GotoNode(captured))
	assert.Equal(t, "Red", gd.Territory("South").Owner())
	assert.Equal(t, 10, gd.Player("Red").Resource("PUs"))

	require.NoError(t, h.GotoNode(h.LastNode()))
	assert.True(t, h.AtHead())
	assert.Equal(t, 6, gd.Player("Red").Resource("PUs"))
}

func TestDelta_DirectionAndEmpty(t *testing.T) {
	gd := newGame()
	h := New(gd)
	w := h.Writer()
	w.StartNextRound(1)
	w.StartNextStep("s", "d", "Red", "")
	apply(t, gd, w, &data.ChangeResource{Player: "Red", Resource: "PUs", Delta: 2})

	assert.Nil(t, h.Delta(h.Root(), h.Root()))
	fwd := h.Delta(h.Root(), h.Tip())
	require.NotNil(t, fwd)
	back := h.Delta(h.Tip(), h.Root())
	require.NoError(t, gd.PerformChange(back))
	assert.Equal(t, 10, gd.Player("Red").Resource("PUs"))
	require.NoError(t, gd.PerformChange(fwd))
	assert.Equal(t, 12, gd.Player("Red").Resource("PUs"))
}

func TestExportRestore(t *testing.T) {
	gd := newGame()
	h := New(gd)
	w := h.Writer()
	w.StartNextRound(1)
	w.StartNextStep("redMove", "move", "Red", "Red Move")
	w.StartEvent("capture")
	w.AddChildToEvent("note", Note{Text: "hello"})
	apply(t, gd, w, data.NewChangeOwner(gd, "South", "Red"))

	rec, err := h.Export()
	require.NoError(t, err)

	other := New(gd)
	require.NoError(t, other.Restore(rec))
	assert.Equal(t, h.ChangeCount(), other.ChangeCount())
	assert.Equal(t, KindEvent, other.Tip().Kind())
	assert.Equal(t, "capture", other.Tip().Title())
	assert.Equal(t, Note{Text: "hello"}, other.Tip().Child(0).Rendering())

	var titles []string
	other.Walk(func(n *Node) bool {
		titles = append(titles, n.String())
		return true
	})
	assert.Equal(t, []string{"Game History", "Round 1", "Red Move", "capture", "note"}, titles)

	other.Writer().StartEvent("after load")
	assert.Equal(t, 2, other.Root().Child(0).Child(0).ChildCount())
}

func TestRestore_RejectsBadRecords(t *testing.T) {
	h := New(newGame())
	err := h.Restore(Record{Root: NodeRecord{Kind: KindStep}})
	require.Error(t, err)

	err = h.Restore(Record{Root: NodeRecord{Kind: KindRoot, Children: []NodeRecord{{Kind: KindRound, ChangeStart: 5}}}})
	require.Error(t, err)

	err = h.Restore(Record{Root: NodeRecord{Kind: KindRoot}, TipPath: []int{3}})
	require.Error(t, err)
}

func TestRendering_UnknownKind(t *testing.T) {
	_, err := DecodeRendering("nope", nil)
	require.Error(t, err)
	r, err := DecodeRendering("", nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLastStepIs(t *testing.T) {
	h := New(newGame())
	w := h.Writer()
	assert.False(t, h.LastStepIs("redMove", "Red"))

	w.StartNextRound(1)
	w.StartNextStep("redMove", "move", "Red", "")
	w.StartEvent("moved")
	w.AddChildToEvent("north to south", nil)
	assert.True(t, h.LastStepIs("redMove", "Red"))
	assert.False(t, h.LastStepIs("redMove", "Blue"))

	w.StartNextRound(2)
	assert.False(t, h.LastStepIs("redMove", "Red"), "a new round has no step yet")
}
