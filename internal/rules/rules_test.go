package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/config"
	"strategos.gg/internal/engine/autosave"
	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/engine/server"
	"strategos.gg/internal/messaging"
)

type recordingWriter struct{ lines []string }

func (w *recordingWriter) StartEvent(text string)                            { w.lines = append(w.lines, text) }
func (w *recordingWriter) AddChildToEvent(title string, _ history.Rendering) { w.lines = append(w.lines, "  "+title) }
func (w *recordingWriter) SetRenderingData(history.Rendering)                {}

// testBridge applies changes straight to the data and serves dice from a
// script, one slice per Random call.
type testBridge struct {
	gd     *data.GameData
	player string
	step   string
	dice   [][]int
	w      recordingWriter
	rolls  []string
	winner *string
}

func (b *testBridge) Data() *data.GameData            { return b.gd }
func (b *testBridge) AddChange(c data.Change) error   { return b.gd.PerformChange(c) }
func (b *testBridge) History() delegate.HistoryWriter { return &b.w }
func (b *testBridge) StepName() string                { return b.step }
func (b *testBridge) Player() string                  { return b.player }
func (b *testBridge) StopGame(winner string)          { b.winner = &winner }
func (b *testBridge) StopGameSequence()               {}

func (b *testBridge) Random(_ context.Context, max, count int, player, _, annotation string) ([]int, error) {
	b.rolls = append(b.rolls, annotation)
	if len(b.dice) == 0 {
		return make([]int, count), nil
	}
	next := b.dice[0]
	b.dice = b.dice[1:]
	out := make([]int, count)
	for i := range out {
		out[i] = next[i%len(next)] % max
	}
	return out, nil
}

func skirmish() *data.GameData {
	gd := data.New("skirmish")
	gd.AddPlayer("Red", "Human:Red", map[string]int{Resource: 1})
	gd.AddPlayer("Blue", "Human:Blue", map[string]int{Resource: 1})
	gd.AddTerritory("A", "Red", []string{"B", "C"}, data.NewUnits(3, "infantry", "Red"))
	gd.AddTerritory("B", "Blue", []string{"A"}, data.NewUnits(1, "infantry", "Blue"))
	gd.AddTerritory("C", "", []string{"A"}, nil)
	gd.SetSequence(data.NewSequence(Steps("Red")...))
	return gd
}

func units(gd *data.GameData, territory, owner string) int {
	u := gd.AcquireReadLock()
	defer u.Unlock()
	return len(gd.Territory(territory).UnitsOwnedBy(owner))
}

func owner(gd *data.GameData, territory string) string {
	u := gd.AcquireReadLock()
	defer u.Unlock()
	return gd.Territory(territory).Owner()
}

func TestSetup_RunsOnce(t *testing.T) {
	gd := skirmish()
	gd.SetInitialProperty(PropStartingPUs, "10")
	b := &testBridge{gd: gd}
	s := &Setup{}
	require.NoError(t, s.Start(context.Background(), b))
	require.NoError(t, s.Start(context.Background(), b))
	assert.Equal(t, 11, gd.Player("Red").Resource(Resource))
	assert.Equal(t, 11, gd.Player("Blue").Resource(Resource))
	assert.True(t, gd.PropertyBool(PropSetupDone))
	assert.Equal(t, []string{"Game setup: 2 players on 3 territories"}, b.w.lines)
}

func call(t *testing.T, m *Move, req MoveRequest) (MoveResult, error) {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	v, err := m.HandleRemote(context.Background(), MethodMove, raw)
	if err != nil {
		return MoveResult{}, err
	}
	return v.(MoveResult), nil
}

func TestMove(t *testing.T) {
	gd := skirmish()
	b := &testBridge{gd: gd, player: "Red", step: "redCombatMove"}
	m := &Move{}
	m.Initialize("move", "Combat Move")

	_, err := m.HandleRemote(context.Background(), MethodMove, nil)
	require.ErrorIs(t, err, delegate.ErrNoSuchMethod, "no step running")
	require.NoError(t, m.Start(context.Background(), b))

	res, err := call(t, m, MoveRequest{From: "A", To: "C", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, MoveResult{Moved: 1, Conquered: true}, res)
	assert.Equal(t, "Red", owner(gd, "C"))

	res, err = call(t, m, MoveRequest{From: "A", To: "B", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, MoveResult{Moved: 2}, res)
	assert.Equal(t, "Blue", owner(gd, "B"))
	assert.Equal(t, 2, units(gd, "B", "Red"))

	_, err = call(t, m, MoveRequest{From: "A", To: "B", Count: 1})
	assert.ErrorIs(t, err, ErrNotEnoughUnits)
	_, err = call(t, m, MoveRequest{From: "B", To: "C", Count: 1})
	assert.ErrorIs(t, err, ErrNotNeighbor)
	_, err = call(t, m, MoveRequest{From: "A", To: "Z", Count: 1})
	assert.ErrorIs(t, err, ErrUnknownTerritory)

	assert.Len(t, m.Moves(), 2)
	assert.Contains(t, b.w.lines, "  Red takes C")

	// A save taken mid-step brings the moves back for the same step only.
	state, err := m.SaveState()
	require.NoError(t, err)
	again := &Move{}
	require.NoError(t, again.LoadState(state))
	require.NoError(t, again.Start(context.Background(), b))
	assert.Len(t, again.Moves(), 2)
	require.NoError(t, again.Start(context.Background(), &testBridge{gd: gd, player: "Red", step: "redNonCombatMove"}))
	assert.Empty(t, again.Moves())
}

func TestCombat_AttackerTakesTerritory(t *testing.T) {
	gd := skirmish()
	require.NoError(t, gd.PerformChange(data.MoveUnits("A", "B", gd.Territory("A").Units()[:2])))
	// Attackers roll 1s and hit; the defender rolls 6s and misses.
	b := &testBridge{gd: gd, player: "Red", dice: [][]int{{0}, {5}}}
	require.NoError(t, (&Combat{}).Start(context.Background(), b))

	assert.Equal(t, "Red", owner(gd, "B"))
	assert.Equal(t, 0, units(gd, "B", "Blue"))
	assert.Equal(t, 2, units(gd, "B", "Red"))
	assert.Equal(t, []string{"Red attack in B, turn 1", "Blue defense in B, turn 1"}, b.rolls)
	assert.Contains(t, b.w.lines, "Red attacks Blue in B")
	assert.Contains(t, b.w.lines, "  Red wins in B")
}

func TestCombat_ArmourTakesTwoHits(t *testing.T) {
	gd := skirmish()
	require.NoError(t, gd.PerformChange(&data.AddUnits{Territory: "B", Units: data.NewUnits(1, "armour", "Red")}))
	require.NoError(t, gd.PerformChange(&data.RemoveUnits{Territory: "B", Units: gd.Territory("B").UnitsOwnedBy("Blue")}))
	require.NoError(t, gd.PerformChange(&data.AddUnits{Territory: "B", Units: data.NewUnits(1, "armour", "Blue")}))
	gd.SetInitialProperty(PropCombatMaxTurns, "1")

	// One hit each way: both armour survive damaged.
	b := &testBridge{gd: gd, player: "Red", dice: [][]int{{0}, {0}}}
	require.NoError(t, (&Combat{}).Start(context.Background(), b))
	u := gd.AcquireReadLock()
	for _, unit := range gd.Territory("B").Units() {
		assert.Equal(t, 1, unit.Hits, unit.Owner)
	}
	u.Unlock()
	assert.Contains(t, b.w.lines, "  Battle in B is undecided")

	gd.SetInitialProperty(PropCombatMaxTurns, "2")
	b = &testBridge{gd: gd, player: "Red", dice: [][]int{{5}, {0}}}
	require.NoError(t, (&Combat{}).Start(context.Background(), b))
	assert.Equal(t, 0, units(gd, "B", "Red"))
	assert.Equal(t, 1, units(gd, "B", "Blue"))
	assert.Contains(t, b.w.lines, "  Red loses armour")
	assert.Contains(t, b.w.lines, "  Blue holds B")
}

func TestEndTurn(t *testing.T) {
	t.Run("income", func(t *testing.T) {
		gd := skirmish()
		gd.SetInitialProperty(PropIncome, "3")
		b := &testBridge{gd: gd, player: "Red"}
		require.NoError(t, (&EndTurn{}).Start(context.Background(), b))
		assert.Equal(t, 4, gd.Player("Red").Resource(Resource))
		assert.Nil(t, b.winner)
	})

	t.Run("last player standing", func(t *testing.T) {
		gd := skirmish()
		require.NoError(t, gd.PerformChange(&data.RemoveUnits{Territory: "B", Units: gd.Territory("B").Units()}))
		b := &testBridge{gd: gd, player: "Red"}
		require.NoError(t, (&EndTurn{}).Start(context.Background(), b))
		require.NotNil(t, b.winner)
		assert.Equal(t, "Red", *b.winner)
	})

	t.Run("max rounds", func(t *testing.T) {
		gd := skirmish()
		gd.SetInitialProperty(PropMaxRounds, "1")
		gd.AdvanceSequence()
		gd.AdvanceSequence()
		b := &testBridge{gd: gd, player: "Red"}
		require.NoError(t, (&EndTurn{}).Start(context.Background(), b))
		require.NotNil(t, b.winner)
		assert.Equal(t, "", *b.winner)
	})
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{TypeCombat, TypeEndTurn, TypeMove, TypeSetup}, Registry().Types())
	g := Demo()
	for _, st := range g.Data.Sequence().Steps() {
		_, ok := g.Delegates.Get(st.Delegate)
		assert.True(t, ok, st.Name)
	}
	assert.Equal(t, "redCombatMove", Steps("Red")[0].Name)
}

func TestDemo_AIsPlayToTheEnd(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()

	cfg := config.Defaults()
	cfg.SaveGamesDir = t.TempDir()
	cfg.Seed = 11
	cfg.Autosave = autosave.Policy{}
	g := Demo()
	s, err := server.New(host, g, []player.Player{NewAI("Red"), NewAI("Blue")}, player.NewMapping(nil),
		server.Options{Config: cfg, Exit: func(int) {}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.True(t, s.IsGameOver())

	gd := s.Data()
	assert.True(t, gd.PropertyBool(PropSetupDone))
	assert.LessOrEqual(t, gd.CurrentRound(), 13)
	assert.NotEmpty(t, s.Stats().Report())

	// The finished game survives a save round trip with this registry.
	b, err := savegame.ToBytes(&savegame.Game{Data: s.Data(), History: s.History(), Delegates: s.Delegates()})
	require.NoError(t, err)
	back, err := savegame.FromBytes(b, Registry())
	require.NoError(t, err)
	assert.Empty(t, data.Diff(gd, back.Data))
}
