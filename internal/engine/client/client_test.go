package client_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/config"
	"strategos.gg/internal/engine/autosave"
	"strategos.gg/internal/engine/client"
	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/engine/server"
	"strategos.gg/internal/messaging"
)

// mover adds one PU to the step's player for every "move" call.
type mover struct {
	delegate.Base
	mu sync.Mutex
	b  delegate.Bridge
}

func (*mover) TypeID() string             { return "move" }
func (*mover) RequiresUserInput() bool    { return true }
func (*mover) End(context.Context) error  { return nil }
func (*mover) SaveState() ([]byte, error) { return nil, nil }
func (*mover) LoadState([]byte) error     { return nil }

func (m *mover) Start(_ context.Context, b delegate.Bridge) error {
	m.mu.Lock()
	m.b = b
	m.mu.Unlock()
	return nil
}

func (m *mover) HandleRemote(_ context.Context, method string, _ json.RawMessage) (any, error) {
	if method != "move" {
		return nil, delegate.ErrNoSuchMethod
	}
	m.mu.Lock()
	b := m.b
	m.mu.Unlock()
	return b.Player(), b.AddChange(&data.ChangeResource{Player: b.Player(), Resource: "PUs", Delta: 1})
}

func registry() *delegate.Registry {
	r := delegate.NewRegistry()
	r.Register("move", func() delegate.Delegate { return &mover{} })
	return r
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.SaveGamesDir = t.TempDir()
	cfg.Seed = 3
	cfg.Autosave = autosave.Policy{}
	cfg.Timeouts.ObserverBlock = 50 * time.Millisecond
	cfg.Timeouts.SaveBlock = time.Second
	cfg.Timeouts.ShutdownBlock = time.Second
	cfg.Timeouts.ObserverJoinWait = 2 * time.Second
	return cfg
}

func twoPlayerGame() *savegame.Game {
	gd := data.New("duel")
	gd.AddPlayer("P1", "Human:P1", map[string]int{"PUs": 5})
	gd.AddPlayer("P2", "Human:P2", map[string]int{"PUs": 5})
	gd.AddTerritory("North", "P1", []string{"South"}, data.NewUnits(1, "infantry", "P1"))
	gd.AddTerritory("South", "P2", []string{"North"}, data.NewUnits(1, "infantry", "P2"))
	gd.SetSequence(data.NewSequence(
		data.Step{Name: "p1Move", Delegate: "move", Player: "P1"},
		data.Step{Name: "p2Move", Delegate: "move", Player: "P2"},
	))
	m := &mover{}
	m.Initialize("move", "Move")
	return &savegame.Game{Data: gd, Delegates: delegate.NewSet(m)}
}

func nextTurn(t *testing.T, p *player.Manual) *player.Turn {
	t.Helper()
	select {
	case turn := <-p.Turns():
		return turn
	case <-time.After(5 * time.Second):
		t.Fatalf("no turn for %s", p.Name())
		return nil
	}
}

func roundNodes(h *history.History) int {
	n := 0
	h.Walk(func(node *history.Node) bool {
		if node.Kind() == history.KindRound {
			n++
		}
		return true
	})
	return n
}

func TestClientFollowsServer(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()
	alice, err := hub.Join("alice")
	require.NoError(t, err)
	defer alice.Leave()

	cfg := testConfig(t)
	p1 := player.NewManual("P1", "Human:Host")
	srv, err := server.New(host, twoPlayerGame(), []player.Player{p1},
		player.NewMapping(map[string]string{"P2": "alice"}), server.Options{Config: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p2 := player.NewManual("P2", "Human:Alice")
	cl, err := client.Join(ctx, alice, []player.Player{p2}, client.Options{Config: cfg, Registry: registry()})
	require.NoError(t, err)
	defer cl.Close()
	assert.Equal(t, srv.GameID(), cl.GameID())
	assert.True(t, hub.HasRemote("step_advancer.alice"))
	assert.True(t, hub.HasRemote("player_random.P2"))

	saved := filepath.Join(t.TempDir(), "copy.tsvg")
	require.NoError(t, cl.SaveGame(ctx, saved))
	_, err = savegame.ReadFile(saved, registry(), savegame.LoadOptions{})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	turn := nextTurn(t, p1)
	assert.Equal(t, "p1Move", turn.Step)
	_, err = turn.Bridge.CallDelegate(ctx, "move", nil)
	require.NoError(t, err)
	turn.Done()

	// The server hands p2Move to alice only once her copy stands on it.
	turn = nextTurn(t, p2)
	assert.Equal(t, "p2Move", turn.Step)
	seq := cl.Data().Sequence()
	assert.Equal(t, 1, seq.Index())
	assert.Equal(t, 1, cl.Data().CurrentRound())
	assert.Equal(t, 1, roundNodes(cl.History()))
	assert.Equal(t, 6, cl.Data().Player("P1").Resource("PUs"))

	raw, err := turn.Bridge.CallDelegate(ctx, "move", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"P2"`, string(raw))
	turn.Done()

	turn = nextTurn(t, p1)
	assert.Equal(t, "p1Move", turn.Step)
	srv.StopGame()
	require.NoError(t, <-runErr)

	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the shut down")
	}
	assert.True(t, cl.IsGameOver())
	assert.Equal(t, 2, cl.Data().CurrentRound())
	assert.Equal(t, 0, cl.Data().Sequence().Index())
	assert.Equal(t, 2, roundNodes(cl.History()))
	assert.Equal(t, srv.History().ChangeCount(), cl.History().ChangeCount())
	for _, name := range []string{"P1", "P2"} {
		assert.Equal(t, srv.Data().Player(name).Resource("PUs"), cl.Data().Player(name).Resource("PUs"), name)
		assert.Equal(t, srv.Data().Player(name).WhoAmI(), cl.Data().Player(name).WhoAmI(), name)
	}
	assert.Equal(t, "Human:Client", cl.Data().Player("P2").WhoAmI())
}

func TestJoin_RejectedWhileDelegateRuns(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()
	alice, err := hub.Join("alice")
	require.NoError(t, err)
	defer alice.Leave()

	cfg := testConfig(t)
	srv, err := server.New(host, twoPlayerGame(), nil, player.NewMapping(map[string]string{"P2": "alice"}), server.Options{Config: cfg})
	require.NoError(t, err)

	_, leave, err := srv.Gate().Enter(context.Background())
	require.NoError(t, err)
	_, err = client.Join(context.Background(), alice, nil, client.Options{Config: cfg, Registry: registry()})
	leave()
	require.ErrorIs(t, err, client.ErrCannotJoin)
	assert.Contains(t, err.Error(), "Could not block delegate execution")
	assert.False(t, hub.HasRemote("observer_waiting.alice"))
	assert.False(t, hub.HasRemote("step_advancer.alice"))

	cl, err := client.Join(context.Background(), alice, nil, client.Options{Config: cfg, Registry: registry()})
	require.NoError(t, err)
	cl.Close()
}
