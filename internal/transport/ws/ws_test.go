package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/messaging"
)

type rig struct {
	hub  *messaging.Hub
	host *messaging.Endpoint
	url  string
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(hub, opts, nil).Handler())
	t.Cleanup(srv.Close)
	return &rig{hub: hub, host: host, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (r *rig) dial(t *testing.T, node string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), r.url, Hello{Node: node}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestClient_Handshake(t *testing.T) {
	r := newRig(t, Options{GameID: func() string { return "g-42" }})
	c := r.dial(t, "alice")
	assert.Equal(t, "alice", c.Node())
	assert.Equal(t, "host", c.ServerNode())
	assert.Equal(t, "g-42", c.GameID())
	waitFor(t, func() bool { return len(r.hub.Nodes()) == 2 })
}

func TestClient_RejectedHandshakes(t *testing.T) {
	r := newRig(t, Options{Password: "secret"})

	_, err := Dial(context.Background(), r.url, Hello{Node: "mallory", Password: "nope"}, nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "E_DENIED")

	c, err := Dial(context.Background(), r.url, Hello{Node: "alice", Password: "secret"}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = Dial(context.Background(), r.url, Hello{Node: "alice", Password: "secret"}, nil)
	require.ErrorIs(t, err, ErrRejected)
}

func TestClient_BroadcastBothWays(t *testing.T) {
	r := newRig(t, Options{})
	c := r.dial(t, "alice")

	fromHost := make(chan messaging.Message, 4)
	c.Subscribe("game.modified", func(m messaging.Message) { fromHost <- m })
	fromClient := make(chan messaging.Message, 4)
	r.host.Subscribe("chat", func(m messaging.Message) { fromClient <- m })
	local := make(chan messaging.Message, 4)
	c.Subscribe("chat", func(m messaging.Message) { local <- m })

	// SUBSCRIBE is asynchronous; keep broadcasting until the first one lands.
	waitFor(t, func() bool {
		_ = r.host.Broadcast("game.modified", map[string]int{"n": 0})
		return len(fromHost) > 0
	})
	require.NoError(t, r.host.Broadcast("game.modified", map[string]int{"n": 1}))
	require.NoError(t, r.host.Broadcast("game.modified", map[string]int{"n": 2}))
	var got []int
	for len(got) < 2 {
		select {
		case m := <-fromHost:
			assert.Equal(t, "host", m.Sender)
			var v struct{ N int }
			require.NoError(t, json.Unmarshal(m.Payload, &v))
			if v.N > 0 {
				got = append(got, v.N)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
	assert.Equal(t, []int{1, 2}, got)

	require.NoError(t, c.Broadcast("chat", "hi"))
	select {
	case m := <-local:
		assert.Equal(t, "alice", m.Sender)
	default:
		t.Fatal("sender subscribers run synchronously")
	}
	select {
	case m := <-fromClient:
		assert.Equal(t, "alice", m.Sender)
		assert.JSONEq(t, `"hi"`, string(m.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("client broadcast not delivered")
	}
	assert.Empty(t, local)
}

func TestClient_CallsBothWays(t *testing.T) {
	r := newRig(t, Options{})
	c := r.dial(t, "alice")

	require.NoError(t, r.host.RegisterRemote("server", func(_ context.Context, call messaging.Call) (any, error) {
		if call.Method == "fail" {
			return nil, messaging.ErrNoSuchRemote
		}
		return map[string]string{"caller": call.Caller, "method": call.Method}, nil
	}))
	b, err := c.Call(context.Background(), "server", "saved_game", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"caller":"alice","method":"saved_game"}`, string(b))

	_, err = c.Call(context.Background(), "server", "fail", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrNoSuchRemote))

	require.NoError(t, c.RegisterRemote("player_random.Red", func(_ context.Context, call messaging.Call) (any, error) {
		var n int
		if err := json.Unmarshal(call.Payload, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}))
	assert.True(t, r.hub.HasRemote("player_random.Red"))
	owner, _ := r.hub.RemoteOwner("player_random.Red")
	assert.Equal(t, "alice", owner)

	b, err = r.host.Call(context.Background(), "player_random.Red", "generate", 21)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(b))

	b, err = c.Call(context.Background(), "player_random.Red", "generate", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `4`, string(b))

	err = c.RegisterRemote("server", func(context.Context, messaging.Call) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrDuplicateRemote))

	c.UnregisterRemote("player_random.Red")
	waitFor(t, func() bool { return !r.hub.HasRemote("player_random.Red") })
	assert.Panics(t, func() { c.UnregisterRemote("player_random.Red") })
}

func TestClient_DisconnectReleasesNode(t *testing.T) {
	r := newRig(t, Options{})
	left := make(chan string, 1)
	r.hub.OnNodeLeft(func(node string) { left <- node })

	c, err := Dial(context.Background(), r.url, Hello{Node: "bob"}, nil)
	require.NoError(t, err)
	block := make(chan struct{})
	require.NoError(t, c.RegisterRemote("step_advancer.bob", func(ctx context.Context, _ messaging.Call) (any, error) {
		<-block
		return nil, nil
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := r.host.Call(context.Background(), "step_advancer.bob", "wait", nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())
	close(block)

	select {
	case node := <-left:
		assert.Equal(t, "bob", node)
	case <-time.After(3 * time.Second):
		t.Fatal("node left not reported")
	}
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, messaging.ErrNodeLeft))
	case <-time.After(3 * time.Second):
		t.Fatal("pending call not failed")
	}
	assert.False(t, r.hub.HasRemote("step_advancer.bob"))

	_, err = c.Call(context.Background(), "server", "x", nil)
	assert.Error(t, err)
	assert.ErrorIs(t, c.Broadcast("chat", 1), messaging.ErrClosed)
	<-c.Done()
}
