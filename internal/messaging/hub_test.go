package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(t *testing.T, h *Hub, node string) *Endpoint {
	t.Helper()
	e, err := h.Join(node)
	require.NoError(t, err)
	t.Cleanup(e.Leave)
	return e
}

func TestBroadcast_SameNodeIsSynchronous(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	var got []string
	host.Subscribe("c", func(m Message) {
		var s string
		_ = json.Unmarshal(m.Payload, &s)
		got = append(got, s)
	})
	require.NoError(t, host.Broadcast("c", "a"))
	require.NoError(t, host.Broadcast("c", "b"))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBroadcast_OrderedAcrossNodes(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	client := join(t, h, "alice")

	const n = 200
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	client.Subscribe("c", func(m Message) {
		var v int
		_ = json.Unmarshal(m.Payload, &v)
		assert.Equal(t, "host", m.Sender)
		mu.Lock()
		got = append(got, v)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	for i := 0; i < n; i++ {
		require.NoError(t, host.Broadcast("c", i))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcasts not delivered")
	}
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	calls := 0
	unsub := host.Subscribe("c", func(Message) { calls++ })
	require.NoError(t, host.Broadcast("c", 1))
	unsub()
	unsub()
	require.NoError(t, host.Broadcast("c", 2))
	assert.Equal(t, 1, calls)
}

func TestCall_RoundTrip(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	client := join(t, h, "alice")

	require.NoError(t, client.RegisterRemote("echo.alice", func(_ context.Context, c Call) (any, error) {
		assert.Equal(t, "host", c.Caller)
		var s string
		if err := json.Unmarshal(c.Payload, &s); err != nil {
			return nil, err
		}
		return c.Method + ":" + s, nil
	}))
	require.ErrorIs(t, client.RegisterRemote("echo.alice", nil), ErrDuplicateRemote)

	b, err := host.Call(context.Background(), "echo.alice", "say", "hi")
	require.NoError(t, err)
	assert.JSONEq(t, `"say:hi"`, string(b))
}

var errTest = errors.New("test failure")

func TestCall_Errors(t *testing.T) {
	RegisterCode(errTest, "E_BAD_REQUEST")
	h := NewHub("host", nil)
	host := join(t, h, "host")

	_, err := host.Call(context.Background(), "missing", "x", nil)
	require.ErrorIs(t, err, ErrNoSuchRemote)

	require.NoError(t, host.RegisterRemote("fails", func(context.Context, Call) (any, error) {
		return nil, errTest
	}))
	_, err = host.Call(context.Background(), "fails", "x", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "E_BAD_REQUEST", re.Code)
	assert.ErrorIs(t, err, errTest)

	wire := &RemoteError{Code: "E_BAD_REQUEST"}
	assert.ErrorIs(t, wire, errTest, "codes match sentinels without a cause")
}

func TestCall_ContextCancel(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	client := join(t, h, "alice")
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, client.RegisterRemote("slow", func(context.Context, Call) (any, error) {
		<-release
		return nil, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := host.Call(ctx, "slow", "x", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnregisterUnknownPanics(t *testing.T) {
	h := NewHub("host", nil)
	host := join(t, h, "host")
	client := join(t, h, "alice")
	require.NoError(t, client.RegisterRemote("mine", func(context.Context, Call) (any, error) { return nil, nil }))
	assert.Panics(t, func() { host.UnregisterRemote("mine") })
	assert.Panics(t, func() { host.UnregisterRemote("nothing") })
	client.UnregisterRemote("mine")
	assert.False(t, h.HasRemote("mine"))
}

func TestLeave_DropsRemotesAndNotifies(t *testing.T) {
	h := NewHub("host", nil)
	join(t, h, "host")
	client, err := h.Join("alice")
	require.NoError(t, err)
	require.NoError(t, client.RegisterRemote("step_advancer.alice", func(context.Context, Call) (any, error) { return nil, nil }))

	left := make(chan string, 1)
	h.OnNodeLeft(func(n string) { left <- n })
	client.Leave()
	client.Leave()

	assert.Equal(t, "alice", <-left)
	assert.False(t, h.HasRemote("step_advancer.alice"))
	assert.Equal(t, []string{"host"}, h.Nodes())
	require.ErrorIs(t, client.Broadcast("c", 1), ErrClosed)

	_, err = h.Join("host")
	require.ErrorIs(t, err, ErrDuplicateNode)
}
