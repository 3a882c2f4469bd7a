package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping(t *testing.T) {
	m := NewMapping(map[string]string{"Red": "host", "Blue": "alice"})
	m.Set("Green", "alice")
	assert.Equal(t, []string{"Blue", "Green"}, m.Players("alice"))
	assert.Equal(t, []string{"alice", "host"}, m.Nodes())
	n, ok := m.Node("Red")
	require.True(t, ok)
	assert.Equal(t, "host", n)

	snap := m.Snapshot()
	m.Remove("Red")
	assert.Equal(t, "host", snap["Red"], "snapshot is a copy")
	_, ok = m.Node("Red")
	assert.False(t, ok)
}

func TestManual_WaitsForDone(t *testing.T) {
	p := NewManual("Red", "Human:Alice")
	assert.False(t, p.IsAI())
	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), nil, "redMove") }()

	var turn *Turn
	select {
	case turn = <-p.Turns():
	case <-time.After(2 * time.Second):
		t.Fatal("no turn published")
	}
	assert.Equal(t, "redMove", turn.Step)
	select {
	case <-done:
		t.Fatal("start returned before the turn was done")
	case <-time.After(20 * time.Millisecond):
	}
	turn.Done()
	turn.Done()
	require.NoError(t, <-done)
}

func TestManual_StopGameUnblocks(t *testing.T) {
	p := NewManual("Red", "Human:Alice")
	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), nil, "redMove") }()
	p.StopGame()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock start")
	}
}

func TestScripted(t *testing.T) {
	var steps []string
	p := NewScripted("Blue", "AI:Easy", func(_ context.Context, _ Bridge, step string) error {
		steps = append(steps, step)
		return nil
	})
	assert.True(t, p.IsAI())
	require.NoError(t, p.Start(context.Background(), nil, "blueMove"))
	p.StopGame()
	require.ErrorIs(t, p.Start(context.Background(), nil, "blueMove"), ErrStopped)
	assert.Equal(t, []string{"blueMove"}, steps)
}
