package gamechan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/messaging"
)

type recorder struct {
	ops     []string
	changes []data.Change
	steps   []StepChange
	render  []history.Rendering
}

func (r *recorder) GameDataChanged(c data.Change) {
	r.ops = append(r.ops, OpGameDataChanged)
	r.changes = append(r.changes, c)
}
func (r *recorder) StartHistoryEvent(text string, rd history.Rendering) {
	r.ops = append(r.ops, OpStartHistoryEvent+":"+text)
	r.render = append(r.render, rd)
}
func (r *recorder) AddChildToEvent(title string, rd history.Rendering) {
	r.ops = append(r.ops, OpAddChildToEvent+":"+title)
	r.render = append(r.render, rd)
}
func (r *recorder) SetRenderingData(rd history.Rendering) {
	r.ops = append(r.ops, OpSetRenderingData)
	r.render = append(r.render, rd)
}
func (r *recorder) StepChanged(s StepChange) {
	r.ops = append(r.ops, OpStepChanged)
	r.steps = append(r.steps, s)
}
func (r *recorder) ShutDown() { r.ops = append(r.ops, OpShutDown) }

func TestBroadcastDispatch(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()

	rec := &recorder{}
	var errs []error
	Subscribe(host, rec, func(err error) { errs = append(errs, err) })

	b := NewBroadcaster(host)
	require.NoError(t, b.StepChanged(StepChange{StepName: "redMove", DelegateName: "move", Player: "Red", Round: 2}))
	require.NoError(t, b.StartHistoryEvent("Red moves", nil))
	require.NoError(t, b.AddChildToEvent("note", history.Note{Text: "x"}))
	require.NoError(t, b.GameDataChanged(&data.ChangeResource{Player: "Red", Resource: "PUs", Delta: 3}))
	require.NoError(t, b.ShutDown())

	require.Empty(t, errs)
	assert.Equal(t, []string{
		OpStepChanged,
		OpStartHistoryEvent + ":Red moves",
		OpAddChildToEvent + ":note",
		OpGameDataChanged,
		OpShutDown,
	}, rec.ops)
	assert.Equal(t, 2, rec.steps[0].Round)
	assert.Equal(t, &data.ChangeResource{Player: "Red", Resource: "PUs", Delta: 3}, rec.changes[0])
	assert.Nil(t, rec.render[0])
	assert.Equal(t, uint64(5), b.Seq())
	assert.Equal(t, history.Note{Text: "x"}, rec.render[1])
}

func TestSubscribe_RejectsNonServerSender(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()
	rogue, err := hub.Join("rogue")
	require.NoError(t, err)
	defer rogue.Leave()

	rec := &recorder{}
	errc := make(chan error, 1)
	Subscribe(host, rec, func(err error) { errc <- err })
	require.NoError(t, NewBroadcaster(rogue).ShutDown())

	err = <-errc
	assert.True(t, errors.Is(err, ErrNotServer))
	assert.Empty(t, rec.ops)
}

func TestDispatch_Malformed(t *testing.T) {
	rec := &recorder{}
	require.Error(t, Dispatch([]byte(`{"op":"nope"}`), rec))
	require.Error(t, Dispatch([]byte(`{"op":"game_data_changed"}`), rec))
	require.Error(t, Dispatch([]byte(`{"op":"step_changed"}`), rec))
	require.Error(t, Dispatch([]byte(`not json`), rec))
	assert.Empty(t, rec.ops)
}

func TestBroadcaster_NumbersEvents(t *testing.T) {
	hub := messaging.NewHub("host", nil)
	host, err := hub.Join("host")
	require.NoError(t, err)
	defer host.Leave()

	var seqs []uint64
	host.Subscribe(Channel, func(m messaging.Message) {
		ev, err := Decode(m.Payload)
		require.NoError(t, err)
		seqs = append(seqs, ev.Seq)
	})
	b := NewBroadcaster(host)
	assert.Equal(t, uint64(0), b.Seq())
	require.NoError(t, b.StartHistoryEvent("a", nil))
	require.NoError(t, b.ShutDown())
	assert.Equal(t, []uint64{1, 2}, seqs)
}
