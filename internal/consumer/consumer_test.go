package consumer_test

import (
	"encoding/json"
	"testing"

	"github.com/albe/eventstore/internal/consumer"
	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/internal/stream"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T) *storage.WritableStorage {
	t.Helper()
	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()

	ws, err := storage.OpenWritable(&opts, nil, []byte("secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

type counterState struct {
	V int `json:"v"`
}

func TestConsumerExactlyOnceAdvancesPositionWithState(t *testing.T) {
	ws := newTestStorage(t)
	opts := options.NewDefaultOptions()
	opts.DataDir = ws.DataDir()

	for i := 0; i < 3; i++ {
		_, err := ws.Append("orders", map[string]any{"d": 1}, nil, nil)
		require.NoError(t, err)
	}

	c, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "orders", "counter", counterState{V: 0})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	caughtUp := make(chan struct{}, 1)
	c.OnCaughtUp().Subscribe(func(struct{}) { caughtUp <- struct{}{} })

	unsubscribe, err := c.Subscribe(func(evt stream.Event, setState consumer.SetStateFunc) error {
		setState(func(prev json.RawMessage) any {
			var s counterState
			_ = json.Unmarshal(prev, &s)
			return counterState{V: s.V + 1}
		})
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)

	<-caughtUp

	require.Equal(t, int64(3), c.Position())
	var final counterState
	require.NoError(t, json.Unmarshal(c.State(), &final))
	require.Equal(t, 3, final.V)
}

func TestConsumerRestartResumesFromPersistedCheckpoint(t *testing.T) {
	ws := newTestStorage(t)
	opts := options.NewDefaultOptions()
	opts.DataDir = ws.DataDir()

	for i := 0; i < 3; i++ {
		_, err := ws.Append("orders", map[string]any{"d": 1}, nil, nil)
		require.NoError(t, err)
	}

	c1, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "orders", "counter", counterState{V: 0})
	require.NoError(t, err)

	caughtUp := make(chan struct{}, 1)
	c1.OnCaughtUp().Subscribe(func(struct{}) { caughtUp <- struct{}{} })
	_, err = c1.Subscribe(func(evt stream.Event, setState consumer.SetStateFunc) error {
		setState(func(prev json.RawMessage) any {
			var s counterState
			_ = json.Unmarshal(prev, &s)
			return counterState{V: s.V + 1}
		})
		return nil
	})
	require.NoError(t, err)
	<-caughtUp
	c1.Close()

	c2, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "orders", "counter", counterState{V: 0})
	require.NoError(t, err)
	t.Cleanup(c2.Close)
	require.Equal(t, int64(3), c2.Position())

	var state counterState
	require.NoError(t, json.Unmarshal(c2.State(), &state))
	require.Equal(t, 3, state.V)
}

func TestConsumerResetRewindsPositionAndState(t *testing.T) {
	ws := newTestStorage(t)
	opts := options.NewDefaultOptions()
	opts.DataDir = ws.DataDir()

	_, err := ws.Append("orders", map[string]any{"d": 1}, nil, nil)
	require.NoError(t, err)

	c, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "orders", "counter", counterState{V: 0})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Reset(counterState{V: 7}, 2))
	require.Equal(t, int64(2), c.Position())

	var state counterState
	require.NoError(t, json.Unmarshal(c.State(), &state))
	require.Equal(t, 7, state.V)
}

func TestConsumerSecondSubscribeFailsWhileHandlerActive(t *testing.T) {
	ws := newTestStorage(t)
	opts := options.NewDefaultOptions()
	opts.DataDir = ws.DataDir()

	_, err := ws.Append("orders", "e", nil, nil)
	require.NoError(t, err)

	c, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "orders", "counter", nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Subscribe(func(stream.Event, consumer.SetStateFunc) error { return nil })
	require.NoError(t, err)

	_, err = c.Subscribe(func(stream.Event, consumer.SetStateFunc) error { return nil })
	require.Error(t, err)
}

func TestConsumerUnknownStreamFails(t *testing.T) {
	ws := newTestStorage(t)
	opts := options.NewDefaultOptions()
	opts.DataDir = ws.DataDir()

	_, err := consumer.New(ws, &opts, zap.NewNop().Sugar(), "missing", "counter", nil)
	require.Error(t, err)
}
