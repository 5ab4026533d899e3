package stream_test

import (
	"testing"

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

func appendN(t *testing.T, ws *storage.WritableStorage, streamName string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := ws.Append(streamName, map[string]any{"i": i}, nil, nil)
		require.NoError(t, err)
	}
}

func TestEventStreamForwardsWholeStream(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 5)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)

	events, err := es.Events()
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.Equal(t, float64(i+1), e.Payload.(map[string]any)["i"])
	}
}

func TestEventStreamLastN(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 50)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	events, err := es.Last(15).Events()
	require.NoError(t, err)
	require.Len(t, events, 15)
	require.Equal(t, float64(36), events[0].Payload.(map[string]any)["i"])
	require.Equal(t, float64(50), events[14].Payload.(map[string]any)["i"])
}

func TestEventStreamFromUntil(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 50)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	events, err := es.From(1).Until(-15).Events()
	require.NoError(t, err)
	require.Len(t, events, 35)
	require.Equal(t, float64(1), events[0].Payload.(map[string]any)["i"])
	require.Equal(t, float64(35), events[34].Payload.(map[string]any)["i"])
}

func TestEventStreamBackwards(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 3)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	events, err := es.Backwards().Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, float64(3), events[0].Payload.(map[string]any)["i"])
	require.Equal(t, float64(1), events[2].Payload.(map[string]any)["i"])
}

func TestEventStreamEmptyStream(t *testing.T) {
	ws := newTestStorage(t)
	require.NoError(t, ws.CreateStream("empty", matcher.NewEqualityMatcher(nil)))

	es, err := stream.NewEventStream(ws, "empty")
	require.NoError(t, err)
	events, err := es.Events()
	require.NoError(t, err)
	require.Empty(t, events)

	_, ok, err := es.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEventStreamBoundsPanicAfterIterationBegins(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 3)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	_, _, err = es.Next()
	require.NoError(t, err)

	require.Panics(t, func() { es.Backwards() })
}

func TestEventStreamResetDoesNotPanicAndRematerializes(t *testing.T) {
	ws := newTestStorage(t)
	appendN(t, ws, "orders", 2)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	first, err := es.Events()
	require.NoError(t, err)
	require.Len(t, first, 2)

	appendN(t, ws, "orders", 1)
	es.Reset()

	second, err := es.Events()
	require.NoError(t, err)
	require.Len(t, second, 3)
}

func TestEventStreamNotFound(t *testing.T) {
	ws := newTestStorage(t)
	_, err := stream.NewEventStream(ws, "nope")
	require.Error(t, err)
}

func TestEventStreamLastOfSingleCommit(t *testing.T) {
	ws := newTestStorage(t)
	_, err := ws.Append("orders", "e", nil, nil)
	require.NoError(t, err)

	es, err := stream.NewEventStream(ws, "orders")
	require.NoError(t, err)
	events, err := es.Last(1).Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e", events[0].Payload)
}
