package eventstore_test

import (
	"context"
	"testing"

	"github.com/albe/eventstore/internal/consumer"
	"github.com/albe/eventstore/pkg/eventstore"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := eventstore.NewStore(
		context.Background(),
		"eventstore-test",
		[]byte("secret"),
		matcher.NewRegistry(),
		func(o *options.Options) { o.DataDir = dir },
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAppendAndReadStreamRoundTrips(t *testing.T) {
	s := newTestStore(t)

	result, err := s.Append("orders", []any{
		map[string]any{"id": 1},
		map[string]any{"id": 2},
	}, eventstore.ExpectedVersionEmptyStream, map[string]any{"source": "test"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.FirstSeqNo)
	require.Equal(t, int64(2), result.LastSeqNo)

	es, err := s.ReadStream("orders")
	require.NoError(t, err)

	events, err := es.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "orders", events[0].StreamName)
}

func TestStoreAppendRejectsWrongExpectedVersion(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("orders", []any{map[string]any{"id": 1}}, eventstore.ExpectedVersionAny, nil, nil)
	require.NoError(t, err)

	_, err = s.Append("orders", []any{map[string]any{"id": 2}}, eventstore.ExpectedVersionEmptyStream, nil, nil)
	require.Error(t, err)
}

func TestStoreCreateStreamAndJoinStreams(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("orders", []any{map[string]any{"kind": "order"}}, eventstore.ExpectedVersionAny, nil, nil)
	require.NoError(t, err)
	_, err = s.Append("payments", []any{map[string]any{"kind": "payment"}}, eventstore.ExpectedVersionAny, nil, nil)
	require.NoError(t, err)

	joined, err := s.JoinStreams([]string{"orders", "payments"})
	require.NoError(t, err)

	events, err := joined.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestStoreSubscribeDeliversCommittedEvents(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("orders", []any{map[string]any{"id": 1}}, eventstore.ExpectedVersionAny, nil, nil)
	require.NoError(t, err)

	c, err := s.Subscribe("orders", "counter", nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	caughtUp := make(chan struct{}, 1)
	c.OnCaughtUp().Subscribe(func(struct{}) { caughtUp <- struct{}{} })

	c2, err := s.Subscribe("orders", "counter2", nil)
	require.NoError(t, err)
	t.Cleanup(c2.Close)

	_, err = c.Subscribe(func(evt eventstore.Event, setState consumer.SetStateFunc) error { return nil })
	require.NoError(t, err)

	<-caughtUp
	require.Equal(t, int64(1), c.Position())
}
