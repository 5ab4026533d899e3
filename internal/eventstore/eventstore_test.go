package eventstore_test

import (
	"testing"
	"time"

	"github.com/albe/eventstore/internal/eventstore"
	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *eventstore.EventStore {
	t.Helper()
	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()

	ws, err := storage.OpenWritable(&opts, nil, []byte("secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	es, err := eventstore.New(ws, zap.NewNop().Sugar())
	require.NoError(t, err)
	return es
}

func TestCommitStampsSharedMetadataAndReturnsSeqNoRange(t *testing.T) {
	es := newTestStore(t)

	result, err := es.Commit(
		"orders",
		[]any{map[string]any{"id": "o1"}, map[string]any{"id": "o2"}, map[string]any{"id": "o3"}},
		eventstore.ExpectedVersionEmptyStream,
		map[string]any{"actor": "tester"},
		nil,
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.FirstSeqNo)
	require.Equal(t, int64(3), result.LastSeqNo)
	require.NotEqual(t, result.CommitID.String(), "")

	require.Equal(t, int64(3), es.Storage().StreamVersion("orders"))
}

func TestCommitOnCommittedFiresOnceBatchIsDurable(t *testing.T) {
	es := newTestStore(t)

	done := make(chan eventstore.CommitResult, 1)
	_, err := es.Commit(
		"orders",
		[]any{map[string]any{"id": "o1"}, map[string]any{"id": "o2"}},
		eventstore.ExpectedVersionAny,
		nil,
		func(r eventstore.CommitResult) { done <- r },
	)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.Equal(t, int64(1), r.FirstSeqNo)
		require.Equal(t, int64(2), r.LastSeqNo)
	case <-time.After(time.Second):
		t.Fatal("onCommitted never fired")
	}
}

func TestCommitExpectedVersionMismatchFailsWithOptimisticConcurrencyError(t *testing.T) {
	es := newTestStore(t)

	_, err := es.Commit("orders", []any{"e1", "e2", "e3"}, eventstore.ExpectedVersionExact(0), nil, nil)
	require.NoError(t, err)

	_, err = es.Commit("orders", []any{"e4"}, eventstore.ExpectedVersionExact(2), nil, nil)
	require.Error(t, err)
	require.Equal(t, errors.ErrorCodeOptimisticConcurrency, errors.GetErrorCode(err))

	result, err := es.Commit("orders", []any{"e4"}, eventstore.ExpectedVersionExact(3), nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), result.LastSeqNo)
	require.Equal(t, int64(4), es.Storage().StreamVersion("orders"))
}

func TestCommitEmptyStreamRejectsNonEmptyStream(t *testing.T) {
	es := newTestStore(t)

	_, err := es.Commit("orders", []any{"e1"}, eventstore.ExpectedVersionAny, nil, nil)
	require.NoError(t, err)

	_, err = es.Commit("orders", []any{"e2"}, eventstore.ExpectedVersionEmptyStream, nil, nil)
	require.Error(t, err)
}

func TestCommitRejectsEmptyEventBatch(t *testing.T) {
	es := newTestStore(t)
	_, err := es.Commit("orders", nil, eventstore.ExpectedVersionAny, nil, nil)
	require.Error(t, err)
}
