package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOptions(t *testing.T) *options.Options {
	t.Helper()
	opts := options.NewDefaultOptions()
	opts.DataDir = t.TempDir()
	return &opts
}

func openWritable(t *testing.T, opts *options.Options) *storage.WritableStorage {
	t.Helper()
	ws, err := storage.OpenWritable(opts, nil, []byte("test-secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func appendAndWait(t *testing.T, ws *storage.WritableStorage, stream string, payload any, metadata map[string]any) {
	t.Helper()
	done := make(chan struct{})
	_, err := ws.Append(stream, payload, metadata, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("append flush callback never fired")
	}
}

func TestWritableStorageAppendCreatesPartitionAndPrimaryEntry(t *testing.T) {
	ws := openWritable(t, newTestOptions(t))

	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, map[string]any{"type": "OrderPlaced"})

	entry, ok := ws.Primary().Get(1)
	require.True(t, ok)
	require.Equal(t, int64(1), entry.Number)

	idx, ok := ws.Stream("orders")
	require.True(t, ok)
	require.Equal(t, int64(1), idx.Length())
	require.True(t, ws.HasWriteStream("orders"))
}

func TestWritableStorageAppendRoutesIntoMultiplePartitions(t *testing.T) {
	ws := openWritable(t, newTestOptions(t))

	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, nil)
	appendAndWait(t, ws, "payments", map[string]any{"id": "p1"}, nil)
	appendAndWait(t, ws, "orders", map[string]any{"id": "o2"}, nil)

	require.Equal(t, int64(3), ws.Primary().Length())
	require.Equal(t, int64(2), ws.StreamVersion("orders"))
	require.Equal(t, int64(1), ws.StreamVersion("payments"))
}

func TestWritableStorageCreateStreamBackfillsMatchingHistory(t *testing.T) {
	ws := openWritable(t, newTestOptions(t))

	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, map[string]any{"type": "OrderPlaced"})
	appendAndWait(t, ws, "orders", map[string]any{"id": "o2"}, map[string]any{"type": "OrderCancelled"})
	appendAndWait(t, ws, "orders", map[string]any{"id": "o3"}, map[string]any{"type": "OrderPlaced"})

	err := ws.CreateStream("placed-orders", matcher.NewEqualityMatcher(map[string]any{"type": "OrderPlaced"}))
	require.NoError(t, err)

	idx, ok := ws.Stream("placed-orders")
	require.True(t, ok)
	require.Equal(t, int64(2), idx.Length())

	appendAndWait(t, ws, "orders", map[string]any{"id": "o4"}, map[string]any{"type": "OrderPlaced"})
	require.Equal(t, int64(3), idx.Length())
}

func TestWritableStorageCreateStreamRejectsDuplicateName(t *testing.T) {
	ws := openWritable(t, newTestOptions(t))

	require.NoError(t, ws.CreateStream("all-orders", matcher.NewEqualityMatcher(nil)))
	err := ws.CreateStream("all-orders", matcher.NewEqualityMatcher(nil))
	require.Error(t, err)
}

func TestWritableStorageSecondWriterFailsToAcquireLock(t *testing.T) {
	opts := newTestOptions(t)
	ws := openWritable(t, opts)
	_ = ws

	_, err := storage.OpenWritable(opts, nil, nil, nil, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestWritableStorageReopenRediscoversStreamsFromCatalog(t *testing.T) {
	opts := newTestOptions(t)

	ws, err := storage.OpenWritable(opts, nil, []byte("test-secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)

	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, map[string]any{"type": "OrderPlaced"})
	require.NoError(t, ws.CreateStream("placed-orders", matcher.NewEqualityMatcher(map[string]any{"type": "OrderPlaced"})))
	require.NoError(t, ws.Close())

	reopened := openWritable(t, opts)
	require.Equal(t, int64(1), reopened.Primary().Length())
	require.True(t, reopened.HasWriteStream("orders"))

	idx, ok := reopened.Stream("placed-orders")
	require.True(t, ok)
	require.Equal(t, int64(1), idx.Length())
}

func TestWritableStorageWroteAndIndexAddEventsFire(t *testing.T) {
	ws := openWritable(t, newTestOptions(t))

	var wrote []storage.WroteEvent
	ws.OnWrote().Subscribe(func(e storage.WroteEvent) { wrote = append(wrote, e) })

	var indexed []storage.IndexAddEvent
	ws.OnIndexAdd().Subscribe(func(e storage.IndexAddEvent) { indexed = append(indexed, e) })

	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, nil)

	require.Eventually(t, func() bool { return len(wrote) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(indexed) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "orders", indexed[0].StreamName)
}

func TestWritableStorageMatcherFingerprintMismatchOnTamperedCatalog(t *testing.T) {
	opts := newTestOptions(t)

	ws, err := storage.OpenWritable(opts, nil, []byte("secret-one"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, ws.CreateStream("all", matcher.NewEqualityMatcher(map[string]any{"type": "X"})))
	require.NoError(t, ws.Close())

	_, err = storage.OpenWritable(opts, nil, []byte("different-secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestReadableStorageDiscoversStreamsFromCatalog(t *testing.T) {
	opts := newTestOptions(t)

	ws := openWritable(t, opts)
	appendAndWait(t, ws, "orders", map[string]any{"id": "o1"}, map[string]any{"type": "OrderPlaced"})
	require.NoError(t, ws.CreateStream("placed-orders", matcher.NewEqualityMatcher(map[string]any{"type": "OrderPlaced"})))

	rs, err := storage.OpenReadable(opts, nil, []byte("test-secret"), matcher.NewRegistry(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer rs.Close()

	require.Equal(t, int64(1), rs.Primary().Length())
	idx, ok := rs.Stream("placed-orders")
	require.True(t, ok)
	require.Equal(t, int64(1), idx.Length())
}

func TestReadableStorageRefusesMissingDirectory(t *testing.T) {
	opts := newTestOptions(t)
	opts.DataDir = filepath.Join(opts.DataDir, "does-not-exist")

	_, err := storage.OpenReadable(opts, nil, nil, nil, zap.NewNop().Sugar())
	require.Error(t, err)
}
