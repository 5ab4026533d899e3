package index_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/albe/eventstore/internal/index"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestIndex(t *testing.T, name string, metadata []byte) *index.Index {
	t.Helper()
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), name+".index")
	idx, err := index.Open(path, name, metadata, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func addAndWait(t *testing.T, idx *index.Index, entry index.IndexEntry) int64 {
	t.Helper()
	done := make(chan struct{})
	n, err := idx.Add(entry, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush callback never fired")
	}
	return n
}

func TestIndexSequentialAppendAndReadBack(t *testing.T) {
	idx := newTestIndex(t, "primary", nil)

	for i := int64(1); i <= 100; i++ {
		n := addAndWait(t, idx, index.IndexEntry{Number: i, Position: i * 10, Size: 20, Partition: 1})
		require.Equal(t, i, n)
	}

	all := idx.All()
	require.Len(t, all, 100)
	for i, entry := range all {
		require.Equal(t, int64(i+1), entry.Number)
	}
}

func TestIndexRandomGet(t *testing.T) {
	idx := newTestIndex(t, "random", nil)
	for i := int64(1); i <= 10; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: i})
	}

	entry, ok := idx.Get(5)
	require.True(t, ok)
	require.Equal(t, int64(5), entry.Number)

	_, ok = idx.Get(0)
	require.False(t, ok)

	_, ok = idx.Get(11)
	require.False(t, ok)
}

func TestIndexRangeFromEnd(t *testing.T) {
	idx := newTestIndex(t, "rangeend", nil)
	for i := int64(1); i <= 50; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: i})
	}

	last15, ok := idx.Range(-15, 0)
	require.True(t, ok)
	require.Len(t, last15, 15)
	require.Equal(t, int64(36), last15[0].Number)
	require.Equal(t, int64(50), last15[14].Number)

	first35, ok := idx.Range(1, -15)
	require.True(t, ok)
	require.Len(t, first35, 35)
	require.Equal(t, int64(1), first35[0].Number)
	require.Equal(t, int64(35), first35[34].Number)
}

func TestIndexFindBinarySearch(t *testing.T) {
	idx := newTestIndex(t, "find", nil)
	for i := int64(1); i <= 50; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: 2 * i})
	}

	require.Equal(t, int64(12), idx.Find(25))
	require.Equal(t, int64(50), idx.Find(100))
	require.Equal(t, int64(0), idx.Find(0))
	require.Equal(t, int64(25), idx.Find(50))
}

func TestIndexFindOnEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, "empty", nil)
	require.Equal(t, int64(0), idx.Find(42))
}

func TestIndexTruncateMidBuffer(t *testing.T) {
	idx := newTestIndex(t, "truncate", nil)
	for i := int64(1); i <= 50; i++ {
		_, err := idx.Add(index.IndexEntry{Number: i}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, idx.Truncate(25))
	require.Equal(t, int64(25), idx.Length())

	_, ok := idx.Get(26)
	require.False(t, ok)

	require.NoError(t, idx.Truncate(25))
	require.Equal(t, int64(25), idx.Length())
}

func TestIndexBoundaries(t *testing.T) {
	idx := newTestIndex(t, "boundaries", nil)
	for i := int64(1); i <= 10; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: i})
	}

	_, ok := idx.Range(0, 0)
	require.False(t, ok)

	_, ok = idx.Range(1, 11)
	require.False(t, ok)

	_, ok = idx.Range(15, 10)
	require.False(t, ok)
}

func TestIndexMetadataRoundTrip(t *testing.T) {
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), "meta.index")

	meta := []byte(`{"stream":"orders"}`)
	idx, err := index.Open(path, "meta", meta, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := index.Open(path, "meta", meta, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, reopened.Close())

	_, err = index.Open(path, "meta", []byte(`{"stream":"other"}`), &opts, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestIndexOnAppendFiresOncePerFlush(t *testing.T) {
	idx := newTestIndex(t, "onappend", nil)

	var got []index.AppendEvent
	var mu sync.Mutex
	idx.OnAppend().Subscribe(func(e index.AppendEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	addAndWait(t, idx, index.IndexEntry{Number: 1})
	addAndWait(t, idx, index.IndexEntry{Number: 2})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, index.AppendEvent{PrevLen: 0, NewLen: 1}, got[0])
	require.Equal(t, index.AppendEvent{PrevLen: 1, NewLen: 2}, got[1])
}

func TestIndexOnTruncateFires(t *testing.T) {
	idx := newTestIndex(t, "ontruncate", nil)
	for i := int64(1); i <= 10; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: i})
	}

	var got *index.TruncateEvent
	idx.OnTruncate().Subscribe(func(e index.TruncateEvent) {
		got = &e
	})

	require.NoError(t, idx.Truncate(4))
	require.NotNil(t, got)
	require.Equal(t, index.TruncateEvent{PrevLen: 10, NewLen: 4}, *got)
}

func TestIndexReloadPicksUpExternalGrowth(t *testing.T) {
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), "reload.index")

	writer, err := index.Open(path, "reload", nil, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer writer.Close()

	reader, err := index.Open(path, "reload", nil, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer reader.Close()

	var got []index.AppendEvent
	reader.OnAppend().Subscribe(func(e index.AppendEvent) {
		got = append(got, e)
	})

	addAndWait(t, writer, index.IndexEntry{Number: 1})
	require.NoError(t, reader.Reload())

	entry, ok := reader.Get(1)
	require.True(t, ok)
	require.Equal(t, int64(1), entry.Number)
	require.Len(t, got, 1)

	require.NoError(t, reader.Reload())
	require.Len(t, got, 1)
}

func TestIndexCloseThenReopenPreservesLength(t *testing.T) {
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), "reopen.index")

	idx, err := index.Open(path, "reopen", nil, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		addAndWait(t, idx, index.IndexEntry{Number: i})
	}
	require.NoError(t, idx.Close())

	reopened, err := index.Open(path, "reopen", nil, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(5), reopened.Length())
}
