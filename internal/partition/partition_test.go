package partition_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/albe/eventstore/internal/partition"
	"github.com/albe/eventstore/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPartition(t *testing.T, name string) *partition.Partition {
	t.Helper()
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), name+".partition")
	p, err := partition.Open(path, name, &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func writeAndWait(t *testing.T, p *partition.Partition, data []byte) int64 {
	t.Helper()
	done := make(chan struct{})
	pos, err := p.Write(data, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush callback never fired")
	}
	return pos
}

func TestPartitionWriteAndReadBack(t *testing.T) {
	p := newTestPartition(t, "orders")

	pos := writeAndWait(t, p, []byte("hello world"))
	require.Equal(t, int64(0), pos)

	data, ok, err := p.ReadFrom(pos, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), data)
}

func TestPartitionSequentialAppendAndReadAll(t *testing.T) {
	p := newTestPartition(t, "stream")

	var positions []int64
	for i := 0; i < 20; i++ {
		positions = append(positions, writeAndWait(t, p, []byte{byte(i)}))
	}

	var collected []byte
	for doc := range p.ReadAll() {
		collected = append(collected, doc...)
	}
	require.Len(t, collected, 20)
	for i, b := range collected {
		require.Equal(t, byte(i), b)
	}
}

func TestPartitionReadFromOutOfRange(t *testing.T) {
	p := newTestPartition(t, "empty")

	_, ok, err := p.ReadFrom(0, -1)
	require.NoError(t, err)
	require.False(t, ok)

	writeAndWait(t, p, []byte("x"))

	_, ok, err = p.ReadFrom(1000, -1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPartitionExpectedSizeMismatch(t *testing.T) {
	p := newTestPartition(t, "sizes")
	pos := writeAndWait(t, p, []byte("abcdef"))

	_, _, err := p.ReadFrom(pos, 3)
	require.Error(t, err)
}

func TestPartitionTruncate(t *testing.T) {
	p := newTestPartition(t, "truncate")

	writeAndWait(t, p, []byte("one"))
	secondPos := writeAndWait(t, p, []byte("two"))
	writeAndWait(t, p, []byte("three"))

	require.NoError(t, p.Truncate(secondPos))
	require.Equal(t, secondPos, p.Size())

	_, ok, err := p.ReadFrom(secondPos, -1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Truncate(secondPos))
	require.Equal(t, secondPos, p.Size())
}

func TestPartitionClosePreventsFurtherWrites(t *testing.T) {
	p := newTestPartition(t, "closing")
	require.NoError(t, p.Close())

	_, err := p.Write([]byte("x"), nil)
	require.Error(t, err)
}

func TestPartitionReopenPreservesContent(t *testing.T) {
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), "reopen.partition")

	p, err := partition.Open(path, "reopen", &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	writeAndWait(t, p, []byte("persisted"))
	require.NoError(t, p.Close())

	reopened, err := partition.Open(path, "reopen", &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer reopened.Close()

	data, ok, err := reopened.ReadFrom(0, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), data)
}

func TestPartitionWriteLargerThanBuffer(t *testing.T) {
	opts := options.NewDefaultOptions()
	opts.PartitionOptions.WriteBufferSize = 16
	path := filepath.Join(t.TempDir(), "large.partition")

	p, err := partition.Open(path, "large", &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.Close()

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	pos := writeAndWait(t, p, big)
	data, ok, err := p.ReadFrom(pos, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, data)
}

func TestPartitionOnAppendFiresOncePerFlush(t *testing.T) {
	p := newTestPartition(t, "onappend")

	var got []partition.AppendEvent
	var mu sync.Mutex
	p.OnAppend().Subscribe(func(e partition.AppendEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	writeAndWait(t, p, []byte("one"))
	writeAndWait(t, p, []byte("two"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, int64(0), got[0].PrevSize)
	require.Equal(t, int64(0)+int64(len("one"))+partition.FrameOverhead, got[0].NewSize)
}

func TestPartitionOnTruncateFires(t *testing.T) {
	p := newTestPartition(t, "ontruncate")
	writeAndWait(t, p, []byte("one"))
	secondPos := writeAndWait(t, p, []byte("two"))
	writeAndWait(t, p, []byte("three"))

	var got *partition.TruncateEvent
	p.OnTruncate().Subscribe(func(e partition.TruncateEvent) {
		got = &e
	})

	require.NoError(t, p.Truncate(secondPos))
	require.NotNil(t, got)
	require.Equal(t, secondPos, got.NewSize)
}

func TestPartitionReloadPicksUpExternalGrowth(t *testing.T) {
	opts := options.NewDefaultOptions()
	path := filepath.Join(t.TempDir(), "reload.partition")

	writer, err := partition.Open(path, "reload", &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer writer.Close()

	reader, err := partition.Open(path, "reload", &opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer reader.Close()

	var got []partition.AppendEvent
	reader.OnAppend().Subscribe(func(e partition.AppendEvent) {
		got = append(got, e)
	})

	writeAndWait(t, writer, []byte("from writer"))
	require.NoError(t, reader.Reload())

	data, ok, err := reader.ReadFrom(0, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("from writer"), data)
	require.Len(t, got, 1)

	require.NoError(t, reader.Reload())
	require.Len(t, got, 1)
}

func TestPartitionConcurrentReaders(t *testing.T) {
	p := newTestPartition(t, "concurrent")
	pos := writeAndWait(t, p, []byte("shared"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, ok, err := p.ReadFrom(pos, -1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("shared"), data)
		}()
	}
	wg.Wait()
}
