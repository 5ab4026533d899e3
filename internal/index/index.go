// Package index implements the append-only, fixed-record positional index
// that orders committed documents into a stream: the primary index over
// every document the store has ever accepted, and one secondary index per
// read stream, filtered by that stream's matcher. An index entry never
// changes once written; the only mutation is whole-suffix truncation.
package index

import (
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/events"
	"github.com/albe/eventstore/pkg/options"
	"go.uber.org/zap"
)

// AppendEvent is emitted once per flush that grows an index, carrying the
// entry count immediately before and after the flush.
type AppendEvent struct {
	PrevLen int64
	NewLen  int64
}

// TruncateEvent is emitted once per truncate that shrinks an index.
type TruncateEvent struct {
	PrevLen int64
	NewLen  int64
}

const (
	// magic is the eleven-byte identifier at the start of every index
	// file, followed by an explicit one-byte VERSION field (unlike
	// Partition, which folds its version into the magic string itself).
	magic   = "nestoreidx1"
	version = byte(1)

	// fixedHeaderSize covers magic + newline + version + entrySize byte +
	// the four-byte metadata length field; METADATA follows immediately
	// after and its length varies per index.
	fixedHeaderSize = len(magic) + 1 + 1 + 1 + 4

	// pageSize is the byte budget of one page in the LRU read cache; a
	// page holds entriesPerPage whole records (4096/24 rounds down to
	// 170), so a record is never split across a cache boundary.
	pageSize       = 4096
	entriesPerPage = pageSize / ENTRY_SIZE
)

// FlushFunc is invoked once the entry passed to the Add call that
// registered it has been durably flushed.
type FlushFunc func()

// Index is the append-only positional index file.
type Index struct {
	name       string
	path       string
	file       *os.File
	headerSize int64
	metadata   []byte

	opts *options.Options
	log  *zap.SugaredLogger

	mu sync.Mutex

	length       int64 // total entries, including unflushed buffered ones
	flushedCount int64 // entries already durable on disk

	buffer    []IndexEntry
	callbacks []FlushFunc

	flushScheduled bool
	writeFailed    error

	pageCache *lru.Cache[int64, []byte]

	onAppend   *events.Emitter[AppendEvent]
	onTruncate *events.Emitter[TruncateEvent]

	closed bool
}

// Open opens or creates the index file at path. metadata, if non-nil, is
// compared byte-for-byte against what is already persisted on reopen; a
// mismatch fails with MetadataMismatch. A nil metadata argument accepts
// whatever is already on disk without comparison.
func Open(path, name string, metadata []byte, opts *options.Options, log *zap.SugaredLogger) (*Index, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, name)
	}

	pageCache, err := lru.New[int64, []byte](opts.IndexOptions.PageCacheSize)
	if err != nil {
		file.Close()
		return nil, errors.NewIndexError(err, errors.ErrorCodeInternal, "failed to create index page cache").
			WithOperation("Open")
	}

	idx := &Index{
		name:       name,
		path:       path,
		file:       file,
		opts:       opts,
		log:        log,
		pageCache:  pageCache,
		onAppend:   events.NewEmitter[AppendEvent](),
		onTruncate: events.NewEmitter[TruncateEvent](),
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat index file").
			WithFileName(name).WithPath(path)
	}

	if stat.Size() == 0 {
		if err := idx.writeHeader(metadata); err != nil {
			file.Close()
			return nil, err
		}
		log.Infow("created new index", "name", name, "path", path)
		return idx, nil
	}

	if err := idx.readHeader(metadata); err != nil {
		file.Close()
		return nil, err
	}

	idx.length = (stat.Size() - idx.headerSize) / ENTRY_SIZE
	idx.flushedCount = idx.length
	log.Infow("opened existing index", "name", name, "path", path, "length", idx.length)
	return idx, nil
}

func (idx *Index) writeHeader(metadata []byte) error {
	header := make([]byte, 0, fixedHeaderSize+len(metadata))
	header = append(header, magic...)
	header = append(header, '\n')
	header = append(header, version, byte(ENTRY_SIZE))
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(metadata)))
	header = append(header, lenBuf...)
	header = append(header, metadata...)

	if _, err := idx.file.WriteAt(header, 0); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write index header").
			WithFileName(idx.name).WithPath(idx.path)
	}
	idx.headerSize = int64(len(header))
	idx.metadata = append([]byte(nil), metadata...)
	return nil
}

func (idx *Index) readHeader(metadata []byte) error {
	prefix := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(idx.file, 0, int64(fixedHeaderSize)), prefix); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read index header").
			WithFileName(idx.name).WithPath(idx.path)
	}

	if string(prefix[:len(magic)]) != magic {
		return errors.NewStorageError(nil, errors.ErrorCodeInvalidHeader, "index header magic mismatch").
			WithFileName(idx.name).WithPath(idx.path)
	}
	offset := len(magic) + 1 // skip magic and newline

	if prefix[offset] != version {
		return errors.NewStorageError(nil, errors.ErrorCodeVersionMismatch, "index header version mismatch").
			WithFileName(idx.name).WithPath(idx.path)
	}
	offset++

	onDiskEntrySize := int(prefix[offset])
	offset++
	if onDiskEntrySize != ENTRY_SIZE {
		return errors.NewEntrySizeMismatchError(onDiskEntrySize, ENTRY_SIZE)
	}

	metadataLen := binary.LittleEndian.Uint32(prefix[offset : offset+4])

	onDiskMetadata := make([]byte, metadataLen)
	if metadataLen > 0 {
		if _, err := io.ReadFull(io.NewSectionReader(idx.file, int64(fixedHeaderSize), int64(metadataLen)), onDiskMetadata); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read index metadata").
				WithFileName(idx.name).WithPath(idx.path)
		}
	}

	if metadata != nil && !bytesEqual(metadata, onDiskMetadata) {
		return errors.NewMetadataMismatchError()
	}

	idx.metadata = onDiskMetadata
	idx.headerSize = int64(fixedHeaderSize) + int64(metadataLen)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Metadata returns the index's persisted metadata.
func (idx *Index) Metadata() []byte {
	return idx.metadata
}

// OnAppend returns the emitter subscribers use to learn about index growth,
// fired once per flush that wrote at least one new entry.
func (idx *Index) OnAppend() *events.Emitter[AppendEvent] {
	return idx.onAppend
}

// OnTruncate returns the emitter subscribers use to learn about a
// whole-suffix truncation.
func (idx *Index) OnTruncate() *events.Emitter[TruncateEvent] {
	return idx.onTruncate
}

// Length returns the index's current entry count, including entries
// buffered but not yet flushed.
func (idx *Index) Length() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.length
}

// Add appends entry and returns its new 1-based entry number. onFlush, if
// non-nil, runs once the entry is durable.
func (idx *Index) Add(entry IndexEntry, onFlush FlushFunc) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, errors.NewIndexError(nil, errors.ErrorCodeClosed, "add on closed index").
			WithOperation("Add")
	}
	if idx.writeFailed != nil {
		return 0, idx.writeFailed
	}

	idx.buffer = append(idx.buffer, entry)
	idx.length++
	number := idx.length

	if onFlush != nil {
		idx.callbacks = append(idx.callbacks, onFlush)
	}

	if !idx.flushScheduled {
		idx.flushScheduled = true
		time.AfterFunc(0, idx.scheduledFlush)
	}

	return number, nil
}

func (idx *Index) scheduledFlush() {
	idx.mu.Lock()
	idx.flushScheduled = false
	callbacks, appended, err := idx.flushLocked()
	idx.mu.Unlock()
	if err != nil {
		idx.log.Errorw("scheduled index flush failed", "name", idx.name, "error", err)
	}
	if appended != nil {
		idx.onAppend.Emit(*appended)
	}
	for _, cb := range callbacks {
		cb()
	}
}

// Flush writes any buffered entries to disk and invokes their registered
// callbacks.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	callbacks, appended, err := idx.flushLocked()
	idx.mu.Unlock()
	if appended != nil {
		idx.onAppend.Emit(*appended)
	}
	for _, cb := range callbacks {
		cb()
	}
	return err
}

// flushLocked performs the write-buffer drain. Callers must hold idx.mu and
// must emit the returned append event and run the returned callbacks only
// after releasing it.
func (idx *Index) flushLocked() ([]FlushFunc, *AppendEvent, error) {
	if len(idx.buffer) == 0 {
		callbacks := idx.callbacks
		idx.callbacks = nil
		return callbacks, nil, nil
	}

	prevLen := idx.flushedCount

	raw := make([]byte, len(idx.buffer)*ENTRY_SIZE)
	for i, entry := range idx.buffer {
		encodeEntry(entry, raw[i*ENTRY_SIZE:(i+1)*ENTRY_SIZE])
	}

	writeAt := idx.headerSize + idx.flushedCount*ENTRY_SIZE
	if _, err := idx.file.WriteAt(raw, writeAt); err != nil {
		idx.writeFailed = errors.NewStorageError(err, errors.ErrorCodeIO, "failed to flush index entries").
			WithFileName(idx.name).WithPath(idx.path)
		return nil, nil, idx.writeFailed
	}
	if idx.opts.PartitionOptions.SyncOnFlush {
		if err := idx.file.Sync(); err != nil {
			idx.writeFailed = errors.NewStorageError(err, errors.ErrorCodeIO, "failed to sync index file").
				WithFileName(idx.name).WithPath(idx.path)
			return nil, nil, idx.writeFailed
		}
	}

	idx.flushedCount += int64(len(idx.buffer))
	idx.buffer = idx.buffer[:0]
	idx.pageCache.Purge()

	callbacks := idx.callbacks
	idx.callbacks = nil
	return callbacks, &AppendEvent{PrevLen: prevLen, NewLen: idx.flushedCount}, nil
}

// Get returns the entry at 1-based position n. It returns ok=false for
// n <= 0, n > Length(), or a closed index.
func (idx *Index) Get(n int64) (IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getLocked(n)
}

func (idx *Index) getLocked(n int64) (IndexEntry, bool) {
	if idx.closed || n <= 0 || n > idx.length {
		return IndexEntry{}, false
	}

	if n > idx.flushedCount {
		return idx.buffer[n-idx.flushedCount-1], true
	}

	page := (n - 1) / entriesPerPage
	offsetInPage := (n - 1) % entriesPerPage

	data, ok := idx.pageCache.Get(page)
	if !ok {
		entriesOnPage := entriesPerPage
		if remaining := idx.flushedCount - page*entriesPerPage; remaining < int64(entriesPerPage) {
			entriesOnPage = int(remaining)
		}
		data = make([]byte, entriesOnPage*ENTRY_SIZE)
		readAt := idx.headerSize + page*entriesPerPage*ENTRY_SIZE
		if _, err := io.ReadFull(io.NewSectionReader(idx.file, readAt, int64(len(data))), data); err != nil {
			idx.log.Errorw("failed to read index page", "name", idx.name, "page", page, "error", err)
			return IndexEntry{}, false
		}
		idx.pageCache.Add(page, data)
	}

	recordStart := offsetInPage * ENTRY_SIZE
	return decodeEntry(data[recordStart : recordStart+ENTRY_SIZE]), true
}

// Range returns the inclusive entries [from, to]. A negative from counts
// back from the end (-1 is the last entry: from = length+from+1); a
// negative to is the count of entries to drop off the end (to =
// length+to, so to=-15 on a 50-entry index means "up to entry 35"). It
// returns ok=false when, after normalization, from < 1, to > Length(), or
// from > to. A zero value for to means "through the last entry".
func (idx *Index) Range(from, to int64) ([]IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	length := idx.length
	if from < 0 {
		from = length + from + 1
	}
	if to == 0 {
		to = length
	} else if to < 0 {
		to = length + to
	}

	if from < 1 || to > length || from > to {
		return nil, false
	}

	out := make([]IndexEntry, 0, to-from+1)
	for n := from; n <= to; n++ {
		entry, ok := idx.getLocked(n)
		if !ok {
			return nil, false
		}
		out = append(out, entry)
	}
	return out, true
}

// All returns every entry in the index, equivalent to Range(1, length).
func (idx *Index) All() []IndexEntry {
	entries, ok := idx.Range(1, 0)
	if !ok {
		return nil
	}
	return entries
}

// Find performs a binary search over Number and returns: 0 if
// key < entries[1].Number; Length() if key >= entries[Length()].Number;
// otherwise the largest n with entries[n].Number <= key. Find on an empty
// index returns 0.
func (idx *Index) Find(key int64) int64 {
	idx.mu.Lock()
	length := idx.length
	idx.mu.Unlock()

	if length == 0 {
		return 0
	}

	n := sort.Search(int(length), func(i int) bool {
		entry, ok := idx.Get(int64(i + 1))
		if !ok {
			return true
		}
		return entry.Number > key
	})

	return int64(n)
}

// Reload re-stats the underlying file and picks up entries appended by
// another process sharing this index. Meant for a read-only instance,
// which never buffers entries of its own: if the file holds more whole
// records than the last known length, the new length is adopted, the page
// cache is invalidated, and an AppendEvent fires so subscribers learn
// about the new entries the same way they would for a local append.
func (idx *Index) Reload() error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return errors.NewIndexError(nil, errors.ErrorCodeClosed, "reload on closed index").
			WithOperation("Reload")
	}

	stat, err := idx.file.Stat()
	if err != nil {
		idx.mu.Unlock()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat index file during reload").
			WithFileName(idx.name).WithPath(idx.path)
	}

	onDiskLength := (stat.Size() - idx.headerSize) / ENTRY_SIZE
	if onDiskLength <= idx.length {
		idx.mu.Unlock()
		return nil
	}

	prevLen := idx.length
	idx.length = onDiskLength
	idx.flushedCount = onDiskLength
	idx.pageCache.Purge()
	idx.mu.Unlock()

	idx.onAppend.Emit(AppendEvent{PrevLen: prevLen, NewLen: onDiskLength})
	return nil
}

// Truncate flushes pending writes, then truncates the index to the first
// afterN entries, dropping everything appended after. It is a no-op if
// afterN is greater than or equal to the current length.
func (idx *Index) Truncate(afterN int64) error {
	if afterN < 0 {
		afterN = 0
	}

	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return errors.NewIndexError(nil, errors.ErrorCodeClosed, "truncate on closed index").
			WithOperation("Truncate")
	}
	callbacks, appended, err := idx.flushLocked()
	idx.mu.Unlock()
	if appended != nil {
		idx.onAppend.Emit(*appended)
	}
	for _, cb := range callbacks {
		cb()
	}
	if err != nil {
		return err
	}

	idx.mu.Lock()

	if afterN >= idx.length {
		idx.mu.Unlock()
		return nil
	}
	prevLen := idx.length
	if err := idx.file.Truncate(idx.headerSize + afterN*ENTRY_SIZE); err != nil {
		idx.mu.Unlock()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to truncate index file").
			WithFileName(idx.name).WithPath(idx.path)
	}
	idx.length = afterN
	idx.flushedCount = afterN
	idx.pageCache.Purge()
	idx.mu.Unlock()

	idx.onTruncate.Emit(TruncateEvent{PrevLen: prevLen, NewLen: afterN})
	return nil
}

// Close flushes any pending writes, closes the underlying file, and
// releases the page cache.
func (idx *Index) Close() error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil
	}
	callbacks, appended, flushErr := idx.flushLocked()
	idx.closed = true
	idx.mu.Unlock()
	if appended != nil {
		idx.onAppend.Emit(*appended)
	}
	for _, cb := range callbacks {
		cb()
	}

	idx.pageCache.Purge()
	idx.onAppend.Close()
	idx.onTruncate.Close()
	if err := idx.file.Close(); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to close index file").
			WithFileName(idx.name).WithPath(idx.path)
	}
	return flushErr
}
