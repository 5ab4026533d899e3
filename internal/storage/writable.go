package storage

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/albe/eventstore/internal/index"
	"github.com/albe/eventstore/internal/lockfile"
	"github.com/albe/eventstore/internal/partition"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/events"
	"github.com/albe/eventstore/pkg/filesys"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"github.com/albe/eventstore/pkg/serializer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// acquireRetryInterval is how often a writer polls for a held directory
// lock before giving up and reclaiming it.
const acquireRetryInterval = 50 * time.Millisecond

// WritableStorage is the single writer attached to a data directory. It
// owns the directory lock, the primary index over every committed
// document, one partition per write stream, and one secondary index per
// stream (write streams and CreateStream-registered read streams alike).
type WritableStorage struct {
	dataDir       string
	opts          *options.Options
	log           *zap.SugaredLogger
	serializer    serializer.Serializer
	matcherSecret []byte
	registry      *matcher.Registry

	lock *lockfile.Lock

	mu             sync.Mutex
	primary        *index.Index
	partitions     map[string]*partition.Partition
	partitionsByID map[uint32]*partition.Partition
	secondary      map[string]*index.Index
	matchers       map[string]matcher.Matcher
	isWriteStream  map[string]bool
	closed         bool

	onWrote            *events.Emitter[WroteEvent]
	onIndexAdd         *events.Emitter[IndexAddEvent]
	onPartitionCreated *events.Emitter[PartitionCreatedEvent]
	onIndexCreated     *events.Emitter[IndexCreatedEvent]
}

// OpenWritable acquires the directory lock and opens (or creates) the
// primary index plus every partition and secondary index named in the
// `.streams` catalog. ser defaults to serializer.NewJSONSerializer when nil.
// matcherSecret and registry are forwarded to matcher.Persist/matcher.Resolve
// for every stream the catalog registers.
func OpenWritable(
	opts *options.Options,
	ser serializer.Serializer,
	matcherSecret []byte,
	registry *matcher.Registry,
	log *zap.SugaredLogger,
) (*WritableStorage, error) {
	if err := requireLogger(log); err != nil {
		return nil, err
	}
	if opts == nil || opts.PartitionOptions == nil || opts.IndexOptions == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "options are required").
			WithField("opts").WithRule("required")
	}
	if ser == nil {
		ser = serializer.NewJSONSerializer()
	}

	dataDir := opts.DataDir
	if err := filesys.CreateDir(dataDir, 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create data directory").WithPath(dataDir)
	}
	if err := filesys.CreateDir(filepath.Join(dataDir, opts.PartitionOptions.Directory), 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create partitions directory").WithPath(dataDir)
	}

	lock, reclaimed, err := acquireLockWithRetry(lockPath(dataDir), opts.LockReclaimTimeout)
	if err != nil {
		return nil, err
	}

	primary, err := index.Open(indexPath(dataDir, primaryName), primaryName, nil, opts, log)
	if err != nil {
		lock.Release()
		return nil, err
	}

	ws := &WritableStorage{
		dataDir:        dataDir,
		opts:           opts,
		log:            log,
		serializer:     ser,
		matcherSecret:  matcherSecret,
		registry:       registry,
		lock:           lock,
		primary:        primary,
		partitions:     make(map[string]*partition.Partition),
		partitionsByID: make(map[uint32]*partition.Partition),
		secondary:      make(map[string]*index.Index),
		matchers:       make(map[string]matcher.Matcher),
		isWriteStream:  make(map[string]bool),
	}
	ws.onWrote, ws.onIndexAdd, ws.onPartitionCreated, ws.onIndexCreated = newEmitters()

	entries, err := loadCatalog(dataDir)
	if err != nil {
		primary.Close()
		lock.Release()
		return nil, err
	}

	for _, ce := range entries {
		if ce.WriteStream {
			p, idx, err := ws.openWriteStreamFilesLocked(ce.Name)
			if err != nil {
				ws.shutdownPartial()
				return nil, err
			}
			ws.partitions[ce.Name] = p
			ws.partitionsByID[p.ID()] = p
			ws.secondary[ce.Name] = idx
			ws.isWriteStream[ce.Name] = true
			continue
		}

		if ce.Matcher == nil {
			ws.shutdownPartial()
			return nil, errors.NewStorageError(nil, errors.ErrorCodeCorruptFile, "read stream catalog entry missing matcher").
				WithPath(catalogPath(dataDir))
		}
		m, err := matcher.Resolve(*ce.Matcher, matcherSecret, registry)
		if err != nil {
			ws.shutdownPartial()
			return nil, err
		}
		idx, err := index.Open(indexPath(dataDir, ce.Name), ce.Name, nil, opts, log)
		if err != nil {
			ws.shutdownPartial()
			return nil, err
		}
		ws.secondary[ce.Name] = idx
		ws.matchers[ce.Name] = m
	}

	if err := ws.recoverLocked(reclaimed); err != nil {
		ws.shutdownPartial()
		return nil, err
	}

	ws.primary.OnAppend().Subscribe(ws.onPrimaryAppend)
	for name, idx := range ws.secondary {
		name, idx := name, idx
		idx.OnAppend().Subscribe(func(e index.AppendEvent) { ws.onSecondaryAppend(name, idx, e) })
	}

	log.Infow("opened writable storage", "dataDir", dataDir, "streams", len(entries), "reclaimed", reclaimed)
	return ws, nil
}

// shutdownPartial closes whatever this instance managed to open before a
// later bootstrap step failed, and releases the lock, so a failed
// OpenWritable never leaks file handles or leaves the lock held.
func (ws *WritableStorage) shutdownPartial() {
	ws.primary.Close()
	for _, p := range ws.partitions {
		p.Close()
	}
	for _, idx := range ws.secondary {
		idx.Close()
	}
	ws.lock.Release()
}

// acquireLockWithRetry tries to acquire the directory lock, polling for up
// to timeout if another writer already holds it, before forcibly reclaiming
// it as presumed-stale. It returns reclaimed=true when reclamation was
// necessary, signaling the caller to run torn-write recovery.
func acquireLockWithRetry(path string, timeout time.Duration) (*lockfile.Lock, bool, error) {
	lock, err := lockfile.Acquire(path)
	if err == nil {
		return lock, false, nil
	}
	if !errors.IsConcurrencyError(err) {
		return nil, false, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(acquireRetryInterval)
		lock, err = lockfile.Acquire(path)
		if err == nil {
			return lock, false, nil
		}
		if !errors.IsConcurrencyError(err) {
			return nil, false, err
		}
	}

	lock, err = lockfile.Reclaim(path)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// openWriteStreamFilesLocked opens the partition and secondary index files
// backing streamName without registering them in ws's maps or the catalog.
// It exists so bootstrap (which must register every catalog entry before
// persisting anything) and resolvePartitionLocked (which registers and
// persists immediately) can share the same file-opening logic.
func (ws *WritableStorage) openWriteStreamFilesLocked(streamName string) (*partition.Partition, *index.Index, error) {
	p, err := partition.Open(partitionPath(ws.dataDir, ws.opts, streamName), streamName, ws.opts, ws.log)
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.Open(indexPath(ws.dataDir, streamName), streamName, nil, ws.opts, ws.log)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, idx, nil
}

// resolvePartitionLocked returns the partition for streamName, opening it
// (and its own secondary index) and registering it in the catalog if this
// is the first write to that stream. Callers must hold ws.mu. The returned
// pendingEmit closures must be invoked only after ws.mu is released.
func (ws *WritableStorage) resolvePartitionLocked(streamName string) (*partition.Partition, []pendingEmit, error) {
	if p, ok := ws.partitions[streamName]; ok {
		return p, nil, nil
	}

	p, idx, err := ws.openWriteStreamFilesLocked(streamName)
	if err != nil {
		return nil, nil, err
	}

	ws.partitions[streamName] = p
	ws.partitionsByID[p.ID()] = p
	ws.secondary[streamName] = idx
	ws.isWriteStream[streamName] = true

	idx.OnAppend().Subscribe(func(e index.AppendEvent) { ws.onSecondaryAppend(streamName, idx, e) })

	if err := ws.persistCatalogLocked(); err != nil {
		return nil, nil, err
	}

	pending := []pendingEmit{
		func() { ws.onPartitionCreated.Emit(PartitionCreatedEvent{Name: streamName, ID: p.ID()}) },
		func() { ws.onIndexCreated.Emit(IndexCreatedEvent{Name: streamName}) },
	}
	return p, pending, nil
}

// persistCatalogLocked rewrites the `.streams` file from the current set of
// write streams and matcher-backed read streams. Callers must hold ws.mu.
func (ws *WritableStorage) persistCatalogLocked() error {
	entries := make([]catalogEntry, 0, len(ws.isWriteStream)+len(ws.matchers))
	for name := range ws.isWriteStream {
		entries = append(entries, catalogEntry{Name: name, WriteStream: true})
	}
	for name, m := range ws.matchers {
		persisted, err := matcher.Persist(m, ws.matcherSecret)
		if err != nil {
			return err
		}
		entries = append(entries, catalogEntry{Name: name, Matcher: &persisted})
	}
	return writeCatalog(ws.dataDir, entries)
}

// Append writes payload and metadata to the named write stream's partition,
// appends a primary-index entry locating it, and synchronously routes the
// entry into the write stream's own secondary index plus every registered
// read stream whose matcher accepts it. onFlush, if non-nil, runs once both
// the document and its primary-index entry have been flushed.
func (ws *WritableStorage) Append(
	streamName string, payload any, metadata map[string]any, onFlush func(),
) (index.IndexEntry, error) {
	ws.mu.Lock()

	if ws.closed {
		ws.mu.Unlock()
		return index.IndexEntry{}, errors.NewStorageError(nil, errors.ErrorCodeClosed, "append on closed storage")
	}

	p, pending, err := ws.resolvePartitionLocked(streamName)
	if err != nil {
		ws.mu.Unlock()
		return index.IndexEntry{}, err
	}

	data, err := ws.serializer.Serialize(Envelope{Payload: payload, Metadata: metadata})
	if err != nil {
		ws.mu.Unlock()
		return index.IndexEntry{}, errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to serialize event")
	}

	var done func()
	if onFlush != nil {
		var flushMu sync.Mutex
		remaining := 2
		done = func() {
			flushMu.Lock()
			remaining--
			last := remaining == 0
			flushMu.Unlock()
			if last {
				onFlush()
			}
		}
	}

	pos, err := p.Write(data, done)
	if err != nil {
		ws.mu.Unlock()
		return index.IndexEntry{}, err
	}

	entry := index.IndexEntry{
		Number:    ws.primary.Length() + 1,
		Position:  pos,
		Size:      uint32(len(data) + partition.FrameOverhead),
		Partition: p.ID(),
	}

	if _, err := ws.primary.Add(entry, done); err != nil {
		ws.mu.Unlock()
		return index.IndexEntry{}, err
	}

	if own, ok := ws.secondary[streamName]; ok {
		own.Add(entry, nil)
	}
	for name, m := range ws.matchers {
		if name == streamName {
			continue
		}
		if m.Match(payload, metadata) {
			if idx, ok := ws.secondary[name]; ok {
				idx.Add(entry, nil)
			}
		}
	}

	ws.mu.Unlock()

	for _, emit := range pending {
		emit()
	}
	return entry, nil
}

// CreateStream registers a new read stream under name, backfilling its
// secondary index from every document already committed that m accepts, and
// persists the registration to the catalog. Subsequent commits route into
// this stream automatically for as long as the storage instance stays open.
func (ws *WritableStorage) CreateStream(name string, m matcher.Matcher) error {
	ws.mu.Lock()

	if ws.closed {
		ws.mu.Unlock()
		return errors.NewStorageError(nil, errors.ErrorCodeClosed, "create stream on closed storage")
	}
	if _, ok := ws.secondary[name]; ok {
		ws.mu.Unlock()
		return errors.NewStreamExistsError(name)
	}

	idx, err := index.Open(indexPath(ws.dataDir, name), name, nil, ws.opts, ws.log)
	if err != nil {
		ws.mu.Unlock()
		return err
	}

	length := ws.primary.Length()
	for n := int64(1); n <= length; n++ {
		entry, ok := ws.primary.Get(n)
		if !ok {
			break
		}
		doc, ok, err := readDocument(ws.partitionsByID, entry)
		if err != nil {
			idx.Close()
			ws.mu.Unlock()
			return err
		}
		if !ok {
			continue
		}
		var envelope Envelope
		if err := ws.serializer.Deserialize(doc, &envelope); err != nil {
			idx.Close()
			ws.mu.Unlock()
			return errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to deserialize event during backfill")
		}
		if m.Match(envelope.Payload, envelope.Metadata) {
			if _, err := idx.Add(entry, nil); err != nil {
				idx.Close()
				ws.mu.Unlock()
				return err
			}
		}
	}

	ws.secondary[name] = idx
	ws.matchers[name] = m
	idx.OnAppend().Subscribe(func(e index.AppendEvent) { ws.onSecondaryAppend(name, idx, e) })

	if err := ws.persistCatalogLocked(); err != nil {
		ws.mu.Unlock()
		return err
	}

	ws.mu.Unlock()
	ws.onIndexCreated.Emit(IndexCreatedEvent{Name: name})
	return nil
}

// recoverLocked repairs the torn-write tail a writer can leave behind when
// the process dies mid-flush: a partition with bytes beyond its last
// indexed document, or a primary/secondary index entry whose document never
// made it to disk. It is only run when the directory lock had to be
// reclaimed, since a clean shutdown never leaves a torn tail.
func (ws *WritableStorage) recoverLocked(reclaimed bool) error {
	if !reclaimed {
		return nil
	}

	maxEnd := make(map[uint32]int64)
	for n := int64(1); n <= ws.primary.Length(); n++ {
		entry, ok := ws.primary.Get(n)
		if !ok {
			break
		}
		end := entry.Position + int64(entry.Size)
		if end > maxEnd[entry.Partition] {
			maxEnd[entry.Partition] = end
		}
	}
	for id, p := range ws.partitionsByID {
		if err := p.Truncate(maxEnd[id]); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeRecoveryFailed, "failed to truncate torn partition tail").
				WithPartitionID(id)
		}
	}

	lastValid := ws.primary.Length()
	for lastValid > 0 {
		entry, ok := ws.primary.Get(lastValid)
		if !ok {
			break
		}
		p, ok := ws.partitionsByID[entry.Partition]
		if !ok || entry.Position+int64(entry.Size) > p.Size() {
			lastValid--
			continue
		}
		break
	}
	if lastValid < ws.primary.Length() {
		if err := ws.primary.Truncate(lastValid); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeRecoveryFailed, "failed to truncate torn primary index tail")
		}
	}

	var maxNumber int64
	if lastValid > 0 {
		if entry, ok := ws.primary.Get(lastValid); ok {
			maxNumber = entry.Number
		}
	}
	for name, idx := range ws.secondary {
		keep := idx.Find(maxNumber)
		if err := idx.Truncate(keep); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeRecoveryFailed, "failed to truncate torn secondary index tail").
				WithFileName(name)
		}
	}

	ws.log.Infow("recovered torn write tail", "dataDir", ws.dataDir, "primaryLength", lastValid)
	return nil
}

type readBack struct {
	entry index.IndexEntry
	doc   []byte
}

// onPrimaryAppend reads back every document newly durable in the primary
// index and emits one WroteEvent per entry. It runs on whatever goroutine
// flushed the index, never while ws.mu is held.
func (ws *WritableStorage) onPrimaryAppend(e index.AppendEvent) {
	entries, ok := ws.primary.Range(e.PrevLen+1, e.NewLen)
	if !ok {
		return
	}

	ws.mu.Lock()
	results := make([]readBack, 0, len(entries))
	for _, entry := range entries {
		doc, ok, err := readDocument(ws.partitionsByID, entry)
		if err != nil {
			ws.log.Errorw("failed to read back committed document", "number", entry.Number, "error", err)
			continue
		}
		if ok {
			results = append(results, readBack{entry, doc})
		}
	}
	ws.mu.Unlock()

	for _, r := range results {
		ws.onWrote.Emit(WroteEvent{Entry: r.entry, Document: r.doc})
	}
}

// onSecondaryAppend reads back every document newly durable in the named
// secondary index and emits one IndexAddEvent per entry.
func (ws *WritableStorage) onSecondaryAppend(name string, idx *index.Index, e index.AppendEvent) {
	entries, ok := idx.Range(e.PrevLen+1, e.NewLen)
	if !ok {
		return
	}

	ws.mu.Lock()
	results := make([]readBack, 0, len(entries))
	for _, entry := range entries {
		doc, ok, err := readDocument(ws.partitionsByID, entry)
		if err != nil {
			ws.log.Errorw("failed to read back indexed document", "stream", name, "number", entry.Number, "error", err)
			continue
		}
		if ok {
			results = append(results, readBack{entry, doc})
		}
	}
	ws.mu.Unlock()

	for _, r := range results {
		ws.onIndexAdd.Emit(IndexAddEvent{StreamName: name, Number: r.entry.Number, Document: r.doc})
	}
}

// OnWrote returns the emitter firing once per document newly committed to
// the primary index.
func (ws *WritableStorage) OnWrote() *events.Emitter[WroteEvent] { return ws.onWrote }

// OnIndexAdd returns the emitter firing once per document newly routed into
// any secondary index.
func (ws *WritableStorage) OnIndexAdd() *events.Emitter[IndexAddEvent] { return ws.onIndexAdd }

// OnPartitionCreated returns the emitter firing the first time a write
// stream's partition is opened in this process.
func (ws *WritableStorage) OnPartitionCreated() *events.Emitter[PartitionCreatedEvent] {
	return ws.onPartitionCreated
}

// OnIndexCreated returns the emitter firing the first time a secondary
// index is opened in this process.
func (ws *WritableStorage) OnIndexCreated() *events.Emitter[IndexCreatedEvent] {
	return ws.onIndexCreated
}

// Primary returns the primary index over every committed document.
func (ws *WritableStorage) Primary() *index.Index { return ws.primary }

// Stream returns the secondary index registered under name, if any.
func (ws *WritableStorage) Stream(name string) (*index.Index, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	idx, ok := ws.secondary[name]
	return idx, ok
}

// ReadDocument reads the document entry locates back from its partition,
// for callers (event streams, consumers) that only hold an IndexEntry.
func (ws *WritableStorage) ReadDocument(entry index.IndexEntry) ([]byte, bool, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return readDocument(ws.partitionsByID, entry)
}

// Serializer returns the serializer this storage instance was opened with,
// so callers that read back raw documents (event streams, consumers) can
// decode the Envelope themselves.
func (ws *WritableStorage) Serializer() serializer.Serializer {
	return ws.serializer
}

// StreamVersion returns the current entry count of the named stream's
// secondary index, or 0 if the stream has never been written to.
func (ws *WritableStorage) StreamVersion(name string) int64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	idx, ok := ws.secondary[name]
	if !ok {
		return 0
	}
	return idx.Length()
}

// HasWriteStream reports whether name has a partition open in this process.
func (ws *WritableStorage) HasWriteStream(name string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.isWriteStream[name]
}

// DataDir returns the directory this storage instance manages.
func (ws *WritableStorage) DataDir() string { return ws.dataDir }

// Close flushes and closes every partition and index, releases the
// directory lock, and closes every event emitter.
func (ws *WritableStorage) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true

	partitions := make([]*partition.Partition, 0, len(ws.partitions))
	for _, p := range ws.partitions {
		partitions = append(partitions, p)
	}
	indexes := make([]*index.Index, 0, len(ws.secondary)+1)
	indexes = append(indexes, ws.primary)
	for _, idx := range ws.secondary {
		indexes = append(indexes, idx)
	}
	ws.mu.Unlock()

	var g errgroup.Group
	for _, p := range partitions {
		p := p
		g.Go(p.Close)
	}
	for _, idx := range indexes {
		idx := idx
		g.Go(idx.Close)
	}
	closeErr := g.Wait()

	ws.onWrote.Close()
	ws.onIndexAdd.Close()
	ws.onPartitionCreated.Close()
	ws.onIndexCreated.Close()

	if err := ws.lock.Release(); err != nil && closeErr == nil {
		closeErr = err
	}

	ws.log.Infow("closed writable storage", "dataDir", ws.dataDir)
	return closeErr
}
