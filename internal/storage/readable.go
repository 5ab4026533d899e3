package storage

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/albe/eventstore/internal/index"
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

// ReadableStorage attaches to a data directory without taking the writer's
// lock. It discovers streams from the same `.streams` catalog the writer
// persists and learns about growth the writer makes through fsnotify: every
// directory-change event triggers a Reload on the primary index, every open
// partition and secondary index, and a refresh of the catalog itself so
// streams created after this instance attached are picked up.
type ReadableStorage struct {
	dataDir       string
	opts          *options.Options
	log           *zap.SugaredLogger
	serializer    serializer.Serializer
	matcherSecret []byte
	registry      *matcher.Registry

	mu             sync.Mutex
	primary        *index.Index
	partitions     map[string]*partition.Partition
	partitionsByID map[uint32]*partition.Partition
	secondary      map[string]*index.Index
	matchers       map[string]matcher.Matcher
	isWriteStream  map[string]bool
	closed         bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	onWrote            *events.Emitter[WroteEvent]
	onIndexAdd         *events.Emitter[IndexAddEvent]
	onPartitionCreated *events.Emitter[PartitionCreatedEvent]
	onIndexCreated     *events.Emitter[IndexCreatedEvent]
}

// OpenReadable attaches to an existing data directory in read-only mode. It
// takes no lock and never creates the directory: the directory and its
// catalog are expected to already exist, written by a writer that attached
// first.
func OpenReadable(
	opts *options.Options,
	ser serializer.Serializer,
	matcherSecret []byte,
	registry *matcher.Registry,
	log *zap.SugaredLogger,
) (*ReadableStorage, error) {
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
	exists, err := filesys.Exists(dataDir)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat data directory").WithPath(dataDir)
	}
	if !exists {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeIO, "data directory does not exist for read-only attach").
			WithPath(dataDir)
	}

	primary, err := index.Open(indexPath(dataDir, primaryName), primaryName, nil, opts, log)
	if err != nil {
		return nil, err
	}

	rs := &ReadableStorage{
		dataDir:        dataDir,
		opts:           opts,
		log:            log,
		serializer:     ser,
		matcherSecret:  matcherSecret,
		registry:       registry,
		primary:        primary,
		partitions:     make(map[string]*partition.Partition),
		partitionsByID: make(map[uint32]*partition.Partition),
		secondary:      make(map[string]*index.Index),
		matchers:       make(map[string]matcher.Matcher),
		isWriteStream:  make(map[string]bool),
		done:           make(chan struct{}),
	}
	rs.onWrote, rs.onIndexAdd, rs.onPartitionCreated, rs.onIndexCreated = newEmitters()

	if err := rs.reloadCatalogLocked(); err != nil {
		primary.Close()
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		rs.closeAll()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create filesystem watcher").WithPath(dataDir)
	}
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		rs.closeAll()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to watch data directory").WithPath(dataDir)
	}
	partitionsDir := filepath.Join(dataDir, opts.PartitionOptions.Directory)
	if err := watcher.Add(partitionsDir); err != nil {
		watcher.Close()
		rs.closeAll()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to watch partitions directory").WithPath(partitionsDir)
	}
	rs.watcher = watcher

	rs.wg.Add(1)
	go rs.watchLoop()

	log.Infow("opened readable storage", "dataDir", dataDir)
	return rs, nil
}

// watchLoop reacts to every write or create event under the data directory
// by reloading everything this instance has open. It does not try to
// interpret which specific file changed: a reload is cheap (a stat per
// file) and correctness only needs it to happen at least once per change.
func (rs *ReadableStorage) watchLoop() {
	defer rs.wg.Done()
	for {
		select {
		case event, ok := <-rs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				rs.reloadAll()
			}
		case err, ok := <-rs.watcher.Errors:
			if !ok {
				return
			}
			rs.log.Errorw("filesystem watch error", "dataDir", rs.dataDir, "error", err)
		case <-rs.done:
			return
		}
	}
}

// reloadAll re-stats the primary index, every open partition, and every
// open secondary index, then refreshes the catalog to pick up streams
// registered by the writer after this instance attached.
func (rs *ReadableStorage) reloadAll() {
	if err := rs.primary.Reload(); err != nil {
		rs.log.Errorw("failed to reload primary index", "error", err)
	}

	rs.mu.Lock()
	partitions := make([]*partition.Partition, 0, len(rs.partitions))
	for _, p := range rs.partitions {
		partitions = append(partitions, p)
	}
	secondary := make([]*index.Index, 0, len(rs.secondary))
	for _, idx := range rs.secondary {
		secondary = append(secondary, idx)
	}
	rs.mu.Unlock()

	for _, p := range partitions {
		if err := p.Reload(); err != nil {
			rs.log.Errorw("failed to reload partition", "name", p.Name(), "error", err)
		}
	}
	for _, idx := range secondary {
		if err := idx.Reload(); err != nil {
			rs.log.Errorw("failed to reload secondary index", "error", err)
		}
	}

	if err := rs.reloadCatalogLocked(); err != nil {
		rs.log.Errorw("failed to reload stream catalog", "error", err)
	}
}

// reloadCatalogLocked reads the `.streams` file and opens any entry this
// instance has not seen yet. Despite the name it acquires rs.mu itself; it
// is named to mirror the writer's *Locked helpers since it mutates the same
// maps under the same invariant (never called concurrently with itself).
func (rs *ReadableStorage) reloadCatalogLocked() error {
	entries, err := loadCatalog(rs.dataDir)
	if err != nil {
		return err
	}

	for _, ce := range entries {
		rs.mu.Lock()
		_, knownWrite := rs.partitions[ce.Name]
		_, knownRead := rs.secondary[ce.Name]
		rs.mu.Unlock()

		if ce.WriteStream {
			if knownWrite {
				continue
			}
			if err := rs.openWriteStreamLocked(ce.Name); err != nil {
				return err
			}
			continue
		}

		if knownRead {
			continue
		}
		if ce.Matcher == nil {
			return errors.NewStorageError(nil, errors.ErrorCodeCorruptFile, "read stream catalog entry missing matcher").
				WithPath(catalogPath(rs.dataDir))
		}
		m, err := matcher.Resolve(*ce.Matcher, rs.matcherSecret, rs.registry)
		if err != nil {
			return err
		}
		if err := rs.openReadStreamLocked(ce.Name, m); err != nil {
			return err
		}
	}
	return nil
}

func (rs *ReadableStorage) openWriteStreamLocked(name string) error {
	p, err := partition.Open(partitionPath(rs.dataDir, rs.opts, name), name, rs.opts, rs.log)
	if err != nil {
		return err
	}
	idx, err := index.Open(indexPath(rs.dataDir, name), name, nil, rs.opts, rs.log)
	if err != nil {
		p.Close()
		return err
	}

	rs.mu.Lock()
	rs.partitions[name] = p
	rs.partitionsByID[p.ID()] = p
	rs.secondary[name] = idx
	rs.isWriteStream[name] = true
	rs.mu.Unlock()

	idx.OnAppend().Subscribe(func(e index.AppendEvent) { rs.onSecondaryAppend(name, idx, e) })
	rs.onPartitionCreated.Emit(PartitionCreatedEvent{Name: name, ID: p.ID()})
	rs.onIndexCreated.Emit(IndexCreatedEvent{Name: name})
	return nil
}

func (rs *ReadableStorage) openReadStreamLocked(name string, m matcher.Matcher) error {
	idx, err := index.Open(indexPath(rs.dataDir, name), name, nil, rs.opts, rs.log)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	rs.secondary[name] = idx
	rs.matchers[name] = m
	rs.mu.Unlock()

	idx.OnAppend().Subscribe(func(e index.AppendEvent) { rs.onSecondaryAppend(name, idx, e) })
	rs.onIndexCreated.Emit(IndexCreatedEvent{Name: name})
	return nil
}

func (rs *ReadableStorage) onSecondaryAppend(name string, idx *index.Index, e index.AppendEvent) {
	entries, ok := idx.Range(e.PrevLen+1, e.NewLen)
	if !ok {
		return
	}

	rs.mu.Lock()
	results := make([]readBack, 0, len(entries))
	for _, entry := range entries {
		doc, ok, err := readDocument(rs.partitionsByID, entry)
		if err != nil {
			rs.log.Errorw("failed to read back indexed document", "stream", name, "number", entry.Number, "error", err)
			continue
		}
		if ok {
			results = append(results, readBack{entry, doc})
		}
	}
	rs.mu.Unlock()

	for _, r := range results {
		rs.onIndexAdd.Emit(IndexAddEvent{StreamName: name, Number: r.entry.Number, Document: r.doc})
	}
}

// OnWrote returns the WroteEvent emitter. ReadableStorage never emits on
// it: documents that a reload makes visible in the primary index are not
// reported here; per-stream additions are reported through OnIndexAdd.
func (rs *ReadableStorage) OnWrote() *events.Emitter[WroteEvent] { return rs.onWrote }

// OnIndexAdd returns the emitter firing once per document newly visible in
// any secondary index after a reload.
func (rs *ReadableStorage) OnIndexAdd() *events.Emitter[IndexAddEvent] { return rs.onIndexAdd }

// OnPartitionCreated returns the emitter firing the first time this
// instance discovers a write stream's partition.
func (rs *ReadableStorage) OnPartitionCreated() *events.Emitter[PartitionCreatedEvent] {
	return rs.onPartitionCreated
}

// OnIndexCreated returns the emitter firing the first time this instance
// discovers a secondary index.
func (rs *ReadableStorage) OnIndexCreated() *events.Emitter[IndexCreatedEvent] {
	return rs.onIndexCreated
}

// Primary returns the primary index over every committed document.
func (rs *ReadableStorage) Primary() *index.Index { return rs.primary }

// Stream returns the secondary index registered under name, if any.
func (rs *ReadableStorage) Stream(name string) (*index.Index, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	idx, ok := rs.secondary[name]
	return idx, ok
}

// ReadDocument reads the document entry locates back from its partition,
// for callers (event streams, consumers) that only hold an IndexEntry.
func (rs *ReadableStorage) ReadDocument(entry index.IndexEntry) ([]byte, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return readDocument(rs.partitionsByID, entry)
}

// Serializer returns the serializer this storage instance was opened with,
// so callers that read back raw documents (event streams, consumers) can
// decode the Envelope themselves.
func (rs *ReadableStorage) Serializer() serializer.Serializer {
	return rs.serializer
}

func (rs *ReadableStorage) closeAll() error {
	rs.mu.Lock()
	rs.closed = true
	partitions := make([]*partition.Partition, 0, len(rs.partitions))
	for _, p := range rs.partitions {
		partitions = append(partitions, p)
	}
	indexes := make([]*index.Index, 0, len(rs.secondary)+1)
	indexes = append(indexes, rs.primary)
	for _, idx := range rs.secondary {
		indexes = append(indexes, idx)
	}
	rs.mu.Unlock()

	var g errgroup.Group
	for _, p := range partitions {
		p := p
		g.Go(p.Close)
	}
	for _, idx := range indexes {
		idx := idx
		g.Go(idx.Close)
	}
	return g.Wait()
}

// Close stops watching the directory and closes every partition and index
// this instance opened. It releases no lock, since a read-only instance
// never acquires one.
func (rs *ReadableStorage) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.mu.Unlock()

	close(rs.done)
	if rs.watcher != nil {
		rs.watcher.Close()
	}
	rs.wg.Wait()

	err := rs.closeAll()

	rs.onWrote.Close()
	rs.onIndexAdd.Close()
	rs.onPartitionCreated.Close()
	rs.onIndexCreated.Close()

	rs.log.Infow("closed readable storage", "dataDir", rs.dataDir)
	return err
}
