// Package storage coordinates the partitions and indexes that make up one
// data directory: the primary index over every document ever committed,
// one partition per write stream, and one secondary index per read stream.
// It is the generalization of the teacher's segment-rotation storage layer
// (internal/storage in the source repository) from "one active segment,
// rotated by size" to "one partition per named stream, opened lazily and
// kept for the store's lifetime" — the naming and discovery concerns that
// used to live in seginfo collapse into the catalog this package persists.
//
// WritableStorage owns the directory lock and accepts new documents.
// ReadableStorage takes no lock, discovers streams from the same catalog,
// and watches the directory for partitions and indexes the writer adds
// after it attaches.
package storage

import (
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/albe/eventstore/internal/index"
	"github.com/albe/eventstore/internal/partition"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/events"
	"github.com/albe/eventstore/pkg/filesys"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"go.uber.org/zap"
)

const (
	lockFileName    = ".lock"
	catalogFileName = ".streams"
	primaryName     = "primary"
)

// Envelope is the on-disk wrapping every committed document carries: the
// caller's event payload plus the commit metadata (commitId, committedAt,
// commitVersion, streamVersion, and any caller-supplied fields) a matcher
// is evaluated against. It is serialized as-is by the configured
// serializer.Serializer.
type Envelope struct {
	Payload  any            `json:"payload"`
	Metadata map[string]any `json:"metadata"`
}

// WroteEvent is emitted once per primary-index entry that becomes durable,
// carrying the freshly read-back document alongside the entry that located
// it.
type WroteEvent struct {
	Entry    index.IndexEntry
	Document []byte
}

// IndexAddEvent is emitted once per secondary-index entry that becomes
// durable, naming the read stream it belongs to.
type IndexAddEvent struct {
	StreamName string
	Number     int64
	Document   []byte
}

// PartitionCreatedEvent is emitted the first time a named partition is
// opened in this process.
type PartitionCreatedEvent struct {
	Name string
	ID   uint32
}

// IndexCreatedEvent is emitted the first time a named secondary index is
// opened in this process, whether because a write stream was just seen for
// the first time or because CreateStream registered a new read stream.
type IndexCreatedEvent struct {
	Name string
}

// catalogEntry is the persisted form of one stream registration in the
// `.streams` file. WriteStream entries need no matcher: their secondary
// index is populated directly at commit time, filtered structurally by
// which partition a document landed in rather than by any predicate.
type catalogEntry struct {
	Name        string             `json:"name"`
	WriteStream bool               `json:"writeStream,omitempty"`
	Matcher     *matcher.Persisted `json:"matcher,omitempty"`
}

// pendingEmit defers an Emitter.Emit call until after its caller has
// released whatever mutex guarded the state the event describes, so a
// subscriber that calls back into this package cannot deadlock.
type pendingEmit func()

func partitionPath(dataDir string, opts *options.Options, name string) string {
	return filepath.Join(dataDir, opts.PartitionOptions.Directory, name+".partition")
}

func indexPath(dataDir, name string) string {
	if name == primaryName {
		return filepath.Join(dataDir, primaryName+".index")
	}
	return filepath.Join(dataDir, name+".index")
}

func catalogPath(dataDir string) string {
	return filepath.Join(dataDir, catalogFileName)
}

func lockPath(dataDir string) string {
	return filepath.Join(dataDir, lockFileName)
}

// loadCatalog reads the `.streams` file. A missing file is not an error: a
// brand-new data directory simply has no registered streams yet.
func loadCatalog(dataDir string) ([]catalogEntry, error) {
	exists, err := filesys.Exists(catalogPath(dataDir))
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat stream catalog").
			WithPath(catalogPath(dataDir))
	}
	if !exists {
		return nil, nil
	}

	raw, err := filesys.ReadFile(catalogPath(dataDir))
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read stream catalog").
			WithPath(catalogPath(dataDir))
	}

	var entries []catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeCorruptFile, "stream catalog is not valid JSON").
			WithPath(catalogPath(dataDir))
	}
	return entries, nil
}

func writeCatalog(dataDir string, entries []catalogEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to encode stream catalog")
	}
	if err := filesys.AtomicWriteFile(catalogPath(dataDir), 0644, data); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to persist stream catalog").
			WithPath(catalogPath(dataDir))
	}
	return nil
}

// readDocument locates the partition entry.Partition identifies and reads
// the framed document at entry.Position back, validating it against the
// payload length implied by entry.Size.
func readDocument(partitionsByID map[uint32]*partition.Partition, entry index.IndexEntry) ([]byte, bool, error) {
	p, ok := partitionsByID[entry.Partition]
	if !ok {
		return nil, false, nil
	}
	payloadLen := int(entry.Size) - partition.FrameOverhead
	return p.ReadFrom(entry.Position, payloadLen)
}

func newEmitters() (
	*events.Emitter[WroteEvent],
	*events.Emitter[IndexAddEvent],
	*events.Emitter[PartitionCreatedEvent],
	*events.Emitter[IndexCreatedEvent],
) {
	return events.NewEmitter[WroteEvent](),
		events.NewEmitter[IndexAddEvent](),
		events.NewEmitter[PartitionCreatedEvent](),
		events.NewEmitter[IndexCreatedEvent]()
}

// requireLogger mirrors the teacher's habit of requiring a logger
// explicitly rather than defaulting to a package-level one.
func requireLogger(log *zap.SugaredLogger) error {
	if log == nil {
		return errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "logger is required").
			WithField("log").WithRule("required")
	}
	return nil
}
