// Package eventstore implements the commit algorithm that turns a batch of
// caller-supplied event payloads into durable, versioned stream history: it
// resolves the target write stream, enforces optimistic concurrency,
// stamps every event with shared commit metadata, and hands the wrapped
// documents to the storage coordinator one at a time. It is the
// generalization of the teacher's engine package (internal/engine/engine.go
// in the source repository) from "coordinate index+storage+compaction for
// key/value verbs" to "coordinate storage+versioning for an append-only
// commit verb".
package eventstore

import (
	"time"

	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// expectedVersionKind distinguishes the three forms ExpectedVersion can
// take: skip the check entirely, require an empty stream, or require an
// exact version.
type expectedVersionKind int

const (
	expectedVersionAny expectedVersionKind = iota
	expectedVersionEmptyStream
	expectedVersionExact
)

// ExpectedVersion is the caller's claim about a write stream's current
// version, checked before a commit is accepted. Go has no tagged unions, so
// the three forms the design calls for (Any, EmptyStream, an exact number)
// are modeled as one small value type with package-level constructors.
type ExpectedVersion struct {
	kind  expectedVersionKind
	exact int64
}

// ExpectedVersionAny skips the optimistic-concurrency check entirely.
var ExpectedVersionAny = ExpectedVersion{kind: expectedVersionAny}

// ExpectedVersionEmptyStream requires the stream to have no prior commits.
var ExpectedVersionEmptyStream = ExpectedVersion{kind: expectedVersionEmptyStream}

// ExpectedVersionExact requires the stream's current version to equal
// version exactly.
func ExpectedVersionExact(version int64) ExpectedVersion {
	return ExpectedVersion{kind: expectedVersionExact, exact: version}
}

// check validates current against ev, returning OptimisticConcurrencyError
// on mismatch.
func (ev ExpectedVersion) check(streamName string, current int64) error {
	switch ev.kind {
	case expectedVersionAny:
		return nil
	case expectedVersionEmptyStream:
		if current != 0 {
			return errors.NewOptimisticConcurrencyError(streamName, 0, current)
		}
		return nil
	default:
		if ev.exact != current {
			return errors.NewOptimisticConcurrencyError(streamName, ev.exact, current)
		}
		return nil
	}
}

// CommitResult identifies a successful commit: the shared commitId every
// event in the batch carries, and the global primary-index sequence
// numbers of its first and last event.
type CommitResult struct {
	CommitID   uuid.UUID
	FirstSeqNo int64
	LastSeqNo  int64
}

// EventStore coordinates commits against a single writable data directory.
// It owns no files itself; all durability lives in the wrapped
// storage.WritableStorage.
type EventStore struct {
	storage *storage.WritableStorage
	log     *zap.SugaredLogger
}

// New wraps ws in an EventStore. ws must already be open.
func New(ws *storage.WritableStorage, log *zap.SugaredLogger) (*EventStore, error) {
	if ws == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "storage is required").
			WithField("storage").WithRule("required")
	}
	if log == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "logger is required").
			WithField("log").WithRule("required")
	}
	return &EventStore{storage: ws, log: log}, nil
}

// Commit appends events to writeStream as a single atomic batch sharing one
// commitId, committedAt, and commitSize. expected is checked against the
// stream's current version before anything is written. commitMetadata, if
// given, is merged into every event's metadata alongside the commit
// bookkeeping fields.
//
// Commit returns once every event in the batch has been accepted into the
// in-memory buffer (so FirstSeqNo/LastSeqNo are already final), but before
// any of it is necessarily durable. onCommitted, if non-nil, is invoked
// exactly once, on its own goroutine, after the whole batch has flushed.
func (es *EventStore) Commit(
	writeStream string,
	events []any,
	expected ExpectedVersion,
	commitMetadata map[string]any,
	onCommitted func(CommitResult),
) (CommitResult, error) {
	if writeStream == "" {
		return CommitResult{}, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "write stream name is required").
			WithField("writeStream").WithRule("required")
	}
	if len(events) == 0 {
		return CommitResult{}, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "commit requires at least one event").
			WithField("events").WithRule("non_empty")
	}

	currentVersion := es.storage.StreamVersion(writeStream)
	if err := expected.check(writeStream, currentVersion); err != nil {
		return CommitResult{}, err
	}

	commitID := uuid.New()
	committedAt := time.Now().UTC().UnixNano()
	commitSize := len(events)

	result := CommitResult{CommitID: commitID}
	flushed := make(chan struct{})

	for k, event := range events {
		metadata := make(map[string]any, len(commitMetadata)+4)
		for key, v := range commitMetadata {
			metadata[key] = v
		}
		metadata["commitId"] = commitID.String()
		metadata["committedAt"] = committedAt
		metadata["commitVersion"] = k
		metadata["commitSize"] = commitSize
		metadata["streamVersion"] = currentVersion + int64(k) + 1

		var onFlush func()
		if k == commitSize-1 {
			onFlush = func() { close(flushed) }
		}

		entry, err := es.storage.Append(writeStream, event, metadata, onFlush)
		if err != nil {
			return CommitResult{}, err
		}
		if k == 0 {
			result.FirstSeqNo = entry.Number
		}
		result.LastSeqNo = entry.Number
	}

	if onCommitted != nil {
		go func() {
			<-flushed
			onCommitted(result)
		}()
	}

	es.log.Debugw("committed events", "writeStream", writeStream, "commitId", commitID, "commitSize", commitSize)
	return result, nil
}

// CreateStream registers a new read stream backed by m, backfilling it from
// committed history. It delegates directly to the wrapped storage.
func (es *EventStore) CreateStream(name string, m matcher.Matcher) error {
	return es.storage.CreateStream(name, m)
}

// Storage returns the wrapped storage coordinator, for packages building
// read-only views (streams, consumers) over the same data.
func (es *EventStore) Storage() *storage.WritableStorage {
	return es.storage
}

// Close closes the wrapped storage.
func (es *EventStore) Close() error {
	return es.storage.Close()
}
