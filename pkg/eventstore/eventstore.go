// Package eventstore is the public embedding API for this append-only
// event storage engine: open a Store against a data directory, commit
// batches of events to named write streams, read them back through
// EventStream/JoinEventStream, and track consumers with durable
// checkpoints. It is the generalization of the teacher's public facade
// (pkg/ignite/ignite.go in the source repository) from a key/value
// Instance wrapping one engine into a Store wrapping the same
// storage+eventstore+stream+consumer subsystems this module builds.
package eventstore

import (
	"context"

	"github.com/albe/eventstore/internal/consumer"
	"github.com/albe/eventstore/internal/eventstore"
	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/internal/stream"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/matcher"
	"github.com/albe/eventstore/pkg/options"
	"go.uber.org/zap"
)

// ExpectedVersion is re-exported from internal/eventstore so callers never
// need to import an internal package to express optimistic-concurrency
// intent.
type ExpectedVersion = eventstore.ExpectedVersion

// CommitResult is re-exported from internal/eventstore.
type CommitResult = eventstore.CommitResult

// Event is re-exported from internal/stream.
type Event = stream.Event

var (
	// ExpectedVersionAny skips the optimistic-concurrency check entirely.
	ExpectedVersionAny = eventstore.ExpectedVersionAny
	// ExpectedVersionEmptyStream requires the stream to have no prior commits.
	ExpectedVersionEmptyStream = eventstore.ExpectedVersionEmptyStream
)

// ExpectedVersionExact requires the stream's current version to equal
// version exactly.
func ExpectedVersionExact(version int64) ExpectedVersion {
	return eventstore.ExpectedVersionExact(version)
}

// Store is the primary entry point for interacting with an event store
// data directory: committing events, creating derived read streams,
// reading them back, and tracking consumer checkpoints.
type Store struct {
	storage *storage.WritableStorage
	es      *eventstore.EventStore
	options *options.Options
	log     *zap.SugaredLogger
}

// NewStore opens (creating if necessary) the data directory named by opts
// (or its default), acquiring the single-writer lock. matcherSecret signs
// every persisted read-stream matcher's fingerprint; registry resolves
// any predicate-form matchers a reopen encounters back to their
// PredicateFunc.
func NewStore(
	_ context.Context,
	service string,
	matcherSecret []byte,
	registry *matcher.Registry,
	opts ...options.OptionFunc,
) (*Store, error) {
	log, err := newLogger(service)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to construct logger")
	}

	defaultOpts := options.NewDefaultOptions()
	for _, opt := range opts {
		opt(&defaultOpts)
	}

	ws, err := storage.OpenWritable(&defaultOpts, nil, matcherSecret, registry, log)
	if err != nil {
		return nil, err
	}

	es, err := eventstore.New(ws, log)
	if err != nil {
		ws.Close()
		return nil, err
	}

	return &Store{storage: ws, es: es, options: &defaultOpts, log: log}, nil
}

// Append commits events to writeStream as a single atomic batch. See
// internal/eventstore.EventStore.Commit for the exact durability and
// callback semantics.
func (s *Store) Append(
	writeStream string,
	events []any,
	expected ExpectedVersion,
	commitMetadata map[string]any,
	onCommitted func(CommitResult),
) (CommitResult, error) {
	return s.es.Commit(writeStream, events, expected, commitMetadata, onCommitted)
}

// CreateStream registers a new read stream backed by m, backfilling it
// from committed history.
func (s *Store) CreateStream(name string, m matcher.Matcher) error {
	return s.es.CreateStream(name, m)
}

// ReadStream opens a lazy EventStream over streamName, which must already
// be a registered write stream or CreateStream-registered read stream.
func (s *Store) ReadStream(streamName string) (*stream.EventStream, error) {
	return stream.NewEventStream(s.storage, streamName)
}

// JoinStreams opens a lazy JoinEventStream merging streamNames by global
// insertion order.
func (s *Store) JoinStreams(streamNames []string) (*stream.JoinEventStream, error) {
	return stream.NewJoinEventStream(s.storage, streamNames)
}

// Subscribe opens (or reopens, picking up its persisted checkpoint) a
// durable consumer named consumerID over streamName.
func (s *Store) Subscribe(streamName, consumerID string, initialState any) (*consumer.Consumer, error) {
	return consumer.New(s.storage, s.options, s.log, streamName, consumerID, initialState)
}

// Close releases the underlying storage, including the directory lock.
func (s *Store) Close() error {
	return s.es.Close()
}
