// Package stream implements the lazy, bounded iterators that read committed
// events back out of a stream: EventStream walks one stream's secondary
// index, JoinEventStream k-way merges several. It is the generalization of
// the teacher's iterator-free Get/GetX surface (pkg/ignite/ignite.go in the
// source repository) into something the source project never needed: a
// cursor over an ordered, optionally-filtered slice of history.
package stream

import (
	"github.com/albe/eventstore/internal/index"
	"github.com/albe/eventstore/internal/storage"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/serializer"
)

// Store is the slice of storage.WritableStorage / storage.ReadableStorage
// that a stream needs: look up a named stream's secondary index, read a
// document back by its entry, and decode it. Both concrete storage types
// satisfy it structurally.
type Store interface {
	Stream(name string) (*index.Index, bool)
	ReadDocument(entry index.IndexEntry) ([]byte, bool, error)
	Serializer() serializer.Serializer
}

// Event is one decoded document handed back by an iterator: the caller's
// payload, the commit metadata it was stamped with, and the name of the
// stream it was read from (meaningful for a join, where that can vary
// entry to entry).
type Event struct {
	Payload    any
	Metadata   map[string]any
	StreamName string
}

// Bounds is the (min, max) revision window an EventStream or
// JoinEventStream is materialized over, using the same asymmetric
// negative-from-end convention as index.Index.Range: a negative min
// counts back from the last entry (min=-1 is the last entry), max == 0
// means "through the last entry", and a negative max is the count of
// entries to drop off the end (max=-15 on a 50-entry sequence means "up
// to entry 35").
type Bounds struct {
	min int64
	max int64
}

// defaultBounds spans the whole sequence.
var defaultBounds = Bounds{min: 1, max: 0}

func (b *Bounds) fromStart()     { b.min = 1 }
func (b *Bounds) fromEnd()       { b.min = -1 }
func (b *Bounds) toStart()       { b.max = 1 }
func (b *Bounds) toEnd()         { b.max = 0 }
func (b *Bounds) from(n int64)   { b.min = n }
func (b *Bounds) until(n int64)  { b.max = n }
func (b *Bounds) first(n int64)  { b.min = 1; b.max = n }
func (b *Bounds) last(n int64)   { b.min = -n; b.max = 0 }

// applyBounds normalizes b against length using index.Index.Range's rules,
// for sequences (a join's merged entries) that aren't backed by an Index
// and so can't call Range directly.
func applyBounds(b Bounds, length int64) (from, to int64, ok bool) {
	from, to = b.min, b.max
	if from < 0 {
		from = length + from + 1
	}
	if to == 0 {
		to = length
	} else if to < 0 {
		to = length + to
	}
	if from < 1 || to > length || from > to {
		return 0, 0, false
	}
	return from, to, true
}

// taggedEntry pairs an index entry with the name of the stream it was read
// from, the unit a join merges.
type taggedEntry struct {
	entry      index.IndexEntry
	streamName string
}

func decodeEvent(store Store, te taggedEntry) (Event, bool, error) {
	doc, ok, err := store.ReadDocument(te.entry)
	if err != nil {
		return Event{}, false, err
	}
	if !ok {
		return Event{}, false, nil
	}
	var envelope storage.Envelope
	if err := store.Serializer().Deserialize(doc, &envelope); err != nil {
		return Event{}, false, errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to decode event").
			WithDetail("streamName", te.streamName)
	}
	return Event{Payload: envelope.Payload, Metadata: envelope.Metadata, StreamName: te.streamName}, true, nil
}
