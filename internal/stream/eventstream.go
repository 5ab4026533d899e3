package stream

import "github.com/albe/eventstore/internal/index"

// EventStream is a lazy, bounded iterator over one named stream's secondary
// index. Its (min, max) revision window and direction are fixed the first
// time iteration begins; fluent builder calls after that point panic with a
// StateError, matching the programmer-error treatment the rest of this
// engine gives to mutating something that has already committed to a
// shape.
type EventStream struct {
	store      Store
	streamName string
	idx        *index.Index

	bounds  Bounds
	reverse bool

	began   bool
	entries []taggedEntry
	pos     int
}

// NewEventStream opens a lazy iterator over streamName, spanning the whole
// stream until narrowed by a fluent builder call.
func NewEventStream(store Store, streamName string) (*EventStream, error) {
	if store == nil {
		return nil, newRequiredStoreError()
	}
	if streamName == "" {
		return nil, newRequiredStreamNameError()
	}
	idx, ok := store.Stream(streamName)
	if !ok {
		return nil, newStreamNotFoundError(streamName)
	}
	return &EventStream{store: store, streamName: streamName, idx: idx, bounds: defaultBounds}, nil
}

func (es *EventStream) checkMutable() {
	if es.began {
		panic(newBoundsFrozenError())
	}
}

// FromStart bounds the iterator to begin at the stream's first entry.
func (es *EventStream) FromStart() *EventStream { es.checkMutable(); es.bounds.fromStart(); return es }

// FromEnd bounds the iterator to begin at the stream's last entry.
func (es *EventStream) FromEnd() *EventStream { es.checkMutable(); es.bounds.fromEnd(); return es }

// ToStart bounds the iterator to end at the stream's first entry.
func (es *EventStream) ToStart() *EventStream { es.checkMutable(); es.bounds.toStart(); return es }

// ToEnd bounds the iterator to end at the stream's last entry.
func (es *EventStream) ToEnd() *EventStream { es.checkMutable(); es.bounds.toEnd(); return es }

// From sets the iterator's starting revision; negative counts from the end.
func (es *EventStream) From(n int64) *EventStream { es.checkMutable(); es.bounds.from(n); return es }

// Until sets the iterator's ending revision; negative counts from the end.
func (es *EventStream) Until(n int64) *EventStream { es.checkMutable(); es.bounds.until(n); return es }

// First bounds the iterator to the first n entries.
func (es *EventStream) First(n int64) *EventStream { es.checkMutable(); es.bounds.first(n); return es }

// Last bounds the iterator to the last n entries.
func (es *EventStream) Last(n int64) *EventStream { es.checkMutable(); es.bounds.last(n); return es }

// Forwards iterates oldest-first. This is the default.
func (es *EventStream) Forwards() *EventStream { es.checkMutable(); es.reverse = false; return es }

// Backwards iterates newest-first.
func (es *EventStream) Backwards() *EventStream { es.checkMutable(); es.reverse = true; return es }

// Reset reinitializes the iterator at its current bounds, re-reading the
// stream so appends committed since the first materialization are picked
// up if they fall inside the (possibly from-end-relative) window. Unlike
// the bounds builders, Reset never panics.
func (es *EventStream) Reset() *EventStream {
	es.began = false
	es.entries = nil
	es.pos = 0
	return es
}

func (es *EventStream) materialize() {
	if es.began {
		return
	}
	es.began = true

	raw, ok := es.idx.Range(es.bounds.min, es.bounds.max)
	if !ok {
		es.entries = nil
		return
	}
	entries := make([]taggedEntry, len(raw))
	for i, e := range raw {
		entries[i] = taggedEntry{entry: e, streamName: es.streamName}
	}
	if es.reverse {
		reverseTagged(entries)
	}
	es.entries = entries
}

// Next returns the next event in iteration order. ok is false once the
// iterator is exhausted.
func (es *EventStream) Next() (Event, bool, error) {
	es.materialize()
	if es.pos >= len(es.entries) {
		return Event{}, false, nil
	}
	te := es.entries[es.pos]
	es.pos++
	return decodeEvent(es.store, te)
}

// Events drains the iterator's current bounds into an ordered slice,
// without disturbing any in-progress Next() cursor position.
func (es *EventStream) Events() ([]Event, error) {
	es.materialize()
	out := make([]Event, 0, len(es.entries))
	for _, te := range es.entries {
		evt, ok, err := decodeEvent(es.store, te)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ForEach calls fn once per remaining event in iteration order, stopping at
// the first error fn returns.
func (es *EventStream) ForEach(fn func(Event) error) error {
	for {
		evt, ok, err := es.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func reverseTagged(s []taggedEntry) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
