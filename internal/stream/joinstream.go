package stream

import "sort"

// JoinEventStream is a lazy, bounded iterator over several named streams
// merged by global insertion order: a k-way merge of each stream's
// secondary index on IndexEntry.Number. Its fluent API mirrors
// EventStream's exactly, applied to the merged sequence rather than a
// single index.
type JoinEventStream struct {
	store       Store
	streamNames []string

	bounds  Bounds
	reverse bool

	began   bool
	entries []taggedEntry
	pos     int
}

// NewJoinEventStream opens a lazy merged iterator over streams, spanning
// the whole merged sequence until narrowed by a fluent builder call.
// streams must be non-empty and store non-nil, else a ValidationError.
func NewJoinEventStream(store Store, streams []string) (*JoinEventStream, error) {
	if store == nil {
		return nil, newRequiredStoreError()
	}
	if len(streams) == 0 {
		return nil, newRequiredStreamsError()
	}
	for _, name := range streams {
		if _, ok := store.Stream(name); !ok {
			return nil, newStreamNotFoundError(name)
		}
	}
	names := append([]string(nil), streams...)
	return &JoinEventStream{store: store, streamNames: names, bounds: defaultBounds}, nil
}

func (js *JoinEventStream) checkMutable() {
	if js.began {
		panic(newBoundsFrozenError())
	}
}

// FromStart bounds the iterator to begin at the merged sequence's first entry.
func (js *JoinEventStream) FromStart() *JoinEventStream {
	js.checkMutable()
	js.bounds.fromStart()
	return js
}

// FromEnd bounds the iterator to begin at the merged sequence's last entry.
func (js *JoinEventStream) FromEnd() *JoinEventStream {
	js.checkMutable()
	js.bounds.fromEnd()
	return js
}

// ToStart bounds the iterator to end at the merged sequence's first entry.
func (js *JoinEventStream) ToStart() *JoinEventStream {
	js.checkMutable()
	js.bounds.toStart()
	return js
}

// ToEnd bounds the iterator to end at the merged sequence's last entry.
func (js *JoinEventStream) ToEnd() *JoinEventStream {
	js.checkMutable()
	js.bounds.toEnd()
	return js
}

// From sets the iterator's starting position in the merged sequence;
// negative counts from the end.
func (js *JoinEventStream) From(n int64) *JoinEventStream {
	js.checkMutable()
	js.bounds.from(n)
	return js
}

// Until sets the iterator's ending position in the merged sequence;
// negative counts from the end.
func (js *JoinEventStream) Until(n int64) *JoinEventStream {
	js.checkMutable()
	js.bounds.until(n)
	return js
}

// First bounds the iterator to the first n entries of the merged sequence.
func (js *JoinEventStream) First(n int64) *JoinEventStream {
	js.checkMutable()
	js.bounds.first(n)
	return js
}

// Last bounds the iterator to the last n entries of the merged sequence.
func (js *JoinEventStream) Last(n int64) *JoinEventStream {
	js.checkMutable()
	js.bounds.last(n)
	return js
}

// Forwards iterates oldest-first. This is the default.
func (js *JoinEventStream) Forwards() *JoinEventStream {
	js.checkMutable()
	js.reverse = false
	return js
}

// Backwards iterates newest-first.
func (js *JoinEventStream) Backwards() *JoinEventStream {
	js.checkMutable()
	js.reverse = true
	return js
}

// Reset reinitializes the iterator at its current bounds, re-running the
// merge so appends committed since the first materialization are picked up
// if they fall inside the window. Unlike the bounds builders, Reset never
// panics.
func (js *JoinEventStream) Reset() *JoinEventStream {
	js.began = false
	js.entries = nil
	js.pos = 0
	return js
}

func (js *JoinEventStream) materialize() {
	if js.began {
		return
	}
	js.began = true

	var merged []taggedEntry
	for _, name := range js.streamNames {
		idx, ok := js.store.Stream(name)
		if !ok {
			continue
		}
		for _, e := range idx.All() {
			merged = append(merged, taggedEntry{entry: e, streamName: name})
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].entry.Number < merged[j].entry.Number
	})

	from, to, ok := applyBounds(js.bounds, int64(len(merged)))
	if !ok {
		js.entries = nil
		return
	}
	window := append([]taggedEntry(nil), merged[from-1:to]...)
	if js.reverse {
		reverseTagged(window)
	}
	js.entries = window
}

// Next returns the next event in merged iteration order. ok is false once
// the iterator is exhausted.
func (js *JoinEventStream) Next() (Event, bool, error) {
	js.materialize()
	if js.pos >= len(js.entries) {
		return Event{}, false, nil
	}
	te := js.entries[js.pos]
	js.pos++
	return decodeEvent(js.store, te)
}

// Events drains the iterator's current bounds into an ordered slice,
// without disturbing any in-progress Next() cursor position.
func (js *JoinEventStream) Events() ([]Event, error) {
	js.materialize()
	out := make([]Event, 0, len(js.entries))
	for _, te := range js.entries {
		evt, ok, err := decodeEvent(js.store, te)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ForEach calls fn once per remaining event in merged iteration order,
// stopping at the first error fn returns.
func (js *JoinEventStream) ForEach(fn func(Event) error) error {
	for {
		evt, ok, err := js.Next()
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
