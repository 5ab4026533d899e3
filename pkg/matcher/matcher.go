// Package matcher implements the predicate abstraction read streams use to
// decide which committed events belong to them. A Matcher is evaluated
// against every event committed to the store; events it accepts are
// appended to the read stream's secondary index.
//
// The source this engine is modeled on persists matchers as either a JSON
// object (interpreted as "these metadata fields must equal these values")
// or the source text of a predicate function, later restored with an eval.
// Go has no eval, and embedding one would reintroduce exactly the code
// injection risk the design notes call out, so predicate matchers are
// persisted by a caller-assigned name and rehydrated through a Registry the
// embedding application populates at startup — the equality form still
// round-trips with no caller involvement at all.
package matcher

// Matcher decides whether a wrapped event belongs to a read stream.
type Matcher interface {
	// Match is evaluated against the event payload and its commit
	// metadata (commitId, committedAt, commitVersion, streamVersion, plus
	// any caller-supplied commit metadata).
	Match(event any, metadata map[string]any) bool
}

// EqualityMatcher accepts events whose metadata contains every key in
// Fields with exactly the given value. It is the "object" matcher form
// from the design notes: an equality matcher round-trips through
// persistence with no external registration required.
type EqualityMatcher struct {
	Fields map[string]any
}

// NewEqualityMatcher constructs an EqualityMatcher over the given field set.
func NewEqualityMatcher(fields map[string]any) *EqualityMatcher {
	return &EqualityMatcher{Fields: fields}
}

// Match reports whether every field in m.Fields is present in metadata
// with an equal value.
func (m *EqualityMatcher) Match(_ any, metadata map[string]any) bool {
	for key, want := range m.Fields {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// PredicateFunc is a named predicate over an event and its commit metadata.
type PredicateFunc func(event any, metadata map[string]any) bool

// PredicateMatcher wraps an arbitrary PredicateFunc. Its persisted form
// carries Name, not the function itself; Registry.Resolve looks the
// function back up by that name when the stream catalog is reopened.
type PredicateMatcher struct {
	Name string
	Fn   PredicateFunc
}

// NewPredicateMatcher constructs a PredicateMatcher. CreateStream refuses
// to persist one with an empty name; name must also be registered in the
// Registry passed when the catalog is reopened, or Resolve refuses it.
func NewPredicateMatcher(name string, fn PredicateFunc) *PredicateMatcher {
	return &PredicateMatcher{Name: name, Fn: fn}
}

// Match delegates to the wrapped predicate.
func (m *PredicateMatcher) Match(event any, metadata map[string]any) bool {
	return m.Fn(event, metadata)
}
