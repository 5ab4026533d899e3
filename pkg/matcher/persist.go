package matcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	apperrors "github.com/albe/eventstore/pkg/errors"
)

const (
	kindEquality  = "equality"
	kindPredicate = "predicate"
)

// Persisted is the on-disk form of a Matcher, stored in the `.streams`
// catalog alongside the stream's name. Fields is
// only populated for equality matchers; Name only for predicate matchers.
type Persisted struct {
	Kind        string         `json:"kind"`
	Name        string         `json:"name,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Fingerprint string         `json:"fingerprint"`
}

// Registry resolves a persisted predicate matcher's Name back to the
// PredicateFunc the embedding application registered for it at startup. Go
// cannot restore an arbitrary function from its persisted source, so a
// predicate matcher can only be reopened if its name was registered before
// the stream catalog is loaded.
type Registry struct {
	predicates map[string]PredicateFunc
}

// NewRegistry creates an empty predicate registry.
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]PredicateFunc)}
}

// Register associates name with fn so a persisted PredicateMatcher with
// that name can be rehydrated on reopen.
func (r *Registry) Register(name string, fn PredicateFunc) {
	r.predicates[name] = fn
}

// Persist canonicalizes m and computes its HMAC-SHA256 fingerprint using
// secret. The fingerprint is verified by Resolve before a reopened
// predicate matcher is ever evaluated, so a tampered or corrupted catalog
// entry is refused rather than silently running the wrong predicate.
func Persist(m Matcher, secret []byte) (Persisted, error) {
	var p Persisted

	switch mm := m.(type) {
	case *EqualityMatcher:
		p = Persisted{Kind: kindEquality, Fields: mm.Fields}
	case *PredicateMatcher:
		if mm.Name == "" {
			return Persisted{}, apperrors.NewValidationError(
				nil, apperrors.ErrorCodeInvalidInput, "predicate matcher must have a non-empty name to be persisted",
			).WithField("name").WithRule("required")
		}
		p = Persisted{Kind: kindPredicate, Name: mm.Name}
	default:
		return Persisted{}, apperrors.NewValidationError(
			nil, apperrors.ErrorCodeInvalidInput, "unsupported matcher type",
		).WithField("matcher").WithRule("known_type")
	}

	canonical, err := canonicalize(p)
	if err != nil {
		return Persisted{}, err
	}
	p.Fingerprint = fingerprint(canonical, secret)
	return p, nil
}

// Resolve verifies p's fingerprint against secret and reconstructs the
// Matcher it describes. A predicate matcher additionally requires its name
// to be present in registry.
func Resolve(p Persisted, secret []byte, registry *Registry) (Matcher, error) {
	check := p
	check.Fingerprint = ""
	canonical, err := canonicalize(check)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(fingerprint(canonical, secret)), []byte(p.Fingerprint)) {
		return nil, apperrors.NewMatcherFingerprintMismatchError(p.Name)
	}

	switch p.Kind {
	case kindEquality:
		return NewEqualityMatcher(p.Fields), nil
	case kindPredicate:
		if registry == nil {
			return nil, apperrors.NewValidationError(
				nil, apperrors.ErrorCodeInvalidInput, "predicate matcher requires a registry to resolve",
			).WithField("registry").WithRule("required")
		}
		fn, ok := registry.predicates[p.Name]
		if !ok {
			return nil, apperrors.NewValidationError(
				nil, apperrors.ErrorCodeInvalidInput, "predicate matcher name not registered",
			).WithField("name").WithRule("registered").WithProvided(p.Name)
		}
		return NewPredicateMatcher(p.Name, fn), nil
	default:
		return nil, apperrors.NewValidationError(
			nil, apperrors.ErrorCodeInvalidInput, "unknown persisted matcher kind",
		).WithField("kind").WithRule("known_value").WithProvided(p.Kind)
	}
}

// canonicalize produces a deterministic JSON encoding of p so that
// fingerprinting is stable across process restarts regardless of map
// iteration order.
func canonicalize(p Persisted) ([]byte, error) {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := struct {
		Kind   string `json:"kind"`
		Name   string `json:"name,omitempty"`
		Fields []kv   `json:"fields,omitempty"`
	}{Kind: p.Kind, Name: p.Name}

	for _, k := range keys {
		ordered.Fields = append(ordered.Fields, kv{Key: k, Value: p.Fields[k]})
	}

	return json.Marshal(ordered)
}

type kv struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func fingerprint(canonical, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
