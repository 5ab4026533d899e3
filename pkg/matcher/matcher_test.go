package matcher_test

import (
	"testing"

	"github.com/albe/eventstore/pkg/matcher"
	"github.com/stretchr/testify/require"
)

func TestEqualityMatcher(t *testing.T) {
	m := matcher.NewEqualityMatcher(map[string]any{"type": "deposit"})

	require.True(t, m.Match(nil, map[string]any{"type": "deposit", "amount": 5}))
	require.False(t, m.Match(nil, map[string]any{"type": "withdrawal"}))
	require.False(t, m.Match(nil, map[string]any{}))
}

func TestPredicateMatcher(t *testing.T) {
	m := matcher.NewPredicateMatcher("amount-over-10", func(_ any, metadata map[string]any) bool {
		amount, _ := metadata["amount"].(int)
		return amount > 10
	})

	require.True(t, m.Match(nil, map[string]any{"amount": 20}))
	require.False(t, m.Match(nil, map[string]any{"amount": 5}))
}

func TestPersistAndResolveEquality(t *testing.T) {
	secret := []byte("super-secret")
	m := matcher.NewEqualityMatcher(map[string]any{"type": "deposit"})

	persisted, err := matcher.Persist(m, secret)
	require.NoError(t, err)
	require.NotEmpty(t, persisted.Fingerprint)

	resolved, err := matcher.Resolve(persisted, secret, nil)
	require.NoError(t, err)
	require.True(t, resolved.Match(nil, map[string]any{"type": "deposit"}))
}

func TestPersistAndResolvePredicate(t *testing.T) {
	secret := []byte("super-secret")
	registry := matcher.NewRegistry()
	registry.Register("amount-over-10", func(_ any, metadata map[string]any) bool {
		amount, _ := metadata["amount"].(int)
		return amount > 10
	})

	m := matcher.NewPredicateMatcher("amount-over-10", func(_ any, metadata map[string]any) bool {
		amount, _ := metadata["amount"].(int)
		return amount > 10
	})

	persisted, err := matcher.Persist(m, secret)
	require.NoError(t, err)

	resolved, err := matcher.Resolve(persisted, secret, registry)
	require.NoError(t, err)
	require.True(t, resolved.Match(nil, map[string]any{"amount": 15}))
}

func TestResolveRejectsTamperedFingerprint(t *testing.T) {
	secret := []byte("super-secret")
	m := matcher.NewEqualityMatcher(map[string]any{"type": "deposit"})

	persisted, err := matcher.Persist(m, secret)
	require.NoError(t, err)

	persisted.Fields["type"] = "withdrawal"
	_, err = matcher.Resolve(persisted, secret, nil)
	require.Error(t, err)
}

func TestResolveRejectsWrongSecret(t *testing.T) {
	m := matcher.NewEqualityMatcher(map[string]any{"type": "deposit"})

	persisted, err := matcher.Persist(m, []byte("secret-a"))
	require.NoError(t, err)

	_, err = matcher.Resolve(persisted, []byte("secret-b"), nil)
	require.Error(t, err)
}

func TestResolvePredicateRequiresRegistry(t *testing.T) {
	secret := []byte("super-secret")
	m := matcher.NewPredicateMatcher("amount-over-10", func(_ any, _ map[string]any) bool { return true })

	persisted, err := matcher.Persist(m, secret)
	require.NoError(t, err)

	_, err = matcher.Resolve(persisted, secret, nil)
	require.Error(t, err)

	_, err = matcher.Resolve(persisted, secret, matcher.NewRegistry())
	require.Error(t, err)
}

func TestPersistRejectsUnnamedPredicate(t *testing.T) {
	m := matcher.NewPredicateMatcher("", func(_ any, _ map[string]any) bool { return true })
	_, err := matcher.Persist(m, []byte("secret"))
	require.Error(t, err)
}
