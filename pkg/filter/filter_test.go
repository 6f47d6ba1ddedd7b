package filter

import (
	"testing"

	"github.com/repliq/repliq/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario4ExcludeThenIncludeReIncludes(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: ExcludeTags, Values: []string{"small"}}))
	require.NoError(t, s.Add(Criterion{Kind: IncludeTags, Values: []string{"large"}}))

	env := envelope.EventEnvelope{PersistenceID: "p", SeqNr: 1, Tags: []string{"small", "large"}}
	assert.Equal(t, Emit, s.Evaluate(env))
}

func TestScenario5ExcludeSuppresses(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: ExcludeTags, Values: []string{"small"}}))

	env := envelope.EventEnvelope{PersistenceID: "b", SeqNr: 7, Tags: []string{"small"}}
	assert.Equal(t, Suppress, s.Evaluate(env))
}

func TestNoExcludeMatchEmits(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: ExcludeTags, Values: []string{"small"}}))

	env := envelope.EventEnvelope{PersistenceID: "c", Tags: []string{"medium"}}
	assert.Equal(t, Emit, s.Evaluate(env))
}

func TestRegexEntityIDs(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: ExcludeRegexEntityIDs, Values: []string{`^internal-.*`}}))

	assert.Equal(t, Suppress, s.Evaluate(envelope.EventEnvelope{PersistenceID: "internal-42"}))
	assert.Equal(t, Emit, s.Evaluate(envelope.EventEnvelope{PersistenceID: "public-42"}))
}

func TestAddIsIdempotent(t *testing.T) {
	s := NewSet()
	c := Criterion{Kind: ExcludeTags, Values: []string{"x"}}
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Add(c))
	assert.Len(t, s.Snapshot(), 1)
}

func TestFilterDiffIdempotence(t *testing.T) {
	// Invariant 7: applying the same Filter{criteria} twice has the same
	// effect as applying it once.
	apply := func(s *Set) {
		_ = s.Add(Criterion{Kind: ExcludeTags, Values: []string{"beta"}})
		_ = s.Add(Criterion{Kind: IncludeEntityIDs, Values: []string{"vip-1"}})
	}
	once := NewSet()
	apply(once)
	twice := NewSet()
	apply(twice)
	apply(twice)

	assert.ElementsMatch(t, once.Snapshot(), twice.Snapshot())
}

func TestRemoveAbsentCriterionIsNoop(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: ExcludeTags, Values: []string{"x"}}))
	s.Remove(Criterion{Kind: ExcludeTags, Values: []string{"never-added"}})
	assert.Len(t, s.Snapshot(), 1)
}

func TestRemoveByValueEquality(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{Kind: IncludeTags, Values: []string{"a", "b"}}))
	s.Remove(Criterion{Kind: IncludeTags, Values: []string{"b", "a"}})
	assert.Empty(t, s.Snapshot())
}

func TestReplayFloor(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Criterion{
		Kind:       IncludeEntityIDs,
		Values:     []string{"order-1"},
		ReplayFrom: map[string]int64{"order-1": 42},
	}))
	floor, ok := s.ReplayFloor("order-1")
	require.True(t, ok)
	assert.Equal(t, int64(42), floor)

	_, ok = s.ReplayFloor("order-2")
	assert.False(t, ok)
}

func TestTooManyCriteria(t *testing.T) {
	s := NewSet()
	for i := 0; i < maxCriteria; i++ {
		require.NoError(t, s.Add(Criterion{Kind: ExcludeEntityIDs, Values: []string{string(rune('a' + i%26)), string(rune(i))}}))
	}
	err := s.Add(Criterion{Kind: ExcludeEntityIDs, Values: []string{"overflow"}})
	assert.ErrorIs(t, err, ErrTooManyCriteria)
}
