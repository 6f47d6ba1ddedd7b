package producer

import (
	"testing"

	"github.com/repliq/repliq/pkg/filter"
	"github.com/stretchr/testify/require"
)

func TestInMemoryFilterStoreReturnsSameSetForSameStreamID(t *testing.T) {
	s := NewInMemoryFilterStore()
	require.Same(t, s.Get("orders"), s.Get("orders"))
	require.NotSame(t, s.Get("orders"), s.Get("payments"))
}

func TestCachedFilterStoreReturnsSameSetForSameStreamID(t *testing.T) {
	s := NewCachedFilterStore()
	first := s.Get("orders")
	require.NoError(t, first.Add(filter.Criterion{Kind: filter.ExcludeTags, Values: []string{"noisy"}}))

	second := s.Get("orders")
	require.Same(t, first, second, "Get must return the cached Set, not a fresh one, while it's still live")
	require.NotSame(t, first, s.Get("payments"))
}
