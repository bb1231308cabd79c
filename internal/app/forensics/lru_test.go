package forensics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUSetMembership(t *testing.T) {
	s := newLRUSet(10)

	require.False(t, s.Seen(7))
	s.Add(7)
	require.True(t, s.Seen(7))
	require.Equal(t, 1, s.Len())
}

func TestLRUSetEvictsOldest(t *testing.T) {
	s := newLRUSet(3)
	s.Add(1)
	s.Add(2)
	s.Add(3)
	s.Add(4)

	require.Equal(t, 3, s.Len())
	require.False(t, s.Seen(1))
	require.True(t, s.Seen(2))
	require.True(t, s.Seen(4))
}

func TestLRUSetSeenRefreshesRecency(t *testing.T) {
	s := newLRUSet(3)
	s.Add(1)
	s.Add(2)
	s.Add(3)

	require.True(t, s.Seen(1))
	s.Add(4)

	require.True(t, s.Seen(1), "refreshed id survives eviction")
	require.False(t, s.Seen(2), "least recently seen id evicted")
}

func TestLRUSetReAddIsIdempotent(t *testing.T) {
	s := newLRUSet(2)
	s.Add(1)
	s.Add(1)
	s.Add(1)

	require.Equal(t, 1, s.Len())
}
