package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSetRemove(t *testing.T) {
	s := NewMemoryStore()

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v1"))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Remove("k"))
	_, ok, err = s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// removing an absent key is not an error
	require.NoError(t, s.Remove("k"))
}

func TestMemoryArea_ChangesReachOtherViewsOnly(t *testing.T) {
	area := NewMemoryArea()
	tabA := area.View()
	tabB := area.View()

	var seenA, seenB []Change
	tabA.OnChange("k", func(c Change) { seenA = append(seenA, c) })
	tabB.OnChange("k", func(c Change) { seenB = append(seenB, c) })

	require.NoError(t, tabA.Set("k", "v1"))
	require.NoError(t, tabA.Remove("k"))

	assert.Empty(t, seenA, "a tab must not observe its own writes")
	require.Len(t, seenB, 2)

	assert.Nil(t, seenB[0].OldValue)
	require.NotNil(t, seenB[0].NewValue)
	assert.Equal(t, "v1", *seenB[0].NewValue)

	require.NotNil(t, seenB[1].OldValue)
	assert.Equal(t, "v1", *seenB[1].OldValue)
	assert.Nil(t, seenB[1].NewValue)

	v, ok, err := tabB.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestMemoryStore_UnsubscribeAndKeyFilter(t *testing.T) {
	area := NewMemoryArea()
	tabA := area.View()
	tabB := area.View()

	calls := 0
	unsubscribe := tabB.OnChange("watched", func(Change) { calls++ })

	require.NoError(t, tabA.Set("other", "x"))
	assert.Equal(t, 0, calls)

	require.NoError(t, tabA.Set("watched", "x"))
	assert.Equal(t, 1, calls)

	unsubscribe()
	require.NoError(t, tabA.Set("watched", "y"))
	assert.Equal(t, 1, calls)
}

func TestMemoryStore_ClosedViewFails(t *testing.T) {
	area := NewMemoryArea()
	tab := area.View()
	require.NoError(t, tab.Close())

	assert.ErrorIs(t, tab.Set("k", "v"), ErrClosed)
	_, _, err := tab.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
}
