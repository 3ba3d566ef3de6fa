package orderkey

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Midpoint
// ============================================================================

func TestMidpoint(t *testing.T) {
	t.Run("first key", func(t *testing.T) {
		key, err := Midpoint("", "")
		require.NoError(t, err)
		assert.Equal(t, "h", key)
	})

	tests := []struct {
		name         string
		lower, upper string
		want         string
	}{
		{"append after h", "h", "", "i"},
		{"prepend before h", "", "h", "b"},
		{"prepend before b descends", "", "b", "ah"},
		{"append after y descends", "y", "", "yh"},
		{"append after z", "z", "", "zb"},
		{"adjacent digits", "h", "i", "hh"},
		{"skips z run", "hz", "i", "hzh"},
		{"wide gap", "b", "y", "c"},
		{"deep lower", "hh", "i", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Midpoint(tt.lower, tt.upper)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Greater(t, got, tt.lower)
			if tt.upper != "" {
				assert.Less(t, got, tt.upper)
			}
		})
	}

	t.Run("rejects out of order bounds", func(t *testing.T) {
		_, err := Midpoint("m", "c")
		assert.ErrorIs(t, err, ErrOutOfOrder)

		_, err = Midpoint("m", "m")
		assert.ErrorIs(t, err, ErrOutOfOrder)
	})

	t.Run("rejects invalid digits", func(t *testing.T) {
		_, err := Midpoint("A", "")
		assert.ErrorIs(t, err, ErrInvalidKey)

		_, err = Midpoint("", "h1")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("no room below a trailing a", func(t *testing.T) {
		_, err := Midpoint("b", "ba")
		assert.ErrorIs(t, err, ErrNoRoom)
	})
}

func TestMidpointStrictlyBetween(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{First}

	// Insert at random positions and check every allocation lands in its gap.
	for i := 0; i < 2000; i++ {
		pos := rng.Intn(len(keys) + 1)
		key, err := Allocate(keys, pos)
		require.NoError(t, err)

		if pos > 0 {
			require.Greater(t, key, keys[pos-1])
		}
		if pos < len(keys) {
			require.Less(t, key, keys[pos])
		}
		keys = append(keys[:pos], append([]string{key}, keys[pos:]...)...)
	}

	assert.True(t, sort.StringsAreSorted(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		require.False(t, seen[k], "duplicate key %q", k)
		seen[k] = true
	}
}

func TestMidpointSameSpotGrowth(t *testing.T) {
	// Inserting repeatedly right after the same key keeps working but keys get longer.
	lower, upper := "h", "i"
	for i := 0; i < 100; i++ {
		key, err := Midpoint(lower, upper)
		require.NoError(t, err)
		require.Greater(t, key, lower)
		require.Less(t, key, upper)
		upper = key
	}
	assert.Greater(t, len(upper), 2)
}

// ============================================================================
// Allocate
// ============================================================================

func TestAllocate(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		key, err := Allocate(nil, End)
		require.NoError(t, err)
		assert.Equal(t, First, key)
	})

	t.Run("between two siblings", func(t *testing.T) {
		keys := []string{"h", "i"}
		key, err := Allocate(keys, 1)
		require.NoError(t, err)
		assert.True(t, keys[0] < key && key < keys[1])
	})

	t.Run("end appends", func(t *testing.T) {
		keys := []string{"b", "h"}
		key, err := Allocate(keys, End)
		require.NoError(t, err)
		assert.Greater(t, key, "h")

		same, err := Allocate(keys, len(keys))
		require.NoError(t, err)
		assert.Equal(t, key, same)
	})

	t.Run("position out of range", func(t *testing.T) {
		_, err := Allocate([]string{"h"}, 2)
		assert.ErrorIs(t, err, ErrPosition)

		_, err = Allocate([]string{"h"}, -2)
		assert.ErrorIs(t, err, ErrPosition)
	})
}
