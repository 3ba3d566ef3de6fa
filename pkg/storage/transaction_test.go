package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Graph sessions
// ============================================================================

func TestGraph_ProvisionalIDs(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		g := NewGraph(engine)

		a, err := g.AddVertex(map[string]any{"x": "a"})
		require.NoError(t, err)
		b, err := g.AddVertex(nil)
		require.NoError(t, err)
		e, err := g.AddEdge(a, b, "include", map[string]any{"i": "h"})
		require.NoError(t, err)

		assert.True(t, a.IsProvisional())
		assert.True(t, e.IsProvisional())
		assert.NotEqual(t, a, b)

		// Nothing reaches the engine before commit.
		n, err := engine.VertexCount()
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		pending := g.PendingPromotion()
		promo, err := g.Commit()
		require.NoError(t, err)
		assert.Equal(t, pending, promo, "PendingPromotion must predict Commit")

		durableA := promo.Vertex(a)
		durableB := promo.Vertex(b)
		durableE := promo.Edge(e)
		assert.False(t, durableA.IsProvisional())
		assert.False(t, durableE.IsProvisional())

		stored, err := engine.GetEdge(durableE)
		require.NoError(t, err)
		assert.Equal(t, durableA, stored.Source)
		assert.Equal(t, durableB, stored.Target)

		// Provisional ids die with their transaction.
		_, err = g.Vertex(a)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGraph_ReadYourWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		g := NewGraph(engine)
		a, _ := g.AddVertex(nil)
		b, _ := g.AddVertex(nil)
		e1, _ := g.AddEdge(a, b, "include", map[string]any{"i": "h"})
		promo, err := g.Commit()
		require.NoError(t, err)
		a, b, e1 = promo.Vertex(a), promo.Vertex(b), promo.Edge(e1)

		c, err := g.AddVertex(nil)
		require.NoError(t, err)
		e2, err := g.AddEdge(a, c, "include", map[string]any{"i": "i"})
		require.NoError(t, err)
		require.NoError(t, g.SetEdgeProperty(e1, "i", "g"))
		require.NoError(t, g.SetVertexProperty(b, "x", "bee"))

		out, err := g.EdgesOut(a)
		require.NoError(t, err)
		require.Len(t, out, 2)
		keys := map[EdgeID]any{}
		for _, edge := range out {
			keys[edge.ID] = edge.Properties["i"]
		}
		assert.Equal(t, "g", keys[e1])
		assert.Equal(t, "i", keys[e2])

		v, err := g.Vertex(b)
		require.NoError(t, err)
		assert.Equal(t, "bee", v.Properties["x"])

		// The engine still has the committed state.
		stored, err := engine.GetEdge(e1)
		require.NoError(t, err)
		assert.Equal(t, "h", stored.Properties["i"])

		require.NoError(t, g.RemoveEdge(e1))
		out, err = g.EdgesOut(a)
		require.NoError(t, err)
		assert.Len(t, out, 1)
		in, err := g.EdgesIn(b)
		require.NoError(t, err)
		assert.Empty(t, in)
	})
}

func TestGraph_Rollback(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		g := NewGraph(engine)
		a, _ := g.AddVertex(map[string]any{"x": "keep"})
		promo, err := g.Commit()
		require.NoError(t, err)
		a = promo.Vertex(a)

		_, _ = g.AddVertex(nil)
		require.NoError(t, g.SetVertexProperty(a, "x", "changed"))
		assert.True(t, g.Dirty())

		g.Rollback()
		assert.False(t, g.Dirty())

		v, err := g.Vertex(a)
		require.NoError(t, err)
		assert.Equal(t, "keep", v.Properties["x"])
		n, err := engine.VertexCount()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestGraph_RemoveVertexCascades(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		g := NewGraph(engine)
		require.NoError(t, g.CreateIndex("favoriteIndex"))
		a, _ := g.AddVertex(nil)
		b, _ := g.AddVertex(nil)
		c, _ := g.AddVertex(nil)
		_, _ = g.AddEdge(a, b, "include", nil)
		_, _ = g.AddEdge(c, b, "reference", nil)
		require.NoError(t, g.IndexPut("favoriteIndex", "favorite", b))
		promo, err := g.Commit()
		require.NoError(t, err)
		b = promo.Vertex(b)

		require.NoError(t, g.RemoveVertex(b))
		_, err = g.Commit()
		require.NoError(t, err)

		_, err = engine.GetVertex(b)
		assert.ErrorIs(t, err, ErrNotFound)
		n, err := engine.EdgeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		ids, err := engine.IndexGet("favoriteIndex", "favorite")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestGraph_IndexOverlay(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		g := NewGraph(engine)

		_, err := g.IndexGet("trashIndex", "trash")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, g.CreateIndex("trashIndex"))
		a, _ := g.AddVertex(nil)
		require.NoError(t, g.IndexPut("trashIndex", "trash", a))

		ids, err := g.IndexGet("trashIndex", "trash")
		require.NoError(t, err)
		assert.Equal(t, []VertexID{a}, ids)

		promo, err := g.Commit()
		require.NoError(t, err)
		durable := promo.Vertex(a)

		ids, err = engine.IndexGet("trashIndex", "trash")
		require.NoError(t, err)
		assert.Equal(t, []VertexID{durable}, ids, "index entries follow promotion")

		require.NoError(t, g.IndexRemove("trashIndex", "trash", durable))
		ids, err = g.IndexGet("trashIndex", "trash")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestGraph_Errors(t *testing.T) {
	g := NewGraph(NewMemoryEngine())

	_, err := g.AddEdge("nope", "nada", "include", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, g.RemoveEdge("~e99"), ErrNotFound)
	assert.ErrorIs(t, g.SetVertexProperty("missing", "x", 1), ErrNotFound)

	a, _ := g.AddVertex(nil)
	assert.ErrorIs(t, g.IndexPut("noIndex", "k", a), ErrNotFound)

	promo, err := g.Commit()
	require.NoError(t, err)
	assert.Len(t, promo.Vertices, 1)

	// Committing a clean transaction is a no-op.
	promo, err = g.Commit()
	require.NoError(t, err)
	assert.True(t, promo.Empty())
}
