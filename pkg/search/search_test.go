package search

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/storage"
)

// seed commits one vertex per text and returns the durable ids in order.
func seed(t *testing.T, engine storage.Engine, texts ...string) []storage.VertexID {
	t.Helper()
	g := storage.NewGraph(engine)
	ids := make([]storage.VertexID, len(texts))
	for i, text := range texts {
		id, err := g.AddVertex(map[string]any{"x": text})
		require.NoError(t, err)
		ids[i] = id
	}
	promo, err := g.Commit()
	require.NoError(t, err)
	for i := range ids {
		ids[i] = promo.Vertex(ids[i])
	}
	return ids
}

func collect(t *testing.T, w *Worker, query string) []Match {
	t.Helper()
	var out []Match
	require.NoError(t, w.Query(context.Background(), query, func(m Match) error {
		out = append(out, m)
		return nil
	}))
	return out
}

func texts(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Text
	}
	return out
}

// ============================================================================
// Index
// ============================================================================

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"buy", "milk", "bread"}, tokenize("Buy the milk, and BREAD!"))
	assert.Empty(t, tokenize("a I , ."))
	assert.Equal(t, []string{"v2", "release"}, tokenize("v2-release"))
}

func TestFulltextIndex(t *testing.T) {
	t.Run("exact beats prefix", func(t *testing.T) {
		idx := newFulltextIndex()
		idx.add("a", "garden tools")
		idx.add("b", "gardening weekend")
		idx.add("c", "unrelated")

		hits := idx.search("garden", 0)
		require.Len(t, hits, 2)
		assert.Equal(t, storage.VertexID("a"), hits[0].id)
		assert.Equal(t, storage.VertexID("b"), hits[1].id)
	})

	t.Run("phrase bonus", func(t *testing.T) {
		idx := newFulltextIndex()
		idx.add("a", "call mom tomorrow")
		idx.add("b", "tomorrow call mom")
		idx.add("c", "mom said call")

		hits := idx.search("call mom", 0)
		require.Len(t, hits, 3)
		// Both verbatim hits rank above the one with the words apart.
		assert.Equal(t, storage.VertexID("c"), hits[2].id)
	})

	t.Run("substring without tokens", func(t *testing.T) {
		idx := newFulltextIndex()
		idx.add("a", "x")
		idx.add("b", "y")

		hits := idx.search("x", 0)
		require.Len(t, hits, 1)
		assert.Equal(t, storage.VertexID("a"), hits[0].id)
	})

	t.Run("limit", func(t *testing.T) {
		idx := newFulltextIndex()
		idx.add("a", "note one")
		idx.add("b", "note two")
		idx.add("c", "note three")

		assert.Len(t, idx.search("note", 2), 2)
	})

	t.Run("empty index", func(t *testing.T) {
		assert.Nil(t, newFulltextIndex().search("anything", 0))
	})
}

// ============================================================================
// Worker
// ============================================================================

func TestWorkerQuery(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	ids := seed(t, engine, "Project plan", "Plan the trip", "Groceries", "planning notes")

	w := NewWorker(engine, Options{})
	matches := collect(t, w, "plan")

	require.Len(t, matches, 3)
	assert.ElementsMatch(t, []string{"Project plan", "Plan the trip", "planning notes"}, texts(matches))
	assert.Equal(t, "planning notes", matches[2].Text)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
	assert.NotContains(t, []storage.VertexID{matches[0].ID, matches[1].ID, matches[2].ID}, ids[2])
}

func TestWorkerSkipsTrashed(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	ids := seed(t, engine, "alpha task", "alpha idea")

	g := storage.NewGraph(engine)
	require.NoError(t, g.SetVertexProperty(ids[1], trashedProperty, true))
	_, err := g.Commit()
	require.NoError(t, err)

	matches := collect(t, NewWorker(engine, Options{}), "alpha")
	require.Len(t, matches, 1)
	assert.Equal(t, ids[0], matches[0].ID)
}

func TestWorkerProperty(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	g := storage.NewGraph(engine)
	_, err := g.AddVertex(map[string]any{"x": "title", "note": "hidden detail"})
	require.NoError(t, err)
	_, err = g.Commit()
	require.NoError(t, err)

	assert.Empty(t, collect(t, NewWorker(engine, Options{}), "hidden"))
	assert.Len(t, collect(t, NewWorker(engine, Options{Property: "note"}), "hidden"), 1)
}

func TestWorkerLimit(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "item one", "item two", "item three", "item four")

	assert.Len(t, collect(t, NewWorker(engine, Options{Limit: 2}), "item"), 2)
}

func TestWorkerEmitError(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "stop one", "stop two")

	errStop := errors.New("enough")
	calls := 0
	err := NewWorker(engine, Options{}).Query(context.Background(), "stop", func(Match) error {
		calls++
		return errStop
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}

func TestWorkerCanceled(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "some text")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWorker(engine, Options{Metrics: m}).Query(ctx, "text", func(Match) error {
		return errors.New("no match expected after cancel")
	})
	assert.ErrorIs(t, err, context.Canceled)
	count, err := testutil.GatherAndCount(reg, "mindtree_search_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// ============================================================================
// Searcher
// ============================================================================

func TestSearcherSubmit(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "red apple", "green apple", "banana")

	s := NewSearcher(NewWorker(engine, Options{}))
	defer s.Close()

	run := s.Submit(context.Background(), "apple")
	var got []Match
	for m := range run.Matches {
		got = append(got, m)
	}
	require.NoError(t, run.Wait())
	assert.ElementsMatch(t, []string{"red apple", "green apple"}, texts(got))
}

func TestSearcherSupersedes(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "red apple", "green apple", "banana")

	s := NewSearcher(NewWorker(engine, Options{}))
	defer s.Close()

	// Nobody reads the first run, so it is still in flight when the
	// second query arrives.
	first := s.Submit(context.Background(), "apple")
	second := s.Submit(context.Background(), "banana")

	assert.ErrorIs(t, first.Wait(), context.Canceled)
	for range first.Matches {
	}

	var got []Match
	for m := range second.Matches {
		got = append(got, m)
	}
	require.NoError(t, second.Wait())
	assert.Equal(t, []string{"banana"}, texts(got))
}

func TestSearcherCancelAndClose(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seed(t, engine, "one note", "two note")

	s := NewSearcher(NewWorker(engine, Options{}))
	run := s.Submit(context.Background(), "note")
	run.Cancel()
	assert.ErrorIs(t, run.Wait(), context.Canceled)

	pending := s.Submit(context.Background(), "note")
	s.Close()
	assert.ErrorIs(t, pending.Wait(), context.Canceled)
}
