package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/command"
	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/mindmap"
	"github.com/orneryd/mindtree/pkg/search"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := tree.New(storage.NewGraph(engine), tree.Options{
		Verify:     tree.VerifyStrict,
		Properties: mindmap.Schema(),
		Metrics:    m,
	})
	require.NoError(t, err)
	model, err := mindmap.New(store, nil)
	require.NoError(t, err)

	s, err := New(Deps{
		Model:    model,
		Manager:  command.NewManager(store, command.ManagerOptions{Metrics: m}),
		Search:   search.NewWorker(engine, search.Options{Metrics: m}),
		Gatherer: reg,
	}, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// call sends body as JSON and decodes the response into out when non-nil.
func call(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func addChild(t *testing.T, ts *httptest.Server, parent []int, text string) []int {
	t.Helper()
	var res CommandResult
	status := call(t, ts, http.MethodPost, "/api/children", map[string]any{
		"parent":     parent,
		"properties": map[string]any{"x": text},
	}, &res)
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Applied)
	return res.Path
}

func vertex(t *testing.T, ts *httptest.Server, id string) VertexJSON {
	t.Helper()
	var v VertexJSON
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/vertices/"+id, nil, &v))
	return v
}

func linkTexts(v VertexJSON) []string {
	out := make([]string, len(v.Links))
	for i, l := range v.Links {
		out[i] = l.Text
	}
	return out
}

// =============================================================================
// Reads
// =============================================================================

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	var body map[string]any
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestVertexAndExport(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, []int{0}, addChild(t, ts, nil, "Groceries"))
	assert.Equal(t, []int{0, 0}, addChild(t, ts, []int{0}, "Milk"))
	assert.Equal(t, []int{0, 1}, addChild(t, ts, []int{0}, "Bread"))

	root := vertex(t, ts, "root")
	assert.Empty(t, root.Path)
	require.Len(t, root.Links, 1)
	assert.Equal(t, tree.Include, root.Links[0].Type)

	groceries := vertex(t, ts, string(root.Links[0].Target))
	assert.Equal(t, []int{0}, groceries.Path)
	assert.Equal(t, "Groceries", groceries.Text)
	assert.Equal(t, []string{"Milk", "Bread"}, linkTexts(groceries))

	milk := vertex(t, ts, string(groceries.Links[0].Target))
	assert.Equal(t, "Groceries > Milk", milk.ContextText)

	var outline mindmap.Outline
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/vertices/"+string(groceries.ID)+"/export", nil, &outline))
	assert.Equal(t, "Groceries\n    Milk\n    Bread\n", outline.String())

	assert.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, "/api/vertices/missing", nil, nil))
}

func TestSearch(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "Plan the trip")
	addChild(t, ts, nil, "Groceries")

	var matches []search.Match
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/search?q=trip", nil, &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "Plan the trip", matches[0].Text)

	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodGet, "/api/search", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "a")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mindtree_operations_total")
	assert.Contains(t, string(body), "mindtree_commits_total")
}

// =============================================================================
// Writes
// =============================================================================

func TestRemoveUndoRedo(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "Groceries")
	addChild(t, ts, []int{0}, "Milk")
	addChild(t, ts, nil, "Recipes")

	var res CommandResult
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/references", map[string]any{
		"referrer": []int{1},
		"referent": []int{0, 0},
	}, &res))
	assert.True(t, res.Applied)

	root := vertex(t, ts, "root")
	recipes := vertex(t, ts, string(root.Links[1].Target))
	require.Len(t, recipes.Links, 1)
	assert.Equal(t, tree.Reference, recipes.Links[0].Type)
	assert.Equal(t, "Milk", recipes.Links[0].Text)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/remove", map[string]any{"target": []int{0}}, &res))
	assert.True(t, res.Applied)

	var trash []TrashJSON
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/trash", nil, &trash))
	require.Len(t, trash, 1)
	assert.Equal(t, "Groceries", trash[0].Text)
	assert.Equal(t, root.ID, trash[0].Parent)
	assert.Equal(t, 1, trash[0].References)
	assert.Empty(t, vertex(t, ts, string(recipes.ID)).Links, "reference into the trash is captured")

	trashed := vertex(t, ts, string(trash[0].Root))
	assert.True(t, trashed.Trashed)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/undo", nil, &res))
	assert.True(t, res.CanRedo)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/trash", nil, &trash))
	assert.Empty(t, trash)
	assert.Equal(t, []string{"Groceries", "Recipes"}, linkTexts(vertex(t, ts, "root")))
	assert.Equal(t, []string{"Milk"}, linkTexts(vertex(t, ts, string(recipes.ID))))

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/redo", nil, &res))
	assert.False(t, res.CanRedo)
	assert.Equal(t, []string{"Recipes"}, linkTexts(vertex(t, ts, "root")))
}

func TestMoveAndReorder(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "A")
	addChild(t, ts, nil, "B")
	addChild(t, ts, nil, "C")

	var res CommandResult
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/reorder", map[string]any{
		"parent": []int{}, "oldPos": 0, "newPos": 2,
	}, &res))
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"B", "C", "A"}, linkTexts(vertex(t, ts, "root")))

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/move", map[string]any{
		"child": []int{2}, "newParent": []int{0},
	}, &res))
	assert.True(t, res.Applied)

	root := vertex(t, ts, "root")
	assert.Equal(t, []string{"B", "C"}, linkTexts(root))
	assert.Equal(t, []string{"A"}, linkTexts(vertex(t, ts, string(root.Links[0].Target))))

	// A into its own subtree.
	addChild(t, ts, []int{0, 0}, "A1")
	status := call(t, ts, http.MethodPost, "/api/move", map[string]any{
		"child": []int{0}, "newParent": []int{0, 0, 0},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestMoveReference(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "A")
	addChild(t, ts, nil, "B")
	addChild(t, ts, nil, "C")

	var res CommandResult
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/references", map[string]any{
		"referrer": []int{0}, "referent": []int{2},
	}, &res))
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/move", map[string]any{
		"referrer": []int{0}, "pos": 0, "newParent": []int{1},
	}, &res))
	assert.True(t, res.Applied)

	root := vertex(t, ts, "root")
	assert.Empty(t, vertex(t, ts, string(root.Links[0].Target)).Links)
	assert.Equal(t, []string{"C"}, linkTexts(vertex(t, ts, string(root.Links[1].Target))))
}

func TestSetProperty(t *testing.T) {
	ts := setupTestServer(t)
	addChild(t, ts, nil, "Draft")

	var res CommandResult
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/properties", map[string]any{
		"target": []int{0}, "key": "x", "value": "Final",
	}, &res))
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"Final"}, linkTexts(vertex(t, ts, "root")))

	// Same value again does not apply.
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/properties", map[string]any{
		"target": []int{0}, "key": "x", "value": "Final",
	}, &res))
	assert.False(t, res.Applied)

	// sz is an int property.
	status := call(t, ts, http.MethodPost, "/api/properties", map[string]any{
		"target": []int{0}, "key": "sz", "value": "large",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = call(t, ts, http.MethodPost, "/api/properties", map[string]any{"target": []int{0}}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWriteErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"missing parent", "/api/children", map[string]any{"parent": []int{3}}, http.StatusNotFound},
		{"nothing to undo", "/api/undo", nil, http.StatusConflict},
		{"nothing to redo", "/api/redo", nil, http.StatusConflict},
		{"unknown field", "/api/remove", map[string]any{"target": []int{0}, "force": true}, http.StatusBadRequest},
		{"bad position", "/api/children", map[string]any{"parent": []int{}, "pos": 7}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			assert.Equal(t, tt.status, call(t, ts, http.MethodPost, tt.path, tt.body, &body))
			assert.Equal(t, true, body["error"])
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/children", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, nil)
	assert.Error(t, err)
}
