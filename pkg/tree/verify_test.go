package tree

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/storage"
)

// ============================================================================
// Invariant verifier
// ============================================================================

func TestVerify_DetectsStaleCache(t *testing.T) {
	s, _ := newTestStore(t)
	root := s.Root()
	addChildren(t, s, root, 2)
	require.NoError(t, s.Verify())

	links, err := s.Links(root)
	require.NoError(t, err)

	// Write behind the cache's back.
	require.NoError(t, s.Graph().SetEdgeProperty(links[1].Edge, OrderKeyProperty, links[0].Key))

	violations := s.VerifyVertex(root)
	require.NotEmpty(t, violations)
	assert.Equal(t, "cache-out", violations[0].Check)

	err = s.Verify()
	assert.ErrorIs(t, err, ErrInvariantViolation)
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Violations)
}

func TestVerify_StrictFailsMutation(t *testing.T) {
	s, _ := newTestStore(t)
	root := s.Root()
	addChildren(t, s, root, 2)
	links, err := s.Links(root)
	require.NoError(t, err)
	require.NoError(t, s.Graph().SetEdgeProperty(links[0].Edge, OrderKeyProperty, "zz"))

	_, err = s.AddChild(root, End)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestVerify_LogModeCarriesOn(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	s, err := New(storage.NewGraph(engine), Options{Verify: VerifyLog})
	require.NoError(t, err)
	root := s.Root()
	addChildren(t, s, root, 2)
	links, err := s.Links(root)
	require.NoError(t, err)
	require.NoError(t, s.Graph().SetEdgeProperty(links[0].Edge, OrderKeyProperty, "zz"))

	_, err = s.AddChild(root, End)
	assert.NoError(t, err)
}

func TestVerify_TwoParents(t *testing.T) {
	s, _ := newTestStore(t)
	root := s.Root()
	kids := addChildren(t, s, root, 2)
	child := addChild(t, s, kids[0], End)
	_, err := s.Graph().AddEdge(kids[1], child, string(Include), map[string]any{OrderKeyProperty: "h"})
	require.NoError(t, err)

	var checks []string
	for _, v := range s.VerifyVertex(child) {
		checks = append(checks, v.Check)
	}
	assert.Contains(t, checks, "parent")
}

func TestVerifyTrashedTree(t *testing.T) {
	s, _ := newTestStore(t)
	root := s.Root()
	a := addChild(t, s, root, End)
	a1 := addChild(t, s, a, End)
	_, err := s.Trash(root, 0)
	require.NoError(t, err)
	assert.Empty(t, s.VerifyTrashedTree(a))

	require.NoError(t, s.Graph().RemoveVertexProperty(a1, TrashedProperty))
	violations := s.VerifyTrashedTree(a)
	require.Len(t, violations, 1)
	assert.Equal(t, a1, violations[0].Vertex)
}

func TestParseVerifyMode(t *testing.T) {
	tests := []struct {
		in   string
		want VerifyMode
	}{
		{"", VerifyOff},
		{"off", VerifyOff},
		{"LOG", VerifyLog},
		{"strict", VerifyStrict},
	}
	for _, tt := range tests {
		got, err := ParseVerifyMode(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		if tt.in != "" {
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		}
	}
	_, err := ParseVerifyMode("paranoid")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func mustParse(t *testing.T, s string) VerifyMode {
	t.Helper()
	m, err := ParseVerifyMode(s)
	require.NoError(t, err)
	return m
}

// ============================================================================
// Reference records
// ============================================================================

func TestForeignRefLinkEncoding(t *testing.T) {
	link := ForeignRefLink{Referrer: "v-12", Referent: "v-345", Edge: "e-6789", Pos: 42}
	enc, err := link.encode()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Len(t, raw, refLinkHeader+len("v-12")+len("v-345")+len("e-6789"))

	got, err := decodeRefLink(enc)
	require.NoError(t, err)
	assert.Equal(t, link, got)

	promoted := ForeignRefLink{Referrer: "~v1", Referent: "v2", Edge: "~e1"}.promote(storage.Promotion{
		Vertices: map[storage.VertexID]storage.VertexID{"~v1": "v1"},
		Edges:    map[storage.EdgeID]storage.EdgeID{"~e1": "e1"},
	})
	assert.Equal(t, ForeignRefLink{Referrer: "v1", Referent: "v2", Edge: "e1"}, promoted)
}

func TestForeignRefLinkMalformed(t *testing.T) {
	_, err := ForeignRefLink{Pos: -1}.encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	for name, in := range map[string]string{
		"not base64": "%%%",
		"short":      base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 1}),
		"bad length": base64.StdEncoding.EncodeToString(append(make([]byte, 15), 9)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRefLink(in)
			assert.ErrorIs(t, err, ErrInvariantViolation)
		})
	}
}
