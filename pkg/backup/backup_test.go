package backup

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// sample builds root -> [a -> [a1], b] with b referring to a1, then trashes
// a so the export carries a trash record with a captured reference.
type sample struct {
	root, a, a1, b storage.VertexID
}

func buildSample(t *testing.T, engine storage.Engine) sample {
	t.Helper()
	s, err := tree.New(storage.NewGraph(engine), tree.Options{Verify: tree.VerifyStrict})
	require.NoError(t, err)

	root := s.Root()
	la, err := s.AddChild(root, tree.End)
	require.NoError(t, err)
	lb, err := s.AddChild(root, tree.End)
	require.NoError(t, err)
	la1, err := s.AddChild(la.Target, tree.End)
	require.NoError(t, err)
	_, err = s.AddReference(lb.Target, la1.Target, tree.End)
	require.NoError(t, err)
	require.NoError(t, s.SetProperty(la1.Target, "x", "leaf"))

	promo, err := s.Commit()
	require.NoError(t, err)
	out := sample{root: root, a: promo.Vertex(la.Target), a1: promo.Vertex(la1.Target), b: promo.Vertex(lb.Target)}

	_, err = s.Trash(root, 0)
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)
	return out
}

// ============================================================================
// Export / Import
// ============================================================================

func TestExportImportRoundTrip(t *testing.T) {
	src := storage.NewMemoryEngine()
	defer src.Close()
	ids := buildSample(t, src)

	doc, err := Export(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 4)
	for _, n := range doc.Nodes {
		assert.Equal(t, []string{NodeLabel}, n.Labels)
	}
	// root->b include plus a->a1 include; the b->a1 reference is in the
	// trash record while a is trashed.
	require.Len(t, doc.Relationships, 2)
	for _, r := range doc.Relationships {
		assert.Equal(t, "INCLUDE", r.Type)
	}
	assert.Contains(t, doc.Indexes, "rootIndex")
	assert.Contains(t, doc.Indexes, "trashIndex")

	dst := storage.NewMemoryEngine()
	defer dst.Close()
	require.NoError(t, Import(doc, dst))

	s, err := tree.New(storage.NewGraph(dst), tree.Options{Verify: tree.VerifyStrict})
	require.NoError(t, err)
	assert.Equal(t, ids.root, s.Root())
	require.NoError(t, s.Verify())

	roots, err := s.TrashedRoots()
	require.NoError(t, err)
	assert.Equal(t, []storage.VertexID{ids.a}, roots)

	parent, pos, err := s.Restore(ids.a)
	require.NoError(t, err)
	assert.Equal(t, ids.root, parent)
	assert.Equal(t, 0, pos)

	links, err := s.Links(ids.b)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, tree.Reference, links[0].Type)
	assert.Equal(t, ids.a1, links[0].Target)

	text, ok, err := s.Property(ids.a1, "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "leaf", text)
}

func TestImportRequiresEmptyEngine(t *testing.T) {
	src := storage.NewMemoryEngine()
	defer src.Close()
	buildSample(t, src)

	doc, err := Export(context.Background(), src)
	require.NoError(t, err)
	assert.ErrorIs(t, Import(doc, src), ErrNotEmpty)
}

func TestExportCanceled(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	buildSample(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Export(ctx, engine)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Backup / Restore
// ============================================================================

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

func TestBackupAndRestore(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := storage.NewMemoryEngine()
			defer src.Close()
			ids := buildSample(t, src)

			sink := NewMemorySink()
			first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			opts := Options{Prefix: "maps", Compress: compress, Now: fixedClock(first, first.Add(time.Second))}

			info1, err := Backup(ctx, src, sink, opts)
			require.NoError(t, err)
			info2, err := Backup(ctx, src, sink, opts)
			require.NoError(t, err)

			wantExt := ".json"
			if compress {
				wantExt = ".json.gz"
			}
			assert.Equal(t, "maps/20260301T120000.000000000Z"+wantExt, info1.Key)
			assert.Greater(t, info1.Size, int64(0))

			latest, err := Latest(ctx, sink, "maps")
			require.NoError(t, err)
			assert.Equal(t, info2.Key, latest.Key)

			dst := storage.NewMemoryEngine()
			defer dst.Close()
			require.NoError(t, Restore(ctx, sink, latest.Key, dst))

			v, err := dst.GetVertex(ids.a1)
			require.NoError(t, err)
			assert.Equal(t, "leaf", v.Properties["x"])
		})
	}
}

func TestLatestEmpty(t *testing.T) {
	sink := NewMemorySink()
	_, err := sink.Put(context.Background(), "maps/notes.txt", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = Latest(context.Background(), sink, "maps")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	_, err := Load(ctx, sink, "absent.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sink.Put(ctx, "bad.json", strings.NewReader("{not json"))
	require.NoError(t, err)
	_, err = Load(ctx, sink, "bad.json")
	assert.ErrorContains(t, err, "decode")

	_, err = sink.Put(ctx, "bad.json.gz", bytes.NewReader([]byte("plain")))
	require.NoError(t, err)
	_, err = Load(ctx, sink, "bad.json.gz")
	assert.ErrorContains(t, err, "decompress")
}

// ============================================================================
// Sinks
// ============================================================================

// sinkContract exercises the behaviour every sink shares.
func sinkContract(t *testing.T, sink Sink) {
	t.Helper()
	ctx := context.Background()

	info, err := sink.Put(ctx, "a/one.json", strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, "a/one.json", info.Key)
	assert.Equal(t, int64(7), info.Size)

	_, err = sink.Put(ctx, "a/one.json", strings.NewReader("again"))
	assert.ErrorIs(t, err, ErrExists)

	_, err = sink.Put(ctx, "a/two.json", strings.NewReader(`{"n":2}`))
	require.NoError(t, err)
	_, err = sink.Put(ctx, "b/three.json", strings.NewReader(`{"n":3}`))
	require.NoError(t, err)

	rc, err := sink.Get(ctx, "a/one.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"n":1}`, string(data))

	_, err = sink.Get(ctx, "a/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := sink.List(ctx, "a/")
	require.NoError(t, err)
	keys := make([]string, len(infos))
	for i, in := range infos {
		keys[i] = in.Key
	}
	assert.Equal(t, []string{"a/one.json", "a/two.json"}, keys)

	for _, bad := range []string{"", "/abs.json", "../escape.json", "a/../../x"} {
		_, err := sink.Put(ctx, bad, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalid, "key %q", bad)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	assert.Equal(t, DriverMemory, sink.Driver())
	sinkContract(t, sink)
}

func TestFSSink(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFS, sink.Driver())
	sinkContract(t, sink)
}
