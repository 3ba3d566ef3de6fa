package mindmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	store, err := tree.New(storage.NewGraph(engine), tree.Options{Properties: Schema(), Verify: tree.VerifyStrict})
	require.NoError(t, err)
	m, err := New(store, nil)
	require.NoError(t, err)
	return m
}

func add(t *testing.T, m *Model, parent storage.VertexID, text string) storage.VertexID {
	t.Helper()
	link, err := m.AddChildWithText(parent, tree.End, text)
	require.NoError(t, err)
	return link.Target
}

// ============================================================================
// Text and info
// ============================================================================

func TestText(t *testing.T) {
	m := newTestModel(t)
	v := add(t, m, m.Store().Root(), "groceries")

	text, err := m.Text(v)
	require.NoError(t, err)
	assert.Equal(t, "groceries", text)

	require.NoError(t, m.SetText(v, "errands"))
	text, err = m.Text(v)
	require.NoError(t, err)
	assert.Equal(t, "errands", text)

	text, err = m.Text(m.Store().Root())
	require.NoError(t, err)
	assert.Empty(t, text)

	// Styling goes through the schema.
	assert.ErrorIs(t, m.Store().SetProperty(v, FontSizeProperty, "big"), tree.ErrTypeMismatch)
	require.NoError(t, m.Store().SetProperty(v, BoldProperty, true))
}

func TestInfo(t *testing.T) {
	m := newTestModel(t)
	root := m.Store().Root()
	require.NoError(t, m.SetText(root, "home"))
	work := add(t, m, root, "work")
	mail := add(t, m, work, "mail")

	info, err := m.Info(mail)
	require.NoError(t, err)
	assert.Equal(t, BasicInfo{ID: mail, Text: "mail", Parent: work, ParentText: "work", ContextText: "work > mail"}, info)

	info, err = m.Info(root)
	require.NoError(t, err)
	assert.Equal(t, "home", info.ContextText)
	assert.Empty(t, info.Parent)

	inherit, err := m.InheritInfo(mail)
	require.NoError(t, err)
	assert.Equal(t, "home > work > mail", inherit)
}

func TestSubtreeText(t *testing.T) {
	m := newTestModel(t)
	root := m.Store().Root()
	require.NoError(t, m.SetText(root, "root"))
	a := add(t, m, root, "a")
	add(t, m, a, "a1")
	add(t, m, root, "b")

	text, err := m.SubtreeText(root)
	require.NoError(t, err)
	assert.Equal(t, "root\n    a\n        a1\n    b\n", text)
}

// ============================================================================
// Favorites
// ============================================================================

func TestFavorites(t *testing.T) {
	m := newTestModel(t)
	root := m.Store().Root()
	a := add(t, m, root, "a")
	b := add(t, m, root, "b")

	require.NoError(t, m.AddFavorite(a))
	require.NoError(t, m.AddFavorite(a))
	require.NoError(t, m.AddFavorite(b))

	fav, err := m.IsFavorite(a)
	require.NoError(t, err)
	assert.True(t, fav)

	_, err = m.Store().Commit()
	require.NoError(t, err)

	favs, err := m.Favorites()
	require.NoError(t, err)
	require.Len(t, favs, 2)

	// Trashed favorites are hidden but kept.
	kids, err := m.Store().Children(root)
	require.NoError(t, err)
	_, err = m.Store().Trash(root, 0)
	require.NoError(t, err)
	favs, err = m.Favorites()
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "b", favs[0].Text)

	_, _, err = m.Store().Restore(kids[0])
	require.NoError(t, err)
	favs, err = m.Favorites()
	require.NoError(t, err)
	assert.Len(t, favs, 2)

	require.NoError(t, m.RemoveFavorite(kids[0]))
	fav, err = m.IsFavorite(kids[0])
	require.NoError(t, err)
	assert.False(t, fav)

	assert.ErrorIs(t, m.AddFavorite("missing"), tree.ErrNotFound)
}

// ============================================================================
// Copy and paste
// ============================================================================

func TestCopyPasteTree(t *testing.T) {
	m := newTestModel(t)
	root := m.Store().Root()
	src := add(t, m, root, "plan")
	require.NoError(t, m.Store().SetProperty(src, FontSizeProperty, 14))
	step1 := add(t, m, src, "step 1")
	add(t, m, src, "step 2")
	add(t, m, step1, "detail")
	_, err := m.Store().AddReference(src, root, tree.End)
	require.NoError(t, err)

	outline, err := m.CopyTree(src)
	require.NoError(t, err)
	assert.Equal(t, 4, outline.Size())
	assert.Equal(t, "plan\n    step 1\n        detail\n    step 2\n", outline.String())

	link, err := m.PasteTree(root, 0, outline)
	require.NoError(t, err)
	assert.Equal(t, 0, link.Pos)

	copied, err := m.SubtreeText(link.Target)
	require.NoError(t, err)
	original, err := m.SubtreeText(src)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	size, _, err := m.Store().Property(link.Target, FontSizeProperty)
	require.NoError(t, err)
	assert.Equal(t, 14, size)

	// References are not part of the copy.
	refs, err := m.Store().Links(link.Target)
	require.NoError(t, err)
	for _, l := range refs {
		assert.Equal(t, tree.Include, l.Type)
	}
	require.NoError(t, m.Store().Verify())
}
