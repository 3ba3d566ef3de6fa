package command

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

func newTestManager(t *testing.T) (*Manager, *tree.Store) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	store, err := tree.New(storage.NewGraph(engine), tree.Options{Verify: tree.VerifyStrict})
	require.NoError(t, err)
	return NewManager(store, ManagerOptions{}), store
}

func do(t *testing.T, m *Manager, op Operator) {
	t.Helper()
	applied, err := m.Do(context.Background(), op)
	require.NoError(t, err)
	require.True(t, applied)
}

func addText(t *testing.T, m *Manager, parent []int, text string) {
	t.Helper()
	do(t, m, &AddingChild{Store: m.Store(), Parent: parent, Pos: tree.End, Properties: map[string]any{"x": text}})
}

// render prints the tree under the root, one line per edge. References
// are marked with "~>".
func render(t *testing.T, s *tree.Store) string {
	t.Helper()
	var b strings.Builder
	var visit func(v storage.VertexID, depth int)
	visit = func(v storage.VertexID, depth int) {
		links, err := s.Links(v)
		require.NoError(t, err)
		for _, l := range links {
			text, _, err := s.Property(l.Target, "x")
			require.NoError(t, err)
			marker := ""
			if l.Type == tree.Reference {
				marker = "~>"
			}
			fmt.Fprintf(&b, "%s%s%v\n", strings.Repeat("  ", depth), marker, text)
			if l.Type == tree.Include {
				visit(l.Target, depth+1)
			}
		}
	}
	visit(s.Root(), 0)
	return b.String()
}

// buildSample creates
//
//	a
//	  a1
//	b
//	  ~>a1
func buildSample(t *testing.T, m *Manager) {
	t.Helper()
	addText(t, m, nil, "a")
	addText(t, m, nil, "b")
	addText(t, m, []int{0}, "a1")
	do(t, m, &AddingReference{Store: m.Store(), Referrer: []int{1}, Referent: []int{0, 0}, Pos: tree.End})
}

// ============================================================================
// Operators
// ============================================================================

func TestAddingChild(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	addText(t, m, nil, "first")
	addText(t, m, nil, "second")
	assert.Equal(t, "first\nsecond\n", render(t, s))

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "first\n", render(t, s))
	roots, err := s.TrashedRoots()
	require.NoError(t, err)
	assert.Len(t, roots, 1)

	require.NoError(t, m.Redo(ctx))
	assert.Equal(t, "first\nsecond\n", render(t, s))
	assert.Equal(t, []string{"add_child", "add_child"}, m.History())
	require.NoError(t, s.Verify())
}

func TestRemoving(t *testing.T) {
	ctx := context.Background()

	t.Run("child with foreign reference", func(t *testing.T) {
		m, s := newTestManager(t)
		buildSample(t, m)
		before := render(t, s)

		do(t, m, &Removing{Store: s, Target: []int{0}})
		assert.Equal(t, "b\n", render(t, s))

		require.NoError(t, m.Undo(ctx))
		assert.Equal(t, before, render(t, s))

		require.NoError(t, m.Redo(ctx))
		assert.Equal(t, "b\n", render(t, s))
		require.NoError(t, s.Verify())
	})

	t.Run("reference", func(t *testing.T) {
		m, s := newTestManager(t)
		buildSample(t, m)
		before := render(t, s)

		do(t, m, &Removing{Store: s, Target: []int{1, 0}})
		assert.Equal(t, "a\n  a1\nb\n", render(t, s))

		require.NoError(t, m.Undo(ctx))
		assert.Equal(t, before, render(t, s))
	})

	t.Run("root is refused", func(t *testing.T) {
		m, s := newTestManager(t)
		applied, err := m.Do(ctx, &Removing{Store: s, Target: nil})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.False(t, m.CanUndo())
	})
}

func TestHandoveringChild(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	buildSample(t, m)
	before := render(t, s)

	do(t, m, &HandoveringChild{Store: s, Child: []int{0, 0}, NewParent: []int{1}, NewPos: 0})
	assert.Equal(t, "a\nb\n  a1\n  ~>a1\n", render(t, s))

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, before, render(t, s))
	require.NoError(t, m.Redo(ctx))
	assert.Equal(t, "a\nb\n  a1\n  ~>a1\n", render(t, s))

	t.Run("cycle is rejected and rolled back", func(t *testing.T) {
		current := render(t, s)
		_, err := m.Do(ctx, &HandoveringChild{Store: s, Child: []int{1}, NewParent: []int{1, 0}, NewPos: tree.End})
		assert.ErrorIs(t, err, tree.ErrCycleRejected)
		assert.Equal(t, current, render(t, s))
	})
}

func TestHandoveringChild_SameParent(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	for _, text := range []string{"p", "q", "r"} {
		addText(t, m, nil, text)
	}

	do(t, m, &HandoveringChild{Store: s, Child: []int{0}, NewParent: nil, NewPos: tree.End})
	assert.Equal(t, "q\nr\np\n", render(t, s))
	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "p\nq\nr\n", render(t, s))
}

func TestHandoveringReference(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	buildSample(t, m)
	addText(t, m, nil, "c")
	before := render(t, s)

	do(t, m, &HandoveringReference{Store: s, Referrer: []int{1}, Pos: 0, NewReferrer: []int{2}, NewPos: 0})
	assert.Equal(t, "a\n  a1\nb\nc\n  ~>a1\n", render(t, s))

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, before, render(t, s))
	require.NoError(t, m.Redo(ctx))
	assert.Equal(t, "a\n  a1\nb\nc\n  ~>a1\n", render(t, s))
}

func TestChangingPosition(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	for _, text := range []string{"p", "q", "r", "t"} {
		addText(t, m, nil, text)
	}

	do(t, m, &ChangingPosition{Store: s, Parent: nil, OldPos: 3, NewPos: 0})
	assert.Equal(t, "t\np\nq\nr\n", render(t, s))

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "p\nq\nr\nt\n", render(t, s))

	do(t, m, &ChangingPosition{Store: s, Parent: nil, OldPos: 0, NewPos: tree.End})
	assert.Equal(t, "q\nr\nt\np\n", render(t, s))
	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "p\nq\nr\nt\n", render(t, s))

	applied, err := m.Do(ctx, &ChangingPosition{Store: s, Parent: nil, OldPos: 3, NewPos: tree.End})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSettingProperty(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	addText(t, m, nil, "draft")

	do(t, m, &SettingProperty{Store: s, Target: []int{0}, Key: "x", Value: "final"})
	do(t, m, &SettingProperty{Store: s, Target: []int{0}, Key: "color", Value: "red"})
	assert.Equal(t, "final\n", render(t, s))

	applied, err := m.Do(ctx, &SettingProperty{Store: s, Target: []int{0}, Key: "x", Value: "final"})
	require.NoError(t, err)
	assert.False(t, applied, "unchanged value")

	require.NoError(t, m.Undo(ctx))
	v, err := s.VertexAt([]int{0})
	require.NoError(t, err)
	_, had, err := s.Property(v, "color")
	require.NoError(t, err)
	assert.False(t, had)

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "draft\n", render(t, s))
}

// ============================================================================
// Manager
// ============================================================================

func TestManager_Groups(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	addText(t, m, nil, "keep")

	require.NoError(t, m.BeginGroup("paste"))
	assert.ErrorIs(t, m.BeginGroup("again"), ErrGroupOpen)
	addText(t, m, nil, "x")
	addText(t, m, []int{1}, "y")
	assert.False(t, m.CanUndo(), "no undo while a group is open")
	assert.ErrorIs(t, m.Undo(ctx), ErrGroupOpen)
	require.NoError(t, m.EndGroup())
	assert.ErrorIs(t, m.EndGroup(), ErrNoGroup)

	assert.Equal(t, []string{"add_child", "paste"}, m.History())
	assert.Equal(t, "keep\nx\n  y\n", render(t, s))

	require.NoError(t, m.Undo(ctx))
	assert.Equal(t, "keep\n", render(t, s))
	require.NoError(t, m.Redo(ctx))
	assert.Equal(t, "keep\nx\n  y\n", render(t, s))

	require.NoError(t, m.BeginGroup("empty"))
	require.NoError(t, m.EndGroup())
	assert.Len(t, m.History(), 2)
}

func TestManager_FailureIsDiscarded(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	addText(t, m, nil, "a")
	require.NoError(t, m.Undo(ctx))
	require.True(t, m.CanRedo())

	_, err := m.Do(ctx, &AddingChild{Store: s, Parent: []int{7}, Pos: tree.End})
	assert.ErrorIs(t, err, tree.ErrNotFound)
	assert.False(t, m.CanUndo())
	assert.True(t, m.CanRedo(), "a failed command keeps the redo stack")

	_, err = m.Do(ctx, &AddingChild{Store: s, Parent: nil, Pos: 5})
	assert.ErrorIs(t, err, tree.ErrInvalidArgument)
	assert.Empty(t, render(t, s))

	assert.ErrorIs(t, NewManager(s, ManagerOptions{}).Undo(ctx), ErrNothingToUndo)
	assert.ErrorIs(t, NewManager(s, ManagerOptions{}).Redo(ctx), ErrNothingToRedo)
}

func TestManager_NewCommandClearsRedo(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	addText(t, m, nil, "a")
	require.NoError(t, m.Undo(ctx))
	addText(t, m, nil, "b")
	assert.False(t, m.CanRedo())
}

func TestManager_MaxHistory(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	store, err := tree.New(storage.NewGraph(engine), tree.Options{})
	require.NoError(t, err)
	m := NewManager(store, ManagerOptions{MaxHistory: 2})

	for i := 0; i < 5; i++ {
		addText(t, m, nil, fmt.Sprint(i))
	}
	assert.Len(t, m.History(), 2)
}

func TestManager_CanceledContext(t *testing.T) {
	m, s := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Do(ctx, &AddingChild{Store: s, Pos: tree.End})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, render(t, s))
}
