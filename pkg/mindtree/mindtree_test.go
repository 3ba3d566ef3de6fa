package mindtree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindtree/pkg/command"
	"github.com/orneryd/mindtree/pkg/config"
	"github.com/orneryd/mindtree/pkg/search"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

func addText(t *testing.T, db *DB, parent []int, text string) {
	t.Helper()
	applied, err := db.Manager.Do(context.Background(), &command.AddingChild{
		Store:      db.Store,
		Parent:     parent,
		Pos:        tree.End,
		Properties: map[string]any{"x": text},
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func trashFirst(t *testing.T, db *DB) {
	t.Helper()
	applied, err := db.Manager.Do(context.Background(), &command.Removing{Store: db.Store, Target: []int{0}})
	require.NoError(t, err)
	require.True(t, applied)
}

// ============================================================================
// Open
// ============================================================================

func TestOpen_Memory(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, err := Open(context.Background(), nil, Options{Registry: reg})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, config.EngineMemory, db.Config().Storage.Engine)
	assert.NotEmpty(t, db.Store.Root())
	assert.Same(t, reg, db.Registry)

	addText(t, db, nil, "groceries")
	addText(t, db, []int{0}, "milk")

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Vertices)
	assert.Equal(t, int64(2), stats.Edges)
	assert.Equal(t, 0, stats.TrashedRoots)

	text, err := db.Model.SubtreeText(db.Store.Root())
	require.NoError(t, err)
	assert.Contains(t, text, "milk")

	n, err := testutil.GatherAndCount(reg, "mindtree_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpen_SchemaFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tree.Properties = map[string]string{"priority": "int"}

	db, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer db.Close()

	addText(t, db, nil, "task")
	_, err = db.Manager.Do(context.Background(), &command.SettingProperty{
		Store: db.Store, Target: []int{0}, Key: "priority", Value: "high",
	})
	require.ErrorIs(t, err, tree.ErrTypeMismatch)

	// Node properties stay typed alongside the configured ones.
	_, err = db.Manager.Do(context.Background(), &command.SettingProperty{
		Store: db.Store, Target: []int{0}, Key: "bd", Value: "yes",
	})
	require.ErrorIs(t, err, tree.ErrTypeMismatch)

	applied, err := db.Manager.Do(context.Background(), &command.SettingProperty{
		Store: db.Store, Target: []int{0}, Key: "priority", Value: 2,
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestOpen_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "cassandra" }},
		{"bad verify mode", func(c *config.Config) { c.Tree.Verify = "sometimes" }},
		{"postgres without dsn", func(c *config.Config) { c.Storage.Engine = config.EnginePostgres }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			_, err := Open(context.Background(), cfg, Options{})
			require.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestOpenEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite in data dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested")
		engine, err := OpenEngine(ctx, config.StorageConfig{Engine: config.EngineSQLite, DataDir: dir})
		require.NoError(t, err)
		defer engine.Close()
		assert.IsType(t, &storage.SQLEngine{}, engine)
		assert.FileExists(t, filepath.Join(dir, SQLiteFile))
	})

	t.Run("encrypted badger", func(t *testing.T) {
		dir := t.TempDir()
		engine, err := OpenEngine(ctx, config.StorageConfig{
			Engine:               config.EngineBadger,
			DataDir:              dir,
			EncryptionPassphrase: "correct horse",
			BlockCache:           "8MB",
		})
		require.NoError(t, err)
		defer engine.Close()
		assert.IsType(t, &storage.BadgerEngine{}, engine)
		assert.FileExists(t, filepath.Join(dir, "KEYSALT"))
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := OpenEngine(ctx, config.StorageConfig{Engine: "etcd"})
		require.ErrorIs(t, err, config.ErrInvalid)
	})
}

// ============================================================================
// Persistence and Close
// ============================================================================

func persistentConfig(t *testing.T, engine string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Engine = engine
	cfg.Storage.DataDir = t.TempDir()
	cfg.Tree.Verify = "strict"
	return cfg
}

func TestReopen(t *testing.T) {
	for _, engine := range []string{config.EngineBadger, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			cfg := persistentConfig(t, engine)
			ctx := context.Background()

			db, err := Open(ctx, cfg, Options{})
			require.NoError(t, err)
			root := db.Store.Root()
			addText(t, db, nil, "kept")
			addText(t, db, nil, "dropped")
			require.NoError(t, db.Close())

			db, err = Open(ctx, cfg, Options{})
			require.NoError(t, err)
			defer db.Close()

			assert.Equal(t, root, db.Store.Root())
			n, err := db.Store.ChildCount(root)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			require.NoError(t, db.Store.Verify())
		})
	}
}

func TestClose_PurgesTrash(t *testing.T) {
	cfg := persistentConfig(t, config.EngineBadger)
	ctx := context.Background()

	db, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	addText(t, db, nil, "doomed")
	addText(t, db, []int{0}, "child")
	trashFirst(t, db)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TrashedRoots)
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg, Options{})
	require.NoError(t, err)
	defer db.Close()

	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TrashedRoots)
	assert.Equal(t, int64(1), stats.Vertices)
	assert.Equal(t, int64(0), stats.Edges)
}

func TestClose_KeepTrash(t *testing.T) {
	cfg := persistentConfig(t, config.EngineSQLite)
	ctx := context.Background()

	db, err := Open(ctx, cfg, Options{KeepTrash: true})
	require.NoError(t, err)
	addText(t, db, nil, "later")
	trashFirst(t, db)
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg, Options{KeepTrash: true})
	require.NoError(t, err)
	defer db.Close()

	roots, err := db.Store.TrashedRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)

	parent, pos, err := db.Store.Restore(roots[0])
	require.NoError(t, err)
	assert.Equal(t, db.Store.Root(), parent)
	assert.Equal(t, 0, pos)
	_, err = db.Store.Commit()
	require.NoError(t, err)
	require.NoError(t, db.Store.Verify())
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Stats()
	require.ErrorIs(t, err, ErrClosed)
}

// ============================================================================
// Search
// ============================================================================

func TestSearcher(t *testing.T) {
	db, err := Open(context.Background(), nil, Options{})
	require.NoError(t, err)
	defer db.Close()

	addText(t, db, nil, "weekly groceries")
	addText(t, db, nil, "garden")

	run := db.Searcher.Submit(context.Background(), "groceries")
	var matches []search.Match
	for m := range run.Matches {
		matches = append(matches, m)
	}
	require.NoError(t, run.Wait())
	require.Len(t, matches, 1)
	assert.Equal(t, "weekly groceries", matches[0].Text)
}
