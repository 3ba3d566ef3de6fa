// Package mindtree wires a complete mind-map tree from a Config.
//
// Open picks the storage engine, opens a transactional graph over it, and
// builds the tree store, the mind-map model, the command manager and the
// search worker on top. Everything shares one logger, one Prometheus
// registry and one tracer provider.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	db, err := mindtree.Open(ctx, cfg, mindtree.Options{Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	op := &command.AddingChild{Store: db.Store, Pos: orderkey.End,
//		Properties: map[string]any{"x": "Groceries"}}
//	if _, err := db.Manager.Do(ctx, op); err != nil {
//		return err
//	}
//
// Close empties the trash before closing the engine. Short-lived processes
// that must keep trashed subtrees restorable across runs set
// Options.KeepTrash.
package mindtree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/mindtree/pkg/command"
	"github.com/orneryd/mindtree/pkg/config"
	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/mindmap"
	"github.com/orneryd/mindtree/pkg/search"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// SQLiteFile is the database file created under the data dir by the
// sqlite engine when no DSN is configured.
const SQLiteFile = "mindtree.db"

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("mindtree: closed")

// Options carries the process-wide collaborators of Open.
type Options struct {
	Logger *log.Logger
	// Registry receives every collector. Nil creates a private registry.
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
	// KeepTrash skips emptying the trash on Close.
	KeepTrash bool
}

// DB is an open mind-map tree and the services built on it.
//
// Store, Model and Manager are single-writer: callers serialize access to
// them. Worker and Searcher read the engine and may run concurrently.
type DB struct {
	Engine   storage.Engine
	Graph    *storage.Graph
	Store    *tree.Store
	Model    *mindmap.Model
	Manager  *command.Manager
	Worker   *search.Worker
	Searcher *search.Searcher
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Logger   *log.Logger

	config    *config.Config
	keepTrash bool

	mu     sync.Mutex
	closed bool
}

// Stats is a point-in-time summary of the tree.
type Stats struct {
	Vertices     int64  `json:"vertices"`
	Edges        int64  `json:"edges"`
	TrashedRoots int    `json:"trashedRoots"`
	Engine       string `json:"engine"`
}

// Open opens the engine selected by cfg and builds the tree over it. A nil
// cfg uses config.DefaultConfig.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := cfg.Schema()
	if err != nil {
		return nil, err
	}
	verify, err := tree.ParseVerifyMode(cfg.Tree.Verify)
	if err != nil {
		return nil, err
	}

	logger := logging.OrDiscard(opts.Logger)
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	engine, err := OpenEngine(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	logger.Info("opened storage", "engine", cfg.Storage.Engine, "dir", cfg.Storage.DataDir)

	db := &DB{
		Engine:    engine,
		Graph:     storage.NewGraph(engine),
		Registry:  reg,
		Metrics:   metrics.New(reg),
		Logger:    logger,
		config:    cfg,
		keepTrash: opts.KeepTrash,
	}

	props := mindmap.Schema()
	for key, kind := range schema {
		props[key] = kind
	}

	db.Store, err = tree.New(db.Graph, tree.Options{
		ParentCacheSize:  cfg.Tree.ParentCacheSize,
		OutEdgeCacheSize: cfg.Tree.OutEdgeCacheSize,
		Verify:           verify,
		Properties:       props,
		Logger:           logger,
		Metrics:          db.Metrics,
	})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("open tree: %w", err)
	}
	if err := metrics.RegisterCache(reg, db.Store.CacheStats); err != nil {
		engine.Close()
		return nil, fmt.Errorf("register cache metrics: %w", err)
	}

	db.Model, err = mindmap.New(db.Store, logger)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("open model: %w", err)
	}
	db.Manager = command.NewManager(db.Store, command.ManagerOptions{
		MaxHistory:     cfg.Tree.MaxHistory,
		Logger:         logger,
		Metrics:        db.Metrics,
		TracerProvider: opts.TracerProvider,
	})
	db.Worker = search.NewWorker(engine, search.Options{
		Property:       cfg.Search.Property,
		Limit:          cfg.Search.Limit,
		Logger:         logger,
		Metrics:        db.Metrics,
		TracerProvider: opts.TracerProvider,
	})
	db.Searcher = search.NewSearcher(db.Worker)

	logger.Debug("tree ready", "root", db.Store.Root(), "verify", verify)
	return db, nil
}

// OpenEngine opens the storage engine described by cfg.
func OpenEngine(ctx context.Context, cfg config.StorageConfig) (storage.Engine, error) {
	switch cfg.Engine {
	case "", config.EngineMemory:
		return storage.NewMemoryEngine(), nil

	case config.EngineBadger:
		blockCache, err := cfg.BlockCacheBytes()
		if err != nil {
			return nil, err
		}
		opts := storage.BadgerOptions{
			DataDir:        cfg.DataDir,
			SyncWrites:     cfg.SyncWrites,
			BlockCacheSize: blockCache,
		}
		if cfg.EncryptionPassphrase != "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			key, err := storage.DeriveEncryptionKey(cfg.EncryptionPassphrase, cfg.DataDir)
			if err != nil {
				return nil, fmt.Errorf("derive encryption key: %w", err)
			}
			opts.EncryptionKey = key
		}
		engine, err := storage.NewBadgerEngineWithOptions(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		return engine, nil

	case config.EngineSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, SQLiteFile)
		}
		return storage.OpenSQLEngine(ctx, storage.DriverSQLite, dsn)

	case config.EnginePostgres:
		return storage.OpenSQLEngine(ctx, storage.DriverPostgres, cfg.DSN)
	}
	return nil, fmt.Errorf("%w: unknown storage engine %q", config.ErrInvalid, cfg.Engine)
}

// Config returns the configuration the DB was opened with.
func (db *DB) Config() *config.Config {
	return db.config
}

// Stats returns current counts. Store access is not serialized here;
// call it from the goroutine that owns the store.
func (db *DB) Stats() (Stats, error) {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return Stats{}, ErrClosed
	}

	vertices, err := db.Engine.VertexCount()
	if err != nil {
		return Stats{}, err
	}
	edges, err := db.Engine.EdgeCount()
	if err != nil {
		return Stats{}, err
	}
	trashed, err := db.Store.TrashedRoots()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Vertices:     vertices,
		Edges:        edges,
		TrashedRoots: len(trashed),
		Engine:       db.config.Storage.Engine,
	}, nil
}

// Close stops the searcher, empties the trash unless KeepTrash was set,
// and closes the engine. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	db.Searcher.Close()

	var errs []error
	if !db.keepTrash {
		if err := db.Store.PurgeAll(); err != nil {
			errs = append(errs, fmt.Errorf("purge trash: %w", err))
		}
	}
	if db.Graph.Dirty() {
		if _, err := db.Store.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("commit: %w", err))
			db.Store.Rollback()
		}
	}
	if err := db.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	return errors.Join(errs...)
}
