// Package tree keeps an ordered tree view over a property graph.
//
// Vertices hang off a single root through INCLUDE edges; REFERENCE edges
// point anywhere in the tree without changing its shape. The outgoing
// edges of every vertex carry an order key (see package orderkey), so the
// children of a vertex come back in a stable order. Removal goes through a
// trash: a trashed subtree keeps enough bookkeeping to be restored exactly,
// including references into it from elsewhere.
//
// # Identity
//
// Ids minted by the graph before a commit are provisional. They are valid
// until Commit, which swaps them for durable ids and returns the mapping.
// Code that keeps ids across commits must either remap them or resolve
// vertices by position path.
//
// # Concurrency
//
// A Store is owned by one goroutine at a time. Readers that run in
// parallel with edits should work on the committed engine instead (see
// package search).
package tree

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/mindtree/pkg/cache"
	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/metrics"
	"github.com/orneryd/mindtree/pkg/orderkey"
	"github.com/orneryd/mindtree/pkg/storage"
)

// EdgeType is the type of a tree edge.
type EdgeType string

const (
	Include   EdgeType = "include"
	Reference EdgeType = "reference"
)

// End appends when used as a position.
const End = orderkey.End

// Property keys written by the store.
const (
	OrderKeyProperty = "i"
	TrashedProperty  = "_isTrashed"

	savedParentProperty    = "th_parent"
	savedPosProperty       = "th_pos"
	savedReferrersProperty = "th_referrers"
)

const (
	rootIndex  = "rootIndex"
	rootKey    = "root"
	trashIndex = "trashIndex"
	trashKey   = "trash"
)

// Graph is the transactional graph the store works on. *storage.Graph
// implements it.
type Graph interface {
	Vertex(id storage.VertexID) (*storage.Vertex, error)
	Edge(id storage.EdgeID) (*storage.Edge, error)
	EdgesOut(id storage.VertexID) ([]*storage.Edge, error)
	EdgesIn(id storage.VertexID) ([]*storage.Edge, error)

	AddVertex(props map[string]any) (storage.VertexID, error)
	AddEdge(src, dst storage.VertexID, typ string, props map[string]any) (storage.EdgeID, error)
	RemoveEdge(id storage.EdgeID) error
	RemoveVertex(id storage.VertexID) error
	SetVertexProperty(id storage.VertexID, key string, value any) error
	RemoveVertexProperty(id storage.VertexID, key string) error
	SetEdgeProperty(id storage.EdgeID, key string, value any) error

	CreateIndex(name string) error
	IndexGet(index, key string) ([]storage.VertexID, error)
	IndexPut(index, key string, id storage.VertexID) error
	IndexRemove(index, key string, id storage.VertexID) error

	PendingPromotion() storage.Promotion
	Commit() (storage.Promotion, error)
	Rollback()
}

// Options configures a Store. The zero value is usable.
type Options struct {
	// ParentCacheSize and OutEdgeCacheSize bound the relation cache.
	// Zero means cache.DefaultSize.
	ParentCacheSize  int
	OutEdgeCacheSize int

	// Verify runs the invariant verifier after every mutating call.
	Verify VerifyMode

	// Properties type-checks values written through SetProperty.
	Properties Schema

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Store is the tree view over a Graph.
type Store struct {
	graph   Graph
	cache   *cache.RelationCache
	root    storage.VertexID
	schema  Schema
	verify  VerifyMode
	log     *log.Logger
	metrics *metrics.Metrics

	// Trashed roots written since the last commit. Their saved ids may
	// still be provisional.
	dirtyTrash map[storage.VertexID]struct{}
}

// New opens the tree on g, creating the root on first use. Creating the
// root commits g.
func New(g Graph, opts Options) (*Store, error) {
	c, err := cache.New(opts.ParentCacheSize, opts.OutEdgeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s := &Store{
		graph:      g,
		cache:      c,
		schema:     opts.Properties,
		verify:     opts.Verify,
		log:        logging.OrDiscard(opts.Logger).With("component", "tree"),
		metrics:    opts.Metrics,
		dirtyTrash: make(map[storage.VertexID]struct{}),
	}

	for _, name := range []string{rootIndex, trashIndex} {
		if err := g.CreateIndex(name); err != nil {
			return nil, storeErr("create index "+name, err)
		}
	}

	roots, err := g.IndexGet(rootIndex, rootKey)
	if err != nil {
		return nil, storeErr("load root", err)
	}
	switch len(roots) {
	case 0:
		root, err := g.AddVertex(nil)
		if err != nil {
			return nil, storeErr("create root", err)
		}
		if err := g.IndexPut(rootIndex, rootKey, root); err != nil {
			return nil, storeErr("create root", err)
		}
		s.root = root
		if _, err := s.Commit(); err != nil {
			return nil, err
		}
		s.log.Info("created root", "root", s.root)
	case 1:
		s.root = roots[0]
	default:
		return nil, fmt.Errorf("%w: %d roots in %s", ErrInvariantViolation, len(roots), rootIndex)
	}

	if trashed, err := s.TrashedRoots(); err == nil {
		s.metrics.SetTrashedRoots(len(trashed))
	}
	return s, nil
}

// Root returns the root vertex.
func (s *Store) Root() storage.VertexID {
	return s.root
}

// Graph returns the underlying graph.
func (s *Store) Graph() Graph {
	return s.graph
}

// CacheStats reports relation cache usage.
func (s *Store) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Commit makes pending changes durable and returns the provisional to
// durable id mapping. Cached relations are remapped in place.
func (s *Store) Commit() (storage.Promotion, error) {
	start := time.Now()

	pending := s.graph.PendingPromotion()
	if !pending.Empty() {
		for root := range s.dirtyTrash {
			if err := s.promoteTrashRecord(root, pending); err != nil {
				return storage.Promotion{}, err
			}
		}
	}

	promo, err := s.graph.Commit()
	if err != nil {
		s.metrics.Observe("tree", "commit", start, err)
		return storage.Promotion{}, fmt.Errorf("commit: %w: %w", ErrStoreFailure, err)
	}

	s.cache.Remap(promo)
	s.root = promo.Vertex(s.root)
	clear(s.dirtyTrash)

	s.metrics.Commit(len(promo.Vertices) + len(promo.Edges))
	s.metrics.Observe("tree", "commit", start, nil)
	return promo, nil
}

// Rollback discards pending changes and empties the cache.
func (s *Store) Rollback() {
	s.graph.Rollback()
	s.cache.Purge()
	clear(s.dirtyTrash)
	if trashed, err := s.TrashedRoots(); err == nil {
		s.metrics.SetTrashedRoots(len(trashed))
	}
}

// Vertex returns a copy of v.
func (s *Store) Vertex(v storage.VertexID) (*storage.Vertex, error) {
	vertex, err := s.graph.Vertex(v)
	if err != nil {
		return nil, storeErr("vertex "+string(v), err)
	}
	return vertex, nil
}

// IsTrashed reports whether v is inside a trashed subtree.
func (s *Store) IsTrashed(v storage.VertexID) (bool, error) {
	vertex, err := s.Vertex(v)
	if err != nil {
		return false, err
	}
	return isTrashed(vertex), nil
}

func isTrashed(v *storage.Vertex) bool {
	trashed, _ := v.Properties[TrashedProperty].(bool)
	return trashed
}

// requireLive fails unless v exists and is not trashed.
func (s *Store) requireLive(v storage.VertexID) error {
	vertex, err := s.Vertex(v)
	if err != nil {
		return err
	}
	if isTrashed(vertex) {
		return fmt.Errorf("vertex %s is trashed: %w", v, ErrNotFound)
	}
	return nil
}

// Property returns one property of v.
func (s *Store) Property(v storage.VertexID, key string) (any, bool, error) {
	vertex, err := s.Vertex(v)
	if err != nil {
		return nil, false, err
	}
	value, ok := vertex.Properties[key]
	if !ok {
		return nil, false, nil
	}
	if kind, typed := s.schema[key]; typed && kind == KindInt {
		if n, ok := storage.IntValue(value); ok {
			return n, true, nil
		}
	}
	return value, true, nil
}

// SetProperty writes one property of v. Nil removes it.
func (s *Store) SetProperty(v storage.VertexID, key string, value any) (err error) {
	defer s.observe("set_property", time.Now(), &err)

	if key == "" || reservedProperty(key) {
		return fmt.Errorf("property %q is reserved: %w", key, ErrInvalidArgument)
	}
	if _, err := s.Vertex(v); err != nil {
		return err
	}
	if value == nil {
		return s.RemoveProperty(v, key)
	}
	value, err = s.schema.normalize(key, value)
	if err != nil {
		return err
	}
	if err := s.graph.SetVertexProperty(v, key, value); err != nil {
		return storeErr("set property", err)
	}
	return nil
}

// RemoveProperty deletes one property of v.
func (s *Store) RemoveProperty(v storage.VertexID, key string) error {
	if key == "" || reservedProperty(key) {
		return fmt.Errorf("property %q is reserved: %w", key, ErrInvalidArgument)
	}
	if err := s.graph.RemoveVertexProperty(v, key); err != nil {
		return storeErr("remove property", err)
	}
	return nil
}

// observe logs and records a finished operation. Use it deferred with a
// named error result.
func (s *Store) observe(op string, start time.Time, errp *error) {
	err := *errp
	s.metrics.Observe("tree", op, start, err)
	if err != nil {
		s.log.Debug("operation failed", "op", op, "err", err)
	}
}
