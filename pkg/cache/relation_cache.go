// Package cache provides the relation cache of the tree store.
//
// Two bounded LRU maps sit in front of the graph:
//   - vertex → parent vertex ("" for the root and for trashed subtree roots)
//   - vertex → outgoing edges sorted by order key
//
// The cache only stores. Filling it on a miss and keeping it coherent with
// the graph is the tree store's job: every mutation updates or evicts the
// entries it touches before returning.
//
// Usage:
//
//	c, _ := cache.New(cache.DefaultSize, cache.DefaultSize)
//
//	if parent, ok := c.Parent(v); ok {
//		return parent // Cache hit
//	}
//	parent := scanIncomingEdges(v)
//	c.SetParent(v, parent)
package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orneryd/mindtree/pkg/storage"
)

// DefaultSize is the default capacity of each map.
const DefaultSize = 2048

// OrderedOutEdge is one outgoing edge with its order key.
type OrderedOutEdge struct {
	Edge storage.EdgeID
	Key  string
}

// RelationCache holds the parent and outgoing-edge maps.
//
// RelationCache is not meant to be shared between mutators: the tree store
// that owns it serializes all access. Statistics are atomic so they can be
// read from metrics collectors at any time.
type RelationCache struct {
	parents  *lru.Cache[storage.VertexID, storage.VertexID]
	outEdges *lru.Cache[storage.VertexID, []OrderedOutEdge]

	parentSize  int
	outEdgeSize int

	parentHits   atomic.Uint64
	parentMisses atomic.Uint64
	outHits      atomic.Uint64
	outMisses    atomic.Uint64
}

// New creates a relation cache. Non-positive sizes use DefaultSize.
func New(parentSize, outEdgeSize int) (*RelationCache, error) {
	if parentSize <= 0 {
		parentSize = DefaultSize
	}
	if outEdgeSize <= 0 {
		outEdgeSize = DefaultSize
	}

	parents, err := lru.New[storage.VertexID, storage.VertexID](parentSize)
	if err != nil {
		return nil, fmt.Errorf("parent cache: %w", err)
	}
	outEdges, err := lru.New[storage.VertexID, []OrderedOutEdge](outEdgeSize)
	if err != nil {
		return nil, fmt.Errorf("out-edge cache: %w", err)
	}
	return &RelationCache{
		parents:     parents,
		outEdges:    outEdges,
		parentSize:  parentSize,
		outEdgeSize: outEdgeSize,
	}, nil
}

// ============================================================================
// Parent map
// ============================================================================

// Parent returns the cached parent of v. A hit with "" means v has no parent.
func (c *RelationCache) Parent(v storage.VertexID) (storage.VertexID, bool) {
	parent, ok := c.parents.Get(v)
	if ok {
		c.parentHits.Add(1)
	} else {
		c.parentMisses.Add(1)
	}
	return parent, ok
}

// PeekParent is Parent without touching recency or statistics.
func (c *RelationCache) PeekParent(v storage.VertexID) (storage.VertexID, bool) {
	return c.parents.Peek(v)
}

// SetParent caches the parent of v; "" records that v has none.
func (c *RelationCache) SetParent(v, parent storage.VertexID) {
	c.parents.Add(v, parent)
}

// EvictParent drops the parent entry of v.
func (c *RelationCache) EvictParent(v storage.VertexID) {
	c.parents.Remove(v)
}

// ============================================================================
// Outgoing-edge map
// ============================================================================

// OutEdges returns a copy of the cached sorted outgoing edges of v.
func (c *RelationCache) OutEdges(v storage.VertexID) ([]OrderedOutEdge, bool) {
	edges, ok := c.outEdges.Get(v)
	if !ok {
		c.outMisses.Add(1)
		return nil, false
	}
	c.outHits.Add(1)
	return append([]OrderedOutEdge(nil), edges...), true
}

// PeekOutEdges is OutEdges without touching recency or statistics.
func (c *RelationCache) PeekOutEdges(v storage.VertexID) ([]OrderedOutEdge, bool) {
	edges, ok := c.outEdges.Peek(v)
	if !ok {
		return nil, false
	}
	return append([]OrderedOutEdge(nil), edges...), true
}

// SetOutEdges caches a copy of the sorted outgoing edges of v.
func (c *RelationCache) SetOutEdges(v storage.VertexID, edges []OrderedOutEdge) {
	c.outEdges.Add(v, append([]OrderedOutEdge(nil), edges...))
}

// EvictOutEdges drops the outgoing-edge entry of v.
func (c *RelationCache) EvictOutEdges(v storage.VertexID) {
	c.outEdges.Remove(v)
}

// ============================================================================
// Whole-cache operations
// ============================================================================

// Purge empties both maps. Statistics are kept.
func (c *RelationCache) Purge() {
	c.parents.Purge()
	c.outEdges.Purge()
}

// Remap rewrites provisional ids to durable ones after a commit. Entries
// whose key or value changed move to the most-recently-used end.
func (c *RelationCache) Remap(p storage.Promotion) {
	if p.Empty() {
		return
	}

	for _, v := range c.parents.Keys() {
		parent, ok := c.parents.Peek(v)
		if !ok {
			continue
		}
		nv, np := p.Vertex(v), p.Vertex(parent)
		if nv == v && np == parent && !v.IsProvisional() {
			continue
		}
		c.parents.Remove(v)
		// Provisional ids that did not get promoted belong to vertices
		// that no longer exist.
		if !nv.IsProvisional() && !np.IsProvisional() {
			c.parents.Add(nv, np)
		}
	}

	for _, v := range c.outEdges.Keys() {
		edges, ok := c.outEdges.Peek(v)
		if !ok {
			continue
		}
		changed := false
		remapped := make([]OrderedOutEdge, len(edges))
		for i, e := range edges {
			remapped[i] = OrderedOutEdge{Edge: p.Edge(e.Edge), Key: e.Key}
			changed = changed || remapped[i].Edge != e.Edge
		}
		nv := p.Vertex(v)
		if !changed && nv == v && !v.IsProvisional() {
			continue
		}
		c.outEdges.Remove(v)
		if !nv.IsProvisional() {
			c.outEdges.Add(nv, remapped)
		}
	}
}

// Stats returns statistics for both maps.
func (c *RelationCache) Stats() Stats {
	return Stats{
		Parents:  newCacheStats(c.parents.Len(), c.parentSize, c.parentHits.Load(), c.parentMisses.Load()),
		OutEdges: newCacheStats(c.outEdges.Len(), c.outEdgeSize, c.outHits.Load(), c.outMisses.Load()),
	}
}

// Stats holds statistics for both maps.
type Stats struct {
	Parents  CacheStats
	OutEdges CacheStats
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

func newCacheStats(size, maxSize int, hits, misses uint64) CacheStats {
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{Size: size, MaxSize: maxSize, Hits: hits, Misses: misses, HitRate: hitRate}
}
