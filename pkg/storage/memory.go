package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryEngine is a thread-safe in-memory graph store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small mind maps that fit entirely in RAM
//   - Loading an export for inspection
//
// Features:
//   - Thread-safe: all operations use an RWMutex
//   - Indexed: outgoing and incoming edge sets per vertex
//   - Deep copies: returns copies to prevent external mutation
//   - Atomic batches: a failed Apply undoes the operations it already ran
//
// Performance Characteristics:
//   - Vertex and edge lookup: O(1)
//   - Outgoing/incoming edges: O(degree)
//   - Index lookup: O(matches)
type MemoryEngine struct {
	mu sync.RWMutex

	vertices map[VertexID]*Vertex
	edges    map[EdgeID]*Edge

	outgoingEdges map[VertexID]map[EdgeID]struct{}
	incomingEdges map[VertexID]map[EdgeID]struct{}

	// index name → key → vertex set
	indexes map[string]map[string]map[VertexID]struct{}

	closed bool
}

// NewMemoryEngine creates a new empty in-memory store.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	g := storage.NewGraph(engine)
//	root, _ := g.AddVertex(map[string]any{"x": "root"})
//	g.Commit()
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		vertices:      make(map[VertexID]*Vertex),
		edges:         make(map[EdgeID]*Edge),
		outgoingEdges: make(map[VertexID]map[EdgeID]struct{}),
		incomingEdges: make(map[VertexID]map[EdgeID]struct{}),
		indexes:       make(map[string]map[string]map[VertexID]struct{}),
	}
}

// GetVertex retrieves a vertex by ID.
func (m *MemoryEngine) GetVertex(id VertexID) (*Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.vertices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVertex(v), nil
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	e, ok := m.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEdge(e), nil
}

// OutgoingEdges returns all edges whose source is the given vertex.
// The order of the result is unspecified.
func (m *MemoryEngine) OutgoingEdges(id VertexID) ([]*Edge, error) {
	return m.edgeSet(id, m.outgoingEdges)
}

// IncomingEdges returns all edges whose target is the given vertex.
func (m *MemoryEngine) IncomingEdges(id VertexID) ([]*Edge, error) {
	return m.edgeSet(id, m.incomingEdges)
}

func (m *MemoryEngine) edgeSet(id VertexID, index map[VertexID]map[EdgeID]struct{}) ([]*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := index[id]
	edges := make([]*Edge, 0, len(ids))
	for edgeID := range ids {
		if e := m.edges[edgeID]; e != nil {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges, nil
}

// AllVertices returns every vertex sorted by ID.
func (m *MemoryEngine) AllVertices() ([]*Vertex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Vertex, 0, len(m.vertices))
	for _, v := range m.vertices {
		out = append(out, copyVertex(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllEdges returns every edge sorted by ID.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, copyEdge(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StreamVertices implements StreamingEngine.
//
// The vertex set is snapshotted under the read lock, so fn may call back
// into the engine.
func (m *MemoryEngine) StreamVertices(ctx context.Context, fn func(v *Vertex) error) error {
	vertices, err := m.AllVertices()
	if err != nil {
		return err
	}
	for _, v := range vertices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(v); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Indexes returns the names of all indexes, sorted.
func (m *MemoryEngine) Indexes() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// IndexGet returns the vertices stored under key, sorted by ID.
func (m *MemoryEngine) IndexGet(index, key string) ([]VertexID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	keys, ok := m.indexes[index]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	ids := make([]VertexID, 0, len(keys[key]))
	for id := range keys[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IndexEntries returns every entry of the index sorted by key then vertex.
func (m *MemoryEngine) IndexEntries(index string) ([]IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	keys, ok := m.indexes[index]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	var entries []IndexEntry
	for key, ids := range keys {
		for id := range ids {
			entries = append(entries, IndexEntry{Key: key, Vertex: id})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Apply performs every operation of the batch atomically. If an operation
// fails, the operations already applied are undone in reverse order.
func (m *MemoryEngine) Apply(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	var undo []func()
	for i, op := range batch.Operations {
		u, err := m.applyUnlocked(op)
		if err != nil {
			for j := len(undo) - 1; j >= 0; j-- {
				undo[j]()
			}
			return fmt.Errorf("batch %s operation %d (%s): %w", batch.ID, i, op.Type, err)
		}
		undo = append(undo, u)
	}
	return nil
}

// applyUnlocked applies one operation and returns its inverse.
// Caller must hold m.mu.Lock().
func (m *MemoryEngine) applyUnlocked(op Operation) (func(), error) {
	switch op.Type {
	case OpPutVertex:
		old := m.vertices[op.Vertex.ID]
		stored := copyVertex(op.Vertex)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = stored.CreatedAt
		}
		m.vertices[stored.ID] = stored
		return func() {
			if old == nil {
				delete(m.vertices, stored.ID)
			} else {
				m.vertices[stored.ID] = old
			}
		}, nil

	case OpDeleteVertex:
		old, ok := m.vertices[op.VertexID]
		if !ok {
			return nil, ErrNotFound
		}
		if len(m.outgoingEdges[op.VertexID]) > 0 || len(m.incomingEdges[op.VertexID]) > 0 {
			return nil, fmt.Errorf("vertex %s still has edges: %w", op.VertexID, ErrInvalidData)
		}
		delete(m.vertices, op.VertexID)
		delete(m.outgoingEdges, op.VertexID)
		delete(m.incomingEdges, op.VertexID)
		return func() { m.vertices[old.ID] = old }, nil

	case OpPutEdge:
		e := op.Edge
		if m.vertices[e.Source] == nil || m.vertices[e.Target] == nil {
			return nil, ErrInvalidEdge
		}
		old := m.edges[e.ID]
		if old != nil && (old.Source != e.Source || old.Target != e.Target) {
			return nil, fmt.Errorf("edge %s endpoints are immutable: %w", e.ID, ErrInvalidData)
		}
		stored := copyEdge(e)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		m.putEdgeUnlocked(stored)
		return func() {
			if old == nil {
				m.deleteEdgeUnlocked(stored.ID)
			} else {
				m.edges[old.ID] = old
			}
		}, nil

	case OpDeleteEdge:
		old, ok := m.edges[op.EdgeID]
		if !ok {
			return nil, ErrNotFound
		}
		m.deleteEdgeUnlocked(op.EdgeID)
		return func() { m.putEdgeUnlocked(old) }, nil

	case OpCreateIndex:
		if _, ok := m.indexes[op.Index]; ok {
			return func() {}, nil
		}
		m.indexes[op.Index] = make(map[string]map[VertexID]struct{})
		return func() { delete(m.indexes, op.Index) }, nil

	case OpIndexPut:
		keys, ok := m.indexes[op.Index]
		if !ok {
			return nil, fmt.Errorf("index %q: %w", op.Index, ErrNotFound)
		}
		if keys[op.Key] == nil {
			keys[op.Key] = make(map[VertexID]struct{})
		}
		if _, exists := keys[op.Key][op.VertexID]; exists {
			return func() {}, nil
		}
		keys[op.Key][op.VertexID] = struct{}{}
		return func() { delete(keys[op.Key], op.VertexID) }, nil

	case OpIndexRemove:
		keys, ok := m.indexes[op.Index]
		if !ok {
			return nil, fmt.Errorf("index %q: %w", op.Index, ErrNotFound)
		}
		if _, exists := keys[op.Key][op.VertexID]; !exists {
			return func() {}, nil
		}
		delete(keys[op.Key], op.VertexID)
		return func() { keys[op.Key][op.VertexID] = struct{}{} }, nil
	}
	return nil, ErrInvalidData
}

// putEdgeUnlocked stores the edge and updates the adjacency sets.
// Caller must hold m.mu.Lock().
func (m *MemoryEngine) putEdgeUnlocked(e *Edge) {
	m.edges[e.ID] = e

	if m.outgoingEdges[e.Source] == nil {
		m.outgoingEdges[e.Source] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[e.Source][e.ID] = struct{}{}

	if m.incomingEdges[e.Target] == nil {
		m.incomingEdges[e.Target] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[e.Target][e.ID] = struct{}{}
}

// deleteEdgeUnlocked removes the edge and its adjacency entries.
// Caller must hold m.mu.Lock().
func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	e, ok := m.edges[id]
	if !ok {
		return
	}
	if outgoing := m.outgoingEdges[e.Source]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[e.Target]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.edges, id)
}

// VertexCount returns the number of vertices.
func (m *MemoryEngine) VertexCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.vertices)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close marks the engine closed and drops its contents.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.vertices = nil
	m.edges = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	m.indexes = nil
	return nil
}

func sortEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Vertex < entries[j].Vertex
	})
}

// Verify MemoryEngine implements StreamingEngine
var _ StreamingEngine = (*MemoryEngine)(nil)
