// Package storage - transactional Graph sessions with two-phase ids.
//
// # Transaction Semantics
//
// A Graph buffers every write in an open transaction:
//   - Reads see the transaction's own writes (read-your-writes)
//   - Nothing reaches the Engine until Commit
//   - Commit hands the whole transaction to Engine.Apply as one Batch
//   - Rollback discards the buffer
//
// After Commit or Rollback the Graph immediately opens a fresh transaction,
// so a Graph is a long-lived session rather than a one-shot object.
//
// # Two-phase ids
//
// Vertices and edges created in the open transaction get provisional ids
// ("~v3", "~e7"). They are unique within the session and usable in every
// Graph call until the transaction ends. Commit replaces each provisional
// id with a durable UUID, rewriting edge endpoints and index entries on the
// way, and returns the mapping:
//
//	promo, err := g.Commit()
//	durable := promo.Vertex(provisional)
//
// PendingPromotion reports the same mapping before Commit, for callers that
// must persist durable ids inside the transaction itself.
package storage

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Promotion maps the provisional ids of a transaction to durable ids.
type Promotion struct {
	Vertices map[VertexID]VertexID
	Edges    map[EdgeID]EdgeID
}

// Vertex returns the durable id for id, or id itself if it was not promoted.
func (p Promotion) Vertex(id VertexID) VertexID {
	if d, ok := p.Vertices[id]; ok {
		return d
	}
	return id
}

// Edge returns the durable id for id, or id itself if it was not promoted.
func (p Promotion) Edge(id EdgeID) EdgeID {
	if d, ok := p.Edges[id]; ok {
		return d
	}
	return id
}

// Empty reports whether nothing was promoted.
func (p Promotion) Empty() bool {
	return len(p.Vertices) == 0 && len(p.Edges) == 0
}

type indexOpKey struct {
	index  string
	key    string
	vertex VertexID
}

// Graph is a transactional session over an Engine.
//
// Graph is safe for concurrent use, but the tree built on top of it assumes
// a single writer: concurrent writers would interleave inside one
// transaction.
type Graph struct {
	mu     sync.Mutex
	engine Engine

	txID  string
	start time.Time
	seq   uint64

	// Buffered state. A nil value marks a deletion.
	vertices map[VertexID]*Vertex
	edges    map[EdgeID]*Edge

	createdIndexes map[string]struct{}
	indexOps       map[indexOpKey]bool // true = put, false = remove

	promoVertices map[VertexID]VertexID
	promoEdges    map[EdgeID]EdgeID
}

// NewGraph opens a session over engine with an empty transaction.
func NewGraph(engine Engine) *Graph {
	g := &Graph{engine: engine}
	g.resetUnlocked()
	return g
}

// Engine returns the underlying engine. Reads through it see committed
// state only.
func (g *Graph) Engine() Engine {
	return g.engine
}

// TxID returns the id of the open transaction.
func (g *Graph) TxID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.txID
}

// Dirty reports whether the open transaction holds any writes.
func (g *Graph) Dirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirtyUnlocked()
}

func (g *Graph) dirtyUnlocked() bool {
	return len(g.vertices) > 0 || len(g.edges) > 0 || len(g.createdIndexes) > 0 || len(g.indexOps) > 0
}

func (g *Graph) resetUnlocked() {
	g.txID = uuid.NewString()
	g.start = time.Now()
	g.vertices = make(map[VertexID]*Vertex)
	g.edges = make(map[EdgeID]*Edge)
	g.createdIndexes = make(map[string]struct{})
	g.indexOps = make(map[indexOpKey]bool)
	g.promoVertices = make(map[VertexID]VertexID)
	g.promoEdges = make(map[EdgeID]EdgeID)
}

func (g *Graph) nextVertexID() VertexID {
	g.seq++
	return VertexID(provisionalPrefix + "v" + strconv.FormatUint(g.seq, 10))
}

func (g *Graph) nextEdgeID() EdgeID {
	g.seq++
	return EdgeID(provisionalPrefix + "e" + strconv.FormatUint(g.seq, 10))
}

// ============================================================================
// Reads
// ============================================================================

// Vertex returns a copy of the vertex as seen by the open transaction.
func (g *Graph) Vertex(id VertexID) (*Vertex, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vertexUnlocked(id)
}

func (g *Graph) vertexUnlocked(id VertexID) (*Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if v, ok := g.vertices[id]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return copyVertex(v), nil
	}
	if id.IsProvisional() {
		return nil, ErrNotFound
	}
	return g.engine.GetVertex(id)
}

// Edge returns a copy of the edge as seen by the open transaction.
func (g *Graph) Edge(id EdgeID) (*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edgeUnlocked(id)
}

func (g *Graph) edgeUnlocked(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if e, ok := g.edges[id]; ok {
		if e == nil {
			return nil, ErrNotFound
		}
		return copyEdge(e), nil
	}
	if id.IsProvisional() {
		return nil, ErrNotFound
	}
	return g.engine.GetEdge(id)
}

// EdgesOut returns the edges leaving the vertex, sorted by ID.
func (g *Graph) EdgesOut(id VertexID) ([]*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adjacentUnlocked(id, true)
}

// EdgesIn returns the edges entering the vertex, sorted by ID.
func (g *Graph) EdgesIn(id VertexID) ([]*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adjacentUnlocked(id, false)
}

func (g *Graph) adjacentUnlocked(id VertexID, outgoing bool) ([]*Edge, error) {
	if _, err := g.vertexUnlocked(id); err != nil {
		return nil, err
	}

	var base []*Edge
	if !id.IsProvisional() {
		var err error
		if outgoing {
			base, err = g.engine.OutgoingEdges(id)
		} else {
			base, err = g.engine.IncomingEdges(id)
		}
		if err != nil {
			return nil, err
		}
	}

	out := make([]*Edge, 0, len(base))
	for _, e := range base {
		if _, dirty := g.edges[e.ID]; dirty {
			continue
		}
		out = append(out, e)
	}
	for _, e := range g.edges {
		if e == nil {
			continue
		}
		if (outgoing && e.Source == id) || (!outgoing && e.Target == id) {
			out = append(out, copyEdge(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Graph) indexExistsUnlocked(index string) (bool, error) {
	if _, ok := g.createdIndexes[index]; ok {
		return true, nil
	}
	names, err := g.engine.Indexes()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == index {
			return true, nil
		}
	}
	return false, nil
}

// IndexGet returns the vertices stored under key, sorted by ID.
func (g *Graph) IndexGet(index, key string) ([]VertexID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := g.indexEntriesUnlocked(index)
	if err != nil {
		return nil, err
	}
	ids := []VertexID{}
	for _, entry := range entries {
		if entry.Key == key {
			ids = append(ids, entry.Vertex)
		}
	}
	return ids, nil
}

// IndexEntries returns every entry of the index as seen by the open
// transaction, sorted by key then vertex.
func (g *Graph) IndexEntries(index string) ([]IndexEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.indexEntriesUnlocked(index)
}

func (g *Graph) indexEntriesUnlocked(index string) ([]IndexEntry, error) {
	exists, err := g.indexExistsUnlocked(index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("index %q: %w", index, ErrNotFound)
	}

	set := make(map[IndexEntry]struct{})
	if _, created := g.createdIndexes[index]; !created {
		base, err := g.engine.IndexEntries(index)
		if err != nil {
			return nil, err
		}
		for _, entry := range base {
			set[entry] = struct{}{}
		}
	}
	for op, put := range g.indexOps {
		if op.index != index {
			continue
		}
		entry := IndexEntry{Key: op.key, Vertex: op.vertex}
		if put {
			set[entry] = struct{}{}
		} else {
			delete(set, entry)
		}
	}

	entries := make([]IndexEntry, 0, len(set))
	for entry := range set {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// ============================================================================
// Writes
// ============================================================================

// AddVertex creates a vertex and returns its provisional id.
func (g *Graph) AddVertex(props map[string]any) (VertexID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	id := g.nextVertexID()
	g.vertices[id] = &Vertex{ID: id, Properties: copyProperties(props), CreatedAt: now, UpdatedAt: now}
	return id, nil
}

// AddEdge creates a typed edge between two existing vertices and returns
// its provisional id.
func (g *Graph) AddEdge(src, dst VertexID, typ string, props map[string]any) (EdgeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, endpoint := range []VertexID{src, dst} {
		if _, err := g.vertexUnlocked(endpoint); err != nil {
			return "", fmt.Errorf("add edge %s -> %s: %w", src, dst, err)
		}
	}
	id := g.nextEdgeID()
	g.edges[id] = &Edge{ID: id, Source: src, Target: dst, Type: typ, Properties: copyProperties(props), CreatedAt: time.Now()}
	return id, nil
}

// RemoveEdge deletes an edge.
func (g *Graph) RemoveEdge(id EdgeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeEdgeUnlocked(id)
}

func (g *Graph) removeEdgeUnlocked(id EdgeID) error {
	if _, err := g.edgeUnlocked(id); err != nil {
		return fmt.Errorf("remove edge %s: %w", id, err)
	}
	if id.IsProvisional() {
		delete(g.edges, id)
		delete(g.promoEdges, id)
	} else {
		g.edges[id] = nil
	}
	return nil
}

// RemoveVertex deletes a vertex together with its incident edges and its
// index entries.
func (g *Graph) RemoveVertex(id VertexID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.vertexUnlocked(id); err != nil {
		return fmt.Errorf("remove vertex %s: %w", id, err)
	}

	for _, outgoing := range []bool{true, false} {
		edges, err := g.adjacentUnlocked(id, outgoing)
		if err != nil {
			return err
		}
		for _, e := range edges {
			// A self loop shows up on both sides.
			if _, err := g.edgeUnlocked(e.ID); err != nil {
				continue
			}
			if err := g.removeEdgeUnlocked(e.ID); err != nil {
				return err
			}
		}
	}

	names, err := g.engine.Indexes()
	if err != nil {
		return err
	}
	for name := range g.createdIndexes {
		names = append(names, name)
	}
	for _, name := range names {
		entries, err := g.indexEntriesUnlocked(name)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Vertex == id {
				g.indexRemoveUnlocked(name, entry.Key, id)
			}
		}
	}

	if id.IsProvisional() {
		delete(g.vertices, id)
		delete(g.promoVertices, id)
	} else {
		g.vertices[id] = nil
	}
	return nil
}

// SetVertexProperty sets one property of a vertex.
func (g *Graph) SetVertexProperty(id VertexID, key string, value any) error {
	return g.updateVertex(id, func(props map[string]any) { props[key] = value })
}

// RemoveVertexProperty deletes one property of a vertex. Removing an absent
// property is not an error.
func (g *Graph) RemoveVertexProperty(id VertexID, key string) error {
	return g.updateVertex(id, func(props map[string]any) { delete(props, key) })
}

func (g *Graph) updateVertex(id VertexID, fn func(props map[string]any)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, err := g.vertexUnlocked(id)
	if err != nil {
		return fmt.Errorf("update vertex %s: %w", id, err)
	}
	if v.Properties == nil {
		v.Properties = make(map[string]any)
	}
	fn(v.Properties)
	v.UpdatedAt = time.Now()
	g.vertices[id] = v
	return nil
}

// SetEdgeProperty sets one property of an edge.
func (g *Graph) SetEdgeProperty(id EdgeID, key string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, err := g.edgeUnlocked(id)
	if err != nil {
		return fmt.Errorf("update edge %s: %w", id, err)
	}
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	e.Properties[key] = value
	g.edges[id] = e
	return nil
}

// CreateIndex creates a named index. Creating an existing index is a no-op.
func (g *Graph) CreateIndex(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.indexExistsUnlocked(name)
	if err != nil {
		return err
	}
	if !exists {
		g.createdIndexes[name] = struct{}{}
	}
	return nil
}

// IndexPut associates key with the vertex in the named index.
func (g *Graph) IndexPut(index, key string, id VertexID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.indexExistsUnlocked(index)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	if _, err := g.vertexUnlocked(id); err != nil {
		return fmt.Errorf("index %q: vertex %s: %w", index, id, err)
	}
	g.indexOps[indexOpKey{index: index, key: key, vertex: id}] = true
	return nil
}

// IndexRemove drops the key → vertex association. Removing an absent entry
// is not an error.
func (g *Graph) IndexRemove(index, key string, id VertexID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.indexExistsUnlocked(index)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	g.indexRemoveUnlocked(index, key, id)
	return nil
}

func (g *Graph) indexRemoveUnlocked(index, key string, id VertexID) {
	op := indexOpKey{index: index, key: key, vertex: id}
	if id.IsProvisional() {
		delete(g.indexOps, op)
		return
	}
	g.indexOps[op] = false
}

// ============================================================================
// Commit / Rollback
// ============================================================================

// PendingPromotion returns the durable ids the next Commit will assign to
// the provisional elements currently alive in the transaction. Repeated
// calls return the same ids.
func (g *Graph) PendingPromotion() Promotion {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingPromotionUnlocked()
}

func (g *Graph) pendingPromotionUnlocked() Promotion {
	p := Promotion{Vertices: make(map[VertexID]VertexID), Edges: make(map[EdgeID]EdgeID)}
	for id, v := range g.vertices {
		if v == nil || !id.IsProvisional() {
			continue
		}
		durable, ok := g.promoVertices[id]
		if !ok {
			durable = VertexID(uuid.NewString())
			g.promoVertices[id] = durable
		}
		p.Vertices[id] = durable
	}
	for id, e := range g.edges {
		if e == nil || !id.IsProvisional() {
			continue
		}
		durable, ok := g.promoEdges[id]
		if !ok {
			durable = EdgeID(uuid.NewString())
			g.promoEdges[id] = durable
		}
		p.Edges[id] = durable
	}
	return p
}

// Commit applies the open transaction to the engine atomically and opens a
// new one. On failure the transaction stays open and unchanged, so the
// caller may retry or Rollback.
func (g *Graph) Commit() (Promotion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.pendingPromotionUnlocked()
	if !g.dirtyUnlocked() {
		g.resetUnlocked()
		return p, nil
	}

	batch := g.buildBatchUnlocked(p)
	if err := g.engine.Apply(batch); err != nil {
		return Promotion{}, fmt.Errorf("commit %s: %w", g.txID, err)
	}
	g.resetUnlocked()
	return p, nil
}

// buildBatchUnlocked orders the buffered writes so that every operation's
// preconditions hold when the engine reaches it.
func (g *Graph) buildBatchUnlocked(p Promotion) *Batch {
	batch := &Batch{ID: g.txID}

	names := make([]string, 0, len(g.createdIndexes))
	for name := range g.createdIndexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		batch.CreateIndex(name)
	}

	vertexIDs := make([]VertexID, 0, len(g.vertices))
	for id := range g.vertices {
		vertexIDs = append(vertexIDs, id)
	}
	sort.Slice(vertexIDs, func(i, j int) bool { return vertexIDs[i] < vertexIDs[j] })

	edgeIDs := make([]EdgeID, 0, len(g.edges))
	for id := range g.edges {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Slice(edgeIDs, func(i, j int) bool { return edgeIDs[i] < edgeIDs[j] })

	for _, id := range vertexIDs {
		if v := g.vertices[id]; v != nil {
			cp := copyVertex(v)
			cp.ID = p.Vertex(id)
			batch.PutVertex(cp)
		}
	}
	for _, id := range edgeIDs {
		if g.edges[id] == nil {
			batch.DeleteEdge(id)
		}
	}
	for _, id := range edgeIDs {
		if e := g.edges[id]; e != nil {
			cp := copyEdge(e)
			cp.ID = p.Edge(id)
			cp.Source = p.Vertex(e.Source)
			cp.Target = p.Vertex(e.Target)
			batch.PutEdge(cp)
		}
	}

	ops := make([]indexOpKey, 0, len(g.indexOps))
	for op := range g.indexOps {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.index != b.index {
			return a.index < b.index
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.vertex < b.vertex
	})
	for _, op := range ops {
		if !g.indexOps[op] {
			batch.IndexRemove(op.index, op.key, op.vertex)
		}
	}
	for _, op := range ops {
		if g.indexOps[op] {
			batch.IndexPut(op.index, op.key, p.Vertex(op.vertex))
		}
	}

	for _, id := range vertexIDs {
		if g.vertices[id] == nil {
			batch.DeleteVertex(id)
		}
	}
	return batch
}

// Rollback discards the open transaction and opens a new one.
func (g *Graph) Rollback() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetUnlocked()
}
