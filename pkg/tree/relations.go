package tree

import (
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/mindtree/pkg/cache"
	"github.com/orneryd/mindtree/pkg/orderkey"
	"github.com/orneryd/mindtree/pkg/storage"
)

// Link is one outgoing tree edge as seen from its source.
type Link struct {
	Edge   storage.EdgeID
	Type   EdgeType
	Source storage.VertexID
	Target storage.VertexID
	Key    string
	Pos    int
}

// parentOf returns the INCLUDE parent of v, or "" for the root and for
// trashed subtree roots.
func (s *Store) parentOf(v storage.VertexID) (storage.VertexID, error) {
	if v == s.root {
		return "", nil
	}
	if parent, ok := s.cache.Parent(v); ok {
		return parent, nil
	}

	edge, err := s.includeEdge(v)
	if err != nil {
		return "", err
	}
	var parent storage.VertexID
	if edge != nil {
		parent = edge.Source
	}
	s.cache.SetParent(v, parent)
	return parent, nil
}

// includeEdge returns the incoming INCLUDE edge of v, or nil.
func (s *Store) includeEdge(v storage.VertexID) (*storage.Edge, error) {
	in, err := s.graph.EdgesIn(v)
	if err != nil {
		return nil, storeErr("edges into "+string(v), err)
	}
	var found *storage.Edge
	for _, e := range in {
		if EdgeType(e.Type) != Include {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s has two parents", ErrInvariantViolation, v)
		}
		found = e
	}
	return found, nil
}

// outEdges returns the ordered outgoing edges of v. On a miss it loads
// them from the graph and gives a key to every edge that lacks a valid,
// unique one, appending those after the keyed edges.
func (s *Store) outEdges(v storage.VertexID) ([]cache.OrderedOutEdge, error) {
	if edges, ok := s.cache.OutEdges(v); ok {
		return edges, nil
	}

	out, err := s.graph.EdgesOut(v)
	if err != nil {
		return nil, storeErr("edges out of "+string(v), err)
	}

	ordered := make([]cache.OrderedOutEdge, 0, len(out))
	var unkeyed []*storage.Edge
	seen := make(map[string]bool, len(out))
	for _, e := range out {
		key, ok := e.Properties[OrderKeyProperty].(string)
		if !ok || key == "" || seen[key] || orderkey.Validate(key) != nil {
			unkeyed = append(unkeyed, e)
			continue
		}
		seen[key] = true
		ordered = append(ordered, cache.OrderedOutEdge{Edge: e.ID, Key: key})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	if len(unkeyed) > 0 {
		sort.SliceStable(unkeyed, func(i, j int) bool {
			if !unkeyed[i].CreatedAt.Equal(unkeyed[j].CreatedAt) {
				return unkeyed[i].CreatedAt.Before(unkeyed[j].CreatedAt)
			}
			return unkeyed[i].ID < unkeyed[j].ID
		})
		s.log.Warn("assigning missing order keys", "vertex", v, "edges", len(unkeyed))
		for _, e := range unkeyed {
			key, err := orderkey.Allocate(keysOf(ordered), End)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
			}
			if err := s.graph.SetEdgeProperty(e.ID, OrderKeyProperty, key); err != nil {
				return nil, storeErr("assign order key", err)
			}
			ordered = append(ordered, cache.OrderedOutEdge{Edge: e.ID, Key: key})
		}
	}

	s.cache.SetOutEdges(v, ordered)
	return ordered, nil
}

func keysOf(edges []cache.OrderedOutEdge) []string {
	keys := make([]string, len(edges))
	for i, e := range edges {
		keys[i] = e.Key
	}
	return keys
}

func indexOfEdge(edges []cache.OrderedOutEdge, id storage.EdgeID) int {
	for i, e := range edges {
		if e.Edge == id {
			return i
		}
	}
	return -1
}

// place allocates a key for an insert at pos and returns the resolved
// position. edges is not modified.
func place(edges []cache.OrderedOutEdge, pos int) (int, string, error) {
	if pos == End {
		pos = len(edges)
	}
	key, err := orderkey.Allocate(keysOf(edges), pos)
	if err != nil {
		return 0, "", fmt.Errorf("position %d: %w: %w", pos, ErrInvalidArgument, err)
	}
	return pos, key, nil
}

func insertAt(edges []cache.OrderedOutEdge, pos int, e cache.OrderedOutEdge) []cache.OrderedOutEdge {
	out := make([]cache.OrderedOutEdge, 0, len(edges)+1)
	out = append(out, edges[:pos]...)
	out = append(out, e)
	return append(out, edges[pos:]...)
}

func removeAt(edges []cache.OrderedOutEdge, pos int) []cache.OrderedOutEdge {
	out := make([]cache.OrderedOutEdge, 0, len(edges))
	out = append(out, edges[:pos]...)
	return append(out, edges[pos+1:]...)
}

// Links returns the outgoing tree edges of v in order.
func (s *Store) Links(v storage.VertexID) ([]Link, error) {
	if _, err := s.Vertex(v); err != nil {
		return nil, err
	}
	edges, err := s.outEdges(v)
	if err != nil {
		return nil, err
	}
	links := make([]Link, len(edges))
	for i, oe := range edges {
		link, err := s.link(v, i, oe)
		if err != nil {
			return nil, err
		}
		links[i] = link
	}
	return links, nil
}

// LinkAt returns the outgoing edge of v at pos.
func (s *Store) LinkAt(v storage.VertexID, pos int) (Link, error) {
	edges, err := s.outEdges(v)
	if err != nil {
		return Link{}, err
	}
	if pos < 0 || pos >= len(edges) {
		return Link{}, fmt.Errorf("%s has no edge at %d: %w", v, pos, ErrNotFound)
	}
	return s.link(v, pos, edges[pos])
}

func (s *Store) link(v storage.VertexID, pos int, oe cache.OrderedOutEdge) (Link, error) {
	e, err := s.graph.Edge(oe.Edge)
	if err != nil {
		return Link{}, fmt.Errorf("%w: cached edge %s of %s: %w", ErrInvariantViolation, oe.Edge, v, err)
	}
	return Link{Edge: e.ID, Type: EdgeType(e.Type), Source: v, Target: e.Target, Key: oe.Key, Pos: pos}, nil
}

// Children returns the INCLUDE targets of v in order.
func (s *Store) Children(v storage.VertexID) ([]storage.VertexID, error) {
	links, err := s.Links(v)
	if err != nil {
		return nil, err
	}
	var children []storage.VertexID
	for _, l := range links {
		if l.Type == Include {
			children = append(children, l.Target)
		}
	}
	return children, nil
}

// ChildCount returns the number of outgoing tree edges of v, references
// included.
func (s *Store) ChildCount(v storage.VertexID) (int, error) {
	if _, err := s.Vertex(v); err != nil {
		return 0, err
	}
	edges, err := s.outEdges(v)
	if err != nil {
		return 0, err
	}
	return len(edges), nil
}

// Parent returns the INCLUDE parent of v. It is "" for the root and for a
// trashed subtree root.
func (s *Store) Parent(v storage.VertexID) (storage.VertexID, error) {
	if _, err := s.Vertex(v); err != nil {
		return "", err
	}
	return s.parentOf(v)
}

// Referrers returns the REFERENCE edges pointing at v, ordered by source.
func (s *Store) Referrers(v storage.VertexID) ([]Link, error) {
	in, err := s.graph.EdgesIn(v)
	if err != nil {
		return nil, storeErr("edges into "+string(v), err)
	}
	var links []Link
	for _, e := range in {
		if EdgeType(e.Type) != Reference {
			continue
		}
		edges, err := s.outEdges(e.Source)
		if err != nil {
			return nil, err
		}
		pos := indexOfEdge(edges, e.ID)
		if pos < 0 {
			return nil, fmt.Errorf("%w: edge %s missing from %s", ErrInvariantViolation, e.ID, e.Source)
		}
		links = append(links, Link{Edge: e.ID, Type: Reference, Source: e.Source, Target: v, Key: edges[pos].Key, Pos: pos})
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Source != links[j].Source {
			return links[i].Source < links[j].Source
		}
		return links[i].Key < links[j].Key
	})
	return links, nil
}

// WalkFunc visits one vertex. Returning false skips its subtree.
type WalkFunc func(v storage.VertexID, depth int) (bool, error)

// Walk visits the INCLUDE subtree under v in depth-first pre-order,
// children in sibling order.
func (s *Store) Walk(v storage.VertexID, fn WalkFunc) error {
	if _, err := s.Vertex(v); err != nil {
		return err
	}

	type frame struct {
		v     storage.VertexID
		depth int
	}
	stack := []frame{{v, 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		descend, err := fn(top.v, top.depth)
		if err != nil {
			return err
		}
		if !descend {
			continue
		}

		children, err := s.Children(top.v)
		if err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{children[i], top.depth + 1})
		}
	}
	return nil
}

// subtree lists the INCLUDE subtree under v in pre-order.
func (s *Store) subtree(v storage.VertexID) ([]storage.VertexID, map[storage.VertexID]bool, error) {
	var order []storage.VertexID
	inside := make(map[storage.VertexID]bool)
	err := s.Walk(v, func(u storage.VertexID, _ int) (bool, error) {
		if inside[u] {
			return false, fmt.Errorf("%w: %s reached twice under %s", ErrInvariantViolation, u, v)
		}
		inside[u] = true
		order = append(order, u)
		return true, nil
	})
	return order, inside, err
}

// InheritPath returns the INCLUDE ancestors of v, root first, v excluded.
func (s *Store) InheritPath(v storage.VertexID) ([]storage.VertexID, error) {
	if _, err := s.Vertex(v); err != nil {
		return nil, err
	}
	var path []storage.VertexID
	seen := map[storage.VertexID]bool{v: true}
	for cur := v; ; {
		parent, err := s.parentOf(cur)
		if err != nil {
			return nil, err
		}
		if parent == "" {
			break
		}
		if seen[parent] {
			return nil, fmt.Errorf("%w: parent loop at %s", ErrInvariantViolation, parent)
		}
		seen[parent] = true
		path = append(path, parent)
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// PathOf returns the sibling positions leading from the root to v.
func (s *Store) PathOf(v storage.VertexID) ([]int, error) {
	start := time.Now()
	ancestors, err := s.InheritPath(v)
	if err != nil {
		return nil, err
	}
	if v != s.root && (len(ancestors) == 0 || ancestors[0] != s.root) {
		return nil, fmt.Errorf("%s is not attached to the root: %w", v, ErrNotFound)
	}

	chain := append(ancestors, v)
	path := make([]int, 0, len(ancestors))
	for i := 1; i < len(chain); i++ {
		edge, err := s.includeEdge(chain[i])
		if err != nil {
			return nil, err
		}
		if edge == nil {
			return nil, fmt.Errorf("%w: %s lost its parent edge", ErrInvariantViolation, chain[i])
		}
		edges, err := s.outEdges(chain[i-1])
		if err != nil {
			return nil, err
		}
		pos := indexOfEdge(edges, edge.ID)
		if pos < 0 {
			return nil, fmt.Errorf("%w: edge %s missing from %s", ErrInvariantViolation, edge.ID, chain[i-1])
		}
		path = append(path, pos)
	}
	s.metrics.Observe("tree", "path_of", start, nil)
	return path, nil
}

// VertexAt follows path from the root. Steps may cross REFERENCE edges.
func (s *Store) VertexAt(path []int) (storage.VertexID, error) {
	cur := s.root
	for depth, pos := range path {
		link, err := s.LinkAt(cur, pos)
		if err != nil {
			return "", fmt.Errorf("path %v step %d: %w", path, depth, err)
		}
		cur = link.Target
	}
	return cur, nil
}

// LinkAtPath returns the edge reached by the last step of path.
func (s *Store) LinkAtPath(path []int) (Link, error) {
	if len(path) == 0 {
		return Link{}, fmt.Errorf("empty path: %w", ErrInvalidArgument)
	}
	parent, err := s.VertexAt(path[:len(path)-1])
	if err != nil {
		return Link{}, err
	}
	return s.LinkAt(parent, path[len(path)-1])
}

// IsParentOf reports whether a is the INCLUDE parent of b.
func (s *Store) IsParentOf(a, b storage.VertexID) (bool, error) {
	parent, err := s.Parent(b)
	if err != nil {
		return false, err
	}
	return parent != "" && parent == a, nil
}

// IsChildOf reports whether a is an INCLUDE child of b.
func (s *Store) IsChildOf(a, b storage.VertexID) (bool, error) {
	return s.IsParentOf(b, a)
}

// IsSiblingOf reports whether a and b are distinct and share a parent.
func (s *Store) IsSiblingOf(a, b storage.VertexID) (bool, error) {
	if a == b {
		return false, nil
	}
	pa, err := s.Parent(a)
	if err != nil {
		return false, err
	}
	pb, err := s.Parent(b)
	if err != nil {
		return false, err
	}
	return pa != "" && pa == pb, nil
}

// IsAncestorOf reports whether a is a strict INCLUDE ancestor of b.
func (s *Store) IsAncestorOf(a, b storage.VertexID) (bool, error) {
	if _, err := s.Vertex(a); err != nil {
		return false, err
	}
	if _, err := s.Vertex(b); err != nil {
		return false, err
	}
	return s.isAncestorOf(a, b)
}

func (s *Store) isAncestorOf(a, b storage.VertexID) (bool, error) {
	seen := make(map[storage.VertexID]bool)
	for cur := b; ; {
		parent, err := s.parentOf(cur)
		if err != nil {
			return false, err
		}
		if parent == "" {
			return false, nil
		}
		if parent == a {
			return true, nil
		}
		if seen[parent] {
			return false, fmt.Errorf("%w: parent loop at %s", ErrInvariantViolation, parent)
		}
		seen[parent] = true
		cur = parent
	}
}

// IsDescendantOf reports whether a is a strict INCLUDE descendant of b.
func (s *Store) IsDescendantOf(a, b storage.VertexID) (bool, error) {
	return s.IsAncestorOf(b, a)
}

// SubtreeContains reports whether v is root or one of its descendants.
func (s *Store) SubtreeContains(root, v storage.VertexID) (bool, error) {
	if root == v {
		_, err := s.Vertex(v)
		return err == nil, err
	}
	return s.IsAncestorOf(root, v)
}

// SharedAncestor returns the deepest vertex whose subtree holds both a and
// b, or "" when they hang under different roots.
func (s *Store) SharedAncestor(a, b storage.VertexID) (storage.VertexID, error) {
	pa, err := s.InheritPath(a)
	if err != nil {
		return "", err
	}
	pb, err := s.InheritPath(b)
	if err != nil {
		return "", err
	}
	pa = append(pa, a)
	pb = append(pb, b)

	var shared storage.VertexID
	for i := 0; i < len(pa) && i < len(pb) && pa[i] == pb[i]; i++ {
		shared = pa[i]
	}
	return shared, nil
}

func cacheEdge(id storage.EdgeID, key string) cache.OrderedOutEdge {
	return cache.OrderedOutEdge{Edge: id, Key: key}
}
