package tree

import (
	"fmt"
	"time"

	"github.com/orneryd/mindtree/pkg/cache"
	"github.com/orneryd/mindtree/pkg/storage"
)

// AddChild creates a vertex under parent at pos (End appends) and returns
// the new INCLUDE edge.
func (s *Store) AddChild(parent storage.VertexID, pos int) (link Link, err error) {
	defer s.observe("add_child", time.Now(), &err)

	if err := s.requireLive(parent); err != nil {
		return Link{}, err
	}
	edges, err := s.outEdges(parent)
	if err != nil {
		return Link{}, err
	}
	pos, key, err := place(edges, pos)
	if err != nil {
		return Link{}, err
	}

	child, err := s.graph.AddVertex(nil)
	if err != nil {
		return Link{}, storeErr("add child", err)
	}
	edge, err := s.graph.AddEdge(parent, child, string(Include), map[string]any{OrderKeyProperty: key})
	if err != nil {
		return Link{}, storeErr("add child", err)
	}

	s.cache.SetOutEdges(parent, insertAt(edges, pos, cache.OrderedOutEdge{Edge: edge, Key: key}))
	s.cache.SetParent(child, parent)
	s.cache.SetOutEdges(child, nil)

	link = Link{Edge: edge, Type: Include, Source: parent, Target: child, Key: key, Pos: pos}
	return link, s.check(parent, child)
}

// AddReference adds a REFERENCE edge from referrer to referent at pos.
func (s *Store) AddReference(referrer, referent storage.VertexID, pos int) (link Link, err error) {
	defer s.observe("add_reference", time.Now(), &err)

	if referrer == referent {
		return Link{}, fmt.Errorf("%s cannot refer to itself: %w", referrer, ErrInvalidArgument)
	}
	if err := s.requireLive(referrer); err != nil {
		return Link{}, err
	}
	if err := s.requireLive(referent); err != nil {
		return Link{}, err
	}
	edges, err := s.outEdges(referrer)
	if err != nil {
		return Link{}, err
	}
	pos, key, err := place(edges, pos)
	if err != nil {
		return Link{}, err
	}

	edge, err := s.graph.AddEdge(referrer, referent, string(Reference), map[string]any{OrderKeyProperty: key})
	if err != nil {
		return Link{}, storeErr("add reference", err)
	}
	s.cache.SetOutEdges(referrer, insertAt(edges, pos, cache.OrderedOutEdge{Edge: edge, Key: key}))

	link = Link{Edge: edge, Type: Reference, Source: referrer, Target: referent, Key: key, Pos: pos}
	return link, s.check(referrer)
}

// RemoveReference deletes a REFERENCE edge. INCLUDE edges are removed by
// trashing their subtree instead.
func (s *Store) RemoveReference(edge storage.EdgeID) (removed Link, err error) {
	defer s.observe("remove_reference", time.Now(), &err)

	e, err := s.graph.Edge(edge)
	if err != nil {
		return Link{}, storeErr("remove reference", err)
	}
	if EdgeType(e.Type) != Reference {
		return Link{}, fmt.Errorf("edge %s is %s: %w", edge, e.Type, ErrTypeMismatch)
	}
	if err := s.requireLive(e.Source); err != nil {
		return Link{}, err
	}
	edges, pos, err := s.locate(e)
	if err != nil {
		return Link{}, err
	}

	if err := s.graph.RemoveEdge(edge); err != nil {
		return Link{}, storeErr("remove reference", err)
	}
	s.cache.SetOutEdges(e.Source, removeAt(edges, pos))

	removed = Link{Edge: edge, Type: Reference, Source: e.Source, Target: e.Target, Key: edges[pos].Key, Pos: pos}
	return removed, s.check(e.Source)
}

// locate finds e in the ordered out list of its source.
func (s *Store) locate(e *storage.Edge) ([]cache.OrderedOutEdge, int, error) {
	edges, err := s.outEdges(e.Source)
	if err != nil {
		return nil, 0, err
	}
	pos := indexOfEdge(edges, e.ID)
	if pos < 0 {
		return nil, 0, fmt.Errorf("%w: edge %s missing from %s", ErrInvariantViolation, e.ID, e.Source)
	}
	return edges, pos, nil
}

// HandoverChild moves child, with its subtree, under newParent at newPos.
// When newParent is the current parent, newPos counts without the moved
// edge. The INCLUDE edge is replaced, so the returned link has a new id.
func (s *Store) HandoverChild(child, newParent storage.VertexID, newPos int) (link Link, err error) {
	defer s.observe("handover_child", time.Now(), &err)

	if child == s.root {
		return Link{}, fmt.Errorf("the root cannot move: %w", ErrInvalidArgument)
	}
	if err := s.requireLive(child); err != nil {
		return Link{}, err
	}
	if err := s.requireLive(newParent); err != nil {
		return Link{}, err
	}
	if child == newParent {
		return Link{}, fmt.Errorf("%s under itself: %w", child, ErrCycleRejected)
	}
	cyclic, err := s.isAncestorOf(child, newParent)
	if err != nil {
		return Link{}, err
	}
	if cyclic {
		return Link{}, fmt.Errorf("%s is inside the subtree of %s: %w", newParent, child, ErrCycleRejected)
	}

	old, err := s.includeEdge(child)
	if err != nil {
		return Link{}, err
	}
	if old == nil {
		return Link{}, fmt.Errorf("%s has no parent: %w", child, ErrInvalidArgument)
	}

	link, err = s.moveEdge(old, newParent, newPos)
	if err != nil {
		return Link{}, err
	}
	s.cache.SetParent(child, newParent)
	return link, s.check(old.Source, newParent, child)
}

// HandoverReferent moves a REFERENCE edge to newReferrer at newPos. The
// referent stays the same.
func (s *Store) HandoverReferent(edge storage.EdgeID, newReferrer storage.VertexID, newPos int) (link Link, err error) {
	defer s.observe("handover_referent", time.Now(), &err)

	e, err := s.graph.Edge(edge)
	if err != nil {
		return Link{}, storeErr("handover referent", err)
	}
	if EdgeType(e.Type) != Reference {
		return Link{}, fmt.Errorf("edge %s is %s: %w", edge, e.Type, ErrTypeMismatch)
	}
	for _, v := range []storage.VertexID{e.Source, e.Target, newReferrer} {
		if err := s.requireLive(v); err != nil {
			return Link{}, err
		}
	}
	if newReferrer == e.Target {
		return Link{}, fmt.Errorf("%s cannot refer to itself: %w", newReferrer, ErrInvalidArgument)
	}

	link, err = s.moveEdge(e, newReferrer, newPos)
	if err != nil {
		return Link{}, err
	}
	return link, s.check(e.Source, newReferrer)
}

// moveEdge replaces e with an edge of the same type and properties from
// newSource at newPos.
func (s *Store) moveEdge(e *storage.Edge, newSource storage.VertexID, newPos int) (Link, error) {
	oldEdges, oldPos, err := s.locate(e)
	if err != nil {
		return Link{}, err
	}
	remaining := removeAt(oldEdges, oldPos)

	base := remaining
	if newSource != e.Source {
		if base, err = s.outEdges(newSource); err != nil {
			return Link{}, err
		}
	}
	pos, key, err := place(base, newPos)
	if err != nil {
		return Link{}, err
	}

	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	props[OrderKeyProperty] = key

	if err := s.graph.RemoveEdge(e.ID); err != nil {
		return Link{}, storeErr("move edge", err)
	}
	id, err := s.graph.AddEdge(newSource, e.Target, e.Type, props)
	if err != nil {
		return Link{}, storeErr("move edge", err)
	}

	s.cache.SetOutEdges(e.Source, remaining)
	s.cache.SetOutEdges(newSource, insertAt(base, pos, cache.OrderedOutEdge{Edge: id, Key: key}))
	return Link{Edge: id, Type: EdgeType(e.Type), Source: newSource, Target: e.Target, Key: key, Pos: pos}, nil
}

// ChangeSiblingPosition moves the edge at oldPos of parent to newPos,
// counted without the moved edge. The edge keeps its id and gets a new
// order key.
func (s *Store) ChangeSiblingPosition(parent storage.VertexID, oldPos, newPos int) (err error) {
	defer s.observe("change_position", time.Now(), &err)

	if err := s.requireLive(parent); err != nil {
		return err
	}
	edges, err := s.outEdges(parent)
	if err != nil {
		return err
	}
	if oldPos < 0 || oldPos >= len(edges) {
		return fmt.Errorf("%s has no edge at %d: %w", parent, oldPos, ErrNotFound)
	}
	if newPos == oldPos {
		return nil
	}

	moving := edges[oldPos]
	remaining := removeAt(edges, oldPos)
	pos, key, err := place(remaining, newPos)
	if err != nil {
		return err
	}
	if pos == oldPos {
		return nil
	}

	if err := s.graph.SetEdgeProperty(moving.Edge, OrderKeyProperty, key); err != nil {
		return storeErr("change position", err)
	}
	s.cache.SetOutEdges(parent, insertAt(remaining, pos, cache.OrderedOutEdge{Edge: moving.Edge, Key: key}))
	return s.check(parent)
}
