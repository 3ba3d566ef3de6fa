package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/mindtree/pkg/cache"
	"github.com/orneryd/mindtree/pkg/storage"
)

// VerifyMode selects what happens after a mutating call.
type VerifyMode int

const (
	// VerifyOff skips verification.
	VerifyOff VerifyMode = iota
	// VerifyLog logs violations and carries on.
	VerifyLog
	// VerifyStrict fails the call with ErrInvariantViolation.
	VerifyStrict
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyOff:
		return "off"
	case VerifyLog:
		return "log"
	case VerifyStrict:
		return "strict"
	default:
		return fmt.Sprintf("verify(%d)", int(m))
	}
}

// ParseVerifyMode parses "off", "log" or "strict".
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return VerifyOff, nil
	case "log", "warn":
		return VerifyLog, nil
	case "strict", "fail":
		return VerifyStrict, nil
	}
	return VerifyOff, fmt.Errorf("verify mode %q: %w", s, ErrInvalidArgument)
}

// check verifies vs according to the configured mode.
func (s *Store) check(vs ...storage.VertexID) error {
	if s.verify == VerifyOff {
		return nil
	}
	var violations []Violation
	for _, v := range vs {
		if _, err := s.graph.Vertex(v); errors.Is(err, storage.ErrNotFound) {
			continue
		}
		violations = append(violations, s.VerifyVertex(v)...)
	}
	return s.report(violations)
}

func (s *Store) checkTrashed(root storage.VertexID) error {
	if s.verify == VerifyOff {
		return nil
	}
	return s.report(s.VerifyTrashedTree(root))
}

func (s *Store) report(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	s.metrics.Violations(len(violations))
	for _, v := range violations {
		s.log.Error("invariant violation", "vertex", v.Vertex, "check", v.Check, "detail", v.Detail)
	}
	if s.verify == VerifyStrict {
		return &ViolationError{Violations: violations}
	}
	return nil
}

// VerifyVertex checks the local invariants of v against the graph and
// returns every failed check.
func (s *Store) VerifyVertex(v storage.VertexID) []Violation {
	var out []Violation
	add := func(check, format string, args ...any) {
		out = append(out, Violation{Vertex: v, Check: check, Detail: fmt.Sprintf(format, args...)})
	}

	vertex, err := s.graph.Vertex(v)
	if err != nil {
		add("exists", "%v", err)
		return out
	}

	// Outgoing edges and their keys.
	graphOut, err := s.graph.EdgesOut(v)
	if err != nil {
		add("edges", "%v", err)
		return out
	}
	keyOf := make(map[storage.EdgeID]string, len(graphOut))
	for _, e := range graphOut {
		key, _ := e.Properties[OrderKeyProperty].(string)
		keyOf[e.ID] = key
		t := EdgeType(e.Type)
		if t != Include && t != Reference {
			add("edge-type", "edge %s has type %q", e.ID, e.Type)
		}
		if e.Source == e.Target {
			add("self-edge", "edge %s is a loop", e.ID)
		}
	}

	if cached, ok := s.cache.PeekOutEdges(v); ok {
		if len(cached) != len(graphOut) {
			add("cache-out", "cache has %d edges, graph has %d", len(cached), len(graphOut))
		}
		for _, oe := range cached {
			key, ok := keyOf[oe.Edge]
			if !ok {
				add("cache-out", "cached edge %s is not in the graph", oe.Edge)
			} else if key != oe.Key {
				add("cache-out", "edge %s cached with key %q, stored %q", oe.Edge, oe.Key, key)
			}
		}
		checkOrder(cached, add)
	} else {
		keyed := make([]cache.OrderedOutEdge, 0, len(graphOut))
		for _, e := range graphOut {
			keyed = append(keyed, cache.OrderedOutEdge{Edge: e.ID, Key: keyOf[e.ID]})
		}
		sort.Slice(keyed, func(i, j int) bool { return keyed[i].Key < keyed[j].Key })
		checkOrder(keyed, add)
	}

	// Parent.
	in, err := s.graph.EdgesIn(v)
	if err != nil {
		add("edges", "%v", err)
		return out
	}
	var parents []storage.VertexID
	for _, e := range in {
		if EdgeType(e.Type) == Include {
			parents = append(parents, e.Source)
		}
	}
	var parent storage.VertexID
	switch {
	case len(parents) > 1:
		add("parent", "%d INCLUDE parents", len(parents))
	case len(parents) == 1:
		parent = parents[0]
	}
	if cached, ok := s.cache.PeekParent(v); ok && cached != parent {
		add("cache-parent", "cached parent %q, graph parent %q", cached, parent)
	}

	// Trash state.
	trashedRoot := false
	if roots, err := s.TrashedRoots(); err == nil {
		for _, r := range roots {
			if r == v {
				trashedRoot = true
			}
		}
	}
	switch {
	case v == s.root:
		if parent != "" {
			add("root", "root has parent %s", parent)
		}
		if isTrashed(vertex) {
			add("root", "root is trashed")
		}
	case trashedRoot:
		if parent != "" {
			add("trash", "trashed root still attached to %s", parent)
		}
		if !isTrashed(vertex) {
			add("trash", "trashed root lacks the trashed flag")
		}
		if _, ok := vertex.Properties[savedParentProperty]; !ok {
			add("trash", "trashed root lacks a saved parent")
		}
	case parent == "":
		add("parent", "detached vertex that is not a trashed root")
	default:
		pv, err := s.graph.Vertex(parent)
		if err != nil {
			add("parent", "parent %s: %v", parent, err)
		} else if isTrashed(pv) != isTrashed(vertex) {
			add("trash", "trashed=%v under parent with trashed=%v", isTrashed(vertex), isTrashed(pv))
		}
	}

	return out
}

func checkOrder(edges []cache.OrderedOutEdge, add func(check, format string, args ...any)) {
	for i, e := range edges {
		if e.Key == "" {
			add("order-key", "edge %s has no key", e.Edge)
			continue
		}
		if i > 0 && edges[i-1].Key >= e.Key {
			add("order-key", "key %q at %d does not follow %q", e.Key, i, edges[i-1].Key)
		}
	}
}

// VerifyTrashedTree checks that the subtree under a trashed root is fully
// flagged and that no live vertex refers into it.
func (s *Store) VerifyTrashedTree(root storage.VertexID) []Violation {
	var out []Violation
	order, inside, err := s.subtree(root)
	if err != nil {
		return []Violation{{Vertex: root, Check: "walk", Detail: err.Error()}}
	}
	for _, v := range order {
		vertex, err := s.graph.Vertex(v)
		if err != nil {
			out = append(out, Violation{Vertex: v, Check: "exists", Detail: err.Error()})
			continue
		}
		if !isTrashed(vertex) {
			out = append(out, Violation{Vertex: v, Check: "trash", Detail: "vertex in trashed subtree lacks the trashed flag"})
		}
		in, err := s.graph.EdgesIn(v)
		if err != nil {
			out = append(out, Violation{Vertex: v, Check: "edges", Detail: err.Error()})
			continue
		}
		for _, e := range in {
			if EdgeType(e.Type) != Reference || inside[e.Source] {
				continue
			}
			src, err := s.graph.Vertex(e.Source)
			if err == nil && !isTrashed(src) {
				out = append(out, Violation{Vertex: v, Check: "trash", Detail: fmt.Sprintf("live vertex %s refers into trash", e.Source)})
			}
		}
	}
	return out
}

// Verify walks the live tree and every trashed subtree and checks each
// vertex. It returns a *ViolationError when anything is wrong.
func (s *Store) Verify() error {
	var violations []Violation
	seen := make(map[storage.VertexID]bool)

	visit := func(v storage.VertexID, _ int) (bool, error) {
		if seen[v] {
			violations = append(violations, Violation{Vertex: v, Check: "reachability", Detail: "reached twice"})
			return false, nil
		}
		seen[v] = true
		violations = append(violations, s.VerifyVertex(v)...)
		return true, nil
	}

	if err := s.Walk(s.root, visit); err != nil {
		return err
	}
	roots, err := s.TrashedRoots()
	if err != nil {
		return err
	}
	for _, r := range roots {
		if err := s.Walk(r, visit); err != nil {
			return err
		}
		violations = append(violations, s.VerifyTrashedTree(r)...)
	}

	if len(violations) == 0 {
		return nil
	}
	s.metrics.Violations(len(violations))
	return &ViolationError{Violations: violations}
}
