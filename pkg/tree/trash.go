package tree

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/mindtree/pkg/storage"
)

// TrashRecord is the bookkeeping kept on a trashed subtree root.
type TrashRecord struct {
	Root   storage.VertexID
	Parent storage.VertexID
	Pos    int
	Refs   []ForeignRefLink // in removal order
}

// Trash detaches the INCLUDE subtree at pos of parent and moves it to the
// trash. REFERENCE edges from outside the subtree into it are removed and
// recorded on the subtree root. It returns the subtree root.
func (s *Store) Trash(parent storage.VertexID, pos int) (root storage.VertexID, err error) {
	defer s.observe("trash", time.Now(), &err)

	if err := s.requireLive(parent); err != nil {
		return "", err
	}
	link, err := s.LinkAt(parent, pos)
	if err != nil {
		return "", err
	}
	if link.Type != Include {
		return "", fmt.Errorf("edge at %d of %s is %s: %w", pos, parent, link.Type, ErrTypeMismatch)
	}
	root = link.Target

	order, inside, err := s.subtree(root)
	if err != nil {
		return "", err
	}

	var refs []ForeignRefLink
	for _, v := range order {
		in, err := s.graph.EdgesIn(v)
		if err != nil {
			return "", storeErr("trash", err)
		}
		var foreign []*storage.Edge
		for _, e := range in {
			if EdgeType(e.Type) == Reference && !inside[e.Source] {
				foreign = append(foreign, e)
			}
		}
		sort.Slice(foreign, func(i, j int) bool {
			if foreign[i].Source != foreign[j].Source {
				return foreign[i].Source < foreign[j].Source
			}
			return foreign[i].ID < foreign[j].ID
		})

		for _, e := range foreign {
			edges, at, err := s.locate(e)
			if err != nil {
				return "", err
			}
			refs = append(refs, ForeignRefLink{Referrer: e.Source, Referent: v, Edge: e.ID, Pos: at})
			if err := s.graph.RemoveEdge(e.ID); err != nil {
				return "", storeErr("trash", err)
			}
			s.cache.SetOutEdges(e.Source, removeAt(edges, at))
		}

		if err := s.graph.SetVertexProperty(v, TrashedProperty, true); err != nil {
			return "", storeErr("trash", err)
		}
	}

	// Refs removed above may have shifted the INCLUDE edge.
	edges, at, err := s.locate(&storage.Edge{ID: link.Edge, Source: parent})
	if err != nil {
		return "", err
	}
	rec := TrashRecord{Root: root, Parent: parent, Pos: at, Refs: refs}
	if err := s.writeTrashRecord(rec); err != nil {
		return "", err
	}
	if err := s.graph.RemoveEdge(link.Edge); err != nil {
		return "", storeErr("trash", err)
	}
	s.cache.SetOutEdges(parent, removeAt(edges, at))
	s.cache.SetParent(root, "")

	if err := s.graph.IndexPut(trashIndex, trashKey, root); err != nil {
		return "", storeErr("trash", err)
	}
	s.dirtyTrash[root] = struct{}{}
	s.updateTrashGauge()

	s.log.Debug("trashed subtree", "root", root, "vertices", len(order), "refs", len(refs))
	if err := s.check(parent); err != nil {
		return root, err
	}
	return root, s.checkTrashed(root)
}

// Restore puts a trashed subtree back under its old parent and replays the
// recorded references in reverse removal order. It returns the parent and
// the position the subtree ended up at.
func (s *Store) Restore(root storage.VertexID) (parent storage.VertexID, pos int, err error) {
	defer s.observe("restore", time.Now(), &err)

	rec, err := s.TrashRecord(root)
	if err != nil {
		return "", 0, err
	}
	trashedParent, err := s.IsTrashed(rec.Parent)
	if err != nil {
		return "", 0, fmt.Errorf("restore %s: old parent: %w", root, err)
	}
	if trashedParent {
		return "", 0, fmt.Errorf("restore %s: old parent %s is trashed: %w", root, rec.Parent, ErrInvalidArgument)
	}

	siblings, err := s.outEdges(rec.Parent)
	if err != nil {
		return "", 0, err
	}
	at := rec.Pos
	if at > len(siblings) {
		s.log.Warn("saved position out of range, appending", "root", root, "pos", at, "len", len(siblings))
		at = End
	}
	at, key, err := place(siblings, at)
	if err != nil {
		return "", 0, err
	}
	include, err := s.graph.AddEdge(rec.Parent, root, string(Include), map[string]any{OrderKeyProperty: key})
	if err != nil {
		return "", 0, storeErr("restore", err)
	}
	s.cache.SetOutEdges(rec.Parent, insertAt(siblings, at, cacheEdge(include, key)))
	s.cache.SetParent(root, rec.Parent)

	for i := len(rec.Refs) - 1; i >= 0; i-- {
		ref := rec.Refs[i]
		if _, err := s.graph.Vertex(ref.Referrer); err != nil {
			s.log.Warn("referrer is gone, dropping reference", "referrer", ref.Referrer, "referent", ref.Referent)
			continue
		}
		edges, err := s.outEdges(ref.Referrer)
		if err != nil {
			return "", 0, err
		}
		refPos := ref.Pos
		if refPos > len(edges) {
			s.log.Warn("saved reference position out of range, appending",
				"referrer", ref.Referrer, "pos", refPos, "len", len(edges))
			refPos = End
		}
		refPos, refKey, err := place(edges, refPos)
		if err != nil {
			return "", 0, err
		}
		id, err := s.graph.AddEdge(ref.Referrer, ref.Referent, string(Reference), map[string]any{OrderKeyProperty: refKey})
		if err != nil {
			return "", 0, storeErr("restore", err)
		}
		s.cache.SetOutEdges(ref.Referrer, insertAt(edges, refPos, cacheEdge(id, refKey)))
	}

	err = s.Walk(root, func(v storage.VertexID, _ int) (bool, error) {
		if err := s.graph.RemoveVertexProperty(v, TrashedProperty); err != nil {
			return false, storeErr("restore", err)
		}
		return true, nil
	})
	if err != nil {
		return "", 0, err
	}
	for _, key := range []string{savedParentProperty, savedPosProperty, savedReferrersProperty} {
		if err := s.graph.RemoveVertexProperty(root, key); err != nil {
			return "", 0, storeErr("restore", err)
		}
	}
	if err := s.graph.IndexRemove(trashIndex, trashKey, root); err != nil {
		return "", 0, storeErr("restore", err)
	}
	delete(s.dirtyTrash, root)
	s.updateTrashGauge()

	edges, err := s.outEdges(rec.Parent)
	if err != nil {
		return "", 0, err
	}
	pos = indexOfEdge(edges, include)
	s.log.Debug("restored subtree", "root", root, "parent", rec.Parent, "pos", pos, "refs", len(rec.Refs))
	return rec.Parent, pos, s.check(rec.Parent, root)
}

// Purge deletes a trashed subtree for good.
func (s *Store) Purge(root storage.VertexID) (err error) {
	defer s.observe("purge", time.Now(), &err)

	if _, err := s.TrashRecord(root); err != nil {
		return err
	}
	order, inside, err := s.subtree(root)
	if err != nil {
		return err
	}

	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		in, err := s.graph.EdgesIn(v)
		if err != nil {
			return storeErr("purge", err)
		}
		for _, e := range in {
			if !inside[e.Source] {
				s.cache.EvictOutEdges(e.Source)
			}
		}
		if err := s.graph.RemoveVertex(v); err != nil {
			return storeErr("purge", err)
		}
		s.cache.EvictParent(v)
		s.cache.EvictOutEdges(v)
	}
	delete(s.dirtyTrash, root)
	s.updateTrashGauge()

	s.log.Debug("purged subtree", "root", root, "vertices", len(order))
	return nil
}

// PurgeAll purges every trashed subtree. It keeps going after a failure
// and reports all failures together.
func (s *Store) PurgeAll() error {
	roots, err := s.TrashedRoots()
	if err != nil {
		return err
	}
	var errs []error
	for _, root := range roots {
		if err := s.Purge(root); err != nil {
			s.log.Error("purge failed", "root", root, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TrashedRoots lists the roots of all trashed subtrees.
func (s *Store) TrashedRoots() ([]storage.VertexID, error) {
	roots, err := s.graph.IndexGet(trashIndex, trashKey)
	if err != nil {
		return nil, storeErr("trashed roots", err)
	}
	return roots, nil
}

// IsTrashedRoot reports whether v is the root of a trashed subtree.
func (s *Store) IsTrashedRoot(v storage.VertexID) (bool, error) {
	roots, err := s.TrashedRoots()
	if err != nil {
		return false, err
	}
	for _, r := range roots {
		if r == v {
			return true, nil
		}
	}
	return false, nil
}

// TrashRecord reads the bookkeeping of a trashed subtree root.
func (s *Store) TrashRecord(root storage.VertexID) (TrashRecord, error) {
	vertex, err := s.Vertex(root)
	if err != nil {
		return TrashRecord{}, err
	}
	trashedRoot, err := s.IsTrashedRoot(root)
	if err != nil {
		return TrashRecord{}, err
	}
	if !trashedRoot {
		return TrashRecord{}, fmt.Errorf("%s is not a trashed subtree root: %w", root, ErrInvalidArgument)
	}

	props := vertex.Properties
	parent, ok := props[savedParentProperty].(string)
	if !ok || parent == "" {
		return TrashRecord{}, fmt.Errorf("%w: %s has no saved parent", ErrInvariantViolation, root)
	}
	pos, ok := storage.IntValue(props[savedPosProperty])
	if !ok || pos < 0 {
		return TrashRecord{}, fmt.Errorf("%w: %s has no saved position", ErrInvariantViolation, root)
	}
	rec := TrashRecord{Root: root, Parent: storage.VertexID(parent), Pos: pos}

	if raw, present := props[savedReferrersProperty]; present {
		encoded, ok := storage.StringsValue(raw)
		if !ok {
			return TrashRecord{}, fmt.Errorf("%w: %s has malformed saved references", ErrInvariantViolation, root)
		}
		for _, enc := range encoded {
			ref, err := decodeRefLink(enc)
			if err != nil {
				return TrashRecord{}, err
			}
			rec.Refs = append(rec.Refs, ref)
		}
	}
	return rec, nil
}

func (s *Store) writeTrashRecord(rec TrashRecord) error {
	if err := s.graph.SetVertexProperty(rec.Root, savedParentProperty, string(rec.Parent)); err != nil {
		return storeErr("write trash record", err)
	}
	if err := s.graph.SetVertexProperty(rec.Root, savedPosProperty, rec.Pos); err != nil {
		return storeErr("write trash record", err)
	}
	if len(rec.Refs) == 0 {
		if err := s.graph.RemoveVertexProperty(rec.Root, savedReferrersProperty); err != nil {
			return storeErr("write trash record", err)
		}
		return nil
	}
	encoded := make([]string, len(rec.Refs))
	for i, ref := range rec.Refs {
		enc, err := ref.encode()
		if err != nil {
			return err
		}
		encoded[i] = enc
	}
	if err := s.graph.SetVertexProperty(rec.Root, savedReferrersProperty, encoded); err != nil {
		return storeErr("write trash record", err)
	}
	return nil
}

// promoteTrashRecord rewrites the saved ids of root with their durable
// counterparts.
func (s *Store) promoteTrashRecord(root storage.VertexID, p storage.Promotion) error {
	rec, err := s.TrashRecord(root)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) {
		// Restored or purged since it was trashed.
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	if parent := p.Vertex(rec.Parent); parent != rec.Parent {
		rec.Parent = parent
		changed = true
	}
	for i, ref := range rec.Refs {
		promoted := ref.promote(p)
		if promoted != ref {
			rec.Refs[i] = promoted
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeTrashRecord(rec)
}

func (s *Store) updateTrashGauge() {
	if s.metrics == nil {
		return
	}
	if roots, err := s.TrashedRoots(); err == nil {
		s.metrics.SetTrashedRoots(len(roots))
	}
}
