// Package command wraps tree edits in reversible operators and keeps the
// undo and redo history.
//
// Operators are addressed by paths: the sibling positions leading from
// the root to a vertex (see tree.Store.VertexAt). Paths are resolved when
// an operator runs, which is always right after a commit, so the ids an
// operator keeps for undo are durable. Operators never keep the id of a
// vertex or edge they created themselves.
package command

import (
	"fmt"
	"reflect"

	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// Operator is one reversible edit.
//
// Perform returns false when the edit does not apply, for instance when
// removing the root. The manager then rolls back and forgets the operator.
type Operator interface {
	Name() string
	Perform() (bool, error)
	Undo() error
	Redo() error
}

func split(path []int) ([]int, int, error) {
	if len(path) == 0 {
		return nil, 0, fmt.Errorf("empty path: %w", tree.ErrInvalidArgument)
	}
	return path[:len(path)-1], path[len(path)-1], nil
}

func clonePath(path []int) []int {
	return append([]int(nil), path...)
}

// ============================================================================
// AddingChild
// ============================================================================

// AddingChild adds a vertex under Parent at Pos with optional initial
// properties.
type AddingChild struct {
	Store      *tree.Store
	Parent     []int
	Pos        int
	Properties map[string]any

	parent  storage.VertexID
	pos     int
	trashed storage.VertexID
}

func (op *AddingChild) Name() string { return "add_child" }

func (op *AddingChild) Perform() (bool, error) {
	parent, err := op.Store.VertexAt(op.Parent)
	if err != nil {
		return false, err
	}
	link, err := op.Store.AddChild(parent, op.Pos)
	if err != nil {
		return false, err
	}
	for k, v := range op.Properties {
		if err := op.Store.SetProperty(link.Target, k, v); err != nil {
			return false, err
		}
	}
	op.parent, op.pos = parent, link.Pos
	return true, nil
}

func (op *AddingChild) Undo() error {
	root, err := op.Store.Trash(op.parent, op.pos)
	if err != nil {
		return err
	}
	op.trashed = root
	return nil
}

func (op *AddingChild) Redo() error {
	_, _, err := op.Store.Restore(op.trashed)
	return err
}

// Path returns the path of the added child once performed.
func (op *AddingChild) Path() []int {
	return append(clonePath(op.Parent), op.pos)
}

// ============================================================================
// AddingReference
// ============================================================================

// AddingReference links Referrer to Referent at Pos.
type AddingReference struct {
	Store    *tree.Store
	Referrer []int
	Referent []int
	Pos      int

	referrer storage.VertexID
	referent storage.VertexID
	pos      int
}

func (op *AddingReference) Name() string { return "add_reference" }

func (op *AddingReference) Perform() (bool, error) {
	referrer, err := op.Store.VertexAt(op.Referrer)
	if err != nil {
		return false, err
	}
	referent, err := op.Store.VertexAt(op.Referent)
	if err != nil {
		return false, err
	}
	link, err := op.Store.AddReference(referrer, referent, op.Pos)
	if err != nil {
		return false, err
	}
	op.referrer, op.referent, op.pos = referrer, referent, link.Pos
	return true, nil
}

func (op *AddingReference) Undo() error {
	link, err := op.Store.LinkAt(op.referrer, op.pos)
	if err != nil {
		return err
	}
	_, err = op.Store.RemoveReference(link.Edge)
	return err
}

func (op *AddingReference) Redo() error {
	_, err := op.Store.AddReference(op.referrer, op.referent, op.pos)
	return err
}

// ============================================================================
// Removing
// ============================================================================

// Removing removes the edge reached by Target. A reference is deleted, a
// child is trashed together with its subtree.
type Removing struct {
	Store  *tree.Store
	Target []int

	parent   storage.VertexID
	pos      int
	isRef    bool
	referent storage.VertexID
	trashed  storage.VertexID
}

func (op *Removing) Name() string { return "remove" }

func (op *Removing) Perform() (bool, error) {
	if len(op.Target) == 0 {
		return false, nil
	}
	parentPath, pos, err := split(op.Target)
	if err != nil {
		return false, err
	}
	parent, err := op.Store.VertexAt(parentPath)
	if err != nil {
		return false, err
	}
	link, err := op.Store.LinkAt(parent, pos)
	if err != nil {
		return false, err
	}
	op.parent, op.pos = parent, pos

	if link.Type == tree.Reference {
		if _, err := op.Store.RemoveReference(link.Edge); err != nil {
			return false, err
		}
		op.isRef, op.referent = true, link.Target
		return true, nil
	}

	root, err := op.Store.Trash(parent, pos)
	if err != nil {
		return false, err
	}
	op.isRef, op.trashed = false, root
	return true, nil
}

func (op *Removing) Undo() error {
	if op.isRef {
		_, err := op.Store.AddReference(op.parent, op.referent, op.pos)
		return err
	}
	_, _, err := op.Store.Restore(op.trashed)
	return err
}

func (op *Removing) Redo() error {
	ok, err := op.Perform()
	if err == nil && !ok {
		err = fmt.Errorf("redo %s: %w", op.Name(), tree.ErrInvalidArgument)
	}
	return err
}

// ============================================================================
// HandoveringChild
// ============================================================================

// HandoveringChild moves the vertex at Child, with its subtree, under
// NewParent at NewPos.
type HandoveringChild struct {
	Store     *tree.Store
	Child     []int
	NewParent []int
	NewPos    int

	child     storage.VertexID
	oldParent storage.VertexID
	oldPos    int
	newParent storage.VertexID
	newPos    int
}

func (op *HandoveringChild) Name() string { return "handover_child" }

func (op *HandoveringChild) Perform() (bool, error) {
	child, err := op.Store.VertexAt(op.Child)
	if err != nil {
		return false, err
	}
	newParent, err := op.Store.VertexAt(op.NewParent)
	if err != nil {
		return false, err
	}
	oldParent, err := op.Store.Parent(child)
	if err != nil {
		return false, err
	}
	if oldParent == "" {
		return false, nil
	}
	path, err := op.Store.PathOf(child)
	if err != nil {
		return false, err
	}

	link, err := op.Store.HandoverChild(child, newParent, op.NewPos)
	if err != nil {
		return false, err
	}
	op.child, op.oldParent, op.oldPos = child, oldParent, path[len(path)-1]
	op.newParent, op.newPos = newParent, link.Pos
	return true, nil
}

func (op *HandoveringChild) Undo() error {
	_, err := op.Store.HandoverChild(op.child, op.oldParent, op.oldPos)
	return err
}

func (op *HandoveringChild) Redo() error {
	_, err := op.Store.HandoverChild(op.child, op.newParent, op.newPos)
	return err
}

// ============================================================================
// HandoveringReference
// ============================================================================

// HandoveringReference moves the reference at position Pos of Referrer to
// NewReferrer at NewPos.
type HandoveringReference struct {
	Store       *tree.Store
	Referrer    []int
	Pos         int
	NewReferrer []int
	NewPos      int

	oldReferrer storage.VertexID
	oldPos      int
	newReferrer storage.VertexID
	newPos      int
}

func (op *HandoveringReference) Name() string { return "handover_reference" }

func (op *HandoveringReference) Perform() (bool, error) {
	referrer, err := op.Store.VertexAt(op.Referrer)
	if err != nil {
		return false, err
	}
	newReferrer, err := op.Store.VertexAt(op.NewReferrer)
	if err != nil {
		return false, err
	}
	link, err := op.Store.LinkAt(referrer, op.Pos)
	if err != nil {
		return false, err
	}
	moved, err := op.Store.HandoverReferent(link.Edge, newReferrer, op.NewPos)
	if err != nil {
		return false, err
	}
	op.oldReferrer, op.oldPos = referrer, op.Pos
	op.newReferrer, op.newPos = newReferrer, moved.Pos
	return true, nil
}

func (op *HandoveringReference) Undo() error {
	return op.move(op.newReferrer, op.newPos, op.oldReferrer, op.oldPos)
}

func (op *HandoveringReference) Redo() error {
	return op.move(op.oldReferrer, op.oldPos, op.newReferrer, op.newPos)
}

func (op *HandoveringReference) move(from storage.VertexID, fromPos int, to storage.VertexID, toPos int) error {
	link, err := op.Store.LinkAt(from, fromPos)
	if err != nil {
		return err
	}
	_, err = op.Store.HandoverReferent(link.Edge, to, toPos)
	return err
}

// ============================================================================
// ChangingPosition
// ============================================================================

// ChangingPosition moves the edge at OldPos of Parent to NewPos.
type ChangingPosition struct {
	Store  *tree.Store
	Parent []int
	OldPos int
	NewPos int

	parent storage.VertexID
	newPos int
}

func (op *ChangingPosition) Name() string { return "change_position" }

func (op *ChangingPosition) Perform() (bool, error) {
	parent, err := op.Store.VertexAt(op.Parent)
	if err != nil {
		return false, err
	}
	n, err := op.Store.ChildCount(parent)
	if err != nil {
		return false, err
	}
	newPos := op.NewPos
	if newPos == tree.End {
		newPos = n - 1
	}
	if newPos == op.OldPos {
		return false, nil
	}
	if err := op.Store.ChangeSiblingPosition(parent, op.OldPos, newPos); err != nil {
		return false, err
	}
	op.parent, op.newPos = parent, newPos
	return true, nil
}

func (op *ChangingPosition) Undo() error {
	return op.Store.ChangeSiblingPosition(op.parent, op.newPos, op.OldPos)
}

func (op *ChangingPosition) Redo() error {
	return op.Store.ChangeSiblingPosition(op.parent, op.OldPos, op.newPos)
}

// ============================================================================
// SettingProperty
// ============================================================================

// SettingProperty sets Key on the vertex at Target. A nil Value removes
// the property.
type SettingProperty struct {
	Store  *tree.Store
	Target []int
	Key    string
	Value  any

	vertex storage.VertexID
	old    any
	had    bool
}

func (op *SettingProperty) Name() string { return "set_property" }

func (op *SettingProperty) Perform() (bool, error) {
	v, err := op.Store.VertexAt(op.Target)
	if err != nil {
		return false, err
	}
	old, had, err := op.Store.Property(v, op.Key)
	if err != nil {
		return false, err
	}
	if had == (op.Value != nil) && reflect.DeepEqual(old, op.Value) {
		return false, nil
	}
	if err := op.Store.SetProperty(v, op.Key, op.Value); err != nil {
		return false, err
	}
	op.vertex, op.old, op.had = v, old, had
	return true, nil
}

func (op *SettingProperty) Undo() error {
	if !op.had {
		return op.Store.RemoveProperty(op.vertex, op.Key)
	}
	return op.Store.SetProperty(op.vertex, op.Key, op.old)
}

func (op *SettingProperty) Redo() error {
	return op.Store.SetProperty(op.vertex, op.Key, op.Value)
}
