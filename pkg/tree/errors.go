package tree

import (
	"errors"
	"fmt"

	"github.com/orneryd/mindtree/pkg/storage"
)

// Errors returned by tree operations. Every error wraps exactly one of
// these kinds, so callers can branch with errors.Is.
var (
	// ErrNotFound means a referenced vertex, edge or position does not exist.
	// Trashed vertices count as absent for structural edits.
	ErrNotFound = errors.New("not found")

	// ErrTypeMismatch means an edge of the wrong type was addressed, such as
	// removing an INCLUDE edge through the reference path.
	ErrTypeMismatch = errors.New("edge type mismatch")

	// ErrCycleRejected means a handover would make a vertex its own
	// descendant's child.
	ErrCycleRejected = errors.New("cycle rejected")

	// ErrInvariantViolation means the graph or the cache is inconsistent.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStoreFailure wraps errors from the underlying graph store.
	ErrStoreFailure = errors.New("store failure")

	// ErrInvalidArgument means the request itself is malformed: a position
	// out of range, a self reference, moving the root, a reserved property.
	ErrInvalidArgument = errors.New("invalid argument")
)

// storeErr classifies an error coming back from the graph.
func storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}

// Violation describes one failed consistency check.
type Violation struct {
	Vertex storage.VertexID
	Check  string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.Vertex, v.Check, v.Detail)
}

// ViolationError carries every violation found by one verification pass.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%v: %s", ErrInvariantViolation, e.Violations[0])
	}
	return fmt.Sprintf("%v: %d violations, first: %s", ErrInvariantViolation, len(e.Violations), e.Violations[0])
}

// Unwrap makes errors.Is(err, ErrInvariantViolation) hold.
func (e *ViolationError) Unwrap() error {
	return ErrInvariantViolation
}
