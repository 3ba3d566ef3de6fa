package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OperationType represents the type of operation in a batch.
type OperationType string

const (
	OpPutVertex    OperationType = "put_vertex"
	OpDeleteVertex OperationType = "delete_vertex"
	OpPutEdge      OperationType = "put_edge"
	OpDeleteEdge   OperationType = "delete_edge"
	OpCreateIndex  OperationType = "create_index"
	OpIndexPut     OperationType = "index_put"
	OpIndexRemove  OperationType = "index_remove"
)

// Operation is a single write within a Batch.
type Operation struct {
	Type OperationType

	// Vertex operations
	Vertex   *Vertex // full new state for OpPutVertex
	VertexID VertexID

	// Edge operations
	Edge   *Edge // full new state for OpPutEdge
	EdgeID EdgeID

	// Index operations (VertexID names the indexed vertex)
	Index string
	Key   string
}

// Batch is an ordered list of writes applied atomically by Engine.Apply.
//
// Engines apply operations in order and do not cascade: deleting a vertex
// that still has edges fails, so callers delete incident edges first.
// PutEdge requires both endpoints to exist once the preceding operations
// have been applied. IndexPut requires the index to exist.
type Batch struct {
	ID         string
	Operations []Operation
}

// NewBatch creates an empty batch with a unique ID.
func NewBatch() *Batch {
	return &Batch{ID: uuid.NewString()}
}

// PutVertex upserts the vertex.
func (b *Batch) PutVertex(v *Vertex) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpPutVertex, Vertex: copyVertex(v), VertexID: v.ID})
	return b
}

// DeleteVertex removes the vertex.
func (b *Batch) DeleteVertex(id VertexID) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpDeleteVertex, VertexID: id})
	return b
}

// PutEdge upserts the edge.
func (b *Batch) PutEdge(e *Edge) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpPutEdge, Edge: copyEdge(e), EdgeID: e.ID})
	return b
}

// DeleteEdge removes the edge.
func (b *Batch) DeleteEdge(id EdgeID) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpDeleteEdge, EdgeID: id})
	return b
}

// CreateIndex creates a named index. Creating an existing index is a no-op.
func (b *Batch) CreateIndex(name string) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpCreateIndex, Index: name})
	return b
}

// IndexPut associates key with the vertex in the named index.
func (b *Batch) IndexPut(index, key string, id VertexID) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpIndexPut, Index: index, Key: key, VertexID: id})
	return b
}

// IndexRemove drops the key → vertex association from the named index.
func (b *Batch) IndexRemove(index, key string, id VertexID) *Batch {
	b.Operations = append(b.Operations, Operation{Type: OpIndexRemove, Index: index, Key: key, VertexID: id})
	return b
}

// Len returns the number of operations.
func (b *Batch) Len() int {
	return len(b.Operations)
}

// validate checks the shape of every operation before an engine touches
// any data.
func (b *Batch) validate() error {
	for i, op := range b.Operations {
		var err error
		switch op.Type {
		case OpPutVertex:
			if op.Vertex == nil || op.Vertex.ID == "" {
				err = ErrInvalidID
			}
		case OpDeleteVertex:
			if op.VertexID == "" {
				err = ErrInvalidID
			}
		case OpPutEdge:
			if op.Edge == nil || op.Edge.ID == "" || op.Edge.Source == "" || op.Edge.Target == "" {
				err = ErrInvalidID
			}
		case OpDeleteEdge:
			if op.EdgeID == "" {
				err = ErrInvalidID
			}
		case OpCreateIndex:
			if op.Index == "" || strings.ContainsRune(op.Index, 0) {
				err = ErrInvalidData
			}
		case OpIndexPut, OpIndexRemove:
			if op.Index == "" || op.VertexID == "" || strings.ContainsRune(op.Index+op.Key, 0) {
				err = ErrInvalidData
			}
		default:
			err = ErrInvalidData
		}
		if err != nil {
			return fmt.Errorf("batch %s operation %d (%s): %w", b.ID, i, op.Type, err)
		}
		provisional := op.VertexID.IsProvisional() || op.EdgeID.IsProvisional()
		if op.Edge != nil {
			provisional = provisional || op.Edge.Source.IsProvisional() || op.Edge.Target.IsProvisional()
		}
		if provisional {
			return fmt.Errorf("batch %s operation %d (%s): provisional id: %w", b.ID, i, op.Type, ErrInvalidID)
		}
	}
	return nil
}
