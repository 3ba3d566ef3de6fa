// Package storage provides the property graph store the tree is built on.
//
// The storage layer has two halves:
//   - Engine: a physical store of vertices, typed edges, and named vertex
//     indexes. MemoryEngine, BadgerEngine and SQLEngine implement it. Every
//     write goes through Apply, which applies a Batch atomically.
//   - Graph: a transactional session over an Engine. Writes are buffered and
//     visible to the session's own reads until Commit hands them to the
//     engine as a single Batch.
//
// Identity is two-phase. Elements created inside an open Graph transaction
// carry provisional ids ("~v1", "~e2") that are only meaningful inside that
// transaction. Commit promotes them to durable UUIDs and reports the mapping
// as a Promotion, so callers holding ids across a commit can remap them.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	g := storage.NewGraph(engine)
//	parent, _ := g.AddVertex(map[string]any{"x": "Groceries"})
//	child, _ := g.AddVertex(map[string]any{"x": "Milk"})
//	g.AddEdge(parent, child, "include", map[string]any{"i": "h"})
//
//	promo, err := g.Commit()
//	if err != nil {
//		return err
//	}
//	parent = promo.Vertex(parent) // durable id from here on
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidEdge      = errors.New("invalid edge: source or target vertex not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop streaming early
)

// provisionalPrefix marks ids minted by an open Graph transaction.
const provisionalPrefix = "~"

// VertexID is a strongly-typed identifier for vertices.
type VertexID string

// EdgeID is a strongly-typed identifier for edges.
type EdgeID string

// IsProvisional reports whether the id was minted by an uncommitted transaction.
func (id VertexID) IsProvisional() bool { return strings.HasPrefix(string(id), provisionalPrefix) }

// IsProvisional reports whether the id was minted by an uncommitted transaction.
func (id EdgeID) IsProvisional() bool { return strings.HasPrefix(string(id), provisionalPrefix) }

// Vertex is an identity plus arbitrary named properties.
//
// Property values must be JSON-compatible. Persistent engines round-trip
// through JSON, so integers may come back as float64; readers that care
// about numeric types normalise them (see IntValue).
type Vertex struct {
	ID         VertexID       `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Edge is a directed, typed connection between two vertices.
//
// Source and Target never change after creation. Moving an edge to a new
// source means deleting it and creating a new one.
type Edge struct {
	ID         EdgeID         `json:"id"`
	Source     VertexID       `json:"source"`
	Target     VertexID       `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// IndexEntry is one key → vertex association in a named index.
type IndexEntry struct {
	Key    string   `json:"key"`
	Vertex VertexID `json:"vertex"`
}

// Engine is the physical graph store.
//
// Reads return copies; mutating a returned Vertex or Edge never changes the
// store. All writes go through Apply so that a multi-element change lands
// atomically or not at all.
//
// Implementations must be safe for concurrent use: the tree mutates through
// a single Graph session while search workers read concurrently.
type Engine interface {
	GetVertex(id VertexID) (*Vertex, error)
	GetEdge(id EdgeID) (*Edge, error)
	OutgoingEdges(id VertexID) ([]*Edge, error)
	IncomingEdges(id VertexID) ([]*Edge, error)
	AllVertices() ([]*Vertex, error)
	AllEdges() ([]*Edge, error)

	// Named indexes
	Indexes() ([]string, error)
	IndexGet(index, key string) ([]VertexID, error)
	IndexEntries(index string) ([]IndexEntry, error)

	// Apply performs every operation of the batch atomically.
	Apply(batch *Batch) error

	// Stats
	VertexCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// StreamingEngine is implemented by engines that can iterate vertices
// without loading them all into memory. Engines must check ctx between
// vertices.
type StreamingEngine interface {
	Engine
	StreamVertices(ctx context.Context, fn func(v *Vertex) error) error
}

// VertexVisitor is a function called for each vertex during streaming.
type VertexVisitor func(v *Vertex) error

// StreamVerticesWithFallback streams through StreamingEngine when available
// and otherwise walks AllVertices, checking ctx between vertices.
// Returning ErrIterationStopped from fn ends the stream without error.
func StreamVerticesWithFallback(ctx context.Context, engine Engine, fn VertexVisitor) error {
	if streamer, ok := engine.(StreamingEngine); ok {
		return streamer.StreamVertices(ctx, fn)
	}

	vertices, err := engine.AllVertices()
	if err != nil {
		return err
	}
	for i, v := range vertices {
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
		vertices[i] = nil
	}
	return nil
}

// IntValue normalises a numeric property value that may have passed through
// JSON (float64) back to an int.
func IntValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}

// StringsValue normalises a string list property that may have passed
// through JSON ([]any) back to []string.
func StringsValue(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func copyVertex(v *Vertex) *Vertex {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Properties = copyProperties(v.Properties)
	return &cp
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Properties = copyProperties(e.Properties)
	return &cp
}

func copyProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}
