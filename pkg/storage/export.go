package storage

import (
	"fmt"
	"sort"
	"time"
)

// Neo4jExport represents the Neo4j JSON export format.
//
// Indexes is an extension: Neo4j has no equivalent of named vertex indexes,
// so they ride along under their own key and are ignored by Neo4j tooling.
type Neo4jExport struct {
	Nodes         []Neo4jNode             `json:"nodes"`
	Relationships []Neo4jRelationship     `json:"relationships"`
	Indexes       map[string][]IndexEntry `json:"indexes,omitempty"`
}

// Neo4jNode is the Neo4j JSON export format for nodes.
type Neo4jNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Neo4jNodeRef is a reference to a node in Neo4j relationship format.
type Neo4jNodeRef struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels,omitempty"`
}

// Neo4jRelationship is the Neo4j JSON export format for relationships.
// Supports both flat format (startNode/endNode strings) and APOC format (start/end objects).
type Neo4jRelationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	// Flat format (neo4j-admin dump)
	StartNode string `json:"startNode,omitempty"`
	EndNode   string `json:"endNode,omitempty"`

	// APOC format (apoc.export.json)
	Start Neo4jNodeRef `json:"start,omitempty"`
	End   Neo4jNodeRef `json:"end,omitempty"`
}

// GetStartID returns the start node ID supporting both Neo4j export formats.
func (r *Neo4jRelationship) GetStartID() string {
	if r.Start.ID != "" {
		return r.Start.ID
	}
	return r.StartNode
}

// GetEndID returns the end node ID regardless of format.
func (r *Neo4jRelationship) GetEndID() string {
	if r.End.ID != "" {
		return r.End.ID
	}
	return r.EndNode
}

// ToNeo4jExport converts vertices and edges to the Neo4j JSON export format.
// Every node gets the given label. Creation times are kept as "_createdAt"
// (unix seconds) so an import can restore them.
func ToNeo4jExport(vertices []*Vertex, edges []*Edge, label string) *Neo4jExport {
	export := &Neo4jExport{
		Nodes:         make([]Neo4jNode, len(vertices)),
		Relationships: make([]Neo4jRelationship, len(edges)),
	}

	for i, v := range vertices {
		props := copyProperties(v.Properties)
		if props == nil {
			props = make(map[string]any)
		}
		if !v.CreatedAt.IsZero() {
			props["_createdAt"] = v.CreatedAt.Unix()
		}
		export.Nodes[i] = Neo4jNode{ID: string(v.ID), Labels: []string{label}, Properties: props}
	}

	for i, e := range edges {
		props := copyProperties(e.Properties)
		if props == nil {
			props = make(map[string]any)
		}
		if !e.CreatedAt.IsZero() {
			props["_createdAt"] = e.CreatedAt.Unix()
		}
		export.Relationships[i] = Neo4jRelationship{
			ID:         string(e.ID),
			StartNode:  string(e.Source),
			EndNode:    string(e.Target),
			Type:       e.Type,
			Properties: props,
		}
	}
	return export
}

// FromNeo4jExport converts an export back into a Batch that recreates it.
// relType maps Neo4j relationship types to edge types; nil keeps them as is.
func FromNeo4jExport(export *Neo4jExport, relType func(string) string) (*Batch, error) {
	batch := NewBatch()

	for _, n := range export.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node without id: %w", ErrInvalidID)
		}
		props := copyProperties(n.Properties)
		created := extractCreatedAt(props)
		if len(props) == 0 {
			props = nil
		}
		batch.PutVertex(&Vertex{ID: VertexID(n.ID), Properties: props, CreatedAt: created, UpdatedAt: created})
	}

	for _, r := range export.Relationships {
		if r.ID == "" {
			return nil, fmt.Errorf("relationship without id: %w", ErrInvalidID)
		}
		props := copyProperties(r.Properties)
		created := extractCreatedAt(props)
		if len(props) == 0 {
			props = nil
		}
		typ := r.Type
		if relType != nil {
			typ = relType(typ)
		}
		batch.PutEdge(&Edge{
			ID:         EdgeID(r.ID),
			Source:     VertexID(r.GetStartID()),
			Target:     VertexID(r.GetEndID()),
			Type:       typ,
			Properties: props,
			CreatedAt:  created,
		})
	}

	names := make([]string, 0, len(export.Indexes))
	for name := range export.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		batch.CreateIndex(name)
		for _, entry := range export.Indexes[name] {
			batch.IndexPut(name, entry.Key, entry.Vertex)
		}
	}
	return batch, nil
}

func extractCreatedAt(props map[string]any) time.Time {
	raw, ok := props["_createdAt"]
	if !ok {
		return time.Time{}
	}
	delete(props, "_createdAt")
	secs, ok := IntValue(raw)
	if !ok || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}
