package mindmap

import (
	"strings"

	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// Outline is a detached copy of a subtree: node properties and children,
// without ids or references.
type Outline struct {
	Properties map[string]any `json:"properties,omitempty"`
	Children   []*Outline     `json:"children,omitempty"`
}

// Text returns the text property of the outline node.
func (o *Outline) Text() string {
	text, _ := o.Properties[TextProperty].(string)
	return text
}

// String renders the outline like Model.SubtreeText.
func (o *Outline) String() string {
	var b strings.Builder
	o.write(&b, 0)
	return b.String()
}

func (o *Outline) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("    ", depth))
	b.WriteString(o.Text())
	b.WriteByte('\n')
	for _, c := range o.Children {
		c.write(b, depth+1)
	}
}

// Size counts the nodes in the outline.
func (o *Outline) Size() int {
	n := 1
	for _, c := range o.Children {
		n += c.Size()
	}
	return n
}

// CopyTree copies the INCLUDE subtree under v into an Outline.
func (m *Model) CopyTree(v storage.VertexID) (*Outline, error) {
	vertex, err := m.store.Vertex(v)
	if err != nil {
		return nil, err
	}
	out := &Outline{Properties: make(map[string]any)}
	for _, key := range NodeProperties {
		if value, ok := vertex.Properties[key]; ok {
			out.Properties[key] = value
		}
	}

	children, err := m.store.Children(v)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		child, err := m.CopyTree(c)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// PasteTree recreates outline under parent at pos and returns the INCLUDE
// edge of the new subtree root.
func (m *Model) PasteTree(parent storage.VertexID, pos int, outline *Outline) (tree.Link, error) {
	link, err := m.store.AddChild(parent, pos)
	if err != nil {
		return tree.Link{}, err
	}
	if err := m.paste(link.Target, outline); err != nil {
		return tree.Link{}, err
	}
	return link, nil
}

func (m *Model) paste(v storage.VertexID, o *Outline) error {
	for _, key := range NodeProperties {
		if value, ok := o.Properties[key]; ok {
			if err := m.store.SetProperty(v, key, value); err != nil {
				return err
			}
		}
	}
	for _, c := range o.Children {
		link, err := m.store.AddChild(v, tree.End)
		if err != nil {
			return err
		}
		if err := m.paste(link.Target, c); err != nil {
			return err
		}
	}
	return nil
}
