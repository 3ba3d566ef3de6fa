// Package mindmap adds mind-map semantics on top of the tree store: node
// text and styling properties, favorites, human readable context strings
// and copying whole subtrees.
package mindmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// Node property keys.
const (
	TextProperty       = "x"
	StyleProperty      = "s"
	IconProperty       = "ic"
	FontFamilyProperty = "ft"
	FontSizeProperty   = "sz"
	BoldProperty       = "bd"
	ItalicProperty     = "it"
	NodeColorProperty  = "nc"
	TextColorProperty  = "tc"
)

// NodeProperties lists the keys copied by CopyTree and PasteTree.
var NodeProperties = []string{
	TextProperty,
	StyleProperty,
	IconProperty,
	FontFamilyProperty,
	FontSizeProperty,
	BoldProperty,
	ItalicProperty,
	NodeColorProperty,
	TextColorProperty,
}

// Schema returns the property kinds of a mind-map node.
func Schema() tree.Schema {
	return tree.Schema{
		TextProperty:       tree.KindString,
		StyleProperty:      tree.KindString,
		IconProperty:       tree.KindString,
		FontFamilyProperty: tree.KindString,
		FontSizeProperty:   tree.KindInt,
		BoldProperty:       tree.KindBool,
		ItalicProperty:     tree.KindBool,
		NodeColorProperty:  tree.KindInt,
		TextColorProperty:  tree.KindInt,
	}
}

const (
	favoriteIndex = "favoriteIndex"
	favoriteKey   = "favorite"
)

// Model is a mind map backed by a tree store.
type Model struct {
	store *tree.Store
	log   *log.Logger
}

// New wraps store. It creates the favorites index if needed.
func New(store *tree.Store, logger *log.Logger) (*Model, error) {
	if err := store.Graph().CreateIndex(favoriteIndex); err != nil {
		return nil, fmt.Errorf("create favorites index: %w: %w", tree.ErrStoreFailure, err)
	}
	if _, err := store.Commit(); err != nil {
		return nil, err
	}
	return &Model{store: store, log: logging.OrDiscard(logger).With("component", "mindmap")}, nil
}

// Store returns the underlying tree store.
func (m *Model) Store() *tree.Store {
	return m.store
}

// Text returns the text of v, or "" when it has none.
func (m *Model) Text(v storage.VertexID) (string, error) {
	value, _, err := m.store.Property(v, TextProperty)
	if err != nil {
		return "", err
	}
	text, _ := value.(string)
	return text, nil
}

// SetText sets the text of v.
func (m *Model) SetText(v storage.VertexID, text string) error {
	return m.store.SetProperty(v, TextProperty, text)
}

// AddChildWithText adds a child under parent at pos and sets its text.
func (m *Model) AddChildWithText(parent storage.VertexID, pos int, text string) (tree.Link, error) {
	link, err := m.store.AddChild(parent, pos)
	if err != nil {
		return tree.Link{}, err
	}
	if err := m.SetText(link.Target, text); err != nil {
		return tree.Link{}, err
	}
	return link, nil
}

// IsFavorite reports whether v is in the favorites.
func (m *Model) IsFavorite(v storage.VertexID) (bool, error) {
	ids, err := m.favoriteIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == v {
			return true, nil
		}
	}
	return false, nil
}

// AddFavorite adds v to the favorites. Adding twice is a no-op.
func (m *Model) AddFavorite(v storage.VertexID) error {
	if _, err := m.store.Vertex(v); err != nil {
		return err
	}
	if fav, err := m.IsFavorite(v); err != nil || fav {
		return err
	}
	if err := m.store.Graph().IndexPut(favoriteIndex, favoriteKey, v); err != nil {
		return fmt.Errorf("add favorite: %w: %w", tree.ErrStoreFailure, err)
	}
	return nil
}

// RemoveFavorite removes v from the favorites.
func (m *Model) RemoveFavorite(v storage.VertexID) error {
	if err := m.store.Graph().IndexRemove(favoriteIndex, favoriteKey, v); err != nil {
		return fmt.Errorf("remove favorite: %w: %w", tree.ErrStoreFailure, err)
	}
	return nil
}

// Favorites lists favorite vertices that are not trashed.
func (m *Model) Favorites() ([]BasicInfo, error) {
	ids, err := m.favoriteIDs()
	if err != nil {
		return nil, err
	}
	infos := make([]BasicInfo, 0, len(ids))
	for _, id := range ids {
		trashed, err := m.store.IsTrashed(id)
		if errors.Is(err, tree.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if trashed {
			continue
		}
		info, err := m.Info(id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *Model) favoriteIDs() ([]storage.VertexID, error) {
	ids, err := m.store.Graph().IndexGet(favoriteIndex, favoriteKey)
	if err != nil {
		return nil, fmt.Errorf("favorites: %w: %w", tree.ErrStoreFailure, err)
	}
	return ids, nil
}

// BasicInfo summarizes a vertex for lists such as favorites and search
// results.
type BasicInfo struct {
	ID          storage.VertexID `json:"id"`
	Text        string           `json:"text"`
	Parent      storage.VertexID `json:"parent,omitempty"`
	ParentText  string           `json:"parentText,omitempty"`
	ContextText string           `json:"contextText"`
}

// Info returns the BasicInfo of v. ContextText is "parent > text", or
// just the text for a vertex without parent.
func (m *Model) Info(v storage.VertexID) (BasicInfo, error) {
	text, err := m.Text(v)
	if err != nil {
		return BasicInfo{}, err
	}
	info := BasicInfo{ID: v, Text: text, ContextText: text}

	parent, err := m.store.Parent(v)
	if err != nil {
		return BasicInfo{}, err
	}
	if parent != "" {
		parentText, err := m.Text(parent)
		if err != nil {
			return BasicInfo{}, err
		}
		info.Parent = parent
		info.ParentText = parentText
		info.ContextText = parentText + " > " + text
	}
	return info, nil
}

// InheritInfo joins the texts from the root down to v with " > ".
func (m *Model) InheritInfo(v storage.VertexID) (string, error) {
	path, err := m.store.InheritPath(v)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(path)+1)
	for _, id := range append(path, v) {
		text, err := m.Text(id)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " > "), nil
}

// SubtreeText renders the INCLUDE subtree under v, one line per node,
// indented four spaces per level.
func (m *Model) SubtreeText(v storage.VertexID) (string, error) {
	var b strings.Builder
	err := m.store.Walk(v, func(id storage.VertexID, depth int) (bool, error) {
		text, err := m.Text(id)
		if err != nil {
			return false, err
		}
		b.WriteString(strings.Repeat("    ", depth))
		b.WriteString(text)
		b.WriteByte('\n')
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
