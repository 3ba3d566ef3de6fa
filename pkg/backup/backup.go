package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mindtree/pkg/logging"
	"github.com/orneryd/mindtree/pkg/storage"
)

// NodeLabel is the label every exported node carries.
const NodeLabel = "MindNode"

// timestampLayout names backup objects so that key order is time order.
const timestampLayout = "20060102T150405.000000000Z"

// ErrNotEmpty is returned by Import into an engine that already holds
// vertices.
var ErrNotEmpty = errors.New("backup: target engine is not empty")

// Export reads the whole engine into a Neo4j-style document. Vertices,
// edges and indexes are read concurrently; output is sorted by id.
// Relationship types are upper-cased (INCLUDE, REFERENCE).
func Export(ctx context.Context, engine storage.Engine) (*storage.Neo4jExport, error) {
	var (
		vertices []*storage.Vertex
		edges    []*storage.Edge
		indexes  map[string][]storage.IndexEntry
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vertices, err = engine.AllVertices()
		return err
	})
	g.Go(func() error {
		var err error
		edges, err = engine.AllEdges()
		return err
	})
	g.Go(func() error {
		names, err := engine.Indexes()
		if err != nil {
			return err
		}
		indexes = make(map[string][]storage.IndexEntry, len(names))
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := engine.IndexEntries(name)
			if err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			sort.Slice(entries, func(i, j int) bool {
				if entries[i].Key != entries[j].Key {
					return entries[i].Key < entries[j].Key
				}
				return entries[i].Vertex < entries[j].Vertex
			})
			indexes[name] = entries
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("backup: export: %w", err)
	}

	sort.Slice(vertices, func(i, j int) bool { return vertices[i].ID < vertices[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	doc := storage.ToNeo4jExport(vertices, edges, NodeLabel)
	for i := range doc.Relationships {
		doc.Relationships[i].Type = strings.ToUpper(doc.Relationships[i].Type)
	}
	if len(indexes) > 0 {
		doc.Indexes = indexes
	}
	return doc, nil
}

// Import loads doc into an empty engine in one atomic batch.
func Import(doc *storage.Neo4jExport, engine storage.Engine) error {
	n, err := engine.VertexCount()
	if err != nil {
		return fmt.Errorf("backup: import: %w", err)
	}
	if n > 0 {
		return ErrNotEmpty
	}
	batch, err := storage.FromNeo4jExport(doc, strings.ToLower)
	if err != nil {
		return fmt.Errorf("backup: import: %w", err)
	}
	if err := engine.Apply(batch); err != nil {
		return fmt.Errorf("backup: import: %w", err)
	}
	return nil
}

// Options configures Backup and Restore.
type Options struct {
	// Prefix is the key prefix; objects land at <Prefix>/<timestamp>.json.
	Prefix string
	// Compress gzips the document and appends ".gz" to the key.
	Compress bool
	Logger   *log.Logger
	// Now is the clock used for keys; nil uses time.Now.
	Now func() time.Time
}

// Backup exports engine and stores the document in sink.
func Backup(ctx context.Context, engine storage.Engine, sink Sink, opts Options) (Info, error) {
	logger := logging.OrDiscard(opts.Logger)
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	doc, err := Export(ctx, engine)
	if err != nil {
		return Info{}, err
	}

	var buf bytes.Buffer
	key := path.Join(opts.Prefix, now().UTC().Format(timestampLayout)+".json")
	if opts.Compress {
		key += ".gz"
		zw := gzip.NewWriter(&buf)
		if err := json.NewEncoder(zw).Encode(doc); err != nil {
			return Info{}, fmt.Errorf("backup: encode: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Info{}, fmt.Errorf("backup: compress: %w", err)
		}
	} else if err := json.NewEncoder(&buf).Encode(doc); err != nil {
		return Info{}, fmt.Errorf("backup: encode: %w", err)
	}

	info, err := sink.Put(ctx, key, &buf)
	if err != nil {
		return Info{}, err
	}
	logger.Info("backup stored",
		"driver", sink.Driver(),
		"key", info.Key,
		"size", info.Size,
		"vertices", len(doc.Nodes),
		"edges", len(doc.Relationships),
	)
	return info, nil
}

// Latest returns the newest backup under prefix.
func Latest(ctx context.Context, sink Sink, prefix string) (Info, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	infos, err := sink.List(ctx, prefix)
	if err != nil {
		return Info{}, err
	}
	for i := len(infos) - 1; i >= 0; i-- {
		if isBackupKey(infos[i].Key) {
			return infos[i], nil
		}
	}
	return Info{}, fmt.Errorf("%w under %q", ErrEmpty, prefix)
}

// Load reads the document stored under key.
func Load(ctx context.Context, sink Sink, key string) (*storage.Neo4jExport, error) {
	rc, err := sink.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(key, ".gz") {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("backup: decompress %s: %w", key, err)
		}
		defer zr.Close()
		r = zr
	}

	var doc storage.Neo4jExport
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("backup: decode %s: %w", key, err)
	}
	return &doc, nil
}

// Restore loads the backup under key into an empty engine.
func Restore(ctx context.Context, sink Sink, key string, engine storage.Engine) error {
	doc, err := Load(ctx, sink, key)
	if err != nil {
		return err
	}
	return Import(doc, engine)
}

func isBackupKey(key string) bool {
	return strings.HasSuffix(key, ".json") || strings.HasSuffix(key, ".json.gz")
}
