package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixVertex        = byte(0x01) // vertex:vertexID -> Vertex
	prefixEdge          = byte(0x02) // edge:edgeID -> Edge
	prefixIndexName     = byte(0x03) // index:name -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:vertexID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:vertexID:edgeID -> []byte{}
	prefixIndexEntry    = byte(0x06) // entry:name:key:vertexID -> []byte{}
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Vertices: 0x01 + vertexID -> JSON(Vertex)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Index names: 0x03 + name -> empty
//   - Outgoing Index: 0x04 + vertexID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + vertexID + 0x00 + edgeID -> empty
//   - Index entries: 0x06 + name + 0x00 + key + 0x00 + vertexID -> empty
//
// Every Apply runs inside one badger read-write transaction, so a batch is
// committed entirely or not at all.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger

	// EncryptionKey enables at-rest encryption. Must be 16, 24 or 32 bytes.
	// See DeriveEncryptionKey.
	EncryptionKey []byte

	// BlockCacheSize in bytes. Zero uses 32MB.
	BlockCacheSize int64
}

// NewBadgerEngine opens (or creates) a persistent store in dataDir.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/mindtree")
//	if err != nil {
//		return fmt.Errorf("failed to open store: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a BadgerDB store with custom options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger: data dir required: %w", ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// A nil logger silences badger.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	blockCache := opts.BlockCacheSize
	if blockCache <= 0 {
		blockCache = 32 << 20
	}

	// Mind maps are small; keep the memory footprint low.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(blockCache).
		WithIndexCacheSize(16 << 20)

	if len(opts.EncryptionKey) > 0 {
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func vertexKey(id VertexID) []byte {
	return append([]byte{prefixVertex}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func indexNameKey(name string) []byte {
	return append([]byte{prefixIndexName}, []byte(name)...)
}

// adjacencyKey creates a key for the outgoing or incoming edge index.
// Format: prefix + vertexID + 0x00 + edgeID
func adjacencyKey(prefix byte, vertexID VertexID, edgeID EdgeID) []byte {
	key := make([]byte, 0, 1+len(vertexID)+1+len(edgeID))
	key = append(key, prefix)
	key = append(key, []byte(vertexID)...)
	key = append(key, 0x00)
	key = append(key, []byte(edgeID)...)
	return key
}

func adjacencyPrefix(prefix byte, vertexID VertexID) []byte {
	key := make([]byte, 0, 1+len(vertexID)+1)
	key = append(key, prefix)
	key = append(key, []byte(vertexID)...)
	key = append(key, 0x00)
	return key
}

// extractEdgeIDFromIndexKey extracts the edgeID from an adjacency key.
func extractEdgeIDFromIndexKey(key []byte) EdgeID {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return EdgeID(key[i+1:])
		}
	}
	return ""
}

// indexEntryKey creates a key for one index entry.
// Format: prefix + name + 0x00 + key + 0x00 + vertexID
func indexEntryKey(name, key string, id VertexID) []byte {
	out := make([]byte, 0, 1+len(name)+1+len(key)+1+len(id))
	out = append(out, prefixIndexEntry)
	out = append(out, name...)
	out = append(out, 0x00)
	out = append(out, key...)
	out = append(out, 0x00)
	out = append(out, id...)
	return out
}

func indexEntryPrefix(name string) []byte {
	out := make([]byte, 0, 1+len(name)+1)
	out = append(out, prefixIndexEntry)
	out = append(out, name...)
	return append(out, 0x00)
}

func indexKeyPrefix(name, key string) []byte {
	out := indexEntryPrefix(name)
	out = append(out, key...)
	return append(out, 0x00)
}

// splitIndexEntry returns key and vertex from an index entry key whose
// name prefix has already been stripped.
func splitIndexEntry(rest []byte) (string, VertexID) {
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0x00 {
			return string(rest[:i]), VertexID(rest[i+1:])
		}
	}
	return "", ""
}

// ============================================================================
// Serialization helpers
// ============================================================================

// serializableVertex is the JSON-serializable form of a Vertex.
type serializableVertex struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// serializableEdge is the JSON-serializable form of an Edge.
type serializableEdge struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
}

func encodeVertex(v *Vertex) ([]byte, error) {
	return json.Marshal(serializableVertex{
		ID:         string(v.ID),
		Properties: v.Properties,
		CreatedAt:  v.CreatedAt.UnixNano(),
		UpdatedAt:  v.UpdatedAt.UnixNano(),
	})
}

func decodeVertex(data []byte) (*Vertex, error) {
	var sv serializableVertex
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, err
	}
	return &Vertex{
		ID:         VertexID(sv.ID),
		Properties: sv.Properties,
		CreatedAt:  nanoToTime(sv.CreatedAt),
		UpdatedAt:  nanoToTime(sv.UpdatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:         string(e.ID),
		Source:     string(e.Source),
		Target:     string(e.Target),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.UnixNano(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	return &Edge{
		ID:         EdgeID(se.ID),
		Source:     VertexID(se.Source),
		Target:     VertexID(se.Target),
		Type:       se.Type,
		Properties: se.Properties,
		CreatedAt:  nanoToTime(se.CreatedAt),
	}, nil
}

func nanoToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ============================================================================
// Reads
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// GetVertex retrieves a vertex by ID.
func (b *BadgerEngine) GetVertex(id VertexID) (*Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var v *Vertex
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = getVertexInTxn(txn, id)
		return err
	})
	return v, err
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var e *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEdgeInTxn(txn, id)
		return err
	})
	return e, err
}

func getVertexInTxn(txn *badger.Txn, id VertexID) (*Vertex, error) {
	item, err := txn.Get(vertexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v *Vertex
	err = item.Value(func(val []byte) error {
		var decErr error
		v, decErr = decodeVertex(val)
		return decErr
	})
	return v, err
}

func getEdgeInTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e *Edge
	err = item.Value(func(val []byte) error {
		var decErr error
		e, decErr = decodeEdge(val)
		return decErr
	})
	return e, err
}

// OutgoingEdges returns all edges whose source is the given vertex.
func (b *BadgerEngine) OutgoingEdges(id VertexID) ([]*Edge, error) {
	return b.adjacentEdges(prefixOutgoingIndex, id)
}

// IncomingEdges returns all edges whose target is the given vertex.
func (b *BadgerEngine) IncomingEdges(id VertexID) ([]*Edge, error) {
	return b.adjacentEdges(prefixIncomingIndex, id)
}

func (b *BadgerEngine) adjacentEdges(prefixByte byte, id VertexID) ([]*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := adjacentIDsInTxn(txn, prefixByte, id)
		if err != nil {
			return err
		}
		for _, edgeID := range ids {
			e, err := getEdgeInTxn(txn, edgeID)
			if err != nil {
				return fmt.Errorf("edge %s: %w", edgeID, err)
			}
			edges = append(edges, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func adjacentIDsInTxn(txn *badger.Txn, prefixByte byte, id VertexID) ([]EdgeID, error) {
	prefix := adjacencyPrefix(prefixByte, id)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []EdgeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if edgeID := extractEdgeIDFromIndexKey(it.Item().KeyCopy(nil)); edgeID != "" {
			ids = append(ids, edgeID)
		}
	}
	return ids, nil
}

// AllVertices returns every vertex sorted by ID.
func (b *BadgerEngine) AllVertices() ([]*Vertex, error) {
	var out []*Vertex
	err := b.StreamVertices(context.Background(), func(v *Vertex) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// AllEdges returns every edge sorted by ID.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixEdge}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEdge(val)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// StreamVertices implements StreamingEngine. Vertices arrive in ID order
// and ctx is checked before each one.
func (b *BadgerEngine) StreamVertices(ctx context.Context, fn func(v *Vertex) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixVertex}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var v *Vertex
			err := it.Item().Value(func(val []byte) error {
				var decErr error
				v, decErr = decodeVertex(val)
				return decErr
			})
			if err != nil {
				continue // Skip undecodable vertices
			}
			if err := fn(v); err != nil {
				if errors.Is(err, ErrIterationStopped) {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// Indexes returns the names of all indexes, sorted.
func (b *BadgerEngine) Indexes() ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixIndexName}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[1:]))
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// IndexGet returns the vertices stored under key, sorted by ID.
func (b *BadgerEngine) IndexGet(index, key string) ([]VertexID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids := []VertexID{}
	err := b.db.View(func(txn *badger.Txn) error {
		if err := indexExistsInTxn(txn, index); err != nil {
			return err
		}
		prefix := indexKeyPrefix(index, key)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, VertexID(it.Item().KeyCopy(nil)[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// IndexEntries returns every entry of the index sorted by key then vertex.
func (b *BadgerEngine) IndexEntries(index string) ([]IndexEntry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var entries []IndexEntry
	err := b.db.View(func(txn *badger.Txn) error {
		if err := indexExistsInTxn(txn, index); err != nil {
			return err
		}
		prefix := indexEntryPrefix(index)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key, id := splitIndexEntry(it.Item().KeyCopy(nil)[len(prefix):])
			entries = append(entries, IndexEntry{Key: key, Vertex: id})
		}
		return nil
	})
	sortEntries(entries)
	return entries, err
}

func indexExistsInTxn(txn *badger.Txn, index string) error {
	_, err := txn.Get(indexNameKey(index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	return err
}

// ============================================================================
// Writes
// ============================================================================

// Apply performs every operation of the batch in one badger transaction.
func (b *BadgerEngine) Apply(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for i, op := range batch.Operations {
			if err := b.applyInTxn(txn, op); err != nil {
				return fmt.Errorf("batch %s operation %d (%s): %w", batch.ID, i, op.Type, err)
			}
		}
		return nil
	})
}

func (b *BadgerEngine) applyInTxn(txn *badger.Txn, op Operation) error {
	switch op.Type {
	case OpPutVertex:
		v := copyVertex(op.Vertex)
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now()
		}
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = v.CreatedAt
		}
		data, err := encodeVertex(v)
		if err != nil {
			return fmt.Errorf("failed to encode vertex: %w", err)
		}
		return txn.Set(vertexKey(v.ID), data)

	case OpDeleteVertex:
		if _, err := getVertexInTxn(txn, op.VertexID); err != nil {
			return err
		}
		for _, p := range []byte{prefixOutgoingIndex, prefixIncomingIndex} {
			ids, err := adjacentIDsInTxn(txn, p, op.VertexID)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				return fmt.Errorf("vertex %s still has edges: %w", op.VertexID, ErrInvalidData)
			}
		}
		return txn.Delete(vertexKey(op.VertexID))

	case OpPutEdge:
		e := copyEdge(op.Edge)
		for _, endpoint := range []VertexID{e.Source, e.Target} {
			if _, err := getVertexInTxn(txn, endpoint); err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrInvalidEdge
				}
				return err
			}
		}
		old, err := getEdgeInTxn(txn, e.ID)
		switch {
		case err == nil:
			if old.Source != e.Source || old.Target != e.Target {
				return fmt.Errorf("edge %s endpoints are immutable: %w", e.ID, ErrInvalidData)
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		data, err := encodeEdge(e)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(edgeKey(e.ID), data); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixOutgoingIndex, e.Source, e.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixIncomingIndex, e.Target, e.ID), []byte{})

	case OpDeleteEdge:
		e, err := getEdgeInTxn(txn, op.EdgeID)
		if err != nil {
			return err
		}
		if err := txn.Delete(adjacencyKey(prefixOutgoingIndex, e.Source, e.ID)); err != nil {
			return err
		}
		if err := txn.Delete(adjacencyKey(prefixIncomingIndex, e.Target, e.ID)); err != nil {
			return err
		}
		return txn.Delete(edgeKey(e.ID))

	case OpCreateIndex:
		return txn.Set(indexNameKey(op.Index), []byte{})

	case OpIndexPut:
		if err := indexExistsInTxn(txn, op.Index); err != nil {
			return err
		}
		return txn.Set(indexEntryKey(op.Index, op.Key, op.VertexID), []byte{})

	case OpIndexRemove:
		if err := indexExistsInTxn(txn, op.Index); err != nil {
			return err
		}
		return txn.Delete(indexEntryKey(op.Index, op.Key, op.VertexID))
	}
	return ErrInvalidData
}

// ============================================================================
// Stats and Lifecycle
// ============================================================================

// VertexCount returns the total number of vertices.
func (b *BadgerEngine) VertexCount() (int64, error) {
	return b.countPrefix(prefixVertex)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(p byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{p}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// Should be called periodically for long-running applications.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Verify BadgerEngine implements StreamingEngine
var _ StreamingEngine = (*BadgerEngine)(nil)
