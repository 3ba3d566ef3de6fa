package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // register sqlite as a database/sql driver
)

// SQL drivers understood by OpenSQLEngine.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS vertices (
		id TEXT PRIMARY KEY,
		properties TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		properties TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS edges_source ON edges(source)`,
	`CREATE INDEX IF NOT EXISTS edges_target ON edges(target)`,
	`CREATE TABLE IF NOT EXISTS index_names (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS index_entries (
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		vertex TEXT NOT NULL,
		PRIMARY KEY (name, key, vertex)
	)`,
}

// SQLEngine stores the graph in four tables over database/sql.
//
// It runs on SQLite (modernc.org/sqlite, pure Go) for single-user files and
// on Postgres (pgx) for shared deployments. Each Apply is one SQL
// transaction.
type SQLEngine struct {
	db     *sql.DB
	driver string
}

// OpenSQLEngine opens the database, pings it and creates the schema.
//
// Example:
//
//	engine, err := storage.OpenSQLEngine(ctx, storage.DriverSQLite, "mindtree.db")
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
func OpenSQLEngine(ctx context.Context, driver, dsn string) (*SQLEngine, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q: %w", driver, ErrInvalidData)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	e := &SQLEngine{db: db, driver: driver}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return e, nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (e *SQLEngine) rebind(query string) string {
	if e.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func encodeProps(props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	return string(data), err
}

func decodeProps(data string) (map[string]any, error) {
	var props map[string]any
	if err := json.Unmarshal([]byte(data), &props); err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

// ============================================================================
// Reads
// ============================================================================

// GetVertex retrieves a vertex by ID.
func (e *SQLEngine) GetVertex(id VertexID) (*Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return e.getVertex(context.Background(), e.db, id)
}

func (e *SQLEngine) getVertex(ctx context.Context, q querier, id VertexID) (*Vertex, error) {
	row := q.QueryRowContext(ctx, e.rebind(`SELECT id, properties, created_at, updated_at FROM vertices WHERE id = ?`), string(id))
	v, err := scanVertex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// GetEdge retrieves an edge by ID.
func (e *SQLEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return e.getEdge(context.Background(), e.db, id)
}

func (e *SQLEngine) getEdge(ctx context.Context, q querier, id EdgeID) (*Edge, error) {
	row := q.QueryRowContext(ctx, e.rebind(`SELECT id, source, target, type, properties, created_at FROM edges WHERE id = ?`), string(id))
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return edge, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVertex(row rowScanner) (*Vertex, error) {
	var (
		id, props        string
		created, updated int64
	)
	if err := row.Scan(&id, &props, &created, &updated); err != nil {
		return nil, err
	}
	p, err := decodeProps(props)
	if err != nil {
		return nil, fmt.Errorf("vertex %s: %w", id, err)
	}
	return &Vertex{ID: VertexID(id), Properties: p, CreatedAt: nanoToTime(created), UpdatedAt: nanoToTime(updated)}, nil
}

func scanEdge(row rowScanner) (*Edge, error) {
	var (
		id, source, target, typ, props string
		created                        int64
	)
	if err := row.Scan(&id, &source, &target, &typ, &props, &created); err != nil {
		return nil, err
	}
	p, err := decodeProps(props)
	if err != nil {
		return nil, fmt.Errorf("edge %s: %w", id, err)
	}
	return &Edge{
		ID:         EdgeID(id),
		Source:     VertexID(source),
		Target:     VertexID(target),
		Type:       typ,
		Properties: p,
		CreatedAt:  nanoToTime(created),
	}, nil
}

// OutgoingEdges returns all edges whose source is the given vertex.
func (e *SQLEngine) OutgoingEdges(id VertexID) ([]*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return e.queryEdges(context.Background(), e.db, `WHERE source = ? ORDER BY id`, string(id))
}

// IncomingEdges returns all edges whose target is the given vertex.
func (e *SQLEngine) IncomingEdges(id VertexID) ([]*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return e.queryEdges(context.Background(), e.db, `WHERE target = ? ORDER BY id`, string(id))
}

// AllEdges returns every edge sorted by ID.
func (e *SQLEngine) AllEdges() ([]*Edge, error) {
	return e.queryEdges(context.Background(), e.db, `ORDER BY id`)
}

func (e *SQLEngine) queryEdges(ctx context.Context, q querier, where string, args ...any) ([]*Edge, error) {
	rows, err := q.QueryContext(ctx, e.rebind(`SELECT id, source, target, type, properties, created_at FROM edges `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := []*Edge{}
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// AllVertices returns every vertex sorted by ID.
func (e *SQLEngine) AllVertices() ([]*Vertex, error) {
	var out []*Vertex
	err := e.StreamVertices(context.Background(), func(v *Vertex) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// StreamVertices implements StreamingEngine over a single cursor.
// On SQLite the cursor holds the only connection, so fn must not call back
// into the engine.
func (e *SQLEngine) StreamVertices(ctx context.Context, fn func(v *Vertex) error) error {
	rows, err := e.db.QueryContext(ctx, `SELECT id, properties, created_at, updated_at FROM vertices ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := scanVertex(rows)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// Indexes returns the names of all indexes, sorted.
func (e *SQLEngine) Indexes() ([]string, error) {
	rows, err := e.db.Query(`SELECT name FROM index_names ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *SQLEngine) indexExists(ctx context.Context, q querier, index string) error {
	var name string
	err := q.QueryRowContext(ctx, e.rebind(`SELECT name FROM index_names WHERE name = ?`), index).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index %q: %w", index, ErrNotFound)
	}
	return err
}

// IndexGet returns the vertices stored under key, sorted by ID.
func (e *SQLEngine) IndexGet(index, key string) ([]VertexID, error) {
	ctx := context.Background()
	if err := e.indexExists(ctx, e.db, index); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, e.rebind(`SELECT vertex FROM index_entries WHERE name = ? AND key = ? ORDER BY vertex`), index, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []VertexID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, VertexID(id))
	}
	return ids, rows.Err()
}

// IndexEntries returns every entry of the index sorted by key then vertex.
func (e *SQLEngine) IndexEntries(index string) ([]IndexEntry, error) {
	ctx := context.Background()
	if err := e.indexExists(ctx, e.db, index); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, e.rebind(`SELECT key, vertex FROM index_entries WHERE name = ? ORDER BY key, vertex`), index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		entries = append(entries, IndexEntry{Key: key, Vertex: VertexID(id)})
	}
	return entries, rows.Err()
}

// ============================================================================
// Writes
// ============================================================================

// Apply performs every operation of the batch in one SQL transaction.
func (e *SQLEngine) Apply(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for i, op := range batch.Operations {
		if err := e.applyInTx(ctx, tx, op); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("batch %s operation %d (%s): %w", batch.ID, i, op.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}
	return nil
}

func (e *SQLEngine) applyInTx(ctx context.Context, tx *sql.Tx, op Operation) error {
	switch op.Type {
	case OpPutVertex:
		v := op.Vertex
		now := time.Now()
		created, updated := v.CreatedAt, v.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = created
		}
		props, err := encodeProps(v.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode vertex: %w", err)
		}
		_, err = tx.ExecContext(ctx, e.rebind(`INSERT INTO vertices (id, properties, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET properties = excluded.properties, updated_at = excluded.updated_at`),
			string(v.ID), props, created.UnixNano(), updated.UnixNano())
		return err

	case OpDeleteVertex:
		if _, err := e.getVertex(ctx, tx, op.VertexID); err != nil {
			return err
		}
		var n int
		err := tx.QueryRowContext(ctx, e.rebind(`SELECT COUNT(*) FROM edges WHERE source = ? OR target = ?`),
			string(op.VertexID), string(op.VertexID)).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("vertex %s still has edges: %w", op.VertexID, ErrInvalidData)
		}
		_, err = tx.ExecContext(ctx, e.rebind(`DELETE FROM vertices WHERE id = ?`), string(op.VertexID))
		return err

	case OpPutEdge:
		edge := op.Edge
		for _, endpoint := range []VertexID{edge.Source, edge.Target} {
			if _, err := e.getVertex(ctx, tx, endpoint); err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrInvalidEdge
				}
				return err
			}
		}
		old, err := e.getEdge(ctx, tx, edge.ID)
		switch {
		case err == nil:
			if old.Source != edge.Source || old.Target != edge.Target {
				return fmt.Errorf("edge %s endpoints are immutable: %w", edge.ID, ErrInvalidData)
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		created := edge.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		props, err := encodeProps(edge.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		_, err = tx.ExecContext(ctx, e.rebind(`INSERT INTO edges (id, source, target, type, properties, created_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET type = excluded.type, properties = excluded.properties`),
			string(edge.ID), string(edge.Source), string(edge.Target), edge.Type, props, created.UnixNano())
		return err

	case OpDeleteEdge:
		res, err := tx.ExecContext(ctx, e.rebind(`DELETE FROM edges WHERE id = ?`), string(op.EdgeID))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil

	case OpCreateIndex:
		_, err := tx.ExecContext(ctx, e.rebind(`INSERT INTO index_names (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), op.Index)
		return err

	case OpIndexPut:
		if err := e.indexExists(ctx, tx, op.Index); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, e.rebind(`INSERT INTO index_entries (name, key, vertex) VALUES (?, ?, ?) ON CONFLICT (name, key, vertex) DO NOTHING`),
			op.Index, op.Key, string(op.VertexID))
		return err

	case OpIndexRemove:
		if err := e.indexExists(ctx, tx, op.Index); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, e.rebind(`DELETE FROM index_entries WHERE name = ? AND key = ? AND vertex = ?`),
			op.Index, op.Key, string(op.VertexID))
		return err
	}
	return ErrInvalidData
}

// ============================================================================
// Stats and Lifecycle
// ============================================================================

// VertexCount returns the total number of vertices.
func (e *SQLEngine) VertexCount() (int64, error) {
	var n int64
	err := e.db.QueryRow(`SELECT COUNT(*) FROM vertices`).Scan(&n)
	return n, err
}

// EdgeCount returns the total number of edges.
func (e *SQLEngine) EdgeCount() (int64, error) {
	var n int64
	err := e.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&n)
	return n, err
}

// Close closes the database handle.
func (e *SQLEngine) Close() error {
	return e.db.Close()
}

// Verify SQLEngine implements StreamingEngine
var _ StreamingEngine = (*SQLEngine)(nil)
