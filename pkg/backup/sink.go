// Package backup stores Neo4j-format snapshots of a mindtree graph in a
// blob sink and loads them back.
//
// Three sinks are provided: a local directory (fs), process memory (memory,
// for tests) and any S3-compatible bucket (s3). Object keys are
// slash-separated and never overwritten: Put on an existing key fails with
// ErrExists.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/orneryd/mindtree/pkg/config"
)

// Driver identifies a sink implementation.
type Driver string

const (
	DriverFS     Driver = "fs"
	DriverMemory Driver = "memory"
	DriverS3     Driver = "s3"
)

var (
	ErrNotFound = errors.New("backup: object not found")
	ErrExists   = errors.New("backup: object already exists")
	ErrEmpty    = errors.New("backup: no backups")
	ErrInvalid  = errors.New("backup: invalid key")
)

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Sink is a minimal blob store.
type Sink interface {
	// Put stores r under key. Existing keys are never replaced.
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// Open builds the sink selected by cfg.
func Open(ctx context.Context, cfg config.BackupConfig) (Sink, error) {
	switch Driver(cfg.Driver) {
	case DriverFS, "":
		return NewFSSink(cfg.Dir)
	case DriverMemory:
		return NewMemorySink(), nil
	case DriverS3:
		return NewS3Sink(ctx, S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			// Custom endpoints are MinIO and friends, which want path-style.
			PathStyle: cfg.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("backup: unknown driver %q", cfg.Driver)
	}
}

// checkKey rejects keys that could escape a sink's root.
func checkKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty key", ErrInvalid)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: absolute key %q", ErrInvalid, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains '..'", ErrInvalid, key)
		}
	}
	return nil
}
