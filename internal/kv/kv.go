// Package kv provides the key-value cache backends the worker persists its
// state and enrichment responses in.
//
// Two backends are available: Redis (the default, shared between processes) and
// SQLite (a single file for hosts without a Redis server). Both honour an
// optional per-key TTL and report misses with ErrNotFound.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a string-keyed blob store.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key. A zero ttl keeps the value until overwritten.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetMany writes every entry or none of them, in order.
	SetMany(ctx context.Context, entries []Entry, ttl time.Duration) error
	Close() error
}

// Entry is one key/value pair of a SetMany batch.
type Entry struct {
	Key   string
	Value []byte
}

func entryKeys(entries []Entry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Redis      RedisOptions
	SQLitePath string
}

// Open connects to the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendRedis, "":
		return NewRedis(ctx, opts.Redis)
	case BackendSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", opts.Backend)
	}
}
