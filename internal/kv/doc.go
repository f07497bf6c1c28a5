// Package kv provides a small key-value abstraction over several backends.
//
// # Overview
//
// The Store interface covers the byte-blob persistence the thread store
// needs:
//
//	type Store interface {
//	    Get(ctx context.Context, key string) ([]byte, error)
//	    Set(ctx context.Context, key string, value []byte) error
//	    Delete(ctx context.Context, key string) error
//	}
//
// Get returns ErrNotFound for missing keys.
//
// # Backends
//
//   - Memory: in-process map, used in tests and the memory storage backend
//   - File: one file per key under a directory, atomic temp-file writes
//   - SQLite: single kv table with WAL mode, via modernc.org/sqlite
//
// All backends return defensive copies so callers cannot mutate stored
// state through a returned slice.
package kv
