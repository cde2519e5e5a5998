package cache

import (
	"context"
	"time"
)

// Storage is the persistent substrate for versioned cache namespaces.
// Each namespace is a named key-value store of serialized HTTP responses.
// Namespaces are never mutated in place on a version bump: a new one is
// opened and the stale ones are deleted during worker activation.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns a handle to the named namespace, creating it if absent.
	// Opening an existing namespace must not touch its entries.
	Open(ctx context.Context, name string) (Cache, error)
	// Keys returns the names of all namespaces, including empty ones.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named namespace and all its entries.
	// It reports whether the namespace existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache is a handle to a single namespace.
// Puts are atomic per key; nothing is guaranteed across keys except
// PutAll, which stores all given entries or none of them.
type Cache interface {
	// Match returns the entry stored under the given key.
	// The boolean reports whether the key was found.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, overwriting any previous entry under the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries as a unit. If any store fails,
	// no entry is retained.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in the namespace.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry for the given key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// Entry is a stored response snapshot.
// Bytes holds the HTTP/1.1 serialization of the response
// (status line, headers and body).
type Entry struct {
	Key       string
	FetchedAt time.Time
	Bytes     []byte
}
