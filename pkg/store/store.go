// Package store provides the indexed object containers backing a local
// mirror of remote API resources: the Store contract, a thread-safe in-memory
// Cache with named secondary indices, a namespace-scoped Lister facade, and a
// Redis-backed Store for mirrors shared across processes.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidObject is wrapped by every error caused by an item the key or
// index functions cannot interpret. It always indicates a caller/data defect
// and is never worth retrying.
var ErrInvalidObject = errors.New("invalid object")

// invalidObject classifies a key or index derivation failure, avoiding double
// wrapping when the underlying function already reported one.
func invalidObject(err error) error {
	if errors.Is(err, ErrInvalidObject) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInvalidObject, err)
}

// KeyFunc derives the stable store key for an item. It returns an error when
// the item lacks the fields needed to build a key.
type KeyFunc[T any] func(obj T) (string, error)

// IndexFunc computes the set of index values an item exhibits under one named
// index. Returning an empty slice is valid and simply leaves the item out of
// that index.
type IndexFunc[T any] func(obj T) ([]string, error)

// Indexers maps index names to the functions that compute their values.
type Indexers[T any] map[string]IndexFunc[T]

// Index maps an indexed value to the set of store keys of items exhibiting it.
type Index map[string]map[string]struct{}

// Store is the contract for an object container keyed by a KeyFunc. Add and
// Update share upsert semantics; Delete of an absent item is a no-op.
//
// Every method accepts a context so remote-backed implementations can honour
// deadlines; the in-memory Cache ignores it.
type Store[T any] interface {
	Add(ctx context.Context, obj T) error
	Update(ctx context.Context, obj T) error
	Delete(ctx context.Context, obj T) error

	// List and ListKeys return point-in-time copies, never live views.
	List(ctx context.Context) ([]T, error)
	ListKeys(ctx context.Context) ([]string, error)

	Get(ctx context.Context, obj T) (item T, exists bool, err error)
	GetByKey(ctx context.Context, key string) (item T, exists bool, err error)

	// Replace atomically discards all current content and rebuilds it from
	// items. resourceVersion is recorded as an opaque cursor marker only.
	Replace(ctx context.Context, items []T, resourceVersion string) error

	// Resync is a hook for periodic re-delivery to downstream consumers; the
	// store itself holds no timers.
	Resync(ctx context.Context) error
}

// Indexer extends Store with multi-attribute lookup over named indices.
type Indexer[T any] interface {
	Store[T]

	// Index returns all items sharing any index value with obj under the
	// named index, de-duplicated.
	Index(ctx context.Context, indexName string, obj T) ([]T, error)
	// IndexKeys returns the store keys of items exhibiting indexedValue.
	IndexKeys(ctx context.Context, indexName, indexedValue string) ([]string, error)
	// ByIndex returns the items exhibiting indexedValue under the named
	// index. An unknown index or value yields an empty result, not an error.
	ByIndex(ctx context.Context, indexName, indexedValue string) ([]T, error)

	// AddIndexers registers additional named index functions. New indices
	// start empty and are only populated by subsequent mutations; existing
	// items are not retroactively indexed.
	AddIndexers(indexers Indexers[T]) error
}
