package store

import (
	"context"
	"fmt"
	"sync"
)

// Cache is a thread-safe, in-memory Indexer implementation. A single mutex
// guards the item map and all indices together, so concurrent readers observe
// either the fully-old or the fully-new state of a mutation, never a partial
// index update.
//
// All index bookkeeping runs through unexported helpers that assume the lock
// is already held; only the public entry points acquire it, and only once.
type Cache[T any] struct {
	keyFunc KeyFunc[T]

	mu       sync.Mutex
	items    map[string]T
	indexers Indexers[T]
	indices  map[string]Index

	// resourceVersion is the cursor recorded by the last Replace. It is
	// opaque bookkeeping, not a correctness input.
	resourceVersion string
}

// NewCache creates an empty cache keyed by keyFunc with the given named
// indices. Pass nil indexers for a plain key/value store.
func NewCache[T any](keyFunc KeyFunc[T], indexers Indexers[T]) (*Cache[T], error) {
	if keyFunc == nil {
		return nil, fmt.Errorf("keyFunc cannot be nil")
	}
	c := &Cache[T]{
		keyFunc:  keyFunc,
		items:    make(map[string]T),
		indexers: make(Indexers[T], len(indexers)),
		indices:  make(map[string]Index, len(indexers)),
	}
	for name, fn := range indexers {
		if fn == nil {
			return nil, fmt.Errorf("index function for %q cannot be nil", name)
		}
		c.indexers[name] = fn
		c.indices[name] = Index{}
	}
	return c, nil
}

// Add upserts obj. It shares Update's semantics.
func (c *Cache[T]) Add(ctx context.Context, obj T) error {
	return c.Update(ctx, obj)
}

// Update upserts obj under its computed key and synchronously reconciles
// every registered index. A failing key or index derivation leaves the cache
// untouched.
func (c *Cache[T]) Update(_ context.Context, obj T) error {
	key, err := c.objectKey(obj)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newValues, err := c.indexValues(obj)
	if err != nil {
		return err
	}
	var oldValues map[string][]string
	if old, exists := c.items[key]; exists {
		oldValues = c.knownIndexValues(old, key)
	}
	c.items[key] = obj
	c.updateIndices(oldValues, newValues, key)
	return nil
}

// Delete removes obj's key from the item map and from every index value set
// it belongs to. Deleting an absent item is a no-op.
func (c *Cache[T]) Delete(_ context.Context, obj T) error {
	key, err := c.objectKey(obj)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.items[key]
	if !exists {
		return nil
	}
	oldValues := c.knownIndexValues(old, key)
	delete(c.items, key)
	c.updateIndices(oldValues, nil, key)
	return nil
}

// List returns a snapshot of all items.
func (c *Cache[T]) List(context.Context) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]T, 0, len(c.items))
	for _, item := range c.items {
		list = append(list, item)
	}
	return list, nil
}

// ListKeys returns a snapshot of all keys.
func (c *Cache[T]) ListKeys(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys, nil
}

// Get returns the current item stored under obj's key, if any.
func (c *Cache[T]) Get(ctx context.Context, obj T) (T, bool, error) {
	key, err := c.objectKey(obj)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return c.GetByKey(ctx, key)
}

// GetByKey returns the current item for key. A missing key is not an error.
func (c *Cache[T]) GetByKey(_ context.Context, key string) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, exists := c.items[key]
	return item, exists, nil
}

// Replace atomically discards all existing items and indices and rebuilds
// them from items. A failing key or index derivation for any item aborts the
// whole replacement before anything is discarded.
func (c *Cache[T]) Replace(_ context.Context, items []T, resourceVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newItems := make(map[string]T, len(items))
	newIndices := make(map[string]Index, len(c.indexers))
	for name := range c.indexers {
		newIndices[name] = Index{}
	}
	for _, obj := range items {
		key, err := c.objectKey(obj)
		if err != nil {
			return err
		}
		values, err := c.indexValues(obj)
		if err != nil {
			return err
		}
		newItems[key] = obj
		for name, vals := range values {
			index := newIndices[name]
			for _, v := range vals {
				set := index[v]
				if set == nil {
					set = map[string]struct{}{}
					index[v] = set
				}
				set[key] = struct{}{}
			}
		}
	}

	c.items = newItems
	c.indices = newIndices
	c.resourceVersion = resourceVersion
	return nil
}

// Resync is a no-op hook reserved for periodic re-delivery to downstream
// consumers.
func (c *Cache[T]) Resync(context.Context) error {
	return nil
}

// Index returns all items sharing any index value with obj under the named
// index, de-duplicated.
func (c *Cache[T]) Index(_ context.Context, indexName string, obj T) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn, ok := c.indexers[indexName]
	if !ok {
		return nil, nil
	}
	values, err := fn(obj)
	if err != nil {
		return nil, invalidObject(fmt.Errorf("index %q: %w", indexName, err))
	}
	index := c.indices[indexName]
	seen := map[string]struct{}{}
	var result []T
	for _, v := range values {
		for key := range index[v] {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, c.items[key])
		}
	}
	return result, nil
}

// IndexKeys returns the store keys of items exhibiting indexedValue under the
// named index.
func (c *Cache[T]) IndexKeys(_ context.Context, indexName, indexedValue string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.indices[indexName][indexedValue]
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	return keys, nil
}

// ByIndex returns the items exhibiting indexedValue under the named index.
func (c *Cache[T]) ByIndex(_ context.Context, indexName, indexedValue string) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.indices[indexName][indexedValue]
	items := make([]T, 0, len(set))
	for key := range set {
		items = append(items, c.items[key])
	}
	return items, nil
}

// AddIndexers registers additional named index functions. Newly added indices
// start empty; existing items are not retroactively indexed.
func (c *Cache[T]) AddIndexers(indexers Indexers[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, fn := range indexers {
		if fn == nil {
			return fmt.Errorf("index function for %q cannot be nil", name)
		}
		if _, exists := c.indexers[name]; exists {
			return fmt.Errorf("indexer %q already registered", name)
		}
	}
	for name, fn := range indexers {
		c.indexers[name] = fn
		c.indices[name] = Index{}
	}
	return nil
}

// objectKey derives obj's store key, classifying any failure as an
// ErrInvalidObject.
func (c *Cache[T]) objectKey(obj T) (string, error) {
	key, err := c.keyFunc(obj)
	if err != nil {
		return "", invalidObject(err)
	}
	return key, nil
}

// indexValues computes obj's values under every registered index, failing
// before any state is touched. Callers must hold the lock.
func (c *Cache[T]) indexValues(obj T) (map[string][]string, error) {
	values := make(map[string][]string, len(c.indexers))
	for name, fn := range c.indexers {
		vals, err := fn(obj)
		if err != nil {
			return nil, invalidObject(fmt.Errorf("index %q: %w", name, err))
		}
		values[name] = vals
	}
	return values, nil
}

// knownIndexValues recomputes the index values a stored item was indexed
// under. Index functions are deterministic, so this normally mirrors what was
// recorded at insert time; if a function registered after the insert rejects
// the item, the indices are scanned for the key instead so no stale entry can
// survive. Callers must hold the lock.
func (c *Cache[T]) knownIndexValues(old T, key string) map[string][]string {
	values := make(map[string][]string, len(c.indexers))
	for name, fn := range c.indexers {
		vals, err := fn(old)
		if err != nil {
			vals = nil
			for v, set := range c.indices[name] {
				if _, ok := set[key]; ok {
					vals = append(vals, v)
				}
			}
		}
		values[name] = vals
	}
	return values
}

// updateIndices moves key from its old index value sets to its new ones.
// Either side may be nil (insert, delete). Callers must hold the lock.
func (c *Cache[T]) updateIndices(oldValues, newValues map[string][]string, key string) {
	for name := range c.indexers {
		oldVals := oldValues[name]
		newVals := newValues[name]

		// Fast path: unchanged singleton value set.
		if len(oldVals) == 1 && len(newVals) == 1 && oldVals[0] == newVals[0] {
			continue
		}

		index := c.indices[name]
		if index == nil {
			index = Index{}
			c.indices[name] = index
		}
		for _, v := range oldVals {
			if containsValue(newVals, v) {
				continue
			}
			set := index[v]
			delete(set, key)
			if len(set) == 0 {
				delete(index, v)
			}
		}
		for _, v := range newVals {
			set := index[v]
			if set == nil {
				set = map[string]struct{}{}
				index[v] = set
			}
			set[key] = struct{}{}
		}
	}
}

func containsValue(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
