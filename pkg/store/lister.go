package store

import (
	"context"
)

// Lister is a read-only, namespace-scoped query facade over an Indexer.
// Listers are cheap, stateless views: all mutable state lives in the backing
// store, and rebinding to another namespace yields a new value sharing it.
type Lister[T any] struct {
	indexer   Indexer[T]
	namespace string
}

// NewLister creates a Lister over indexer scoped to all namespaces.
func NewLister[T any](indexer Indexer[T]) Lister[T] {
	return Lister[T]{indexer: indexer}
}

// Namespace returns a Lister bound to the given namespace. An empty namespace
// means all namespaces.
func (l Lister[T]) Namespace(namespace string) Lister[T] {
	return Lister[T]{indexer: l.indexer, namespace: namespace}
}

// List returns the mirrored items in the Lister's scope.
func (l Lister[T]) List(ctx context.Context) ([]T, error) {
	if l.namespace == "" {
		return l.indexer.List(ctx)
	}
	return l.indexer.ByIndex(ctx, NamespaceIndex, l.namespace)
}

// Get returns the mirrored item with the given name. When the Lister is
// scoped to all namespaces, name is treated as a full store key.
func (l Lister[T]) Get(ctx context.Context, name string) (T, bool, error) {
	key := name
	if l.namespace != "" {
		key = NamespacedKey(l.namespace, name)
	}
	return l.indexer.GetByKey(ctx, key)
}
