package store

import (
	"fmt"
	"strings"

	"github.com/illmade-knight/go-kubemirror/pkg/object"
)

// NamespaceIndex is the name under which the default namespace index is
// registered.
const NamespaceIndex = "namespace"

// MetaKeyFunc is the default KeyFunc for items exposing object metadata:
// "<namespace>/<name>", or the bare name for cluster-scoped items.
func MetaKeyFunc[T object.Object](obj T) (string, error) {
	name := obj.GetName()
	if name == "" {
		return "", fmt.Errorf("%w: object has no name", ErrInvalidObject)
	}
	if ns := obj.GetNamespace(); ns != "" {
		return ns + "/" + name, nil
	}
	return name, nil
}

// NamespacedKey builds the store key MetaKeyFunc would produce for the given
// coordinates.
func NamespacedKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

// SplitKey is the inverse of NamespacedKey. A key without a separator is a
// cluster-scoped name.
func SplitKey(key string) (namespace, name string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// NamespaceIndexFunc is the default IndexFunc indexing items by namespace.
// Cluster-scoped items produce no index values.
func NamespaceIndexFunc[T object.Object](obj T) ([]string, error) {
	ns := obj.GetNamespace()
	if ns == "" {
		return nil, nil
	}
	return []string{ns}, nil
}

// DefaultIndexers returns the indexer set a mirror cache is normally built
// with: the namespace index only.
func DefaultIndexers[T object.Object]() Indexers[T] {
	return Indexers[T]{NamespaceIndex: NamespaceIndexFunc[T]}
}
