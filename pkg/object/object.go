// Package object defines the minimal metadata contract a mirrored API
// resource must expose. The store and reflector packages are generic over the
// item type and only touch it through this interface (or through injected
// accessor functions), so callers are free to mirror typed structs or
// dynamic map-backed representations alike.
package object

import (
	"time"
)

// Object is implemented by any item carrying standard API object metadata.
// The default key and index functions in the store package operate on it.
type Object interface {
	GetName() string
	GetNamespace() string
	GetUID() string
	GetResourceVersion() string
}

// TypeMeta identifies the kind and API version of a resource.
type TypeMeta struct {
	Kind       string `json:"kind,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// Metadata is an embeddable implementation of Object mirroring the standard
// `metadata` block of a Kubernetes-style resource. Embed it with a
// `json:"metadata"` tag so the wire format's nesting is preserved.
type Metadata struct {
	Name              string            `json:"name,omitempty"`
	Namespace         string            `json:"namespace,omitempty"`
	UID               string            `json:"uid,omitempty"`
	ResourceVersion   string            `json:"resourceVersion,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
}

func (m Metadata) GetName() string            { return m.Name }
func (m Metadata) GetNamespace() string       { return m.Namespace }
func (m Metadata) GetUID() string             { return m.UID }
func (m Metadata) GetResourceVersion() string { return m.ResourceVersion }
