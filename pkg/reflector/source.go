// Package reflector drives a long-lived watch subscription against a remote
// resource-oriented API server, applies the observed changes to a local
// store, and reconnects automatically per a retry strategy. The transport is
// an injected collaborator: anything able to list a collection and stream
// change events can feed a Reflector.
package reflector

import (
	"context"
	"errors"
	"io"
)

// ErrConnection wraps any transport-level failure during connect or read.
// Connection errors drive reconnection and are retried per policy.
var ErrConnection = errors.New("connection failed")

// ErrResourceExpired indicates the server no longer accepts the requested
// resource version; the task must relist from latest instead of resuming.
var ErrResourceExpired = errors.New("resource version expired")

// ErrMaxRetriesReached is the terminal failure surfaced exactly once when a
// bounded retry budget is exhausted.
var ErrMaxRetriesReached = errors.New("maximum retries reached")

// EventType classifies a watch stream event.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
	Error    EventType = "ERROR"
)

// Event is one decoded entry of a watch stream. Object is meaningful for
// Added/Modified/Deleted; Bookmark events carry only ResourceVersion, and
// Error events carry only Err.
type Event[T any] struct {
	Type            EventType
	Object          T
	ResourceVersion string
	Err             error
}

// ListResult is a point-in-time snapshot of a collection together with the
// cursor from which a watch can resume.
type ListResult[T any] struct {
	Items           []T
	ResourceVersion string
}

// Options scope a subscription to a namespace (empty for all namespaces) and
// optional server-side selectors.
type Options struct {
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// Source is the transport collaborator a Reflector subscribes through.
//
// Watch opens a stream of events at resourceVersion (empty means "from
// latest"). The returned channel is closed when the stream ends for any
// reason; mid-stream server errors arrive as Error events first. Both calls
// must honour prompt cancellation of ctx.
type Source[T any] interface {
	List(ctx context.Context, opts Options) (ListResult[T], error)
	Watch(ctx context.Context, opts Options, resourceVersion string) (<-chan Event[T], error)
}

// FollowOptions scope a log-follow stream to a single container.
type FollowOptions struct {
	Namespace string
	Name      string
	Container string
}

// LogSource is the transport collaborator a Follower reads through. The
// returned stream must unblock promptly when ctx is cancelled.
type LogSource interface {
	Follow(ctx context.Context, opts FollowOptions) (io.ReadCloser, error)
}
