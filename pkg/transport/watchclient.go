// Package transport implements the reflector's source contracts over HTTP
// against a Kubernetes-style REST endpoint: collection lists, chunked-JSON
// watch streams, and log follow streams.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-kubemirror/pkg/reflector"
)

// ClientConfig holds the target coordinates for one resource collection.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "https://host:6443".
	BaseURL string
	// APIPath is the group/version path, e.g. "/api/v1". Defaults to
	// "/api/v1".
	APIPath string
	// Resource is the plural resource name, e.g. "pods".
	Resource string
	// BearerToken, if set, is sent as an Authorization header.
	BearerToken string
	// HTTPClient defaults to a client without a global timeout; watch and
	// follow streams are long-lived, so per-request deadlines belong on the
	// caller's context.
	HTTPClient *http.Client
}

// WatchClient is an HTTP implementation of reflector.Source and
// reflector.LogSource for a single resource collection.
type WatchClient[T any] struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWatchClient creates a client for cfg.Resource on cfg.BaseURL.
func NewWatchClient[T any](cfg ClientConfig, logger zerolog.Logger) (*WatchClient[T], error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "/api/v1"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WatchClient[T]{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "WatchClient").Str("resource", cfg.Resource).Logger(),
	}, nil
}

// listPayload mirrors the standard collection envelope.
type listPayload[T any] struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Items []T `json:"items"`
}

// watchEnvelope mirrors one entry of a watch stream.
type watchEnvelope struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// statusPayload mirrors the server's error status object.
type statusPayload struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// List fetches a point-in-time snapshot of the collection.
func (c *WatchClient[T]) List(ctx context.Context, opts reflector.Options) (reflector.ListResult[T], error) {
	query := url.Values{}
	addSelectors(query, opts)

	resp, err := c.get(ctx, c.collectionPath(opts.Namespace), query)
	if err != nil {
		return reflector.ListResult[T]{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return reflector.ListResult[T]{}, statusError(resp)
	}

	var payload listPayload[T]
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return reflector.ListResult[T]{}, fmt.Errorf("%w: decoding list response: %v", reflector.ErrConnection, err)
	}
	return reflector.ListResult[T]{
		Items:           payload.Items,
		ResourceVersion: payload.Metadata.ResourceVersion,
	}, nil
}

// Watch opens a chunked-JSON watch stream at resourceVersion (empty for
// "from latest"). The stream is decoded on a background goroutine and ends,
// closing the returned channel, when the server hangs up, the body fails, or
// ctx is cancelled; a server ERROR envelope is delivered as an Error event
// first.
func (c *WatchClient[T]) Watch(ctx context.Context, opts reflector.Options, resourceVersion string) (<-chan reflector.Event[T], error) {
	query := url.Values{}
	query.Set("watch", "true")
	query.Set("allowWatchBookmarks", "true")
	if resourceVersion != "" {
		query.Set("resourceVersion", resourceVersion)
	}
	addSelectors(query, opts)

	resp, err := c.get(ctx, c.collectionPath(opts.Namespace), query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		_ = resp.Body.Close()
		return nil, err
	}

	events := make(chan reflector.Event[T], 64)
	go c.decodeStream(ctx, resp.Body, events)
	return events, nil
}

// Follow opens a log stream for one object in the collection. The caller
// owns the returned body.
func (c *WatchClient[T]) Follow(ctx context.Context, opts reflector.FollowOptions) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("follow", "true")
	if opts.Container != "" {
		query.Set("container", opts.Container)
	}
	path := c.collectionPath(opts.Namespace) + "/" + url.PathEscape(opts.Name) + "/log"

	resp, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// decodeStream reads watch envelopes off body until it ends for any reason.
// The request is bound to ctx, so cancellation unblocks the decoder promptly.
func (c *WatchClient[T]) decodeStream(ctx context.Context, body io.ReadCloser, events chan<- reflector.Event[T]) {
	defer close(events)
	defer func() {
		_ = body.Close()
	}()

	decoder := json.NewDecoder(body)
	for {
		var envelope watchEnvelope
		if err := decoder.Decode(&envelope); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Msg("Watch stream read ended.")
			}
			return
		}

		event, last := c.decodeEvent(envelope)
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
		if last {
			return
		}
	}
}

// decodeEvent maps one envelope to a reflector event. last reports that the
// stream carries nothing further after this event.
func (c *WatchClient[T]) decodeEvent(envelope watchEnvelope) (reflector.Event[T], bool) {
	switch reflector.EventType(envelope.Type) {
	case reflector.Error:
		var status statusPayload
		_ = json.Unmarshal(envelope.Object, &status)
		err := fmt.Errorf("server error %d (%s): %s", status.Code, status.Reason, status.Message)
		if status.Code == http.StatusGone || status.Reason == "Expired" || status.Reason == "Gone" {
			err = fmt.Errorf("%w: %v", reflector.ErrResourceExpired, err)
		} else {
			err = fmt.Errorf("%w: %v", reflector.ErrConnection, err)
		}
		return reflector.Event[T]{Type: reflector.Error, Err: err}, true

	case reflector.Bookmark:
		var marker struct {
			Metadata struct {
				ResourceVersion string `json:"resourceVersion"`
			} `json:"metadata"`
		}
		_ = json.Unmarshal(envelope.Object, &marker)
		return reflector.Event[T]{
			Type:            reflector.Bookmark,
			ResourceVersion: marker.Metadata.ResourceVersion,
		}, false

	default:
		var obj T
		if err := json.Unmarshal(envelope.Object, &obj); err != nil {
			return reflector.Event[T]{
				Type: reflector.Error,
				Err:  fmt.Errorf("%w: decoding %s event: %v", reflector.ErrConnection, envelope.Type, err),
			}, true
		}
		return reflector.Event[T]{Type: reflector.EventType(envelope.Type), Object: obj}, false
	}
}

func (c *WatchClient[T]) collectionPath(namespace string) string {
	path := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.APIPath
	if namespace != "" {
		path += "/namespaces/" + url.PathEscape(namespace)
	}
	return path + "/" + c.cfg.Resource
}

func (c *WatchClient[T]) get(ctx context.Context, rawURL string, query url.Values) (*http.Response, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", reflector.ErrConnection, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reflector.ErrConnection, err)
	}
	return resp, nil
}

func addSelectors(query url.Values, opts reflector.Options) {
	if opts.LabelSelector != "" {
		query.Set("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		query.Set("fieldSelector", opts.FieldSelector)
	}
}

// statusError maps a non-200 response to the error taxonomy, draining a
// status payload from the body when one is present.
func statusError(resp *http.Response) error {
	var status statusPayload
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&status)
	if resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: server returned %s: %s", reflector.ErrResourceExpired, resp.Status, status.Message)
	}
	return fmt.Errorf("%w: server returned %s: %s", reflector.ErrConnection, resp.Status, status.Message)
}

var (
	_ reflector.Source[struct{}] = (*WatchClient[struct{}])(nil)
	_ reflector.LogSource        = (*WatchClient[struct{}])(nil)
)
