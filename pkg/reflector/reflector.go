package reflector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-kubemirror/pkg/object"
	"github.com/illmade-knight/go-kubemirror/pkg/retry"
	"github.com/illmade-knight/go-kubemirror/pkg/store"
)

// Config holds the policy and hooks for one Reflector.
type Config[T any] struct {
	// Options scope the subscription.
	Options Options
	// Strategy governs reconnection after stream failures.
	Strategy retry.Strategy
	// ResourceVersionFunc extracts the resume cursor from an item. Required;
	// use MetaResourceVersion for items exposing object metadata.
	ResourceVersionFunc func(obj T) string
	// OnEvent, if set, is invoked synchronously on the watch goroutine for
	// each change applied to the store. A slow callback delays subsequent
	// event delivery but cannot corrupt store state.
	OnEvent func(eventType EventType, obj T)
	// OnError, if set, is invoked at most once when the task terminates
	// abnormally.
	OnError func(err error)
	// OnRelist, if set, fires once after each full replace with the number
	// of items listed.
	OnRelist func(count int)
}

// MetaResourceVersion is the default resume-cursor accessor for items
// exposing object metadata.
func MetaResourceVersion[T object.Object](obj T) string {
	return obj.GetResourceVersion()
}

// Reflector owns one logical watch subscription: it opens a stream through
// its Source, applies received events to its Store, and reconnects per its
// retry strategy, resuming from the last observed resource version or
// relisting when the server reports the version expired.
//
// A Reflector is the only writer to its store; any number of readers may
// query the store concurrently while it runs.
type Reflector[T any] struct {
	id       string
	opts     Options
	strategy retry.Strategy
	rvFunc   func(T) string
	onEvent  func(EventType, T)
	onError  func(error)
	onRelist func(int)

	source Source[T]
	store  store.Store[T]
	logger zerolog.Logger

	mu          sync.Mutex
	started     bool
	lastRV      string
	terminalErr error

	cancel   context.CancelFunc
	doneChan chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
}

// NewReflector creates a Reflector feeding st from source. It does not
// connect until Start is called.
func NewReflector[T any](
	cfg Config[T],
	source Source[T],
	st store.Store[T],
	logger zerolog.Logger,
) (*Reflector[T], error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.ResourceVersionFunc == nil {
		return nil, fmt.Errorf("resource version func cannot be nil")
	}
	id := uuid.New().String()
	return &Reflector[T]{
		id:       id,
		opts:     cfg.Options,
		strategy: cfg.Strategy,
		rvFunc:   cfg.ResourceVersionFunc,
		onEvent:  cfg.OnEvent,
		onError:  cfg.OnError,
		onRelist: cfg.OnRelist,
		source:   source,
		store:    st,
		logger:   logger.With().Str("component", "Reflector").Str("task_id", id).Logger(),
		doneChan: make(chan struct{}),
	}, nil
}

// ID returns the task's unique identifier, as carried in its log context.
func (r *Reflector[T]) ID() string {
	return r.id
}

// Start begins the watch activity in the background. Under a never-retry
// strategy the first connection is made synchronously so its failure is
// returned directly from this call.
func (r *Reflector[T]) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reflector already started")
	}
	r.started = true
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.strategy.IsNever() {
		events, err := r.connect(runCtx)
		if err != nil {
			cancel()
			r.setTerminal(err)
			close(r.doneChan)
			return err
		}
		r.logger.Info().Msg("Watch task started.")
		go r.run(runCtx, events)
		return nil
	}

	r.logger.Info().Msg("Watch task started.")
	go r.run(runCtx, nil)
	return nil
}

// Stop cancels the task and waits for the watch goroutine to exit,
// respecting the provided context's deadline. Stopping is idempotent and
// not an error path: no error callback fires for a cancelled task.
func (r *Reflector[T]) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}
	r.stopOnce.Do(func() {
		r.logger.Info().Msg("Stopping watch task...")
		r.cancel()
	})
	select {
	case <-r.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task has completely shut down.
func (r *Reflector[T]) Done() <-chan struct{} {
	return r.doneChan
}

// Err returns the terminal error of a task that ended abnormally, or nil.
func (r *Reflector[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalErr
}

// LastResourceVersion returns the most recently observed resume cursor. It
// is empty before the first list and after an expiry forces a relist.
func (r *Reflector[T]) LastResourceVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRV
}

// run is the reconnect loop: connect, drain the stream, and on failure
// consult the backoff iterator for the next delay, sleeping interruptibly.
// events carries a stream already opened by Start, if any.
func (r *Reflector[T]) run(ctx context.Context, events <-chan Event[T]) {
	defer close(r.doneChan)
	// A terminal exit must also tear down the transport: without this a
	// source stream opened under ctx would stay connected, decoding into a
	// channel nobody drains any more.
	defer r.cancel()

	bo := r.strategy.NewBackOff()
	for {
		var err error
		if events == nil {
			events, err = r.connect(ctx)
		}
		if err == nil {
			// Streaming: the attempt counter resets once the stream is open.
			bo.Reset()
			err = r.stream(ctx, events, bo)
		}
		events = nil

		if ctx.Err() != nil {
			r.logger.Info().Msg("Watch task cancelled.")
			return
		}
		if errors.Is(err, store.ErrInvalidObject) {
			// A data defect will not heal on reconnect.
			r.fail(err)
			return
		}

		delay := bo.NextBackOff()
		if delay == retry.Stop {
			r.fail(fmt.Errorf("%w: %v", ErrMaxRetriesReached, err))
			return
		}
		r.logger.Warn().Err(err).Dur("delay", delay).Msg("Watch stream failed, reconnecting after delay.")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("Watch task cancelled during reconnect delay.")
			return
		case <-timer.C:
		}
	}
}

// connect brings the task from Connecting to Streaming: when no resume
// cursor is held it first lists the collection and replaces the store
// wholesale, then opens the watch stream from the resulting version.
func (r *Reflector[T]) connect(ctx context.Context) (<-chan Event[T], error) {
	rv := r.LastResourceVersion()
	if rv == "" {
		list, err := r.source.List(ctx, r.opts)
		if err != nil {
			return nil, connectionError(fmt.Errorf("list: %w", err))
		}
		if err := r.store.Replace(ctx, list.Items, list.ResourceVersion); err != nil {
			return nil, fmt.Errorf("replace store content: %w", err)
		}
		r.setResourceVersion(list.ResourceVersion)
		rv = list.ResourceVersion
		r.logger.Info().Int("item_count", len(list.Items)).Str("resource_version", rv).Msg("Store repopulated from full list.")
		if r.onRelist != nil {
			r.onRelist(len(list.Items))
		}
	}

	events, err := r.source.Watch(ctx, r.opts, rv)
	if err != nil {
		if errors.Is(err, ErrResourceExpired) {
			r.setResourceVersion("")
			r.logger.Warn().Str("resource_version", rv).Msg("Resume cursor expired, next attempt will relist.")
			return nil, err
		}
		return nil, connectionError(fmt.Errorf("open watch stream: %w", err))
	}
	return events, nil
}

// stream applies events until the stream ends, the context is cancelled, or
// an event cannot be applied.
func (r *Reflector[T]) stream(ctx context.Context, events <-chan Event[T], bo retry.BackOff) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: watch stream ended", ErrConnection)
			}
			if err := r.apply(ctx, ev); err != nil {
				return err
			}
			// Successful delivery resets the attempt budget.
			bo.Reset()
		}
	}
}

// apply feeds one event into the store, advances the resume cursor, and
// notifies the caller's hook.
func (r *Reflector[T]) apply(ctx context.Context, ev Event[T]) error {
	switch ev.Type {
	case Added, Modified:
		if err := r.store.Update(ctx, ev.Object); err != nil {
			return err
		}
		r.advance(ev)
		r.emit(ev.Type, ev.Object)
	case Deleted:
		if err := r.store.Delete(ctx, ev.Object); err != nil {
			return err
		}
		r.advance(ev)
		r.emit(ev.Type, ev.Object)
	case Bookmark:
		// Cursor-only event: no store change, no callback.
		if ev.ResourceVersion != "" {
			r.setResourceVersion(ev.ResourceVersion)
		}
	case Error:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("server sent an unspecified error event")
		}
		if errors.Is(err, ErrResourceExpired) {
			r.setResourceVersion("")
			r.logger.Warn().Msg("Server reported the resume cursor expired, next attempt will relist.")
			return err
		}
		return connectionError(err)
	default:
		r.logger.Warn().Str("event_type", string(ev.Type)).Msg("Ignoring unknown watch event type.")
	}
	return nil
}

func (r *Reflector[T]) advance(ev Event[T]) {
	rv := ev.ResourceVersion
	if rv == "" {
		rv = r.rvFunc(ev.Object)
	}
	if rv != "" {
		r.setResourceVersion(rv)
	}
}

func (r *Reflector[T]) emit(eventType EventType, obj T) {
	if r.onEvent != nil {
		r.onEvent(eventType, obj)
	}
}

func (r *Reflector[T]) setResourceVersion(rv string) {
	r.mu.Lock()
	r.lastRV = rv
	r.mu.Unlock()
}

func (r *Reflector[T]) setTerminal(err error) {
	r.mu.Lock()
	r.terminalErr = err
	r.mu.Unlock()
}

// fail records and reports the terminal failure exactly once.
func (r *Reflector[T]) fail(err error) {
	r.failOnce.Do(func() {
		r.setTerminal(err)
		r.logger.Error().Err(err).Msg("Watch task terminated.")
		if r.onError != nil {
			r.onError(err)
		}
	})
}

// connectionError classifies a transport failure, preserving an existing
// taxonomy classification if the source already applied one.
func connectionError(err error) error {
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrResourceExpired) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
