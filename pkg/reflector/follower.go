package reflector

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxLineSize bounds a single followed line. The scanner's default 64KiB
// limit is too tight for real log output and would fail the whole task on one
// oversized line.
const maxLineSize = 1024 * 1024

// FollowerConfig holds the scope and hooks for one Follower.
type FollowerConfig struct {
	Options FollowOptions
	// OnLine is invoked synchronously on the follow goroutine for each line
	// read from the stream. Required.
	OnLine func(line string)
	// OnError, if set, is invoked at most once if the stream fails. A stream
	// that ends cleanly or is cancelled reports no error.
	OnError func(err error)
}

// Follower tails a continuous text stream, such as container logs. It is the
// degenerate form of a watch task: no store interaction and no automatic
// reconnection; any stream failure is immediately terminal.
type Follower struct {
	id     string
	opts   FollowOptions
	onLine func(string)
	onErr  func(error)

	source LogSource
	logger zerolog.Logger

	mu          sync.Mutex
	started     bool
	terminalErr error

	cancel   context.CancelFunc
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewFollower creates a Follower reading from source. It does not connect
// until Start is called.
func NewFollower(cfg FollowerConfig, source LogSource, logger zerolog.Logger) (*Follower, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if cfg.OnLine == nil {
		return nil, fmt.Errorf("line callback cannot be nil")
	}
	id := uuid.New().String()
	return &Follower{
		id:       id,
		opts:     cfg.Options,
		onLine:   cfg.OnLine,
		onErr:    cfg.OnError,
		source:   source,
		logger:   logger.With().Str("component", "Follower").Str("task_id", id).Logger(),
		doneChan: make(chan struct{}),
	}, nil
}

// ID returns the task's unique identifier, as carried in its log context.
func (f *Follower) ID() string {
	return f.id
}

// Start opens the stream synchronously, so a connect failure is returned
// directly, then tails it in the background.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("follower already started")
	}
	f.started = true
	f.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	stream, err := f.source.Follow(runCtx, f.opts)
	if err != nil {
		cancel()
		close(f.doneChan)
		err = connectionError(err)
		f.mu.Lock()
		f.terminalErr = err
		f.mu.Unlock()
		return err
	}

	f.logger.Info().Str("name", f.opts.Name).Str("container", f.opts.Container).Msg("Follow task started.")
	go func() {
		defer close(f.doneChan)
		defer func() {
			_ = stream.Close()
		}()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			if runCtx.Err() != nil {
				f.logger.Info().Msg("Follow task cancelled.")
				return
			}
			f.onLine(scanner.Text())
		}
		if runCtx.Err() != nil {
			f.logger.Info().Msg("Follow task cancelled.")
			return
		}
		if err := scanner.Err(); err != nil {
			// No reconnection for follow streams: first failure is terminal.
			err = connectionError(err)
			f.mu.Lock()
			f.terminalErr = err
			f.mu.Unlock()
			f.logger.Error().Err(err).Msg("Follow stream failed.")
			if f.onErr != nil {
				f.onErr(err)
			}
			return
		}
		f.logger.Info().Msg("Follow stream ended.")
	}()
	return nil
}

// Stop cancels the task and waits for the follow goroutine to exit,
// respecting the provided context's deadline. Stopping is idempotent.
func (f *Follower) Stop(ctx context.Context) error {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil
	}
	f.stopOnce.Do(func() {
		f.logger.Info().Msg("Stopping follow task...")
		f.cancel()
	})
	select {
	case <-f.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task has completely shut down.
func (f *Follower) Done() <-chan struct{} {
	return f.doneChan
}

// Err returns the terminal error of a stream that failed, or nil.
func (f *Follower) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminalErr
}
