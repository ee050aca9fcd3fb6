package reflector_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-kubemirror/pkg/reflector"
)

// fakeLogSource hands out one pipe per Follow call. The pipe's writer is
// closed when the follow context ends, mimicking an HTTP response body bound
// to its request context.
type fakeLogSource struct {
	mu    sync.Mutex
	opts  []reflector.FollowOptions
	err   error
	pipes []*io.PipeWriter
}

func (s *fakeLogSource) Follow(ctx context.Context, opts reflector.FollowOptions) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	pr, pw := io.Pipe()
	s.pipes = append(s.pipes, pw)
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (s *fakeLogSource) writer() *io.PipeWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipes[0]
}

// lineRecorder captures OnLine/OnError invocations.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	errs  []error
}

func (r *lineRecorder) onLine(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *lineRecorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *lineRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *lineRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestFollower(t *testing.T, source *fakeLogSource, rec *lineRecorder) *reflector.Follower {
	t.Helper()
	f, err := reflector.NewFollower(reflector.FollowerConfig{
		Options: reflector.FollowOptions{Namespace: "default", Name: "web", Container: "app"},
		OnLine:  rec.onLine,
		OnError: rec.onError,
	}, source, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestFollower_DeliversLinesUntilCleanEOF(t *testing.T) {
	source := &fakeLogSource{}
	rec := &lineRecorder{}
	f := newTestFollower(t, source, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	w := source.writer()
	_, err := io.WriteString(w, "starting up\nlistening on :8080\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.Lines()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"starting up", "listening on :8080"}, rec.Lines())

	// A server-side close is a clean end, not a failure.
	require.NoError(t, w.Close())
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not finish after EOF")
	}
	assert.NoError(t, f.Err())
	assert.Empty(t, rec.Errors())
}

func TestFollower_DeliversLinesLongerThanDefaultScannerLimit(t *testing.T) {
	source := &fakeLogSource{}
	rec := &lineRecorder{}
	f := newTestFollower(t, source, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	// A single line past bufio.Scanner's default 64KiB cap must not kill
	// the task.
	long := strings.Repeat("x", 256*1024)
	w := source.writer()
	_, err := io.WriteString(w, long+"\nshort\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, long, rec.Lines()[0])
	assert.Equal(t, "short", rec.Lines()[1])

	require.NoError(t, w.Close())
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not finish after EOF")
	}
	assert.NoError(t, f.Err())
	assert.Empty(t, rec.Errors())
}

func TestFollower_ReadFailureIsTerminalAndReportedOnce(t *testing.T) {
	source := &fakeLogSource{}
	rec := &lineRecorder{}
	f := newTestFollower(t, source, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	w := source.writer()
	_, err := io.WriteString(w, "one line\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.Lines()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.CloseWithError(fmt.Errorf("connection reset by peer")))
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not finish after stream failure")
	}
	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], reflector.ErrConnection)
	assert.ErrorIs(t, f.Err(), reflector.ErrConnection)
}

func TestFollower_StartReturnsConnectFailure(t *testing.T) {
	source := &fakeLogSource{err: fmt.Errorf("no such container")}
	rec := &lineRecorder{}
	f := newTestFollower(t, source, rec)

	err := f.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reflector.ErrConnection)

	select {
	case <-f.Done():
	default:
		t.Fatal("a follower that failed to start must already be done")
	}
	// A connect failure is returned, not delivered through the callback.
	assert.Empty(t, rec.Errors())
}

func TestFollower_StopInterruptsBlockedRead(t *testing.T) {
	source := &fakeLogSource{}
	rec := &lineRecorder{}
	f := newTestFollower(t, source, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	// Nothing is written: the tail goroutine is parked in a read.
	start := time.Now()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, f.Stop(stopCtx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rec.Errors(), "cancellation is not a failure")
	assert.NoError(t, f.Err())
}

func TestFollower_RequiresCollaborators(t *testing.T) {
	rec := &lineRecorder{}

	_, err := reflector.NewFollower(reflector.FollowerConfig{OnLine: rec.onLine}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = reflector.NewFollower(reflector.FollowerConfig{}, &fakeLogSource{}, zerolog.Nop())
	require.Error(t, err)
}
