// Package mainthread provides the host thread: a single goroutine on which
// every extension upcall runs, in the order it was posted.
//
// Handlers registered with the extension registry assume non-reentrant,
// sequential delivery. The Thread is what makes that true: native peers never
// call handlers directly, they Post (async messages, lifecycle) or Sync
// (synchronous messages) onto the thread.
//
// The thread is a goja_nodejs event loop. Its goja.Runtime is unused by
// native handlers, but script-backed (external) extensions execute on it.
package mainthread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/xwalk-bridge/internal/goroutineid"
)

var (
	// ErrStopped is returned by Sync when the thread is not running, or stops
	// before the work completes.
	ErrStopped = errors.New("mainthread: stopped")

	// ErrTimeout is returned by Sync when the configured timeout elapses.
	ErrTimeout = errors.New("mainthread: timed out")
)

// Thread serialises work onto one goroutine.
//
// Key constraints:
//   - the goja.Runtime handed to callbacks is only valid inside them
//   - Sync from the thread itself deadlocks; use TrySync when unsure
type Thread struct {
	loop     *eventloop.EventLoop
	registry *require.Registry
	logger   *slog.Logger

	// timeout bounds Sync; 0 waits forever.
	timeout time.Duration

	goroutineID atomic.Int64

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Thread.
type Option func(*Thread)

// WithTimeout bounds how long Sync waits. Zero (the default) waits until
// the work completes or the thread stops.
func WithTimeout(d time.Duration) Option {
	return func(t *Thread) { t.timeout = d }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Thread) { t.logger = l }
}

// WithRegistry shares a require.Registry with the thread's runtime.
func WithRegistry(r *require.Registry) Option {
	return func(t *Thread) { t.registry = r }
}

// New starts a Thread. Cancelling ctx stops it.
func New(ctx context.Context, opts ...Option) (*Thread, error) {
	t := &Thread{logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	if t.registry == nil {
		t.registry = require.NewRegistry()
	}

	// The lifecycle context is independent of ctx so that Stop controls the
	// order in which stopped and Done() become observable.
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.loop = eventloop.NewEventLoop(eventloop.WithRegistry(t.registry))
	t.loop.Start()

	ready := make(chan struct{})
	if !t.loop.RunOnLoop(func(*goja.Runtime) {
		t.goroutineID.Store(goroutineid.Get())
		close(ready)
	}) {
		t.cancel()
		return nil, fmt.Errorf("failed to start host thread: %w", ErrStopped)
	}
	<-ready

	if ctx.Done() != nil {
		context.AfterFunc(ctx, t.Stop)
	}
	return t, nil
}

// Registry returns the require.Registry enabled on the thread's runtime.
func (t *Thread) Registry() *require.Registry { return t.registry }

// Done is closed once Stop has been called.
func (t *Thread) Done() <-chan struct{} { return t.ctx.Done() }

// IsRunning reports whether the thread accepts work.
func (t *Thread) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.stopped
}

// OnThread reports whether the caller is running on the thread.
func (t *Thread) OnThread() bool {
	return goroutineid.Is(t.goroutineID.Load())
}

// Stop stops the thread. Work already queued may still run. Safe to call
// more than once.
func (t *Thread) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	t.mu.Unlock()

	if t.OnThread() {
		// Stop waits for the loop to drain, which can't happen from inside it.
		t.loop.StopNoWait()
		return
	}
	t.loop.Stop()
}

// Post queues fn and returns immediately. It reports false if the thread is
// not running, in which case fn will never run.
func (t *Thread) Post(fn func(*goja.Runtime)) bool {
	if !t.IsRunning() {
		return false
	}
	return t.loop.RunOnLoop(fn)
}

// Sync runs fn on the thread and waits for it.
func (t *Thread) Sync(fn func(*goja.Runtime) error) error {
	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		return ErrStopped
	}
	timeout := t.timeout
	t.mu.RUnlock()

	errCh := make(chan error, 1)
	if !t.loop.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- runGuarded(fn, vm)
	}) {
		return ErrStopped
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case err := <-errCh:
		return err
	case <-t.Done():
		return ErrStopped
	case <-timer:
		t.logger.Warn("host thread call timed out", slog.Duration("timeout", timeout))
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// TrySync is Sync, except that when called on the thread, fn runs inline
// with vm (which may be nil if the caller has none).
func (t *Thread) TrySync(vm *goja.Runtime, fn func(*goja.Runtime) error) error {
	if !t.IsRunning() {
		return ErrStopped
	}
	if t.OnThread() {
		return runGuarded(fn, vm)
	}
	return t.Sync(fn)
}

func runGuarded(fn func(*goja.Runtime) error, vm *goja.Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mainthread: panic: %v", r)
		}
	}()
	return fn(vm)
}
