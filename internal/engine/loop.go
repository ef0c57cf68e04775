package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Loop is the single logical state-mutation thread.
//
// Every read of authoritative order state that a protocol acts on, and every
// write to orders or vault entries, runs as a step on this loop. Steps run
// one at a time in FIFO order; ledger and inventory I/O runs on caller or
// worker goroutines between steps.
//
// Thread-safety model:
//   - Do(), Submit(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Stop(): safe from any goroutine, idempotent
//
// Tasks already accepted when the loop stops are still executed (with their
// cancellation stripped) before Run returns, so a caller waiting in Do always
// learns the outcome of a write that may have happened.
type Loop struct {
	queue   *taskQueue
	clock   *Clock
	started atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used for step tracing.
func WithLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) {
		lp.logger = l
	}
}

// WithStepClock sets the logical clock stamping steps.
func WithStepClock(c *Clock) LoopOption {
	return func(lp *Loop) {
		lp.clock = c
	}
}

// NewLoop creates a loop. Call Run to start it.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		queue:  newTaskQueue(),
		clock:  NewClock(),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes steps until the context is cancelled or Stop is called.
// Blocks; must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	l.logger.Info("loop starting")

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			l.runTask(t)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping: context cancelled")
			l.queue.Close()
			l.drain()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes when the queue is closed,
			// which will cause this case to fire immediately.
			if l.queue.Len() == 0 && l.queue.Closed() {
				l.logger.Info("loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the loop to new work. Queued tasks still run.
// If Run was never called, queued tasks run on the calling goroutine.
func (l *Loop) Stop() {
	l.queue.Close()
	if l.started.CompareAndSwap(false, true) {
		l.drain()
		close(l.done)
	}
}

// Done is closed once the loop has exited and every accepted task has run.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Steps returns how many steps have run.
func (l *Loop) Steps() int64 {
	return l.clock.Current()
}

// Submit enqueues fn as a step without waiting for it.
// Returns ErrStopped if the loop no longer accepts work.
func (l *Loop) Submit(ctx context.Context, op string, fn func(ctx context.Context)) error {
	if !l.queue.Enqueue(task{ctx: ctx, op: op, run: fn}) {
		return ErrStopped
	}
	return nil
}

// Do runs fn as a step on the loop and returns its result.
//
// Once the step has been accepted, Do waits for it to finish even if ctx is
// cancelled: the step may already have written, and the caller needs to
// know. fn receives ctx and should honour it for I/O.
func Do[T any](ctx context.Context, l *Loop, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)

	err := l.Submit(ctx, op, func(ctx context.Context) {
		var r result
		defer func() { ch <- r }()
		defer func() {
			if v := recover(); v != nil {
				r.err = &PanicError{Op: op, Value: v}
			}
		}()
		r.val, r.err = fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	r := <-ch
	return r.val, r.err
}

func (l *Loop) runTask(t task) {
	seq := l.clock.Next()
	l.logger.Debug("loop step", "seq", seq, "op", t.op)
	defer func() {
		if v := recover(); v != nil {
			l.logger.Error("loop step panicked", "seq", seq, "op", t.op, "panic", v)
		}
	}()
	t.run(t.ctx)
}

// drain runs every task still queued. Called once the queue is closed.
func (l *Loop) drain() {
	for {
		t, ok := l.queue.TryDequeue()
		if !ok {
			return
		}
		t.ctx = context.WithoutCancel(t.ctx)
		l.runTask(t)
	}
}
