// Package coordinator schedules tasks against the shared design database.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"

	"github.com/dreamware/layoutd/internal/task"
)

// ErrAlreadyStarted is returned by Start on a coordinator that is running.
var ErrAlreadyStarted = errors.New("coordinator already started")

// ErrLoopRunning is returned by Execute while the scheduling loop owns the
// database.
var ErrLoopRunning = errors.New("coordinator loop is running; use Submit")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithUndo installs the recorder that brackets Mutate tasks.
func WithUndo(u task.UndoRecorder) Option {
	return func(c *Coordinator) { c.undo = u }
}

// WithTracer overrides the tracer used for per-task spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithFatal overrides what happens on a contract violation. The default logs
// and exits the process.
func WithFatal(fn func(error)) Option {
	return func(c *Coordinator) { c.fatal = fn }
}

// Coordinator owns the decision of which task runs next.
//
// Scheduling discipline:
//   - every waiting read-only task is dispatched at once, each on its own
//     goroutine, regardless of its position in the queue
//   - the head exclusive (Mutate/Undo) task runs on the scheduling goroutine
//     itself, and only when no read-only task is running
//
// Because exclusive tasks run on the one scheduling goroutine, at most one of
// them is ever active. A steady stream of readers can starve writers; this is
// the documented policy.
//
// Thread Safety: all exported methods may be called from any goroutine.
type Coordinator struct {
	db     task.Database
	undo   task.UndoRecorder
	logger *slog.Logger
	tracer trace.Tracer
	fatal  func(error)

	// mu guards every field below it up to wake.
	mu             sync.Mutex
	waiting        []*task.Envelope // not yet started, FIFO
	started        []*task.Envelope // running, or finished and retained
	activeReadOnly int
	snapshot       task.Snapshot
	subscribers    map[uint64]func(task.Snapshot)
	nextSub        uint64
	running        bool
	stopped        bool

	exclusive atomic.Bool   // an exclusive task is inside Run
	wake      chan struct{} // capacity 1; nudges the loop

	cancel  context.CancelFunc
	loop    sync.WaitGroup
	readers conc.WaitGroup
}

// New creates a coordinator for db. The initial snapshot is taken here, while
// nothing else can be touching the database.
func New(db task.Database, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:          db,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/dreamware/layoutd/internal/coordinator"),
		subscribers: make(map[uint64]func(task.Snapshot)),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fatal == nil {
		logger := c.logger
		c.fatal = func(err error) {
			logger.Error("fatal contract violation", "err", err)
			os.Exit(2)
		}
	}
	c.snapshot = db.Snapshot()
	return c
}

// Start launches the scheduling goroutine. Tasks enqueued before Start wait
// until it is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return task.ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.loop.Add(1)
	go c.run(ctx)
	c.logger.Info("coordinator started")
	return nil
}

// Stop ends the scheduling loop, waits for the running exclusive task and all
// read-only tasks to return, and fails every task still waiting.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.waiting
	c.waiting = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.loop.Wait()
	c.readers.Wait()

	for _, env := range pending {
		c.finish(env, task.Failed(task.FailureStopped, task.ErrStopped))
	}
	c.logger.Info("coordinator stopped", "dropped", len(pending))
}

// Submit wraps t in an envelope and queues it for in-process execution.
// It never waits for the task to run; use Envelope.Wait for that.
func (c *Coordinator) Submit(t task.Task) (*task.Envelope, error) {
	env := task.NewEnvelope(t)
	if err := env.MarkQueued(); err != nil {
		return nil, err
	}
	return env, c.Enqueue(env)
}

// Enqueue queues an envelope that is already in ServerQueued state, such as
// one decoded from a connection. Envelopes rejected during decoding are
// finished immediately with their failure.
func (c *Coordinator) Enqueue(env *task.Envelope) error {
	if f := env.Rejected(); f != nil {
		c.logger.Warn("rejected task", "task", env.Name(), "id", env.ID, "err", f)
		c.finish(env, &task.Outcome{Failure: f})
		return nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.finish(env, task.Failed(task.FailureStopped, task.ErrStopped))
		return task.ErrStopped
	}
	c.waiting = append(c.waiting, env)
	c.mu.Unlock()

	c.logger.Debug("task queued", "task", env.Name(), "id", env.ID, "kind", env.Info().Kind)
	c.signal()
	return nil
}

// Abort requests cooperative cancellation of the task with the given id.
// It reports whether the task was found.
func (c *Coordinator) Abort(id uuid.UUID) bool {
	env := c.find(id)
	if env == nil {
		return false
	}
	env.Abort()
	c.signal()
	return true
}

// Remove drops a finished, retained envelope from the started list.
func (c *Coordinator) Remove(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.IndexFunc(c.started, func(e *task.Envelope) bool {
		return e.ID == id && e.Outcome() != nil
	})
	if idx < 0 {
		return false
	}
	c.started = slices.Delete(c.started, idx, idx+1)
	return true
}

// Snapshot returns the snapshot taken after the last exclusive task.
func (c *Coordinator) Snapshot() task.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe registers fn to receive every new snapshot. fn runs on the
// scheduling goroutine and must not block. The returned function removes the
// subscription.
func (c *Coordinator) Subscribe(fn func(task.Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// CanMutate reports whether an exclusive task currently holds the database.
// Database implementations use it to detect writes outside a mutating task.
func (c *Coordinator) CanMutate() bool {
	return c.exclusive.Load()
}

// Execute runs t inline on the calling goroutine, without the scheduling
// loop. It backs batch mode, where a single goroutine owns the process.
func (c *Coordinator) Execute(ctx context.Context, t task.Task) (*task.Outcome, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrLoopRunning
	}
	c.mu.Unlock()

	env := task.NewEnvelope(t)
	if err := env.MarkQueued(); err != nil {
		return nil, err
	}
	if env.Info().Kind.Exclusive() {
		c.exclusive.Store(true)
		c.runExclusive(ctx, env)
	} else {
		if err := env.MarkRunning(); err != nil {
			return nil, err
		}
		c.finish(env, c.execute(ctx, env))
	}
	return env.Outcome(), nil
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.loop.Done()
	for {
		if env := c.next(ctx); env != nil {
			c.runExclusive(ctx, env)
			continue
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return
		}
	}
}

// next applies the selection rule. It dispatches read-only tasks itself and
// returns the exclusive task the caller must run, if one is eligible.
func (c *Coordinator) next(ctx context.Context) *task.Envelope {
	c.mu.Lock()
	var skipped, readers []*task.Envelope
	remaining := make([]*task.Envelope, 0, len(c.waiting))
	for _, env := range c.waiting {
		switch {
		case env.AbortRequested():
			skipped = append(skipped, env)
		case !env.Info().Kind.Exclusive():
			readers = append(readers, env)
		default:
			remaining = append(remaining, env)
		}
	}
	c.waiting = remaining
	c.activeReadOnly += len(readers)
	c.started = append(c.started, readers...)

	var head *task.Envelope
	if c.activeReadOnly == 0 && len(c.waiting) > 0 {
		head = c.waiting[0]
		c.waiting = c.waiting[1:]
		c.started = append(c.started, head)
		c.exclusive.Store(true)
	}
	c.mu.Unlock()

	for _, env := range skipped {
		c.logger.Info("skipping aborted task", "task", env.Name(), "id", env.ID)
		c.finish(env, task.Failed(task.FailureAborted, task.ErrAborted))
	}
	for _, env := range readers {
		if err := env.MarkRunning(); err != nil {
			c.logger.Error("cannot start task", "task", env.Name(), "err", err)
		}
		c.readers.Go(func() { c.runReadOnly(ctx, env) })
	}
	return head
}

func (c *Coordinator) runReadOnly(ctx context.Context, env *task.Envelope) {
	out := c.execute(ctx, env)

	c.mu.Lock()
	c.activeReadOnly--
	if !env.Info().Retain {
		c.dropLocked(env)
	}
	c.mu.Unlock()
	c.signal()

	c.finish(env, out)
}

// runExclusive runs a Mutate or Undo task. c.exclusive must already be set.
func (c *Coordinator) runExclusive(ctx context.Context, env *task.Envelope) {
	if err := env.MarkRunning(); err != nil {
		c.logger.Error("cannot start task", "task", env.Name(), "err", err)
	}

	batch := env.Info().Kind == task.KindMutate && c.undo != nil
	if batch {
		c.undo.BeginBatch(env.Name())
	}
	out := c.execute(ctx, env)
	if batch {
		c.undo.EndBatch()
	}
	c.exclusive.Store(false)

	snap := c.db.Snapshot()
	c.mu.Lock()
	c.snapshot = snap
	subs := make([]func(task.Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	if !env.Info().Retain {
		c.dropLocked(env)
	}
	c.mu.Unlock()

	// Sessions see the new state before the submitter sees the result.
	for _, fn := range subs {
		fn(snap)
	}
	c.finish(env, out)
}

// execute calls Run and converts whatever happens into an outcome.
func (c *Coordinator) execute(ctx context.Context, env *task.Envelope) (out *task.Outcome) {
	info := env.Info()
	ctx, span := c.tracer.Start(ctx, info.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", env.ID.String()),
			attribute.String("task.kind", info.Kind.String()),
			attribute.String("task.priority", info.Priority.String()),
			attribute.Bool("task.remote", env.Remote()),
		))
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*task.ContractViolation); ok {
				c.fatal(v)
				out = task.Failed(task.FailurePanic, v)
			} else {
				c.logger.Error("task panicked", "task", info.Name, "id", env.ID, "panic", r)
				out = &task.Outcome{Failure: &task.Failure{Kind: task.FailurePanic, Message: fmt.Sprint(r)}}
			}
		}
		if out.Failure != nil {
			span.SetAttributes(attribute.String("task.failure", string(out.Failure.Kind)))
			span.SetStatus(codes.Error, out.Failure.Message)
			c.logger.Warn("task failed", "task", info.Name, "id", env.ID, "kind", out.Failure.Kind, "err", out.Failure.Message)
		}
		c.logger.Debug("task finished", "task", info.Name, "id", env.ID, "elapsed", time.Since(start))
	}()

	err := env.Task().Run(task.NewRunContext(ctx, env, c.db))
	switch {
	case err == nil:
		return task.Success()
	case errors.Is(err, task.ErrAborted) || env.AbortRequested():
		return task.Failed(task.FailureAborted, err)
	default:
		return task.Failed(task.FailureTask, err)
	}
}

func (c *Coordinator) finish(env *task.Envelope, out *task.Outcome) {
	if err := env.Finish(out); err != nil {
		c.logger.Error("cannot finish task", "task", env.Name(), "id", env.ID, "err", err)
	}
}

func (c *Coordinator) dropLocked(env *task.Envelope) {
	c.started = slices.DeleteFunc(c.started, func(e *task.Envelope) bool { return e == env })
}

func (c *Coordinator) find(id uuid.UUID) *task.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range [][]*task.Envelope{c.waiting, c.started} {
		if idx := slices.IndexFunc(list, func(e *task.Envelope) bool { return e.ID == id }); idx >= 0 {
			return list[idx]
		}
	}
	return nil
}
