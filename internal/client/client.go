// Package client implements the remote side of a layoutd session: it submits
// tasks over a connection, keeps a local replica current from the server's
// snapshot diffs, and writes task results back into the caller's tasks.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/layoutd/internal/task"
	"github.com/dreamware/layoutd/internal/wire"
)

var (
	// ErrClosed is returned by Submit after Run has returned.
	ErrClosed = errors.New("client closed")
	// ErrUnexpectedResult means the server sent a result while no task was
	// in flight.
	ErrUnexpectedResult = errors.New("unexpected task result")
)

// Replica is the local copy of the database kept current by snapshot diffs.
type Replica interface {
	ApplyDiff(diff []byte) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// OnChange registers fn to run after every applied snapshot diff. It runs on
// the reader goroutine.
func OnChange(fn func()) Option {
	return func(c *Client) { c.onChange = fn }
}

// Client sends tasks one at a time in submission order. The next task is
// only transmitted once the result of the previous one has arrived.
type Client struct {
	conn     io.ReadWriteCloser
	replica  Replica
	logger   *slog.Logger
	onChange func()

	mu       sync.Mutex
	queue    []*task.Envelope
	inflight *task.Envelope
	closed   bool

	send      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// New wraps an established connection.
func New(conn io.ReadWriteCloser, replica Replica, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		replica: replica,
		logger:  slog.Default(),
		send:    make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready is closed once the handshake snapshot has been applied.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Submit encodes t and queues it for transmission. It never waits for the
// task to run; use the envelope's Wait or OnDone for that. Once the result
// arrives, every field the task reported changed holds the server's value.
func (c *Client) Submit(t task.Task) (*task.Envelope, error) {
	env := task.NewEnvelope(t)
	if _, err := env.Encode(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	c.wake()
	return env, nil
}

// Pending returns the number of tasks queued or in flight.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.inflight != nil {
		n++
	}
	return n
}

// Run serves the connection until the server goes away, a protocol error
// occurs, or ctx ends. Tasks still queued or in flight are finished with a
// stopped failure and the connection is closed.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.close()
		return nil
	})
	err := g.Wait()
	c.drain()

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		switch msg.Tag {
		case wire.TagSnapshot:
			if err := c.replica.ApplyDiff(msg.Diff); err != nil {
				return fmt.Errorf("apply snapshot: %w", err)
			}
			if c.onChange != nil {
				c.onChange()
			}
			c.readyOnce.Do(func() { close(c.ready) })
		case wire.TagResult:
			if err := c.complete(msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) complete(msg wire.Message) error {
	c.mu.Lock()
	env := c.inflight
	if env == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnexpectedResult, msg.TaskName)
	}
	c.inflight = nil
	c.mu.Unlock()
	c.wake()

	// One task is in flight, so the result is its own. A server that could
	// not decode the task cannot name it.
	if env.Name() != msg.TaskName {
		c.logger.Warn("result names another task", "task", env.Name(), "id", env.ID, "result", msg.TaskName)
	}

	out, err := env.ApplyResult(msg.Result)
	if err != nil {
		c.logger.Warn("cannot apply result", "task", env.Name(), "id", env.ID, "err", err)
		return nil
	}
	if out.Failure != nil {
		c.logger.Warn("task failed", "task", env.Name(), "id", env.ID, "kind", out.Failure.Kind, "err", out.Failure.Message)
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-c.send:
		case <-ctx.Done():
			return nil
		}

		c.mu.Lock()
		if c.inflight != nil || len(c.queue) == 0 {
			c.mu.Unlock()
			continue
		}
		env := c.queue[0]
		c.queue = c.queue[1:]
		c.inflight = env
		c.mu.Unlock()

		// Marked before the write: the result may arrive before it returns.
		if err := env.MarkQueued(); err != nil {
			c.logger.Error("cannot mark queued", "task", env.Name(), "err", err)
		}
		if err := wire.WriteTask(c.conn, env.WireForm()); err != nil {
			return fmt.Errorf("send %s: %w", env.Name(), err)
		}
		c.logger.Debug("task sent", "task", env.Name(), "id", env.ID)
	}
}

// drain fails everything that can no longer get a result.
func (c *Client) drain() {
	c.mu.Lock()
	c.closed = true
	pending := c.queue
	if c.inflight != nil {
		pending = append(pending, c.inflight)
	}
	c.queue, c.inflight = nil, nil
	c.mu.Unlock()

	for _, env := range pending {
		if err := env.Finish(task.Failed(task.FailureStopped, task.ErrStopped)); err != nil {
			c.logger.Error("cannot finish task", "task", env.Name(), "err", err)
		}
	}
}

func (c *Client) wake() {
	select {
	case c.send <- struct{}{}:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}
