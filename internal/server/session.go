package server

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

// ErrSecondResult terminates a session whose client had more than one task
// outstanding: the stream carries at most one unsent result.
var ErrSecondResult = errors.New("second result while one is unsent")

// Scheduler is the part of the coordinator a session needs.
type Scheduler interface {
	Enqueue(env *task.Envelope) error
	Snapshot() task.Snapshot
	Subscribe(fn func(task.Snapshot)) (unsubscribe func())
}

// Session is the server side of one client connection. It owns two loops:
// the reader decodes tasks and enqueues them, the writer pushes snapshot
// diffs and results back. Snapshots always go out before a pending result so
// the client sees the database a task produced before its outcome.
type Session struct {
	conn   io.ReadWriteCloser
	sched  Scheduler
	reg    *task.Registry
	logger *slog.Logger

	mu              sync.Mutex
	pendingSnapshot task.Snapshot
	lastSent        task.Snapshot
	handshaken      bool
	pendingResult   *task.Envelope
	failed          error
	closed          bool

	notify    chan struct{}
	closeOnce sync.Once
}

// NewSession wraps conn. Nothing is read or written until Run.
func NewSession(conn io.ReadWriteCloser, sched Scheduler, reg *task.Registry, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		sched:  sched,
		reg:    reg,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Run serves the connection until the client goes away, a transport error
// occurs, or ctx ends. The connection is closed on return. Tasks already
// enqueued keep running; their results are dropped.
func (s *Session) Run(ctx context.Context) error {
	unsubscribe := s.sched.Subscribe(s.publish)
	defer unsubscribe()

	// Handshake: the first message is the current state diffed against nothing.
	s.mu.Lock()
	if s.pendingSnapshot == nil {
		s.pendingSnapshot = s.sched.Snapshot()
	}
	s.mu.Unlock()
	s.wake()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.close()
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	s.closed = true
	dropped := s.pendingResult
	s.pendingResult = nil
	s.mu.Unlock()
	if dropped != nil {
		s.logger.Info("dropping undeliverable result", "task", dropped.Name(), "id", dropped.ID)
	}

	if isClosed(err) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		raw, err := wire.ReadTask(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read task: %w", err)
		}

		env, err := task.DecodeEnvelope(s.reg, raw)
		if err != nil {
			s.logger.Warn("malformed task", "task", env.Name(), "err", err)
		}
		env.OnDone(s.deliver)

		// Enqueue returns once the coordinator owns the envelope, so at most
		// one task per connection is in transit at a time.
		if err := s.sched.Enqueue(env); err != nil {
			return fmt.Errorf("enqueue %s: %w", env.Name(), err)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil
		}
		for {
			sent, err := s.writeOne()
			if err != nil {
				return err
			}
			if !sent {
				break
			}
		}
	}
}

// writeOne writes at most one tagged message and reports whether it did.
func (s *Session) writeOne() (bool, error) {
	s.mu.Lock()
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return false, err
	}
	snap, prev, first := s.pendingSnapshot, s.lastSent, !s.handshaken
	s.pendingSnapshot = nil
	var env *task.Envelope
	if snap == nil {
		env = s.pendingResult
		s.pendingResult = nil
	}
	s.mu.Unlock()

	switch {
	case snap != nil:
		diff, err := snap.Diff(prev)
		if err != nil {
			return false, fmt.Errorf("diff snapshot: %w", err)
		}
		s.mu.Lock()
		s.lastSent = snap
		s.handshaken = true
		s.mu.Unlock()
		if len(diff) == 0 && !first {
			return true, nil
		}
		if err := wire.WriteSnapshot(s.conn, diff); err != nil {
			return false, fmt.Errorf("write snapshot: %w", err)
		}
		return true, nil

	case env != nil:
		result, err := env.EncodeResult()
		if err != nil {
			return false, fmt.Errorf("encode result %s: %w", env.Name(), err)
		}
		if err := wire.WriteResult(s.conn, env.Name(), result); err != nil {
			return false, fmt.Errorf("write result %s: %w", env.Name(), err)
		}
		if err := env.MarkDelivered(); err != nil {
			s.logger.Error("cannot mark delivered", "task", env.Name(), "err", err)
		}
		return true, nil
	}
	return false, nil
}

// publish is the coordinator subscription. It must not block.
func (s *Session) publish(snap task.Snapshot) {
	s.mu.Lock()
	s.pendingSnapshot = snap
	s.mu.Unlock()
	s.wake()
}

// deliver runs when an envelope from this connection finishes.
func (s *Session) deliver(env *task.Envelope) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.logger.Info("dropping undeliverable result", "task", env.Name(), "id", env.ID)
		return
	case s.pendingResult != nil:
		s.failed = fmt.Errorf("%w: %s after %s", ErrSecondResult, env.Name(), s.pendingResult.Name())
	default:
		s.pendingResult = env
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isClosed(err) {
			s.logger.Debug("close connection", "err", err)
		}
	})
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
