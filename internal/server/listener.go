package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/dreamware/layoutd/internal/task"
)

// Listener accepts client connections and runs a Session for each one.
type Listener struct {
	sched  Scheduler
	reg    *task.Registry
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]string
	wg       conc.WaitGroup
}

// NewListener creates a listener that hands decoded tasks to sched.
func NewListener(sched Scheduler, reg *task.Registry, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		sched:    sched,
		reg:      reg,
		logger:   logger,
		sessions: make(map[*Session]string),
	}
}

// Serve accepts connections on ln until ctx ends or Accept fails for good,
// then ends every session it started and waits for them. Temporary accept
// errors are retried with a growing delay. ln is closed on return.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sctx, func() { _ = ln.Close() })
	defer func() {
		stop()
		_ = ln.Close()
		cancel()
		l.wg.Wait()
	}()

	l.logger.Info("accepting sessions", "addr", ln.Addr().String())
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var te interface{ Temporary() bool }
			if errors.As(err, &te) && te.Temporary() {
				delay = nextAcceptDelay(delay)
				l.logger.Warn("accept failed, retrying", "err", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return err
		}
		delay = 0
		remote := conn.RemoteAddr().String()
		l.wg.Go(func() {
			if err := l.ServeConn(sctx, conn, remote); err != nil {
				l.logger.Warn("session ended", "remote", remote, "err", err)
			}
		})
	}
}

// nextAcceptDelay doubles the retry delay from 5ms up to one second.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// ServeConn runs a session on an already established connection and returns
// when it ends. It backs both TCP accepts and the WebSocket endpoint.
func (l *Listener) ServeConn(ctx context.Context, conn io.ReadWriteCloser, remote string) error {
	logger := l.logger.With("remote", remote)
	s := NewSession(conn, l.sched, l.reg, logger)

	l.mu.Lock()
	l.sessions[s] = remote
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.sessions, s)
		l.mu.Unlock()
	}()

	logger.Info("session opened")
	err := s.Run(ctx)
	logger.Info("session closed")
	return err
}

// Sessions returns the remote addresses of the open sessions.
func (l *Listener) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sessions))
	for _, remote := range l.sessions {
		out = append(out, remote)
	}
	return out
}
