package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/layoutd/internal/coordinator"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/task"
	"github.com/dreamware/layoutd/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registry(t *testing.T) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, design.Register(reg))
	return reg
}

// fakeSnap diffs to its own bytes regardless of the baseline.
type fakeSnap []byte

func (f fakeSnap) Diff(task.Snapshot) ([]byte, error) { return f, nil }

// fakeScheduler finishes every envelope as soon as it is enqueued.
type fakeScheduler struct {
	mu       sync.Mutex
	snap     task.Snapshot
	subs     []func(task.Snapshot)
	enqueued chan *task.Envelope
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{snap: fakeSnap("initial"), enqueued: make(chan *task.Envelope, 16)}
}

func (f *fakeScheduler) Enqueue(env *task.Envelope) error {
	out := task.Success()
	if r := env.Rejected(); r != nil {
		out = &task.Outcome{Failure: r}
	}
	_ = env.Finish(out)
	f.enqueued <- env
	return nil
}

func (f *fakeScheduler) Snapshot() task.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeScheduler) Subscribe(fn func(task.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeScheduler) publish(s task.Snapshot) {
	f.mu.Lock()
	f.snap = s
	subs := append([]func(task.Snapshot){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func serve(t *testing.T, l *Listener) (net.Conn, <-chan error) {
	t.Helper()
	srv, cli := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- l.ServeConn(context.Background(), srv, "pipe") }()
	t.Cleanup(func() { _ = cli.Close() })
	return cli, done
}

func encode(t *testing.T, tk task.Task) (*task.Envelope, []byte) {
	t.Helper()
	env := task.NewEnvelope(tk)
	raw, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, env.MarkQueued())
	return env, raw
}

func readUntilResult(t *testing.T, conn net.Conn, onDiff func([]byte)) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		msg, err := wire.ReadMessage(conn)
		require.NoError(t, err)
		if msg.Tag == wire.TagResult {
			return msg
		}
		if onDiff != nil {
			onDiff(msg.Diff)
		}
	}
}

// TestHandshakeSnapshot checks the first message is the full snapshot.
func TestHandshakeSnapshot(t *testing.T) {
	sched := newFakeScheduler()
	conn, _ := serve(t, NewListener(sched, registry(t), quietLogger()))

	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSnapshot, msg.Tag)
	assert.Equal(t, []byte("initial"), msg.Diff)

	sched.publish(fakeSnap("next"))
	msg, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), msg.Diff)
}

// TestMalformedTaskGetsFailure checks bookkeeping failures reach the client
// as results and do not end the session.
func TestMalformedTaskGetsFailure(t *testing.T) {
	sched := newFakeScheduler()
	conn, _ := serve(t, NewListener(sched, registry(t), quietLogger()))

	tests := []struct {
		name    string
		payload []byte
		kind    task.FailureKind
	}{
		{name: "garbage", payload: []byte{0xff, 0x00}, kind: task.FailureDecode},
		{name: "unknown task", payload: mustUnknown(t), kind: task.FailureUnknownTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, wire.WriteTask(conn, tt.payload))
			msg := readUntilResult(t, conn, nil)

			env, _ := encode(t, &design.GetProperty{})
			out, err := env.ApplyResult(msg.Result)
			require.NoError(t, err)
			require.NotNil(t, out.Failure)
			assert.Equal(t, tt.kind, out.Failure.Kind)
		})
	}
}

func mustUnknown(t *testing.T) []byte {
	t.Helper()
	_, raw := encode(t, &renamed{})
	return raw
}

// renamed is a task the server has no factory for.
type renamed struct{ design.CountKeys }

func (r *renamed) Info() task.Info {
	info := r.CountKeys.Info()
	info.Name = "not-registered"
	return info
}

// TestSecondResultEndsSession checks a client that pipelines tasks is cut off.
func TestSecondResultEndsSession(t *testing.T) {
	sched := newFakeScheduler()
	conn, done := serve(t, NewListener(sched, registry(t), quietLogger()))

	for i := 0; i < 2; i++ {
		_, raw := encode(t, &design.CountKeys{})
		require.NoError(t, wire.WriteTask(conn, raw))
		<-sched.enqueued
	}

	// Drain until the server hangs up.
	go func() {
		for {
			if _, err := wire.ReadMessage(conn); err != nil {
				return
			}
		}
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSecondResult)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

// TestBrokenConnection checks a dead client ends only its own session.
func TestBrokenConnection(t *testing.T) {
	store := design.New()
	c := coordinator.New(store, coordinator.WithUndo(store), coordinator.WithLogger(quietLogger()))
	store.SetGuard(c.CanMutate)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	l := NewListener(c, registry(t), quietLogger())
	conn, done := serve(t, l)
	_, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	assert.Len(t, l.Sessions(), 1)

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Empty(t, l.Sessions())

	env, err := c.Submit(&design.SetProperty{Key: "k", Value: "v"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := env.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
}

// TestRemoteMutation runs a task through a real coordinator and checks the
// client sees the new state before the result, and the result carries the
// mutated fields.
func TestRemoteMutation(t *testing.T) {
	store := design.New()
	c := coordinator.New(store, coordinator.WithUndo(store), coordinator.WithLogger(quietLogger()))
	store.SetGuard(c.CanMutate)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	require.NoError(t, waitOK(c, &design.SetProperty{Key: "cell/inv/width", Value: "12"}))

	conn, _ := serve(t, NewListener(c, registry(t), quietLogger()))
	replica := design.NewReplica()

	set := &design.SetProperty{Key: "cell/inv/width", Value: "16"}
	env, raw := encode(t, set)
	require.NoError(t, wire.WriteTask(conn, raw))

	msg := readUntilResult(t, conn, func(diff []byte) {
		require.NoError(t, replica.ApplyDiff(diff))
	})
	assert.Equal(t, "set-property", msg.TaskName)

	v, ok, err := replica.Get("cell/inv/width")
	require.NoError(t, err)
	require.True(t, ok, "snapshot must arrive before the result")
	assert.Equal(t, "16", v)

	out, err := env.ApplyResult(msg.Result)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "12", set.Previous)
	assert.True(t, set.Existed)
	assert.Equal(t, task.StateClientDone, env.State())
}

func waitOK(c *coordinator.Coordinator, tk task.Task) error {
	env, err := c.Submit(tk)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := env.Wait(ctx)
	if err != nil {
		return err
	}
	return out.Err()
}

// TestServeAcceptsTCP checks Serve runs sessions for real connections and
// returns once its context ends.
func TestServeAcceptsTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewListener(newFakeScheduler(), registry(t), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TagSnapshot, msg.Tag)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

type tempErr struct{}

func (tempErr) Error() string   { return "too many open files" }
func (tempErr) Temporary() bool { return true }

// scriptedListener hands out conns and errors in order, then blocks until
// closed. A channel step makes Accept wait for it to close first.
type scriptedListener struct {
	steps  chan any
	closed chan struct{}
	once   sync.Once
}

func newScriptedListener(steps ...any) *scriptedListener {
	l := &scriptedListener{steps: make(chan any, len(steps)), closed: make(chan struct{})}
	for _, s := range steps {
		l.steps <- s
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	for {
		select {
		case s := <-l.steps:
			switch s := s.(type) {
			case chan struct{}:
				select {
				case <-s:
				case <-l.closed:
					return nil, net.ErrClosed
				}
			case error:
				return nil, s
			case net.Conn:
				return s, nil
			}
		case <-l.closed:
			return nil, net.ErrClosed
		}
	}
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

// TestServeAcceptErrors checks temporary accept errors are retried and a
// permanent one ends Serve without waiting for clients to hang up.
func TestServeAcceptErrors(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	second, secondCli := net.Pipe()
	defer secondCli.Close()

	broken := make(chan struct{})
	ln := newScriptedListener(srv, tempErr{}, tempErr{}, second, broken, errors.New("listener broken"))
	l := NewListener(newFakeScheduler(), registry(t), quietLogger())

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background(), ln) }()

	// Both sessions open although accept failed twice in between.
	for _, c := range []net.Conn{cli, secondCli} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		msg, err := wire.ReadMessage(c)
		require.NoError(t, err)
		assert.Equal(t, wire.TagSnapshot, msg.Tag)
	}
	require.Len(t, l.Sessions(), 2)

	close(broken)
	select {
	case err := <-served:
		assert.ErrorContains(t, err, "listener broken")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve waited for connected clients after a permanent accept error")
	}
	assert.Empty(t, l.Sessions())
}
