package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/layoutd/internal/coordinator"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/server"
	"github.com/dreamware/layoutd/internal/task"
	"github.com/dreamware/layoutd/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store    *design.Store
	coord    *coordinator.Coordinator
	listener *server.Listener
	ctx      context.Context
	client   *Client
	replica  *design.Replica
	changes  atomic.Int32
	done     chan error
}

// newHarness wires a client to a server session over an in-memory pipe.
func newHarness(t *testing.T, seed map[string]string) *harness {
	t.Helper()
	h := &harness{store: design.New(), replica: design.NewReplica(), done: make(chan error, 1)}
	for k, v := range seed {
		require.NoError(t, h.store.Put(k, v))
	}
	h.coord = coordinator.New(h.store, coordinator.WithUndo(h.store), coordinator.WithLogger(quietLogger()))
	h.store.SetGuard(h.coord.CanMutate)
	require.NoError(t, h.coord.Start(context.Background()))
	t.Cleanup(h.coord.Stop)

	reg := task.NewRegistry()
	require.NoError(t, design.Register(reg))
	h.listener = server.NewListener(h.coord, reg, quietLogger())

	srvConn, cliConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	go func() { _ = h.listener.ServeConn(ctx, srvConn, "pipe") }()

	h.client = New(cliConn, h.replica, WithLogger(quietLogger()), OnChange(func() { h.changes.Add(1) }))
	go func() { h.done <- h.client.Run(ctx) }()

	select {
	case <-h.client.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake")
	}
	return h
}

// attach connects one more client to the same server.
func (h *harness) attach(t *testing.T) (*Client, *design.Replica) {
	t.Helper()
	replica := design.NewReplica()
	srvConn, cliConn := net.Pipe()
	go func() { _ = h.listener.ServeConn(h.ctx, srvConn, "pipe-2") }()
	c := New(cliConn, replica, WithLogger(quietLogger()))
	go func() { _ = c.Run(h.ctx) }()
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake")
	}
	return c, replica
}

func wait(t *testing.T, env *task.Envelope) *task.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := env.Wait(ctx)
	require.NoError(t, err)
	return out
}

// TestHandshakeFillsReplica checks the replica holds the whole database
// before any task is sent.
func TestHandshakeFillsReplica(t *testing.T) {
	h := newHarness(t, map[string]string{"cell/inv/width": "12", "layer/metal1": "blue"})

	keys, err := h.replica.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"cell/inv/width", "layer/metal1"}, keys)
	assert.EqualValues(t, 1, h.changes.Load())
}

// TestRoundTripFieldPropagation checks mutated fields come back into the
// caller's own task value and the replica follows the server.
func TestRoundTripFieldPropagation(t *testing.T) {
	h := newHarness(t, map[string]string{"cell/inv/width": "12"})

	set := &design.SetProperty{Key: "cell/inv/width", Value: "16"}
	env, err := h.client.Submit(set)
	require.NoError(t, err)
	out := wait(t, env)

	require.True(t, out.Succeeded())
	assert.Equal(t, "12", set.Previous)
	assert.True(t, set.Existed)
	assert.ElementsMatch(t, []string{"previous", "existed"}, out.Mutated)
	assert.Equal(t, task.StateClientDone, env.State())

	v, ok, err := h.replica.Get("cell/inv/width")
	require.NoError(t, err)
	require.True(t, ok, "diff must be applied before the result")
	assert.Equal(t, "16", v)
	assert.GreaterOrEqual(t, h.changes.Load(), int32(2))
}

// TestOtherSessionsSeeMutation checks a mutation made through one client
// reaches the replica of another.
func TestOtherSessionsSeeMutation(t *testing.T) {
	h := newHarness(t, map[string]string{"cell/inv/width": "12"})
	_, other := h.attach(t)

	env, err := h.client.Submit(&design.SetProperty{Key: "cell/nand/width", Value: "20"})
	require.NoError(t, err)
	require.True(t, wait(t, env).Succeeded())

	require.Eventually(t, func() bool {
		v, ok, err := other.Get("cell/nand/width")
		return err == nil && ok && v == "20"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, h.listener.Sessions(), 2)
}

// TestSubmissionOrder checks queued tasks go out one at a time in order.
func TestSubmissionOrder(t *testing.T) {
	h := newHarness(t, nil)

	var envs []*task.Envelope
	for _, v := range []string{"1", "2", "3"} {
		env, err := h.client.Submit(&design.SetProperty{Key: "k", Value: v})
		require.NoError(t, err)
		envs = append(envs, env)
	}
	count := &design.CountKeys{}
	env, err := h.client.Submit(count)
	require.NoError(t, err)
	envs = append(envs, env)

	for _, e := range envs {
		require.True(t, wait(t, e).Succeeded())
	}
	prev := []string{"", "1", "2"}
	for i, e := range envs[:3] {
		assert.Equal(t, prev[i], e.Task().(*design.SetProperty).Previous)
	}
	assert.Equal(t, 1, count.Count)
	assert.Zero(t, h.client.Pending())
}

// TestRemoteFailure checks a failing task reports its failure and still
// propagates the fields it changed.
func TestRemoteFailure(t *testing.T) {
	h := newHarness(t, nil)

	undo := &design.UndoLast{}
	env, err := h.client.Submit(undo)
	require.NoError(t, err)
	out := wait(t, env)

	require.NotNil(t, out.Failure)
	assert.Equal(t, task.FailureTask, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, design.ErrNothingToUndo.Error())
}

// TestConnectionLossFailsPending checks queued tasks are finished once the
// connection is gone and later submits are refused.
func TestConnectionLossFailsPending(t *testing.T) {
	srv, cli := net.Pipe()
	c := New(cli, design.NewReplica(), WithLogger(quietLogger()))
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// Read the first task so the writer is not blocked, then hang up.
	env1, err := c.Submit(&design.CountKeys{})
	require.NoError(t, err)
	env2, err := c.Submit(&design.CountKeys{})
	require.NoError(t, err)
	_, err = wire.ReadTask(srv)
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	for _, env := range []*task.Envelope{env1, env2} {
		out := wait(t, env)
		assert.ErrorIs(t, out.Err(), task.ErrStopped)
	}
	_, err = c.Submit(&design.CountKeys{})
	assert.ErrorIs(t, err, ErrClosed)
}

// TestUnexpectedResult checks a result with nothing in flight ends the loop.
func TestUnexpectedResult(t *testing.T) {
	srv, cli := net.Pipe()
	c := New(cli, design.NewReplica(), WithLogger(quietLogger()))
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, wire.WriteResult(srv, "count-keys", []byte{0xa0}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnexpectedResult)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

// TestUndecodableTaskFailsInFlight checks a failure result that cannot name
// the task still completes the task in flight and keeps the connection.
func TestUndecodableTaskFailsInFlight(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	c := New(cli, design.NewReplica(), WithLogger(quietLogger()))
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, wire.WriteSnapshot(srv, nil))
	env, err := c.Submit(&design.CountKeys{Prefix: "cell/"})
	require.NoError(t, err)
	_, err = wire.ReadTask(srv)
	require.NoError(t, err)

	// What a server answers for a wire form it cannot decode.
	bad, err := task.DecodeEnvelope(task.NewRegistry(), []byte{0xff})
	require.Error(t, err)
	require.NoError(t, bad.Finish(&task.Outcome{Failure: bad.Rejected()}))
	raw, err := bad.EncodeResult()
	require.NoError(t, err)
	require.NoError(t, wire.WriteResult(srv, bad.Name(), raw))

	out := wait(t, env)
	require.NotNil(t, out.Failure)
	assert.Equal(t, task.FailureDecode, out.Failure.Kind)
	assert.Equal(t, task.StateClientDone, env.State())

	// The connection is still usable.
	_, err = c.Submit(&design.CountKeys{})
	require.NoError(t, err)
	_, err = wire.ReadTask(srv)
	require.NoError(t, err)
	select {
	case err := <-done:
		t.Fatalf("client stopped: %v", err)
	default:
	}
	assert.Equal(t, 1, c.Pending())
}

// TestDial covers plain TCP dialing and giving up on an unreachable server.
func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	conn, err := Dial(context.Background(), addr, DialConfig{MaxElapsed: time.Second, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err = Dial(context.Background(), addr, DialConfig{MaxElapsed: 300 * time.Millisecond, Timeout: 100 * time.Millisecond})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
