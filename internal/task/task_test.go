package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resize is a test task with one input and two outputs.
type resize struct {
	Cell   string
	Scale  float64
	Width  int
	Layers []string
}

func (r *resize) Info() Info {
	return Info{Name: "resize", Kind: KindMutate, Priority: PriorityUser, Displayed: true}
}

func (r *resize) Fields() []Field {
	return []Field{
		Var("cell", &r.Cell),
		Var("scale", &r.Scale),
		Var("width", &r.Width),
		Var("layers", &r.Layers),
	}
}

func (r *resize) Run(rc *RunContext) error {
	r.Width = int(float64(r.Width) * r.Scale)
	r.Layers = append(r.Layers, "metal1")
	rc.FieldChanged("width", "layers")
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(func() Task { return &resize{} }))
	return reg
}

// TestKind verifies exclusivity and names of each kind.
func TestKind(t *testing.T) {
	assert.True(t, KindMutate.Exclusive())
	assert.True(t, KindUndo.Exclusive())
	assert.False(t, KindReadOnly.Exclusive())
	assert.Equal(t, "read-only", KindReadOnly.String())
	assert.Equal(t, "user", PriorityUser.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

// TestRegistry covers registration, duplicates and lookups.
func TestRegistry(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Register(func() Task { return &resize{} })
	assert.Error(t, err, "duplicate registration must fail")
	assert.Error(t, reg.Register(nil))

	tk, err := reg.New("resize")
	require.NoError(t, err)
	assert.IsType(t, &resize{}, tk)

	_, err = reg.New("missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Equal(t, []string{"resize"}, reg.Names())
}

// TestEnvelopeTransitions walks the legal state machine and rejects the rest.
func TestEnvelopeTransitions(t *testing.T) {
	t.Run("local path", func(t *testing.T) {
		env := NewEnvelope(&resize{})
		assert.Equal(t, StateClientQueued, env.State())
		require.NoError(t, env.MarkQueued())
		require.NoError(t, env.MarkRunning())
		require.NoError(t, env.Finish(nil))
		assert.Equal(t, StateClientDone, env.State())
		assert.True(t, env.Outcome().Succeeded())
	})

	t.Run("cannot run before queued", func(t *testing.T) {
		env := NewEnvelope(&resize{})
		err := env.MarkRunning()
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("cannot finish twice", func(t *testing.T) {
		env := NewEnvelope(&resize{})
		require.NoError(t, env.MarkQueued())
		require.NoError(t, env.Finish(Success()))
		assert.ErrorIs(t, env.Finish(Success()), ErrInvalidTransition)
	})
}

// TestEnvelopeDoneCallbacks checks OnDone and Wait fire exactly once.
func TestEnvelopeDoneCallbacks(t *testing.T) {
	env := NewEnvelope(&resize{})
	calls := 0
	env.OnDone(func(*Envelope) { calls++ })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, env.MarkQueued())
	require.NoError(t, env.Finish(Failed(FailureTask, errors.New("boom"))))

	out, err := env.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualError(t, out.Err(), "task: boom")
	assert.Equal(t, 1, calls)

	// Late registration runs immediately.
	env.OnDone(func(*Envelope) { calls++ })
	assert.Equal(t, 2, calls)
}

// TestRoundTrip sends a task through encode, remote execution and result
// application, and checks the caller's task ends up with the remote values.
func TestRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	original := &resize{Cell: "nand2", Scale: 2, Width: 21}

	client := NewEnvelope(original)
	wire, err := client.Encode()
	require.NoError(t, err)
	require.NoError(t, client.MarkQueued())

	server, err := DecodeEnvelope(reg, wire)
	require.NoError(t, err)
	assert.Nil(t, server.Rejected())
	assert.True(t, server.Remote())

	_, err = server.EncodeResult()
	assert.ErrorIs(t, err, ErrInvalidTransition, "no outcome yet")

	require.NoError(t, server.MarkRunning())
	rc := NewRunContext(context.Background(), server, nil)
	require.NoError(t, server.Task().Run(rc))
	require.NoError(t, server.Finish(nil))
	assert.Equal(t, StateServerDone, server.State())

	result, err := server.EncodeResult()
	require.NoError(t, err)
	require.NoError(t, server.MarkDelivered())

	out, err := client.ApplyResult(result)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.ElementsMatch(t, []string{"width", "layers"}, out.Mutated)

	remote := server.Task().(*resize)
	assert.Equal(t, remote.Width, original.Width)
	assert.Equal(t, 42, original.Width)
	assert.Equal(t, []string{"metal1"}, original.Layers)
	assert.Equal(t, StateClientDone, client.State())
}

// TestFailureResultCarriesPartialFields checks a failed remote run still
// reports the fields it changed.
func TestFailureResultCarriesPartialFields(t *testing.T) {
	reg := newTestRegistry(t)
	original := &resize{Width: 1}
	client := NewEnvelope(original)
	wire, err := client.Encode()
	require.NoError(t, err)
	require.NoError(t, client.MarkQueued())

	server, err := DecodeEnvelope(reg, wire)
	require.NoError(t, err)
	require.NoError(t, server.MarkRunning())
	server.Task().(*resize).Width = 7
	server.markMutated("width")
	require.NoError(t, server.Finish(Failed(FailureAborted, ErrAborted)))

	result, err := server.EncodeResult()
	require.NoError(t, err)
	out, err := client.ApplyResult(result)
	require.NoError(t, err)
	assert.True(t, out.Aborted())
	assert.ErrorIs(t, out.Err(), ErrAborted)
	assert.Equal(t, 7, original.Width)
}

// TestDecodeRejections covers malformed and unknown wire forms.
func TestDecodeRejections(t *testing.T) {
	reg := newTestRegistry(t)

	env, err := DecodeEnvelope(reg, []byte{0xff, 0x00})
	assert.Error(t, err)
	require.NotNil(t, env)
	require.NotNil(t, env.Rejected())
	assert.Equal(t, FailureDecode, env.Rejected().Kind)

	other := NewRegistry()
	wire, err := NewEnvelope(&resize{}).Encode()
	require.NoError(t, err)
	env, err = DecodeEnvelope(other, wire)
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Equal(t, "resize", env.Name())
	assert.Equal(t, FailureUnknownTask, env.Rejected().Kind)
}

// TestEncodeResultNeedsConsumedWire checks a local envelope never produces a
// result form.
func TestEncodeResultNeedsConsumedWire(t *testing.T) {
	env := NewEnvelope(&resize{})
	require.NoError(t, env.MarkQueued())
	require.NoError(t, env.Finish(nil))
	_, err := env.EncodeResult()
	assert.ErrorIs(t, err, ErrWireNotConsumed)
}

// TestApplyResultGarbage completes the envelope with a decode failure.
func TestApplyResultGarbage(t *testing.T) {
	env := NewEnvelope(&resize{})
	require.NoError(t, env.MarkQueued())
	out, err := env.ApplyResult([]byte{0xff})
	assert.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, FailureDecode, out.Failure.Kind)
	assert.Equal(t, StateClientDone, env.State())
}

// TestAbortFlag checks the flag is visible through the run context.
func TestAbortFlag(t *testing.T) {
	env := NewEnvelope(&resize{})
	rc := NewRunContext(context.Background(), env, nil)
	assert.False(t, rc.Aborted())
	env.Abort()
	assert.True(t, rc.Aborted())
}
