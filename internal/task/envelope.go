package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// State is the position of an envelope in its lifecycle.
type State uint8

const (
	StateClientQueued State = iota + 1
	StateServerQueued
	StateRunning
	StateServerDone
	StateClientDone
)

func (s State) String() string {
	switch s {
	case StateClientQueued:
		return "client-queued"
	case StateServerQueued:
		return "server-queued"
	case StateRunning:
		return "running"
	case StateServerDone:
		return "server-done"
	case StateClientDone:
		return "client-done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// allowed lists the legal transitions out of each state. ServerQueued may
// jump straight to a done state when the task is skipped, and on the client
// copy when the result arrives. ClientQueued finishes directly only when the
// connection is lost before the task was sent.
var allowed = map[State][]State{
	StateClientQueued: {StateServerQueued, StateClientDone},
	StateServerQueued: {StateRunning, StateServerDone, StateClientDone},
	StateRunning:      {StateServerDone, StateClientDone},
	StateServerDone:   {StateClientDone},
}

// Envelope wraps a Task with its execution and transport state.
// All methods are safe for concurrent use.
type Envelope struct {
	ID   uuid.UUID
	task Task
	info Info

	mu       sync.Mutex
	state    State
	remote   bool // decoded from a wire form; finishes in ServerDone
	wire     []byte
	consumed bool // wire form decoded on the executing side
	result   []byte
	mutated  []string
	outcome  *Outcome
	rejected *Failure // bookkeeping failure found while decoding
	onDone   []func(*Envelope)

	submitted time.Time
	started   time.Time
	finished  time.Time

	abort atomic.Bool
	done  chan struct{}
}

// NewEnvelope wraps t in ClientQueued state.
func NewEnvelope(t Task) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		task:      t,
		info:      t.Info(),
		state:     StateClientQueued,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

func (e *Envelope) Task() Task { return e.task }

func (e *Envelope) Info() Info { return e.info }

func (e *Envelope) Name() string { return e.info.Name }

// State returns the current lifecycle state.
func (e *Envelope) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remote reports whether this envelope was decoded from a wire form.
func (e *Envelope) Remote() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// Rejected returns the bookkeeping failure recorded while decoding, if any.
// A rejected envelope is never run.
func (e *Envelope) Rejected() *Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejected
}

// WireForm returns the encoded task, or nil before Encode.
func (e *Envelope) WireForm() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wire
}

// ResultForm returns the encoded outcome, or nil before EncodeResult.
func (e *Envelope) ResultForm() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// MutatedFields returns the field names reported changed so far.
func (e *Envelope) MutatedFields() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.mutated)
}

// Outcome returns the outcome once the envelope is done, else nil.
func (e *Envelope) Outcome() *Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// Abort requests cooperative cancellation. The running task sees it through
// RunContext.Aborted; a task that has not started yet is skipped.
func (e *Envelope) Abort() {
	e.abort.Store(true)
}

// AbortRequested reports whether Abort was called.
func (e *Envelope) AbortRequested() bool {
	return e.abort.Load()
}

// Times returns when the envelope was submitted, started and finished.
// Zero values mean the step has not happened.
func (e *Envelope) Times() (submitted, started, finished time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted, e.started, e.finished
}

// OnDone registers fn to run once the envelope reaches its first done state.
// If it already has, fn runs immediately on the calling goroutine.
func (e *Envelope) OnDone(fn func(*Envelope)) {
	e.mu.Lock()
	if e.outcome == nil {
		e.onDone = append(e.onDone, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn(e)
}

// Done is closed when the outcome is available.
func (e *Envelope) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the envelope is done or ctx ends.
func (e *Envelope) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-e.done:
		return e.Outcome(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkQueued moves a ClientQueued envelope to ServerQueued. The transport
// calls it after transmitting; the coordinator calls it for local submits.
func (e *Envelope) MarkQueued() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(StateServerQueued)
}

// MarkRunning moves a queued envelope to Running.
func (e *Envelope) MarkRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transitionLocked(StateRunning); err != nil {
		return err
	}
	e.started = time.Now()
	return nil
}

// Finish records the outcome of execution. Remote envelopes move to
// ServerDone, local ones straight to ClientDone. Done callbacks run on the
// calling goroutine after the state is updated.
func (e *Envelope) Finish(o *Outcome) error {
	e.mu.Lock()
	target := StateClientDone
	if e.remote {
		target = StateServerDone
	}
	return e.completeLocked(o, target)
}

// MarkDelivered moves a ServerDone envelope to ClientDone once its result has
// been written to the connection.
func (e *Envelope) MarkDelivered() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(StateClientDone)
}

// completeLocked must be called with e.mu held; it releases it.
func (e *Envelope) completeLocked(o *Outcome, target State) error {
	if err := e.transitionLocked(target); err != nil {
		e.mu.Unlock()
		return err
	}
	if o == nil {
		o = Success()
	}
	if o.Failure == nil && len(o.Mutated) == 0 {
		o.Mutated = slices.Clone(e.mutated)
	}
	e.outcome = o
	e.finished = time.Now()
	callbacks := e.onDone
	e.onDone = nil
	e.mu.Unlock()

	close(e.done)
	for _, fn := range callbacks {
		fn(e)
	}
	return nil
}

func (e *Envelope) transitionLocked(to State) error {
	if !slices.Contains(allowed[e.state], to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, e.info.Name, e.state, to)
	}
	e.state = to
	return nil
}

func (e *Envelope) markMutated(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		if !slices.Contains(e.mutated, n) {
			e.mutated = append(e.mutated, n)
		}
	}
}
