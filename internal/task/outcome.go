package task

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by task and envelope operations.
var (
	ErrAborted           = errors.New("task aborted")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownTask       = errors.New("unknown task")
	ErrWireNotConsumed   = errors.New("result requested before wire form was consumed")
	ErrStopped           = errors.New("coordinator stopped")
)

// FailureKind classifies why a task did not succeed.
type FailureKind string

const (
	FailureTask        FailureKind = "task"         // Run returned an error
	FailurePanic       FailureKind = "panic"        // Run panicked
	FailureAborted     FailureKind = "aborted"      // cooperative abort honoured or task skipped
	FailureDecode      FailureKind = "decode"       // malformed wire form
	FailureEncode      FailureKind = "encode"       // result could not be encoded
	FailureUnknownTask FailureKind = "unknown-task" // no factory registered
	FailureStopped     FailureKind = "stopped"      // coordinator stopped before the task ran
)

// Failure is the failure branch of an Outcome. It survives the wire, so it
// carries only a kind and a message.
type Failure struct {
	Kind    FailureKind `cbor:"kind"`
	Message string      `cbor:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is lets errors.Is match failures against the package sentinels.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrAborted:
		return f.Kind == FailureAborted
	case ErrUnknownTask:
		return f.Kind == FailureUnknownTask
	case ErrStopped:
		return f.Kind == FailureStopped
	}
	return false
}

// NewFailure converts err into a Failure of the given kind.
func NewFailure(kind FailureKind, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kind, Message: err.Error()}
}

// Outcome is the result of running a task: Success with the names of the
// fields the task reported changed, or Failure.
type Outcome struct {
	Failure *Failure
	Mutated []string
}

// Succeeded reports whether the task completed without failure.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Failure == nil
}

// Aborted reports whether the task ended through a cooperative abort.
func (o *Outcome) Aborted() bool {
	return o != nil && o.Failure != nil && o.Failure.Kind == FailureAborted
}

// Err returns the failure as an error, or nil on success.
func (o *Outcome) Err() error {
	if o == nil || o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Success builds a successful outcome.
func Success(mutated ...string) *Outcome {
	return &Outcome{Mutated: mutated}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, err error) *Outcome {
	return &Outcome{Failure: NewFailure(kind, err)}
}
