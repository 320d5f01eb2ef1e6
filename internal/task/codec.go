package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// wireTask is the encoded form of a task: its registered name and the value
// of every declared field.
type wireTask struct {
	Name   string      `cbor:"name"`
	Fields []wireField `cbor:"fields"`
}

type wireField struct {
	Name  string          `cbor:"name"`
	Value cbor.RawMessage `cbor:"value"`
}

// wireOutcome is the encoded form of an Outcome: an optional failure followed
// by the values of the mutated fields.
type wireOutcome struct {
	Failure *Failure    `cbor:"failure,omitempty"`
	Fields  []wireField `cbor:"fields"`
}

func encodeFields(t Task, names []string) ([]wireField, error) {
	out := make([]wireField, 0, len(names))
	for _, name := range names {
		f, ok := lookupField(t, name)
		if !ok {
			return nil, fmt.Errorf("task %s has no field %q", t.Info().Name, name)
		}
		raw, err := f.Get()
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
		out = append(out, wireField{Name: name, Value: raw})
	}
	return out, nil
}

func applyFields(t Task, fields []wireField) error {
	for _, wf := range fields {
		f, ok := lookupField(t, wf.Name)
		if !ok {
			return fmt.Errorf("task %s has no field %q", t.Info().Name, wf.Name)
		}
		if err := f.Set(wf.Value); err != nil {
			return err
		}
	}
	return nil
}

// Encode produces the wire form of a ClientQueued envelope. Calling it again
// returns the cached bytes.
func (e *Envelope) Encode() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wire != nil {
		return e.wire, nil
	}
	if e.state != StateClientQueued {
		return nil, fmt.Errorf("%w: encode %s in state %s", ErrInvalidTransition, e.info.Name, e.state)
	}
	all := e.task.Fields()
	names := make([]string, 0, len(all))
	for _, f := range all {
		names = append(names, f.Name)
	}
	fields, err := encodeFields(e.task, names)
	if err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(wireTask{Name: e.info.Name, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", e.info.Name, err)
	}
	e.wire = raw
	return raw, nil
}

// DecodeEnvelope rebuilds a task from its wire form on the executing side.
// It always returns an envelope in ServerQueued state. When the wire form is
// malformed or names an unregistered task, the envelope carries the failure
// in Rejected and the returned error describes it; the caller still owes the
// remote side a result for it.
func DecodeEnvelope(reg *Registry, raw []byte) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New(),
		state:     StateServerQueued,
		remote:    true,
		wire:      raw,
		consumed:  true,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}

	var wt wireTask
	if err := cbor.Unmarshal(raw, &wt); err != nil {
		return env.reject(Info{Name: "unknown", Kind: KindReadOnly}, FailureDecode, fmt.Errorf("decode task: %w", err))
	}
	t, err := reg.New(wt.Name)
	if err != nil {
		return env.reject(Info{Name: wt.Name, Kind: KindReadOnly}, FailureUnknownTask, err)
	}
	env.task = t
	env.info = t.Info()
	if err := applyFields(t, wt.Fields); err != nil {
		return env.reject(env.info, FailureDecode, err)
	}
	return env, nil
}

func (e *Envelope) reject(info Info, kind FailureKind, err error) (*Envelope, error) {
	e.info = info
	e.rejected = NewFailure(kind, err)
	return e, err
}

// EncodeResult produces the result form of a finished remote envelope: the
// failure, if any, and the current values of the mutated fields.
func (e *Envelope) EncodeResult() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.consumed {
		return nil, ErrWireNotConsumed
	}
	if e.outcome == nil {
		return nil, fmt.Errorf("%w: %s has no outcome in state %s", ErrInvalidTransition, e.info.Name, e.state)
	}
	if e.result != nil {
		return e.result, nil
	}

	wo := wireOutcome{Failure: e.outcome.Failure}
	if e.task != nil && len(e.mutated) > 0 {
		fields, err := encodeFields(e.task, e.mutated)
		if err != nil {
			// Report the encoding problem instead of the lost values.
			wo = wireOutcome{Failure: NewFailure(FailureEncode, err)}
		} else {
			wo.Fields = fields
		}
	}
	raw, err := cbor.Marshal(wo)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", e.info.Name, err)
	}
	e.result = raw
	return raw, nil
}

// ApplyResult decodes a result form received for this envelope, writes every
// mutated field back into the original task, and completes the envelope in
// ClientDone. A result that cannot be decoded or applied still completes the
// envelope, with a decode failure.
func (e *Envelope) ApplyResult(raw []byte) (*Outcome, error) {
	var wo wireOutcome
	var applyErr error
	if err := cbor.Unmarshal(raw, &wo); err != nil {
		applyErr = fmt.Errorf("decode result %s: %w", e.info.Name, err)
	} else if err := applyFields(e.task, wo.Fields); err != nil {
		applyErr = fmt.Errorf("apply result %s: %w", e.info.Name, err)
	}

	o := &Outcome{Failure: wo.Failure}
	if applyErr != nil {
		o = Failed(FailureDecode, applyErr)
	} else {
		for _, f := range wo.Fields {
			o.Mutated = append(o.Mutated, f.Name)
		}
	}

	e.mu.Lock()
	e.result = raw
	for _, name := range o.Mutated {
		if !slices.Contains(e.mutated, name) {
			e.mutated = append(e.mutated, name)
		}
	}
	if err := e.completeLocked(o, StateClientDone); err != nil {
		return nil, errors.Join(err, applyErr)
	}
	return o, applyErr
}
