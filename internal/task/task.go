package task

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind declares how a task accesses the design database.
type Kind uint8

const (
	// KindMutate tasks change the database and run inside an undo batch.
	KindMutate Kind = iota + 1
	// KindUndo tasks change the database but are not themselves recorded.
	KindUndo
	// KindReadOnly tasks only read and may run concurrently with each other.
	KindReadOnly
)

// Exclusive reports whether tasks of this kind need the database to themselves.
func (k Kind) Exclusive() bool {
	return k == KindMutate || k == KindUndo
}

func (k Kind) String() string {
	switch k {
	case KindMutate:
		return "mutate"
	case KindUndo:
		return "undo"
	case KindReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Priority is a scheduling hint. The coordinator runs tasks FIFO within a
// kind, so priority is carried for observability only.
type Priority uint8

const (
	PriorityAnalysis Priority = iota
	PriorityInvisibleChange
	PriorityVisibleChange
	PriorityUser
)

func (p Priority) String() string {
	switch p {
	case PriorityAnalysis:
		return "analysis"
	case PriorityInvisibleChange:
		return "invisible-change"
	case PriorityVisibleChange:
		return "visible-change"
	case PriorityUser:
		return "user"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Info is the static description of a task.
type Info struct {
	// Name identifies the task type in a Registry and on the wire.
	Name string
	Kind Kind
	// Priority is informational; see Priority.
	Priority Priority
	// Displayed tasks are listed by the admin task list.
	Displayed bool
	// Retain keeps the envelope in the coordinator's started list after it
	// finishes, until removed explicitly.
	Retain bool
}

// Task is a unit of work against the shared design database.
//
// Fields returns the descriptor table for every value that travels with the
// task: its parameters and any outputs Run may report back with
// RunContext.FieldChanged. The table must be built from pointers into the
// receiver so that decoding a wire form or a result writes straight into the
// task value.
type Task interface {
	Info() Info
	Fields() []Field
	Run(rc *RunContext) error
}

// Field is one entry of a task's descriptor table: a name plus an accessor
// that encodes the current value and a mutator that overwrites it.
type Field struct {
	Name string
	Get  func() ([]byte, error)
	Set  func(raw []byte) error
}

// Var builds a Field bound to the variable p points at.
//
// Example:
//
//	func (t *SetProperty) Fields() []task.Field {
//	    return []task.Field{
//	        task.Var("key", &t.Key),
//	        task.Var("previous", &t.Previous),
//	    }
//	}
func Var[T any](name string, p *T) Field {
	return Field{
		Name: name,
		Get: func() ([]byte, error) {
			return cbor.Marshal(*p)
		},
		Set: func(raw []byte) error {
			var v T
			if err := cbor.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			*p = v
			return nil
		},
	}
}

// lookupField returns the descriptor named name, if t declares one.
func lookupField(t Task, name string) (Field, bool) {
	for _, f := range t.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
