package task

import (
	"context"
	"fmt"
)

// Database is the shared design database as the core sees it: something that
// can produce immutable snapshots. Tasks type-assert it to the concrete store.
type Database interface {
	Snapshot() Snapshot
}

// Snapshot is an immutable view of the whole database.
type Snapshot interface {
	// Diff encodes the changes needed to bring a replica holding prev up to
	// this snapshot. A nil prev means the empty baseline.
	Diff(prev Snapshot) ([]byte, error)
}

// UndoRecorder brackets every Mutate task in an undo batch.
type UndoRecorder interface {
	BeginBatch(name string)
	EndBatch()
}

// ContractViolation is panicked when code breaks the exclusivity discipline,
// for example a read-only task writing to the database. It is never turned
// into a task outcome.
type ContractViolation struct {
	Op     string
	Reason string
}

func (v *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", v.Op, v.Reason)
}

// RunContext is handed to Task.Run. The coordinator has already granted the
// access the task's Kind asks for.
type RunContext struct {
	ctx context.Context
	env *Envelope
	db  Database
}

// NewRunContext binds a run to its envelope and database.
func NewRunContext(ctx context.Context, env *Envelope, db Database) *RunContext {
	return &RunContext{ctx: ctx, env: env, db: db}
}

func (rc *RunContext) Context() context.Context { return rc.ctx }

func (rc *RunContext) Database() Database { return rc.db }

// Aborted polls the envelope's cooperative abort flag.
func (rc *RunContext) Aborted() bool {
	return rc.env.AbortRequested()
}

// FieldChanged records that the named task fields now hold values the caller
// should see. Names must match the task's Fields table.
func (rc *RunContext) FieldChanged(names ...string) {
	rc.env.markMutated(names...)
}
