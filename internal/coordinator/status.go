package coordinator

import (
	"time"

	"github.com/dreamware/layoutd/internal/task"
)

// TaskStatus is a point-in-time view of one envelope for the task list.
type TaskStatus struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	Priority       string    `json:"priority"`
	State          string    `json:"state"`
	Submitted      time.Time `json:"submitted"`
	Started        time.Time `json:"started,omitempty"`
	Finished       time.Time `json:"finished,omitempty"`
	AbortRequested bool      `json:"abort_requested"`
	Failure        string    `json:"failure,omitempty"`
}

func statusOf(env *task.Envelope) TaskStatus {
	info := env.Info()
	submitted, started, finished := env.Times()
	st := TaskStatus{
		ID:             env.ID.String(),
		Name:           info.Name,
		Kind:           info.Kind.String(),
		Priority:       info.Priority.String(),
		State:          env.State().String(),
		Submitted:      submitted,
		Started:        started,
		Finished:       finished,
		AbortRequested: env.AbortRequested(),
	}
	if out := env.Outcome(); out != nil && out.Failure != nil {
		st.Failure = out.Failure.Error()
	}
	return st
}

// Tasks lists displayed tasks: started ones first, then waiting ones in
// queue order.
func (c *Coordinator) Tasks() []TaskStatus {
	c.mu.Lock()
	envs := make([]*task.Envelope, 0, len(c.started)+len(c.waiting))
	envs = append(envs, c.started...)
	envs = append(envs, c.waiting...)
	c.mu.Unlock()

	out := make([]TaskStatus, 0, len(envs))
	for _, env := range envs {
		if env.Info().Displayed {
			out = append(out, statusOf(env))
		}
	}
	return out
}

// Running returns the envelopes currently inside Run.
func (c *Coordinator) Running() []*task.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*task.Envelope, 0, len(c.started))
	for _, env := range c.started {
		if env.State() == task.StateRunning {
			out = append(out, env)
		}
	}
	return out
}

// Pending returns how many tasks are waiting and how many read-only tasks
// are running.
func (c *Coordinator) Pending() (waiting, activeReadOnly int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting), c.activeReadOnly
}
