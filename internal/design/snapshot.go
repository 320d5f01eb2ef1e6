package design

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/dreamware/layoutd/internal/task"
)

// Snapshot is an immutable fork of the store at a set of heads.
type Snapshot struct {
	doc   *automerge.Doc
	heads []automerge.ChangeHash
	err   error
}

// Diff encodes every change in s that a replica holding prev lacks. Against
// a nil prev, or a snapshot from another database, that is the full history.
func (s *Snapshot) Diff(prev task.Snapshot) ([]byte, error) {
	if s.err != nil {
		return nil, fmt.Errorf("snapshot: %w", s.err)
	}
	var since []automerge.ChangeHash
	if p, ok := prev.(*Snapshot); ok && p != nil {
		since = p.heads
	}
	changes, err := s.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("diff snapshot: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// Save encodes the snapshot as a whole document, loadable with Load.
func (s *Snapshot) Save() ([]byte, error) {
	if s.err != nil {
		return nil, fmt.Errorf("snapshot: %w", s.err)
	}
	return s.doc.Save(), nil
}

// SaveSnapshot encodes a snapshot published by a coordinator running over a
// Store.
func SaveSnapshot(snap task.Snapshot) ([]byte, error) {
	s, ok := snap.(*Snapshot)
	if !ok || s == nil {
		return nil, fmt.Errorf("save snapshot: unexpected type %T", snap)
	}
	return s.Save()
}

// Heads returns the change hashes this snapshot was taken at.
func (s *Snapshot) Heads() []string {
	out := make([]string, len(s.heads))
	for i, h := range s.heads {
		out[i] = h.String()
	}
	return out
}

// Replica is a client's copy of the design database, rebuilt from snapshot
// diffs. Applying a diff whose changes are already present is a no-op, so
// replaying a diff leaves the replica unchanged.
type Replica struct {
	mu  sync.RWMutex
	doc *automerge.Doc
}

// NewReplica creates an empty replica.
func NewReplica() *Replica {
	return &Replica{doc: automerge.New()}
}

// ApplyDiff merges the changes encoded in diff. The diff may depend on
// changes the replica already holds from earlier diffs.
func (r *Replica) ApplyDiff(diff []byte) error {
	if len(diff) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.LoadIncremental(diff); err != nil {
		return fmt.Errorf("apply diff: %w", err)
	}
	return nil
}

// Get returns the replicated value of key.
func (r *Replica) Get(key string) (any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.doc, key)
}

// Keys returns every replicated key with the given prefix, sorted.
func (r *Replica) Keys(prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.doc, prefix)
}

// Heads returns the replica's current change hashes.
func (r *Replica) Heads() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	heads := r.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}
