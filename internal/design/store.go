package design

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/dreamware/layoutd/internal/task"
)

// ErrNothingToUndo is returned by UndoLast when no batch is recorded.
var ErrNothingToUndo = errors.New("nothing to undo")

// maxBatches bounds the undo history.
const maxBatches = 64

// batch is one recorded undo unit: the document heads around a Mutate task.
type batch struct {
	name   string
	before []automerge.ChangeHash
	after  []automerge.ChangeHash
}

// Store is the server-side design database: a flat map of property keys
// (for example "cell/nand2/width") to scalar values, kept in an automerge
// document so that snapshots can be diffed by change history.
//
// Writes must happen inside an exclusive task. When a guard is installed,
// Put, Delete and UndoLast panic with task.ContractViolation if it reports
// that no exclusive task holds the database.
type Store struct {
	mu      sync.RWMutex
	doc     *automerge.Doc
	guard   func() bool
	batches []batch
	open    *batch
}

// New creates an empty store.
func New() *Store {
	return &Store{doc: automerge.New()}
}

// Load restores a store from bytes produced by Save.
func Load(raw []byte) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load design: %w", err)
	}
	return &Store{doc: doc}, nil
}

// SetGuard installs the check run before every write, typically
// Coordinator.CanMutate.
func (s *Store) SetGuard(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = fn
}

func (s *Store) checkWrite(op string) {
	s.mu.RLock()
	guard := s.guard
	s.mu.RUnlock()
	if guard != nil && !guard() {
		panic(&task.ContractViolation{Op: op, Reason: "database written outside an exclusive task"})
	}
}

// Put sets key to value. Values must be scalars automerge can store:
// string, bool, int64, float64, []byte, time.Time.
func (s *Store) Put(key string, value any) error {
	s.checkWrite("Put")
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.doc.Path(key).Set(value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := s.doc.Commit("put " + key); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.checkWrite("Delete")
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := lookup(s.doc, key); err != nil || !ok {
		return err
	}
	if err := s.doc.Path(key).Delete(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := s.doc.Commit("delete " + key); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.doc, key)
}

// Keys returns every key with the given prefix, sorted.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.doc, prefix)
}

// Save encodes the whole document for persistence.
func (s *Store) Save() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Save()
}

// Snapshot forks the document at its current heads.
func (s *Store) Snapshot() task.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	heads := s.doc.Heads()
	fork, err := s.doc.Fork()
	return &Snapshot{doc: fork, heads: heads, err: err}
}

// BeginBatch opens an undo batch for a Mutate task.
func (s *Store) BeginBatch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = &batch{name: name, before: s.doc.Heads()}
}

// EndBatch closes the open batch. Batches that changed nothing are dropped.
func (s *Store) EndBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return
	}
	b := *s.open
	s.open = nil
	b.after = s.doc.Heads()
	if sameHeads(b.before, b.after) {
		return
	}
	s.batches = append(s.batches, b)
	if len(s.batches) > maxBatches {
		s.batches = s.batches[len(s.batches)-maxBatches:]
	}
}

// UndoDepth returns how many batches can be undone.
func (s *Store) UndoDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// UndoLast restores every key to its value before the most recent batch and
// returns the name of that batch and how many keys changed.
func (s *Store) UndoLast() (string, int, error) {
	s.checkWrite("UndoLast")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batches) == 0 {
		return "", 0, ErrNothingToUndo
	}
	b := s.batches[len(s.batches)-1]
	s.batches = s.batches[:len(s.batches)-1]

	before := automerge.New()
	if len(b.before) > 0 {
		var err error
		if before, err = s.doc.Fork(b.before...); err != nil {
			return "", 0, fmt.Errorf("fork before %s: %w", b.name, err)
		}
	}

	oldKeys, err := keys(before, "")
	if err != nil {
		return "", 0, err
	}
	curKeys, err := keys(s.doc, "")
	if err != nil {
		return "", 0, err
	}

	changed := 0
	for _, key := range union(oldKeys, curKeys) {
		was, existed, err := lookup(before, key)
		if err != nil {
			return "", 0, err
		}
		now, exists, err := lookup(s.doc, key)
		if err != nil {
			return "", 0, err
		}
		switch {
		case existed && (!exists || !reflect.DeepEqual(was, now)):
			err = s.doc.Path(key).Set(was)
		case !existed && exists:
			err = s.doc.Path(key).Delete()
		default:
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("undo %s: %w", key, err)
		}
		changed++
	}
	if changed > 0 {
		if _, err := s.doc.Commit("undo " + b.name); err != nil {
			return "", 0, fmt.Errorf("commit undo: %w", err)
		}
	}
	return b.name, changed, nil
}

func lookup(doc *automerge.Doc, key string) (any, bool, error) {
	v, err := doc.Path(key).Get()
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if v.Kind() == automerge.KindVoid {
		return nil, false, nil
	}
	return v.Interface(), true, nil
}

func keys(doc *automerge.Doc, prefix string) ([]string, error) {
	all, err := doc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
