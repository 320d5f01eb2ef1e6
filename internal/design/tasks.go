package design

import (
	"fmt"
	"strings"

	"github.com/dreamware/layoutd/internal/task"
)

// Register installs factories for every task in this package.
func Register(reg *task.Registry) error {
	for _, f := range []task.Factory{
		func() task.Task { return &SetProperty{} },
		func() task.Task { return &DeleteProperty{} },
		func() task.Task { return &GetProperty{} },
		func() task.Task { return &CountKeys{} },
		func() task.Task { return &ScanKeys{} },
		func() task.Task { return &UndoLast{} },
	} {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

func storeOf(rc *task.RunContext) (*Store, error) {
	s, ok := rc.Database().(*Store)
	if !ok {
		return nil, fmt.Errorf("database is %T, not a design store", rc.Database())
	}
	return s, nil
}

// SetProperty writes Value under Key and reports the previous value.
type SetProperty struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Previous string `json:"previous,omitempty"`
	Existed  bool   `json:"existed"`
}

func (t *SetProperty) Info() task.Info {
	return task.Info{Name: "set-property", Kind: task.KindMutate, Priority: task.PriorityUser, Displayed: true}
}

func (t *SetProperty) Fields() []task.Field {
	return []task.Field{
		task.Var("key", &t.Key),
		task.Var("value", &t.Value),
		task.Var("previous", &t.Previous),
		task.Var("existed", &t.Existed),
	}
}

func (t *SetProperty) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	if t.Key == "" {
		return fmt.Errorf("set-property: empty key")
	}
	prev, ok, err := s.Get(t.Key)
	if err != nil {
		return err
	}
	if ok {
		t.Previous = fmt.Sprint(prev)
	}
	t.Existed = ok
	rc.FieldChanged("previous", "existed")
	return s.Put(t.Key, t.Value)
}

// DeleteProperty removes Key and reports whether it existed.
type DeleteProperty struct {
	Key     string `json:"key"`
	Existed bool   `json:"existed"`
}

func (t *DeleteProperty) Info() task.Info {
	return task.Info{Name: "delete-property", Kind: task.KindMutate, Priority: task.PriorityUser, Displayed: true}
}

func (t *DeleteProperty) Fields() []task.Field {
	return []task.Field{
		task.Var("key", &t.Key),
		task.Var("existed", &t.Existed),
	}
}

func (t *DeleteProperty) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	_, ok, err := s.Get(t.Key)
	if err != nil {
		return err
	}
	t.Existed = ok
	rc.FieldChanged("existed")
	return s.Delete(t.Key)
}

// GetProperty reads Key.
type GetProperty struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

func (t *GetProperty) Info() task.Info {
	return task.Info{Name: "get-property", Kind: task.KindReadOnly, Priority: task.PriorityVisibleChange}
}

func (t *GetProperty) Fields() []task.Field {
	return []task.Field{
		task.Var("key", &t.Key),
		task.Var("value", &t.Value),
		task.Var("found", &t.Found),
	}
}

func (t *GetProperty) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	v, ok, err := s.Get(t.Key)
	if err != nil {
		return err
	}
	t.Found = ok
	if ok {
		t.Value = fmt.Sprint(v)
	}
	rc.FieldChanged("value", "found")
	return nil
}

// CountKeys counts keys under Prefix.
type CountKeys struct {
	Prefix string `json:"prefix,omitempty"`
	Count  int    `json:"count"`
}

func (t *CountKeys) Info() task.Info {
	return task.Info{Name: "count-keys", Kind: task.KindReadOnly, Priority: task.PriorityAnalysis, Displayed: true}
}

func (t *CountKeys) Fields() []task.Field {
	return []task.Field{
		task.Var("prefix", &t.Prefix),
		task.Var("count", &t.Count),
	}
}

func (t *CountKeys) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	keys, err := s.Keys(t.Prefix)
	if err != nil {
		return err
	}
	t.Count = len(keys)
	rc.FieldChanged("count")
	return nil
}

// ScanKeys collects keys under Prefix containing Match, checking for abort
// between keys. Matches found before an abort are still reported.
type ScanKeys struct {
	Prefix  string   `json:"prefix,omitempty"`
	Match   string   `json:"match,omitempty"`
	Matches []string `json:"matches"`
	// Visit, when set, runs for every key scanned. It is not transported.
	Visit func(key string) `json:"-"`
}

func (t *ScanKeys) Info() task.Info {
	return task.Info{Name: "scan-keys", Kind: task.KindReadOnly, Priority: task.PriorityAnalysis, Displayed: true, Retain: true}
}

func (t *ScanKeys) Fields() []task.Field {
	return []task.Field{
		task.Var("prefix", &t.Prefix),
		task.Var("match", &t.Match),
		task.Var("matches", &t.Matches),
	}
}

func (t *ScanKeys) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	keys, err := s.Keys(t.Prefix)
	if err != nil {
		return err
	}
	defer rc.FieldChanged("matches")
	for _, k := range keys {
		if rc.Aborted() {
			return task.ErrAborted
		}
		if t.Visit != nil {
			t.Visit(k)
		}
		if strings.Contains(k, t.Match) {
			t.Matches = append(t.Matches, k)
		}
	}
	return nil
}

// UndoLast reverts the most recent Mutate batch.
type UndoLast struct {
	Batch    string `json:"batch,omitempty"`
	Reverted int    `json:"reverted"`
}

func (t *UndoLast) Info() task.Info {
	return task.Info{Name: "undo-last", Kind: task.KindUndo, Priority: task.PriorityUser, Displayed: true}
}

func (t *UndoLast) Fields() []task.Field {
	return []task.Field{
		task.Var("batch", &t.Batch),
		task.Var("reverted", &t.Reverted),
	}
}

func (t *UndoLast) Run(rc *task.RunContext) error {
	s, err := storeOf(rc)
	if err != nil {
		return err
	}
	name, n, err := s.UndoLast()
	if err != nil {
		return err
	}
	t.Batch, t.Reverted = name, n
	rc.FieldChanged("batch", "reverted")
	return nil
}
