// internal/store/tx.go
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var errBatchRead = errors.New("store: batches cannot read")

type pendingWrite struct {
	path   string
	data   []byte
	delete bool
}

func (w *pendingWrite) snapshot() *Snapshot {
	_, id := Split(w.path)
	if w.delete {
		return &Snapshot{Path: w.path, ID: id}
	}
	return &Snapshot{Path: w.path, ID: id, Exists: true, Data: append(json.RawMessage(nil), w.data...)}
}

// txState buffers the writes of one transaction attempt on top of a backend's
// read functions. Every backend commits txState.writes in order.
type txState struct {
	read   func(path string) (*Snapshot, error)
	list   func(collection string) ([]*Snapshot, error)
	writes []*pendingWrite
	byPath map[string]*pendingWrite
}

func newTxState(read func(string) (*Snapshot, error), list func(string) ([]*Snapshot, error)) *txState {
	return &txState{
		read:   read,
		list:   list,
		byPath: make(map[string]*pendingWrite),
	}
}

// newBatchState returns a write-only txState.
func newBatchState() *txState {
	return newTxState(
		func(string) (*Snapshot, error) { return nil, errBatchRead },
		func(string) ([]*Snapshot, error) { return nil, errBatchRead },
	)
}

func (t *txState) Get(path string) (*Snapshot, error) {
	if w, ok := t.byPath[path]; ok {
		return w.snapshot(), nil
	}
	return t.read(path)
}

func (t *txState) List(collection string) ([]*Snapshot, error) {
	snaps, err := t.list(collection)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		seen[s.Path] = true
		if w, ok := t.byPath[s.Path]; ok {
			if !w.delete {
				out = append(out, w.snapshot())
			}
			continue
		}
		out = append(out, s)
	}
	for _, w := range t.writes {
		if w.delete || seen[w.path] || Collection(w.path) != collection {
			continue
		}
		out = append(out, w.snapshot())
	}
	sortSnapshots(out)
	return out, nil
}

func (t *txState) Set(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.record(path, data, false)
	return nil
}

func (t *txState) Update(path string, fields map[string]interface{}) error {
	cur, err := t.Get(path)
	if err != nil {
		return err
	}
	if !cur.Exists {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	data, err := applyUpdate(cur.Data, fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	t.record(path, data, false)
	return nil
}

func (t *txState) Delete(path string) {
	t.record(path, nil, true)
}

func (t *txState) record(path string, data []byte, del bool) {
	if w, ok := t.byPath[path]; ok {
		w.data = data
		w.delete = del
		return
	}
	w := &pendingWrite{path: path, data: data, delete: del}
	t.writes = append(t.writes, w)
	t.byPath[path] = w
}

// touched lists the written document paths followed by their collections, without duplicates.
func (t *txState) touched() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, w := range t.writes {
		add(w.path)
	}
	for _, w := range t.writes {
		add(Collection(w.path))
	}
	return out
}

// applyUpdate merges top level fields into a JSON object. Increment values
// are added to the current numeric value (absent counts as zero).
func applyUpdate(data []byte, fields map[string]interface{}) ([]byte, error) {
	doc := map[string]interface{}{}
	if len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
	}
	for k, v := range fields {
		inc, ok := v.(Increment)
		if !ok {
			doc[k] = v
			continue
		}
		var cur int64
		switch n := doc[k].(type) {
		case nil:
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("increment %q: %w", k, err)
			}
			cur = i
		default:
			return nil, fmt.Errorf("increment %q: field holds %T", k, n)
		}
		doc[k] = cur + int64(inc)
	}
	return json.Marshal(doc)
}

func sortSnapshots(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Path < snaps[j].Path })
}
