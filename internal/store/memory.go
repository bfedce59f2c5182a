// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errClosed = errors.New("store: closed")

type memDoc struct {
	data    []byte
	updated time.Time
}

// Memory is an in-process Store. One mutex serializes every transaction, which
// makes transactions trivially serializable. Transaction functions must not
// call back into the Memory store itself.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]memDoc
	closed bool

	watchMu     sync.Mutex
	watchers    map[string]map[chan struct{}]struct{}
	watchClosed bool

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]memDoc),
		watchers: make(map[string]map[chan struct{}]struct{}),
		now:      time.Now,
	}
}

func (m *Memory) readLocked(path string) *Snapshot {
	_, id := Split(path)
	d, ok := m.docs[path]
	if !ok {
		return &Snapshot{Path: path, ID: id}
	}
	return &Snapshot{
		Path:      path,
		ID:        id,
		Exists:    true,
		Data:      append(json.RawMessage(nil), d.data...),
		UpdatedAt: d.updated,
	}
}

func (m *Memory) listLocked(collection string) []*Snapshot {
	var out []*Snapshot
	for p := range m.docs {
		if Collection(p) == collection {
			out = append(out, m.readLocked(p))
		}
	}
	sortSnapshots(out)
	return out
}

func (m *Memory) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return unavailable(op, errClosed)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) (*Snapshot, error) {
	if err := m.begin(ctx, "get"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.readLocked(path), nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]*Snapshot, error) {
	if err := m.begin(ctx, "list"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.listLocked(collection), nil
}

func (m *Memory) Set(ctx context.Context, path string, v interface{}) error {
	return m.RunBatch(ctx, func(b Batch) error { return b.Set(path, v) })
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	return m.RunTransaction(ctx, func(tx Tx) error { return tx.Update(path, fields) })
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	return m.RunBatch(ctx, func(b Batch) error {
		b.Delete(path)
		return nil
	})
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.begin(ctx, "transaction"); err != nil {
		return err
	}
	state := newTxState(
		func(path string) (*Snapshot, error) { return m.readLocked(path), nil },
		func(collection string) ([]*Snapshot, error) { return m.listLocked(collection), nil },
	)
	if err := fn(state); err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(state)
	m.mu.Unlock()
	m.notify(state.touched())
	return nil
}

func (m *Memory) RunBatch(ctx context.Context, fn func(b Batch) error) error {
	state := newBatchState()
	if err := fn(state); err != nil {
		return err
	}
	if err := m.begin(ctx, "batch"); err != nil {
		return err
	}
	m.commitLocked(state)
	m.mu.Unlock()
	m.notify(state.touched())
	return nil
}

func (m *Memory) commitLocked(state *txState) {
	now := m.now()
	for _, w := range state.writes {
		if w.delete {
			delete(m.docs, w.path)
			continue
		}
		m.docs[w.path] = memDoc{data: w.data, updated: now}
	}
}

func (m *Memory) WatchDocument(ctx context.Context, path string) (*Subscription[*Snapshot], error) {
	trigger, release := m.register(path)
	return startSubscription(ctx, trigger, func(ctx context.Context) (*Snapshot, error) {
		return m.Get(ctx, path)
	}, release), nil
}

func (m *Memory) WatchCollection(ctx context.Context, collection string) (*Subscription[[]*Snapshot], error) {
	trigger, release := m.register(collection)
	return startSubscription(ctx, trigger, func(ctx context.Context) ([]*Snapshot, error) {
		return m.List(ctx, collection)
	}, release), nil
}

func (m *Memory) register(key string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.watchMu.Lock()
	if m.watchClosed {
		m.watchMu.Unlock()
		close(ch)
		return ch, nil
	}
	set, ok := m.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		m.watchers[key] = set
	}
	set[ch] = struct{}{}
	m.watchMu.Unlock()

	return ch, func() {
		m.watchMu.Lock()
		delete(m.watchers[key], ch)
		if len(m.watchers[key]) == 0 {
			delete(m.watchers, key)
		}
		m.watchMu.Unlock()
	}
}

func (m *Memory) notify(keys []string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, k := range keys {
		for ch := range m.watchers[k] {
			signal(ch)
		}
	}
}

// Close rejects further operations and ends every running subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("memory store: %w", errClosed)
	}
	m.closed = true
	m.mu.Unlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.watchClosed = true
	for key, set := range m.watchers {
		for ch := range set {
			close(ch)
		}
		delete(m.watchers, key)
	}
	return nil
}
