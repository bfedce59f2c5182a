// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Run exercises a fresh, empty store. newStore is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, newStore(t)) })
	t.Run("UpdateIncrement", func(t *testing.T) { testUpdateIncrement(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("BatchAndList", func(t *testing.T) { testBatchAndList(t, newStore(t)) })
	t.Run("TransactionRollback", func(t *testing.T) { testTransactionRollback(t, newStore(t)) })
	t.Run("TransactionSeesOwnWrites", func(t *testing.T) { testTransactionSeesOwnWrites(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("WatchDocument", func(t *testing.T) { testWatchDocument(t, newStore(t)) })
	t.Run("WatchCollection", func(t *testing.T) { testWatchCollection(t, newStore(t)) })
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testGetMissing(t *testing.T, s store.Store) {
	snap, err := s.Get(ctxT(t), "things/nope")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "nope", snap.ID)
}

func testSetGetDelete(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	require.NoError(t, s.Set(ctx, "things/a", doc{Name: "alpha", Count: 3}))

	snap, err := s.Get(ctx, "things/a")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	var got doc
	require.NoError(t, snap.DataTo(&got))
	assert.Equal(t, doc{Name: "alpha", Count: 3}, got)

	require.NoError(t, s.Delete(ctx, "things/a"))
	snap, err = s.Get(ctx, "things/a")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func testUpdateIncrement(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	require.NoError(t, s.Set(ctx, "things/a", doc{Name: "alpha", Count: 1}))
	require.NoError(t, s.Update(ctx, "things/a", map[string]interface{}{
		"count": store.Increment(10),
		"name":  "beta",
	}))

	snap, err := s.Get(ctx, "things/a")
	require.NoError(t, err)
	var got doc
	require.NoError(t, snap.DataTo(&got))
	assert.Equal(t, doc{Name: "beta", Count: 11}, got)
}

func testUpdateMissing(t *testing.T, s store.Store) {
	err := s.Update(ctxT(t), "things/nope", map[string]interface{}{"count": 1})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testBatchAndList(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	err := s.RunBatch(ctx, func(b store.Batch) error {
		if err := b.Set("rooms/r1", doc{Name: "room"}); err != nil {
			return err
		}
		for _, id := range []string{"c", "a", "b"} {
			if err := b.Set(store.Join("rooms/r1/players", id), doc{Name: id}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	snaps, err := s.List(ctx, "rooms/r1/players")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})

	// the room document is not part of its own subcollection
	rooms, err := s.List(ctx, "rooms")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
}

func testTransactionRollback(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Set("things/a", doc{Name: "never"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap, err := s.Get(ctx, "things/a")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func testTransactionSeesOwnWrites(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	require.NoError(t, s.Set(ctx, "c/x", doc{Name: "x"}))
	err := s.RunTransaction(ctx, func(tx store.Tx) error {
		if err := tx.Set("c/y", doc{Name: "y"}); err != nil {
			return err
		}
		tx.Delete("c/x")
		snaps, err := tx.List("c")
		if err != nil {
			return err
		}
		if len(snaps) != 1 || snaps[0].ID != "y" {
			return fmt.Errorf("unexpected overlay: %d docs", len(snaps))
		}
		got, err := tx.Get("c/x")
		if err != nil {
			return err
		}
		if got.Exists {
			return errors.New("deleted doc still visible")
		}
		return nil
	})
	require.NoError(t, err)

	snaps, err := s.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "y", snaps[0].ID)
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	require.NoError(t, s.Set(ctx, "counters/c", doc{Name: "c"}))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(tx store.Tx) error {
				snap, err := tx.Get("counters/c")
				if err != nil {
					return err
				}
				var d doc
				if err := snap.DataTo(&d); err != nil {
					return err
				}
				d.Count++
				return tx.Set("counters/c", d)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := s.Get(ctx, "counters/c")
	require.NoError(t, err)
	var d doc
	require.NoError(t, snap.DataTo(&d))
	assert.EqualValues(t, workers, d.Count)
}

func testWatchDocument(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	sub, err := s.WatchDocument(ctx, "things/w")
	require.NoError(t, err)
	defer sub.Stop()

	first := <-sub.C
	assert.False(t, first.Exists)

	require.NoError(t, s.Set(ctx, "things/w", doc{Name: "w", Count: 1}))
	waitFor(t, sub.C, func(snap *store.Snapshot) bool { return snap.Exists })

	require.NoError(t, s.Delete(ctx, "things/w"))
	waitFor(t, sub.C, func(snap *store.Snapshot) bool { return !snap.Exists })

	sub.Stop()
	_, open := <-sub.C
	assert.False(t, open, "channel must be closed after Stop")
}

func testWatchCollection(t *testing.T, s store.Store) {
	ctx := ctxT(t)
	sub, err := s.WatchCollection(ctx, "rooms/r/players")
	require.NoError(t, err)
	defer sub.Stop()

	first := <-sub.C
	assert.Empty(t, first)

	require.NoError(t, s.Set(ctx, "rooms/r/players/a", doc{Name: "a"}))
	require.NoError(t, s.Set(ctx, "rooms/r/players/b", doc{Name: "b"}))
	waitFor(t, sub.C, func(snaps []*store.Snapshot) bool { return len(snaps) == 2 })
}

func waitFor[T any](t *testing.T, ch <-chan T, ok func(T) bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, open := <-ch:
			require.True(t, open, "subscription closed early")
			if ok(v) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for subscription value")
		}
	}
}
