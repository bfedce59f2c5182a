// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed document paths.
const NotifyChannel = "doc_changes"

// Schema creates the documents table used by the Postgres store.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);
`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres keeps every document in one JSONB table. Transactions run at
// SERIALIZABLE isolation and lock the rows they read; serialization failures
// are retried.
type Postgres struct {
	pool     *pgxpool.Pool
	attempts int
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, attempts: DefaultTxAttempts}
}

// ConnectPostgres creates a pool for connStr and pings it.
func ConnectPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return NewPostgres(pool), nil
}

// Pool exposes the pool so other components can share it.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Migrate creates the documents table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

func (p *Postgres) read(ctx context.Context, q querier, path string, lock bool) (*Snapshot, error) {
	sql := `SELECT data, updated_at FROM documents WHERE path = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	_, id := Split(path)
	var data []byte
	var updated time.Time
	err := q.QueryRow(ctx, sql, path).Scan(&data, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Snapshot{Path: path, ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Snapshot{Path: path, ID: id, Exists: true, Data: data, UpdatedAt: updated}, nil
}

func (p *Postgres) list(ctx context.Context, q querier, collection string, lock bool) ([]*Snapshot, error) {
	sql := `SELECT path, data, updated_at FROM documents WHERE collection = $1 ORDER BY path`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		s := &Snapshot{Exists: true}
		var data []byte
		if err := rows.Scan(&s.Path, &data, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Data = data
		_, s.ID = Split(s.Path)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Get(ctx context.Context, path string) (*Snapshot, error) {
	s, err := p.read(ctx, p.pool, path, false)
	if err != nil {
		return nil, unavailable("postgres get", err)
	}
	return s, nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]*Snapshot, error) {
	snaps, err := p.list(ctx, p.pool, collection, false)
	if err != nil {
		return nil, unavailable("postgres list", err)
	}
	return snaps, nil
}

func (p *Postgres) Set(ctx context.Context, path string, v interface{}) error {
	return p.RunBatch(ctx, func(b Batch) error { return b.Set(path, v) })
}

func (p *Postgres) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	return p.RunTransaction(ctx, func(tx Tx) error { return tx.Update(path, fields) })
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	return p.RunBatch(ctx, func(b Batch) error {
		b.Delete(path)
		return nil
	})
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < p.attempts; attempt++ {
		var fnErr error
		err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			state := newTxState(
				func(path string) (*Snapshot, error) { return p.read(ctx, tx, path, true) },
				func(collection string) ([]*Snapshot, error) { return p.list(ctx, tx, collection, true) },
			)
			if err := fn(state); err != nil {
				fnErr = err
				return err
			}
			return p.apply(ctx, tx, state)
		})
		// a locking read that lost a serialization race fails inside fn
		if retryable(fnErr) || retryable(err) {
			if err := retryBackoff(ctx, attempt); err != nil {
				return unavailable("postgres transaction", err)
			}
			continue
		}
		if fnErr != nil {
			return fnErr
		}
		if err != nil {
			return unavailable("postgres transaction", err)
		}
		return nil
	}
	return fmt.Errorf("postgres transaction: %w", ErrAborted)
}

func (p *Postgres) RunBatch(ctx context.Context, fn func(b Batch) error) error {
	state := newBatchState()
	if err := fn(state); err != nil {
		return err
	}
	if len(state.writes) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return p.apply(ctx, tx, state)
	})
	if err != nil {
		return unavailable("postgres batch", err)
	}
	return nil
}

// apply writes the buffered changes and queues one notification per touched
// key; Postgres delivers them only if the transaction commits.
func (p *Postgres) apply(ctx context.Context, tx pgx.Tx, state *txState) error {
	for _, w := range state.writes {
		if w.delete {
			if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, w.path); err != nil {
				return err
			}
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (path, collection, data, updated_at)
			VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		`, w.path, Collection(w.path), string(w.data))
		if err != nil {
			return err
		}
	}
	for _, k := range state.touched() {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, k); err != nil {
			return err
		}
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// listen takes a connection out of the pool and forwards notifications for key.
func (p *Postgres) listen(ctx context.Context, key string) (chan struct{}, func(), error) {
	pooled, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, unavailable("postgres listen", err)
	}
	if _, err := pooled.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		pooled.Release()
		return nil, nil, unavailable("postgres listen", err)
	}
	conn := pooled.Hijack()

	lctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(trigger)
		for {
			n, err := conn.WaitForNotification(lctx)
			if err != nil {
				return
			}
			if n.Payload == key {
				signal(trigger)
			}
		}
	}()

	release := func() {
		cancel()
		wg.Wait()
		closeCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		conn.Close(closeCtx)
	}
	return trigger, release, nil
}

func (p *Postgres) WatchDocument(ctx context.Context, path string) (*Subscription[*Snapshot], error) {
	trigger, release, err := p.listen(ctx, path)
	if err != nil {
		return nil, err
	}
	return startSubscription(ctx, trigger, func(ctx context.Context) (*Snapshot, error) {
		return p.Get(ctx, path)
	}, release), nil
}

func (p *Postgres) WatchCollection(ctx context.Context, collection string) (*Subscription[[]*Snapshot], error) {
	trigger, release, err := p.listen(ctx, collection)
	if err != nil {
		return nil, err
	}
	return startSubscription(ctx, trigger, func(ctx context.Context) ([]*Snapshot, error) {
		return p.List(ctx, collection)
	}, release), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
