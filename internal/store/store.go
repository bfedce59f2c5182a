// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Update when the target document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrUnavailable wraps any backend failure (network, driver, encoding).
	ErrUnavailable = errors.New("store: unavailable")
	// ErrAborted means a transaction kept conflicting and ran out of retries.
	ErrAborted = errors.New("store: transaction aborted")
)

// DefaultTxAttempts bounds optimistic transaction retries for the remote backends.
const DefaultTxAttempts = 10

// retryBackoff waits a jittered, growing delay before transaction attempt
// n+1 so contending writers do not collide again in lockstep.
func retryBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(2<<min(attempt, 6)) * time.Millisecond
	d = d/2 + rand.N(d/2+1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is the state of one document at read time.
type Snapshot struct {
	Path      string          `json:"path"`
	ID        string          `json:"id"`
	Exists    bool            `json:"exists"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DataTo decodes the document into v.
func (s *Snapshot) DataTo(v interface{}) error {
	if s == nil || !s.Exists {
		return fmt.Errorf("decode %s: %w", s.pathOrEmpty(), ErrNotFound)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

func (s *Snapshot) pathOrEmpty() string {
	if s == nil {
		return ""
	}
	return s.Path
}

// Increment is an Update field value that atomically adds to a numeric field.
type Increment int64

// Tx is the view a transaction function gets. Reads observe the transaction's
// own pending writes; writes are applied atomically on commit.
type Tx interface {
	Get(path string) (*Snapshot, error)
	List(collection string) ([]*Snapshot, error)
	Set(path string, v interface{}) error
	Update(path string, fields map[string]interface{}) error
	Delete(path string)
}

// Batch collects unconditional writes committed together.
type Batch interface {
	Set(path string, v interface{}) error
	Delete(path string)
}

// Store is the document database the room service depends on.
type Store interface {
	Get(ctx context.Context, path string) (*Snapshot, error)
	List(ctx context.Context, collection string) ([]*Snapshot, error)
	Set(ctx context.Context, path string, v interface{}) error
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	Delete(ctx context.Context, path string) error

	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	RunBatch(ctx context.Context, fn func(b Batch) error) error

	WatchDocument(ctx context.Context, path string) (*Subscription[*Snapshot], error)
	WatchCollection(ctx context.Context, collection string) (*Subscription[[]*Snapshot], error)

	Close() error
}

// Join builds a slash separated document or collection path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split returns the parent collection and the id of a document path.
func Split(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Collection returns the parent collection of a document path.
func Collection(path string) string {
	c, _ := Split(path)
	return c
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
