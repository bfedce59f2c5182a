// internal/store/subscription.go
package store

import (
	"context"
	"errors"
	"sync"
)

var errFeedClosed = errors.New("store: change feed closed")

// Subscription delivers the latest state of a watched document or collection.
// C receives the current state once on start and again after each change;
// a slow reader only ever sees the newest value. C is closed when the
// subscription ends.
type Subscription[T any] struct {
	C <-chan T

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Stop releases the subscription and returns once no more values will be sent.
func (s *Subscription[T]) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed when the subscription has ended.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the last fetch or feed error, if any.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[T]) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// startSubscription runs fetch once immediately and again for every value on
// trigger. release runs after the loop exits and before C is closed.
func startSubscription[T any](parent context.Context, trigger <-chan struct{}, fetch func(context.Context) (T, error), release func()) *Subscription[T] {
	ctx, cancel := context.WithCancel(parent)
	out := make(chan T, 1)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		if release != nil {
			defer release()
		}

		deliver := func() bool {
			v, err := fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				// the next change retries the read
				sub.setErr(err)
				return true
			}
			select {
			case <-out:
			default:
			}
			out <- v
			return true
		}

		if !deliver() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-trigger:
				if !ok {
					sub.setErr(errFeedClosed)
					return
				}
				if !deliver() {
					return
				}
			}
		}
	}()
	return sub
}

// signal performs a non-blocking send on a trigger channel of capacity one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
