// Package stream provides a replaying, conflating broadcast value.
package stream

import (
	"context"
	"sync"
)

// Subject holds the latest value of T and pushes it to subscribers.
//
// A new subscriber immediately receives the current value (if any). Each
// subscriber channel holds at most one pending value: a slow reader skips
// intermediate values but always ends up with the newest one.
type Subject[T any] struct {
	mu     sync.Mutex
	cur    T
	has    bool
	closed bool
	subs   map[uint64]chan T
	seq    uint64
	done   chan struct{}
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: map[uint64]chan T{}, done: make(chan struct{})}
}

// Publish stores v as the current value and offers it to every subscriber.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cur = v
	s.has = true
	for _, ch := range s.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel of values that is closed when ctx is done or
// the subject is closed.
func (s *Subject[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.seq++
	id := s.seq
	s.subs[id] = ch
	if s.has {
		ch <- s.cur
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

// Subscribers reports the number of live subscriptions.
func (s *Subject[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// offer replaces any pending value in ch with v. Callers hold the subject
// lock, so ch has a single writer.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
