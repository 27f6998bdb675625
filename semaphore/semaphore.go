// Package semaphore provides a process-local mutual exclusion table keyed by
// arbitrary identifiers.
//
// A Semaphore only protects against contention inside one process. It is not
// a replacement for the advisory lock kept in the module database, which is
// the guard across processes.
package semaphore

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is the interval in which a waiting Acquire re-checks
// whether the identifier was released.
const DefaultPollInterval = 200 * time.Millisecond

type Options struct {
	// PollInterval bounds how long a waiter sleeps before it re-checks the
	// slot. Waiters are also woken as soon as the slot is released.
	PollInterval time.Duration
}

type Option func(*Options)

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = interval
	}
}

// Semaphore maps identifiers to held slots. The zero value is not usable,
// create instances with New.
type Semaphore struct {
	pollInterval time.Duration

	mu sync.Mutex
	// slots holds one entry per held identifier. The channel is closed on
	// release to wake waiters early.
	slots map[string]chan struct{}
}

// New creates an empty Semaphore.
func New(opts ...Option) *Semaphore {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	return &Semaphore{
		pollInterval: options.PollInterval,
		slots:        make(map[string]chan struct{}),
	}
}

// TryAcquire claims id if it is free and reports whether it did.
func (s *Semaphore) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.slots[id]; held {
		return false
	}
	s.slots[id] = make(chan struct{})
	return true
}

// Acquire suspends the caller until id is free and then claims it.
// There is no internal timeout, the wait ends only when the slot is claimed
// or ctx is done, in which case ctx.Err() is returned.
func (s *Semaphore) Acquire(ctx context.Context, id string) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		released, held := s.slots[id]
		if !held {
			s.slots[id] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		case <-ticker.C:
		}
	}
}

// Release frees id and removes its entry. Releasing an identifier that is
// not held is a no-op.
func (s *Semaphore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if released, held := s.slots[id]; held {
		close(released)
		delete(s.slots, id)
	}
}

// Held reports whether id is currently claimed.
func (s *Semaphore) Held(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.slots[id]
	return held
}

// Len returns the number of held identifiers.
func (s *Semaphore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Do runs fn while holding id. The slot is released when fn returns, also
// when it panics.
func (s *Semaphore) Do(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx, id); err != nil {
		return err
	}
	defer s.Release(id)
	return fn(ctx)
}
