// Package timeout enforces idle, keep-alive and async deadlines with one
// background sweep instead of a timer per connection.
package timeout

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Second

type entry struct {
	deadline time.Time
	fn       func()
}

// Sweeper runs callbacks for keys whose deadline has passed.
//
// Precision is bounded by the sweep interval: a deadline fires between d and
// d+interval after Track.
//
// Thread safety:
// All methods are safe for concurrent use. Callbacks run on the sweeper
// goroutine, outside the lock, and must not block.
type Sweeper struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[any]entry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Sweeper. Run starts sweeping.
func New(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		interval: interval,
		now:      time.Now,
		entries:  make(map[any]entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Track schedules fn to run once d has elapsed. Tracking an existing key
// replaces its deadline and callback.
func (s *Sweeper) Track(key any, d time.Duration, fn func()) {
	s.mu.Lock()
	s.entries[key] = entry{deadline: s.now().Add(d), fn: fn}
	s.mu.Unlock()
}

// Untrack drops key. Returns false if it was not tracked (already fired or never added).
func (s *Sweeper) Untrack(key any) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	return ok
}

// Len returns the number of pending deadlines.
func (s *Sweeper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Sweep fires every expired entry once. Exposed for tests and for a final
// pass during shutdown.
func (s *Sweeper) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var expired []func()
	for key, e := range s.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, e.fn)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	for _, fn := range expired {
		fn()
	}
	return len(expired)
}

// Stop ends Run. Wait on Done to know it has returned. Safe to call more
// than once, and safe to call when Run was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done is closed when Run returns.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}
