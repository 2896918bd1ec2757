// Package cache holds the short-lived memory the trigger endpoint uses to
// acknowledge redelivered "new record" events without applying them twice.
// Entries expire after a fixed window; the durable duplicate guard is the
// aggregate membership check, so losing the cache only costs a no-op apply.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe TTL map keyed by record path.
type InMemory[T any] struct {
	mu    sync.Mutex
	items map[string]entry[T]
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures an InMemory cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	sweep   time.Duration
	janitor bool
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithoutJanitor disables the background sweep; expired entries are then
// only dropped when touched.
func WithoutJanitor() Option {
	return func(o *options) { o.janitor = false }
}

// New creates a cache whose entries live for ttl.
func New[T any](ttl time.Duration, opts ...Option) *InMemory[T] {
	o := options{now: time.Now, sweep: ttl, janitor: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sweep <= 0 || o.sweep > time.Minute {
		o.sweep = time.Minute
	}

	c := &InMemory[T]{
		items: make(map[string]entry[T]),
		ttl:   ttl,
		now:   o.now,
		stop:  make(chan struct{}),
	}
	if o.janitor {
		go c.janitor(o.sweep)
	}
	return c
}

// Get returns the live value at key.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.liveLocked(key); ok {
		return e.value, true
	}
	var zero T
	return zero, false
}

// Set stores value at key for one TTL window.
func (c *InMemory[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// SetIfAbsent stores value unless a live entry exists. It reports whether it
// stored, so the first delivery of a record wins and redeliveries see false.
func (c *InMemory[T]) SetIfAbsent(key string, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveLocked(key); ok {
		return false
	}
	c.items[key] = entry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
	return true
}

// Delete forgets key.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len counts entries that have not expired.
func (c *InMemory[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	return len(c.items)
}

// Close stops the background sweep.
func (c *InMemory[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemory[T]) liveLocked(key string) (entry[T], bool) {
	e, ok := c.items[key]
	if !ok {
		return e, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		return e, false
	}
	return e, true
}

func (c *InMemory[T]) purgeLocked() {
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *InMemory[T]) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.purgeLocked()
			c.mu.Unlock()
		}
	}
}
