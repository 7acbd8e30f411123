// Package guard implements the per-sender rate limit applied at ingress.
package guard

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMinInterval = 5 * time.Second
	DefaultEntryTTL    = time.Hour
	sweepInterval      = 5 * time.Minute
)

// Store keeps the last accepted message time per sender.
type Store interface {
	Get(sender string) (lastAtMillis int64, ok bool)
	Put(sender string, lastAtMillis int64)
	Delete(sender string)
	// EvictBefore drops entries last seen before cutoff and returns how many were removed.
	EvictBefore(cutoffMillis int64) int
	Len() int
}

// MemoryStore is the default process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]int64)}
}

func (s *MemoryStore) Get(sender string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[sender]
	return v, ok
}

func (s *MemoryStore) Put(sender string, lastAtMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sender] = lastAtMillis
}

func (s *MemoryStore) Delete(sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sender)
}

func (s *MemoryStore) EvictBefore(cutoffMillis int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for sender, at := range s.entries {
		if at < cutoffMillis {
			delete(s.entries, sender)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Guard enforces a minimum spacing between messages from one sender.
type Guard struct {
	minInterval time.Duration
	ttl         time.Duration
	store       Store
	now         func() time.Time

	// keeps check-then-put atomic per guard
	mu sync.Mutex
}

// Option customizes a Guard.
type Option func(*Guard)

// WithStore replaces the backing store.
func WithStore(store Store) Option { return func(g *Guard) { g.store = store } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// New builds a Guard. Non-positive durations use the defaults.
func New(minInterval time.Duration, ttl time.Duration, opts ...Option) *Guard {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	g := &Guard{
		minInterval: minInterval,
		ttl:         ttl,
		store:       NewMemoryStore(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow reports whether sender may send now and records the attempt when it may.
// A sender's first message is always allowed.
func (g *Guard) Allow(sender string) bool {
	ok, _ := g.Check(sender)
	return ok
}

// Check is Allow plus the time left until the sender may retry.
func (g *Guard) Check(sender string) (bool, time.Duration) {
	_, ok, wait := g.Reserve(sender)
	return ok, wait
}

// Reservation is a recorded slot that can be handed back.
type Reservation struct {
	g       *Guard
	sender  string
	at      int64
	prev    int64
	hadPrev bool
}

// Reserve records the sender's slot like Check and returns a handle to undo
// it when the message is not accepted downstream.
func (g *Guard) Reserve(sender string) (*Reservation, bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	last, seen := g.store.Get(sender)
	if seen {
		elapsed := time.Duration(now-last) * time.Millisecond
		if elapsed < g.minInterval {
			return nil, false, g.minInterval - elapsed
		}
	}

	g.store.Put(sender, now)
	return &Reservation{g: g, sender: sender, at: now, prev: last, hadPrev: seen}, true, 0
}

// Release restores the slot the sender had before Reserve. It is a no-op when
// a later message already replaced the slot.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	g := r.g
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.store.Get(r.sender)
	if !ok || current != r.at {
		return
	}
	if r.hadPrev {
		g.store.Put(r.sender, r.prev)
		return
	}
	g.store.Delete(r.sender)
}

// Sweep evicts senders idle for longer than the TTL.
func (g *Guard) Sweep() int {
	cutoff := g.now().Add(-g.ttl).UnixMilli()
	return g.store.EvictBefore(cutoff)
}

// Run sweeps periodically until ctx is canceled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
