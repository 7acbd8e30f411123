// Package breaker tracks per-provider failures and gates upstream calls.
//
// The gate is advisory: concurrent callers may pass CanRequest before a trip
// is observed.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 5 * time.Minute
	DefaultResetTimeout     = 10 * time.Minute
)

// State is the per-provider circuit record.
type State struct {
	FailureCount        int
	LastFailureAtMillis int64
	IsOpen              bool
}

// Store persists circuit state. The default is a process-local map.
type Store interface {
	Get(provider string) (State, bool)
	Put(provider string, state State)
}

// Clock returns the current time.
type Clock func() time.Time

// MemoryStore is a concurrency-safe in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(provider string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[provider]
	return state, ok
}

func (s *MemoryStore) Put(provider string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[provider] = state
}

// Options tune thresholds; zero values fall back to defaults.
type Options struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	Store            Store
	Clock            Clock
	Logger           *slog.Logger
}

// Breaker is the per-provider circuit breaker.
type Breaker struct {
	threshold int
	window    time.Duration
	reset     time.Duration
	store     Store
	now       Clock
	log       *slog.Logger

	// serializes read-modify-write on the store
	mu sync.Mutex
}

// New constructs a Breaker.
func New(opts Options) *Breaker {
	b := &Breaker{
		threshold: opts.FailureThreshold,
		window:    opts.FailureWindow,
		reset:     opts.ResetTimeout,
		store:     opts.Store,
		now:       opts.Clock,
		log:       opts.Logger,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultFailureThreshold
	}
	if b.window <= 0 {
		b.window = DefaultFailureWindow
	}
	if b.reset <= 0 {
		b.reset = DefaultResetTimeout
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "breaker")
	return b
}

// CanRequest reports whether provider may be called. An open circuit whose
// cooldown has elapsed is closed again with counters reset.
func (b *Breaker) CanRequest(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.store.Get(provider)
	if !ok || !state.IsOpen {
		return true
	}

	elapsed := b.now().UnixMilli() - state.LastFailureAtMillis
	if elapsed > b.reset.Milliseconds() {
		b.store.Put(provider, State{})
		b.log.Info("Circuit closed after cooldown", "provider", provider, "open_for_ms", elapsed)
		return true
	}

	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.store.Get(provider)
	if ok && (state.IsOpen || state.FailureCount > 0) {
		b.log.Debug("Circuit reset by success", "provider", provider, "failures", state.FailureCount)
	}
	b.store.Put(provider, State{})
}

// RecordFailure counts one failure. Failures further apart than the window
// restart the count at one.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UnixMilli()
	state, _ := b.store.Get(provider)

	if state.LastFailureAtMillis == 0 || now-state.LastFailureAtMillis > b.window.Milliseconds() {
		state.FailureCount = 1
	} else {
		state.FailureCount++
	}
	state.LastFailureAtMillis = now

	if state.FailureCount >= b.threshold && !state.IsOpen {
		state.IsOpen = true
		b.log.Warn("Circuit opened", "provider", provider, "failures", state.FailureCount)
	}

	b.store.Put(provider, state)
}

// Snapshot returns the current state for provider.
func (b *Breaker) Snapshot(provider string) State {
	state, _ := b.store.Get(provider)
	return state
}
