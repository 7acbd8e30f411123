package assistant

import (
	"sync"
	"time"
)

// Budget is a daily token ceiling for fallback provider calls. A zero limit
// means unlimited. The counter resets at UTC midnight.
type Budget struct {
	mu    sync.Mutex
	limit int64
	spent int64
	day   string
	now   func() time.Time
}

func NewBudget(limit int64, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{limit: limit, now: now}
}

// Allows reports whether another fallback call fits in today's budget.
func (b *Budget) Allows() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.spent < b.limit
}

// Spend records tokens consumed by a fallback call.
func (b *Budget) Spend(tokens int64) {
	if b == nil || tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.spent += tokens
}

// Spent returns tokens consumed today.
func (b *Budget) Spent() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.spent
}

func (b *Budget) rollLocked() {
	day := b.now().UTC().Format(time.DateOnly)
	if day != b.day {
		b.day = day
		b.spent = 0
	}
}
