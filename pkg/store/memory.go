package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chatpipe/pkg/errs"
	"chatpipe/pkg/message"
)

type memoryUser struct {
	id          string
	displayName string
	onboardedAt time.Time
}

// MemoryStore is a process-local Store for tests and the sandbox.
type MemoryStore struct {
	mu sync.Mutex

	users         map[string]*memoryUser // by external id
	usersByID     map[string]*memoryUser
	conversations map[string]string // user|hint -> id
	messages      map[string]string // idempotency key -> id
	windows       map[string]time.Time
	events        map[string]*Event
	eventKeys     map[string]string
	runs          map[string]*Run
	steps         map[string][]Step
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*memoryUser),
		usersByID:     make(map[string]*memoryUser),
		conversations: make(map[string]string),
		messages:      make(map[string]string),
		windows:       make(map[string]time.Time),
		events:        make(map[string]*Event),
		eventKeys:     make(map[string]string),
		runs:          make(map[string]*Run),
		steps:         make(map[string][]Step),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) UpsertIdentity(_ context.Context, sender string, displayName string) (string, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "", errs.New(errs.KindPermanent, "store.upsert_identity", "sender is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[sender]; ok {
		if displayName != "" {
			u.displayName = displayName
		}
		return u.id, nil
	}
	u := &memoryUser{id: NewID(), displayName: displayName}
	m.users[sender] = u
	m.usersByID[u.id] = u
	return u.id, nil
}

func (m *MemoryStore) GetOrCreateConversation(_ context.Context, userID string, hint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "|" + hint
	if id, ok := m.conversations[key]; ok {
		return id, nil
	}
	id := NewID()
	m.conversations[key] = id
	return id, nil
}

func (m *MemoryStore) InsertMessage(_ context.Context, conversationID string, msg message.Normalized) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.IdempotencyKey(conversationID)
	if id, ok := m.messages[key]; ok {
		return InsertResult{Inserted: false, MessageID: id}, nil
	}
	id := NewID()
	m.messages[key] = id
	return InsertResult{Inserted: true, MessageID: id}, nil
}

func (m *MemoryStore) TouchMessagingWindow(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[userID] = at
	return nil
}

func (m *MemoryStore) MarkOnboarded(_ context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[userID]
	if !ok {
		return false, ErrNotFound
	}
	if !u.onboardedAt.IsZero() {
		return false, nil
	}
	u.onboardedAt = at
	return true, nil
}

func (m *MemoryStore) IsOnboarded(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[userID]
	if !ok {
		return false, ErrNotFound
	}
	return !u.onboardedAt.IsZero(), nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.eventKeys[event.IdempotencyKey]; ok {
		return errs.New(errs.KindDuplicate, "store.insert_event", "idempotency key exists")
	}
	if event.ID == "" {
		event.ID = NewID()
	}
	event.Payload = copyPayload(event.Payload)
	m.events[event.ID] = &event
	m.eventKeys[event.IdempotencyKey] = event.ID
	return nil
}

func (m *MemoryStore) ListPendingEvents(_ context.Context, now time.Time, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.Status == StatusPending && !e.AvailableAt.After(now) {
			out = append(out, snapshot(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TryClaim(_ context.Context, id string, now time.Time) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok || e.Status != StatusPending || e.AvailableAt.After(now) {
		return Event{}, false, nil
	}
	e.Status = StatusProcessing
	e.AttemptCount++
	e.ClaimedAt = now
	e.UpdatedAt = now
	return snapshot(e), true, nil
}

func (m *MemoryStore) CompleteEvent(_ context.Context, id string, attempt int, now time.Time) error {
	return m.transition(id, attempt, func(e *Event) {
		e.Status = StatusDone
		e.ClaimedAt = time.Time{}
		e.UpdatedAt = now
	})
}

func (m *MemoryStore) RescheduleEvent(_ context.Context, id string, attempt int, availableAt time.Time, payload map[string]any, now time.Time) error {
	return m.transition(id, attempt, func(e *Event) {
		e.Status = StatusPending
		e.AvailableAt = availableAt
		e.Payload = copyPayload(payload)
		e.ClaimedAt = time.Time{}
		e.UpdatedAt = now
	})
}

func (m *MemoryStore) FailEvent(_ context.Context, id string, attempt int, payload map[string]any, now time.Time) error {
	return m.transition(id, attempt, func(e *Event) {
		e.Status = StatusFailed
		e.Payload = copyPayload(payload)
		e.ClaimedAt = time.Time{}
		e.UpdatedAt = now
	})
}

func (m *MemoryStore) transition(id string, attempt int, apply func(*Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok || e.Status != StatusProcessing || e.AttemptCount != attempt {
		return ErrClaimLost
	}
	apply(e)
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return snapshot(e), nil
}

func (m *MemoryStore) RequeueStale(_ context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued, failed := 0, 0
	for _, e := range m.events {
		if e.Status != StatusProcessing || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		e.ClaimedAt = time.Time{}
		e.UpdatedAt = now
		if maxAttempts > 0 && e.AttemptCount >= maxAttempts {
			e.Status = StatusFailed
			failed++
			continue
		}
		e.Status = StatusPending
		e.AvailableAt = now
		requeued++
	}
	return requeued, failed, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = &run
	return nil
}

func (m *MemoryStore) AppendStep(_ context.Context, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[step.RunID]; !ok {
		return ErrNotFound
	}
	m.steps[step.RunID] = append(m.steps[step.RunID], step)
	return nil
}

func (m *MemoryStore) CloseRun(_ context.Context, id string, status RunStatus, errMsg string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = finishedAt
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, eventID string) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Run
	for _, r := range m.runs {
		if r.EventID == eventID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Step, len(m.steps[runID]))
	copy(out, m.steps[runID])
	return out, nil
}

func snapshot(e *Event) Event {
	out := *e
	out.Payload = copyPayload(e.Payload)
	return out
}
