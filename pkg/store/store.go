// Package store persists identities, conversations, messages and the event
// ledger. SQL backends (SQLite, Postgres) and an in-memory backend share one
// contract; claims rely on a single conditional update per row.
package store

import (
	"context"
	"errors"
	"time"

	"chatpipe/pkg/message"

	"github.com/oklog/ulid/v2"
)

// EventStatus is the ledger row state.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusDone       EventStatus = "done"
	StatusFailed     EventStatus = "failed"
)

// RunStatus is the audit run state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimLost is returned by event transitions when the row is no longer
// processing under the caller's attempt, e.g. after a stale sweep handed it
// to another worker.
var ErrClaimLost = errors.New("claim lost")

// Event is one ledger row.
type Event struct {
	ID             string
	ConversationID string
	UserID         string
	SourceTag      string
	InputType      string
	Payload        map[string]any
	IdempotencyKey string
	Status         EventStatus
	AttemptCount   int
	AvailableAt    time.Time
	ClaimedAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is the audit record for one claimed event.
type Run struct {
	ID         string
	EventID    string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Step is one write-once stage record inside a run.
type Step struct {
	ID        string
	RunID     string
	Seq       int
	Node      string
	Status    string
	Input     map[string]any
	Output    map[string]any
	LatencyMs int64
	CreatedAt time.Time
}

// InsertResult reports whether InsertMessage created a row.
type InsertResult struct {
	Inserted  bool
	MessageID string
}

// Gateway is the persistence surface used at ingress.
type Gateway interface {
	UpsertIdentity(ctx context.Context, sender string, displayName string) (string, error)
	GetOrCreateConversation(ctx context.Context, userID string, hint string) (string, error)
	// InsertMessage is idempotent on the message idempotency key.
	InsertMessage(ctx context.Context, conversationID string, msg message.Normalized) (InsertResult, error)
}

// SideRecords are best-effort per-user records.
type SideRecords interface {
	TouchMessagingWindow(ctx context.Context, userID string, at time.Time) error
	// MarkOnboarded returns true only for the call that performed the transition.
	MarkOnboarded(ctx context.Context, userID string, at time.Time) (bool, error)
	IsOnboarded(ctx context.Context, userID string) (bool, error)
}

// Ledger is the durable queue table surface.
type Ledger interface {
	// InsertEvent returns an errs duplicate error when the idempotency key exists.
	InsertEvent(ctx context.Context, event Event) error
	ListPendingEvents(ctx context.Context, now time.Time, limit int) ([]Event, error)
	// TryClaim moves a pending, available event to processing and bumps its
	// attempt count. ok is false when another worker already claimed it.
	TryClaim(ctx context.Context, id string, now time.Time) (event Event, ok bool, err error)
	// CompleteEvent, RescheduleEvent and FailEvent only apply while the row is
	// still processing under attempt. Otherwise they return ErrClaimLost.
	CompleteEvent(ctx context.Context, id string, attempt int, now time.Time) error
	RescheduleEvent(ctx context.Context, id string, attempt int, availableAt time.Time, payload map[string]any, now time.Time) error
	FailEvent(ctx context.Context, id string, attempt int, payload map[string]any, now time.Time) error
	GetEvent(ctx context.Context, id string) (Event, error)
	// RequeueStale releases processing claims older than claimedBefore. Events
	// that already used maxAttempts are failed instead.
	RequeueStale(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (requeued int, failed int, err error)

	CreateRun(ctx context.Context, run Run) error
	AppendStep(ctx context.Context, step Step) error
	CloseRun(ctx context.Context, id string, status RunStatus, errMsg string, finishedAt time.Time) error
	ListRuns(ctx context.Context, eventID string) ([]Run, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
}

// Store is the full persistence contract.
type Store interface {
	Gateway
	SideRecords
	Ledger
	Ping(ctx context.Context) error
	Close() error
}

// NewID returns a sortable unique id.
func NewID() string {
	return ulid.Make().String()
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
