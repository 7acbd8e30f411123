package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatpipe/pkg/errs"
	"chatpipe/pkg/message"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects placeholder style and driver error decoding.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const eventColumns = `id, conversation_id, user_id, source_tag, input_type, payload, idempotency_key,
	status, attempt_count, available_at, claimed_at, created_at, updated_at`

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database and applies pending migrations.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := db.PingContext(ctx); err != nil {
		return nil, classify("store.ping", err)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return classify("store.ping", s.db.PingContext(ctx))
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, op string, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

func (s *SQLStore) UpsertIdentity(ctx context.Context, sender string, displayName string) (string, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "", errs.New(errs.KindPermanent, "store.upsert_identity", "sender is required")
	}

	query := s.rebind(`INSERT INTO users (id, external_id, display_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET display_name = CASE
			WHEN excluded.display_name <> '' THEN excluded.display_name
			ELSE users.display_name END
		RETURNING id`)
	var id string
	err := s.db.QueryRowContext(ctx, query, NewID(), sender, displayName, millis(time.Now())).Scan(&id)
	if err != nil {
		return "", classify("store.upsert_identity", err)
	}
	return id, nil
}

func (s *SQLStore) GetOrCreateConversation(ctx context.Context, userID string, hint string) (string, error) {
	if _, err := s.exec(ctx, "store.create_conversation",
		`INSERT INTO conversations (id, user_id, hint, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, hint) DO NOTHING`,
		NewID(), userID, hint, millis(time.Now())); err != nil {
		return "", err
	}

	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM conversations WHERE user_id = ? AND hint = ?`), userID, hint).Scan(&id)
	if err != nil {
		return "", classify("store.get_conversation", err)
	}
	return id, nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, conversationID string, msg message.Normalized) (InsertResult, error) {
	id := NewID()
	key := msg.IdempotencyKey(conversationID)
	res, err := s.exec(ctx, "store.insert_message",
		`INSERT INTO messages (id, conversation_id, idempotency_key, external_message_id, direction, kind,
			body, media_ref, mime_type, received_at, created_at)
		VALUES (?, ?, ?, ?, 'inbound', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		id, conversationID, key, msg.ExternalMessageID, string(msg.Kind),
		nullString(msg.Text), nullString(msg.MediaRef), msg.MimeType, msg.ReceivedAtMillis, millis(time.Now()))
	if err != nil {
		return InsertResult{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return InsertResult{}, classify("store.insert_message", err)
	}
	if affected == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM messages WHERE idempotency_key = ?`), key).Scan(&existing)
		if err != nil {
			return InsertResult{}, classify("store.insert_message", err)
		}
		return InsertResult{Inserted: false, MessageID: existing}, nil
	}
	return InsertResult{Inserted: true, MessageID: id}, nil
}

func (s *SQLStore) TouchMessagingWindow(ctx context.Context, userID string, at time.Time) error {
	_, err := s.exec(ctx, "store.touch_window",
		`INSERT INTO messaging_windows (user_id, last_inbound_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_inbound_at = excluded.last_inbound_at`,
		userID, millis(at))
	return err
}

func (s *SQLStore) MarkOnboarded(ctx context.Context, userID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, "store.mark_onboarded",
		`UPDATE users SET onboarded_at = ? WHERE id = ? AND onboarded_at IS NULL`, millis(at), userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("store.mark_onboarded", err)
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := s.IsOnboarded(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) IsOnboarded(ctx context.Context, userID string) (bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT onboarded_at FROM users WHERE id = ?`), userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, classify("store.is_onboarded", err)
	}
	return at.Valid, nil
}

func (s *SQLStore) InsertEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = NewID()
	}
	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "store.insert_event", err)
	}
	_, err = s.exec(ctx, "store.insert_event",
		`INSERT INTO agent_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		event.ID, event.ConversationID, event.UserID, event.SourceTag, event.InputType, payload,
		event.IdempotencyKey, string(event.Status), event.AttemptCount, millis(event.AvailableAt),
		millis(event.CreatedAt), millis(event.UpdatedAt))
	return err
}

func (s *SQLStore) ListPendingEvents(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM agent_events
		WHERE status = 'pending' AND available_at <= ?
		ORDER BY created_at, id LIMIT ?`), millis(now), limit)
	if err != nil {
		return nil, classify("store.list_pending", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, classify("store.list_pending", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("store.list_pending", err)
	}
	return out, nil
}

func (s *SQLStore) TryClaim(ctx context.Context, id string, now time.Time) (Event, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`UPDATE agent_events
		SET status = 'processing', attempt_count = attempt_count + 1, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND available_at <= ?
		RETURNING `+eventColumns), millis(now), millis(now), id, millis(now))
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, classify("store.try_claim", err)
	}
	return event, true, nil
}

func (s *SQLStore) CompleteEvent(ctx context.Context, id string, attempt int, now time.Time) error {
	return s.expectClaim(ctx, "store.complete_event",
		`UPDATE agent_events SET status = 'done', claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempt_count = ?`,
		millis(now), id, attempt)
}

func (s *SQLStore) RescheduleEvent(ctx context.Context, id string, attempt int, availableAt time.Time, payload map[string]any, now time.Time) error {
	encoded, err := encodeJSON(payload)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "store.reschedule_event", err)
	}
	return s.expectClaim(ctx, "store.reschedule_event",
		`UPDATE agent_events SET status = 'pending', available_at = ?, payload = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempt_count = ?`,
		millis(availableAt), encoded, millis(now), id, attempt)
}

func (s *SQLStore) FailEvent(ctx context.Context, id string, attempt int, payload map[string]any, now time.Time) error {
	encoded, err := encodeJSON(payload)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "store.fail_event", err)
	}
	return s.expectClaim(ctx, "store.fail_event",
		`UPDATE agent_events SET status = 'failed', payload = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempt_count = ?`,
		encoded, millis(now), id, attempt)
}

func (s *SQLStore) expectClaim(ctx context.Context, op string, query string, args ...any) error {
	err := s.expectRow(ctx, op, query, args...)
	if errors.Is(err, ErrNotFound) {
		return ErrClaimLost
	}
	return err
}

func (s *SQLStore) expectRow(ctx context.Context, op string, query string, args ...any) error {
	res, err := s.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM agent_events WHERE id = ?`), id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, classify("store.get_event", err)
	}
	return event, nil
}

func (s *SQLStore) RequeueStale(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, int, error) {
	failed := int64(0)
	if maxAttempts > 0 {
		res, err := s.exec(ctx, "store.requeue_stale",
			`UPDATE agent_events SET status = 'failed', claimed_at = NULL, updated_at = ?
			WHERE status = 'processing' AND claimed_at < ? AND attempt_count >= ?`,
			millis(now), millis(claimedBefore), maxAttempts)
		if err != nil {
			return 0, 0, err
		}
		if failed, err = res.RowsAffected(); err != nil {
			return 0, 0, classify("store.requeue_stale", err)
		}
	}

	res, err := s.exec(ctx, "store.requeue_stale",
		`UPDATE agent_events SET status = 'pending', available_at = ?, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`,
		millis(now), millis(now), millis(claimedBefore))
	if err != nil {
		return 0, int(failed), err
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, int(failed), classify("store.requeue_stale", err)
	}
	return int(requeued), int(failed), nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.exec(ctx, "store.create_run",
		`INSERT INTO agent_runs (id, event_id, status, started_at, finished_at, error) VALUES (?, ?, ?, ?, NULL, '')`,
		run.ID, run.EventID, string(run.Status), millis(run.StartedAt))
	return err
}

func (s *SQLStore) AppendStep(ctx context.Context, step Step) error {
	input, err := encodeJSON(step.Input)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "store.append_step", err)
	}
	output, err := encodeJSON(step.Output)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "store.append_step", err)
	}
	_, err = s.exec(ctx, "store.append_step",
		`INSERT INTO agent_steps (id, run_id, seq, node, status, input, output, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Seq, step.Node, step.Status, input, output, step.LatencyMs, millis(step.CreatedAt))
	return err
}

func (s *SQLStore) CloseRun(ctx context.Context, id string, status RunStatus, errMsg string, finishedAt time.Time) error {
	return s.expectRow(ctx, "store.close_run",
		`UPDATE agent_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, millis(finishedAt), id)
}

func (s *SQLStore) ListRuns(ctx context.Context, eventID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, event_id, status, started_at, finished_at, error
		FROM agent_runs WHERE event_id = ? ORDER BY id`), eventID)
	if err != nil {
		return nil, classify("store.list_runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			run      Run
			status   string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.EventID, &status, &started, &finished, &run.Error); err != nil {
			return nil, classify("store.list_runs", err)
		}
		run.Status = RunStatus(status)
		run.StartedAt = fromMillis(started)
		if finished.Valid {
			run.FinishedAt = fromMillis(finished.Int64)
		}
		out = append(out, run)
	}
	return out, classify("store.list_runs", rows.Err())
}

func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, run_id, seq, node, status, input, output, latency_ms, created_at
		FROM agent_steps WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, classify("store.list_steps", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			step          Step
			input, output string
			created       int64
		)
		if err := rows.Scan(&step.ID, &step.RunID, &step.Seq, &step.Node, &step.Status, &input, &output, &step.LatencyMs, &created); err != nil {
			return nil, classify("store.list_steps", err)
		}
		step.Input = decodeJSON(input)
		step.Output = decodeJSON(output)
		step.CreatedAt = fromMillis(created)
		out = append(out, step)
	}
	return out, classify("store.list_steps", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		event                       Event
		payload, status             string
		available, created, updated int64
		claimed                     sql.NullInt64
	)
	err := row.Scan(&event.ID, &event.ConversationID, &event.UserID, &event.SourceTag, &event.InputType,
		&payload, &event.IdempotencyKey, &status, &event.AttemptCount, &available, &claimed, &created, &updated)
	if err != nil {
		return Event{}, err
	}
	event.Payload = decodeJSON(payload)
	event.Status = EventStatus(status)
	event.AvailableAt = fromMillis(available)
	if claimed.Valid {
		event.ClaimedAt = fromMillis(claimed.Int64)
	}
	event.CreatedAt = fromMillis(created)
	event.UpdatedAt = fromMillis(updated)
	return event, nil
}

// classify tags driver errors. Unique violations become duplicate; lock and
// connection pressure become transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return errs.Wrap(errs.KindDuplicate, op, err)
		case "40001", "40P01", "53300", "57P01", "08006", "08003":
			return errs.Wrap(errs.KindTransient, op, err)
		}
		return errs.Wrap(errs.KindPermanent, op, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errs.Wrap(errs.KindDuplicate, op, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_BUSY_SNAPSHOT, sqlite3.SQLITE_LOCKED_SHAREDCACHE:
			return errs.Wrap(errs.KindTransient, op, err)
		}
	}

	return errs.Wrap(errs.Classify(err), op, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
