package errs

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfTaggedErrorSurvivesWrapping(t *testing.T) {
	base := Wrap(KindDuplicate, "store.insert_event", errors.New("boom"))
	wrapped := fmt.Errorf("enqueue: %w", base)

	require.Equal(t, KindDuplicate, KindOf(wrapped))
	require.True(t, IsDuplicate(wrapped))
	require.True(t, errors.Is(wrapped, Duplicate))
	require.False(t, errors.Is(wrapped, Transient))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindPermanent, "op", nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "conn reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: KindTransient},
		{name: "sqlite unique", err: errors.New("constraint failed: UNIQUE constraint failed: agent_events.idempotency_key (2067)"), want: KindDuplicate},
		{name: "pq duplicate", err: errors.New(`pq: duplicate key value violates unique constraint "messages_external_id_key"`), want: KindDuplicate},
		{name: "locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: KindTransient},
		{name: "other", err: errors.New("syntax error"), want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Newf(KindTimeout, "orchestrator.rich_input", "exceeded %ds", 30)
	require.Equal(t, "orchestrator.rich_input: timeout: exceeded 30s", err.Error())
	require.True(t, IsTimeout(err))
}
