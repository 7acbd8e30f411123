package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"chatpipe/pkg/breaker"
	"chatpipe/pkg/metrics"
	providertypes "chatpipe/pkg/provider/types"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ok(text string, calls *int) Func {
	return func(context.Context) (providertypes.PromptResult, error) {
		*calls++
		return providertypes.PromptResult{Text: text}, nil
	}
}

func fail(msg string, calls *int) Func {
	return func(context.Context) (providertypes.PromptResult, error) {
		*calls++
		return providertypes.PromptResult{}, errors.New(msg)
	}
}

func allow() bool { return true }
func deny() bool  { return false }

func TestPrimarySuccessSkipsFallback(t *testing.T) {
	var p, f int
	exec := New(nil, nil, quietLogger())

	out, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: ok("hola", &p)},
		&Attempt{Provider: "fantasy", Call: ok("unused", &f)},
		allow)
	require.NoError(t, err)
	require.Equal(t, "hola", out.Result.Text)
	require.Equal(t, "openai", out.Provider)
	require.False(t, out.FallbackUsed)
	require.Equal(t, 1, p)
	require.Equal(t, 0, f)
}

func TestFallbackUsedWhenPrimaryFails(t *testing.T) {
	var p, f int
	rec := metrics.NewRecorder()
	b := breaker.New(breaker.Options{Logger: quietLogger()})
	exec := New(b, rec, quietLogger())

	out, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: fail("503", &p)},
		&Attempt{Provider: "fantasy", Call: ok("respaldo", &f)},
		allow)
	require.NoError(t, err)
	require.True(t, out.FallbackUsed)
	require.Equal(t, "fantasy", out.Provider)
	require.Equal(t, "respaldo", out.Result.Text)

	require.Equal(t, 1, b.Snapshot("openai").FailureCount)
	require.Equal(t, 0, b.Snapshot("fantasy").FailureCount)
	require.Equal(t, 1.0, rec.Total(metrics.ProviderCallsTotal, metrics.Tags{"provider": "fantasy", "outcome": "success"}))
}

func TestBothFailReturnsFallbackError(t *testing.T) {
	var p, f int
	exec := New(nil, nil, quietLogger())

	_, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: fail("primary down", &p)},
		&Attempt{Provider: "fantasy", Call: fail("fallback down", &f)},
		allow)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fallback down")
	require.NotContains(t, err.Error(), "primary down")
}

func TestBudgetDeniesFallback(t *testing.T) {
	var p, f int
	exec := New(nil, nil, quietLogger())

	_, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: fail("primary down", &p)},
		&Attempt{Provider: "fantasy", Call: ok("unused", &f)},
		deny)
	require.Error(t, err)
	require.Contains(t, err.Error(), "primary down")
	require.Equal(t, 0, f)
}

func TestOpenFallbackCircuitDeniesFallback(t *testing.T) {
	var p, f int
	b := breaker.New(breaker.Options{Logger: quietLogger()})
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		b.RecordFailure("fantasy")
	}
	exec := New(b, nil, quietLogger())

	_, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: fail("primary down", &p)},
		&Attempt{Provider: "fantasy", Call: ok("unused", &f)},
		allow)
	require.Error(t, err)
	require.Equal(t, 0, f)
}

func TestOpenPrimaryCircuitGoesStraightToFallback(t *testing.T) {
	var p, f int
	b := breaker.New(breaker.Options{Logger: quietLogger()})
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		b.RecordFailure("openai")
	}
	exec := New(b, nil, quietLogger())

	out, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: ok("unused", &p)},
		&Attempt{Provider: "fantasy", Call: ok("respaldo", &f)},
		allow)
	require.NoError(t, err)
	require.True(t, out.FallbackUsed)
	require.Equal(t, 0, p)
}

func TestNoFallbackReturnsPrimaryError(t *testing.T) {
	var p int
	exec := New(nil, nil, quietLogger())

	_, err := exec.Execute(context.Background(), Attempt{Provider: "openai", Call: fail("primary down", &p)}, nil, allow)
	require.EqualError(t, err, "primary down")
}

func TestFallbackSuccessClosesItsCircuitCounters(t *testing.T) {
	var p, f int
	b := breaker.New(breaker.Options{Logger: quietLogger()})
	b.RecordFailure("fantasy")
	exec := New(b, nil, quietLogger())

	_, err := exec.Execute(context.Background(),
		Attempt{Provider: "openai", Call: fail("primary down", &p)},
		&Attempt{Provider: "fantasy", Call: ok("respaldo", &f)},
		allow)
	require.NoError(t, err)
	require.Equal(t, breaker.State{}, b.Snapshot("fantasy"))
}
