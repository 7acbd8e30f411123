package assistant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0, nil)
	b.Spend(1_000_000)
	require.True(t, b.Allows())

	var nilBudget *Budget
	require.True(t, nilBudget.Allows())
}

func TestBudgetCeilingAndDailyReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	b := NewBudget(100, func() time.Time { return now })

	require.True(t, b.Allows())
	b.Spend(60)
	require.True(t, b.Allows())
	b.Spend(40)
	require.False(t, b.Allows())
	require.Equal(t, int64(100), b.Spent())

	now = now.Add(2 * time.Hour)
	require.True(t, b.Allows())
	require.Equal(t, int64(0), b.Spent())
}
