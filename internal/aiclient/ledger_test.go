package aiclient

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestLedgerRecordsUsage(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordUsage(ctx, UsageRecord{
		Client:   "alpha",
		Model:    "model-1",
		Owner:    "analysis-1",
		Outcome:  "success",
		Usage:    Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Duration: 1200 * time.Millisecond,
	}))
	require.NoError(t, ledger.RecordUsage(ctx, UsageRecord{Client: "alpha", Outcome: "HTTP_400"}))
	require.NoError(t, ledger.RecordUsage(ctx, UsageRecord{Client: "beta", Outcome: "success"}))

	n, err := ledger.RequestsSince(ctx, "alpha", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ledger.RequestsSince(ctx, "beta", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ledger.RequestsSince(ctx, "alpha", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLedgerKeyStateUpsert(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordKeyState(ctx, "outer-client", "sk-a...1111", "active", 9.5))
	require.NoError(t, ledger.RecordKeyState(ctx, "outer-client", "sk-a...1111", "exhausted", 0.2))
	require.NoError(t, ledger.RecordKeyState(ctx, "outer-client", "sk-b...2222", "active", 4.0))

	rows, err := ledger.KeyStates(ctx, "outer-client")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "sk-a...1111", rows[0].KeyHint)
	assert.Equal(t, "exhausted", rows[0].State)
	assert.Equal(t, 0.2, rows[0].Balance)
	assert.Equal(t, "sk-b...2222", rows[1].KeyHint)
	assert.Equal(t, "active", rows[1].State)

	other, err := ledger.KeyStates(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other)
}
