package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/fault"
)

func TestSpendingSequenceWithinDailyCap(t *testing.T) {
	store, clk := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))

	// 400 + 400 admitted, 300 rejected, post-rollover 300 admitted.
	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))
	require.NoError(t, store.PreDeduct("req-2", "alice", "usd", 400))

	err := store.PreDeduct("req-3", "alice", "usd", 300)
	require.ErrorIs(t, err, fault.ErrQuotaExceeded)

	counters, err := store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 800.0, counters.DailySpent)
	assert.Equal(t, 800.0, counters.TotalSpent)

	clk.Advance(24 * time.Hour)
	require.NoError(t, store.PreDeduct("req-4", "alice", "usd", 300))

	counters, err = store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 300.0, counters.DailySpent)
	assert.Equal(t, 1100.0, counters.TotalSpent)
}

func TestTotalCapIsEnforcedAcrossDays(t *testing.T) {
	store, clk := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 1500))

	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 1000))
	clk.Advance(24 * time.Hour)
	require.NoError(t, store.PreDeduct("req-2", "alice", "usd", 500))
	clk.Advance(24 * time.Hour)

	err := store.PreDeduct("req-3", "alice", "usd", 1)
	require.ErrorIs(t, err, fault.ErrQuotaExceeded)
}

func TestPreDeductIsIdempotentByRequestID(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))

	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))
	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))

	counters, err := store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 400.0, counters.DailySpent)
}

func TestCreditRestoresCounters(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))

	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))
	require.NoError(t, store.CreditDeduction("req-1"))

	counters, err := store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 0.0, counters.DailySpent)
	assert.Equal(t, 0.0, counters.TotalSpent)

	// Credit is idempotent, and the settled id cannot be re-admitted into a
	// double deduction either.
	require.NoError(t, store.CreditDeduction("req-1"))
	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))
	counters, err = store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 0.0, counters.DailySpent)
}

func TestCommittedDeductionCannotBeCredited(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))

	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 400))
	require.NoError(t, store.CommitDeduction("req-1"))
	require.NoError(t, store.CreditDeduction("req-1"))

	counters, err := store.Counters("alice", "usd")
	require.NoError(t, err)
	assert.Equal(t, 400.0, counters.DailySpent)
}

func TestPreDeductExactlyAtCap(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))

	require.NoError(t, store.PreDeduct("req-1", "alice", "usd", 1000))
	err := store.PreDeduct("req-2", "alice", "usd", 0.01)
	require.ErrorIs(t, err, fault.ErrQuotaExceeded)
}

func TestPreDeductRejectsUnknownLimitAndBadAmount(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.PreDeduct("req-1", "ghost", "usd", 10)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	require.NoError(t, store.ConfigureLimit("alice", "usd", 1000, 10000))
	err = store.PreDeduct("req-2", "alice", "usd", -5)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}
