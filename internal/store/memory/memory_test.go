package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/factorpipe/internal/domain"
)

func TestTryLockSingleHolder(t *testing.T) {
	st := New()
	ctx := context.Background()

	ok, err := st.Pipeline.TryLock(ctx, "universe", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Pipeline.TryLock(ctx, "universe", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock rejects other owners")

	// Another stage is independent.
	ok, err = st.Pipeline.TryLock(ctx, "composite", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.Pipeline.Unlock(ctx, "universe", "owner-1"))
	ok, err = st.Pipeline.TryLock(ctx, "universe", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockExpiredLeaseIsTakenOver(t *testing.T) {
	st := New()
	ctx := context.Background()

	ok, err := st.Pipeline.TryLock(ctx, "universe", "crashed-owner", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = st.Pipeline.TryLock(ctx, "universe", "new-owner", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease must not block the stage forever")
}

func TestUnlockWrongOwnerIsNoop(t *testing.T) {
	st := New()
	ctx := context.Background()

	ok, err := st.Pipeline.TryLock(ctx, "universe", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.Pipeline.Unlock(ctx, "universe", "someone-else"))

	ok, err = st.Pipeline.TryLock(ctx, "universe", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may release the lock")
}

func TestMarkResultAdvancesLastSuccessOnlyOnSuccess(t *testing.T) {
	st := New()
	ctx := context.Background()

	require.NoError(t, st.Pipeline.Ensure(ctx, "universe", nil, time.Hour))

	require.NoError(t, st.Pipeline.MarkResult(ctx, "universe", domain.StatusPartial, false, time.Now()))
	run, err := st.Pipeline.Get(ctx, "universe")
	require.NoError(t, err)
	assert.Nil(t, run.LastSuccess)
	assert.Equal(t, string(domain.StatusPartial), run.LastStatus)

	at := time.Now()
	require.NoError(t, st.Pipeline.MarkResult(ctx, "universe", domain.StatusSuccess, true, at))
	run, err = st.Pipeline.Get(ctx, "universe")
	require.NoError(t, err)
	require.NotNil(t, run.LastSuccess)
	assert.WithinDuration(t, at, *run.LastSuccess, time.Second)
}

func TestStoredValuesDoNotAlias(t *testing.T) {
	st := New()
	ctx := context.Background()

	obs := []domain.RawObservation{{
		Symbol:         "AAA",
		Date:           time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		SourceCategory: domain.SourcePricing,
		Fields:         map[string]float64{"close": 100},
	}}
	require.NoError(t, st.Observations.UpsertBatch(ctx, obs))

	// Mutating the caller's map after the upsert must not reach the store.
	obs[0].Fields["close"] = -1

	got, err := st.Observations.ListBySymbol(ctx, "AAA", domain.SourcePricing, domain.DateRange{
		From: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Fields["close"])

	// And mutating a read result must not write back either.
	got[0].Fields["close"] = -2
	again, err := st.Observations.ListBySymbol(ctx, "AAA", domain.SourcePricing, domain.DateRange{
		From: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, again[0].Fields["close"])
}

func TestGetUnknownStageReturnsNil(t *testing.T) {
	st := New()
	run, err := st.Pipeline.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, run)
}
