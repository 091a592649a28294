package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	operationDomain "github.com/groupledger/tabbot/operation"
)

func getDummyOperation(resultID int64, ttl time.Duration) *operationDomain.Processed {
	hash, _ := operationDomain.Fingerprint(operationDomain.KindCreateDebt, nextTestID(), map[string]interface{}{
		"result": resultID,
	})
	return &operationDomain.Processed{
		Hash:      hash,
		Kind:      operationDomain.KindCreateDebt,
		UserID:    7,
		Payload:   `{"amount":12.5}`,
		ResultID:  resultID,
		ExpiresAt: time.Now().Add(ttl),
	}
}

func TestRecordIfNewFirstWriterWins(t *testing.T) {
	t.Parallel()

	dbTest := NewDBTest(t)
	t.Cleanup(func() {
		dbTest.Cleanup(t)
	})
	ctx := context.Background()

	rec := getDummyOperation(41, 5*time.Minute)
	resultID, existed, err := dbTest.db.RecordIfNew(ctx, rec)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, int64(41), resultID)

	// A racing writer with the same fingerprint observes the first result.
	retry := *rec
	retry.ResultID = 99
	resultID, existed, err = dbTest.db.RecordIfNew(ctx, &retry)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(41), resultID)
}

func TestIsProcessedFiltersExpired(t *testing.T) {
	t.Parallel()

	dbTest := NewDBTest(t)
	t.Cleanup(func() {
		dbTest.Cleanup(t)
	})
	ctx := context.Background()

	fresh := getDummyOperation(1, 5*time.Minute)
	expired := getDummyOperation(2, -time.Minute)
	for _, rec := range []*operationDomain.Processed{fresh, expired} {
		_, _, err := dbTest.db.RecordIfNew(ctx, rec)
		require.NoError(t, err)
	}

	resultID, ok, err := dbTest.db.IsProcessed(ctx, fresh.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), resultID)

	_, ok, err = dbTest.db.IsProcessed(ctx, expired.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordIfNewRefreshesTTL(t *testing.T) {
	t.Parallel()

	dbTest := NewDBTest(t)
	t.Cleanup(func() {
		dbTest.Cleanup(t)
	})
	ctx := context.Background()

	rec := getDummyOperation(7, -time.Minute)
	_, _, err := dbTest.db.RecordIfNew(ctx, rec)
	require.NoError(t, err)

	// Re-recording over a stale row refreshes its expiry but keeps the result.
	refresh := *rec
	refresh.ResultID = 99
	refresh.ExpiresAt = time.Now().Add(5 * time.Minute)
	resultID, existed, err := dbTest.db.RecordIfNew(ctx, &refresh)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(7), resultID)

	resultID, ok, err := dbTest.db.IsProcessed(ctx, rec.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), resultID)
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()

	dbTest := NewDBTest(t)
	t.Cleanup(func() {
		dbTest.Cleanup(t)
	})
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		_, _, err := dbTest.db.RecordIfNew(ctx, getDummyOperation(i, -time.Minute))
		require.NoError(t, err)
	}
	keep := getDummyOperation(100, 5*time.Minute)
	_, _, err := dbTest.db.RecordIfNew(ctx, keep)
	require.NoError(t, err)

	deleted, err := dbTest.db.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, ok, err := dbTest.db.IsProcessed(ctx, keep.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err = dbTest.db.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSettings(t *testing.T) {
	t.Parallel()

	dbTest := NewDBTest(t)
	t.Cleanup(func() {
		dbTest.Cleanup(t)
	})
	ctx := context.Background()

	_, ok, err := dbTest.db.GetSetting(ctx, "reminder_time")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dbTest.db.SetSetting(ctx, "reminder_time", "17:30"))
	value, ok, err := dbTest.db.GetSetting(ctx, "reminder_time")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "17:30", value)

	// Last write wins.
	require.NoError(t, dbTest.db.SetSetting(ctx, "reminder_time", "09:00"))
	value, _, err = dbTest.db.GetSetting(ctx, "reminder_time")
	require.NoError(t, err)
	assert.Equal(t, "09:00", value)
}
