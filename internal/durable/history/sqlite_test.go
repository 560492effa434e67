package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	apperrors "signal_trader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_WALMode(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	defer store.Close()

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestSQLiteStore_ChecksumTamperIsCorruption(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tamper.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(ctx, newInstance("t", "TradeLifecycle", t0), NewOrchestrationStarted(t0, nil)))
	_, err = store.Append(ctx, "t", NewActivityCompleted(t0, 1, json.RawMessage(`{"pnl":"10"}`)))
	require.NoError(t, err)

	_, err = store.db.Exec(`UPDATE history SET data = replace(data, '"10"', '"99"') WHERE instance_id = 't' AND seq = 2`)
	require.NoError(t, err)

	_, err = store.Read(ctx, "t")
	assert.ErrorIs(t, err, apperrors.ErrHistoryCorruption)

	// metadata stays readable so the instance can be set aside
	inst, err := store.GetInstance(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	require.NoError(t, store.Quarantine(ctx, "t", "checksum mismatch"))
}

func TestSQLiteStore_SequenceGapIsCorruption(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gap.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(ctx, newInstance("g", "TradeLifecycle", t0), NewOrchestrationStarted(t0, nil)))
	_, err = store.Append(ctx, "g", NewTimerFired(t0, 1), NewTimerFired(t0, 2))
	require.NoError(t, err)

	_, err = store.db.Exec(`DELETE FROM history WHERE instance_id = 'g' AND seq = 2`)
	require.NoError(t, err)

	_, err = store.Read(ctx, "g")
	assert.ErrorIs(t, err, apperrors.ErrHistoryCorruption)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateInstance(ctx, newInstance("r", "SignalFanOut", t0), NewOrchestrationStarted(t0, nil)))
	_, err = store.Append(ctx, "r", NewTimerCreated(t0, 1, t0))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Read(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	pending, err := reopened.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, pending)
}
