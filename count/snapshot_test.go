package count_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/count-engine/count"
)

func TestSnapshot_LatestReplacesPrevious(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	none, err := engine.LatestSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := engine.Snapshot(ctx, 1, count.SnapshotManual)
	require.NoError(t, err)
	assert.Equal(t, []count.LineKey{lineL(1)}, first.Uncounted)

	mustAppend(t, engine, testEntry(t, lineL(1), "ana", 1, count.UnitBoxes, 1, 24))
	second, err := engine.Snapshot(ctx, 1, count.SnapshotManual)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := engine.LatestSnapshot(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Empty(t, latest.Uncounted)
	require.Len(t, latest.Lines, 1)
	assert.Equal(t, "24", latest.Lines[0].Total.String())
	assert.Equal(t, testTime(60), latest.TakenAt)
}

func TestRefreshSnapshots_OnlyOpenBatches(t *testing.T) {
	// GIVEN: Two open batches and a cancelled one
	// WHEN: The periodic refresh runs
	// THEN: Only the open batches get a snapshot

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))
	importBatch(t, engine, 2, count.ModeSimultaneous, "", expected(lineL(2), 24))
	importBatch(t, engine, 3, count.ModeSimultaneous, "", expected(lineL(3), 24))
	_, err := engine.Cancel(ctx, 3)
	require.NoError(t, err)

	n, err := engine.RefreshSnapshots(ctx, count.SnapshotScheduled)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := engine.LatestSnapshot(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, count.SnapshotScheduled, snap.Reason)

	snap, err = engine.LatestSnapshot(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLatestSnapshot_UnknownBatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.LatestSnapshot(context.Background(), 404)
	assert.ErrorIs(t, err, count.ErrBatchNotFound)
}
