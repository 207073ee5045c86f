package count_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/count-engine/count"
	"github.com/warp/count-engine/count/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var baseTime = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func testTime(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func lineKey(batch count.BatchID, article, lot string) count.LineKey {
	return count.LineKey{BatchID: batch, ArticleCode: article, LotCode: lot}
}

// lineL is the 100830/000000 line, 24 units per box.
func lineL(batch count.BatchID) count.LineKey {
	return lineKey(batch, "100830", "000000")
}

func expected(line count.LineKey, factor int64) count.ExpectedLine {
	return count.ExpectedLine{Key: line, ConversionFactor: q(factor)}
}

func testEntry(t *testing.T, line count.LineKey, user count.UserID, seq int64, kind count.UnitKind, qty, factor int64) count.Entry {
	t.Helper()
	e, err := count.NewEntry(line, user, seq, kind, q(qty), q(factor), testTime(int(seq)))
	require.NoError(t, err)
	e.DeviceID = "device-" + string(user)
	return e
}

func newTestEngine(t *testing.T) (*count.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := count.NewEngine(mem, count.EngineOptions{
		Now: func() time.Time { return testTime(60) },
	})
	return engine, mem
}

func importBatch(t *testing.T, engine *count.Engine, id count.BatchID, mode count.Mode, assigned count.UserID, lines ...count.ExpectedLine) {
	t.Helper()
	_, err := engine.ImportBatch(context.Background(), count.Batch{ID: id, Mode: mode, AssignedUser: assigned}, lines)
	require.NoError(t, err)
}

func mustAppend(t *testing.T, engine *count.Engine, e count.Entry) {
	t.Helper()
	res, err := engine.Append(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, count.AppendAccepted, res)
}

// =============================================================================
// APPEND TESTS
// =============================================================================

func TestAppend_IdempotentReplay(t *testing.T) {
	// GIVEN: A batch with line L
	// WHEN: The same entry is appended twice
	// THEN: Accepted then Duplicate, and the fold equals a single append

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	e := testEntry(t, lineL(1), "ana", 1, count.UnitBoxes, 2, 24)

	res, err := engine.Append(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, count.AppendAccepted, res)

	res, err = engine.Append(ctx, e)
	require.NoError(t, err, "duplicate is not an error")
	assert.Equal(t, count.AppendDuplicate, res)

	total, err := engine.Fold(ctx, lineL(1))
	require.NoError(t, err)
	assert.Equal(t, "48", total.Total.String())
	assert.Equal(t, 1, total.Entries)
}

func TestAppend_DuplicateIdentityWithDifferentPayloadIsStillDuplicate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	mustAppend(t, engine, testEntry(t, lineL(1), "ana", 1, count.UnitBoxes, 2, 24))

	// Same (line, user, sequence), different quantity
	res, err := engine.Append(ctx, testEntry(t, lineL(1), "ana", 1, count.UnitUnits, 9, 24))
	require.NoError(t, err)
	assert.Equal(t, count.AppendDuplicate, res)

	total, err := engine.Fold(ctx, lineL(1))
	require.NoError(t, err)
	assert.Equal(t, "48", total.Total.String(), "first write wins for an identity")
}

func TestAppend_InvalidEntryIsNotStored(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	tests := []struct {
		name   string
		mutate func(e *count.Entry)
	}{
		{"conversion mismatch", func(e *count.Entry) { e.ConvertedQuantity = q(47) }},
		{"negative quantity", func(e *count.Entry) {
			e.EnteredQuantity = q(-1)
			e.ConvertedQuantity = q(-24)
		}},
		{"missing user", func(e *count.Entry) { e.Key.UserID = "" }},
		{"zero sequence", func(e *count.Entry) { e.Key.Sequence = 0 }},
		{"missing submitted at", func(e *count.Entry) { e.SubmittedAt = time.Time{} }},
		{"reserved system user", func(e *count.Entry) { e.Key.UserID = count.SystemUser }},
		{"client cannot write implicit zero", func(e *count.Entry) { e.Origin = count.OriginImplicitZero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEntry(t, lineL(1), "ana", 1, count.UnitBoxes, 2, 24)
			tt.mutate(&e)

			_, err := engine.Append(ctx, e)
			require.Error(t, err)
			assert.ErrorIs(t, err, count.ErrInvalidEntry)
			assert.True(t, count.IsClientError(err))
		})
	}

	total, err := engine.Fold(ctx, lineL(1))
	require.NoError(t, err)
	assert.False(t, total.Counted, "no rejected entry may reach the log")
}

func TestAppend_UnknownBatch(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Append(context.Background(), testEntry(t, lineL(99), "ana", 1, count.UnitUnits, 1, 1))
	assert.ErrorIs(t, err, count.ErrBatchNotFound)
	assert.True(t, count.IsNotFound(err))
}

func TestAppend_IndividualModeRestrictsCounter(t *testing.T) {
	// GIVEN: An individual batch assigned to "ana"
	// WHEN: "luis" submits an entry
	// THEN: It is rejected as not assigned; "ana" is accepted

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeIndividual, "ana", expected(lineL(1), 24))

	_, err := engine.Append(ctx, testEntry(t, lineL(1), "luis", 1, count.UnitUnits, 3, 24))
	assert.ErrorIs(t, err, count.ErrUserNotAssigned)
	assert.ErrorIs(t, err, count.ErrInvalidEntry)

	mustAppend(t, engine, testEntry(t, lineL(1), "ana", 1, count.UnitUnits, 3, 24))
}

func TestAppend_LineOutsideCatalogIsAccepted(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	stray := lineKey(1, "999999", "X")
	mustAppend(t, engine, testEntry(t, stray, "ana", 1, count.UnitUnits, 4, 1))

	view, err := engine.Compose(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "4", view.Lines[stray].Total.String())
	assert.Equal(t, []count.LineKey{lineL(1)}, view.Uncounted)
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestEntriesFor_DisplayOrder(t *testing.T) {
	// GIVEN: Entries from two users arriving out of order
	// WHEN: Reading the line
	// THEN: Ordered by (sequence, submitted at, user)

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	late := testEntry(t, lineL(1), "ana", 2, count.UnitUnits, 1, 24)
	first := testEntry(t, lineL(1), "luis", 1, count.UnitUnits, 1, 24)
	tie := testEntry(t, lineL(1), "ana", 1, count.UnitUnits, 1, 24)
	tie.SubmittedAt = first.SubmittedAt

	mustAppend(t, engine, late)
	mustAppend(t, engine, first)
	mustAppend(t, engine, tie)

	entries, err := engine.EntriesFor(ctx, lineL(1))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = fmt.Sprintf("%s#%d", e.Key.UserID, e.Key.Sequence)
	}
	assert.Equal(t, []string{"ana#1", "luis#1", "ana#2"}, got)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestAppend_ConcurrentDevicesNoLostEntries(t *testing.T) {
	// GIVEN: 8 devices each submitting 25 entries to the same line,
	//        plus retries of every entry
	// WHEN: Appends run concurrently
	// THEN: Every entry is counted exactly once

	engine, _ := newTestEngine(t)
	ctx := context.Background()
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	const users, perUser = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser*2)

	for u := 0; u < users; u++ {
		user := count.UserID(fmt.Sprintf("user-%d", u))
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for s := int64(1); s <= perUser; s++ {
					e, err := count.NewEntry(lineL(1), user, s, count.UnitBoxes, q(1), q(24), testTime(int(s)))
					if err != nil {
						errs <- err
						return
					}
					if _, err := engine.Append(ctx, e); err != nil {
						errs <- err
					}
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, err := engine.Fold(ctx, lineL(1))
	require.NoError(t, err)
	assert.Equal(t, users*perUser, total.Entries)
	assert.Equal(t, fmt.Sprint(users*perUser*24), total.Total.String())
	assert.Len(t, total.Users, users)
}
