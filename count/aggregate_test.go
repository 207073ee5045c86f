package count_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/count-engine/count"
)

// =============================================================================
// FOLD TESTS
// =============================================================================

func TestFold_MultiUserMerge(t *testing.T) {
	// GIVEN: Line 100830/000000 with 24 units per box
	// WHEN: "a" counts 2 boxes and "u" counts 10 loose units
	// THEN: The line totals 58 with both users contributing

	line := lineL(1)
	entries := []count.Entry{
		testEntry(t, line, "a", 1, count.UnitBoxes, 2, 24),
		testEntry(t, line, "u", 1, count.UnitUnits, 10, 24),
	}

	lt := count.Fold(line, entries)
	assert.Equal(t, "58", lt.Total.String())
	assert.Equal(t, []count.UserID{"a", "u"}, lt.Users)
	assert.True(t, lt.Counted)
	assert.Equal(t, 2, lt.Entries)

	reversed := count.Fold(line, []count.Entry{entries[1], entries[0]})
	assert.Equal(t, lt, reversed)
}

func TestFold_OrderIndependence(t *testing.T) {
	// GIVEN: A fixed set of entries on one line
	// WHEN: Folding many random permutations
	// THEN: Every permutation yields the same LineTotal

	line := lineL(1)
	var entries []count.Entry
	users := []count.UserID{"ana", "luis", "marta", "tomas"}
	for i, u := range users {
		for s := int64(1); s <= 5; s++ {
			kind := count.UnitBoxes
			if (int(s)+i)%2 == 0 {
				kind = count.UnitUnits
			}
			entries = append(entries, testEntry(t, line, u, s, kind, int64(i)*3+s, 24))
		}
	}
	want := count.Fold(line, entries)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		perm := make([]count.Entry, len(entries))
		for j, k := range rng.Perm(len(entries)) {
			perm[j] = entries[k]
		}
		require.Equal(t, want, count.Fold(line, perm), "permutation %d", i)
	}
}

func TestFold_ZeroVersusAbsent(t *testing.T) {
	line := lineL(1)

	zero := count.Fold(line, []count.Entry{testEntry(t, line, "ana", 1, count.UnitUnits, 0, 24)})
	assert.True(t, zero.Counted, "explicit zero marks the line counted")
	assert.Equal(t, "0", zero.Total.String())
	assert.False(t, zero.ImplicitZero)

	absent := count.Fold(line, nil)
	assert.False(t, absent.Counted)
	assert.Equal(t, "0", absent.Total.String())
	assert.Empty(t, absent.Users)
}

func TestFold_IgnoresOtherLines(t *testing.T) {
	line := lineL(1)
	other := lineKey(1, "100830", "111111")

	lt := count.Fold(line, []count.Entry{
		testEntry(t, line, "ana", 1, count.UnitUnits, 3, 24),
		testEntry(t, other, "ana", 1, count.UnitUnits, 100, 24),
	})
	assert.Equal(t, "3", lt.Total.String())
	assert.Equal(t, 1, lt.Entries)
}

// =============================================================================
// COMPOSE TESTS
// =============================================================================

func TestCompose_CountersAndUncounted(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	l1 := lineL(1)
	l2 := lineKey(1, "200114", "A1")
	l3 := lineKey(1, "300010", "")
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(l1, 24), expected(l2, 12), expected(l3, 1))

	mustAppend(t, engine, testEntry(t, l1, "ana", 1, count.UnitBoxes, 1, 24))
	mustAppend(t, engine, testEntry(t, l1, "luis", 1, count.UnitUnits, 4, 24))
	mustAppend(t, engine, testEntry(t, l3, "ana", 2, count.UnitUnits, 0, 1))

	view, err := engine.Compose(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, count.StatePending, view.State)
	assert.Equal(t, 2, view.CountersCount)
	assert.Equal(t, []count.UserID{"ana", "luis"}, view.Counters)
	assert.Equal(t, []count.LineKey{l2}, view.Uncounted)
	assert.Equal(t, "28", view.Lines[l1].Total.String())
	assert.True(t, view.Lines[l3].Counted)
	assert.False(t, view.Lines[l2].Counted)
	assert.Len(t, view.SortedLines(), 3)
}

func TestCompose_ByArticleConsolidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	lotA := lineKey(1, "100830", "A")
	lotB := lineKey(1, "100830", "B")
	other := lineKey(1, "200114", "")
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lotA, 24), expected(lotB, 24), expected(other, 1))

	mustAppend(t, engine, testEntry(t, lotA, "ana", 1, count.UnitBoxes, 1, 24))
	mustAppend(t, engine, testEntry(t, lotB, "ana", 1, count.UnitUnits, 6, 24))

	view, err := engine.Compose(ctx, 1)
	require.NoError(t, err)

	byArticle := view.ByArticle()
	require.Len(t, byArticle, 2)
	assert.Equal(t, "100830", byArticle[0].ArticleCode)
	assert.Equal(t, "30", byArticle[0].Total.String())
	assert.Equal(t, 2, byArticle[0].Lots)
	assert.True(t, byArticle[0].Counted)
	assert.False(t, byArticle[1].Counted)

	// The projection leaves line totals untouched
	assert.Equal(t, "24", view.Lines[lotA].Total.String())
}

func TestCompose_UnknownBatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Compose(context.Background(), 404)
	assert.ErrorIs(t, err, count.ErrBatchNotFound)
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestAuditFor_OneUserOrderedWithSubtotals(t *testing.T) {
	// GIVEN: Two users counting two lines
	// WHEN: Auditing "ana"
	// THEN: Only ana's entries, by submission time, with per-line subtotals

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	l1 := lineL(1)
	l2 := lineKey(1, "200114", "A1")
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(l1, 24), expected(l2, 12))

	e3 := testEntry(t, l1, "ana", 3, count.UnitUnits, 5, 24)
	e1 := testEntry(t, l2, "ana", 1, count.UnitBoxes, 2, 12)
	e2 := testEntry(t, l1, "ana", 2, count.UnitBoxes, 1, 24)
	mustAppend(t, engine, e3)
	mustAppend(t, engine, e1)
	mustAppend(t, engine, e2)
	mustAppend(t, engine, testEntry(t, l1, "luis", 1, count.UnitUnits, 100, 24))

	audit, err := engine.AuditFor(ctx, 1, "ana")
	require.NoError(t, err)

	require.Len(t, audit.Records, 3)
	assert.Equal(t, int64(1), audit.Records[0].Entry.Key.Sequence)
	assert.Equal(t, int64(2), audit.Records[1].Entry.Key.Sequence)
	assert.Equal(t, int64(3), audit.Records[2].Entry.Key.Sequence)
	assert.Equal(t, "53", audit.Total.String())

	require.Len(t, audit.Lines, 2)
	assert.Equal(t, l1, audit.Lines[0].Line)
	assert.Equal(t, "29", audit.Lines[0].Subtotal.String())
	assert.Equal(t, l2, audit.Lines[1].Line)
	assert.Equal(t, "24", audit.Lines[1].Subtotal.String())
}

func TestAuditFor_UserWithoutEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	importBatch(t, engine, 1, count.ModeSimultaneous, "", expected(lineL(1), 24))

	audit, err := engine.AuditFor(context.Background(), 1, "nobody")
	require.NoError(t, err)
	assert.Empty(t, audit.Records)
	assert.Equal(t, "0", audit.Total.String())
}
