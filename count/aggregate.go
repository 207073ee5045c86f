/*
aggregate.go - Folding the count log into totals

PURPOSE:
  Computes line totals and batch views from entries. Nothing here writes;
  every function is a read over the log, safe to call repeatedly and
  concurrently with appends.

LINE FOLD:
  total    = sum of converted quantities
  counted  = at least one entry exists (an explicit zero counts)
  users    = distinct contributing counters

  The sum is commutative and associative, so any permutation of the same
  entries folds to the same LineTotal. Each line behaves like a grow-only
  counter: concurrent entries from several devices are all kept, none wins
  over another.

BATCH COMPOSE:
  Lines come from two places: the expected line set supplied by the catalog,
  and any line that actually received entries. Expected lines without
  entries are the "uncounted" lines the confirmation policy looks at.

EXAMPLE:
  Line 100830/000000, factor 24
    ana   boxes 2  -> 48
    uriel units 10 -> 10
  Fold -> total 58, users [ana uriel], counted

SEE ALSO:
  - log.go: source of entries
  - reconcile.go: consumes BatchView for the confirmation decision
*/
package count

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LINE AGGREGATOR
// =============================================================================

// Fold reduces the entries of one line. Entries of other lines are ignored.
// Folding zero entries yields total 0 and counted = false.
func Fold(key LineKey, entries []Entry) LineTotal {
	lt := LineTotal{Key: key, Total: ZeroQuantity}
	users := make(map[UserID]struct{})
	implicitOnly := true

	for _, e := range entries {
		if e.Key.Line != key {
			continue
		}
		lt.Total = lt.Total.Add(e.ConvertedQuantity)
		lt.Entries++
		if e.Origin == OriginImplicitZero {
			continue
		}
		implicitOnly = false
		users[e.Key.UserID] = struct{}{}
	}

	lt.Counted = lt.Entries > 0
	lt.ImplicitZero = lt.Counted && implicitOnly
	lt.Users = sortedUsers(users)
	return lt
}

// LineAggregator folds one line from the count log.
type LineAggregator struct {
	Log *CountLog
}

func (a *LineAggregator) Fold(ctx context.Context, key LineKey) (LineTotal, error) {
	entries, err := a.Log.Store.LineEntries(ctx, key)
	if err != nil {
		return LineTotal{}, err
	}
	return Fold(key, entries), nil
}

// =============================================================================
// INVENTORY AGGREGATOR
// =============================================================================

// InventoryAggregator composes line totals across a batch.
type InventoryAggregator struct {
	Store   Store
	Batches BatchStore
	Catalog Catalog
	Now     func() time.Time
}

// Compose builds the view of a batch from one read of its entries.
func (a *InventoryAggregator) Compose(ctx context.Context, batchID BatchID) (BatchView, error) {
	batch, err := a.Batches.GetBatch(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	expected, err := a.Catalog.ExpectedLines(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	entries, err := a.Store.BatchEntries(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}

	view := composeView(batchID, expected, entries)
	view.State = batch.State
	view.ComposedAt = a.now()
	return view, nil
}

func composeView(batchID BatchID, expected []ExpectedLine, entries []Entry) BatchView {
	byLine := make(map[LineKey][]Entry)
	for _, e := range entries {
		if e.Key.Line.BatchID != batchID {
			continue
		}
		byLine[e.Key.Line] = append(byLine[e.Key.Line], e)
	}

	view := BatchView{BatchID: batchID, Lines: make(map[LineKey]LineTotal, len(expected)+len(byLine))}
	counters := make(map[UserID]struct{})
	for key, les := range byLine {
		lt := Fold(key, les)
		view.Lines[key] = lt
		for _, u := range lt.Users {
			counters[u] = struct{}{}
		}
	}
	for _, el := range expected {
		if _, ok := view.Lines[el.Key]; ok {
			continue
		}
		view.Lines[el.Key] = Fold(el.Key, nil)
		view.Uncounted = append(view.Uncounted, el.Key)
	}

	sortKeys(view.Uncounted)
	view.Counters = sortedUsers(counters)
	view.CountersCount = len(view.Counters)
	return view
}

// AuditFor returns one user's entries in a batch, ordered by submission
// time, with per-line partial sums.
func (a *InventoryAggregator) AuditFor(ctx context.Context, batchID BatchID, user UserID) (UserAudit, error) {
	if _, err := a.Batches.GetBatch(ctx, batchID); err != nil {
		return UserAudit{}, err
	}
	entries, err := a.Store.BatchEntries(ctx, batchID)
	if err != nil {
		return UserAudit{}, err
	}
	return buildAudit(batchID, user, entries), nil
}

func buildAudit(batchID BatchID, user UserID, entries []Entry) UserAudit {
	audit := UserAudit{BatchID: batchID, UserID: user, Total: ZeroQuantity}

	var mine []Entry
	for _, e := range entries {
		if e.Key.Line.BatchID == batchID && e.Key.UserID == user {
			mine = append(mine, e)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool {
		a, b := mine[i], mine[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		if a.Key.Line != b.Key.Line {
			return a.Key.Line.Less(b.Key.Line)
		}
		return a.Key.Sequence < b.Key.Sequence
	})

	lineIdx := make(map[LineKey]int)
	for _, e := range mine {
		audit.Records = append(audit.Records, AuditRecord{Line: e.Key.Line, Entry: e})
		audit.Total = audit.Total.Add(e.ConvertedQuantity)

		i, ok := lineIdx[e.Key.Line]
		if !ok {
			i = len(audit.Lines)
			lineIdx[e.Key.Line] = i
			audit.Lines = append(audit.Lines, LineAudit{Line: e.Key.Line, Subtotal: ZeroQuantity})
		}
		audit.Lines[i].Entries = append(audit.Lines[i].Entries, e)
		audit.Lines[i].Subtotal = audit.Lines[i].Subtotal.Add(e.ConvertedQuantity)
	}
	for i := range audit.Lines {
		SortEntries(audit.Lines[i].Entries)
	}
	sort.SliceStable(audit.Lines, func(i, j int) bool { return audit.Lines[i].Line.Less(audit.Lines[j].Line) })
	return audit
}

func (a *InventoryAggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// =============================================================================
// HELPERS
// =============================================================================

func sortedUsers(set map[UserID]struct{}) []UserID {
	out := make([]UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortKeys(keys []LineKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

func sortLineTotals(lines []LineTotal) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].Key.Less(lines[j].Key) })
}
