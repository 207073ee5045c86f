/*
log.go - Append-only count log

PURPOSE:
  The CountLog is the immutable source of truth for every count action.
  Line and batch totals are always computed by folding entries; there is
  no running counter that can drift from the log.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. VALID: convertedQuantity = entered x factor (boxes) or entered (units)
  3. IDEMPOTENT: same (line, user, sequence) = same entry, second append is a no-op
  4. LOCKED: nothing is appended to a confirmed or cancelled batch

CORRECTIONS:
  A counter who miscounted does not edit the previous entry. They submit a
  new one with the next sequence number. Both stay in the log and the sum
  reflects the correction, so concurrent and offline submissions merge
  without losing anything.

DISPLAY ORDER:
  EntriesFor sorts by (sequence, submitted at, user). The order only
  affects audit screens, never the total.

SEE ALSO:
  - store.go: low-level persistence interface
  - aggregate.go: folds the log into totals
*/
package count

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// CountLog validates entries and appends them to a Store.
type CountLog struct {
	Store   Store
	Batches BatchStore
	Logger  logrus.FieldLogger
}

func NewCountLog(store Store, batches BatchStore, logger logrus.FieldLogger) *CountLog {
	return &CountLog{Store: store, Batches: batches, Logger: orDiscard(logger)}
}

// Append validates e and stores it. A re-submitted entry returns
// AppendDuplicate with a nil error.
func (l *CountLog) Append(ctx context.Context, e Entry) (AppendResult, error) {
	if e.Origin == "" {
		e.Origin = OriginClient
	}
	log := l.Logger.WithFields(logrus.Fields{
		"module":   "count",
		"func":     "Append",
		"batch_id": e.Key.Line.BatchID,
		"article":  e.Key.Line.ArticleCode,
		"lot":      e.Key.Line.LotCode,
		"user_id":  e.Key.UserID,
		"sequence": e.Key.Sequence,
	})

	if err := ValidateEntry(e); err != nil {
		log.WithError(err).Warn("entry rejected")
		return "", err
	}

	batch, err := l.Batches.GetBatch(ctx, e.Key.Line.BatchID)
	if err != nil {
		return "", err
	}
	if batch.State.Terminal() {
		err := &BatchLockedError{BatchID: batch.ID, State: batch.State}
		log.WithError(err).Warn("entry rejected")
		return "", err
	}
	if batch.Mode == ModeIndividual && batch.AssignedUser != "" && batch.AssignedUser != e.Key.UserID {
		err := &InvalidEntryError{Key: e.Key, Cause: ErrUserNotAssigned}
		log.WithError(err).Warn("entry rejected")
		return "", err
	}

	// The store re-checks the batch state atomically with the insert.
	res, err := l.Store.Append(ctx, e)
	if err != nil {
		if errors.Is(err, ErrBatchLocked) {
			log.WithError(err).Warn("entry rejected")
		}
		return "", err
	}
	if res == AppendDuplicate {
		log.Debug("duplicate entry ignored")
	}
	return res, nil
}

// EntriesFor returns the entries of a line in display order.
func (l *CountLog) EntriesFor(ctx context.Context, line LineKey) ([]Entry, error) {
	entries, err := l.Store.LineEntries(ctx, line)
	if err != nil {
		return nil, err
	}
	SortEntries(entries)
	return entries, nil
}

// ValidateEntry checks a client entry before it is stored.
func ValidateEntry(e Entry) error {
	invalid := func(msg string) error {
		return &InvalidEntryError{Key: e.Key, Cause: fmt.Errorf("%w: %s", ErrInvalidEntry, msg)}
	}
	switch {
	case e.Key.Line.BatchID <= 0:
		return invalid("batch id is required")
	case strings.TrimSpace(e.Key.Line.ArticleCode) == "":
		return invalid("article code is required")
	case strings.TrimSpace(string(e.Key.UserID)) == "":
		return invalid("user id is required")
	case e.Key.Sequence < 1:
		return invalid("sequence number must be >= 1")
	case e.SubmittedAt.IsZero():
		return invalid("submitted at is required")
	case e.Origin != OriginClient:
		return invalid("only client entries can be appended")
	case e.Key.UserID == SystemUser:
		return invalid("user id is reserved")
	}
	if err := CheckConversion(e); err != nil {
		return &InvalidEntryError{Key: e.Key, Cause: err}
	}
	return nil
}

// SortEntries orders entries by (sequence, submitted at, user). Sequence
// numbers are per user and line, so one user's entries keep their own order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Key.Sequence != b.Key.Sequence {
			return a.Key.Sequence < b.Key.Sequence
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		if a.Key.UserID != b.Key.UserID {
			return a.Key.UserID < b.Key.UserID
		}
		return a.Key.Line.Less(b.Key.Line)
	})
}

func orDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}
