/*
reconcile.go - Batch lifecycle and the uncounted-items policy

PURPOSE:
  Runs the pending -> confirmed workflow of a batch and exposes the whole
  engine (log, aggregators, lifecycle) behind one facade.

STATE MACHINE:
  ┌─────────┐ request-confirmation  ┌──────────────────────┐
  │ Pending │ ────────────────────▶ │ PendingConfirmation  │
  └─────────┘  (uncounted lines)    └──────────────────────┘
      │  │                                │          │
      │  │ confirm (all counted)          │ confirm  │ cancel
      │  └──────────────┐                 │ (force)  │
      │ cancel          ▼                 ▼          ▼
      │           ┌───────────┐                ┌───────────┐
      └─────────▶ │ Confirmed │                │ Cancelled │
                  └───────────┘                └───────────┘

  Confirmed and Cancelled are terminal. Any transition or append on a
  terminal batch fails with ErrBatchLocked.

UNCOUNTED-ITEMS POLICY ("warn, then allow override"):
  1. RequestConfirmation composes the batch. Uncounted expected lines move
     it to PendingConfirmation and come back as a warning, not an error.
  2. Confirm without force fails with ErrIncompleteCount while any expected
     line is uncounted.
  3. Confirm with force from PendingConfirmation writes an implicit zero
     entry for every uncounted line, so the audit trail shows "registered
     as zero, not counted" instead of silently omitting the line.

ATOMICITY:
  Transitions are serialized per batch by a BatchLocker. The confirmation
  decision, the implicit zeros, the final results and the state change are
  computed and written inside one store Transition, so no append can slip
  in between the decision and the lock. A failed confirm changes nothing.

SEE ALSO:
  - aggregate.go: composeView feeds the decision
  - store.go: Transition contract
*/
package count

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE - Facade over log, aggregators and lifecycle
// =============================================================================

type EngineOptions struct {
	// Locker serializes transitions per batch. Defaults to a LocalLocker.
	Locker BatchLocker

	Logger logrus.FieldLogger

	// Now defaults to time.Now in UTC.
	Now func() time.Time

	// UncountedSample caps how many uncounted lines a warning lists. Defaults to 10.
	UncountedSample int
}

type Engine struct {
	Log       *CountLog
	Lines     *LineAggregator
	Inventory *InventoryAggregator

	store  EngineStore
	locker BatchLocker
	logger logrus.FieldLogger
	now    func() time.Time
	sample int
}

func NewEngine(store EngineStore, opts EngineOptions) *Engine {
	e := &Engine{
		store:  store,
		locker: opts.Locker,
		logger: orDiscard(opts.Logger),
		now:    opts.Now,
		sample: opts.UncountedSample,
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sample <= 0 {
		e.sample = 10
	}

	e.Log = NewCountLog(store, store, e.logger)
	e.Lines = &LineAggregator{Log: e.Log}
	e.Inventory = &InventoryAggregator{Store: store, Batches: store, Catalog: store, Now: e.now}
	return e
}

// =============================================================================
// BATCHES
// =============================================================================

// ImportBatch registers a batch delivered by the sync importer together
// with its expected line set. Importing the same batch again is a no-op;
// importing a different batch under a taken id fails with ErrBatchExists.
func (e *Engine) ImportBatch(ctx context.Context, b Batch, lines []ExpectedLine) (*Batch, error) {
	if err := validateImport(b, lines); err != nil {
		return nil, err
	}
	now := e.now()
	b.State = StatePending
	b.CreatedAt = now
	b.UpdatedAt = now
	b.ClosedAt = nil

	err := e.store.CreateBatch(ctx, b, lines)
	if errors.Is(err, ErrBatchExists) {
		return e.reimport(ctx, b, lines)
	}
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"module":   "count",
		"func":     "ImportBatch",
		"batch_id": b.ID,
		"mode":     b.Mode,
		"lines":    len(lines),
	}).Info("batch imported")
	return &b, nil
}

func (e *Engine) reimport(ctx context.Context, b Batch, lines []ExpectedLine) (*Batch, error) {
	existing, err := e.store.GetBatch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	have, err := e.store.ExpectedLines(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if existing.Mode != b.Mode || existing.Scope != b.Scope || existing.AssignedUser != b.AssignedUser || !sameLines(have, lines) {
		return nil, fmt.Errorf("%w: %d", ErrBatchExists, b.ID)
	}
	return existing, nil
}

func validateImport(b Batch, lines []ExpectedLine) error {
	if b.ID <= 0 {
		return fmt.Errorf("%w: batch id must be positive", ErrInvalidBatch)
	}
	if !b.Mode.Valid() {
		return fmt.Errorf("%w: unknown batch mode %q", ErrInvalidBatch, b.Mode)
	}
	seen := make(map[LineKey]bool, len(lines))
	for _, l := range lines {
		if l.Key.BatchID != b.ID {
			return fmt.Errorf("%w: line %s does not belong to batch %d", ErrInvalidBatch, l.Key, b.ID)
		}
		if l.Key.ArticleCode == "" {
			return fmt.Errorf("%w: line without article code", ErrInvalidBatch)
		}
		if seen[l.Key] {
			return fmt.Errorf("%w: duplicate line %s", ErrInvalidBatch, l.Key)
		}
		seen[l.Key] = true
		if _, err := Convert(UnitBoxes, ZeroQuantity, l.ConversionFactor); err != nil {
			return fmt.Errorf("%w: line %s: %v", ErrInvalidBatch, l.Key, err)
		}
	}
	return nil
}

func sameLines(a, b []ExpectedLine) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(ls []ExpectedLine) map[LineKey]string {
		m := make(map[LineKey]string, len(ls))
		for _, l := range ls {
			m[l.Key] = l.ConversionFactor.String()
		}
		return m
	}
	return reflect.DeepEqual(norm(a), norm(b))
}

func (e *Engine) Batch(ctx context.Context, id BatchID) (*Batch, error) {
	return e.store.GetBatch(ctx, id)
}

func (e *Engine) ListBatches(ctx context.Context, states ...State) ([]Batch, error) {
	return e.store.ListBatches(ctx, states...)
}

// PendingBatches returns batches that still accept entries.
func (e *Engine) PendingBatches(ctx context.Context) ([]Batch, error) {
	return e.store.ListBatches(ctx, StatePending, StatePendingConfirmation)
}

func (e *Engine) ExpectedLines(ctx context.Context, id BatchID) ([]ExpectedLine, error) {
	if _, err := e.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ExpectedLines(ctx, id)
}

// Results returns the authoritative totals stored when the batch was confirmed.
func (e *Engine) Results(ctx context.Context, id BatchID) ([]LineTotal, error) {
	b, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.State != StateConfirmed {
		return nil, nil
	}
	return e.store.Results(ctx, id)
}

// =============================================================================
// ENTRIES AND VIEWS
// =============================================================================

func (e *Engine) Append(ctx context.Context, entry Entry) (AppendResult, error) {
	return e.Log.Append(ctx, entry)
}

func (e *Engine) EntriesFor(ctx context.Context, line LineKey) ([]Entry, error) {
	if _, err := e.store.GetBatch(ctx, line.BatchID); err != nil {
		return nil, err
	}
	return e.Log.EntriesFor(ctx, line)
}

func (e *Engine) Fold(ctx context.Context, line LineKey) (LineTotal, error) {
	if _, err := e.store.GetBatch(ctx, line.BatchID); err != nil {
		return LineTotal{}, err
	}
	return e.Lines.Fold(ctx, line)
}

func (e *Engine) Compose(ctx context.Context, id BatchID) (BatchView, error) {
	return e.Inventory.Compose(ctx, id)
}

func (e *Engine) AuditFor(ctx context.Context, id BatchID, user UserID) (UserAudit, error) {
	return e.Inventory.AuditFor(ctx, id, user)
}

// =============================================================================
// RECONCILIATION - State transitions
// =============================================================================

// ConfirmationRequest is the answer to RequestConfirmation.
type ConfirmationRequest struct {
	BatchID BatchID
	State   State

	// Ready is true when every expected line has at least one entry.
	Ready bool

	Uncounted int
	Sample    []LineKey
	View      BatchView
}

// ConfirmationResult describes a confirmed batch.
type ConfirmationResult struct {
	BatchID       BatchID
	State         State
	Results       []LineTotal
	ImplicitZeros []LineKey
	ConfirmedAt   time.Time
}

// RequestConfirmation checks coverage. Uncounted lines move a pending batch
// to PendingConfirmation and are returned as a warning.
func (e *Engine) RequestConfirmation(ctx context.Context, id BatchID) (ConfirmationRequest, error) {
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return ConfirmationRequest{}, err
	}
	defer unlock()

	batch, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return ConfirmationRequest{}, err
	}
	if batch.State.Terminal() {
		return ConfirmationRequest{}, &BatchLockedError{BatchID: id, State: batch.State}
	}

	view, err := e.Inventory.Compose(ctx, id)
	if err != nil {
		return ConfirmationRequest{}, err
	}
	req := ConfirmationRequest{
		BatchID:   id,
		State:     batch.State,
		Ready:     len(view.Uncounted) == 0,
		Uncounted: len(view.Uncounted),
		Sample:    e.sampleOf(view.Uncounted),
		View:      view,
	}
	if req.Ready || batch.State == StatePendingConfirmation {
		return req, nil
	}

	err = e.store.Transition(ctx, Transition{
		BatchID: id,
		From:    StatePending,
		To:      StatePendingConfirmation,
		At:      e.now(),
	})
	if err != nil {
		return ConfirmationRequest{}, e.transitionError(ctx, id, err)
	}
	req.State = StatePendingConfirmation
	req.View.State = StatePendingConfirmation

	e.logger.WithFields(logrus.Fields{
		"module":    "count",
		"func":      "RequestConfirmation",
		"batch_id":  id,
		"uncounted": req.Uncounted,
	}).Info("batch awaiting confirmation of uncounted lines")
	return req, nil
}

// Confirm finalizes a batch. It succeeds when every expected line is
// counted, or when the batch is in PendingConfirmation and forceUncounted
// is set, in which case each uncounted line receives an implicit zero entry.
func (e *Engine) Confirm(ctx context.Context, id BatchID, forceUncounted bool) (ConfirmationResult, error) {
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return ConfirmationResult{}, err
	}
	defer unlock()

	batch, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if batch.State.Terminal() {
		return ConfirmationResult{}, &BatchLockedError{BatchID: id, State: batch.State}
	}
	expected, err := e.store.ExpectedLines(ctx, id)
	if err != nil {
		return ConfirmationResult{}, err
	}

	override := forceUncounted && batch.State == StatePendingConfirmation
	at := e.now()
	var result ConfirmationResult

	err = e.store.Transition(ctx, Transition{
		BatchID: id,
		From:    batch.State,
		To:      StateConfirmed,
		At:      at,
		Prepare: func(entries []Entry) (TransitionWrites, error) {
			view := composeView(id, expected, entries)
			if len(view.Uncounted) > 0 && !override {
				return TransitionWrites{}, &IncompleteCountError{
					BatchID:   id,
					Uncounted: len(view.Uncounted),
					Sample:    e.sampleOf(view.Uncounted),
				}
			}

			zeros := make([]Entry, 0, len(view.Uncounted))
			for _, key := range view.Uncounted {
				z := implicitZero(key, at)
				zeros = append(zeros, z)
				view.Lines[key] = Fold(key, []Entry{z})
			}
			result.ImplicitZeros = view.Uncounted
			result.Results = view.SortedLines()
			return TransitionWrites{Entries: zeros, Results: result.Results}, nil
		},
	})
	if err != nil {
		if errors.Is(err, ErrIncompleteCount) {
			e.logger.WithFields(logrus.Fields{
				"module":   "count",
				"func":     "Confirm",
				"batch_id": id,
			}).WithError(err).Warn("confirmation refused")
			return ConfirmationResult{}, err
		}
		return ConfirmationResult{}, e.transitionError(ctx, id, err)
	}

	result.BatchID = id
	result.State = StateConfirmed
	result.ConfirmedAt = at

	e.logger.WithFields(logrus.Fields{
		"module":         "count",
		"func":           "Confirm",
		"batch_id":       id,
		"lines":          len(result.Results),
		"implicit_zeros": len(result.ImplicitZeros),
	}).Info("batch confirmed")
	return result, nil
}

// Cancel closes a batch without requiring coverage and without writing
// zero entries. Existing entries stay for audit.
func (e *Engine) Cancel(ctx context.Context, id BatchID) (*Batch, error) {
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	batch, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.State.Terminal() {
		return nil, &BatchLockedError{BatchID: id, State: batch.State}
	}

	at := e.now()
	if err := e.store.Transition(ctx, Transition{BatchID: id, From: batch.State, To: StateCancelled, At: at}); err != nil {
		return nil, e.transitionError(ctx, id, err)
	}

	e.logger.WithFields(logrus.Fields{
		"module":   "count",
		"func":     "Cancel",
		"batch_id": id,
	}).Info("batch cancelled")
	return e.store.GetBatch(ctx, id)
}

// transitionError turns a lost race into the error the winner caused.
func (e *Engine) transitionError(ctx context.Context, id BatchID, err error) error {
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	b, gerr := e.store.GetBatch(ctx, id)
	if gerr == nil && b.State.Terminal() {
		return &BatchLockedError{BatchID: id, State: b.State}
	}
	return err
}

func (e *Engine) sampleOf(keys []LineKey) []LineKey {
	if len(keys) <= e.sample {
		return keys
	}
	return keys[:e.sample]
}

func implicitZero(key LineKey, at time.Time) Entry {
	return Entry{
		Key:               EntryKey{Line: key, UserID: SystemUser, Sequence: 1},
		UnitKind:          UnitUnits,
		EnteredQuantity:   ZeroQuantity,
		ConversionFactor:  QuantityFromInt(1),
		ConvertedQuantity: ZeroQuantity,
		SubmittedAt:       at,
		DeviceID:          "reconciliation",
		Origin:            OriginImplicitZero,
	}
}
