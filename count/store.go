/*
store.go - Persistence interfaces for batches and count entries

PURPOSE:
  Defines the boundary between the engine and whatever holds the data.
  The engine never reaches past these interfaces, so an in-memory map, a
  SQLite file or a future server database are interchangeable.

KEY INTERFACES:
  Store:         Entry log (append + read). Append-only.
  BatchStore:    Batch records, lifecycle transitions, final results
  Catalog:       Expected line set per batch (article/lot combinations)
  SnapshotStore: Cached batch views (see snapshot.go)

APPEND-ONLY CONTRACT:
  - Append(): the ONLY way an entry is written by clients
  - Transition(): the ONLY way the engine writes entries itself, and only
    together with the state change that closes the batch
  - NO Update() or Delete() of entries exists

ATOMICITY:
  Append performs the open-batch check, the natural-key de-duplication and
  the insert as one indivisible step. Transition verifies the expected
  current state, writes its entries and results, and moves the state, all
  or nothing. A Transition that closes a batch must not interleave with an
  Append to the same batch.

IMPLEMENTATIONS:
  - count/store/memory.go: sharded in-memory store (tests, single process)
  - store/sqlite/sqlite.go: durable SQLite store

SEE ALSO:
  - log.go: CountLog validates entries before they reach the store
  - reconcile.go: drives Transition
*/
package count

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entry log (append-only)
// =============================================================================

// Store handles persistence of count entries.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append stores e unless an entry with the same natural key exists, in
	// which case it returns AppendDuplicate. Fails with ErrBatchNotFound
	// or a *BatchLockedError when the owning batch is missing or closed.
	Append(ctx context.Context, e Entry) (AppendResult, error)

	// LineEntries returns all entries of one line. Order is unspecified.
	LineEntries(ctx context.Context, line LineKey) ([]Entry, error)

	// BatchEntries returns all entries of a batch. Order is unspecified.
	BatchEntries(ctx context.Context, batchID BatchID) ([]Entry, error)
}

// =============================================================================
// BATCH STORE - Batch records and lifecycle
// =============================================================================

// Transition describes an atomic lifecycle step of a batch.
type Transition struct {
	BatchID BatchID
	From    State
	To      State
	At      time.Time

	// Prepare, when set, runs while the store holds the batch exclusively
	// and receives every entry of the batch. Its writes are stored together
	// with the state change; an error aborts the whole transition.
	Prepare func(entries []Entry) (TransitionWrites, error)
}

// TransitionWrites are the engine-written records of a transition.
type TransitionWrites struct {
	// Entries are implicit zero entries for lines nobody counted.
	Entries []Entry

	// Results are the authoritative line totals of a confirmed batch.
	Results []LineTotal
}

type BatchStore interface {
	// CreateBatch stores a new batch with its expected lines. Fails with
	// ErrBatchExists if the id is taken.
	CreateBatch(ctx context.Context, b Batch, lines []ExpectedLine) error

	// GetBatch fails with ErrBatchNotFound if the batch doesn't exist.
	GetBatch(ctx context.Context, id BatchID) (*Batch, error)

	// ListBatches returns batches ordered by id, optionally filtered by state.
	ListBatches(ctx context.Context, states ...State) ([]Batch, error)

	// Transition applies t atomically. Fails with ErrConcurrentModification
	// if the batch is no longer in t.From, and with the error of t.Prepare
	// if it returns one.
	Transition(ctx context.Context, t Transition) error

	// Results returns the stored final totals of a confirmed batch, ordered by key.
	Results(ctx context.Context, id BatchID) ([]LineTotal, error)
}

// =============================================================================
// CATALOG - Expected line set
// =============================================================================

// Catalog supplies the article/lot combinations that belong to a batch.
type Catalog interface {
	ExpectedLines(ctx context.Context, batchID BatchID) ([]ExpectedLine, error)
}

// EngineStore is everything the Engine needs from persistence.
type EngineStore interface {
	Store
	BatchStore
	Catalog
	SnapshotStore
}
