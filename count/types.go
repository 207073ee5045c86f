/*
Package count provides the count aggregation and reconciliation engine.

PURPOSE:
  Several operators, possibly on different devices and intermittently
  offline, count the same inventory batch at the same time. Each count
  action becomes an immutable CountLogEntry. This package turns the set of
  entries that eventually arrive into one authoritative quantity per line,
  keeps the per-entry audit trail, and runs the pending -> confirmed
  workflow that locks a batch once it is closed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: whole-unit decimal amount (boxes, units, factors)
  - Batch: one physical count job with mode, scope and state
  - LineKey: (batch, article, lot) identity of a counted line
  - Entry: immutable count submission, keyed by (line, user, sequence)
  - LineTotal / BatchView / UserAudit: derived, never persisted as truth

DESIGN PRINCIPLES:
  1. Append-only: entries are never edited or removed, corrections are new entries
  2. Commutative fold: totals are sums, so arrival order never matters
  3. Idempotent append: the natural key de-duplicates retries
  4. Frozen conversion: the box factor active at submission travels with the entry

USAGE:
  store := store.NewMemory()
  engine := count.NewEngine(store, count.EngineOptions{})

  entry, _ := count.NewEntry(line, "ana", 1, count.UnitBoxes, count.QuantityFromInt(2), count.QuantityFromInt(24), time.Now())
  result, err := engine.Append(ctx, entry)

SEE ALSO:
  - conversion.go: ConversionPolicy
  - log.go: CountLog (append + ordered retrieval)
  - aggregate.go: LineAggregator and InventoryAggregator
  - reconcile.go: ReconciliationEngine state machine
*/
package count

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Whole-unit amount
// =============================================================================

// Quantity is a count of boxes, units or units-per-box. Inventory counts are
// whole numbers; decimal is used so that imported figures keep their exact
// representation and fractional input can be detected and rejected.
type Quantity struct {
	decimal.Decimal
}

var ZeroQuantity = Quantity{decimal.Zero}

func QuantityFromInt(v int64) Quantity { return Quantity{decimal.NewFromInt(v)} }

func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return Quantity{d}, nil
}

func (q Quantity) Add(o Quantity) Quantity { return Quantity{q.Decimal.Add(o.Decimal)} }
func (q Quantity) Mul(o Quantity) Quantity { return Quantity{q.Decimal.Mul(o.Decimal)} }
func (q Quantity) Equal(o Quantity) bool   { return q.Decimal.Equal(o.Decimal) }
func (q Quantity) IsWhole() bool           { return q.Decimal.IsInteger() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID int64
type UserID string

// SystemUser is the reserved counter under which the engine writes the
// implicit zero entries of a forced confirmation.
const SystemUser UserID = "system"

// LineKey identifies one (article, lot) line within a batch.
type LineKey struct {
	BatchID     BatchID `json:"batch_id"`
	ArticleCode string  `json:"article_code"`
	LotCode     string  `json:"lot_code"`
}

func (k LineKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.BatchID, k.ArticleCode, k.LotCode)
}

// Less orders keys by batch, article and lot.
func (k LineKey) Less(o LineKey) bool {
	if k.BatchID != o.BatchID {
		return k.BatchID < o.BatchID
	}
	if k.ArticleCode != o.ArticleCode {
		return k.ArticleCode < o.ArticleCode
	}
	return k.LotCode < o.LotCode
}

// =============================================================================
// BATCH - One physical count job
// =============================================================================

type Mode string

const (
	ModeIndividual   Mode = "individual"
	ModeSimultaneous Mode = "simultaneous"
)

func (m Mode) Valid() bool { return m == ModeIndividual || m == ModeSimultaneous }

type State string

const (
	StatePending             State = "pending"
	StatePendingConfirmation State = "pending_confirmation"
	StateConfirmed           State = "confirmed"
	StateCancelled           State = "cancelled"
)

// Terminal reports whether no further entries or transitions are accepted.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateCancelled }

// Open reports whether the batch still accepts entries.
func (s State) Open() bool { return s == StatePending || s == StatePendingConfirmation }

// Scope holds the descriptors that select what a batch covers. They are
// opaque codes to the engine.
type Scope struct {
	Branch     string `json:"branch,omitempty"`
	Warehouse  string `json:"warehouse,omitempty"`
	Area       string `json:"area,omitempty"`
	Department string `json:"department,omitempty"`
	Section    string `json:"section,omitempty"`
	Family     string `json:"family,omitempty"`
	Group      string `json:"group,omitempty"`
}

type Batch struct {
	ID    BatchID
	Mode  Mode
	Scope Scope
	State State

	// AssignedUser restricts an individual-mode batch to one counter.
	// Empty means anyone may count.
	AssignedUser UserID

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// ExpectedLine is one article/lot combination that belongs to a batch
// according to catalog data.
type ExpectedLine struct {
	Key              LineKey
	ConversionFactor Quantity
}

// =============================================================================
// ENTRY - Immutable count submission
// =============================================================================

type UnitKind string

const (
	UnitBoxes UnitKind = "boxes"
	UnitUnits UnitKind = "units"
)

func (u UnitKind) Valid() bool { return u == UnitBoxes || u == UnitUnits }

type Origin string

const (
	OriginClient       Origin = "client"
	OriginImplicitZero Origin = "implicit_zero"
)

// EntryKey is the natural identity of an entry. Sequence is assigned by the
// originating client and increases per line per user.
type EntryKey struct {
	Line     LineKey
	UserID   UserID
	Sequence int64
}

func (k EntryKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Line, k.UserID, k.Sequence)
}

type Entry struct {
	// ID is a store-assigned record identifier. It is not part of the
	// natural key and may be empty before the entry is stored.
	ID string

	Key               EntryKey
	UnitKind          UnitKind
	EnteredQuantity   Quantity
	ConversionFactor  Quantity
	ConvertedQuantity Quantity

	SubmittedAt time.Time
	DeviceID    string
	Origin      Origin
}

// NewEntry builds a client entry and derives its converted quantity.
func NewEntry(line LineKey, user UserID, seq int64, kind UnitKind, entered, factor Quantity, at time.Time) (Entry, error) {
	converted, err := Convert(kind, entered, factor)
	if err != nil {
		return Entry{}, &InvalidEntryError{Key: EntryKey{Line: line, UserID: user, Sequence: seq}, Cause: err}
	}
	return Entry{
		Key:               EntryKey{Line: line, UserID: user, Sequence: seq},
		UnitKind:          kind,
		EnteredQuantity:   entered,
		ConversionFactor:  factor,
		ConvertedQuantity: converted,
		SubmittedAt:       at,
		Origin:            OriginClient,
	}, nil
}

// AppendResult tells the caller whether an entry was stored or was already present.
type AppendResult string

const (
	AppendAccepted  AppendResult = "accepted"
	AppendDuplicate AppendResult = "duplicate"
)

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// LineTotal is the fold of all entries of one line.
type LineTotal struct {
	Key     LineKey
	Total   Quantity
	Counted bool

	// Users are the distinct contributing counters, sorted. The system
	// counter is not included.
	Users   []UserID
	Entries int

	// ImplicitZero is set when the only entries are engine-written zeros.
	ImplicitZero bool
}

// BatchView composes the line totals of a batch.
type BatchView struct {
	BatchID       BatchID
	State         State
	Lines         map[LineKey]LineTotal
	Counters      []UserID
	CountersCount int

	// Uncounted lists the expected lines with no entries, sorted.
	Uncounted  []LineKey
	ComposedAt time.Time
}

// SortedLines returns the line totals ordered by key.
func (v BatchView) SortedLines() []LineTotal {
	out := make([]LineTotal, 0, len(v.Lines))
	for _, lt := range v.Lines {
		out = append(out, lt)
	}
	sortLineTotals(out)
	return out
}

// ArticleTotal consolidates the lots of one article. Display-only.
type ArticleTotal struct {
	ArticleCode string
	Total       Quantity
	Lots        int
	Counted     bool
}

// ByArticle consolidates line totals by article code. It is a read-only
// projection for presentation and never feeds back into stored totals.
func (v BatchView) ByArticle() []ArticleTotal {
	idx := make(map[string]int)
	var out []ArticleTotal
	for _, lt := range v.SortedLines() {
		i, ok := idx[lt.Key.ArticleCode]
		if !ok {
			i = len(out)
			idx[lt.Key.ArticleCode] = i
			out = append(out, ArticleTotal{ArticleCode: lt.Key.ArticleCode, Total: ZeroQuantity, Counted: true})
		}
		out[i].Total = out[i].Total.Add(lt.Total)
		out[i].Lots++
		out[i].Counted = out[i].Counted && lt.Counted
	}
	return out
}

// AuditRecord is one entry in a per-user audit trail.
type AuditRecord struct {
	Line  LineKey
	Entry Entry
}

// LineAudit is a user's entries on one line with their partial sum.
type LineAudit struct {
	Line     LineKey
	Entries  []Entry
	Subtotal Quantity
}

// UserAudit answers "who counted what, when, how" for one user in one batch.
type UserAudit struct {
	BatchID BatchID
	UserID  UserID
	Records []AuditRecord
	Lines   []LineAudit
	Total   Quantity
}
