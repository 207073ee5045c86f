package count

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// SNAPSHOT - Cached batch view
// =============================================================================

// Snapshot captures a composed BatchView at a point in time.
// Used for:
//   - Fast progress reads for dashboards (avoid folding the log per request)
//   - Watching a batch converge while devices sync
//
// A snapshot is a cache of the fold, never the source of truth. The
// confirmation decision and the final results always fold the log.
type Snapshot struct {
	ID            string         `json:"id"`
	BatchID       BatchID        `json:"batch_id"`
	State         State          `json:"state"`
	Lines         []LineTotal    `json:"lines"`
	Counters      []UserID       `json:"counters"`
	CountersCount int            `json:"counters_count"`
	Uncounted     []LineKey      `json:"uncounted"`
	TakenAt       time.Time      `json:"taken_at"`
	Reason        SnapshotReason `json:"reason"`
}

type SnapshotReason string

const (
	SnapshotScheduled SnapshotReason = "scheduled" // Periodic refresh
	SnapshotManual    SnapshotReason = "manual"    // Requested by a caller
)

// NewSnapshot freezes a view.
func NewSnapshot(v BatchView, reason SnapshotReason, at time.Time) Snapshot {
	return Snapshot{
		ID:            uuid.NewString(),
		BatchID:       v.BatchID,
		State:         v.State,
		Lines:         v.SortedLines(),
		Counters:      v.Counters,
		CountersCount: v.CountersCount,
		Uncounted:     v.Uncounted,
		TakenAt:       at,
		Reason:        reason,
	}
}

// =============================================================================
// SNAPSHOT STORE - Persistence for snapshots
// =============================================================================

type SnapshotStore interface {
	// SaveSnapshot replaces the latest snapshot of the batch.
	SaveSnapshot(ctx context.Context, s Snapshot) error

	// LatestSnapshot returns nil, nil when no snapshot exists.
	LatestSnapshot(ctx context.Context, batchID BatchID) (*Snapshot, error)
}

// RefreshSnapshots composes every open batch and stores its snapshot.
// Returns how many snapshots were written. A failing batch is logged and
// skipped.
func (e *Engine) RefreshSnapshots(ctx context.Context, reason SnapshotReason) (int, error) {
	batches, err := e.PendingBatches(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, b := range batches {
		if _, err := e.Snapshot(ctx, b.ID, reason); err != nil {
			e.logger.WithFields(logrus.Fields{
				"module":   "count",
				"func":     "RefreshSnapshots",
				"batch_id": b.ID,
			}).WithError(err).Error("snapshot failed")
			continue
		}
		written++
	}
	return written, nil
}

// Snapshot composes one batch and stores the result.
func (e *Engine) Snapshot(ctx context.Context, id BatchID, reason SnapshotReason) (Snapshot, error) {
	view, err := e.Inventory.Compose(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := NewSnapshot(view, reason, e.now())
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// LatestSnapshot returns the cached view of a batch, or nil.
func (e *Engine) LatestSnapshot(ctx context.Context, id BatchID) (*Snapshot, error) {
	if _, err := e.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return e.store.LatestSnapshot(ctx, id)
}
