// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/count-engine/count"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps each batch in its own shard. Appends to different batches
// never share a lock; appends to different lines of one batch only share a
// read lock on the shard. Transitions take the shard write lock, so they
// wait for in-flight appends and block new ones until the state is set.
type Memory struct {
	mu      sync.RWMutex
	batches map[count.BatchID]*shard
}

type shard struct {
	mu       sync.RWMutex
	batch    count.Batch
	expected []count.ExpectedLine
	results  []count.LineTotal

	snapMu   sync.Mutex
	snapshot *count.Snapshot

	logsMu sync.Mutex
	logs   map[count.LineKey]*lineLog
}

type lineLog struct {
	mu      sync.RWMutex
	entries []count.Entry
	seen    map[identity]struct{}
}

type identity struct {
	User     count.UserID
	Sequence int64
}

func NewMemory() *Memory {
	return &Memory{batches: make(map[count.BatchID]*shard)}
}

func (m *Memory) shard(id count.BatchID) (*shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", count.ErrBatchNotFound, id)
	}
	return s, nil
}

func (s *shard) log(key count.LineKey) *lineLog {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	l, ok := s.logs[key]
	if !ok {
		l = &lineLog{seen: make(map[identity]struct{})}
		s.logs[key] = l
	}
	return l
}

func (s *shard) peek(key count.LineKey) *lineLog {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	return s.logs[key]
}

func (s *shard) lineLogs() []*lineLog {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	out := make([]*lineLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	return out
}

// insert de-duplicates and appends under the line lock.
func (l *lineLog) insert(e count.Entry) count.AppendResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := identity{User: e.Key.UserID, Sequence: e.Key.Sequence}
	if _, dup := l.seen[id]; dup {
		return count.AppendDuplicate
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.seen[id] = struct{}{}
	l.entries = append(l.entries, e)
	return count.AppendAccepted
}

func (l *lineLog) copyEntries() []count.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]count.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// =============================================================================
// ENTRY LOG (count.Store)
// =============================================================================

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e count.Entry) (count.AppendResult, error) {
	s, err := m.shard(e.Key.Line.BatchID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.batch.State.Open() {
		return "", &count.BatchLockedError{BatchID: s.batch.ID, State: s.batch.State}
	}
	return s.log(e.Key.Line).insert(e), nil
}

func (m *Memory) LineEntries(_ context.Context, line count.LineKey) ([]count.Entry, error) {
	s, err := m.shard(line.BatchID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.peek(line)
	if l == nil {
		return nil, nil
	}
	return l.copyEntries(), nil
}

func (m *Memory) BatchEntries(_ context.Context, id count.BatchID) ([]count.Entry, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allEntries(), nil
}

func (s *shard) allEntries() []count.Entry {
	var out []count.Entry
	for _, l := range s.lineLogs() {
		out = append(out, l.copyEntries()...)
	}
	return out
}

// =============================================================================
// BATCHES (count.BatchStore, count.Catalog)
// =============================================================================

func (m *Memory) CreateBatch(_ context.Context, b count.Batch, lines []count.ExpectedLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("%w: %d", count.ErrBatchExists, b.ID)
	}
	m.batches[b.ID] = &shard{
		batch:    b,
		expected: append([]count.ExpectedLine(nil), lines...),
		logs:     make(map[count.LineKey]*lineLog),
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id count.BatchID) (*count.Batch, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.batch
	return &b, nil
}

func (m *Memory) ListBatches(_ context.Context, states ...count.State) ([]count.Batch, error) {
	m.mu.RLock()
	shards := make([]*shard, 0, len(m.batches))
	for _, s := range m.batches {
		shards = append(shards, s)
	}
	m.mu.RUnlock()

	var out []count.Batch
	for _, s := range shards {
		s.mu.RLock()
		b := s.batch
		s.mu.RUnlock()
		if len(states) == 0 || hasState(states, b.State) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasState(states []count.State, s count.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Transition applies a lifecycle step under the shard write lock.
func (m *Memory) Transition(_ context.Context, t count.Transition) error {
	s, err := m.shard(t.BatchID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batch.State.Terminal() {
		return &count.BatchLockedError{BatchID: s.batch.ID, State: s.batch.State}
	}
	if s.batch.State != t.From {
		return fmt.Errorf("%w: batch %d is %s, expected %s", count.ErrConcurrentModification, t.BatchID, s.batch.State, t.From)
	}

	var writes count.TransitionWrites
	if t.Prepare != nil {
		writes, err = t.Prepare(s.allEntries())
		if err != nil {
			return err
		}
	}

	for _, e := range writes.Entries {
		s.log(e.Key.Line).insert(e)
	}
	if len(writes.Results) > 0 {
		s.results = append([]count.LineTotal(nil), writes.Results...)
	}
	s.batch.State = t.To
	s.batch.UpdatedAt = t.At
	if t.To.Terminal() {
		at := t.At
		s.batch.ClosedAt = &at
	}
	return nil
}

func (m *Memory) Results(_ context.Context, id count.BatchID) ([]count.LineTotal, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]count.LineTotal(nil), s.results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (m *Memory) ExpectedLines(_ context.Context, id count.BatchID) ([]count.ExpectedLine, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]count.ExpectedLine(nil), s.expected...), nil
}

// =============================================================================
// SNAPSHOTS (count.SnapshotStore)
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, snap count.Snapshot) error {
	s, err := m.shard(snap.BatchID)
	if err != nil {
		return err
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapshot = &snap
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, id count.BatchID) (*count.Snapshot, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	snap := *s.snapshot
	return &snap, nil
}

// Reset drops all data. Used by demo scenarios.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = make(map[count.BatchID]*shard)
	return nil
}
