package vectorstore

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store that can mimic the lag of hosted
// indexes. VisibilityDelay hides fresh upserts from Query, Fetch and List.
// UpdateDelay keeps readers on the previous metadata after UpdateMetadata.
type MemoryStore struct {
	VisibilityDelay time.Duration
	UpdateDelay     time.Duration
	Now             func() time.Time

	mu      sync.RWMutex
	records map[string]*memEntry
	seq     int
}

type memEntry struct {
	vector    []float32
	md        Metadata
	visibleAt time.Time
	seq       int

	pending   Metadata
	pendingAt time.Time
}

// view returns the metadata a reader sees at now.
func (e *memEntry) view(now time.Time) Metadata {
	if e.pending != nil && !now.Before(e.pendingAt) {
		return e.pending
	}
	return e.md
}

// NewMemoryStore returns an empty store with immediate visibility.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memEntry)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) visible(e *memEntry) bool {
	return !m.now().Before(e.visibleAt)
}

func (m *MemoryStore) Upsert(ctx context.Context, id string, vector []float32, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return storeErr("upsert", err)
	}
	if id == "" {
		return storeErr("upsert", fmt.Errorf("empty id"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]*memEntry)
	}
	e := &memEntry{
		vector:    append([]float32(nil), vector...),
		md:        md.Clone(),
		visibleAt: m.now().Add(m.VisibilityDelay),
		seq:       m.seq,
	}
	if old, ok := m.records[id]; ok {
		e.seq = old.seq
	} else {
		m.seq++
	}
	m.records[id] = e
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("query", err)
	}
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	h := &idScoreHeap{}
	heap.Init(h)
	for id, e := range m.records {
		if !m.visible(e) {
			continue
		}
		if filter != nil && e.view(now).String(filter.Field) != filter.Value {
			continue
		}
		pushTopK(h, idScore{ID: id, Score: cosine(vector, e.vector, queryNorm), seq: e.seq}, topK)
	}

	top := drain(h)
	matches := make([]Match, len(top))
	for i, c := range top {
		matches[i] = Match{ID: c.ID, Score: c.Score, Metadata: m.records[c.ID].view(now).Clone()}
	}
	return matches, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, ids []string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("fetch", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]*Record, len(ids))
	for i, id := range ids {
		e, ok := m.records[id]
		if !ok || !m.visible(e) {
			continue
		}
		out[i] = &Record{ID: id, Vector: append([]float32(nil), e.vector...), Metadata: e.view(now).Clone()}
	}
	return out, nil
}

func (m *MemoryStore) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return storeErr("update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return storeErr("update", fmt.Errorf("%s: %w", id, ErrNotFound))
	}
	now := m.now()
	latest := e.md
	if e.pending != nil {
		latest = e.pending
		if !now.Before(e.pendingAt) {
			e.md = e.pending
		}
	}
	merged := latest.Merge(md)
	if m.UpdateDelay <= 0 {
		e.md, e.pending = merged, nil
		return nil
	}
	e.pending, e.pendingAt = merged, now.Add(m.UpdateDelay)
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return storeErr("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

// List returns visible records in insertion order.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := make([]*memEntry, m.seq)
	ids := make([]string, m.seq)
	for id, e := range m.records {
		ordered[e.seq] = e
		ids[e.seq] = id
	}

	limit = clampLimit(limit)
	now := m.now()
	var out []Record
	for i, e := range ordered {
		if e == nil || !m.visible(e) {
			continue
		}
		out = append(out, Record{ID: ids[i], Vector: append([]float32(nil), e.vector...), Metadata: e.view(now).Clone()})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored records, visible or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
