package domain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// memoryRecord keeps the cache deadline next to the transfer so rewrites
// can preserve it.
type memoryRecord struct {
	transfer Transfer
	deadline time.Time
}

// memoryRepository keeps transfers in process memory. It is meant for tests
// and single-process deployments.
type memoryRepository struct {
	// mu serialises the read-modify-write paths; go-cache only guards
	// individual calls.
	mu        sync.Mutex
	items     *cache.Cache
	retention time.Duration
}

// NewMemoryRepository returns an in-process repository. Like the Redis
// repository, records are dropped once their lifetime plus retention is up.
func NewMemoryRepository(retention time.Duration) TransferRepository {
	return &memoryRepository{
		items:     cache.New(cache.NoExpiration, 10*time.Minute),
		retention: retention,
	}
}

func (m *memoryRepository) get(code string) (memoryRecord, bool) {
	x, ok := m.items.Get(code)
	if !ok {
		return memoryRecord{}, false
	}
	return x.(memoryRecord), true
}

// put stores rec until its deadline.
func (m *memoryRepository) put(code string, rec memoryRecord) {
	m.items.Set(code, rec, max(time.Until(rec.deadline), time.Millisecond))
}

func (m *memoryRepository) Insert(_ context.Context, t Transfer) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced Transfer
	if rec, ok := m.get(t.Code); ok {
		if !rec.transfer.IsExpired(t.CreatedAt) {
			return Transfer{}, ErrCodeTaken
		}
		replaced = rec.transfer
	}
	m.put(t.Code, memoryRecord{
		transfer: t,
		deadline: time.Now().Add(t.Lifetime() + m.retention),
	})
	return replaced, nil
}

func (m *memoryRepository) Get(_ context.Context, code string) (Transfer, error) {
	rec, ok := m.get(code)
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return rec.transfer, nil
}

func (m *memoryRepository) MarkRead(_ context.Context, code string, at time.Time) (Transfer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(code)
	if !ok {
		return Transfer{}, false, ErrNotFound
	}
	if rec.transfer.IsRead {
		return rec.transfer, false, nil
	}

	readAt := at.UTC()
	rec.transfer.IsRead = true
	rec.transfer.ReadAt = &readAt
	m.put(code, rec)
	return rec.transfer, true, nil
}

func (m *memoryRepository) Delete(_ context.Context, code string) error {
	m.items.Delete(code)
	return nil
}

func (m *memoryRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]Transfer, error) {
	return m.list(before, limit, func(Transfer) bool { return true }), nil
}

func (m *memoryRepository) ListExpiredObjects(_ context.Context, before time.Time, limit int) ([]Transfer, error) {
	return m.list(before, limit, func(t Transfer) bool { return t.ObjectKey != "" }), nil
}

// list scans every record; the memory store has no expiry index.
func (m *memoryRepository) list(before time.Time, limit int, keep func(Transfer) bool) []Transfer {
	var out []Transfer
	for _, item := range m.items.Items() {
		if t := item.Object.(memoryRecord).transfer; t.IsExpired(before) && keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryRepository) ClearObject(_ context.Context, code, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(code)
	if !ok || rec.transfer.ObjectKey != key {
		return nil
	}
	rec.transfer.ObjectKey = ""
	m.put(code, rec)
	return nil
}

func (m *memoryRepository) Ping(context.Context) error { return nil }
