package history

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memrepo is the in-memory repository used in dev mode and when no database is configured.
type memrepo struct {
	mu sync.RWMutex

	nextID     int64
	byAttempt  map[string]*Record
	byIdentity map[string][]*Record // append, latest last
	byPool     map[uint64][]*Record
}

func NewMemoryRepository() Repository {
	return &memrepo{
		byAttempt:  make(map[string]*Record),
		byIdentity: make(map[string][]*Record),
		byPool:     make(map[uint64][]*Record),
	}
}

func (m *memrepo) InsertAttempt(ctx context.Context, rec *Record) (int64, error) {
	if rec == nil {
		return 0, ErrDuplicateAttempt
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byAttempt[rec.AttemptID]; exists {
		return 0, ErrDuplicateAttempt
	}
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	cp.Identity = strings.ToLower(cp.Identity)

	m.byAttempt[cp.AttemptID] = &cp
	m.byIdentity[cp.Identity] = append(m.byIdentity[cp.Identity], &cp)
	m.byPool[cp.PoolID] = append(m.byPool[cp.PoolID], &cp)
	return cp.ID, nil
}

func (m *memrepo) RecentAttempts(ctx context.Context, identity string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byIdentity[strings.ToLower(identity)]
	out := make([]*Record, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SettledAt.After(out[j].SettledAt) })
	return out, nil
}

func (m *memrepo) PoolAttempts(ctx context.Context, poolID uint64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byPool[poolID]
	out := make([]*Record, 0, len(list))
	for _, r := range list {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Accuracy != out[j].Accuracy {
			return out[i].Accuracy > out[j].Accuracy
		}
		return out[i].SettledAt.Before(out[j].SettledAt)
	})
	return out, nil
}

func (m *memrepo) BestAccuracy(ctx context.Context, identity string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byIdentity[strings.ToLower(identity)]
	if len(list) == 0 {
		return 0, false, nil
	}
	best := list[0].Accuracy
	for _, r := range list[1:] {
		if r.Accuracy > best {
			best = r.Accuracy
		}
	}
	return best, true, nil
}
