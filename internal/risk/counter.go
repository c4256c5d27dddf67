package risk

import (
	"context"
	"sync"
	"time"
)

// ContributionCounter tracks how much discovery weight each account has
// sent to its own circle per day
type ContributionCounter interface {
	// Reserve adds up to weight to the account's total for day without
	// passing limit, and returns the amount admitted.
	Reserve(ctx context.Context, accountID string, day time.Time, weight, limit float64) (float64, error)
	Used(ctx context.Context, accountID string, day time.Time) (float64, error)
}

func counterKey(accountID string, day time.Time) string {
	return accountID + "/" + DayKey(day)
}

// MemoryCounter is an in-process ContributionCounter. Days older than the
// previous one are pruned as new days arrive.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]float64
	latest time.Time
}

// NewMemoryCounter creates an empty counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]float64)}
}

func (m *MemoryCounter) Reserve(ctx context.Context, accountID string, day time.Time, weight, limit float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(DayStart(day))
	key := counterKey(accountID, day)
	used := m.counts[key]
	admit := min(weight, max(0, limit-used))
	if admit > 0 {
		m.counts[key] = used + admit
	}
	return admit, nil
}

func (m *MemoryCounter) Used(ctx context.Context, accountID string, day time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[counterKey(accountID, day)], nil
}

// prune must be called with mu held
func (m *MemoryCounter) prune(day time.Time) {
	if !day.After(m.latest) {
		return
	}
	m.latest = day
	keep := DayKey(day.Add(-24 * time.Hour))
	current := DayKey(day)
	for key := range m.counts {
		d := key[len(key)-len(current):]
		if d != current && d != keep {
			delete(m.counts, key)
		}
	}
}
