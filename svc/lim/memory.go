package lim

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters is a single-process CounterStore for deployments
// without redis and for tests. Windows are fixed, not sliding, to
// match the redis counter's semantics.
type MemoryCounters struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	count   int
	resetAt time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{buckets: make(map[string]*memBucket)}
}

func (m *MemoryCounters) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &memBucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}
	if b.count >= limit {
		// Same contract as the redis script: a full window reports
		// limit+1 without charging.
		return b.count + 1, nil
	}
	b.count++
	return b.count, nil
}
