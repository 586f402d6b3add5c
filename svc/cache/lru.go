// Package cache is the in-process tier for anonymous lookups. Only the
// LinkInfo view is cached, never the full link row, so a heap dump of
// this process reveals nothing about owners or upload counters.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"veil/pkg/domain"
)

type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	info *domain.LinkInfo
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, slug string) *domain.LinkInfo {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(slug)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(slug)
		return nil
	}
	return it.info
}

func (l *LRU) Set(ctx context.Context, slug string, info *domain.LinkInfo, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(slug, item{
		info: info,
		exp:  time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(slug)
}
