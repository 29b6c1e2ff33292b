// Package cache keeps model signals close to the scorer.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is an in-process signal cache bounded by entry count, with a
// TTL per entry. It is the Community cache and the L1 of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[signalKey]*list.Element
	recency  *list.List // front is most recently used
}

type signalKey struct {
	tenantID string
	txID     string
}

type lruEntry struct {
	key       signalKey
	sig       domain.ModelSignal
	expiresAt time.Time
}

// NewLRUCache returns a cache holding at most capacity signals.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[signalKey]*list.Element),
		recency:  list.New(),
	}
}

// GetSignal returns a copy of the cached signal, or nil when absent or
// expired.
func (c *LRUCache) GetSignal(ctx context.Context, tenantID string, txID string) (*domain.ModelSignal, error) {
	key, err := makeKey(tenantID, txID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if !time.Now().Before(entry.expiresAt) {
		c.drop(elem)
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	sig := clone(entry.sig)
	return &sig, nil
}

// SetSignal stores a copy of sig for ttl, evicting the least recently
// used signals over capacity.
func (c *LRUCache) SetSignal(ctx context.Context, tenantID string, txID string, sig *domain.ModelSignal, ttl time.Duration) error {
	key, err := makeKey(tenantID, txID)
	if err != nil {
		return err
	}
	if sig == nil {
		return fmt.Errorf("signal for %s is nil", txID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.sig = clone(*sig)
		entry.expiresAt = expiresAt
		c.recency.MoveToFront(elem)
		return nil
	}

	c.index[key] = c.recency.PushFront(&lruEntry{key: key, sig: clone(*sig), expiresAt: expiresAt})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[signalKey]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns the number of entries and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}

func makeKey(tenantID, txID string) (signalKey, error) {
	if tenantID == "" {
		return signalKey{}, fmt.Errorf("tenantID is required")
	}
	if txID == "" {
		return signalKey{}, fmt.Errorf("transaction id is required")
	}
	return signalKey{tenantID: tenantID, txID: txID}, nil
}

// clone copies sig so cached values never alias caller memory.
func clone(sig domain.ModelSignal) domain.ModelSignal {
	var out domain.ModelSignal
	if sig.XGBoostProbability != nil {
		v := *sig.XGBoostProbability
		out.XGBoostProbability = &v
	}
	if sig.IsolationForestScore != nil {
		v := *sig.IsolationForestScore
		out.IsolationForestScore = &v
	}
	return out
}
