package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds the cache named by cfg.Type. "redis" is fronted by an LRU
// when cfg.EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads the local LRU before the shared remote cache and
// writes through to both.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache layers local over remote. Local entries live at most
// l1TTL (five minutes when zero).
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// GetSignal tries L1, then L2, copying an L2 hit into L1.
func (c *TwoPhaseCache) GetSignal(ctx context.Context, tenantID string, txID string) (*domain.ModelSignal, error) {
	sig, err := c.local.GetSignal(ctx, tenantID, txID)
	if err != nil || sig != nil {
		return sig, err
	}

	sig, err = c.remote.GetSignal(ctx, tenantID, txID)
	if err != nil || sig == nil {
		return sig, err
	}
	_ = c.local.SetSignal(ctx, tenantID, txID, sig, c.l1TTL)
	return sig, nil
}

// SetSignal writes L1 then L2. The L1 copy never outlives the L2 one.
func (c *TwoPhaseCache) SetSignal(ctx context.Context, tenantID string, txID string, sig *domain.ModelSignal, ttl time.Duration) error {
	if err := c.local.SetSignal(ctx, tenantID, txID, sig, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.SetSignal(ctx, tenantID, txID, sig, ttl)
}

// Ping checks the remote layer; the local one cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
