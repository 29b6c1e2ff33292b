package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CachedProvider reuses signals previously returned by Next.
// Only complete answers are cached. Cache failures degrade to a miss.
type CachedProvider struct {
	Next  Provider
	Cache domain.Cache
	TTL   time.Duration
}

func (p *CachedProvider) Name() string { return "cached(" + p.Next.Name() + ")" }

func (p *CachedProvider) Signal(ctx context.Context, tenantID string, tx *domain.Transaction, method domain.Method) (domain.ModelSignal, error) {
	if tx.ID != "" {
		cached, err := p.Cache.GetSignal(ctx, tenantID, tx.ID)
		if err != nil {
			slog.Warn("signal cache read failed",
				"tenant_id", tenantID,
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if cached != nil {
			sig := Mask(*cached, method)
			if missing(tx.ID, sig, method, nil) == nil {
				return sig, nil
			}
		}
	}

	sig, err := p.Next.Signal(ctx, tenantID, tx, method)
	if err != nil || tx.ID == "" {
		return sig, err
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if cerr := p.Cache.SetSignal(ctx, tenantID, tx.ID, &sig, ttl); cerr != nil {
		slog.Warn("signal cache write failed",
			"tenant_id", tenantID,
			"tx_id", tx.ID,
			"error", cerr,
		)
	}
	return sig, nil
}
