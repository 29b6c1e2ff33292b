package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func signal(xgb, iso *float64) *domain.ModelSignal {
	return &domain.ModelSignal{XGBoostProbability: xgb, IsolationForestScore: iso}
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		xgb, iso := 0.82, -0.31
		if err := cache.SetSignal(ctx, tenantID, "TXN_0", signal(&xgb, &iso), time.Minute); err != nil {
			t.Fatalf("SetSignal failed: %v", err)
		}

		got, err := cache.GetSignal(ctx, tenantID, "TXN_0")
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if got == nil || got.XGBoostProbability == nil || *got.XGBoostProbability != xgb {
			t.Fatalf("expected xgboost probability %.2f, got %+v", xgb, got)
		}
		if *got.IsolationForestScore != iso {
			t.Errorf("expected isolation score %.2f, got %.2f", iso, *got.IsolationForestScore)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		got, err := cache.GetSignal(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for cache miss, got: %+v", got)
		}
	})

	t.Run("CopiesAreIsolated", func(t *testing.T) {
		xgb := 0.5
		sig := signal(&xgb, nil)
		_ = cache.SetSignal(ctx, tenantID, "TXN_copy", sig, time.Minute)
		xgb = 0.99

		got, _ := cache.GetSignal(ctx, tenantID, "TXN_copy")
		if *got.XGBoostProbability != 0.5 {
			t.Errorf("cached signal changed with caller memory: %.2f", *got.XGBoostProbability)
		}
		*got.XGBoostProbability = 0.1

		again, _ := cache.GetSignal(ctx, tenantID, "TXN_copy")
		if *again.XGBoostProbability != 0.5 {
			t.Errorf("cached signal changed through a returned copy: %.2f", *again.XGBoostProbability)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		xgb := 0.3
		_ = cache.SetSignal(ctx, tenantID, "expiring", signal(&xgb, nil), 10*time.Millisecond)

		if got, _ := cache.GetSignal(ctx, tenantID, "expiring"); got == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		if got, _ := cache.GetSignal(ctx, tenantID, "expiring"); got != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)
		xgb := 0.1

		_ = small.SetSignal(ctx, tenantID, "a", signal(&xgb, nil), time.Minute)
		_ = small.SetSignal(ctx, tenantID, "b", signal(&xgb, nil), time.Minute)
		_ = small.SetSignal(ctx, tenantID, "c", signal(&xgb, nil), time.Minute)

		// Touch 'a' so 'b' becomes the oldest
		_, _ = small.GetSignal(ctx, tenantID, "a")
		_ = small.SetSignal(ctx, tenantID, "d", signal(&xgb, nil), time.Minute)

		if got, _ := small.GetSignal(ctx, tenantID, "b"); got != nil {
			t.Error("expected 'b' to be evicted")
		}
		if got, _ := small.GetSignal(ctx, tenantID, "a"); got == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		one, two := 0.1, 0.2
		_ = cache.SetSignal(ctx, "tenant-001", "TXN_shared", signal(&one, nil), time.Minute)
		_ = cache.SetSignal(ctx, "tenant-002", "TXN_shared", signal(&two, nil), time.Minute)

		got1, _ := cache.GetSignal(ctx, "tenant-001", "TXN_shared")
		got2, _ := cache.GetSignal(ctx, "tenant-002", "TXN_shared")
		if *got1.XGBoostProbability != one || *got2.XGBoostProbability != two {
			t.Errorf("tenants share entries: %v, %v", *got1.XGBoostProbability, *got2.XGBoostProbability)
		}

		if got, _ := cache.GetSignal(ctx, "tenant-003", "TXN_shared"); got != nil {
			t.Error("expected signal miss for other tenant")
		}
	})

	t.Run("RequiresKeys", func(t *testing.T) {
		xgb := 0.1
		if err := cache.SetSignal(ctx, "", "TXN_0", signal(&xgb, nil), time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := cache.GetSignal(ctx, tenantID, ""); err == nil {
			t.Error("expected error for empty transaction id")
		}
	})

	t.Run("PartialSignal", func(t *testing.T) {
		xgb := 0.4
		_ = cache.SetSignal(ctx, tenantID, "TXN_1", signal(&xgb, nil), time.Minute)

		got, _ := cache.GetSignal(ctx, tenantID, "TXN_1")
		if got == nil {
			t.Fatal("expected cached signal")
		}
		if got.IsolationForestScore != nil {
			t.Error("expected absent isolation score to stay absent")
		}
	})

	t.Run("NilSignal", func(t *testing.T) {
		if err := cache.SetSignal(ctx, tenantID, "TXN_2", nil, time.Minute); err == nil {
			t.Error("expected error for nil signal")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats := NewLRUCache(50)
		xgb := 0.1
		_ = stats.SetSignal(ctx, tenantID, "k1", signal(&xgb, nil), time.Minute)
		_ = stats.SetSignal(ctx, tenantID, "k2", signal(&xgb, nil), time.Minute)
		_ = stats.SetSignal(ctx, tenantID, "k2", signal(&xgb, nil), time.Minute)

		size, capacity := stats.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		closing := NewLRUCache(10)
		xgb := 0.1
		_ = closing.SetSignal(ctx, tenantID, "k", signal(&xgb, nil), time.Minute)

		if err := closing.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if got, _ := closing.GetSignal(ctx, tenantID, "k"); got != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})

	t.Run("BadRedisURL", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "redis", RedisURL: "http://localhost:6379"}); err == nil {
			t.Error("expected error for non-redis url")
		}
	})
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(domain.CacheConfig{RedisURL: "redis://:secret@cache.internal:6380/3"})
	if err != nil {
		t.Fatalf("redisOptions failed: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Errorf("unexpected options from url: %s %q %d", opts.Addr, opts.Password, opts.DB)
	}

	opts, _ = redisOptions(domain.CacheConfig{RedisDB: 2})
	if opts.Addr != "localhost:6379" || opts.DB != 2 {
		t.Errorf("unexpected default options: %s %d", opts.Addr, opts.DB)
	}
}

func TestSignalHashCodec(t *testing.T) {
	xgb := 0.815
	fields := map[string]string{}
	for k, v := range encodeSignal(signal(&xgb, nil), time.UnixMilli(1700000000000)) {
		switch v := v.(type) {
		case string:
			fields[k] = v
		case int64:
			fields[k] = "1700000000000"
		}
	}
	if _, ok := fields[fieldIsolation]; ok {
		t.Error("absent isolation score was encoded")
	}

	got, err := decodeSignal("TXN_0", fields)
	if err != nil {
		t.Fatalf("decodeSignal failed: %v", err)
	}
	if got == nil || *got.XGBoostProbability != xgb || got.IsolationForestScore != nil {
		t.Errorf("unexpected decoded signal: %+v", got)
	}

	if got, err := decodeSignal("TXN_0", map[string]string{}); got != nil || err != nil {
		t.Errorf("expected miss for empty hash, got %+v, %v", got, err)
	}

	if got, err := decodeSignal("TXN_0", map[string]string{fieldStoredAt: "1"}); err != nil || got == nil {
		t.Errorf("expected hit for a signal without scores, got %+v, %v", got, err)
	}

	if _, err := decodeSignal("TXN_0", map[string]string{fieldStoredAt: "1", fieldXGBoost: "{not a float"}); err == nil {
		t.Error("expected decode error")
	}

	if key := redisKey(signalKey{tenantID: "acme", txID: "TXN_7"}); key != "kestrel:acme:signal:TXN_7" {
		t.Errorf("unexpected redis key %q", key)
	}
}

// failingCache is a remote layer that is down.
type failingCache struct{ err error }

func (f failingCache) GetSignal(context.Context, string, string) (*domain.ModelSignal, error) {
	return nil, f.err
}

func (f failingCache) SetSignal(context.Context, string, string, *domain.ModelSignal, time.Duration) error {
	return f.err
}

func (f failingCache) Ping(context.Context) error { return f.err }
func (f failingCache) Close() error { return nil }

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	remote := NewLRUCache(100)
	cache := NewTwoPhaseCache(NewLRUCache(100), remote, time.Minute)

	t.Run("WritesBothLayers", func(t *testing.T) {
		xgb := 0.9
		if err := cache.SetSignal(ctx, tenantID, "TXN_9", signal(&xgb, nil), time.Minute); err != nil {
			t.Fatalf("SetSignal failed: %v", err)
		}
		if got, _ := remote.GetSignal(ctx, tenantID, "TXN_9"); got == nil {
			t.Error("expected signal in L2")
		}
	})

	t.Run("PopulatesL1OnL2Hit", func(t *testing.T) {
		iso := -0.2
		_ = remote.SetSignal(ctx, tenantID, "remote-only", signal(nil, &iso), time.Minute)

		got, err := cache.GetSignal(ctx, tenantID, "remote-only")
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if got == nil || *got.IsolationForestScore != iso {
			t.Fatalf("expected remote signal, got %+v", got)
		}

		size, _ := cache.Stats()
		if size != 2 {
			t.Errorf("expected 2 entries in L1, got %d", size)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("RemoteDown", func(t *testing.T) {
		down := errors.New("connection refused")
		broken := NewTwoPhaseCache(NewLRUCache(10), failingCache{err: down}, time.Minute)

		if err := broken.Ping(ctx); !errors.Is(err, down) {
			t.Errorf("expected remote ping error, got %v", err)
		}
		if _, err := broken.GetSignal(ctx, tenantID, "TXN_0"); !errors.Is(err, down) {
			t.Errorf("expected remote read error, got %v", err)
		}

		// The L1 write lands before the L2 failure is reported.
		xgb := 0.4
		if err := broken.SetSignal(ctx, tenantID, "TXN_0", signal(&xgb, nil), time.Minute); !errors.Is(err, down) {
			t.Errorf("expected remote write error, got %v", err)
		}
		if got, err := broken.GetSignal(ctx, tenantID, "TXN_0"); err != nil || got == nil {
			t.Errorf("expected L1 hit, got %+v, %v", got, err)
		}
	})
}
