package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Hash fields of a cached signal. fieldStoredAt is always written so a
// signal with neither score is still a hit.
const (
	fieldXGBoost   = "xgb"
	fieldIsolation = "iso"
	fieldStoredAt  = "at"
)

// RedisCache stores each signal as a Redis hash shared by every node.
// It is the Pro cache and the L2 of TwoPhaseCache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects using cfg.RedisURL, or the discrete address
// fields when no URL is set.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisCache{client: client}, nil
}

func redisOptions(cfg domain.CacheConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

// GetSignal reads the signal hash. A missing key is a miss.
func (c *RedisCache) GetSignal(ctx context.Context, tenantID string, txID string) (*domain.ModelSignal, error) {
	key, err := makeKey(tenantID, txID)
	if err != nil {
		return nil, err
	}

	fields, err := c.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, err
	}
	return decodeSignal(txID, fields)
}

// SetSignal replaces the signal hash and its expiry in one transaction.
func (c *RedisCache) SetSignal(ctx context.Context, tenantID string, txID string, sig *domain.ModelSignal, ttl time.Duration) error {
	key, err := makeKey(tenantID, txID)
	if err != nil {
		return err
	}
	if sig == nil {
		return fmt.Errorf("signal for %s is nil", txID)
	}

	k := redisKey(key)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, encodeSignal(sig, time.Now()))
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache signal %s: %w", txID, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(k signalKey) string {
	return "kestrel:" + k.tenantID + ":signal:" + k.txID
}

func encodeSignal(sig *domain.ModelSignal, at time.Time) map[string]any {
	fields := map[string]any{fieldStoredAt: at.UnixMilli()}
	if sig.XGBoostProbability != nil {
		fields[fieldXGBoost] = strconv.FormatFloat(*sig.XGBoostProbability, 'g', -1, 64)
	}
	if sig.IsolationForestScore != nil {
		fields[fieldIsolation] = strconv.FormatFloat(*sig.IsolationForestScore, 'g', -1, 64)
	}
	return fields
}

func decodeSignal(txID string, fields map[string]string) (*domain.ModelSignal, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	parse := func(name string) (*float64, error) {
		raw, ok := fields[name]
		if !ok {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode cached signal %s field %s: %w", txID, name, err)
		}
		return &v, nil
	}

	var sig domain.ModelSignal
	var err error
	if sig.XGBoostProbability, err = parse(fieldXGBoost); err != nil {
		return nil, err
	}
	if sig.IsolationForestScore, err = parse(fieldIsolation); err != nil {
		return nil, err
	}
	return &sig, nil
}
