package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource returns fixed rules, or err when set.
type staticSource struct {
	name  string
	rules []domain.AlertRule
	err   error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Load(ctx context.Context) ([]domain.AlertRule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

// alternatingSource fails on every other call.
type alternatingSource struct {
	calls atomic.Int64
	rules []domain.AlertRule
}

func (s *alternatingSource) Name() string { return "alternating" }

func (s *alternatingSource) Load(ctx context.Context) ([]domain.AlertRule, error) {
	if s.calls.Add(1)%2 == 1 {
		return nil, errors.New("connection reset by peer")
	}
	return s.rules, nil
}

func TestStoreInitialSnapshot(t *testing.T) {
	store, err := NewStore(newTestEngine(t), nil)
	require.NoError(t, err)

	c := store.Current()
	require.NotNil(t, c)
	assert.Equal(t, uint64(0), c.Version())
	assert.Equal(t, len(Builtin()), c.Len())
}

func TestStoreReload(t *testing.T) {
	ext := expressionRule("online_large", `channel == "online" && amount > 5000.0`)

	t.Run("success swaps in a new version", func(t *testing.T) {
		m := metrics.New()
		store, err := NewStore(newTestEngine(t), m, &staticSource{name: "db", rules: []domain.AlertRule{ext}})
		require.NoError(t, err)

		c, err := store.Reload(context.Background())
		require.NoError(t, err)
		assert.Same(t, c, store.Current())
		assert.Equal(t, uint64(1), c.Version())
		_, ok := c.Rule("online_large")
		assert.True(t, ok)
	})

	t.Run("failing source keeps last known good", func(t *testing.T) {
		src := &staticSource{name: "db", rules: []domain.AlertRule{ext}}
		store, err := NewStore(newTestEngine(t), nil, src)
		require.NoError(t, err)

		good, err := store.Reload(context.Background())
		require.NoError(t, err)

		src.err = errors.New("dial tcp: i/o timeout")
		_, err = store.Reload(context.Background())

		var rsErr *domain.RuleSourceUnavailableError
		require.ErrorAs(t, err, &rsErr)
		assert.Equal(t, "db", rsErr.Source)
		assert.Same(t, good, store.Current())
	})

	t.Run("uncompilable rule keeps last known good", func(t *testing.T) {
		src := &staticSource{name: "file", rules: []domain.AlertRule{expressionRule("bad", "amount >")}}
		store, err := NewStore(newTestEngine(t), nil, src)
		require.NoError(t, err)

		before := store.Current()
		_, err = store.Reload(context.Background())

		var rsErr *domain.RuleSourceUnavailableError
		require.ErrorAs(t, err, &rsErr)
		assert.Same(t, before, store.Current())
		assert.Equal(t, len(Builtin()), store.Current().Len())
	})
}

func TestStoreConcurrentReloads(t *testing.T) {
	ext := expressionRule("online_large", `channel == "online" && amount > 5000.0`)
	src := &alternatingSource{rules: []domain.AlertRule{ext}}

	store, err := NewStore(newTestEngine(t), nil, src)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Reload(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}

	// Readers never observe a nil or empty snapshot while reloads run.
	for range 100 {
		c := store.Current()
		require.NotNil(t, c)
		require.GreaterOrEqual(t, c.Len(), len(Builtin()))
	}
	wg.Wait()

	assert.Equal(t, int64(1), failures.Load())

	c := store.Current()
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, len(Builtin())+1, c.Len())
	_, ok := c.Rule("online_large")
	assert.True(t, ok)
}

func TestStoreEvaluateDuringReload(t *testing.T) {
	src := &staticSource{name: "db", rules: []domain.AlertRule{expressionRule("any_amount", "amount > 0.0")}}
	store, err := NewStore(newTestEngine(t), nil, src)
	require.NoError(t, err)

	tx := &domain.Transaction{Amount: 300_000}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				alerts := Evaluate(tx, store.Current())
				assert.NotEmpty(t, alerts)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_, err := store.Reload(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, uint64(10), store.Current().Version())
}
