package rules

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Store holds the active catalog snapshot and rebuilds it from the
// built-ins plus external sources on reload.
//
// Readers call Current and never block. Reloads are serialized; a reload
// that fails leaves the previous snapshot in place.
type Store struct {
	engine  *Engine
	sources []Source
	metrics *metrics.Metrics

	current  atomic.Pointer[Catalog]
	reloadMu sync.Mutex
}

// NewStore creates a store whose first snapshot holds only the built-in
// rules, so a catalog is available before any source is consulted.
func NewStore(engine *Engine, m *metrics.Metrics, sources ...Source) (*Store, error) {
	initial, err := engine.Build(0, Builtin())
	if err != nil {
		return nil, &domain.RuleSourceUnavailableError{Source: "builtin", Err: err}
	}

	s := &Store{
		engine:  engine,
		sources: sources,
		metrics: m,
	}
	s.current.Store(initial)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Engine returns the engine used to compile snapshots.
func (s *Store) Engine() *Engine {
	return s.engine
}

// Reload loads every source and swaps in a new snapshot. On failure it
// returns a *domain.RuleSourceUnavailableError and the active snapshot is
// unchanged.
func (s *Store) Reload(ctx context.Context) (*Catalog, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	sets := [][]domain.AlertRule{Builtin()}
	for _, src := range s.sources {
		rules, err := src.Load(ctx)
		if err != nil {
			return nil, s.fail(&domain.RuleSourceUnavailableError{Source: src.Name(), Err: err})
		}
		sets = append(sets, rules)
	}

	prev := s.current.Load()
	next, err := s.engine.Build(prev.Version()+1, sets...)
	if err != nil {
		return nil, s.fail(&domain.RuleSourceUnavailableError{Source: "catalog", Err: err})
	}

	s.current.Store(next)
	s.metrics.ObserveReload(true, next.Version(), next.Len())
	slog.Info("rule catalog reloaded",
		"version", next.Version(),
		"rules_count", next.Len(),
	)
	return next, nil
}

func (s *Store) fail(err *domain.RuleSourceUnavailableError) error {
	s.metrics.ObserveReload(false, 0, 0)
	slog.Warn("rule catalog reload failed, keeping last known good",
		"source", err.Source,
		"version", s.current.Load().Version(),
		"error", err.Err,
	)
	return err
}
