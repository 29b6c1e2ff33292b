// Package inference obtains per-transaction model signals.
//
// Providers never fail a batch: a model that cannot answer is reported as a
// *domain.ModelSignalUnavailableError and its signal is left absent.
package inference

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Model names used in errors, metrics and model version maps.
const (
	ModelXGBoost         = string(domain.MethodXGBoost)
	ModelIsolationForest = string(domain.MethodIsolationForest)
)

// ErrNoSignal is wrapped when a transaction reached scoring without a signal
// for a requested model.
var ErrNoSignal = errors.New("no signal supplied")

// Provider returns the model signal for one transaction.
//
// The returned signal holds every value that could be obtained. A non-nil
// error joins one *domain.ModelSignalUnavailableError per missing model.
type Provider interface {
	Name() string
	Signal(ctx context.Context, tenantID string, tx *domain.Transaction, method domain.Method) (domain.ModelSignal, error)
}

// New wires the provider chain for cfg. Transactions carrying a signal are
// always served from it. With remote inference enabled the rest are asked
// over the bus, and remote answers are cached.
func New(cfg domain.ScoringConfig, bus domain.EventBus, cache domain.Cache, signalTTL time.Duration) Provider {
	supplied := &SuppliedProvider{}
	if !cfg.RemoteInference || bus == nil {
		return supplied
	}

	var remote Provider = &BusProvider{Bus: bus, Timeout: cfg.InferenceTimeout}
	if cache != nil {
		remote = &CachedProvider{Next: remote, Cache: cache, TTL: signalTTL}
	}
	return &FallbackProvider{Primary: supplied, Fallback: remote}
}

// Mask keeps only the parts of sig that method asks for and drops
// non-finite values.
func Mask(sig domain.ModelSignal, method domain.Method) domain.ModelSignal {
	var out domain.ModelSignal
	if method.UsesXGBoost() {
		out.XGBoostProbability = finite(sig.XGBoostProbability)
	}
	if method.UsesIsolationForest() {
		out.IsolationForestScore = finite(sig.IsolationForestScore)
	}
	return out
}

// missing reports the requested models absent from sig.
func missing(txID string, sig domain.ModelSignal, method domain.Method, cause error) error {
	var errs []error
	if method.UsesXGBoost() && sig.XGBoostProbability == nil {
		errs = append(errs, &domain.ModelSignalUnavailableError{TxID: txID, Model: ModelXGBoost, Err: cause})
	}
	if method.UsesIsolationForest() && sig.IsolationForestScore == nil {
		errs = append(errs, &domain.ModelSignalUnavailableError{TxID: txID, Model: ModelIsolationForest, Err: cause})
	}
	return errors.Join(errs...)
}

// UnavailableModels lists the model names reported in err.
func UnavailableModels(err error) []string {
	if err == nil {
		return nil
	}
	var models []string
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var unavailable *domain.ModelSignalUnavailableError
		if errors.As(e, &unavailable) {
			models = append(models, unavailable.Model)
		}
	}
	walk(err)
	return models
}

// SuppliedProvider reads the signal the caller attached to the transaction.
type SuppliedProvider struct{}

func (p *SuppliedProvider) Name() string { return "supplied" }

func (p *SuppliedProvider) Signal(ctx context.Context, tenantID string, tx *domain.Transaction, method domain.Method) (domain.ModelSignal, error) {
	var sig domain.ModelSignal
	if tx.Signal != nil {
		sig = Mask(*tx.Signal, method)
	}
	return sig, missing(tx.ID, sig, method, ErrNoSignal)
}

// FallbackProvider asks Fallback only for the models Primary could not supply.
type FallbackProvider struct {
	Primary  Provider
	Fallback Provider
}

func (p *FallbackProvider) Name() string {
	return p.Primary.Name() + "+" + p.Fallback.Name()
}

func (p *FallbackProvider) Signal(ctx context.Context, tenantID string, tx *domain.Transaction, method domain.Method) (domain.ModelSignal, error) {
	sig, err := p.Primary.Signal(ctx, tenantID, tx, method)
	if err == nil {
		return sig, nil
	}

	rest, ferr := p.Fallback.Signal(ctx, tenantID, tx, method)
	if ferr != nil {
		slog.Debug("fallback inference incomplete",
			"provider", p.Fallback.Name(),
			"tenant_id", tenantID,
			"tx_id", tx.ID,
			"error", ferr,
		)
	}
	if sig.XGBoostProbability == nil {
		sig.XGBoostProbability = rest.XGBoostProbability
	}
	if sig.IsolationForestScore == nil {
		sig.IsolationForestScore = rest.IsolationForestScore
	}
	return sig, missing(tx.ID, sig, method, errors.Join(ErrNoSignal, ferr))
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	x := *v
	return &x
}
