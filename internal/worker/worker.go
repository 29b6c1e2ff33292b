// Package worker provides async batch analysis for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// BatchAnalyzer runs one batch. *analysis.Analyzer satisfies it.
type BatchAnalyzer interface {
	Analyze(ctx context.Context, tenantID string, batch []domain.Transaction, opts analysis.Options) (*analysis.Result, error)
}

// Worker consumes submitted batches from the EventBus.
type Worker struct {
	bus      domain.EventBus
	analyzer BatchAnalyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, analyzer BatchAnalyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing batches for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(domain.AllTenants)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
		w.wg.Add(1)
		defer w.wg.Done()
		return w.processBatch(ctx, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchSubmitted,
	)
	return nil
}

// processBatch analyzes one submitted batch. The execution it creates is
// announced on domain.TopicExecutionFinalized by the analyzer.
func (w *Worker) processBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req analysis.BatchRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The bus tenant wins; the payload tenant only fills in for
	// publishers that could not set one.
	tenantID := msg.TenantID
	if tenantID == "" || tenantID == domain.AllTenants {
		tenantID = req.TenantID
	}
	if tenantID == "" || tenantID == domain.AllTenants {
		return fmt.Errorf("batch message %s has no tenant", msg.ID)
	}

	opts := req.Options
	if opts.DataSource == "" {
		opts.DataSource = audit.SourceBus
	}

	res, err := w.analyzer.Analyze(ctx, tenantID, req.Transactions, opts)
	if err != nil {
		slog.Error("batch analysis failed",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"batch_size", len(req.Transactions),
			"error", err,
		)
		return err
	}

	slog.Info("batch processed",
		"message_id", msg.ID,
		"execution_id", res.ExecutionID,
		"tenant_id", tenantID,
		"scored", res.Summary.ScoredTransactions,
		"failed", res.Summary.FailedTransactions,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers and waits for in-flight batches.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
