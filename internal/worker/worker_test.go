package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type call struct {
	tenantID string
	batch    []domain.Transaction
	opts     analysis.Options
}

// fakeAnalyzer records calls and signals each one on done.
type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []call
	err   error
	done  chan struct{}
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{done: make(chan struct{}, 10)}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, tenantID string, batch []domain.Transaction, opts analysis.Options) (*analysis.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{tenantID: tenantID, batch: batch, opts: opts})
	f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()

	if f.err != nil {
		return nil, f.err
	}
	return &analysis.Result{ExecutionID: "exec-001"}, nil
}

func (f *fakeAnalyzer) wait(t *testing.T) call {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func publishBatch(t *testing.T, b domain.EventBus, tenantID string, req analysis.BatchRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), tenantID, domain.TopicBatchSubmitted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		worker := NewWorker(eventBus, newFakeAnalyzer())

		err := worker.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicBatchSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicBatchSubmitted, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := worker.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		fake := newFakeAnalyzer()
		w := NewWorker(eventBus, fake)
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		threshold := 0.7
		publishBatch(t, eventBus, "tenant-test", analysis.BatchRequest{
			Transactions: []domain.Transaction{{ID: "tx-001", Amount: 500, Currency: "USD"}},
			Options:      analysis.Options{Method: domain.MethodXGBoost, XGBoostThreshold: &threshold},
		})

		c := fake.wait(t)
		if c.tenantID != "tenant-test" {
			t.Errorf("expected tenant 'tenant-test', got '%s'", c.tenantID)
		}
		if len(c.batch) != 1 || c.batch[0].ID != "tx-001" {
			t.Errorf("unexpected batch: %+v", c.batch)
		}
		if c.opts.DataSource != "bus" {
			t.Errorf("expected data source 'bus', got '%s'", c.opts.DataSource)
		}
		if c.opts.XGBoostThreshold == nil || *c.opts.XGBoostThreshold != 0.7 {
			t.Errorf("expected threshold 0.7, got %v", c.opts.XGBoostThreshold)
		}
	})

	t.Run("AllTenantsSubscriptionReceivesTenantBatches", func(t *testing.T) {
		fake := newFakeAnalyzer()
		w := NewWorker(eventBus, fake)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishBatch(t, eventBus, "tenant-009", analysis.BatchRequest{})

		if c := fake.wait(t); c.tenantID != "tenant-009" {
			t.Errorf("expected tenant 'tenant-009', got '%s'", c.tenantID)
		}
	})

	t.Run("AnalyzerFailureDoesNotStopWorker", func(t *testing.T) {
		fake := newFakeAnalyzer()
		fake.err = errors.New("database is locked")
		w := NewWorker(eventBus, fake)
		if err := w.Start(Config{TenantIDs: []string{"tenant-err"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishBatch(t, eventBus, "tenant-err", analysis.BatchRequest{})
		fake.wait(t)
		publishBatch(t, eventBus, "tenant-err", analysis.BatchRequest{})
		fake.wait(t)

		fake.mu.Lock()
		defer fake.mu.Unlock()
		if len(fake.calls) != 2 {
			t.Errorf("expected 2 calls, got %d", len(fake.calls))
		}
	})
}

func TestProcessBatchRejectsMalformedPayload(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), newFakeAnalyzer())

	err := w.processBatch(context.Background(), &domain.Message{ID: "m1", TenantID: "tenant-001", Payload: []byte("{")})
	if err == nil {
		t.Error("expected error for malformed payload")
	}

	payload, _ := json.Marshal(analysis.BatchRequest{})
	err = w.processBatch(context.Background(), &domain.Message{ID: "m2", TenantID: domain.AllTenants, Payload: payload})
	if err == nil {
		t.Error("expected error for message without tenant")
	}

	fake := newFakeAnalyzer()
	w = NewWorker(bus.NewChannelBus(1), fake)
	payload, _ = json.Marshal(analysis.BatchRequest{TenantID: "tenant-payload"})
	if err := w.processBatch(context.Background(), &domain.Message{ID: "m3", Payload: payload}); err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	if c := fake.wait(t); c.tenantID != "tenant-payload" {
		t.Errorf("expected payload tenant, got '%s'", c.tenantID)
	}
}
