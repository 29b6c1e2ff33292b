package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Request is the payload sent to the model layer on domain.TopicInference.
type Request struct {
	TransactionID string              `json:"transactionId"`
	Method        domain.Method       `json:"method"`
	Transaction   *domain.Transaction `json:"transaction"`
}

// Reply is the model layer's answer. Error is set when no model could run.
type Reply struct {
	Signal domain.ModelSignal `json:"modelSignal"`
	Error  string             `json:"error,omitempty"`
}

// BusProvider asks the model layer over the event bus.
type BusProvider struct {
	Bus     domain.EventBus
	Timeout time.Duration
}

func (p *BusProvider) Name() string { return "bus" }

func (p *BusProvider) Signal(ctx context.Context, tenantID string, tx *domain.Transaction, method domain.Method) (domain.ModelSignal, error) {
	var sig domain.ModelSignal

	payload, err := json.Marshal(Request{TransactionID: tx.ID, Method: method, Transaction: tx})
	if err != nil {
		return sig, missing(tx.ID, sig, method, fmt.Errorf("marshal inference request: %w", err))
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := p.Bus.Request(reqCtx, tenantID, domain.TopicInference, payload)
	if err != nil {
		return sig, missing(tx.ID, sig, method, fmt.Errorf("inference request: %w", err))
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return sig, missing(tx.ID, sig, method, fmt.Errorf("decode inference reply: %w", err))
	}

	sig = Mask(reply.Signal, method)
	var cause error = ErrNoSignal
	if reply.Error != "" {
		cause = fmt.Errorf("model layer: %s", reply.Error)
	}
	return sig, missing(tx.ID, sig, method, cause)
}

// Responder serves inference requests from a Provider. It lets an
// in-process model adapter answer BusProvider requests. Serving
// domain.AllTenants answers every tenant.
type Responder struct {
	Bus      domain.EventBus
	Provider Provider
}

// Serve subscribes to domain.TopicInference until the subscription is
// cancelled.
func (r *Responder) Serve(ctx context.Context, tenantID string) (domain.Subscription, error) {
	return r.Bus.Subscribe(ctx, tenantID, domain.TopicInference, func(ctx context.Context, msg *domain.Message) error {
		var req Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Warn("malformed inference request",
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
			return r.reply(ctx, msg, Reply{Error: "malformed request"})
		}
		if req.Transaction == nil {
			return r.reply(ctx, msg, Reply{Error: "transaction is required"})
		}

		sig, err := r.Provider.Signal(ctx, msg.TenantID, req.Transaction, req.Method)
		reply := Reply{Signal: sig}
		if err != nil && sig.XGBoostProbability == nil && sig.IsolationForestScore == nil {
			reply.Error = err.Error()
		}
		return r.reply(ctx, msg, reply)
	})
}

func (r *Responder) reply(ctx context.Context, msg *domain.Message, reply Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return r.Bus.Reply(ctx, msg, data)
}
