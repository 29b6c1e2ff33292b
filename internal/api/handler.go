package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

// Deps are the collaborators served over HTTP. Cache, Bus and Metrics may
// be nil.
type Deps struct {
	Analyzer   *analysis.Analyzer
	Recorder   *audit.Recorder
	Reconciler *feedback.Reconciler
	Rules      *rules.Store
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
}

// Handler holds dependencies for API handlers.
type Handler struct {
	analyzer   *analysis.Analyzer
	recorder   *audit.Recorder
	reconciler *feedback.Reconciler
	rules      *rules.Store
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		analyzer:   deps.Analyzer,
		recorder:   deps.Recorder,
		reconciler: deps.Reconciler,
		rules:      deps.Rules,
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		version:    version,
	}
}

// AnalyzeResponse is the response for POST /analyze.
type AnalyzeResponse struct {
	*analysis.Result
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Analyze handles POST /analyze. The body is either a JSON array of
// transactions or an object with a "transactions" array.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	opts, err := analysisOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := analysis.DecodeBatch(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.submit(w, r, tenantID, batch, opts)
		return
	}

	res, err := h.analyzer.Analyze(ctx, tenantID, batch, opts)
	if err != nil {
		slog.Error("analysis failed",
			"tenant_id", tenantID,
			"batch_size", len(batch),
			"error", err,
		)
		writeDomainError(w, err)
		return
	}

	resp := AnalyzeResponse{Result: res}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// submit hands the batch to the worker over the bus.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, tenantID string, batch []domain.Transaction, opts analysis.Options) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	// resolve early so a bad request is rejected here, not in the worker
	if _, err := h.analyzer.Config(opts); err != nil {
		writeDomainError(w, err)
		return
	}

	payload, err := json.Marshal(analysis.BatchRequest{
		TenantID:     tenantID,
		Transactions: batch,
		Options:      opts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode batch")
		return
	}

	if err := h.bus.Publish(r.Context(), tenantID, domain.TopicBatchSubmitted, payload); err != nil {
		slog.Error("failed to submit batch",
			"tenant_id", tenantID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to submit batch")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"batchSize": len(batch),
		"topic":     domain.TopicBatchSubmitted,
	})
}

func analysisOptions(r *http.Request) (analysis.Options, error) {
	q := r.URL.Query()
	opts := analysis.Options{
		Method:     domain.Method(q.Get("method")),
		DataSource: audit.SourceAPI,
	}

	parse := func(name string) (*float64, error) {
		raw := q.Get(name)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be a number", name)
		}
		return &v, nil
	}

	var err error
	if opts.XGBoostThreshold, err = parse("threshold"); err != nil {
		return opts, err
	}
	if opts.Contamination, err = parse("contamination"); err != nil {
		return opts, err
	}
	if raw := q.Get("include_explanations"); raw != "" {
		if opts.IncludeExplanations, err = strconv.ParseBool(raw); err != nil {
			return opts, fmt.Errorf("include_explanations must be a boolean")
		}
	}
	return opts, nil
}

// GetExecution handles GET /executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "id")

	rec, err := h.repo.GetExecution(ctx, tenantID, execID)
	if err != nil {
		writeDomainError(w, executionError(execID, err))
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListExecutionTransactions handles GET /executions/{id}/transactions.
// Feedback is attached to each transaction that has any.
func (h *Handler) ListExecutionTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "id")

	if _, err := h.repo.GetExecution(ctx, tenantID, execID); err != nil {
		writeDomainError(w, executionError(execID, err))
		return
	}

	scored, err := h.repo.ListScoredTransactions(ctx, tenantID, execID)
	if err != nil {
		slog.Error("failed to list scored transactions", "execution_id", execID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if err := h.reconciler.Attach(ctx, tenantID, execID, scored); err != nil {
		slog.Error("failed to attach feedback", "execution_id", execID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load feedback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executionId":  execID,
		"transactions": scored,
		"count":        len(scored),
	})
}

// VerifyExecution handles GET /executions/{id}/verify.
func (h *Handler) VerifyExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "id")

	v, err := h.recorder.Verify(ctx, tenantID, execID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFinalized) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, executionError(execID, err))
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// FeedbackRequest is the request body for POST /feedback.
type FeedbackRequest struct {
	ExecutionID   string `json:"executionId"`
	TransactionID string `json:"transactionId"`
	Reviewer      string `json:"reviewer"`
	Decision      string `json:"decision"`
	Notes         string `json:"notes,omitempty"`
}

// SubmitFeedback handles POST /feedback.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req FeedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, "executionId is required")
		return
	}

	fb, err := h.reconciler.Submit(ctx, tenantID, req.ExecutionID, req.TransactionID, req.Reviewer, req.Decision, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, fb)
}

// GetFeedback handles GET /feedback/{executionId}.
func (h *Handler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "executionId")
	txID := r.URL.Query().Get("transaction_id")

	entries, err := h.reconciler.Get(ctx, tenantID, execID, txID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": execID,
		"feedback":    entries,
		"count":       len(entries),
	})
}

// FeedbackSummary handles GET /feedback/{executionId}/summary.
func (h *Handler) FeedbackSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "executionId")

	sum, err := h.reconciler.AggregateByDecision(ctx, tenantID, execID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// LatestFeedback handles GET /feedback/{executionId}/latest.
func (h *Handler) LatestFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "executionId")

	entries, err := h.reconciler.Latest(ctx, tenantID, execID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": execID,
		"feedback":    entries,
		"count":       len(entries),
	})
}

// ListRules returns the active catalog snapshot.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	catalog := h.rules.Current()
	loaded := catalog.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":    loaded,
		"count":    len(loaded),
		"version":  catalog.Version(),
		"loadedAt": catalog.LoadedAt(),
	})
}

// CreateRule validates and persists an external rule, then reloads the
// catalog so it takes effect. Rules are saved under the global tenant. An
// external rule with a built-in id replaces the built-in entry.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.AlertRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.RuleType == "" {
		rule.RuleType = domain.RuleTypeCustom
	}
	rule.Provenance = domain.ProvenanceExternal

	if err := h.rules.Engine().Validate(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveAlertRule(ctx, domain.GlobalTenantID, &rule); err != nil {
		slog.Error("failed to save alert rule", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	catalog, err := h.rules.Reload(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "catalog_version", catalog.Version())
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":           rule,
		"catalogVersion": catalog.Version(),
	})
}

// ReloadRules rebuilds the catalog from its sources.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.rules.Reload(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   catalog.Len(),
		"version": catalog.Version(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready reports whether every backing component answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			slog.Warn("readiness check failed", "component", name, "error", err)
			checks[name] = "unavailable"
			ready = false
			return
		}
		checks[name] = "ok"
	}

	check("repository", func() error { return h.repo.Ping(ctx) })
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":          ready,
		"checks":         checks,
		"catalogVersion": h.rules.Current().Version(),
	})
}

// executionError turns a repository miss into an UnknownExecutionError.
func executionError(execID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.UnknownExecutionError{ExecutionID: execID}
	}
	return err
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		decision   *domain.InvalidDecisionError
		unknown    *domain.UnknownExecutionError
		source     *domain.RuleSourceUnavailableError
	)

	switch {
	case errors.As(err, &validation), errors.As(err, &decision),
		errors.Is(err, analysis.ErrInvalidOptions), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unknown), errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoScorableTransactions):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &source):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
