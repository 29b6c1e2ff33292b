package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("records scored transactions and alerts", func(t *testing.T) {
		m := New()
		m.ObserveScored("HIGH", 72.5, map[string]string{"pep_customer": "medium"})
		m.ObserveScored("HIGH", 61, nil)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.TransactionsScored.WithLabelValues("HIGH")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTriggered.WithLabelValues("pep_customer", "medium")))
	})

	t.Run("reload failure leaves version gauge alone", func(t *testing.T) {
		m := New()
		m.ObserveReload(true, 3, 12)
		m.ObserveReload(false, 0, 0)

		assert.Equal(t, 3.0, testutil.ToFloat64(m.CatalogVersion))
		assert.Equal(t, 12.0, testutil.ToFloat64(m.CatalogRules))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleReloads.WithLabelValues("failure")))
	})

	t.Run("http requests are labelled by route", func(t *testing.T) {
		m := New()
		m.ObserveHTTP("/executions/{id}", "GET", 200, 0.02)
		m.ObserveHTTP("/executions/{id}", "GET", 404, 0.01)
		m.ObserveHTTP("", "GET", 404, 0.001)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/executions/{id}", "GET", "404")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "GET", "404")))
	})

	t.Run("nil metrics is a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.ObserveScored("LOW", 25, nil)
			m.ObserveFailed(2)
			m.ObserveExecution("ok", "both", 0.1)
			m.ObserveSignalUnavailable("xgboost")
			m.ObserveReload(true, 1, 1)
			m.ObserveFeedback("legitimate")
		})
		assert.Nil(t, m.Registry())
	})

	t.Run("handler exposes kestrel collectors", func(t *testing.T) {
		m := New()
		m.ObserveFeedback("false_positive")

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "kestrel_feedback_submitted_total"))
	})
}
