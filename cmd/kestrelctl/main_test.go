package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const batchJSON = `{"transactions": [
  {"transactionId": "big", "amount": 15000000, "currency": "USD", "customerRiskRating": "high", "customerIsPep": true,
   "modelSignal": {"xgboostProbability": 0.95, "isolationForestScore": -0.5}},
  {"transactionId": "small", "amount": 12.5, "currency": "USD",
   "modelSignal": {"xgboostProbability": 0.1, "isolationForestScore": 0.2}}
]}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), append([]string{"kestrelctl"}, args...))
	return out.String(), err
}

func TestAnalyzeCommand(t *testing.T) {
	batch := writeFile(t, "batch.json", batchJSON)

	t.Run("json", func(t *testing.T) {
		out, err := run(t, "analyze", "--explain", batch)
		require.NoError(t, err)

		var res analysis.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Len(t, res.Transactions, 2)
		assert.Equal(t, domain.RiskCritical, res.Transactions[0].RiskCategory)
		assert.NotNil(t, res.Transactions[0].Explanation)
		assert.Equal(t, domain.MethodBoth, res.Config.Method)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := run(t, "analyze", "-o", "yaml", "--method", "xgboost", batch)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
		assert.NotEmpty(t, doc["executionId"])
		assert.NotContains(t, doc, "consensus")
	})

	t.Run("persists to db", func(t *testing.T) {
		db := filepath.Join(t.TempDir(), "runs.db")
		_, err := run(t, "analyze", "--db", db, batch)
		require.NoError(t, err)
		assert.FileExists(t, db)
	})

	t.Run("extra rules file", func(t *testing.T) {
		ruleFile := writeFile(t, "rules.yaml", `
rules:
  - id: tiny_amount
    weight: 5
    severity: low
    predicate:
      kind: expression
      expression: amount < 20.0
`)
		out, err := run(t, "analyze", "--rules", ruleFile, batch)
		require.NoError(t, err)

		var res analysis.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Len(t, res.Transactions[1].Alerts, 1)
		assert.Equal(t, "tiny_amount", res.Transactions[1].Alerts[0].RuleID)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := run(t, "analyze")
		assert.Error(t, err)

		_, err = run(t, "analyze", filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)

		_, err = run(t, "analyze", "--threshold", "2", batch)
		assert.ErrorIs(t, err, analysis.ErrInvalidOptions)

		_, err = run(t, "analyze", "-o", "xml", batch)
		assert.Error(t, err)
	})
}

func TestRulesLint(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := writeFile(t, "ok.yaml", `
rules:
  - id: large_usd_transfer
    weight: 20
    severity: high
    predicate:
      kind: amount_at_least
      threshold: 50000
      currency: USD
`)
		out, err := run(t, "rules", "lint", "--show-catalog", path)
		require.NoError(t, err)

		var report lintReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, 1, report.Rules)
		assert.Empty(t, report.Problems)
		assert.Len(t, report.Catalog, len(rules.Builtin())+1)
	})

	t.Run("invalid rules are reported", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", `
rules:
  - id: broken
    weight: 5
    severity: low
    predicate:
      kind: expression
      expression: amount >
  - id: unknown_severity
    severity: urgent
    predicate:
      kind: pep
`)
		out, err := run(t, "rules", "lint", path)
		require.Error(t, err)

		var report lintReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		require.Len(t, report.Problems, 2)
		assert.Equal(t, "broken", report.Problems[0].RuleID)
	})

	t.Run("duplicate ids fail to parse", func(t *testing.T) {
		path := writeFile(t, "dup.yaml", `
rules:
  - {id: a, severity: low, predicate: {kind: pep}}
  - {id: a, severity: low, predicate: {kind: pep}}
`)
		_, err := run(t, "rules", "lint", path)
		assert.Error(t, err)
	})

	t.Run("builtin", func(t *testing.T) {
		out, err := run(t, "rules", "builtin")
		require.NoError(t, err)

		var listed []domain.AlertRule
		require.NoError(t, json.Unmarshal([]byte(out), &listed))
		assert.Len(t, listed, len(rules.Builtin()))
	})
}

func TestReadLabeledCSV(t *testing.T) {
	csvData := strings.Join([]string{
		"is_fraud,amount,currency,xgboost_probability,isolation_forest_score,transaction_id",
		"1,9000,USD,0.9,-0.4,t1",
		"0,12.50,EUR,,,t2",
		"true,not-a-number,USD,0.5,0.1,t3",
		"0,40,USD,0.2,0.3,t4",
	}, "\n")

	rows, err := readLabeledCSV(strings.NewReader(csvData), 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, rows[0].IsFraud)
	assert.Equal(t, 0.9, *rows[0].Tx.Signal.XGBoostProbability)
	assert.Nil(t, rows[1].Tx.Signal)
	assert.Equal(t, "t4", rows[2].Tx.ID)

	limited, err := readLabeledCSV(strings.NewReader(csvData), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = readLabeledCSV(strings.NewReader("amount,currency\n1,USD"), 0)
	assert.Error(t, err)
}

// fakeKestrel flags every transaction at or above 1000 as CRITICAL.
func fakeKestrel(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		batch, err := analysis.DecodeBatch(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := analysis.Result{}
		for _, tx := range batch {
			category := domain.RiskLow
			if tx.Amount >= 1000 {
				category = domain.RiskCritical
			}
			res.Transactions = append(res.Transactions, domain.ScoredTransaction{TransactionID: tx.ID, RiskCategory: category})
		}
		json.NewEncoder(w).Encode(res)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBench(t *testing.T) {
	srv := fakeKestrel(t)

	csvPath := writeFile(t, "labeled.csv", strings.Join([]string{
		"transaction_id,amount,currency,is_fraud",
		"a,5000,USD,1",
		"b,20,USD,1",
		"c,3000,USD,0",
		"d,10,USD,0",
		"e,15,USD,0",
	}, "\n"))

	out, err := run(t, "bench", "--url", srv.URL, "--batch-size", "2", "--workers", "2", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Total Processed:  5")
	assert.Contains(t, out, "Precision:  0.5000")
	assert.Contains(t, out, "Recall:     0.5000")

	_, err = run(t, "bench", "--url", "http://127.0.0.1:1", csvPath)
	assert.Error(t, err)
}

func TestBenchTally(t *testing.T) {
	chunk := []labeledTransaction{{IsFraud: true}, {IsFraud: true}, {IsFraud: false}, {IsFraud: false}}
	m := &benchMetrics{}
	m.tally(chunk, map[string]domain.RiskCategory{
		"0": domain.RiskHigh,
		"1": domain.RiskMedium,
		"2": domain.RiskCritical,
	})

	assert.Equal(t, int64(1), m.TruePositives)
	assert.Equal(t, int64(1), m.FalseNegatives)
	assert.Equal(t, int64(1), m.FalsePositives)
	assert.Equal(t, int64(0), m.TrueNegatives)
	assert.Equal(t, int64(1), m.TotalErrors)
	assert.Equal(t, 0.5, m.f1())
}
