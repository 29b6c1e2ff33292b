package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/urfave/cli/v3"
)

// labeledTransaction is one CSV row with its ground truth.
type labeledTransaction struct {
	Tx      domain.Transaction
	IsFraud bool
}

// benchMetrics tracks benchmark results.
type benchMetrics struct {
	TruePositives  int64 // fraud scored HIGH or CRITICAL
	FalsePositives int64 // legitimate scored HIGH or CRITICAL
	TrueNegatives  int64
	FalseNegatives int64 // missed fraud

	TotalProcessed int64
	TotalErrors    int64
	BatchLatencyMs int64
	Batches        int64
}

func benchCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "Score a labeled CSV against a running server and report detection quality",
		ArgsUsage: "CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Kestrel base URL",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Tenant ID for requests",
				Value: "benchmark-test",
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "Scoring method [xgboost, isolation_forest, both]",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum transactions to process (0 = all)",
				Value: 10000,
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Transactions per /analyze call",
				Value: 500,
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of concurrent batches",
				Value: 4,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one CSV file")
			}

			f, err := os.Open(cmd.Args().First())
			if err != nil {
				return fmt.Errorf("open csv: %w", err)
			}
			defer f.Close()

			rows, err := readLabeledCSV(f, int(cmd.Int("limit")))
			if err != nil {
				return err
			}

			b := &bencher{
				client:   &http.Client{Timeout: time.Minute},
				baseURL:  strings.TrimRight(cmd.String("url"), "/"),
				tenantID: cmd.String("tenant"),
				method:   cmd.String("method"),
			}
			if err := b.checkHealth(ctx); err != nil {
				return fmt.Errorf("kestrel not reachable at %s: %w", b.baseURL, err)
			}

			start := time.Now()
			m := b.run(ctx, rows, int(cmd.Int("batch-size")), int(cmd.Int("workers")))
			printResults(out, m, time.Since(start))
			return nil
		},
	}
}

// readLabeledCSV reads rows with the columns transaction_id, amount,
// currency, xgboost_probability, isolation_forest_score and is_fraud.
// Column order is free; score columns may be empty.
func readLabeledCSV(r io.Reader, limit int) ([]labeledTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"amount", "is_fraud"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	optFloat := func(record []string, name string) *float64 {
		v, err := strconv.ParseFloat(field(record, name), 64)
		if err != nil {
			return nil
		}
		return &v
	}

	var rows []labeledTransaction
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}

		tx := domain.Transaction{
			ID:       field(record, "transaction_id"),
			Amount:   amount,
			Currency: field(record, "currency"),
		}
		xgb, iso := optFloat(record, "xgboost_probability"), optFloat(record, "isolation_forest_score")
		if xgb != nil || iso != nil {
			tx.Signal = &domain.ModelSignal{XGBoostProbability: xgb, IsolationForestScore: iso}
		}

		label := field(record, "is_fraud")
		rows = append(rows, labeledTransaction{Tx: tx, IsFraud: label == "1" || strings.EqualFold(label, "true")})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

type bencher struct {
	client   *http.Client
	baseURL  string
	tenantID string
	method   string
}

func (b *bencher) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (b *bencher) run(ctx context.Context, rows []labeledTransaction, batchSize, numWorkers int) *benchMetrics {
	if batchSize < 1 {
		batchSize = 1
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	m := &benchMetrics{}

	work := make(chan []labeledTransaction, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range work {
				start := time.Now()
				scored, err := b.analyze(ctx, chunk)
				atomic.AddInt64(&m.BatchLatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.Batches, 1)
				atomic.AddInt64(&m.TotalProcessed, int64(len(chunk)))
				if err != nil {
					atomic.AddInt64(&m.TotalErrors, int64(len(chunk)))
					continue
				}
				m.tally(chunk, scored)
			}
		}()
	}

	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		work <- rows[start:end]
	}
	close(work)

	wg.Wait()
	return m
}

// analyze posts one chunk. Rows get positional ids so results can be
// matched back to labels whatever the CSV carried.
func (b *bencher) analyze(ctx context.Context, chunk []labeledTransaction) (map[string]domain.RiskCategory, error) {
	batch := make([]domain.Transaction, len(chunk))
	for i, row := range chunk {
		batch[i] = row.Tx
		batch[i].ID = strconv.Itoa(i)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if b.method != "" {
		q.Set("method", b.method)
	}
	endpoint := b.baseURL + "/analyze"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", b.tenantID)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result analysis.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	categories := make(map[string]domain.RiskCategory, len(result.Transactions))
	for _, s := range result.Transactions {
		categories[s.TransactionID] = s.RiskCategory
	}
	return categories, nil
}

// tally updates the confusion matrix. Rows missing from the result were
// rejected by validation and count as errors.
func (m *benchMetrics) tally(chunk []labeledTransaction, scored map[string]domain.RiskCategory) {
	for i, row := range chunk {
		category, ok := scored[strconv.Itoa(i)]
		if !ok {
			atomic.AddInt64(&m.TotalErrors, 1)
			continue
		}

		predicted := category.IsHighRisk()
		switch {
		case predicted && row.IsFraud:
			atomic.AddInt64(&m.TruePositives, 1)
		case predicted && !row.IsFraud:
			atomic.AddInt64(&m.FalsePositives, 1)
		case !predicted && !row.IsFraud:
			atomic.AddInt64(&m.TrueNegatives, 1)
		default:
			atomic.AddInt64(&m.FalseNegatives, 1)
		}
	}
}

func (m *benchMetrics) precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

func (m *benchMetrics) recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *benchMetrics) f1() float64 {
	p, r := m.precision(), m.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func printResults(out io.Writer, m *benchMetrics, duration time.Duration) {
	fmt.Fprintln(out, "BENCHMARK RESULTS")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(out, "  Errors:           %d\n", m.TotalErrors)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Confusion matrix (predicted = HIGH or CRITICAL)")
	fmt.Fprintln(out, "                  flagged   not flagged")
	fmt.Fprintf(out, "    fraud       %9d %13d\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(out, "    legitimate  %9d %13d\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Precision:  %.4f\n", m.precision())
	fmt.Fprintf(out, "  Recall:     %.4f\n", m.recall())
	fmt.Fprintf(out, "  F1-Score:   %.4f\n", m.f1())
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Batches > 0 {
		fmt.Fprintf(out, "  Avg Batch:  %.2f ms\n", float64(m.BatchLatencyMs)/float64(m.Batches))
	}
	if secs := duration.Seconds(); secs > 0 {
		fmt.Fprintf(out, "  Throughput: %.2f tx/sec\n", float64(m.TotalProcessed)/secs)
	}
}
