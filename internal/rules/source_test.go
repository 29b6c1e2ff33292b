package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleYAML = `
rules:
  - id: large_usd_transfer
    ruleType: threshold_reporting
    weight: 20
    severity: high
    description: USD transfer at or above the reporting threshold
    predicate:
      kind: amount_at_least
      threshold: 50000
      currency: USD
  - id: complex_product_online
    weight: 5
    severity: low
    predicate:
      kind: expression
      expression: channel == "online" && has(tx.product_complex) && tx.product_complex
`

func TestParseRules(t *testing.T) {
	t.Run("decodes rules and marks them external", func(t *testing.T) {
		rules, err := ParseRules([]byte(ruleYAML))
		require.NoError(t, err)
		require.Len(t, rules, 2)

		assert.Equal(t, "large_usd_transfer", rules[0].ID)
		assert.Equal(t, domain.PredicateAmountAtLeast, rules[0].Predicate.Kind)
		assert.Equal(t, 50000.0, rules[0].Predicate.Threshold)
		assert.Equal(t, "USD", rules[0].Predicate.Currency)
		assert.Equal(t, domain.SeverityHigh, rules[0].Severity)

		assert.Equal(t, domain.RuleTypeCustom, rules[1].RuleType)
		for _, r := range rules {
			assert.Equal(t, domain.ProvenanceExternal, r.Provenance)
		}
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		_, err := ParseRules([]byte("rules:\n  - id: a\n  - id: a\n"))
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		_, err := ParseRules([]byte("rules: [\n"))
		assert.Error(t, err)
	})
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleYAML), 0o600))

	src := &FileSource{Path: path}
	store, err := NewStore(newTestEngine(t), nil, src)
	require.NoError(t, err)

	c, err := store.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(Builtin())+2, c.Len())

	alerts := Evaluate(&domain.Transaction{Amount: 50_000, Currency: "usd"}, c)
	assert.Equal(t, []string{"large_usd_transfer"}, ruleIDs(alerts))

	t.Run("non-finite threshold keeps last known good", func(t *testing.T) {
		for _, threshold := range []string{".inf", "-.inf", ".nan"} {
			bad := "rules:\n  - id: huge\n    weight: 10\n    severity: high\n    predicate:\n      kind: amount_at_least\n      threshold: " + threshold + "\n"
			require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

			_, err := store.Reload(context.Background())
			var rsErr *domain.RuleSourceUnavailableError
			require.ErrorAs(t, err, &rsErr, threshold)
			assert.Same(t, c, store.Current())

			assert.NotPanics(t, func() {
				Evaluate(&domain.Transaction{Amount: 50_000, Currency: "usd"}, store.Current())
			})
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := (&FileSource{Path: filepath.Join(t.TempDir(), "nope.yaml")}).Load(context.Background())
		assert.Error(t, err)
	})
}
