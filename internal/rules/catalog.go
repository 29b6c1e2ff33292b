package rules

import (
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Catalog is an immutable, versioned snapshot of alert rules.
// It is safe for concurrent use by any number of evaluators.
type Catalog struct {
	version  uint64
	loadedAt time.Time
	rules    []compiledRule
	hasExpr  bool
}

type compiledRule struct {
	rule    domain.AlertRule
	values  map[string]struct{}
	program cel.Program
}

func newCatalog(version uint64, rules []compiledRule) *Catalog {
	c := &Catalog{
		version:  version,
		loadedAt: time.Now().UTC(),
		rules:    rules,
	}
	for _, r := range rules {
		if r.program != nil {
			c.hasExpr = true
			break
		}
	}
	return c
}

// Version is incremented on every successful reload.
func (c *Catalog) Version() uint64 { return c.version }

// LoadedAt is when the snapshot was built.
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }

// Len returns the number of rules.
func (c *Catalog) Len() int { return len(c.rules) }

// Rules returns a copy of the rules in evaluation order.
func (c *Catalog) Rules() []domain.AlertRule {
	out := make([]domain.AlertRule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.rule
		out[i].Predicate.Values = append([]string(nil), r.rule.Predicate.Values...)
	}
	return out
}

// Rule looks up a rule by id.
func (c *Catalog) Rule(id string) (domain.AlertRule, bool) {
	for _, r := range c.rules {
		if r.rule.ID == id {
			return r.rule, true
		}
	}
	return domain.AlertRule{}, false
}
