package rules

import (
	"context"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Source supplies externally managed alert rules.
type Source interface {
	// Name identifies the source in errors and logs.
	Name() string

	// Load returns the rules currently held by the source.
	Load(ctx context.Context) ([]domain.AlertRule, error)
}

// RepositorySource loads rules persisted through POST /rules.
type RepositorySource struct {
	Repo domain.Repository
}

// Name implements Source.
func (s *RepositorySource) Name() string { return "repository" }

// Load implements Source.
func (s *RepositorySource) Load(ctx context.Context) ([]domain.AlertRule, error) {
	rules, err := s.Repo.ListAlertRules(ctx, domain.GlobalTenantID)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	for i := range rules {
		rules[i].Provenance = domain.ProvenanceExternal
	}
	return rules, nil
}

// FileSource loads rules from a YAML file.
//
//	rules:
//	  - id: large_usd_transfer
//	    ruleType: threshold_reporting
//	    weight: 20
//	    severity: high
//	    predicate:
//	      kind: amount_at_least
//	      threshold: 50000
//	      currency: USD
type FileSource struct {
	Path string
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.Path }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) ([]domain.AlertRule, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// ruleFile is the YAML layout of a rule file.
type ruleFile struct {
	Rules []domain.AlertRule `yaml:"rules"`
}

// ParseRules decodes a YAML rule document. Every rule is marked external.
func ParseRules(data []byte) ([]domain.AlertRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.RuleType == "" {
			r.RuleType = domain.RuleTypeCustom
		}
		r.Provenance = domain.ProvenanceExternal
	}
	return f.Rules, nil
}
