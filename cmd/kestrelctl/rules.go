package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/urfave/cli/v3"
)

// lintReport is the outcome of checking a rule file.
type lintReport struct {
	File     string         `json:"file"`
	Rules    int            `json:"rules"`
	Problems []lintProblem  `json:"problems"`
	Catalog  []catalogEntry `json:"catalog,omitempty"`
}

type lintProblem struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}

type catalogEntry struct {
	ID         string            `json:"id"`
	Weight     int               `json:"weight"`
	Severity   domain.Severity   `json:"severity"`
	Provenance domain.Provenance `json:"provenance"`
}

func rulesCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Inspect and validate alert rules",
		Commands: []*cli.Command{
			{
				Name:      "lint",
				Usage:     "Validate a YAML rule file",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					outputFlag,
					&cli.BoolFlag{
						Name:  "show-catalog",
						Usage: "Print the catalog the file would produce",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one rule file")
					}

					report, err := lintFile(cmd.Args().First(), cmd.Bool("show-catalog"))
					if err != nil {
						return err
					}
					if err := encode(out, cmd.String(outputFlag.Name), report); err != nil {
						return err
					}
					if len(report.Problems) > 0 {
						return fmt.Errorf("%d invalid rule(s)", len(report.Problems))
					}
					return nil
				},
			},
			{
				Name:  "builtin",
				Usage: "List the built-in catalog",
				Flags: []cli.Flag{outputFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return encode(out, cmd.String(outputFlag.Name), rules.Builtin())
				},
			},
		},
	}
}

// lintFile checks every rule of a file on its own, then checks that the
// file merges cleanly over the built-ins.
func lintFile(path string, showCatalog bool) (*lintReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	parsed, err := rules.ParseRules(data)
	if err != nil {
		return nil, err
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}

	report := &lintReport{
		File:     path,
		Rules:    len(parsed),
		Problems: []lintProblem{},
	}
	for i := range parsed {
		if err := engine.Validate(&parsed[i]); err != nil {
			report.Problems = append(report.Problems, lintProblem{RuleID: parsed[i].ID, Error: err.Error()})
		}
	}

	if len(report.Problems) == 0 && showCatalog {
		catalog, err := engine.Build(0, rules.Builtin(), parsed)
		if err != nil {
			return nil, err
		}
		for _, r := range catalog.Rules() {
			report.Catalog = append(report.Catalog, catalogEntry{
				ID:         r.ID,
				Weight:     r.Weight,
				Severity:   r.Severity,
				Provenance: r.Provenance,
			})
		}
	}
	return report, nil
}
