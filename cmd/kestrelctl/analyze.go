package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/urfave/cli/v3"
)

func analyzeCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Score a JSON batch file in-process and print the result",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			outputFlag,
			&cli.StringFlag{
				Name:  "method",
				Usage: "Scoring method [xgboost, isolation_forest, both]",
				Value: string(domain.MethodBoth),
			},
			&cli.FloatFlag{
				Name:  "threshold",
				Usage: "XGBoost suspicion threshold",
				Value: domain.DefaultXGBoostThreshold,
			},
			&cli.FloatFlag{
				Name:  "contamination",
				Usage: "Isolation forest contamination",
				Value: domain.DefaultContamination,
			},
			&cli.BoolFlag{
				Name:  "explain",
				Usage: "Attach score breakdowns to HIGH and CRITICAL transactions",
			},
			&cli.StringFlag{
				Name:  "rules",
				Usage: "YAML rule file merged over the built-in catalog",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite file keeping the execution (defaults to a throwaway database)",
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Tenant the execution is recorded under",
				Value: "cli",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one batch file")
			}

			f, err := os.Open(cmd.Args().First())
			if err != nil {
				return fmt.Errorf("open batch: %w", err)
			}
			defer f.Close()

			batch, err := analysis.DecodeBatch(f)
			if err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}

			threshold := cmd.Float("threshold")
			contamination := cmd.Float("contamination")
			opts := analysis.Options{
				Method:              domain.Method(cmd.String("method")),
				XGBoostThreshold:    &threshold,
				Contamination:       &contamination,
				IncludeExplanations: cmd.Bool("explain"),
				DataSource:          audit.SourceCLI,
			}

			res, err := runAnalysis(ctx, cmd.String("db"), cmd.String("rules"), cmd.String("tenant"), batch, opts)
			if err != nil {
				return err
			}
			return encode(out, cmd.String(outputFlag.Name), res)
		},
	}
}

// runAnalysis wires a local pipeline and scores one batch. Without dbPath
// the execution lands in a temporary SQLite file that is removed afterwards.
func runAnalysis(ctx context.Context, dbPath, rulesPath, tenantID string, batch []domain.Transaction, opts analysis.Options) (*analysis.Result, error) {
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "kestrelctl-")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "kestrel.db")
	}

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	store, err := newStore(rulesPath)
	if err != nil {
		return nil, err
	}
	if rulesPath != "" {
		if _, err := store.Reload(ctx); err != nil {
			return nil, err
		}
	}

	cfg := domain.DefaultConfig()
	analyzer := analysis.NewAnalyzer(cfg.Scoring, analysis.Deps{
		Rules:    store,
		Recorder: audit.NewRecorder(repo),
	})
	return analyzer.Analyze(ctx, tenantID, batch, opts)
}

func newStore(rulesPath string) (*rules.Store, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	var sources []rules.Source
	if rulesPath != "" {
		sources = append(sources, &rules.FileSource{Path: rulesPath})
	}
	return rules.NewStore(engine, nil, sources...)
}
