// Kestrel - Batch fraud scoring with an auditable trail.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	Commit  = "none"
)

var (
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs",
	}

	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output format [json, yaml]",
		Value:   formatJSON,
	}
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "kestrelctl",
		Usage:   "Score transaction batches and manage Kestrel rules",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Writer:  out,
		Flags: []cli.Flag{
			debugFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			initLogging(cmd.Bool(debugFlag.Name))
			return ctx, nil
		},
		Commands: []*cli.Command{
			analyzeCmd(out),
			rulesCmd(out),
			benchCmd(out),
		},
	}
}

// initLogging sends logs to stderr so stdout stays machine readable.
func initLogging(debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

// encode writes v as indented JSON or as YAML. YAML output goes through
// JSON first so both formats use the same field names.
func encode(out io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		e := json.NewEncoder(out)
		e.SetIndent("", "  ")
		return e.Encode(v)
	case formatYAML, "yml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		e := yaml.NewEncoder(out)
		defer e.Close()
		e.SetIndent(2)
		return e.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
