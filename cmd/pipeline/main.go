// Package main is the loan tape pipeline command line.
//
//	pipeline run --pdate 2025-01-31 --irr-target 8.05 --folder tapes/jan
//	pipeline runs show <run_id>
//	pipeline runs list --limit 20
//	pipeline migrate up|down|version
//
// Import Path: loanmvp.io/pipeline/cmd/pipeline
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/pkg/logger"
)

func main() {
	root := newRootCmd(&cli{out: os.Stdout, loadConfig: config.Load})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the process-level dependencies shared by every command.
type cli struct {
	out        io.Writer
	loadConfig func() (*config.Config, error)
}

func (c *cli) setup() (*config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Loan tape pipeline engine",
		Long: `Runs loan tapes through ingest, validate, eligibility, pricing,
disposition, output and archive, and inspects recorded runs.

Configuration is read from config.yaml and environment variables
(DATABASE_URL, STORE_DRIVER, STORAGE_BACKEND, PIPELINE_IRR_TARGET, ...).`,
		SilenceUsage: true,
	}
	root.SetOut(c.out)
	root.AddCommand(newRunCmd(c), newRunsCmd(c), newMigrateCmd(c))
	return root
}
