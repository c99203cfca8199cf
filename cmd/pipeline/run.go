package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loanmvp.io/pipeline/internal/app/modules"
	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pipeline"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		pdate     string
		irrTarget float64
		folder    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run synchronously",
		Long: `Execute one pipeline run and print the resulting run record.

Exits non-zero when the run fails; the failed run record is still printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runCfg := pipeline.RunConfig{PDate: pdate, Folder: folder}
			if cmd.Flags().Changed("irr-target") {
				runCfg.IRRTarget = &irrTarget
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, runCfg)
		},
	}
	cmd.Flags().StringVar(&pdate, "pdate", "", "processing date (YYYY-MM-DD, default today UTC)")
	cmd.Flags().Float64Var(&irrTarget, "irr-target", 0, "IRR target in percent (default from config)")
	cmd.Flags().StringVar(&folder, "folder", "", "input folder inside the inputs area (default from config)")
	return cmd
}

func (c *cli) run(ctx context.Context, runCfg pipeline.RunConfig) error {
	cfg, err := c.setup()
	if err != nil {
		return err
	}
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	run, runErr := modules.NewPipelineModule(infra).Coordinator().ExecuteRun(ctx, runCfg)
	if run != nil {
		if err := printJSON(c.out, run); err != nil {
			return err
		}
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printRunLine(w io.Writer, r *domain.PipelineRun) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d/%d\n",
		r.RunID, r.Status, r.PDate, r.LastPhase, r.TotalRecords,
		r.PurchaseCount, r.ProjectedCount, r.RejectedCount)
}
