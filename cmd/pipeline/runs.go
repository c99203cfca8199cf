package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"loanmvp.io/pipeline/internal/app/modules"
	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/usecase"
)

func newRunsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}

	var exceptions bool
	show := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Print one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuns(cmd.Context(), func(uc *usecase.RunPipelineUseCase) error {
				run, err := uc.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !exceptions {
					return printJSON(c.out, run)
				}
				excs, err := uc.ListExceptions(cmd.Context(), args[0], domain.ExceptionFilter{})
				if err != nil {
					return err
				}
				return printJSON(c.out, struct {
					*domain.PipelineRun
					Exceptions []domain.RunException `json:"exceptions"`
				}{run, excs})
			})
		},
	}
	show.Flags().BoolVar(&exceptions, "exceptions", false, "include the run's exception ledger")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuns(cmd.Context(), func(uc *usecase.RunPipelineUseCase) error {
				runs, err := uc.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, "RUN_ID\tSTATUS\tPDATE\tLAST_PHASE\tRECORDS\tPURCHASE/PROJECTED/REJECTED")
				for _, r := range runs {
					printRunLine(c.out, r)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	cmd.AddCommand(show, list)
	return cmd
}

// withRuns opens the configured run store. Run records only outlive the
// process with the postgres store.
func (c *cli) withRuns(ctx context.Context, fn func(*usecase.RunPipelineUseCase) error) error {
	cfg, err := c.setup()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return fmt.Errorf("run inspection requires store.driver=%s, got %q", config.StorePostgres, cfg.Store.Driver)
	}
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()
	return fn(modules.NewPipelineModule(infra).UseCase())
}
