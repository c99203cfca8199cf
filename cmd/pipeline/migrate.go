package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loanmvp.io/pipeline/internal/infrastructure"
	"loanmvp.io/pipeline/internal/repository"
)

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL run store schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply run store and River queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.setup()
			if err != nil {
				return err
			}
			db, err := infrastructure.NewDatabaseClients(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.AutoMigrate(cmd.Context())
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back run store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			cfg, err := c.setup()
			if err != nil {
				return err
			}
			return repository.MigrateDown(cfg.Database.DSN(), steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.setup()
			if err != nil {
				return err
			}
			v, dirty, ok, err := repository.MigrationVersion(cfg.Database.DSN())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(c.out, "no migrations applied")
				return nil
			}
			fmt.Fprintf(c.out, "version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
