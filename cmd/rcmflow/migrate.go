package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/workflow"
)

func newMigrateCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	dsn := func() (string, error) {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		v := os.Getenv(cfg.Store.DSNEnv)
		if v == "" {
			return "", fmt.Errorf("%s environment variable not set", cfg.Store.DSNEnv)
		}
		return v, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := workflow.MigrateUp(d); err != nil {
				return err
			}
			return printVersion(cmd, d)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := workflow.MigrateDown(d, steps); err != nil {
				return err
			}
			return printVersion(cmd, d)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back; 0 rolls back everything")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			return printVersion(cmd, d)
		},
	})

	return cmd
}

func printVersion(cmd *cobra.Command, dsn string) error {
	v, dirty, err := workflow.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
	return nil
}
