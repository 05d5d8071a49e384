package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/rcmflow/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "rcmflow",
		Short: "Guided workflow engine for revenue cycle work",
		Long: `rcmflow drives billing staff through template-defined workflows,
runs automated steps against agents, and blocks instances for
recovery when automation cannot finish on its own.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate(`{{printf "rcmflow version %s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	loadConfig := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newTemplatesCmd(loadConfig),
		newMigrateCmd(loadConfig),
		newVersionCmd(),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, cmd.UsageString())
	})
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rcmflow",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rcmflow version %s (commit %s)\n", version, commit)
		},
	}
}
