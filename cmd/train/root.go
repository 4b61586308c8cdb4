package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag, logLevel string
	ctx := newCommandContext(&configFlag, &logLevel)

	opts := trainOptions{}
	rootCmd := &cobra.Command{
		Use:           "snapcheck-train",
		Short:         "Train, evaluate and inspect the snapcheck image classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfigLoad"] == "true" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), ctx, cmd, opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "snapcheck.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level")
	opts.bind(rootCmd)

	rootCmd.AddCommand(newEvaluateCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))
	rootCmd.AddCommand(newInitConfigCommand())
	return rootCmd
}
