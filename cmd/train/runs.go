package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/snapcheck/internal/config"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

func newRunsCommand(cc *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := cc.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			if ledger == nil {
				return errors.New("the run ledger is disabled (ledger.enabled: false)")
			}
			defer ledger.Close()

			runs, err := ledger.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No training runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				duration := "-"
				if !r.FinishedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				rows = append(rows, []string{
					r.ID,
					r.Preset,
					r.Status,
					strconv.Itoa(r.Samples),
					r.StartedAt.Local().Format(time.DateTime),
					duration,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable("",
				[]string{"ID", "Preset", "Status", "Samples", "Started", "Duration"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.AddCommand(newRunShowCommand(cc))
	return cmd
}

func newRunShowCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the epochs and evaluation of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ledger, err := cc.openLedger(ctx)
			if err != nil {
				return err
			}
			if ledger == nil {
				return errors.New("the run ledger is disabled (ledger.enabled: false)")
			}
			defer ledger.Close()

			run, err := ledger.Run(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s, preset %s, %d samples\n", run.ID, run.Status, run.Preset, run.Samples)
			if run.Error != "" {
				fmt.Fprintf(out, "error: %s\n", run.Error)
			}
			if run.BundleDir != "" {
				fmt.Fprintf(out, "bundle: %s\n", run.BundleDir)
			}
			epochs, err := ledger.Epochs(ctx, run.ID)
			if err != nil {
				return err
			}
			if len(epochs) > 0 {
				fmt.Fprintln(out, renderEpochs(epochs))
			}
			evals, err := ledger.Evaluations(ctx, run.ID)
			if err != nil {
				return err
			}
			if len(evals) > 0 {
				fmt.Fprintf(out, "training-set diagnostics: %d/%d matched\n", training.Matches(evals), len(evals))
			}
			return nil
		},
	}
}

func newInitConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:         "init-config",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "snapcheck.yaml", "Destination for the configuration file")
	return cmd
}
