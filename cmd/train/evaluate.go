package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/dataset"
	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

func newEvaluateCommand(cc *commandContext) *cobra.Command {
	var (
		modelDir     string
		correctDir   string
		incorrectDir string
		threshold    float32
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score every training image with the saved model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if modelDir == "" {
				modelDir = cfg.Model.Dir
			}
			if correctDir == "" {
				correctDir = cfg.Training.CorrectDir
			}
			if incorrectDir == "" {
				incorrectDir = cfg.Training.IncorrectDir
			}
			if !cmd.Flags().Changed("threshold") {
				preset, err := cfg.Preset()
				if err != nil {
					return err
				}
				threshold = preset.EvalThreshold
			}

			bundle, err := model.NewStore(modelDir).Load(ctx)
			if err != nil {
				return err
			}
			m, err := model.Deserialize(bundle)
			if err != nil {
				return err
			}
			pre, err := cc.preprocessor()
			if err != nil {
				return err
			}
			ds, err := dataset.NewAssembler(pre, cfg.Preprocess.Workers, cc.log()).Assemble(ctx, correctDir, incorrectDir)
			if err != nil {
				return err
			}
			defer ds.Release()

			evals, err := training.Evaluate(ctx, model.NewNativePredictor(m), ds, threshold)
			if err != nil {
				return err
			}
			cc.log().Info("evaluation complete",
				zap.Int("samples", len(evals)), zap.Int("matched", training.Matches(evals)))
			writeEvaluations(cmd.OutOrStdout(), evals, threshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Bundle directory (defaults to model.dir)")
	cmd.Flags().StringVar(&correctDir, "correct", "", "Directory of CORRECT images")
	cmd.Flags().StringVar(&incorrectDir, "incorrect", "", "Directory of INCORRECT images")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, fmt.Sprintf("Decision threshold (defaults to the preset's, serving uses %.1f)", model.ServingThreshold))
	return cmd
}
