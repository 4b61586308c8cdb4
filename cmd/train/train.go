package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/dataset"
	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/runlog"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

type trainOptions struct {
	preset       string
	correctDir   string
	incorrectDir string
	modelDir     string
	epochs       int
	batchSize    int
	split        float64
	shuffle      bool
	seed         int64
	skipEval     bool
}

func (o *trainOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.preset, "preset", "", "Training preset: minimal or enhanced")
	f.StringVar(&o.correctDir, "correct", "", "Directory of CORRECT images")
	f.StringVar(&o.incorrectDir, "incorrect", "", "Directory of INCORRECT images")
	f.StringVar(&o.modelDir, "model-dir", "", "Directory to write model.json and weights.bin")
	f.IntVar(&o.epochs, "epochs", 0, "Override the preset's epoch count")
	f.IntVar(&o.batchSize, "batch-size", 0, "Override the preset's batch size")
	f.Float64Var(&o.split, "validation-split", 0, "Override the preset's validation split")
	f.BoolVar(&o.shuffle, "shuffle", true, "Reorder training rows every epoch")
	f.Int64Var(&o.seed, "seed", 0, "Seed for weight initialisation and shuffling")
	f.BoolVar(&o.skipEval, "skip-eval", false, "Skip the training-set evaluation after saving")
}

// overrides carries only the flags given on the command line, so an
// explicit zero such as --validation-split 0 replaces the preset's value.
func (o *trainOptions) overrides(cmd *cobra.Command) training.Overrides {
	f := cmd.Flags()
	var ov training.Overrides
	if f.Changed("epochs") {
		ov.Epochs = &o.epochs
	}
	if f.Changed("batch-size") {
		ov.BatchSize = &o.batchSize
	}
	if f.Changed("validation-split") {
		ov.ValidationSplit = &o.split
	}
	if f.Changed("shuffle") {
		ov.Shuffle = &o.shuffle
	}
	if f.Changed("seed") {
		ov.Seed = &o.seed
	}
	return ov
}

func runTrain(ctx context.Context, cc *commandContext, cmd *cobra.Command, opts trainOptions) (err error) {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	logger := cc.log()
	if opts.preset != "" {
		cfg.Training.Preset = opts.preset
	}
	if opts.correctDir != "" {
		cfg.Training.CorrectDir = opts.correctDir
	}
	if opts.incorrectDir != "" {
		cfg.Training.IncorrectDir = opts.incorrectDir
	}
	if opts.modelDir != "" {
		cfg.Model.Dir = opts.modelDir
	}
	preset, err := cfg.Preset()
	if err != nil {
		return err
	}
	preset = preset.Override(opts.overrides(cmd))
	arch, err := model.ArchitectureByName(preset.Architecture)
	if err != nil {
		return err
	}
	arch.Seed = preset.Config.Seed
	arch.LearningRate = cfg.Training.LearningRate

	pre, err := cc.preprocessor()
	if err != nil {
		return err
	}
	ds, err := dataset.NewAssembler(pre, cfg.Preprocess.Workers, logger).
		Assemble(ctx, cfg.Training.CorrectDir, cfg.Training.IncorrectDir)
	if err != nil {
		return err
	}
	defer ds.Release()
	correct, incorrect := ds.Counts()
	logger.Info("dataset assembled",
		zap.Int("correct", correct), zap.Int("incorrect", incorrect), zap.Ints("shape", ds.Inputs.Shape()))

	ledger, err := cc.openLedger(ctx)
	if err != nil {
		return err
	}
	var (
		runID    string
		recorder training.EpochRecorder
	)
	if ledger != nil {
		defer ledger.Close()
		run, err := ledger.StartRun(ctx, runlog.Run{
			Preset:       preset.Name,
			CorrectDir:   cfg.Training.CorrectDir,
			IncorrectDir: cfg.Training.IncorrectDir,
		})
		if err != nil {
			return err
		}
		runID = run.ID
		recorder = ledger.Recorder(runID)
		defer func() {
			bundleDir := ""
			if err == nil {
				bundleDir = cfg.Model.Dir
			}
			if ferr := ledger.FinishRun(context.WithoutCancel(ctx), runID, bundleDir, err); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}()
		if err := ledger.SetSamples(ctx, runID, ds.Len()); err != nil {
			return err
		}
		logger = logger.With(zap.String("run_id", runID))
	}

	m, err := model.BuildModel(pre.Shape(), arch)
	if err != nil {
		return err
	}
	logger.Debug("model built", zap.String("summary", m.Summary()))

	trainer, err := training.NewTrainer(preset.Config, logger, recorder)
	if err != nil {
		return err
	}
	history, err := trainer.Train(ctx, m, ds)
	out := cmd.OutOrStdout()
	if len(history.Epochs) > 0 {
		fmt.Fprintln(out, renderEpochs(history.Epochs))
	}
	if err != nil {
		return err
	}

	bundle, err := model.Serialize(m)
	if err != nil {
		return err
	}
	if err := model.NewStore(cfg.Model.Dir).Save(ctx, bundle); err != nil {
		return err
	}
	logger.Info("model saved",
		zap.String("dir", cfg.Model.Dir),
		zap.Int("weight_bytes", bundle.Metadata.WeightDataBytes))

	if opts.skipEval {
		return nil
	}
	evals, err := training.Evaluate(ctx, model.NewNativePredictor(m), ds, preset.EvalThreshold)
	if err != nil {
		return err
	}
	writeEvaluations(out, evals, preset.EvalThreshold)
	if ledger != nil {
		return ledger.RecordEvaluations(ctx, runID, preset.EvalThreshold, evals)
	}
	return nil
}

func renderEpochs(epochs []nn.EpochMetrics) string {
	rows := make([][]string, 0, len(epochs))
	for _, e := range epochs {
		rows = append(rows, []string{
			strconv.Itoa(e.Epoch),
			formatFloat(e.Loss),
			formatFloat(e.Accuracy),
			formatOptional(e.ValidationLoss),
			formatOptional(e.ValidationAccuracy),
			e.Elapsed.Round(time.Millisecond).String(),
		})
	}
	return renderTable("Training",
		[]string{"Epoch", "Loss", "Accuracy", "Val loss", "Val accuracy", "Elapsed"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight})
}

func labelName(label int) string {
	if label == dataset.LabelCorrect {
		return string(model.Correct)
	}
	return string(model.Incorrect)
}

func writeEvaluations(out io.Writer, evals []training.Evaluation, threshold float32) {
	rows := make([][]string, 0, len(evals))
	for _, e := range evals {
		match := "yes"
		if !e.Match() {
			match = "NO"
		}
		rows = append(rows, []string{
			e.SourceName,
			fmt.Sprintf("%.4f", e.Score),
			labelName(e.Expected),
			labelName(e.Predicted),
			match,
		})
	}
	title := fmt.Sprintf("Training-set diagnostics (threshold %.2f, not a held-out score)", threshold)
	fmt.Fprintln(out, renderTable(title,
		[]string{"Image", "Score", "Expected", "Predicted", "Match"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft}))
	fmt.Fprintf(out, "%d/%d matched\n", training.Matches(evals), len(evals))
}
