// Package training fits the classifier on an assembled dataset and reports
// how the fitted model scores its own training samples.
package training

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/dataset"
	"github.com/Brownie44l1/snapcheck/internal/nn"
)

// Config holds the fit hyperparameters.
type Config struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
	// Shuffle reorders training rows every epoch.
	Shuffle bool `yaml:"shuffle"`
	// ShuffleBeforeSplit draws the validation rows at random instead of
	// taking the tail of the sample order. The tail of an assembled dataset
	// is all label 0, so the default holdout is single-class.
	ShuffleBeforeSplit bool  `yaml:"shuffle_before_split"`
	Seed               int64 `yaml:"seed"`
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.Epochs < 1 {
		return fmt.Errorf("training: epochs must be at least 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("training: batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("training: validation split must be in [0, 1), got %v", c.ValidationSplit)
	}
	return nil
}

func (c Config) fitOptions() nn.FitOptions {
	return nn.FitOptions{
		Epochs:             c.Epochs,
		BatchSize:          c.BatchSize,
		ValidationSplit:    c.ValidationSplit,
		Shuffle:            c.Shuffle,
		ShuffleBeforeSplit: c.ShuffleBeforeSplit,
		Seed:               c.Seed,
	}
}

// EpochRecorder persists per-epoch metrics.
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, m nn.EpochMetrics) error
}

// History is the metrics of every completed epoch.
type History struct {
	Epochs []nn.EpochMetrics
}

// Last returns the final epoch's metrics.
func (h *History) Last() (nn.EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return nn.EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Trainer runs fits with a fixed Config.
type Trainer struct {
	cfg      Config
	logger   *zap.Logger
	recorder EpochRecorder
}

// NewTrainer validates cfg. logger and recorder may be nil.
func NewTrainer(cfg Config, logger *zap.Logger, recorder EpochRecorder) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger.Named("train"), recorder: recorder}, nil
}

// Config returns the trainer's configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Epochs fits m on ds and yields metrics as each epoch completes. Each
// epoch is logged and recorded before it is yielded. A recorder failure
// ends the run.
func (t *Trainer) Epochs(ctx context.Context, m *nn.Sequential, ds *dataset.Dataset) iter.Seq2[nn.EpochMetrics, error] {
	return func(yield func(nn.EpochMetrics, error) bool) {
		t.logger.Info("starting training",
			zap.Int("samples", ds.Len()),
			zap.Int("epochs", t.cfg.Epochs),
			zap.Int("batch_size", t.cfg.BatchSize),
			zap.Float64("validation_split", t.cfg.ValidationSplit))
		for metrics, err := range m.Fit(ctx, ds.Inputs, ds.Targets, t.cfg.fitOptions()) {
			if err != nil {
				t.logger.Error("training failed", zap.Error(err))
				yield(nn.EpochMetrics{}, err)
				return
			}
			fields := []zap.Field{
				zap.Int("epoch", metrics.Epoch),
				zap.Float64("loss", metrics.Loss),
				zap.Float64("accuracy", metrics.Accuracy),
				zap.Duration("elapsed", metrics.Elapsed),
			}
			if metrics.ValidationLoss != nil {
				fields = append(fields,
					zap.Float64("val_loss", *metrics.ValidationLoss),
					zap.Float64("val_accuracy", *metrics.ValidationAccuracy))
			}
			t.logger.Info("epoch complete", fields...)
			if t.recorder != nil {
				if err := t.recorder.RecordEpoch(ctx, metrics); err != nil {
					yield(nn.EpochMetrics{}, fmt.Errorf("record epoch %d: %w", metrics.Epoch, err))
					return
				}
			}
			if !yield(metrics, nil) {
				return
			}
		}
	}
}

// Train runs every epoch and returns the collected history.
func (t *Trainer) Train(ctx context.Context, m *nn.Sequential, ds *dataset.Dataset) (*History, error) {
	h := &History{}
	for metrics, err := range t.Epochs(ctx, m, ds) {
		if err != nil {
			return h, err
		}
		h.Epochs = append(h.Epochs, metrics)
	}
	return h, nil
}
