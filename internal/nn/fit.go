package nn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand"
	"time"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// FitOptions controls a training run.
type FitOptions struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	// Shuffle reorders the training rows before every epoch.
	Shuffle bool
	// ShuffleBeforeSplit shuffles all rows once before carving the
	// validation holdout. When false the holdout is the tail of the
	// input order.
	ShuffleBeforeSplit bool
	// Seed seeds shuffling and dropout. Zero keeps the model's source.
	Seed int64
}

func (o FitOptions) validate() error {
	if o.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", o.Epochs)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", o.BatchSize)
	}
	if o.ValidationSplit < 0 || o.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in [0, 1), got %v", o.ValidationSplit)
	}
	return nil
}

// EpochMetrics is reported once per completed epoch. The validation fields
// are nil when the run has no holdout rows.
type EpochMetrics struct {
	Epoch              int
	Loss               float64
	Accuracy           float64
	ValidationLoss     *float64
	ValidationAccuracy *float64
	TrainSamples       int
	ValidationSamples  int
	Elapsed            time.Duration
}

// SplitRows cuts order at floor(len(order)*(1-split)). Rows before the cut
// are trained on and the tail is held out.
func SplitRows(order []int, split float64) (train, holdout []int) {
	at := int(math.Floor(float64(len(order)) * (1 - split)))
	return order[:at], order[at:]
}

// Fit trains the model on x and y, yielding metrics after every epoch.
// Iteration stops after the first error. Breaking out of the loop stops
// training after the current epoch.
func (m *Sequential) Fit(ctx context.Context, x, y *tensor.Tensor, opts FitOptions) iter.Seq2[EpochMetrics, error] {
	return func(yield func(EpochMetrics, error) bool) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.compiled == nil {
			yield(EpochMetrics{}, ErrNotCompiled)
			return
		}
		if err := opts.validate(); err != nil {
			yield(EpochMetrics{}, fmt.Errorf("fit: %w", err))
			return
		}
		if err := m.checkInput(x); err != nil {
			yield(EpochMetrics{}, fmt.Errorf("fit: %w", err))
			return
		}
		if y == nil || y.Released() || y.Rank() != 2 || y.Dim(0) != x.Dim(0) || y.Dim(1) != 1 {
			yield(EpochMetrics{}, fmt.Errorf("fit: targets must be [%d 1]", x.Dim(0)))
			return
		}
		if opts.Seed != 0 {
			m.rng = rand.New(rand.NewSource(opts.Seed))
		}

		order := make([]int, x.Dim(0))
		for i := range order {
			order[i] = i
		}
		if opts.ShuffleBeforeSplit {
			m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		trainRows, holdout := SplitRows(order, opts.ValidationSplit)
		if len(trainRows) == 0 {
			yield(EpochMetrics{}, errors.New("fit: validation split leaves no training samples"))
			return
		}
		rows := append([]int(nil), trainRows...)

		for epoch := 1; epoch <= opts.Epochs; epoch++ {
			start := time.Now()
			if opts.Shuffle {
				m.rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
			}
			var lossSum, accSum float64
			for b := 0; b < len(rows); b += opts.BatchSize {
				if err := ctx.Err(); err != nil {
					yield(EpochMetrics{}, err)
					return
				}
				batch := rows[b:min(b+opts.BatchSize, len(rows))]
				loss, acc, err := m.fitBatch(x, y, batch)
				if err != nil {
					yield(EpochMetrics{}, fmt.Errorf("fit: epoch %d: %w", epoch, err))
					return
				}
				if math.IsNaN(loss) || math.IsInf(loss, 0) {
					yield(EpochMetrics{}, fmt.Errorf("fit: epoch %d: loss is not finite", epoch))
					return
				}
				lossSum += loss * float64(len(batch))
				accSum += acc * float64(len(batch))
			}

			metrics := EpochMetrics{
				Epoch:             epoch,
				Loss:              lossSum / float64(len(rows)),
				Accuracy:          accSum / float64(len(rows)),
				TrainSamples:      len(rows),
				ValidationSamples: len(holdout),
			}
			if len(holdout) > 0 {
				vl, va, err := m.evaluateRows(ctx, x, y, holdout, opts.BatchSize)
				if err != nil {
					yield(EpochMetrics{}, fmt.Errorf("fit: epoch %d validation: %w", epoch, err))
					return
				}
				metrics.ValidationLoss = &vl
				metrics.ValidationAccuracy = &va
			}
			metrics.Elapsed = time.Since(start)
			if !yield(metrics, nil) {
				return
			}
		}
	}
}

func (m *Sequential) fitBatch(x, y *tensor.Tensor, rows []int) (float64, float64, error) {
	xb, err := x.Gather(rows)
	if err != nil {
		return 0, 0, err
	}
	defer xb.Release()
	yb, err := y.Gather(rows)
	if err != nil {
		return 0, 0, err
	}
	defer yb.Release()
	return m.trainBatch(xb, yb)
}
