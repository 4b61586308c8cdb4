package training

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/snapcheck/internal/dataset"
	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Scorer scores one [1, h, w, c] batch.
type Scorer interface {
	Predict(ctx context.Context, x *tensor.Tensor) (float32, error)
}

// Evaluation is one sample's diagnostic result.
type Evaluation struct {
	SourceName string
	Score      float32
	Expected   int
	Predicted  int
}

// Match reports whether the prediction agrees with the label.
func (e Evaluation) Match() bool { return e.Expected == e.Predicted }

// Evaluate scores every sample of ds one at a time and labels it 1 when the
// score is at least threshold. It is a diagnostic over the data the model
// was trained on, not a held-out measurement.
func Evaluate(ctx context.Context, scorer Scorer, ds *dataset.Dataset, threshold float32) ([]Evaluation, error) {
	out := make([]Evaluation, 0, ds.Len())
	for i, s := range ds.Samples {
		score, err := scoreSample(ctx, scorer, ds, i)
		if err != nil {
			return out, fmt.Errorf("evaluate %s: %w", s.SourceName, err)
		}
		predicted := dataset.LabelIncorrect
		if model.Classify(score, threshold) == model.Correct {
			predicted = dataset.LabelCorrect
		}
		out = append(out, Evaluation{SourceName: s.SourceName, Score: score, Expected: s.Label, Predicted: predicted})
	}
	return out, nil
}

func scoreSample(ctx context.Context, scorer Scorer, ds *dataset.Dataset, i int) (float32, error) {
	x, err := ds.Input(i)
	if err != nil {
		return 0, err
	}
	defer x.Release()
	return scorer.Predict(ctx, x)
}

// Matches counts evaluations whose prediction agrees with the label.
func Matches(evals []Evaluation) int {
	n := 0
	for _, e := range evals {
		if e.Match() {
			n++
		}
	}
	return n
}
