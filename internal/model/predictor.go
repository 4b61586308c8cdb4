package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Predictor scores single-item batches. Implementations are safe for
// concurrent use and never retain x or any buffer allocated for a call.
type Predictor interface {
	// Predict returns the sigmoid score for x, shaped [1, h, w, c].
	Predict(ctx context.Context, x *tensor.Tensor) (float32, error)
	InputShape() []int
	Close() error
}

// NativePredictor runs a model on the in-process engine.
type NativePredictor struct {
	model *nn.Sequential
}

// NewNativePredictor wraps m.
func NewNativePredictor(m *nn.Sequential) *NativePredictor {
	return &NativePredictor{model: m}
}

// Model returns the wrapped model.
func (p *NativePredictor) Model() *nn.Sequential { return p.model }

func (p *NativePredictor) InputShape() []int { return p.model.InputShape() }

func (p *NativePredictor) Predict(ctx context.Context, x *tensor.Tensor) (float32, error) {
	out, err := p.model.Predict(ctx, x)
	if err != nil {
		return 0, err
	}
	defer out.Release()
	if out.Len() != 1 {
		return 0, fmt.Errorf("predict: expected one score, got shape %v", out.Shape())
	}
	return out.Data()[0], nil
}

func (p *NativePredictor) Close() error { return nil }
