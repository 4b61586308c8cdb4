package model

import (
	"fmt"

	"github.com/Brownie44l1/snapcheck/internal/nn"
)

// Architecture selects between the two variants of the classifier network.
type Architecture struct {
	// Regularized inserts dropout before and after the hidden dense layer.
	Regularized bool
	// Seed seeds weight initialisation. Zero uses the clock.
	Seed int64
	// LearningRate overrides the Adam default when positive.
	LearningRate float64
}

// Named architectures.
const (
	ArchMinimal     = "minimal"
	ArchRegularized = "regularized"
)

// ArchitectureByName resolves a named variant.
func ArchitectureByName(name string) (Architecture, error) {
	switch name {
	case ArchMinimal:
		return Architecture{}, nil
	case ArchRegularized, "":
		return Architecture{Regularized: true}, nil
	default:
		return Architecture{}, fmt.Errorf("unknown architecture %q", name)
	}
}

// BuildModel constructs and compiles the classifier for per-sample inputs
// of inputShape ([height, width, channels]):
//
//	Conv2D(16, 3, relu) MaxPool(2) Conv2D(32, 3, relu) MaxPool(2) Flatten
//	[Dropout(0.3)] Dense(64, relu) [Dropout(0.2)] Dense(1, sigmoid)
func BuildModel(inputShape []int, arch Architecture) (*nn.Sequential, error) {
	if len(inputShape) != 3 {
		return nil, fmt.Errorf("build model: input shape must be [h w c], got %v", inputShape)
	}
	conv1, err := nn.NewConv2D(16, 3, "relu")
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	pool1, _ := nn.NewMaxPooling2D(2)
	conv2, err := nn.NewConv2D(32, 3, "relu")
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	pool2, _ := nn.NewMaxPooling2D(2)
	hidden, err := nn.NewDense(64, "relu")
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	out, err := nn.NewDense(1, "sigmoid")
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	layers := []nn.Layer{conv1, pool1, conv2, pool2, nn.NewFlatten()}
	if arch.Regularized {
		d1, _ := nn.NewDropout(0.3)
		d2, _ := nn.NewDropout(0.2)
		layers = append(layers, d1, hidden, d2, out)
	} else {
		layers = append(layers, hidden, out)
	}

	m, err := nn.NewSequential("snapcheck", inputShape, layers...)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	opt := nn.DefaultAdam()
	if arch.LearningRate > 0 {
		opt.LearningRate = arch.LearningRate
	}
	if err := m.Compile(nn.CompileConfig{
		Loss:      nn.LossBinaryCrossentropy,
		Optimizer: opt,
		Metrics:   []string{nn.MetricAccuracy},
	}); err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	m.InitWeights(arch.Seed)
	return m, nil
}
