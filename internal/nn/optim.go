package nn

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Loss and metric names accepted by Compile.
const (
	LossBinaryCrossentropy = "binary_crossentropy"
	MetricAccuracy         = "accuracy"
)

const bceEpsilon = 1e-7

// binaryCrossentropy returns the mean loss over the batch and dL/dpred.
func binaryCrossentropy(pred, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if !tensor.SameShape(pred.Shape(), target.Shape()) {
		return 0, nil, fmt.Errorf("loss: prediction shape %v does not match target shape %v", pred.Shape(), target.Shape())
	}
	n := float64(pred.Len())
	grad := tensor.New(pred.Shape()...)
	p, y, g := pred.Data(), target.Data(), grad.Data()
	var sum float64
	for i := range p {
		pc := math.Min(math.Max(float64(p[i]), bceEpsilon), 1-bceEpsilon)
		yi := float64(y[i])
		sum -= yi*math.Log(pc) + (1-yi)*math.Log(1-pc)
		g[i] = float32((pc - yi) / (pc * (1 - pc)) / n)
	}
	return sum / n, grad, nil
}

// binaryAccuracy counts predictions above 0.5 that match a 1 target and
// predictions at or below 0.5 that match a 0 target.
func binaryAccuracy(pred, target *tensor.Tensor) float64 {
	p, y := pred.Data(), target.Data()
	var hits int
	for i := range p {
		if (p[i] > 0.5) == (y[i] > 0.5) {
			hits++
		}
	}
	return float64(hits) / float64(len(p))
}

// AdamConfig holds the Adam optimizer hyperparameters.
type AdamConfig struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta_1"`
	Beta2        float64 `json:"beta_2"`
	Epsilon      float64 `json:"epsilon"`
}

// DefaultAdam returns the usual Adam defaults.
func DefaultAdam() AdamConfig {
	return AdamConfig{LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

func (c AdamConfig) validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("adam: learning rate must be positive, got %v", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("adam: betas must be in [0, 1), got %v and %v", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("adam: epsilon must be positive, got %v", c.Epsilon)
	}
	return nil
}

type adam struct {
	AdamConfig
	step int
	m, v map[*Param][]float32
}

func newAdam(c AdamConfig) *adam {
	return &adam{AdamConfig: c, m: map[*Param][]float32{}, v: map[*Param][]float32{}}
}

func (a *adam) update(params []*Param) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float32, p.Size())
			a.m[p] = m
			a.v[p] = make([]float32, p.Size())
		}
		v := a.v[p]
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mh := float64(m[i]) / c1
			vh := float64(v[i]) / c2
			p.Value[i] -= float32(a.LearningRate * mh / (math.Sqrt(vh) + a.Epsilon))
		}
	}
}
