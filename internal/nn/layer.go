// Package nn contains a small sequential layer engine: layer construction,
// compilation with a loss and optimizer, batched training and prediction.
//
// Activations are laid out NHWC. Parameters use the same layouts as Keras
// layers models (conv kernels [kh, kw, in, out], dense kernels [in, out]) so
// that a model's weights can be written and read back as one flat buffer in
// declaration order.
package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Layer is one stage of a Sequential model. Shapes passed to OutShape
// exclude the batch dimension.
//
// Forward must not modify the layer. With training false it must not use
// rng. The returned cache is handed back to Backward unchanged.
type Layer interface {
	Name() string
	ClassName() string
	OutShape(in []int) ([]int, error)
	Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error)
	Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error)
	Config() LayerConfig
	setName(name string)
	setInputShape(in []int)
	declaredInput() []int
}

// ParamLayer is a layer with learned parameters.
type ParamLayer interface {
	Layer
	build(in []int) error
	Params() []*Param
	initParams(rng *rand.Rand)
}

// Param is a learned parameter together with its gradient accumulator.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := tensor.Prod(shape)
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Size returns the number of elements.
func (p *Param) Size() int {
	return len(p.Value)
}

// LayerConfig is the serialised form of one layer.
type LayerConfig struct {
	ClassName string          `json:"class_name"`
	Config    json.RawMessage `json:"config"`
}

func (l LayerConfig) String() string {
	return fmt.Sprintf("%s %s", l.ClassName, l.Config)
}

// LayerFromConfig constructs an unbuilt layer from its serialised form.
func LayerFromConfig(lc LayerConfig) (Layer, error) {
	var layer Layer
	var err error
	switch lc.ClassName {
	case "Conv2D":
		layer, err = conv2DFromConfig(lc.Config)
	case "MaxPooling2D":
		layer, err = maxPoolFromConfig(lc.Config)
	case "Flatten":
		layer, err = flattenFromConfig(lc.Config)
	case "Dropout":
		layer, err = dropoutFromConfig(lc.Config)
	case "Dense":
		layer, err = denseFromConfig(lc.Config)
	default:
		return nil, fmt.Errorf("unsupported layer class %q", lc.ClassName)
	}
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", lc.ClassName, err)
	}
	return layer, nil
}

// base fields shared by every layer config
type baseConfig struct {
	Name            string `json:"name"`
	Trainable       bool   `json:"trainable"`
	BatchInputShape []*int `json:"batch_input_shape,omitempty"`
	DType           string `json:"dtype,omitempty"`
}

// layerBase holds the name and, for the first layer of a model, the
// declared per-sample input shape.
type layerBase struct {
	name       string
	inputShape []int
}

func (l *layerBase) Name() string { return l.name }

func (l *layerBase) setName(name string) { l.name = name }

func (l *layerBase) setInputShape(in []int) { l.inputShape = append([]int(nil), in...) }

func (l *layerBase) declaredInput() []int { return l.inputShape }

func (l *layerBase) baseConfig() baseConfig {
	c := baseConfig{Name: l.name, Trainable: true, DType: "float32"}
	if l.inputShape != nil {
		c.BatchInputShape = batchInputShape(l.inputShape)
	}
	return c
}

func (l *layerBase) fromBaseConfig(c baseConfig) error {
	l.name = c.Name
	if len(c.BatchInputShape) == 0 {
		return nil
	}
	if len(c.BatchInputShape) < 2 {
		return fmt.Errorf("batch_input_shape %d dims too short", len(c.BatchInputShape))
	}
	in := make([]int, 0, len(c.BatchInputShape)-1)
	for _, d := range c.BatchInputShape[1:] {
		if d == nil || *d <= 0 {
			return fmt.Errorf("batch_input_shape must be fully specified after the batch axis")
		}
		in = append(in, *d)
	}
	l.inputShape = in
	return nil
}

func marshalConfig(className string, v any) LayerConfig {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return LayerConfig{ClassName: className, Config: data}
}

// activation functions applied in place on a layer's output

type activation string

const (
	actLinear  activation = "linear"
	actRelu    activation = "relu"
	actSigmoid activation = "sigmoid"
)

func parseActivation(s string) (activation, error) {
	switch activation(s) {
	case actLinear, "":
		return actLinear, nil
	case actRelu, actSigmoid:
		return activation(s), nil
	}
	return "", fmt.Errorf("unsupported activation %q", s)
}

func (a activation) apply(v []float32) {
	switch a {
	case actRelu:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case actSigmoid:
		for i, x := range v {
			v[i] = float32(1 / (1 + math.Exp(-float64(x))))
		}
	}
}

// grad multiplies grad in place by the derivative of the activation, given
// the activation's output.
func (a activation) grad(out, grad []float32) {
	switch a {
	case actRelu:
		for i, y := range out {
			if y <= 0 {
				grad[i] = 0
			}
		}
	case actSigmoid:
		for i, y := range out {
			grad[i] *= y * (1 - y)
		}
	}
}

// glorotUniform fills w with values drawn from U(-limit, limit) where
// limit = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(rng *rand.Rand, w []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

func intPtr(v int) *int { return &v }

func batchInputShape(in []int) []*int {
	s := []*int{nil}
	for _, d := range in {
		s = append(s, intPtr(d))
	}
	return s
}

func checkRank(x *tensor.Tensor, rank int, layer string) error {
	if x.Released() {
		return fmt.Errorf("%s: %w", layer, tensor.ErrReleased)
	}
	if x.Rank() != rank {
		return fmt.Errorf("%s: expected rank %d input, got shape %v", layer, rank, x.Shape())
	}
	return nil
}
