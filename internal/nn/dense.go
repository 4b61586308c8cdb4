package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Dense is a fully connected layer followed by an activation.
type Dense struct {
	layerBase
	Units  int
	act    activation
	nIn    int
	kernel *Param
	bias   *Param
}

// NewDense returns an unbuilt fully connected layer.
func NewDense(units int, activation string) (*Dense, error) {
	act, err := parseActivation(activation)
	if err != nil {
		return nil, err
	}
	if units <= 0 {
		return nil, fmt.Errorf("dense: units must be positive, got %d", units)
	}
	return &Dense{Units: units, act: act}, nil
}

type denseConfig struct {
	baseConfig
	Units      int    `json:"units"`
	Activation string `json:"activation"`
	UseBias    bool   `json:"use_bias"`
}

func denseFromConfig(data json.RawMessage) (Layer, error) {
	c := denseConfig{UseBias: true}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if !c.UseBias {
		return nil, errors.New("use_bias false is not supported")
	}
	l, err := NewDense(c.Units, c.Activation)
	if err != nil {
		return nil, err
	}
	if err := l.fromBaseConfig(c.baseConfig); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Dense) ClassName() string { return "Dense" }

func (l *Dense) Config() LayerConfig {
	return marshalConfig(l.ClassName(), denseConfig{
		baseConfig: l.baseConfig(),
		Units:      l.Units,
		Activation: string(l.act),
		UseBias:    true,
	})
}

func (l *Dense) String() string {
	return fmt.Sprintf("dense units=%d activation=%s", l.Units, l.act)
}

func (l *Dense) OutShape(in []int) ([]int, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("%s: expected flat input, got %v", l.name, in)
	}
	return []int{l.Units}, nil
}

func (l *Dense) build(in []int) error {
	if _, err := l.OutShape(in); err != nil {
		return err
	}
	l.nIn = in[0]
	l.kernel = newParam(l.name+"/kernel", l.nIn, l.Units)
	l.bias = newParam(l.name+"/bias", l.Units)
	return nil
}

func (l *Dense) initParams(rng *rand.Rand) {
	glorotUniform(rng, l.kernel.Value, l.nIn, l.Units)
	clear(l.bias.Value)
}

func (l *Dense) Params() []*Param {
	return []*Param{l.kernel, l.bias}
}

type denseCache struct {
	x, out *tensor.Tensor
}

func (l *Dense) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error) {
	if err := checkRank(x, 2, l.name); err != nil {
		return nil, nil, err
	}
	if x.Dim(1) != l.nIn {
		return nil, nil, fmt.Errorf("%s: expected %d inputs, got %d", l.name, l.nIn, x.Dim(1))
	}
	n := x.Dim(0)
	out := tensor.New(n, l.Units)
	tensor.MatMul(false, false, n, l.Units, l.nIn, x.Data(), l.kernel.Value, 0, out.Data())
	for i := 0; i < n; i++ {
		row := out.Row(i)
		for j, b := range l.bias.Value {
			row[j] += b
		}
	}
	l.act.apply(out.Data())
	if !training {
		return out, nil, nil
	}
	return out, denseCache{x: x, out: out}, nil
}

func (l *Dense) Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error) {
	c, ok := cache.(denseCache)
	if !ok {
		return nil, fmt.Errorf("%s: backward without a training forward pass", l.name)
	}
	n := c.x.Dim(0)
	l.act.grad(c.out.Data(), grad.Data())
	tensor.MatMul(true, false, l.nIn, l.Units, n, c.x.Data(), grad.Data(), 1, l.kernel.Grad)
	for i := 0; i < n; i++ {
		for j, v := range grad.Row(i) {
			l.bias.Grad[j] += v
		}
	}
	dx := tensor.New(n, l.nIn)
	tensor.MatMul(false, true, n, l.nIn, l.Units, grad.Data(), l.kernel.Value, 0, dx.Data())
	return dx, nil
}

// Flatten reshapes [n, h, w, c] to [n, h*w*c] in row-major order.
type Flatten struct {
	layerBase
}

// NewFlatten returns a flatten layer.
func NewFlatten() *Flatten {
	return &Flatten{}
}

func flattenFromConfig(data json.RawMessage) (Layer, error) {
	var c baseConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	l := NewFlatten()
	if err := l.fromBaseConfig(c); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Flatten) ClassName() string { return "Flatten" }

func (l *Flatten) Config() LayerConfig {
	return marshalConfig(l.ClassName(), l.baseConfig())
}

func (l *Flatten) String() string { return "flatten" }

func (l *Flatten) OutShape(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%s: empty input shape", l.name)
	}
	return []int{tensor.Prod(in)}, nil
}

func (l *Flatten) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error) {
	if x.Rank() < 2 {
		return nil, nil, fmt.Errorf("%s: expected batched input, got shape %v", l.name, x.Shape())
	}
	out, err := x.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if err := out.Reshape(x.Dim(0), x.RowSize()); err != nil {
		out.Release()
		return nil, nil, err
	}
	if !training {
		return out, nil, nil
	}
	return out, x.Shape(), nil
}

func (l *Flatten) Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error) {
	shape, ok := cache.([]int)
	if !ok {
		return nil, fmt.Errorf("%s: backward without a training forward pass", l.name)
	}
	dx, err := grad.Clone()
	if err != nil {
		return nil, err
	}
	if err := dx.Reshape(shape...); err != nil {
		dx.Release()
		return nil, err
	}
	return dx, nil
}

// Dropout zeroes a random fraction of its inputs while training and scales
// the rest by 1/(1-rate). At inference it is the identity.
type Dropout struct {
	layerBase
	Rate float64
}

// NewDropout returns a dropout layer with the given drop rate in [0, 1).
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout: rate must be in [0, 1), got %v", rate)
	}
	return &Dropout{Rate: rate}, nil
}

type dropoutConfig struct {
	baseConfig
	Rate float64 `json:"rate"`
}

func dropoutFromConfig(data json.RawMessage) (Layer, error) {
	var c dropoutConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	l, err := NewDropout(c.Rate)
	if err != nil {
		return nil, err
	}
	if err := l.fromBaseConfig(c.baseConfig); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Dropout) ClassName() string { return "Dropout" }

func (l *Dropout) Config() LayerConfig {
	return marshalConfig(l.ClassName(), dropoutConfig{baseConfig: l.baseConfig(), Rate: l.Rate})
}

func (l *Dropout) String() string { return fmt.Sprintf("dropout rate=%g", l.Rate) }

func (l *Dropout) OutShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (l *Dropout) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error) {
	out, err := x.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if !training || l.Rate == 0 {
		return out, nil, nil
	}
	if rng == nil {
		out.Release()
		return nil, nil, fmt.Errorf("%s: training forward pass needs a random source", l.name)
	}
	scale := float32(1 / (1 - l.Rate))
	mask := make([]float32, out.Len())
	for i := range mask {
		if rng.Float64() >= l.Rate {
			mask[i] = scale
		}
	}
	d := out.Data()
	for i, m := range mask {
		d[i] *= m
	}
	return out, mask, nil
}

func (l *Dropout) Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx, err := grad.Clone()
	if err != nil {
		return nil, err
	}
	if mask, ok := cache.([]float32); ok {
		d := dx.Data()
		for i, m := range mask {
			d[i] *= m
		}
	}
	return dx, nil
}
