package nn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// ErrNotCompiled is returned by training calls on a model without a loss
// and optimizer.
var ErrNotCompiled = errors.New("model is not compiled")

// CompileConfig selects the loss, optimizer and metrics used for training.
type CompileConfig struct {
	Loss      string
	Optimizer AdamConfig
	Metrics   []string
}

// Sequential is a linear stack of layers.
//
// Predict and Evaluate only read parameters and may run concurrently.
// Fit updates parameters and must not overlap with any other call.
type Sequential struct {
	name       string
	inputShape []int
	layers     []Layer
	compiled   *CompileConfig
	optimizer  *adam

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSequential names and builds the given layers for per-sample inputs of
// inputShape. Parameters are zero until InitWeights or SetWeights.
func NewSequential(name string, inputShape []int, layers ...Layer) (*Sequential, error) {
	if len(layers) == 0 {
		return nil, errors.New("sequential: no layers")
	}
	for _, d := range inputShape {
		if d <= 0 {
			return nil, fmt.Errorf("sequential: invalid input shape %v", inputShape)
		}
	}
	m := &Sequential{
		name:       name,
		inputShape: append([]int(nil), inputShape...),
		layers:     layers,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	counts := map[string]int{}
	shape := m.inputShape
	for i, l := range layers {
		if l.Name() == "" {
			prefix := layerPrefix(l.ClassName())
			counts[prefix]++
			l.setName(fmt.Sprintf("%s_%d", prefix, counts[prefix]))
		}
		if i == 0 {
			l.setInputShape(shape)
		}
		if p, ok := l.(ParamLayer); ok {
			if err := p.build(shape); err != nil {
				return nil, fmt.Errorf("sequential: build %s: %w", l.Name(), err)
			}
		}
		next, err := l.OutShape(shape)
		if err != nil {
			return nil, fmt.Errorf("sequential: %w", err)
		}
		shape = next
	}
	return m, nil
}

func layerPrefix(className string) string {
	switch className {
	case "Conv2D":
		return "conv2d"
	case "MaxPooling2D":
		return "max_pooling2d"
	default:
		return strings.ToLower(className)
	}
}

// Name returns the model name.
func (m *Sequential) Name() string { return m.name }

// InputShape returns the per-sample input shape.
func (m *Sequential) InputShape() []int { return append([]int(nil), m.inputShape...) }

// Layers returns the model's layers in declaration order.
func (m *Sequential) Layers() []Layer { return m.layers }

// Compiled returns the compile configuration, or nil.
func (m *Sequential) Compiled() *CompileConfig { return m.compiled }

// OutputShape returns the per-sample output shape.
func (m *Sequential) OutputShape() []int {
	shape := m.inputShape
	for _, l := range m.layers {
		shape, _ = l.OutShape(shape)
	}
	return shape
}

// Params returns every learned parameter in declaration order: layer by
// layer, kernel before bias.
func (m *Sequential) Params() []*Param {
	var ps []*Param
	for _, l := range m.layers {
		if p, ok := l.(ParamLayer); ok {
			ps = append(ps, p.Params()...)
		}
	}
	return ps
}

// InitWeights draws fresh parameters. A seed of zero uses the clock.
func (m *Sequential) InitWeights(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m.rng = rand.New(rand.NewSource(seed))
	for _, l := range m.layers {
		if p, ok := l.(ParamLayer); ok {
			p.initParams(m.rng)
		}
	}
}

// SetWeights copies values into the parameters in declaration order.
func (m *Sequential) SetWeights(values [][]float32) error {
	params := m.Params()
	if len(values) != len(params) {
		return fmt.Errorf("set weights: got %d arrays, model has %d parameters", len(values), len(params))
	}
	for i, p := range params {
		if len(values[i]) != p.Size() {
			return fmt.Errorf("set weights: %s expects %d values, got %d", p.Name, p.Size(), len(values[i]))
		}
	}
	for i, p := range params {
		copy(p.Value, values[i])
	}
	return nil
}

// Compile attaches a loss, optimizer and metrics.
func (m *Sequential) Compile(c CompileConfig) error {
	switch c.Loss {
	case LossBinaryCrossentropy, "binaryCrossentropy":
		c.Loss = LossBinaryCrossentropy
	default:
		return fmt.Errorf("compile: unsupported loss %q", c.Loss)
	}
	for _, metric := range c.Metrics {
		if metric != MetricAccuracy && metric != "acc" {
			return fmt.Errorf("compile: unsupported metric %q", metric)
		}
	}
	if err := c.Optimizer.validate(); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if out := m.OutputShape(); len(out) != 1 || out[0] != 1 {
		return fmt.Errorf("compile: binary cross-entropy needs a single output unit, model outputs %v", out)
	}
	m.compiled = &c
	m.optimizer = newAdam(c.Optimizer)
	return nil
}

func (m *Sequential) checkInput(x *tensor.Tensor) error {
	if x == nil || x.Released() {
		return fmt.Errorf("input: %w", tensor.ErrReleased)
	}
	shape := x.Shape()
	if len(shape) != len(m.inputShape)+1 || !tensor.SameShape(shape[1:], m.inputShape) {
		return fmt.Errorf("input shape %v does not match model input [batch %v]", shape, m.inputShape)
	}
	return nil
}

// Predict runs a forward pass on a batch. The returned tensor belongs to
// the caller; every intermediate buffer is released before return.
func (m *Sequential) Predict(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	cur := x
	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			if cur != x {
				cur.Release()
			}
			return nil, err
		}
		out, _, err := l.Forward(cur, false, nil)
		if cur != x {
			cur.Release()
		}
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

type tapeEntry struct {
	layer Layer
	out   *tensor.Tensor
	cache any
}

// trainBatch runs one forward/backward pass and optimizer step.
func (m *Sequential) trainBatch(x, y *tensor.Tensor) (loss, acc float64, err error) {
	loss, acc, err = m.backprop(x, y)
	if err != nil {
		return 0, 0, err
	}
	m.optimizer.update(m.Params())
	return loss, acc, nil
}

// backprop fills every parameter's gradient for one batch. Every buffer it
// allocates is released before it returns.
func (m *Sequential) backprop(x, y *tensor.Tensor) (loss, acc float64, err error) {
	tape := make([]tapeEntry, 0, len(m.layers))
	defer func() {
		for _, e := range tape {
			e.out.Release()
		}
	}()

	cur := x
	for _, l := range m.layers {
		out, cache, ferr := l.Forward(cur, true, m.rng)
		if ferr != nil {
			return 0, 0, ferr
		}
		tape = append(tape, tapeEntry{layer: l, out: out, cache: cache})
		cur = out
	}

	loss, grad, err := binaryCrossentropy(cur, y)
	if err != nil {
		return 0, 0, err
	}
	acc = binaryAccuracy(cur, y)

	for _, p := range m.Params() {
		clear(p.Grad)
	}
	for i := len(tape) - 1; i >= 0; i-- {
		next, berr := tape[i].layer.Backward(tape[i].cache, grad)
		grad.Release()
		if berr != nil {
			return 0, 0, berr
		}
		grad = next
	}
	grad.Release()
	return loss, acc, nil
}

// Evaluate returns the mean loss and accuracy over x in batches.
func (m *Sequential) Evaluate(ctx context.Context, x, y *tensor.Tensor, batchSize int) (loss, acc float64, err error) {
	if m.compiled == nil {
		return 0, 0, ErrNotCompiled
	}
	if err := m.checkInput(x); err != nil {
		return 0, 0, err
	}
	rows := make([]int, x.Dim(0))
	for i := range rows {
		rows[i] = i
	}
	return m.evaluateRows(ctx, x, y, rows, batchSize)
}

func (m *Sequential) evaluateRows(ctx context.Context, x, y *tensor.Tensor, rows []int, batchSize int) (float64, float64, error) {
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	var lossSum, accSum float64
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		xb, err := x.Gather(rows[start:end])
		if err != nil {
			return 0, 0, err
		}
		yb, err := y.Gather(rows[start:end])
		if err != nil {
			xb.Release()
			return 0, 0, err
		}
		pred, err := m.Predict(ctx, xb)
		xb.Release()
		if err != nil {
			yb.Release()
			return 0, 0, err
		}
		l, grad, err := binaryCrossentropy(pred, yb)
		if err == nil {
			grad.Release()
			lossSum += l * float64(end-start)
			accSum += binaryAccuracy(pred, yb) * float64(end-start)
		}
		tensor.ReleaseAll(pred, yb)
		if err != nil {
			return 0, 0, err
		}
	}
	n := float64(len(rows))
	return lossSum / n, accSum / n, nil
}

// Summary renders one line per layer with its output shape and parameter
// count.
func (m *Sequential) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model %q input %v\n", m.name, m.inputShape)
	shape := m.inputShape
	total := 0
	for _, l := range m.layers {
		shape, _ = l.OutShape(shape)
		count := 0
		if p, ok := l.(ParamLayer); ok {
			for _, param := range p.Params() {
				count += param.Size()
			}
		}
		total += count
		fmt.Fprintf(&b, "  %-18s %-14s %-16v %d\n", l.Name(), l.ClassName(), shape, count)
	}
	fmt.Fprintf(&b, "  total params: %d", total)
	return b.String()
}
