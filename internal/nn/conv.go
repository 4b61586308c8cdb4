package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Conv2D is a 2D convolution with a square kernel, stride 1 and valid
// padding, followed by an activation.
type Conv2D struct {
	layerBase
	Filters    int
	KernelSize int
	act        activation
	inShape    []int
	kernel     *Param
	bias       *Param
}

// NewConv2D returns an unbuilt convolution layer.
func NewConv2D(filters, kernelSize int, activation string) (*Conv2D, error) {
	act, err := parseActivation(activation)
	if err != nil {
		return nil, err
	}
	if filters <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("conv2d: filters and kernel size must be positive, got %d and %d", filters, kernelSize)
	}
	return &Conv2D{Filters: filters, KernelSize: kernelSize, act: act}, nil
}

type conv2DConfig struct {
	baseConfig
	Filters    int    `json:"filters"`
	KernelSize []int  `json:"kernel_size"`
	Strides    []int  `json:"strides"`
	Padding    string `json:"padding"`
	DataFormat string `json:"data_format"`
	Activation string `json:"activation"`
	UseBias    bool   `json:"use_bias"`
}

func conv2DFromConfig(data json.RawMessage) (Layer, error) {
	c := conv2DConfig{UseBias: true}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.KernelSize) != 2 || c.KernelSize[0] != c.KernelSize[1] {
		return nil, fmt.Errorf("kernel_size %v: only square kernels are supported", c.KernelSize)
	}
	for _, s := range c.Strides {
		if s != 1 {
			return nil, fmt.Errorf("strides %v: only stride 1 is supported", c.Strides)
		}
	}
	if c.Padding != "" && c.Padding != "valid" {
		return nil, fmt.Errorf("padding %q: only valid padding is supported", c.Padding)
	}
	if c.DataFormat != "" && c.DataFormat != "channels_last" {
		return nil, fmt.Errorf("data_format %q: only channels_last is supported", c.DataFormat)
	}
	if !c.UseBias {
		return nil, errors.New("use_bias false is not supported")
	}
	l, err := NewConv2D(c.Filters, c.KernelSize[0], c.Activation)
	if err != nil {
		return nil, err
	}
	if err := l.fromBaseConfig(c.baseConfig); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Conv2D) ClassName() string { return "Conv2D" }

func (l *Conv2D) Config() LayerConfig {
	return marshalConfig(l.ClassName(), conv2DConfig{
		baseConfig: l.baseConfig(),
		Filters:    l.Filters,
		KernelSize: []int{l.KernelSize, l.KernelSize},
		Strides:    []int{1, 1},
		Padding:    "valid",
		DataFormat: "channels_last",
		Activation: string(l.act),
		UseBias:    true,
	})
}

func (l *Conv2D) String() string {
	return fmt.Sprintf("conv2d filters=%d kernel=%d activation=%s", l.Filters, l.KernelSize, l.act)
}

func (l *Conv2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: expected [h w c] input, got %v", l.name, in)
	}
	oh, ow := in[0]-l.KernelSize+1, in[1]-l.KernelSize+1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %v smaller than kernel %d", l.name, in, l.KernelSize)
	}
	return []int{oh, ow, l.Filters}, nil
}

func (l *Conv2D) build(in []int) error {
	if _, err := l.OutShape(in); err != nil {
		return err
	}
	l.inShape = append([]int(nil), in...)
	l.kernel = newParam(l.name+"/kernel", l.KernelSize, l.KernelSize, in[2], l.Filters)
	l.bias = newParam(l.name+"/bias", l.Filters)
	return nil
}

func (l *Conv2D) initParams(rng *rand.Rand) {
	area := l.KernelSize * l.KernelSize
	glorotUniform(rng, l.kernel.Value, area*l.inShape[2], area*l.Filters)
	clear(l.bias.Value)
}

func (l *Conv2D) Params() []*Param {
	return []*Param{l.kernel, l.bias}
}

type convCache struct {
	x, out *tensor.Tensor
}

func (l *Conv2D) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error) {
	if err := checkRank(x, 4, l.name); err != nil {
		return nil, nil, err
	}
	in := x.Shape()[1:]
	if !tensor.SameShape(in, l.inShape) {
		return nil, nil, fmt.Errorf("%s: expected input %v, got %v", l.name, l.inShape, in)
	}
	n := x.Dim(0)
	oh, ow := in[0]-l.KernelSize+1, in[1]-l.KernelSize+1
	p, k := oh*ow, l.KernelSize*l.KernelSize*in[2]

	out := tensor.New(n, oh, ow, l.Filters)
	col := tensor.New(p, k)
	defer col.Release()
	for i := 0; i < n; i++ {
		im2col(x.Row(i), in, l.KernelSize, col.Data())
		dst := out.Row(i)
		tensor.MatMul(false, false, p, l.Filters, k, col.Data(), l.kernel.Value, 0, dst)
		for j := 0; j < p; j++ {
			row := dst[j*l.Filters : (j+1)*l.Filters]
			for f, b := range l.bias.Value {
				row[f] += b
			}
		}
	}
	l.act.apply(out.Data())
	if !training {
		return out, nil, nil
	}
	return out, convCache{x: x, out: out}, nil
}

func (l *Conv2D) Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error) {
	c, ok := cache.(convCache)
	if !ok {
		return nil, fmt.Errorf("%s: backward without a training forward pass", l.name)
	}
	in := l.inShape
	n := c.x.Dim(0)
	oh, ow := in[0]-l.KernelSize+1, in[1]-l.KernelSize+1
	p, k := oh*ow, l.KernelSize*l.KernelSize*in[2]

	l.act.grad(c.out.Data(), grad.Data())

	dx := tensor.New(c.x.Shape()...)
	col := tensor.New(p, k)
	dcol := tensor.New(p, k)
	defer tensor.ReleaseAll(col, dcol)
	for i := 0; i < n; i++ {
		g := grad.Row(i)
		im2col(c.x.Row(i), in, l.KernelSize, col.Data())
		tensor.MatMul(true, false, k, l.Filters, p, col.Data(), g, 1, l.kernel.Grad)
		for j := 0; j < p; j++ {
			row := g[j*l.Filters : (j+1)*l.Filters]
			for f, v := range row {
				l.bias.Grad[f] += v
			}
		}
		tensor.MatMul(false, true, p, k, l.Filters, g, l.kernel.Value, 0, dcol.Data())
		col2im(dcol.Data(), in, l.KernelSize, dx.Row(i))
	}
	return dx, nil
}

// im2col unrolls every kernel-sized patch of one HWC image into a row of
// col, ordered (ky, kx, channel) to match the kernel layout.
func im2col(src []float32, in []int, size int, col []float32) {
	h, w, ch := in[0], in[1], in[2]
	oh, ow := h-size+1, w-size+1
	k := size * size * ch
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := col[(oy*ow+ox)*k:]
			for ky := 0; ky < size; ky++ {
				s := ((oy+ky)*w + ox) * ch
				copy(row[ky*size*ch:(ky+1)*size*ch], src[s:s+size*ch])
			}
		}
	}
}

// col2im is the adjoint of im2col: it accumulates patch gradients back
// into the image gradient.
func col2im(col []float32, in []int, size int, dst []float32) {
	h, w, ch := in[0], in[1], in[2]
	oh, ow := h-size+1, w-size+1
	k := size * size * ch
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := col[(oy*ow+ox)*k:]
			for ky := 0; ky < size; ky++ {
				d := dst[((oy+ky)*w+ox)*ch:]
				r := row[ky*size*ch : (ky+1)*size*ch]
				for j, v := range r {
					d[j] += v
				}
			}
		}
	}
}
