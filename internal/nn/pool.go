package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// MaxPooling2D takes the maximum over non-overlapping square windows with
// valid padding. Trailing rows and columns that do not fill a window are
// dropped.
type MaxPooling2D struct {
	layerBase
	PoolSize int
}

// NewMaxPooling2D returns a pooling layer whose stride equals its window.
func NewMaxPooling2D(size int) (*MaxPooling2D, error) {
	if size <= 0 {
		return nil, fmt.Errorf("max_pooling2d: pool size must be positive, got %d", size)
	}
	return &MaxPooling2D{PoolSize: size}, nil
}

type maxPoolConfig struct {
	baseConfig
	PoolSize   []int  `json:"pool_size"`
	Strides    []int  `json:"strides"`
	Padding    string `json:"padding"`
	DataFormat string `json:"data_format"`
}

func maxPoolFromConfig(data json.RawMessage) (Layer, error) {
	var c maxPoolConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.PoolSize) != 2 || c.PoolSize[0] != c.PoolSize[1] {
		return nil, fmt.Errorf("pool_size %v: only square windows are supported", c.PoolSize)
	}
	for _, s := range c.Strides {
		if s != c.PoolSize[0] {
			return nil, fmt.Errorf("strides %v: stride must equal pool size", c.Strides)
		}
	}
	if c.Padding != "" && c.Padding != "valid" {
		return nil, fmt.Errorf("padding %q: only valid padding is supported", c.Padding)
	}
	l, err := NewMaxPooling2D(c.PoolSize[0])
	if err != nil {
		return nil, err
	}
	if err := l.fromBaseConfig(c.baseConfig); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *MaxPooling2D) ClassName() string { return "MaxPooling2D" }

func (l *MaxPooling2D) Config() LayerConfig {
	return marshalConfig(l.ClassName(), maxPoolConfig{
		baseConfig: l.baseConfig(),
		PoolSize:   []int{l.PoolSize, l.PoolSize},
		Strides:    []int{l.PoolSize, l.PoolSize},
		Padding:    "valid",
		DataFormat: "channels_last",
	})
}

func (l *MaxPooling2D) String() string {
	return fmt.Sprintf("max_pooling2d size=%d", l.PoolSize)
}

func (l *MaxPooling2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: expected [h w c] input, got %v", l.name, in)
	}
	oh, ow := in[0]/l.PoolSize, in[1]/l.PoolSize
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%s: input %v smaller than pool size %d", l.name, in, l.PoolSize)
	}
	return []int{oh, ow, in[2]}, nil
}

type poolCache struct {
	inShape []int
	argmax  []int32
}

func (l *MaxPooling2D) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, any, error) {
	if err := checkRank(x, 4, l.name); err != nil {
		return nil, nil, err
	}
	in := x.Shape()[1:]
	shape, err := l.OutShape(in)
	if err != nil {
		return nil, nil, err
	}
	n := x.Dim(0)
	h, w, ch := in[0], in[1], in[2]
	oh, ow := shape[0], shape[1]
	s := l.PoolSize

	out := tensor.New(n, oh, ow, ch)
	var argmax []int32
	if training {
		argmax = make([]int32, out.Len())
	}
	src, dst := x.Data(), out.Data()
	for i := 0; i < n; i++ {
		base := i * h * w * ch
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				for c := 0; c < ch; c++ {
					best := float32(math.Inf(-1))
					bestIdx := 0
					for ky := 0; ky < s; ky++ {
						for kx := 0; kx < s; kx++ {
							idx := base + ((oy*s+ky)*w+ox*s+kx)*ch + c
							if v := src[idx]; v > best {
								best, bestIdx = v, idx
							}
						}
					}
					o := ((i*oh+oy)*ow+ox)*ch + c
					dst[o] = best
					if argmax != nil {
						argmax[o] = int32(bestIdx)
					}
				}
			}
		}
	}
	if !training {
		return out, nil, nil
	}
	return out, poolCache{inShape: x.Shape(), argmax: argmax}, nil
}

func (l *MaxPooling2D) Backward(cache any, grad *tensor.Tensor) (*tensor.Tensor, error) {
	c, ok := cache.(poolCache)
	if !ok {
		return nil, fmt.Errorf("%s: backward without a training forward pass", l.name)
	}
	dx := tensor.New(c.inShape...)
	d := dx.Data()
	for o, g := range grad.Data() {
		d[c.argmax[o]] += g
	}
	return dx, nil
}
