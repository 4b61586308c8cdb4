// Package preprocess turns image files into normalised float32 tensors.
// Training and serving share it so both see identical pixels.
package preprocess

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

const (
	// DefaultSize is the edge length images are resized to.
	DefaultSize = 128
	// Channels is the number of colour channels kept.
	Channels = 3
	// DefaultMaxPixels bounds the declared width*height of an input.
	DefaultMaxPixels = 40_000_000
)

// ErrImageTooLarge is wrapped by a DecodeError when an image header declares
// more pixels than the preprocessor accepts.
var ErrImageTooLarge = errors.New("image too large")

// DecodeError reports an input that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Interpolation names a resampling filter.
type Interpolation string

const (
	Nearest  Interpolation = "nearest"
	Bilinear Interpolation = "bilinear"
	Bicubic  Interpolation = "bicubic"
	Lanczos3 Interpolation = "lanczos3"
)

func (i Interpolation) function() (resize.InterpolationFunction, error) {
	switch Interpolation(strings.ToLower(string(i))) {
	case Nearest:
		return resize.NearestNeighbor, nil
	case Bilinear, "":
		return resize.Bilinear, nil
	case Bicubic:
		return resize.Bicubic, nil
	case Lanczos3:
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", i)
	}
}

// Preprocessor resizes images to Size x Size, drops alpha and scales
// channels to [0, 1]. The zero value is not usable; call New.
type Preprocessor struct {
	size      int
	interp    resize.InterpolationFunction
	maxPixels int
}

// New returns a Preprocessor. A size of zero means DefaultSize.
func New(size int, interp Interpolation) (*Preprocessor, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < 1 {
		return nil, fmt.Errorf("preprocess: size must be positive, got %d", size)
	}
	fn, err := interp.function()
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return &Preprocessor{size: size, interp: fn, maxPixels: DefaultMaxPixels}, nil
}

// Default returns the 128x128 bilinear preprocessor.
func Default() *Preprocessor {
	return &Preprocessor{size: DefaultSize, interp: resize.Bilinear, maxPixels: DefaultMaxPixels}
}

// WithMaxPixels returns a copy that rejects images declaring more than n
// pixels. n <= 0 keeps DefaultMaxPixels.
func (p *Preprocessor) WithMaxPixels(n int) *Preprocessor {
	c := *p
	if n <= 0 {
		n = DefaultMaxPixels
	}
	c.maxPixels = n
	return &c
}

// Shape is the per-sample output shape [size, size, 3].
func (p *Preprocessor) Shape() []int {
	return []int{p.size, p.size, Channels}
}

// File decodes the image at path into a [size, size, 3] tensor.
func (p *Preprocessor) File(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()
	t, err := p.decode(bufio.NewReader(f))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return t, nil
}

// Reader is File for an already open stream.
func (p *Preprocessor) Reader(r io.Reader) (*tensor.Tensor, error) {
	t, err := p.decode(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return t, nil
}

// Batch is File with a leading batch dimension of one, ready for predict.
func (p *Preprocessor) Batch(path string) (*tensor.Tensor, error) {
	t, err := p.File(path)
	if err != nil {
		return nil, err
	}
	if err := t.Reshape(1, p.size, p.size, Channels); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

func (p *Preprocessor) decode(r io.Reader) (*tensor.Tensor, error) {
	// The header is checked before any pixel buffer is allocated.
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, err
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(p.maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, p.maxPixels)
	}
	img, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	resized := resize.Resize(uint(p.size), uint(p.size), img, p.interp)

	t := tensor.New(p.size, p.size, Channels)
	data := t.Data()
	rb := resized.Bounds()
	i := 0
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			c := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
			i += Channels
		}
	}
	return t, nil
}
