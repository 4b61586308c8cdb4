package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// ONNXOptions locates an ONNX export of the classifier.
type ONNXOptions struct {
	ModelPath string
	// Library is the onnxruntime shared library. Empty uses the loader's
	// default search path.
	Library    string
	InputName  string
	OutputName string
	InputShape []int
}

var ortMu sync.Mutex

func initORT(library string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if library != "" {
		ort.SetSharedLibraryPath(library)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ONNXPredictor serves an ONNX model through onnxruntime. Every call
// allocates its own input and output tensors and destroys them before
// returning, so concurrent requests never share native buffers.
type ONNXPredictor struct {
	session    *ort.DynamicAdvancedSession
	inputShape []int
}

// NewONNXPredictor opens the model at opts.ModelPath.
func NewONNXPredictor(opts ONNXOptions) (*ONNXPredictor, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if len(opts.InputShape) != 3 {
		return nil, fmt.Errorf("onnx: input shape must be [h w c], got %v", opts.InputShape)
	}
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output"
	}
	if err := initORT(opts.Library); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXPredictor{session: session, inputShape: append([]int(nil), opts.InputShape...)}, nil
}

func (p *ONNXPredictor) InputShape() []int { return append([]int(nil), p.inputShape...) }

func (p *ONNXPredictor) Predict(ctx context.Context, x *tensor.Tensor) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	shape := x.Shape()
	if len(shape) != 4 || shape[0] != 1 || !tensor.SameShape(shape[1:], p.inputShape) {
		return 0, fmt.Errorf("onnx: input shape %v does not match [1 %v]", shape, p.inputShape)
	}
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	// onnxruntime reads the slice directly; copy so x stays caller-owned.
	input, err := ort.NewTensor(ort.NewShape(dims...), append([]float32(nil), x.Data()...))
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	return output.GetData()[0], nil
}

func (p *ONNXPredictor) Close() error {
	if p.session != nil {
		return p.session.Destroy()
	}
	return nil
}
