package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Predictor backends.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// Loader produces a Predictor from its configured backend and publishes it
// to a Slot.
type Loader struct {
	Backend string
	// Source supplies the bundle for the native backend.
	Source Source
	// ONNX configures the onnx backend.
	ONNX ONNXOptions
	// InputShape, when set, is the per-sample shape requests will carry. A
	// model expecting anything else fails to load.
	InputShape []int
	Logger     *zap.Logger
}

// ShapeMismatchError reports a model whose input shape differs from the
// shape requests are preprocessed to.
type ShapeMismatchError struct {
	Model, Want []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("load model: model input shape %v does not match preprocessed shape %v", e.Model, e.Want)
}

// Load builds a predictor without touching any Slot.
func (l *Loader) Load(ctx context.Context) (Predictor, error) {
	p, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if l.InputShape != nil && !slices.Equal(p.InputShape(), l.InputShape) {
		mismatch := &ShapeMismatchError{Model: p.InputShape(), Want: slices.Clone(l.InputShape)}
		if cerr := p.Close(); cerr != nil {
			return nil, errors.Join(mismatch, cerr)
		}
		return nil, mismatch
	}
	return p, nil
}

func (l *Loader) load(ctx context.Context) (Predictor, error) {
	switch l.Backend {
	case BackendNative, "":
		if l.Source == nil {
			return nil, errors.New("load model: no bundle source")
		}
		b, err := l.Source.Load(ctx)
		if err != nil {
			return nil, err
		}
		m, err := Deserialize(b)
		if err != nil {
			return nil, err
		}
		return NewNativePredictor(m), nil
	case BackendONNX:
		return NewONNXPredictor(l.ONNX)
	default:
		return nil, fmt.Errorf("load model: unknown backend %q", l.Backend)
	}
}

// Run moves slot through LOADING to READY or FAILED. It returns the load
// error, which callers log; it is never fatal to the process.
func (l *Loader) Run(ctx context.Context, slot *Slot) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !slot.Begin() {
		return errors.New("load model: already started")
	}
	start := time.Now()
	logger.Info("loading model", zap.String("backend", l.backendName()), zap.String("source", l.describe()))
	p, err := l.Load(ctx)
	if err != nil {
		slot.Fail(err)
		logger.Error("model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	slot.Ready(p)
	logger.Info("model ready", zap.Duration("elapsed", time.Since(start)), zap.Ints("input_shape", p.InputShape()))
	return nil
}

func (l *Loader) backendName() string {
	if l.Backend == "" {
		return BackendNative
	}
	return l.Backend
}

func (l *Loader) describe() string {
	switch {
	case l.Backend == BackendONNX:
		return "onnx:" + l.ONNX.ModelPath
	case l.Source == nil:
		return "none"
	default:
		return l.Source.String()
	}
}
