// Package dataset assembles labeled image directories into batched training
// tensors.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/snapcheck/internal/preprocess"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// Labels used for the two classes.
const (
	LabelCorrect   = 1
	LabelIncorrect = 0
)

// EmptyDatasetError is returned when neither directory yielded a usable
// image.
type EmptyDatasetError struct {
	CorrectDir   string
	IncorrectDir string
}

func (e *EmptyDatasetError) Error() string {
	return fmt.Sprintf("no decodable images in %s or %s", e.CorrectDir, e.IncorrectDir)
}

// Sample is one decoded image. Tensor is nil once the sample has been
// folded into a Dataset; Row then indexes Dataset.Inputs.
type Sample struct {
	Tensor     *tensor.Tensor
	Label      int
	SourceName string
	Row        int
}

// Dataset holds inputs [N, H, W, C] and targets [N, 1] in sample order.
type Dataset struct {
	Inputs  *tensor.Tensor
	Targets *tensor.Tensor
	Samples []Sample
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Samples) }

// Input returns a fresh [1, H, W, C] copy of sample i. The caller releases
// it.
func (d *Dataset) Input(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(d.Samples) {
		return nil, fmt.Errorf("dataset: sample %d out of range [0, %d)", i, len(d.Samples))
	}
	return d.Inputs.Gather([]int{i})
}

// Counts returns the number of label 1 and label 0 samples.
func (d *Dataset) Counts() (correct, incorrect int) {
	for _, s := range d.Samples {
		if s.Label == LabelCorrect {
			correct++
		} else {
			incorrect++
		}
	}
	return correct, incorrect
}

// Release frees the batched arrays.
func (d *Dataset) Release() {
	tensor.ReleaseAll(d.Inputs, d.Targets)
}

// Assembler loads labeled directories through a Preprocessor.
type Assembler struct {
	pre         *preprocess.Preprocessor
	logger      *zap.Logger
	concurrency int
}

// NewAssembler returns an Assembler decoding up to concurrency files at a
// time. Zero means GOMAXPROCS.
func NewAssembler(pre *preprocess.Preprocessor, concurrency int, logger *zap.Logger) *Assembler {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{pre: pre, logger: logger.Named("dataset"), concurrency: concurrency}
}

// LoadLabeledDirectory decodes every regular file directly inside dir in
// lexical name order. Files that fail to decode are logged and skipped.
func (a *Assembler) LoadLabeledDirectory(ctx context.Context, dir string, label int) ([]Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			a.logger.Debug("skipping subdirectory", zap.String("dir", dir), zap.String("name", e.Name()))
			continue
		}
		names = append(names, e.Name())
	}

	decoded := make([]*tensor.Tensor, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, name)
			t, err := a.pre.File(path)
			if err != nil {
				var de *preprocess.DecodeError
				if errors.As(err, &de) {
					a.logger.Warn("skipping undecodable file", zap.String("path", path), zap.Error(de.Err))
					return nil
				}
				return err
			}
			decoded[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tensor.ReleaseAll(decoded...)
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}

	samples := make([]Sample, 0, len(names))
	for i, t := range decoded {
		if t == nil {
			continue
		}
		samples = append(samples, Sample{Tensor: t, Label: label, SourceName: names[i]})
	}
	a.logger.Info("loaded directory", zap.String("dir", dir), zap.Int("label", label),
		zap.Int("files", len(names)), zap.Int("samples", len(samples)))
	return samples, nil
}

// Assemble loads correctDir as label 1 followed by incorrectDir as label 0
// and stacks them into one Dataset. Per-sample tensors are released once
// stacked.
func (a *Assembler) Assemble(ctx context.Context, correctDir, incorrectDir string) (*Dataset, error) {
	correct, err := a.LoadLabeledDirectory(ctx, correctDir, LabelCorrect)
	if err != nil {
		return nil, err
	}
	incorrect, err := a.LoadLabeledDirectory(ctx, incorrectDir, LabelIncorrect)
	if err != nil {
		releaseSamples(correct)
		return nil, err
	}
	samples := append(correct, incorrect...)
	defer releaseSamples(samples)
	if len(samples) == 0 {
		return nil, &EmptyDatasetError{CorrectDir: correctDir, IncorrectDir: incorrectDir}
	}
	return FromSamples(samples)
}

// FromSamples stacks samples in order. It does not release them.
func FromSamples(samples []Sample) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("dataset: no samples")
	}
	ts := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		ts[i] = s.Tensor
	}
	inputs, err := tensor.Stack(ts)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	targets := tensor.New(len(samples), 1)
	kept := make([]Sample, len(samples))
	for i, s := range samples {
		targets.Data()[i] = float32(s.Label)
		kept[i] = Sample{Label: s.Label, SourceName: s.SourceName, Row: i}
	}
	return &Dataset{Inputs: inputs, Targets: targets, Samples: kept}, nil
}

func releaseSamples(samples []Sample) {
	for i := range samples {
		samples[i].Tensor.Release()
		samples[i].Tensor = nil
	}
}
