package nn

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topology describes a model's layer graph and training setup without its
// weights. Field names follow the Keras layers-model JSON layout.
type Topology struct {
	ClassName      string          `json:"class_name"`
	Config         TopologyConfig  `json:"config"`
	KerasVersion   string          `json:"keras_version,omitempty"`
	Backend        string          `json:"backend,omitempty"`
	TrainingConfig *TrainingConfig `json:"training_config,omitempty"`
}

// TopologyConfig lists the layers of a Sequential model.
type TopologyConfig struct {
	Name   string        `json:"name"`
	Layers []LayerConfig `json:"layers"`
}

// TrainingConfig records how the model was compiled.
type TrainingConfig struct {
	Loss            string          `json:"loss"`
	Metrics         []string        `json:"metrics"`
	OptimizerConfig OptimizerConfig `json:"optimizer_config"`
}

// OptimizerConfig names the optimizer and its hyperparameters.
type OptimizerConfig struct {
	ClassName string     `json:"class_name"`
	Config    AdamConfig `json:"config"`
}

// Topology describes m.
func (m *Sequential) Topology() Topology {
	t := Topology{
		ClassName:    "Sequential",
		Config:       TopologyConfig{Name: m.name},
		KerasVersion: "snapcheck-nn",
		Backend:      "go",
	}
	for _, l := range m.layers {
		t.Config.Layers = append(t.Config.Layers, l.Config())
	}
	if c := m.compiled; c != nil {
		t.TrainingConfig = &TrainingConfig{
			Loss:            c.Loss,
			Metrics:         append([]string(nil), c.Metrics...),
			OptimizerConfig: OptimizerConfig{ClassName: "Adam", Config: c.Optimizer},
		}
	}
	return t
}

// FromTopology rebuilds and, when a training config is present, compiles
// the model described by t. Parameters are zero.
func FromTopology(t Topology) (*Sequential, error) {
	if t.ClassName != "Sequential" {
		return nil, fmt.Errorf("topology: unsupported model class %q", t.ClassName)
	}
	if len(t.Config.Layers) == 0 {
		return nil, errors.New("topology: no layers")
	}
	layers := make([]Layer, 0, len(t.Config.Layers))
	for i, lc := range t.Config.Layers {
		l, err := LayerFromConfig(lc)
		if err != nil {
			return nil, fmt.Errorf("topology: layer %d: %w", i, err)
		}
		layers = append(layers, l)
	}
	in := layers[0].declaredInput()
	if in == nil {
		return nil, errors.New("topology: first layer has no batch_input_shape")
	}
	m, err := NewSequential(t.Config.Name, in, layers...)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if tc := t.TrainingConfig; tc != nil {
		if tc.OptimizerConfig.ClassName != "" && tc.OptimizerConfig.ClassName != "Adam" {
			return nil, fmt.Errorf("topology: unsupported optimizer %q", tc.OptimizerConfig.ClassName)
		}
		opt := tc.OptimizerConfig.Config
		if opt == (AdamConfig{}) {
			opt = DefaultAdam()
		}
		if err := m.Compile(CompileConfig{Loss: tc.Loss, Optimizer: opt, Metrics: tc.Metrics}); err != nil {
			return nil, fmt.Errorf("topology: %w", err)
		}
	}
	return m, nil
}

// MarshalJSON keeps LayerConfig.Config as an object when empty.
func (l LayerConfig) MarshalJSON() ([]byte, error) {
	cfg := l.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	}{l.ClassName, cfg})
}
