package training

import (
	"fmt"
	"sort"

	"github.com/Brownie44l1/snapcheck/internal/model"
)

// Preset bundles a training configuration with the architecture and the
// evaluation threshold it was tuned with.
type Preset struct {
	Name          string
	Config        Config
	Architecture  string
	EvalThreshold float32
}

// Preset names.
const (
	PresetMinimal  = "minimal"
	PresetEnhanced = "enhanced"
	// ProductionPreset is used when no preset is named.
	ProductionPreset = PresetEnhanced
)

var presets = map[string]Preset{
	PresetMinimal: {
		Name:          PresetMinimal,
		Config:        Config{Epochs: 2, BatchSize: 8, ValidationSplit: 0.2, Shuffle: true},
		Architecture:  model.ArchMinimal,
		EvalThreshold: 0.5,
	},
	PresetEnhanced: {
		Name:          PresetEnhanced,
		Config:        Config{Epochs: 20, BatchSize: 4, ValidationSplit: 0.2, Shuffle: true},
		Architecture:  model.ArchRegularized,
		EvalThreshold: 0.6,
	},
}

// PresetByName returns the named preset. An empty name selects
// ProductionPreset.
func PresetByName(name string) (Preset, error) {
	if name == "" {
		name = ProductionPreset
	}
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown training preset %q (have %v)", name, PresetNames())
	}
	return p, nil
}

// PresetNames lists the known presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overrides replaces preset values field by field. A nil field keeps the
// preset's value, so zero and false can be set explicitly.
type Overrides struct {
	Epochs             *int     `yaml:"epochs"`
	BatchSize          *int     `yaml:"batch_size"`
	ValidationSplit    *float64 `yaml:"validation_split"`
	Shuffle            *bool    `yaml:"shuffle"`
	ShuffleBeforeSplit *bool    `yaml:"shuffle_before_split"`
	Seed               *int64   `yaml:"seed"`
}

// Override applies every non-nil field of o.
func (p Preset) Override(o Overrides) Preset {
	if o.Epochs != nil {
		p.Config.Epochs = *o.Epochs
	}
	if o.BatchSize != nil {
		p.Config.BatchSize = *o.BatchSize
	}
	if o.ValidationSplit != nil {
		p.Config.ValidationSplit = *o.ValidationSplit
	}
	if o.Shuffle != nil {
		p.Config.Shuffle = *o.Shuffle
	}
	if o.ShuffleBeforeSplit != nil {
		p.Config.ShuffleBeforeSplit = *o.ShuffleBeforeSplit
	}
	if o.Seed != nil {
		p.Config.Seed = *o.Seed
	}
	return p
}
