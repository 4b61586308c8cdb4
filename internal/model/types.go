package model

import (
	"encoding/json"
	"fmt"

	"github.com/Brownie44l1/snapcheck/internal/nn"
)

// File names inside a bundle directory.
const (
	MetadataFile = "model.json"
	WeightsFile  = "weights.bin"
	FormatLayers = "layers-model"
	DTypeFloat32 = "float32"
)

// Metadata is the model.json document: topology plus a manifest describing
// how weights.bin is sliced.
type Metadata struct {
	ModelTopology   nn.Topology   `json:"modelTopology"`
	Format          string        `json:"format"`
	GeneratedBy     string        `json:"generatedBy"`
	ConvertedBy     *string       `json:"convertedBy"`
	WeightsManifest []WeightGroup `json:"weightsManifest"`
	WeightDataBytes int           `json:"weightDataBytes"`
}

// WeightGroup lists the tensors stored in the files named by Paths, in
// order.
type WeightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// WeightSpec describes one stored tensor.
type WeightSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Specs flattens the manifest in storage order.
func (m *Metadata) Specs() []WeightSpec {
	var out []WeightSpec
	for _, g := range m.WeightsManifest {
		out = append(out, g.Weights...)
	}
	return out
}

// Paths lists every weight file named by the manifest.
func (m *Metadata) Paths() []string {
	var out []string
	for _, g := range m.WeightsManifest {
		out = append(out, g.Paths...)
	}
	return out
}

// Classification is the label attached to a score.
type Classification string

const (
	Correct   Classification = "CORRECT"
	Incorrect Classification = "INCORRECT"
)

// ServingThreshold is the score at or above which a prediction is CORRECT.
const ServingThreshold = 0.5

// Classify applies threshold to score.
func Classify(score, threshold float32) Classification {
	if score >= threshold {
		return Correct
	}
	return Incorrect
}

// PredictionResult is the body returned by /predict.
type PredictionResult struct {
	Score          float32        `json:"-"`
	Classification Classification `json:"classification"`
}

// NewPredictionResult classifies score with ServingThreshold.
func NewPredictionResult(score float32) PredictionResult {
	return PredictionResult{Score: score, Classification: Classify(score, ServingThreshold)}
}

// MarshalJSON renders the score as a string with four decimals.
func (p PredictionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Score          string         `json:"score"`
		Classification Classification `json:"classification"`
	}{fmt.Sprintf("%.4f", p.Score), p.Classification})
}
