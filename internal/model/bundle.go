package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

// GeneratedBy is recorded in every bundle this package writes.
const GeneratedBy = "snapcheck-train"

// CorruptBundleError reports a bundle that cannot be turned back into a
// model: unreadable files, malformed JSON or weights that disagree with the
// topology.
type CorruptBundleError struct {
	Reason string
	Err    error
}

func (e *CorruptBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt model bundle: %s: %v", e.Reason, e.Err)
	}
	return "corrupt model bundle: " + e.Reason
}

func (e *CorruptBundleError) Unwrap() error { return e.Err }

func corrupt(err error, format string, args ...any) error {
	return &CorruptBundleError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Bundle is a model's metadata document and its raw weight bytes.
type Bundle struct {
	Metadata Metadata
	Weights  []byte
}

// MetadataJSON encodes the metadata document.
func (b *Bundle) MetadataJSON() ([]byte, error) {
	return json.MarshalIndent(b.Metadata, "", "  ")
}

// Serialize captures m's topology and parameters. Weights are little-endian
// float32 in declaration order, kernel before bias for every layer.
func Serialize(m *nn.Sequential) (*Bundle, error) {
	params := m.Params()
	specs := make([]WeightSpec, 0, len(params))
	total := 0
	for _, p := range params {
		specs = append(specs, WeightSpec{Name: p.Name, Shape: append([]int(nil), p.Shape...), DType: DTypeFloat32})
		total += p.Size()
	}
	buf := make([]byte, 0, total*4)
	for _, p := range params {
		for _, v := range p.Value {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return &Bundle{
		Metadata: Metadata{
			ModelTopology:   m.Topology(),
			Format:          FormatLayers,
			GeneratedBy:     GeneratedBy,
			WeightsManifest: []WeightGroup{{Paths: []string{WeightsFile}, Weights: specs}},
			WeightDataBytes: len(buf),
		},
		Weights: buf,
	}, nil
}

// ParseMetadata decodes a model.json document.
func ParseMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, corrupt(err, "parse %s", MetadataFile)
	}
	return md, nil
}

// Deserialize rebuilds the model described by b and loads its weights. Any
// disagreement between the manifest, the topology and the weight bytes is a
// CorruptBundleError.
func Deserialize(b *Bundle) (*nn.Sequential, error) {
	md := b.Metadata
	if md.Format != "" && md.Format != FormatLayers {
		return nil, corrupt(nil, "unsupported format %q", md.Format)
	}
	m, err := nn.FromTopology(md.ModelTopology)
	if err != nil {
		return nil, corrupt(err, "topology")
	}
	params := m.Params()
	specs := md.Specs()
	if len(specs) != len(params) {
		return nil, corrupt(nil, "manifest lists %d weights, topology has %d", len(specs), len(params))
	}
	want := 0
	for i, p := range params {
		s := specs[i]
		if s.DType != "" && s.DType != DTypeFloat32 {
			return nil, corrupt(nil, "weight %s has dtype %q", s.Name, s.DType)
		}
		if !tensor.SameShape(s.Shape, p.Shape) {
			return nil, corrupt(nil, "weight %s has shape %v, topology expects %v for %s", s.Name, s.Shape, p.Shape, p.Name)
		}
		want += p.Size() * 4
	}
	if md.WeightDataBytes != want {
		return nil, corrupt(nil, "weightDataBytes is %d, topology needs %d", md.WeightDataBytes, want)
	}
	if len(b.Weights) != want {
		return nil, corrupt(nil, "weight data is %d bytes, topology needs %d", len(b.Weights), want)
	}

	values := make([][]float32, len(params))
	off := 0
	for i, p := range params {
		v := make([]float32, p.Size())
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(b.Weights[off:]))
			off += 4
		}
		values[i] = v
	}
	if err := m.SetWeights(values); err != nil {
		return nil, corrupt(err, "weights")
	}
	return m, nil
}
