package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

var smallInput = []int{16, 16, 3}

func buildSmall(t *testing.T, regularized bool) *nn.Sequential {
	t.Helper()
	m, err := BuildModel(smallInput, Architecture{Regularized: regularized, Seed: 42})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	return m
}

func randomInput(seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(append([]int{1}, smallInput...)...)
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()
	}
	return x
}

func TestBuildModelVariants(t *testing.T) {
	cases := map[bool][]string{
		false: {"Conv2D", "MaxPooling2D", "Conv2D", "MaxPooling2D", "Flatten", "Dense", "Dense"},
		true:  {"Conv2D", "MaxPooling2D", "Conv2D", "MaxPooling2D", "Flatten", "Dropout", "Dense", "Dropout", "Dense"},
	}
	for regularized, want := range cases {
		m := buildSmall(t, regularized)
		layers := m.Layers()
		if len(layers) != len(want) {
			t.Fatalf("regularized=%v: %d layers, want %d", regularized, len(layers), len(want))
		}
		for i, l := range layers {
			if l.ClassName() != want[i] {
				t.Fatalf("regularized=%v: layer %d is %s, want %s", regularized, i, l.ClassName(), want[i])
			}
		}
		if out := m.OutputShape(); len(out) != 1 || out[0] != 1 {
			t.Fatalf("output shape %v", out)
		}
		if m.Compiled() == nil {
			t.Fatal("model not compiled")
		}
	}
	if _, err := BuildModel([]int{16, 16}, Architecture{}); err == nil {
		t.Fatal("expected rank error")
	}
	if _, err := ArchitectureByName("huge"); err == nil {
		t.Fatal("expected unknown architecture error")
	}
}

// trainOneEpoch fits m for one epoch on a small random batch so its
// parameters carry optimizer updates.
func trainOneEpoch(t *testing.T, m *nn.Sequential) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	x := tensor.New(append([]int{4}, smallInput...)...)
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()
	}
	y, err := tensor.FromSlice([]float32{1, 0, 1, 0}, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tensor.ReleaseAll(x, y)
	for _, err := range m.Fit(context.Background(), x, y, nn.FitOptions{Epochs: 1, BatchSize: 2, Seed: 4}) {
		if err != nil {
			t.Fatalf("fit: %v", err)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, regularized := range []bool{false, true} {
		t.Run(map[bool]string{false: "minimal", true: "regularized"}[regularized], func(t *testing.T) {
			testRoundTrip(t, regularized)
		})
	}
}

func testRoundTrip(t *testing.T, regularized bool) {
	m := buildSmall(t, regularized)
	fresh := buildSmall(t, regularized)
	trainOneEpoch(t, m)
	if trained, init := m.Params()[0].Value, fresh.Params()[0].Value; slices.Equal(trained, init) {
		t.Fatal("training did not change the first kernel")
	}

	b, err := Serialize(m)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, p := range m.Params() {
		total += p.Size()
	}
	if b.Metadata.WeightDataBytes != total*4 || len(b.Weights) != total*4 {
		t.Fatalf("weight bytes %d/%d, want %d", b.Metadata.WeightDataBytes, len(b.Weights), total*4)
	}
	specs := b.Metadata.Specs()
	wantNames := []string{"conv2d_1/kernel", "conv2d_1/bias", "conv2d_2/kernel", "conv2d_2/bias", "dense_1/kernel", "dense_1/bias", "dense_2/kernel", "dense_2/bias"}
	if len(specs) != len(wantNames) {
		t.Fatalf("manifest has %d entries, want %d", len(specs), len(wantNames))
	}
	for i, s := range specs {
		if s.Name != wantNames[i] {
			t.Fatalf("manifest entry %d is %s, want %s", i, s.Name, wantNames[i])
		}
	}

	data, err := b.MetadataJSON()
	if err != nil {
		t.Fatal(err)
	}
	md, err := ParseMetadata(data)
	if err != nil {
		t.Fatal(err)
	}
	if md.Format != FormatLayers || md.ConvertedBy != nil {
		t.Fatalf("metadata header %+v", md)
	}
	back, err := Deserialize(&Bundle{Metadata: md, Weights: b.Weights})
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for seed := int64(1); seed <= 3; seed++ {
		x := randomInput(seed)
		a, err := NewNativePredictor(m).Predict(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		c, err := NewNativePredictor(back).Predict(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		x.Release()
		if math.Abs(float64(a-c)) > 1e-5 {
			t.Fatalf("seed %d: score %v after round trip, want %v", seed, c, a)
		}
	}
}

func TestMetadataDocumentKeys(t *testing.T) {
	b, err := Serialize(buildSmall(t, false))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := b.MetadataJSON()
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"modelTopology", "format", "generatedBy", "convertedBy", "weightsManifest", "weightDataBytes"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("model.json lacks %q", key)
		}
	}
	if string(doc["convertedBy"]) != "null" {
		t.Errorf("convertedBy = %s, want null", doc["convertedBy"])
	}
}

func TestDeserializeRejectsCorruptBundles(t *testing.T) {
	good, err := Serialize(buildSmall(t, false))
	if err != nil {
		t.Fatal(err)
	}
	mutate := map[string]func(b *Bundle){
		"truncated weights": func(b *Bundle) { b.Weights = b.Weights[:len(b.Weights)-4] },
		"byte count":        func(b *Bundle) { b.Metadata.WeightDataBytes += 4 },
		"shape":             func(b *Bundle) { b.Metadata.WeightsManifest[0].Weights[1].Shape = []int{15} },
		"missing entry": func(b *Bundle) {
			g := &b.Metadata.WeightsManifest[0]
			g.Weights = g.Weights[:len(g.Weights)-1]
		},
		"topology": func(b *Bundle) { b.Metadata.ModelTopology.Config.Layers[0].ClassName = "LSTM" },
		"format":   func(b *Bundle) { b.Metadata.Format = "graph-model" },
	}
	for name, fn := range mutate {
		data, _ := good.MetadataJSON()
		md, _ := ParseMetadata(data)
		b := &Bundle{Metadata: md, Weights: append([]byte(nil), good.Weights...)}
		fn(b)
		_, err := Deserialize(b)
		var cbe *CorruptBundleError
		if !errors.As(err, &cbe) {
			t.Errorf("%s: expected CorruptBundleError, got %v", name, err)
		}
	}
	if _, err := ParseMetadata([]byte("{")); err == nil {
		t.Error("expected malformed JSON to fail")
	}
}

func TestStoreSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle")
	m := buildSmall(t, false)
	b, _ := Serialize(m)
	store := NewStore(dir)
	if err := store.Save(context.Background(), b); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		switch e.Name() {
		case MetadataFile, WeightsFile, lockFile:
		default:
			t.Errorf("unexpected file %s left in bundle dir", e.Name())
		}
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Weights) != len(b.Weights) {
		t.Fatalf("loaded %d weight bytes, want %d", len(loaded.Weights), len(b.Weights))
	}
	if _, err := Deserialize(loaded); err != nil {
		t.Fatalf("deserialize loaded bundle: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, WeightsFile)); err != nil {
		t.Fatal(err)
	}
	_, err = store.Load(context.Background())
	var cbe *CorruptBundleError
	if !errors.As(err, &cbe) {
		t.Fatalf("expected CorruptBundleError for missing weights, got %v", err)
	}
	_, err = NewStore(filepath.Join(t.TempDir(), "absent")).Load(context.Background())
	if !errors.As(err, &cbe) {
		t.Fatalf("expected CorruptBundleError for missing dir, got %v", err)
	}
}

func TestHTTPSource(t *testing.T) {
	dir := t.TempDir()
	b, _ := Serialize(buildSmall(t, false))
	if err := NewStore(dir).Save(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/model/", http.StripPrefix("/model/", http.FileServer(http.Dir(dir))))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL + "/model", Client: srv.Client()}
	loaded, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Deserialize(loaded); err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for _, path := range []string{"http://elsewhere.test/weights.bin", "//elsewhere.test/weights.bin", "/etc/weights.bin", "../weights.bin", "sub/../../weights.bin"} {
		hostile := *b
		hostile.Metadata.WeightsManifest = []WeightGroup{{Paths: []string{path}, Weights: b.Metadata.Specs()}}
		doc, err := hostile.MetadataJSON()
		if err != nil {
			t.Fatal(err)
		}
		hmux := http.NewServeMux()
		hmux.HandleFunc("/model/model.json", func(w http.ResponseWriter, r *http.Request) { w.Write(doc) })
		hmux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("%s: weight fetch reached %s", path, r.URL.Path)
		})
		hsrv := httptest.NewServer(hmux)
		_, err = (&HTTPSource{BaseURL: hsrv.URL + "/model/", Client: hsrv.Client()}).Load(context.Background())
		hsrv.Close()
		var cbe *CorruptBundleError
		if !errors.As(err, &cbe) {
			t.Fatalf("%s: expected CorruptBundleError, got %v", path, err)
		}
	}

	missing := &HTTPSource{BaseURL: srv.URL + "/nothing/", Client: srv.Client()}
	_, err = missing.Load(context.Background())
	var cbe *CorruptBundleError
	if !errors.As(err, &cbe) {
		t.Fatalf("expected CorruptBundleError, got %v", err)
	}
}

type stubPredictor struct {
	score  float32
	closed bool
}

func (s *stubPredictor) Predict(context.Context, *tensor.Tensor) (float32, error) {
	return s.score, nil
}

func (s *stubPredictor) InputShape() []int { return smallInput }

func (s *stubPredictor) Close() error {
	s.closed = true
	return nil
}

func TestSlotTransitions(t *testing.T) {
	var seen []State
	slot := NewSlot(func(s State) { seen = append(seen, s) })
	if slot.State() != Uninitialized {
		t.Fatalf("initial state %v", slot.State())
	}
	if _, err := slot.Acquire(); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("acquire before load: %v", err)
	}
	if slot.Ready(&stubPredictor{}) {
		t.Fatal("ready accepted before loading began")
	}
	if !slot.Begin() || slot.Begin() {
		t.Fatal("begin must succeed exactly once")
	}
	if _, err := slot.Acquire(); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("acquire while loading: %v", err)
	}
	p := &stubPredictor{score: 0.7}
	if !slot.Ready(p) {
		t.Fatal("ready rejected")
	}
	if slot.Fail(errors.New("late")) || slot.Ready(p) {
		t.Fatal("terminal state changed")
	}
	got, err := slot.Acquire()
	if err != nil || got != p {
		t.Fatalf("acquire when ready: %v %v", got, err)
	}
	if len(seen) != 2 || seen[0] != Loading || seen[1] != Ready {
		t.Fatalf("transitions %v", seen)
	}
	slot.Close()
	if !p.closed {
		t.Fatal("close did not reach the predictor")
	}
}

func TestLoaderRun(t *testing.T) {
	dir := t.TempDir()
	b, _ := Serialize(buildSmall(t, false))
	if err := NewStore(dir).Save(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	slot := NewSlot(nil)
	if err := (&Loader{Source: NewStore(dir)}).Run(context.Background(), slot); err != nil {
		t.Fatalf("run: %v", err)
	}
	if slot.State() != Ready {
		t.Fatalf("state %v, want READY", slot.State())
	}

	failed := NewSlot(nil)
	err := (&Loader{Source: NewStore(t.TempDir())}).Run(context.Background(), failed)
	var cbe *CorruptBundleError
	if !errors.As(err, &cbe) {
		t.Fatalf("expected CorruptBundleError, got %v", err)
	}
	if failed.State() != Failed || failed.Err() == nil {
		t.Fatalf("state %v err %v, want FAILED", failed.State(), failed.Err())
	}
	if _, err := failed.Acquire(); !errors.Is(err, ErrModelUnavailable) {
		t.Fatal("failed slot served a predictor")
	}
	mismatched := NewSlot(nil)
	err = (&Loader{Source: NewStore(dir), InputShape: []int{128, 128, 3}}).Run(context.Background(), mismatched)
	var sme *ShapeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if mismatched.State() != Failed {
		t.Fatalf("state %v, want FAILED for a mismatched input shape", mismatched.State())
	}
	matched := NewSlot(nil)
	if err := (&Loader{Source: NewStore(dir), InputShape: smallInput}).Run(context.Background(), matched); err != nil || matched.State() != Ready {
		t.Fatalf("matching shape: state %v err %v", matched.State(), err)
	}

	if err := (&Loader{Backend: "tpu"}).Run(context.Background(), NewSlot(nil)); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestConcurrentNativePredictions(t *testing.T) {
	p := NewNativePredictor(buildSmall(t, true))
	x := randomInput(9)
	defer x.Release()
	want, err := p.Predict(context.Background(), x)
	if err != nil {
		t.Fatal(err)
	}

	base := tensor.Live()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Predict(context.Background(), x)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- errors.New("concurrent prediction differs")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if tensor.Live() != base {
		t.Fatalf("predictions leaked %d buffers", tensor.Live()-base)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		score, threshold float32
		want             Classification
	}{
		{0.5, ServingThreshold, Correct},
		{0.4999, ServingThreshold, Incorrect},
		{0.6, 0.6, Correct},
		{0.5999, 0.6, Incorrect},
		{0, ServingThreshold, Incorrect},
		{1, ServingThreshold, Correct},
	}
	for _, c := range cases {
		if got := Classify(c.score, c.threshold); got != c.want {
			t.Errorf("Classify(%v, %v) = %s, want %s", c.score, c.threshold, got, c.want)
		}
	}
}

func TestPredictionResultJSON(t *testing.T) {
	data, err := json.Marshal(NewPredictionResult(0.84213))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"score":"0.8421","classification":"CORRECT"}` {
		t.Fatalf("got %s", data)
	}
}

func TestONNXPredictor(t *testing.T) {
	lib, modelPath := os.Getenv("ONNXRUNTIME_LIB"), os.Getenv("SNAPCHECK_ONNX_MODEL")
	if lib == "" || modelPath == "" {
		t.Skip("ONNXRUNTIME_LIB and SNAPCHECK_ONNX_MODEL not set")
	}
	p, err := NewONNXPredictor(ONNXOptions{ModelPath: modelPath, Library: lib, InputShape: []int{128, 128, 3}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	x := tensor.New(1, 128, 128, 3)
	defer x.Release()
	score, err := p.Predict(context.Background(), x)
	if err != nil {
		t.Fatal(err)
	}
	if score < 0 || score > 1 {
		t.Fatalf("score %v out of range", score)
	}
}
