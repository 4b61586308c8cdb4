package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, exists, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false")
	}
	if cfg.Server.Addr != ":8080" || cfg.Model.Source != SourceSelf || cfg.Training.Preset != "enhanced" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Server.PredictTimeout != 30*time.Second {
		t.Fatalf("predict timeout %s", cfg.Server.PredictTimeout)
	}
}

func TestLoadCustomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapcheck.yaml")
	doc := `
server:
  addr: "127.0.0.1:9000"
  predict_timeout: 5s
model:
  source: DIR
  fixture_label: incorrect
training:
  preset: minimal
  epochs: 6
  shuffle_before_split: true
logging:
  level: debug
  format: json
ledger:
  enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.PredictTimeout != 5*time.Second {
		t.Fatalf("server %+v", cfg.Server)
	}
	if cfg.Server.UploadDir != "uploads" {
		t.Fatalf("unset fields should keep defaults, upload dir %q", cfg.Server.UploadDir)
	}
	if cfg.Model.Source != SourceDir || cfg.Model.FixtureLabel != "INCORRECT" {
		t.Fatalf("model %+v", cfg.Model)
	}
	preset, err := cfg.Preset()
	if err != nil {
		t.Fatal(err)
	}
	if preset.Name != "minimal" || preset.Config.Epochs != 6 || preset.Config.BatchSize != 8 || !preset.Config.ShuffleBeforeSplit {
		t.Fatalf("preset %+v", preset)
	}
	if cfg.Logging.Format != "json" || cfg.Ledger.Enabled {
		t.Fatalf("logging %+v ledger %+v", cfg.Logging, cfg.Ledger)
	}
}

func TestZeroValuedTrainingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapcheck.yaml")
	doc := `
training:
  preset: minimal
  validation_split: 0
  shuffle: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	preset, err := cfg.Preset()
	if err != nil {
		t.Fatal(err)
	}
	if preset.Config.ValidationSplit != 0 || preset.Config.Shuffle {
		t.Fatalf("explicit zero values were not applied: %+v", preset.Config)
	}
	if preset.Config.Epochs != 2 || preset.Config.BatchSize != 8 {
		t.Fatalf("unset fields should keep the preset's values: %+v", preset.Config)
	}

	untouched := Default()
	p, err := untouched.Preset()
	if err != nil {
		t.Fatal(err)
	}
	if p.Config.ValidationSplit != 0.2 || !p.Config.Shuffle {
		t.Fatalf("defaults changed the preset: %+v", p.Config)
	}
}

func TestValidateRejectsOutOfRangeOverrides(t *testing.T) {
	cfg := Default()
	split := 1.0
	cfg.Training.Overrides.ValidationSplit = &split
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "validation split") {
		t.Fatalf("expected validation split error, got %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cfg := Default()
	cfg.Server.MaxUploadMB = 0
	cfg.Model.Source = "ftp"
	cfg.Model.Backend = "onnx"
	cfg.Training.Preset = "turbo"
	cfg.Preprocess.MaxPixels = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_upload_mb", "model.source", "onnx_path", "training.preset", "max_pixels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSampleMatchesDefaults(t *testing.T) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(Sample), &cfg); err != nil {
		t.Fatalf("sample does not parse: %v", err)
	}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample does not validate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "conf", "snapcheck.yaml")
	if err := WriteSample(path); err != nil {
		t.Fatal(err)
	}
	if err := WriteSample(path); err == nil {
		t.Fatal("expected existing file to be kept")
	}
}
