// Package config loads the YAML configuration shared by the server and
// trainer binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/snapcheck/internal/logging"
	"github.com/Brownie44l1/snapcheck/internal/preprocess"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

// Model sources.
const (
	SourceDir  = "dir"
	SourceSelf = "self"
	SourceURL  = "url"
)

// Config is the whole configuration document.
type Config struct {
	Server     Server          `yaml:"server"`
	Model      Model           `yaml:"model"`
	Preprocess Preprocess      `yaml:"preprocess"`
	Training   Training        `yaml:"training"`
	Logging    logging.Options `yaml:"logging"`
	Ledger     Ledger          `yaml:"ledger"`
}

// Server configures the inference HTTP server.
type Server struct {
	Addr              string        `yaml:"addr"`
	UploadDir         string        `yaml:"upload_dir"`
	MaxUploadMB       int64         `yaml:"max_upload_mb"`
	PredictTimeout    time.Duration `yaml:"predict_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORSOrigin        string        `yaml:"cors_origin"`
}

// Model configures where the served model comes from.
type Model struct {
	// Dir holds model.json and weights.bin. It is also served at /model/.
	Dir string `yaml:"dir"`
	// Source is dir, self (fetch from this server's /model/ route) or url.
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
	// Backend is native or onnx.
	Backend      string `yaml:"backend"`
	ONNXPath     string `yaml:"onnx_path"`
	ONNXLibrary  string `yaml:"onnx_library"`
	ONNXInput    string `yaml:"onnx_input"`
	ONNXOutput   string `yaml:"onnx_output"`
	Fixture      string `yaml:"fixture"`
	FixtureLabel string `yaml:"fixture_label"`
}

// Preprocess configures image decoding.
type Preprocess struct {
	Size          int    `yaml:"size"`
	Interpolation string `yaml:"interpolation"`
	Workers       int    `yaml:"workers"`
	// MaxPixels rejects images whose header declares more pixels.
	MaxPixels int `yaml:"max_pixels"`
}

// Preprocessor builds the preprocessor shared by training and serving.
func (p Preprocess) Preprocessor() (*preprocess.Preprocessor, error) {
	pre, err := preprocess.New(p.Size, preprocess.Interpolation(p.Interpolation))
	if err != nil {
		return nil, err
	}
	return pre.WithMaxPixels(p.MaxPixels), nil
}

// Training configures cmd/train. Fields of Overrides present in the file
// replace the preset's values, including zero and false.
type Training struct {
	Preset       string             `yaml:"preset"`
	CorrectDir   string             `yaml:"correct_dir"`
	IncorrectDir string             `yaml:"incorrect_dir"`
	LearningRate float64            `yaml:"learning_rate"`
	Overrides    training.Overrides `yaml:",inline"`
}

// Ledger configures the SQLite training run ledger.
type Ledger struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			UploadDir:         "uploads",
			MaxUploadMB:       10,
			PredictTimeout:    30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigin:        "*",
		},
		Model: Model{
			Dir:          "model",
			Source:       SourceSelf,
			Backend:      "native",
			ONNXInput:    "input",
			ONNXOutput:   "output",
			Fixture:      "test/test.jpeg",
			FixtureLabel: "CORRECT",
		},
		Preprocess: Preprocess{
			Size:          128,
			Interpolation: "bilinear",
			MaxPixels:     preprocess.DefaultMaxPixels,
		},
		Training: Training{
			Preset:       training.ProductionPreset,
			CorrectDir:   "data/correct",
			IncorrectDir: "data/incorrect",
		},
		Logging: logging.Options{
			Level:  "info",
			Format: "auto",
		},
		Ledger: Ledger{
			Enabled: true,
			Path:    "runs/ledger.db",
		},
	}
}

// Load reads path over the defaults, then normalises and validates. A
// missing file yields the defaults and exists=false.
func Load(path string) (*Config, bool, error) {
	cfg := Default()
	exists := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			exists = true
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, false, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, false, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, exists, nil
}

func (c *Config) normalize() error {
	var err error
	for _, p := range []*string{&c.Server.UploadDir, &c.Model.Dir, &c.Model.Fixture, &c.Model.ONNXPath,
		&c.Training.CorrectDir, &c.Training.IncorrectDir, &c.Ledger.Path, &c.Logging.File} {
		if *p, err = expandPath(*p); err != nil {
			return err
		}
	}
	c.Model.Source = strings.ToLower(strings.TrimSpace(c.Model.Source))
	c.Model.Backend = strings.ToLower(strings.TrimSpace(c.Model.Backend))
	c.Model.FixtureLabel = strings.ToUpper(strings.TrimSpace(c.Model.FixtureLabel))
	c.Preprocess.Interpolation = strings.ToLower(strings.TrimSpace(c.Preprocess.Interpolation))
	if c.Preprocess.Size == 0 {
		c.Preprocess.Size = 128
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.UploadDir == "" {
		errs = append(errs, errors.New("server.upload_dir is required"))
	}
	if c.Server.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB))
	}
	if c.Server.PredictTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.predict_timeout must be positive, got %s", c.Server.PredictTimeout))
	}
	switch c.Model.Source {
	case SourceDir, SourceSelf:
		if c.Model.Dir == "" {
			errs = append(errs, errors.New("model.dir is required"))
		}
	case SourceURL:
		if c.Model.URL == "" {
			errs = append(errs, errors.New("model.url is required when model.source is url"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.source: unsupported value %q", c.Model.Source))
	}
	switch c.Model.Backend {
	case "native":
	case "onnx":
		if c.Model.ONNXPath == "" {
			errs = append(errs, errors.New("model.onnx_path is required when model.backend is onnx"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.backend: unsupported value %q", c.Model.Backend))
	}
	switch c.Model.FixtureLabel {
	case "CORRECT", "INCORRECT":
	default:
		errs = append(errs, fmt.Errorf("model.fixture_label must be CORRECT or INCORRECT, got %q", c.Model.FixtureLabel))
	}
	if c.Preprocess.MaxPixels < 1 {
		errs = append(errs, fmt.Errorf("preprocess.max_pixels must be positive, got %d", c.Preprocess.MaxPixels))
	}
	if c.Preprocess.Size < 1 {
		errs = append(errs, fmt.Errorf("preprocess.size must be positive, got %d", c.Preprocess.Size))
	}
	if p, err := c.Preset(); err != nil {
		errs = append(errs, fmt.Errorf("training.preset: %w", err))
	} else if err := p.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required when the ledger is enabled"))
	}
	return errors.Join(errs...)
}

// Preset resolves the training preset with the configured overrides.
func (c *Config) Preset() (training.Preset, error) {
	p, err := training.PresetByName(c.Training.Preset)
	if err != nil {
		return training.Preset{}, err
	}
	return p.Override(c.Training.Overrides), nil
}

// MaxUploadBytes is the multipart memory limit.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

// EnsureDirectories creates the directories the server writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Server.UploadDir, c.Model.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Sample is a commented configuration file with the defaults.
const Sample = `# snapcheck configuration
server:
  addr: ":8080"
  upload_dir: uploads
  max_upload_mb: 10
  predict_timeout: 30s
  read_header_timeout: 10s
  shutdown_timeout: 10s
  cors_origin: "*"

model:
  dir: model
  # dir reads the bundle from disk, self fetches it from this server's
  # /model/ route once it is listening, url fetches it from model.url.
  source: self
  backend: native        # or onnx
  onnx_path: ""
  onnx_library: ""
  fixture: test/test.jpeg
  fixture_label: CORRECT

preprocess:
  size: 128
  interpolation: bilinear
  workers: 0             # 0 uses GOMAXPROCS
  max_pixels: 40000000   # larger uploads are rejected before decoding

training:
  preset: enhanced       # or minimal
  correct_dir: data/correct
  incorrect_dir: data/incorrect
  # epochs, batch_size, validation_split, shuffle, shuffle_before_split
  # and seed override the preset when present, zero and false included.

logging:
  level: info
  format: auto           # console, json or auto
  file: ""

ledger:
  enabled: true
  path: runs/ledger.db
`

// WriteSample writes Sample to path unless a file already exists there.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(Sample), 0o644)
}
