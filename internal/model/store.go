package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Source yields a model bundle.
type Source interface {
	Load(ctx context.Context) (*Bundle, error)
	String() string
}

const (
	lockFile       = ".bundle.lock"
	lockRetryDelay = 50 * time.Millisecond
)

// Store keeps a bundle as model.json and weights.bin in one directory.
// Writers hold an exclusive file lock and readers a shared one, so a server
// never reads a half-written bundle.
type Store struct {
	dir  string
	lock *flock.Flock
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, lock: flock.New(filepath.Join(dir, lockFile))}
}

// Dir returns the bundle directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) String() string { return "dir:" + s.dir }

// Save writes b, replacing any previous bundle. Each file is written to a
// temporary name and renamed into place.
func (s *Store) Save(ctx context.Context, b *Bundle) (err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("save bundle: lock: %w", err)
	}
	if !ok {
		return errors.New("save bundle: lock not acquired")
	}
	defer func() {
		if uerr := s.lock.Unlock(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("save bundle: unlock: %w", uerr))
		}
	}()

	meta, err := b.MetadataJSON()
	if err != nil {
		return fmt.Errorf("save bundle: encode metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, WeightsFile), b.Weights); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, MetadataFile), meta); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the bundle under a shared lock. Missing or unreadable files are
// reported as CorruptBundleError.
func (s *Store) Load(ctx context.Context) (b *Bundle, err error) {
	if _, statErr := os.Stat(s.dir); statErr != nil {
		return nil, corrupt(statErr, "bundle directory")
	}
	ok, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("load bundle: lock: %w", err)
	}
	if !ok {
		return nil, errors.New("load bundle: lock not acquired")
	}
	defer func() {
		if uerr := s.lock.Unlock(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("load bundle: unlock: %w", uerr))
		}
	}()

	meta, err := os.ReadFile(filepath.Join(s.dir, MetadataFile))
	if err != nil {
		return nil, corrupt(err, "read %s", MetadataFile)
	}
	md, err := ParseMetadata(meta)
	if err != nil {
		return nil, err
	}
	weights, err := readWeights(md, func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	})
	if err != nil {
		return nil, err
	}
	return &Bundle{Metadata: md, Weights: weights}, nil
}

// readWeights concatenates the manifest's weight files in order.
func readWeights(md Metadata, read func(name string) ([]byte, error)) ([]byte, error) {
	paths := md.Paths()
	if len(paths) == 0 {
		return nil, corrupt(nil, "manifest names no weight files")
	}
	var out []byte
	for _, p := range paths {
		if err := checkWeightPath(p); err != nil {
			return nil, corrupt(err, "manifest path %q", p)
		}
		data, err := read(p)
		if err != nil {
			return nil, corrupt(err, "read %s", p)
		}
		out = append(out, data...)
	}
	return out, nil
}

// checkWeightPath accepts only plain names relative to the bundle, so a
// manifest cannot point a source at another host or directory.
func checkWeightPath(name string) error {
	if name == "" || strings.ContainsAny(name, "\\:?#") || strings.HasPrefix(name, "/") {
		return errors.New("weight path must be a relative file name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." || part == "" {
			return errors.New("weight path must not contain empty, . or .. segments")
		}
	}
	return nil
}

// HTTPSource fetches a bundle from a base URL serving model.json and the
// weight files next to it, such as the server's own /model/ route.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPSource) String() string { return "http:" + h.BaseURL }

// Load fetches model.json and then every weight file it names.
func (h *HTTPSource) Load(ctx context.Context) (*Bundle, error) {
	base, err := url.Parse(strings.TrimSuffix(h.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("load bundle: base url: %w", err)
	}
	meta, err := h.get(ctx, base, MetadataFile)
	if err != nil {
		return nil, corrupt(err, "fetch %s", MetadataFile)
	}
	md, err := ParseMetadata(meta)
	if err != nil {
		return nil, err
	}
	weights, err := readWeights(md, func(name string) ([]byte, error) {
		return h.get(ctx, base, name)
	})
	if err != nil {
		return nil, err
	}
	return &Bundle{Metadata: md, Weights: weights}, nil
}

func (h *HTTPSource) get(ctx context.Context, base *url.URL, name string) ([]byte, error) {
	ref, err := url.Parse(name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", req.URL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
