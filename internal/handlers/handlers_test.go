package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/preprocess"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

type fakePredictor struct {
	score float32
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakePredictor) Predict(ctx context.Context, x *tensor.Tensor) (float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.score, f.err
}

func (f *fakePredictor) InputShape() []int { return []int{16, 16, 3} }

func (f *fakePredictor) Close() error { return nil }

type countingObserver struct {
	counts map[model.Classification]int
}

func (c *countingObserver) ObservePrediction(cl model.Classification, _ time.Duration) {
	c.counts[cl]++
}

func readySlot(t *testing.T, p model.Predictor) *model.Slot {
	t.Helper()
	slot := model.NewSlot(nil)
	if !slot.Begin() || !slot.Ready(p) {
		t.Fatal("could not make slot ready")
	}
	return slot
}

func newTestHandler(t *testing.T, slot *model.Slot, observer PredictionObserver) (*Handler, string) {
	t.Helper()
	pre, err := preprocess.New(16, preprocess.Bilinear)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return NewHandler(slot, pre, Options{UploadDir: dir, MaxUploadBytes: 1 << 20, PredictTimeout: time.Second}, nil, observer), dir
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24, 20))
	for i := 0; i < 24; i++ {
		img.Set(i, i%20, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// oversizedPNG declares 40000x40000 RGB pixels in its header and carries
// no image data.
func oversizedPNG() []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 40000)
	binary.BigEndian.PutUint32(ihdr[4:], 40000)
	ihdr[8], ihdr[9] = 8, 2
	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, field string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "upload.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir not empty: %d entries", len(entries))
	}
}

func TestPredictWithoutFile(t *testing.T) {
	h, dir := newTestHandler(t, readySlot(t, &fakePredictor{score: 0.9}), nil)

	for name, req := range map[string]*http.Request{
		"empty body":  httptest.NewRequest(http.MethodPost, "/predict", nil),
		"wrong field": multipartRequest(t, "photo", pngBytes(t)),
	} {
		w := httptest.NewRecorder()
		h.Predict(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
		if got := strings.TrimSpace(w.Body.String()); got != "No file uploaded." {
			t.Fatalf("%s: body %q", name, got)
		}
	}
	assertEmptyDir(t, dir)
}

func TestPredictBeforeReady(t *testing.T) {
	for _, state := range []string{"uninitialized", "loading", "failed"} {
		slot := model.NewSlot(nil)
		switch state {
		case "loading":
			slot.Begin()
		case "failed":
			slot.Begin()
			slot.Fail(errors.New("corrupt"))
		}
		h, dir := newTestHandler(t, slot, nil)
		w := httptest.NewRecorder()
		h.Predict(w, multipartRequest(t, "image", pngBytes(t)))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", state, w.Code)
		}
		if strings.Contains(w.Body.String(), "score") {
			t.Fatalf("%s: response carries a score: %q", state, w.Body.String())
		}
		assertEmptyDir(t, dir)
	}
}

func TestPredictSuccess(t *testing.T) {
	p := &fakePredictor{score: 0.5}
	obs := &countingObserver{counts: map[model.Classification]int{}}
	h, dir := newTestHandler(t, readySlot(t, p), obs)

	base := tensor.Live()
	w := httptest.NewRecorder()
	h.Predict(w, multipartRequest(t, "image", pngBytes(t)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload["score"] != "0.5000" || payload["classification"] != "CORRECT" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if obs.counts[model.Correct] != 1 {
		t.Fatalf("observer counts %v", obs.counts)
	}
	if tensor.Live() != base {
		t.Fatalf("request leaked %d tensors", tensor.Live()-base)
	}
	assertEmptyDir(t, dir)

	p.score = 0.4999
	w = httptest.NewRecorder()
	h.Predict(w, multipartRequest(t, "image", pngBytes(t)))
	json.Unmarshal(w.Body.Bytes(), &payload)
	if payload["classification"] != "INCORRECT" {
		t.Fatalf("0.4999 classified %v", payload)
	}
}

func TestPredictFailuresCleanUp(t *testing.T) {
	cases := map[string]struct {
		predictor *fakePredictor
		content   []byte
	}{
		"undecodable upload": {&fakePredictor{score: 0.9}, []byte("definitely not a png")},
		"predictor error":    {&fakePredictor{err: errors.New("boom")}, pngBytes(t)},
		"oversized image":    {&fakePredictor{score: 0.9}, oversizedPNG()},
	}
	for name, tc := range cases {
		h, dir := newTestHandler(t, readySlot(t, tc.predictor), nil)
		base := tensor.Live()
		w := httptest.NewRecorder()
		h.Predict(w, multipartRequest(t, "image", tc.content))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", name, w.Code)
		}
		if got := strings.TrimSpace(w.Body.String()); got != "Prediction failed." {
			t.Fatalf("%s: body %q", name, got)
		}
		if tensor.Live() != base {
			t.Fatalf("%s: leaked %d tensors", name, tensor.Live()-base)
		}
		assertEmptyDir(t, dir)
	}
}

func TestPredictRejectsLargeUploads(t *testing.T) {
	h, dir := newTestHandler(t, readySlot(t, &fakePredictor{}), nil)
	h.opts.MaxUploadBytes = 512
	w := httptest.NewRecorder()
	h.Predict(w, multipartRequest(t, "image", bytes.Repeat([]byte{1}, 4096)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	assertEmptyDir(t, dir)
}

func TestPredictMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, readySlot(t, &fakePredictor{}), nil)
	w := httptest.NewRecorder()
	h.Predict(w, httptest.NewRequest(http.MethodGet, "/predict", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestPingAndModelStatus(t *testing.T) {
	slot := model.NewSlot(nil)
	h, _ := newTestHandler(t, slot, nil)

	w := httptest.NewRecorder()
	h.Ping(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	body, _ := io.ReadAll(w.Body)
	if w.Code != http.StatusOK || strings.TrimSpace(string(body)) != `{"message":"Server is running","status":"ok"}` {
		t.Fatalf("ping %d %s", w.Code, body)
	}

	slot.Begin()
	slot.Fail(errors.New("weights truncated"))
	w = httptest.NewRecorder()
	h.ModelStatus(w, httptest.NewRequest(http.MethodGet, "/model-status", nil))
	var status map[string]string
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["state"] != "FAILED" || status["error"] != "weights truncated" {
		t.Fatalf("status %v", status)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ErrNoFile, http.StatusBadRequest},
		{model.ErrModelUnavailable, http.StatusServiceUnavailable},
		{&PredictionError{Err: &preprocess.DecodeError{Err: errors.New("bad")}}, http.StatusInternalServerError},
		{ErrUploadTooLarge, http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		if code, _ := statusFor(c.err); code != c.code {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, code, c.code)
		}
	}
}
