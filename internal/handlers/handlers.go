package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/preprocess"
)

// ErrNoFile is returned when a predict request carries no image field.
var ErrNoFile = errors.New("no file uploaded")

// ErrUploadTooLarge is returned when the request body exceeds the limit.
var ErrUploadTooLarge = errors.New("upload too large")

// PredictionError wraps a decode or inference failure.
type PredictionError struct {
	Err error
}

func (e *PredictionError) Error() string { return "prediction failed: " + e.Err.Error() }

func (e *PredictionError) Unwrap() error { return e.Err }

// statusFor maps request errors to a status code and plain-text body.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoFile):
		return http.StatusBadRequest, "No file uploaded."
	case errors.Is(err, ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "Upload too large."
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "Model not available."
	default:
		return http.StatusInternalServerError, "Prediction failed."
	}
}

// PredictionObserver receives completed predictions.
type PredictionObserver interface {
	ObservePrediction(c model.Classification, d time.Duration)
}

// Options configures a Handler.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	PredictTimeout time.Duration
}

type Handler struct {
	slot     *model.Slot
	pre      *preprocess.Preprocessor
	opts     Options
	logger   *zap.Logger
	observer PredictionObserver
}

// NewHandler serves predictions from slot. observer may be nil.
func NewHandler(slot *model.Slot, pre *preprocess.Preprocessor, opts Options, logger *zap.Logger, observer PredictionObserver) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.PredictTimeout <= 0 {
		opts.PredictTimeout = 30 * time.Second
	}
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{slot: slot, pre: pre, opts: opts, logger: logger.Named("handlers"), observer: observer}
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Server is running"})
}

func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"state": h.slot.State().String()}
	if err := h.slot.Err(); err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// Predict scores the multipart field "image".
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := h.logger.With(zap.String("remote", r.RemoteAddr))
	logger.Info("incoming prediction request")

	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	result, err := h.predict(r)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Error("prediction error", zap.Error(err))
		} else {
			logger.Warn("prediction rejected", zap.Int("status", status), zap.Error(err))
		}
		http.Error(w, msg, status)
		return
	}
	elapsed := time.Since(start)
	if h.observer != nil {
		h.observer.ObservePrediction(result.Classification, elapsed)
	}
	logger.Info("responding",
		zap.String("score", fmt.Sprintf("%.4f", result.Score)),
		zap.String("classification", string(result.Classification)),
		zap.Duration("elapsed", elapsed))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) predict(r *http.Request) (model.PredictionResult, error) {
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.PredictionResult{}, ErrUploadTooLarge
		}
		return model.PredictionResult{}, fmt.Errorf("%w: %v", ErrNoFile, err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		return model.PredictionResult{}, ErrNoFile
	}
	defer file.Close()

	predictor, err := h.slot.Acquire()
	if err != nil {
		return model.PredictionResult{}, err
	}

	path, err := h.saveUpload(file)
	if err != nil {
		return model.PredictionResult{}, &PredictionError{Err: err}
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
		}
	}()
	h.logger.Debug("received file", zap.String("name", header.Filename), zap.Int64("size", header.Size))

	x, err := h.pre.Batch(path)
	if err != nil {
		return model.PredictionResult{}, &PredictionError{Err: err}
	}
	defer x.Release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.PredictTimeout)
	defer cancel()
	score, err := predictor.Predict(ctx, x)
	if err != nil {
		return model.PredictionResult{}, &PredictionError{Err: err}
	}
	return model.NewPredictionResult(score), nil
}

func (h *Handler) saveUpload(src io.Reader) (string, error) {
	path := filepath.Join(h.opts.UploadDir, uuid.NewString())
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
