// Package server wires the inference HTTP server: routes, middleware, and
// the asynchronous model load that runs once the listener is bound.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/snapcheck/internal/config"
	"github.com/Brownie44l1/snapcheck/internal/handlers"
	"github.com/Brownie44l1/snapcheck/internal/metrics"
	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/preprocess"
)

// Server serves predictions from a model loaded in the background.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	slot    *model.Slot
	pre     *preprocess.Preprocessor
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// New builds a server from cfg. Nothing is bound or loaded until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pre, err := cfg.Preprocess.Preprocessor()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	m := metrics.New()
	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		metrics: m,
		pre:     pre,
	}
	s.slot = model.NewSlot(func(st model.State) {
		m.SetModelState(st)
		s.logger.Info("model state changed", zap.Stringer("state", st))
	})
	m.SetModelState(model.Uninitialized)
	s.handler = s.routes(logger)
	return s, nil
}

func (s *Server) routes(logger *zap.Logger) http.Handler {
	h := handlers.NewHandler(s.slot, s.pre, handlers.Options{
		UploadDir:      s.cfg.Server.UploadDir,
		MaxUploadBytes: s.cfg.MaxUploadBytes(),
		PredictTimeout: s.cfg.Server.PredictTimeout,
	}, logger, s.metrics)

	mux := http.NewServeMux()
	mux.Handle("/ping", instrument("/ping", s.metrics, http.HandlerFunc(h.Ping)))
	mux.Handle("/predict", instrument("/predict", s.metrics, http.HandlerFunc(h.Predict)))
	mux.Handle("/model-status", instrument("/model-status", s.metrics, http.HandlerFunc(h.ModelStatus)))
	mux.Handle("/model/", instrument("/model/", s.metrics,
		http.StripPrefix("/model/", hideDotfiles(http.FileServer(http.Dir(s.cfg.Model.Dir))))))
	mux.Handle("/metrics", s.metrics.Handler())

	return Chain(
		RequestLog(s.logger),
		Recovery(s.logger),
		CORS(s.cfg.Server.CORSOrigin),
	)(mux)
}

// hideDotfiles keeps lock and temporary files out of the static model route.
func hideDotfiles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(part, ".") {
				http.NotFound(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// Slot returns the model slot.
func (s *Server) Slot() *model.Slot { return s.slot }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener, starts serving, and then loads the model in
// the background. Only a bind failure is returned; load failures leave the
// slot FAILED.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	s.logger.Info("server listening", zap.String("address", listener.Addr().String()))

	loader := s.loader(listener.Addr())
	group.Go(func() error {
		// Load failures are logged by the loader and leave the slot FAILED.
		if loader.Run(gctx, s.slot) != nil {
			return nil
		}
		if p, err := s.slot.Acquire(); err == nil {
			s.selfTest(gctx, p)
		}
		return nil
	})
	return nil
}

func (s *Server) loader(addr net.Addr) *model.Loader {
	l := &model.Loader{
		Backend:    s.cfg.Model.Backend,
		InputShape: s.pre.Shape(),
		Logger:     s.logger,
		ONNX: model.ONNXOptions{
			ModelPath:  s.cfg.Model.ONNXPath,
			Library:    s.cfg.Model.ONNXLibrary,
			InputName:  s.cfg.Model.ONNXInput,
			OutputName: s.cfg.Model.ONNXOutput,
			InputShape: s.pre.Shape(),
		},
	}
	client := &http.Client{Timeout: time.Minute}
	switch s.cfg.Model.Source {
	case config.SourceDir:
		l.Source = model.NewStore(s.cfg.Model.Dir)
	case config.SourceURL:
		l.Source = &model.HTTPSource{BaseURL: s.cfg.Model.URL, Client: client}
	default:
		l.Source = &model.HTTPSource{BaseURL: selfModelURL(addr), Client: client}
	}
	return l
}

// selfModelURL is the /model/ route of the listener at addr, reached over
// loopback when the listener is bound to every interface.
func selfModelURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String() + "/model/"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/model/"
}

// selfTest scores the configured fixture and logs the outcome. It never
// changes the slot.
func (s *Server) selfTest(ctx context.Context, p model.Predictor) {
	fixture := s.cfg.Model.Fixture
	if fixture == "" {
		return
	}
	logger := s.logger.With(zap.String("fixture", fixture))
	if _, err := os.Stat(fixture); err != nil {
		logger.Warn("self-test skipped", zap.Error(err))
		return
	}
	x, err := s.pre.Batch(fixture)
	if err != nil {
		logger.Warn("self-test failed", zap.Error(err))
		return
	}
	defer x.Release()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.PredictTimeout)
	defer cancel()
	score, err := p.Predict(ctx, x)
	if err != nil {
		logger.Warn("self-test failed", zap.Error(err))
		return
	}
	got := model.Classify(score, model.ServingThreshold)
	expected := model.Classification(s.cfg.Model.FixtureLabel)
	logger.Info("self-test",
		zap.String("score", fmt.Sprintf("%.4f", score)),
		zap.String("classification", string(got)),
		zap.String("expected", string(expected)),
		zap.Bool("pass", got == expected))
}

// Wait blocks until serving stops and the load goroutine has returned.
func (s *Server) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Shutdown stops accepting requests, waits for in-flight ones within ctx,
// cancels any load still running, and closes the predictor.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return s.slot.Close()
	}
	err := srv.Shutdown(ctx)
	cancel()
	return errors.Join(err, s.Wait(), s.slot.Close())
}
