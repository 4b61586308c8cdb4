package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/config"
	"github.com/Brownie44l1/snapcheck/internal/logging"
	"github.com/Brownie44l1/snapcheck/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		modelDir   string
		source     string
		backend    string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "snapcheck-server",
		Short:         "Serve CORRECT/INCORRECT image predictions over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, found, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port := os.Getenv("PORT"); port != "" {
				cfg.Server.Addr = ":" + port
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("model-dir") {
				cfg.Model.Dir = modelDir
			}
			if flags.Changed("source") {
				cfg.Model.Source = strings.ToLower(source)
			}
			if flags.Changed("backend") {
				cfg.Model.Backend = strings.ToLower(backend)
			}
			if flags.Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if !found {
				logger.Info("no config file found, using defaults", zap.String("path", configPath))
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "snapcheck.yaml", "Configuration file path")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr and PORT)")
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory holding model.json and weights.bin")
	cmd.Flags().StringVar(&source, "source", "", "Model source: dir, self or url")
	cmd.Flags().StringVar(&backend, "backend", "", "Predictor backend: native or onnx")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("endpoints",
		zap.String("ping", "GET /ping"),
		zap.String("model", "GET /model/"),
		zap.String("predict", "POST /predict"),
		zap.String("status", "GET /model-status"),
		zap.String("metrics", "GET /metrics"))

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.Wait() }()
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-waitErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
