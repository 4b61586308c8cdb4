package main

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/snapcheck/internal/config"
	"github.com/Brownie44l1/snapcheck/internal/logging"
	"github.com/Brownie44l1/snapcheck/internal/preprocess"
	"github.com/Brownie44l1/snapcheck/internal/runlog"
)

type commandContext struct {
	configFlag *string
	logLevel   *string

	once   sync.Once
	config *config.Config
	logger *zap.Logger
	err    error
}

func newCommandContext(configFlag, logLevel *string) *commandContext {
	return &commandContext{configFlag: configFlag, logLevel: logLevel}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		cfg, _, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		if *c.logLevel != "" {
			cfg.Logging.Level = *c.logLevel
		}
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			c.err = err
			return
		}
		c.config, c.logger = cfg, logger
	})
	return c.config, c.err
}

func (c *commandContext) log() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

func (c *commandContext) preprocessor() (*preprocess.Preprocessor, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Preprocess.Preprocessor()
}

// openLedger returns nil when the ledger is disabled.
func (c *commandContext) openLedger(ctx context.Context) (*runlog.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil || !cfg.Ledger.Enabled {
		return nil, err
	}
	return runlog.Open(ctx, cfg.Ledger.Path)
}

func (c *commandContext) close() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}
