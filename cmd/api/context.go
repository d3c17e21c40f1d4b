package main

import (
	"log/slog"
	"strings"
	"sync"

	"storyboard/api/internal/config"
	"storyboard/api/internal/logging"
)

type commandContext struct {
	configFlag *string

	once      sync.Once
	config    config.Config
	logger    *slog.Logger
	configErr error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads the configuration and the logger built from it once per
// process.
func (c *commandContext) ensureConfig() (config.Config, error) {
	c.once.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
		slog.SetDefault(logger)
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
