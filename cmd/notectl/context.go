package main

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"voicenotes/pkg/client"
	"voicenotes/pkg/config"
	"voicenotes/pkg/logger"
)

type globalFlags struct {
	envFile string
	server  string
	token   string
	verbose bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logOnce sync.Once
	log     *slog.Logger
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var files []string
		if path := strings.TrimSpace(c.flags.envFile); path != "" {
			files = append(files, path)
		}
		cfg, err := config.Load(files...)
		if err != nil {
			c.configErr = err
			return
		}
		if c.flags.server != "" {
			cfg.Client.ServerURL = c.flags.server
		}
		if c.flags.token != "" {
			cfg.Client.Token = c.flags.token
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger writes to stderr so command output on stdout stays clean. Without
// --verbose only warnings and errors are shown.
func (c *commandContext) logger() *slog.Logger {
	c.logOnce.Do(func() {
		level := slog.LevelWarn
		if c.flags.verbose {
			level = slog.LevelDebug
		}
		c.log = logger.New(logger.Config{Level: level, Output: os.Stderr})
	})
	return c.log
}

func (c *commandContext) client() (*client.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Client.Token == "" {
		return nil, client.ErrUnauthorized
	}
	return client.New(cfg.Client.ServerURL, cfg.Client.Token, c.logger(),
		client.WithTimeout(cfg.Client.RequestTimeout)), nil
}
