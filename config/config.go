// This package defines a common config struct which can be used by any subsystem within inbox.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug         bool   `yaml:"debug"`
	RootDir       string `yaml:"root_dir"`
	LoggingPrefix string `yaml:"logging_prefix"`
	// Number of workers events are fanned out to. Events of one conversation always land on the same worker.
	EventWorkers int `yaml:"event_workers"`
	// When set, the last processed event id never advances past an event whose handling failed.
	AtLeastOnce        bool  `yaml:"at_least_once"`
	ReconnectMinMs     int64 `yaml:"reconnect_min_ms"`
	ReconnectMaxMs     int64 `yaml:"reconnect_max_ms"`
	NotificationBuffer int   `yaml:"notification_buffer"`
	writer             io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithEventWorkers(n int) Option {
	return func(c *Config) {
		c.EventWorkers = n
	}
}

func WithAtLeastOnce(b bool) Option {
	return func(c *Config) {
		c.AtLeastOnce = b
	}
}

func WithReconnectMs(min, max int64) Option {
	return func(c *Config) {
		c.ReconnectMinMs = min
		c.ReconnectMaxMs = max
	}
}

func WithNotificationBuffer(n int) Option {
	return func(c *Config) {
		c.NotificationBuffer = n
	}
}

func defaultConfig() *Config {
	return &Config{
		Debug:              os.Getenv("DEBUG") == "1",
		RootDir:            ".",
		LoggingPrefix:      "",
		EventWorkers:       4,
		AtLeastOnce:        false,
		ReconnectMinMs:     250,
		ReconnectMaxMs:     30000,
		NotificationBuffer: 100,

		writer: nil,
	}
}

func NewConfig(opts ...Option) *Config {
	c := defaultConfig()
	for _, o := range opts {
		o(c)
	}
	return c.finish()
}

// Reads a YAML file on top of the defaults. Options are applied after the file, so they win.
func LoadFile(path string, opts ...Option) (*Config, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	c := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
	}
	for _, o := range opts {
		o(c)
	}
	if c.EventWorkers < 1 {
		return nil, fmt.Errorf("config: event_workers must be at least 1, got %d", c.EventWorkers)
	}
	if c.ReconnectMinMs <= 0 || c.ReconnectMaxMs < c.ReconnectMinMs {
		return nil, fmt.Errorf("config: invalid reconnect bounds %d..%d", c.ReconnectMinMs, c.ReconnectMaxMs)
	}
	return c.finish(), nil
}

func (c *Config) finish() *Config {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
