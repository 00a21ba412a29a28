package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the configuration for logging.
type Config struct {
	// Debug forces the debug level and the console encoder.
	Debug bool `mapstructure:"debug"`

	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `mapstructure:"level"`

	// File, when set, receives a copy of every entry as JSON, rotated by size.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxsize"`
	MaxBackups int    `mapstructure:"maxbackups"`
}

// Validate ensures the logging Config is valid.
func (c Config) Validate() error {
	if c.MaxSizeMB < 0 {
		return fmt.Errorf("maxsize must be >= 0, not %d", c.MaxSizeMB)
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("maxbackups must be >= 0, not %d", c.MaxBackups)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c Config) level() (zapcore.Level, error) {
	if c.Debug {
		return zapcore.DebugLevel, nil
	}
	if strings.TrimSpace(c.Level) == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return lvl, fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// New builds a logger writing to stderr and, optionally, to a rotated file.
func New(c Config) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := c.level()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var consoleEnc zapcore.Encoder
	if c.Debug {
		dev := zap.NewDevelopmentEncoderConfig()
		consoleEnc = zapcore.NewConsoleEncoder(dev)
	} else {
		consoleEnc = zapcore.NewConsoleEncoder(encCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), lvl),
	}
	if c.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotated), lvl))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}
