// Package logging builds the application logger: the slog API on top of a zap core.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and an optional log directory.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to info.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// OutputPath is a directory. When set, app.log is written there in addition to stdout.
	OutputPath string `yaml:"outputPath"`
}

// New returns a slog.Logger backed by zap and a sync function to call before exiting.
func New(cfg Config) (*slog.Logger, func(), error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.Encoding = "console"
	}

	zapCfg.Level = level
	zapCfg.OutputPaths = []string{"stdout"}
	if cfg.OutputPath != "" {
		if err := os.MkdirAll(cfg.OutputPath, 0755); err != nil {
			return nil, nil, fmt.Errorf("error creating log directory: %w", err)
		}
		zapCfg.OutputPaths = append(zapCfg.OutputPaths, filepath.Join(cfg.OutputPath, "app.log"))
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("error building logger: %w", err)
	}

	sync := func() {
		_ = zl.Sync()
	}
	return slog.New(zapslog.NewHandler(zl.Core())), sync, nil
}
